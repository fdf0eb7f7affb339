// Package audit keeps an append-only journal of gate and vault events,
// chained with HMAC so edits or deletions are detectable.
//
// The journal key lives beside the log files rather than being derived from
// the vault key: failed unlock attempts happen before any vault key exists
// and still have to be recorded.
package audit

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forest6511/twopass/pkg/crypto"
)

const (
	// MinDiskSpace is the free space required before an event is appended.
	MinDiskSpace = 1024 * 1024

	keyFileName   = "journal.key"
	stateFileName = "journal.meta"
	hmacInfo      = "twopass-audit-v1"
	genesis       = "genesis"
)

// Operations recorded by the gate and the vault.
const (
	OpGateBiometric   = "gate.biometric"
	OpGateSecret      = "gate.secret"
	OpGateUnlocked    = "gate.unlocked"
	OpGateLocked      = "gate.locked"
	OpGateCancelled   = "gate.cancelled"
	OpGateNotify      = "gate.notify"
	OpVaultCreate     = "vault.create"
	OpVaultAdd        = "vault.add"
	OpVaultUpdate     = "vault.update"
	OpVaultDelete     = "vault.delete"
	OpVaultClear      = "vault.clear"
	OpVaultImport     = "vault.import"
	OpVaultExport     = "vault.export"
	OpVaultRekey      = "vault.change_secret"
	OpVaultBackup     = "vault.backup"
	OpVaultRestore    = "vault.restore"
	OpVaultDestroy    = "vault.destroy"
	OpVaultFill       = "vault.fill"
	OpFaceEnroll      = "face.enroll"
	OpSecretRevealed  = "secret.reveal"
	OpSecretCopied    = "secret.copy"
	OpSecretGenerated = "secret.generate"
)

const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultDenied  = "denied"
)

var (
	ErrInsufficientDisk = errors.New("audit: insufficient disk space")
	ErrInvalidKey       = errors.New("audit: journal key is invalid")
)

// Event is one journal line.
type Event struct {
	Version   int            `json:"v"`
	ID        string         `json:"id"`
	Timestamp string         `json:"ts"`
	Operation string         `json:"op"`
	Subject   string         `json:"subject,omitempty"` // HMAC of a label, never the label itself
	Session   string         `json:"session"`
	Result    string         `json:"result"`
	Error     string         `json:"error,omitempty"`
	Context   map[string]any `json:"ctx,omitempty"`
	Chain     Chain          `json:"chain"`
}

// Chain links an event to its predecessor.
type Chain struct {
	Sequence int64  `json:"seq"`
	PrevHash string `json:"prev"`
	HMAC     string `json:"hmac"`
}

type chainState struct {
	Sequence int64  `json:"seq"`
	PrevHash string `json:"prev"`
}

// Logger appends events to monthly JSONL files under a directory.
// A nil *Logger is valid and records nothing.
type Logger struct {
	path     string
	key      []byte
	session  string
	now      func() time.Time
	mu       sync.Mutex
	sequence int64
	prevHash string
}

// Open prepares the journal in dir, creating the directory and the journal
// key on first use.
func Open(dir string) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("audit: failed to create directory: %w", err)
	}

	root, err := loadOrCreateKey(filepath.Join(dir, keyFileName))
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(root)

	key, err := crypto.DeriveSubkey(root, hmacInfo)
	if err != nil {
		return nil, fmt.Errorf("audit: failed to derive HMAC key: %w", err)
	}

	l := &Logger{
		path:     dir,
		key:      key,
		session:  uuid.NewString(),
		now:      time.Now,
		prevHash: genesis,
	}
	if err := l.loadChainState(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	return l, nil
}

func loadOrCreateKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		key, decErr := hex.DecodeString(strings.TrimSpace(string(data)))
		if decErr != nil || len(key) != crypto.KeyLength {
			return nil, ErrInvalidKey
		}
		return key, nil
	case errors.Is(err, fs.ErrNotExist):
		key, err := crypto.RandomBytes(crypto.KeyLength)
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, []byte(hex.EncodeToString(key)), 0o600); err != nil {
			return nil, fmt.Errorf("audit: failed to write journal key: %w", err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("audit: failed to read journal key: %w", err)
	}
}

// Path returns the journal directory.
func (l *Logger) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Subject returns the tag written for a label, so callers can search the
// journal for a label without the journal ever storing it.
func (l *Logger) Subject(label string) string {
	if l == nil || label == "" {
		return ""
	}
	return hex.EncodeToString(crypto.MAC(l.key, []byte(label)))
}

// Record appends one event.
func (l *Logger) Record(op, result, label string, cause error, ctx map[string]any) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkDiskSpace(); err != nil {
		return err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("audit: failed to generate event id: %w", err)
	}

	now := l.now().UTC()
	event := Event{
		Version:   1,
		ID:        id.String(),
		Timestamp: now.Format(time.RFC3339Nano),
		Operation: op,
		Subject:   l.Subject(label),
		Session:   l.session,
		Result:    result,
		Context:   ctx,
	}
	if cause != nil {
		event.Error = cause.Error()
	}

	event.Chain.Sequence = l.sequence + 1
	event.Chain.PrevHash = l.prevHash
	event.Chain.HMAC = hex.EncodeToString(crypto.MAC(l.key, recordData(&event)))

	if err := l.writeEvent(&event, now); err != nil {
		return err
	}
	l.sequence = event.Chain.Sequence
	l.prevHash = event.Chain.HMAC
	return l.saveChainState()
}

// Success records a successful operation.
func (l *Logger) Success(op, label string) error {
	return l.Record(op, ResultSuccess, label, nil, nil)
}

// Failure records a failed operation with its cause.
func (l *Logger) Failure(op, label string, cause error) error {
	return l.Record(op, ResultFailure, label, cause, nil)
}

// Denied records an operation refused by the gate.
func (l *Logger) Denied(op, reason string) error {
	return l.Record(op, ResultDenied, "", nil, map[string]any{"reason": reason})
}

// recordData is the byte string covered by an event's HMAC. Context keys are
// sorted so the encoding is deterministic.
func recordData(e *Event) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "%d|%s|%s|%s|%s|%s|%s|%s|", e.Version, e.ID, e.Timestamp, e.Operation,
		e.Subject, e.Session, e.Result, e.Error)
	keys := make([]string, 0, len(e.Context))
	for k := range e.Context {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%v|", k, e.Context[k])
	}
	fmt.Fprintf(&b, "%d|%s", e.Chain.Sequence, e.Chain.PrevHash)
	return []byte(b.String())
}

func (l *Logger) writeEvent(event *Event, now time.Time) error {
	name := filepath.Join(l.path, now.Format("2006-01")+".jsonl")
	f, err := os.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("audit: failed to open log file: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit: failed to marshal event: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("audit: failed to write event: %w", err)
	}
	return nil
}

func (l *Logger) loadChainState() error {
	data, err := os.ReadFile(filepath.Join(l.path, stateFileName))
	if err != nil {
		return err
	}
	var state chainState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("audit: chain state is corrupted: %w", err)
	}
	l.sequence = state.Sequence
	l.prevHash = state.PrevHash
	return nil
}

func (l *Logger) saveChainState() error {
	data, err := json.Marshal(chainState{Sequence: l.sequence, PrevHash: l.prevHash})
	if err != nil {
		return fmt.Errorf("audit: failed to marshal chain state: %w", err)
	}
	if err := os.WriteFile(filepath.Join(l.path, stateFileName), data, 0o600); err != nil {
		return fmt.Errorf("audit: failed to save chain state: %w", err)
	}
	return nil
}

// VerifyResult is the outcome of a chain check.
type VerifyResult struct {
	Valid        bool     `json:"valid"`
	RecordsTotal int      `json:"records_total"`
	Errors       []string `json:"errors,omitempty"`
}

// Verify walks every journal file in order and checks sequence numbers,
// back links and HMACs.
func (l *Logger) Verify() (*VerifyResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	files, err := l.logFiles()
	if err != nil {
		return nil, err
	}

	result := &VerifyResult{Valid: true}
	prev := genesis
	var seq int64 = 1

	for _, file := range files {
		events, err := readLogFile(file)
		if err != nil {
			return nil, fmt.Errorf("audit: failed to read %s: %w", filepath.Base(file), err)
		}
		for i := range events {
			e := &events[i]
			result.RecordsTotal++
			if e.Chain.Sequence != seq {
				result.Valid = false
				result.Errors = append(result.Errors, fmt.Sprintf("sequence gap at %s: expected %d, got %d", e.ID, seq, e.Chain.Sequence))
			}
			if e.Chain.PrevHash != prev {
				result.Valid = false
				result.Errors = append(result.Errors, fmt.Sprintf("chain broken at %s", e.ID))
			}
			want := hex.EncodeToString(crypto.MAC(l.key, recordData(e)))
			if e.Chain.HMAC != want {
				result.Valid = false
				result.Errors = append(result.Errors, fmt.Sprintf("HMAC mismatch at %s: possible tampering", e.ID))
			}
			prev = e.Chain.HMAC
			seq = e.Chain.Sequence + 1
		}
	}
	return result, nil
}

// List returns events newest first. limit <= 0 means no limit; a zero since
// disables the time filter.
func (l *Logger) List(limit int, since time.Time) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	files, err := l.logFiles()
	if err != nil {
		return nil, err
	}

	var out []Event
	for _, file := range files {
		events, err := readLogFile(file)
		if err != nil {
			return nil, fmt.Errorf("audit: failed to read %s: %w", filepath.Base(file), err)
		}
		for _, e := range events {
			if !since.IsZero() {
				ts, err := time.Parse(time.RFC3339Nano, e.Timestamp)
				if err != nil || ts.Before(since) {
					continue
				}
			}
			out = append(out, e)
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Chain.Sequence > out[j].Chain.Sequence })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *Logger) logFiles() ([]string, error) {
	files, err := filepath.Glob(filepath.Join(l.path, "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("audit: failed to list log files: %w", err)
	}
	// YYYY-MM names sort chronologically
	slices.Sort(files)
	return files, nil
}

func readLogFile(path string) ([]Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var events []Event
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("failed to parse line: %w", err)
		}
		events = append(events, e)
	}
	return events, sc.Err()
}
