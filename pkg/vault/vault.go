// Package vault stores Account records in a single encrypted SQLite file.
//
// Layout: a random data encryption key (DEK) encrypts every text column with
// AES-256-GCM. The DEK itself is stored wrapped by a key derived from the
// master secret with Argon2id. Opening a vault unwraps the DEK and then reads
// the account table; only when both succeed is a handle returned.
//
// Mutations join a pending transaction that is opened lazily. Flush commits
// it; Close discards anything not flushed. A handle therefore never leaves a
// half-written file behind.
package vault

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/forest6511/twopass/pkg/audit"
	"github.com/forest6511/twopass/pkg/crypto"
)

const (
	// FormatVersion is written to vault_meta on creation.
	FormatVersion = 1

	FileMode = 0o600
	DirMode  = 0o700

	// MinDiskSpaceBytes is the free space a write requires, or twice the
	// payload if that is larger.
	MinDiskSpaceBytes = 10 * 1024 * 1024

	MaxLabelLength    = 256
	MaxURLLength      = 2048
	MaxUsernameLength = 256
	MaxNotesSize      = 10 * 1024
	MaxSecretSize     = 1024 * 1024

	labelIndexInfo    = "twopass-label-index-v1"
	identityIndexInfo = "twopass-identity-index-v1"
)

var (
	ErrAlreadyExists        = errors.New("vault: a file already exists at this path")
	ErrVaultNotFound        = errors.New("vault: vault not found at this path")
	ErrWrongSecretOrCorrupt = errors.New("vault: wrong master secret or corrupted vault")
	ErrVaultBusy            = errors.New("vault: vault is open in another session")
	ErrVaultClosed          = errors.New("vault: vault is closed")
	ErrEmptySecret          = errors.New("vault: master secret must not be empty")
	ErrSameSecret           = errors.New("vault: new master secret equals the current one")
	ErrNotFound             = errors.New("vault: account not found")
	ErrAmbiguousLabel       = fmt.Errorf("%w: label matches more than one account", ErrNotFound)
	ErrInvalidAccount       = errors.New("vault: invalid account")
	ErrStorage              = errors.New("vault: storage failure")
	ErrStorageFull          = errors.New("vault: insufficient disk space")
	ErrDirty                = errors.New("vault: vault has unflushed changes")
)

// Option configures Create and Open.
type Option func(*options)

type options struct {
	kdf     crypto.KDFParams
	now     func() time.Time
	journal *audit.Logger
	logger  *slog.Logger
}

func defaultOptions() options {
	return options{
		kdf:    crypto.DefaultKDFParams(),
		now:    time.Now,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// WithKDFParams sets the Argon2id costs used when a key is (re)wrapped.
// Existing vaults keep the costs recorded in their file.
func WithKDFParams(p crypto.KDFParams) Option {
	return func(o *options) { o.kdf = p }
}

// WithClock replaces time.Now for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithJournal records mutations in an audit journal.
func WithJournal(j *audit.Logger) Option {
	return func(o *options) { o.journal = j }
}

// WithLogger sets the logger for warnings.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// Vault is an open, unlocked vault. It is not meant to be shared between
// goroutines beyond the serialisation its mutex provides.
type Vault struct {
	mu     sync.Mutex
	path   string
	db     *sql.DB
	tx     *sql.Tx
	lock   *flock.Flock
	dek    []byte
	labelK []byte
	identK []byte
	opts   options
	closed bool
}

// Header is the plaintext part of a vault file.
type Header struct {
	FormatVersion int
	KDF           crypto.KDFParams
	CreatedAt     time.Time
	RekeyedAt     time.Time
}

type meta struct {
	Header
	salt       []byte
	wrappedDEK []byte
}

func dsn(path string) string {
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=secure_delete(on)&_pragma=synchronous(FULL)&_pragma=journal_mode(DELETE)", filepath.ToSlash(path))
}

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, err
	}
	// a pending transaction pins the only connection; every read goes through it
	db.SetMaxOpenConns(1)
	return db, nil
}

// Exists reports whether something is present at path.
func Exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// LockPath is the advisory lock file guarding the vault at path. Anything
// that replaces the file must hold it.
func LockPath(path string) string {
	return path + ".lock"
}

func lockFor(path string) *flock.Flock {
	return flock.New(LockPath(path))
}

// Create initialises an empty vault at path. The file is built under a
// temporary name in the same directory and linked into place, so a failure
// never leaves a partial vault at path.
func Create(path, masterSecret string, opts ...Option) error {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if masterSecret == "" {
		return ErrEmptySecret
	}
	if err := o.kdf.Validate(); err != nil {
		return err
	}
	if Exists(path) {
		return ErrAlreadyExists
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DirMode); err != nil {
		return fmt.Errorf("%w: create vault directory: %w", ErrStorage, err)
	}
	if err := checkDiskSpace(dir, 1024*1024, o.logger); err != nil {
		return err
	}

	lk := lockFor(path)
	locked, err := lk.TryLock()
	if err != nil {
		return fmt.Errorf("%w: acquire lock: %w", ErrStorage, err)
	}
	if !locked {
		return ErrVaultBusy
	}
	defer lk.Unlock()

	tmp, err := os.CreateTemp(dir, ".twopass-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: create temp file: %w", ErrStorage, err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	if err := initFile(tmpPath, masterSecret, o); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, FileMode); err != nil {
		return fmt.Errorf("%w: set permissions: %w", ErrStorage, err)
	}
	// Link fails if path appeared in the meantime; Rename would clobber it.
	if err := os.Link(tmpPath, path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return ErrAlreadyExists
		}
		// filesystems without hard links
		if Exists(path) {
			return ErrAlreadyExists
		}
		if err := os.Rename(tmpPath, path); err != nil {
			return fmt.Errorf("%w: move vault into place: %w", ErrStorage, err)
		}
	}

	_ = o.journal.Success(audit.OpVaultCreate, "")
	return nil
}

func initFile(path, masterSecret string, o options) error {
	db, err := openDB(path)
	if err != nil {
		return fmt.Errorf("%w: open database: %w", ErrStorage, err)
	}
	defer db.Close()

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}

	salt, err := crypto.RandomBytes(crypto.SaltLength)
	if err != nil {
		return err
	}
	dek, err := crypto.RandomBytes(crypto.KeyLength)
	if err != nil {
		return err
	}
	defer crypto.SecureWipe(dek)

	kek := crypto.DeriveKey([]byte(masterSecret), salt, o.kdf)
	defer crypto.SecureWipe(kek)

	wrapped, err := crypto.Seal(kek, dek)
	if err != nil {
		return fmt.Errorf("vault: failed to wrap key: %w", err)
	}

	_, err = db.Exec(`INSERT INTO vault_meta (id, format_version, kdf_time, kdf_memory, kdf_threads, salt, wrapped_dek, created_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?)`,
		FormatVersion, o.kdf.Time, o.kdf.Memory, o.kdf.Threads, salt, wrapped, o.now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("%w: write vault header: %w", ErrStorage, err)
	}
	return nil
}

func readMeta(q querier) (*meta, error) {
	var (
		m         meta
		created   int64
		rekeyed   sql.NullInt64
		kdfTime   int64
		kdfMemory int64
		kdfThread int64
	)
	err := q.QueryRow(`SELECT format_version, kdf_time, kdf_memory, kdf_threads, salt, wrapped_dek, created_at, rekeyed_at
		FROM vault_meta WHERE id = 1`).
		Scan(&m.FormatVersion, &kdfTime, &kdfMemory, &kdfThread, &m.salt, &m.wrappedDEK, &created, &rekeyed)
	if err != nil {
		return nil, err
	}
	if kdfTime <= 0 || kdfMemory <= 0 || kdfThread <= 0 || kdfThread > 255 || kdfTime > 1<<32-1 || kdfMemory > 1<<32-1 {
		return nil, crypto.ErrInvalidKDFParams
	}
	m.KDF = crypto.KDFParams{Time: uint32(kdfTime), Memory: uint32(kdfMemory), Threads: uint8(kdfThread)}
	if err := m.KDF.Validate(); err != nil {
		return nil, err
	}
	m.CreatedAt = time.Unix(created, 0).UTC()
	if rekeyed.Valid {
		m.RekeyedAt = time.Unix(rekeyed.Int64, 0).UTC()
	}
	return &m, nil
}

// Inspect reads the plaintext header of the vault at path without a secret.
// It fails with ErrWrongSecretOrCorrupt when path is not a vault.
func Inspect(path string) (*Header, error) {
	if !Exists(path) {
		return nil, ErrVaultNotFound
	}
	db, err := openDB(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %w", ErrStorage, err)
	}
	defer db.Close()

	m, err := readMeta(db)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrWrongSecretOrCorrupt, err)
	}
	return &m.Header, nil
}

// Open unlocks the vault at path. A wrong secret and a damaged file are
// reported identically as ErrWrongSecretOrCorrupt, and no handle is returned
// unless the account table could be read and decrypted.
func Open(path, masterSecret string, opts ...Option) (_ *Vault, err error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if !Exists(path) {
		return nil, ErrVaultNotFound
	}

	lk := lockFor(path)
	locked, err := lk.TryLock()
	if err != nil {
		return nil, fmt.Errorf("%w: acquire lock: %w", ErrStorage, err)
	}
	if !locked {
		return nil, ErrVaultBusy
	}
	defer func() {
		if err != nil {
			lk.Unlock()
		}
	}()

	db, err := openDB(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %w", ErrStorage, err)
	}
	defer func() {
		if err != nil {
			db.Close()
		}
	}()

	m, err := readMeta(db)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrWrongSecretOrCorrupt, err)
	}

	kek := crypto.DeriveKey([]byte(masterSecret), m.salt, m.KDF)
	defer crypto.SecureWipe(kek)

	dek, err := crypto.Open(kek, m.wrappedDEK)
	if err != nil || len(dek) != crypto.KeyLength {
		return nil, ErrWrongSecretOrCorrupt
	}

	v := &Vault{path: path, db: db, lock: lk, dek: dek, opts: o}
	defer func() {
		if err != nil {
			v.wipeKeys()
		}
	}()
	if err := v.deriveIndexKeys(); err != nil {
		return nil, err
	}
	if err := v.probe(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrWrongSecretOrCorrupt, err)
	}
	if err := runMigrations(db); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	v.checkPermissions()
	return v, nil
}

func (v *Vault) deriveIndexKeys() error {
	var err error
	if v.labelK, err = crypto.DeriveSubkey(v.dek, labelIndexInfo); err != nil {
		return err
	}
	if v.identK, err = crypto.DeriveSubkey(v.dek, identityIndexInfo); err != nil {
		return err
	}
	return nil
}

// probe is the structural read that proves the key: the table must be
// readable and its first record must decrypt.
func (v *Vault) probe() error {
	var label []byte
	err := v.db.QueryRow(`SELECT label FROM accounts ORDER BY id LIMIT 1`).Scan(&label)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = crypto.Open(v.dek, label)
	return err
}

func (v *Vault) checkPermissions() {
	if info, err := os.Stat(v.path); err == nil {
		if perm := info.Mode().Perm(); perm&0o077 != 0 {
			v.opts.logger.Warn("vault file has insecure permissions", "path", v.path, "mode", fmt.Sprintf("%04o", perm))
		}
	}
}

// Path returns the vault file path.
func (v *Vault) Path() string {
	return v.path
}

// Dirty reports whether there are mutations not yet flushed.
func (v *Vault) Dirty() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.tx != nil
}

// Flush commits pending mutations durably. It is a no-op on a clean handle.
func (v *Vault) Flush() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrVaultClosed
	}
	if v.tx == nil {
		return nil
	}
	tx := v.tx
	v.tx = nil
	if err := tx.Commit(); err != nil {
		return storageErr("commit", err)
	}
	return nil
}

// Close discards unflushed mutations, wipes key material and releases the
// vault lock. Calling Close more than once is harmless.
func (v *Vault) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil
	}
	v.closed = true

	var errs []error
	if v.tx != nil {
		if err := v.tx.Rollback(); err != nil {
			errs = append(errs, fmt.Errorf("vault: rollback: %w", err))
		} else {
			v.opts.logger.Warn("discarded unflushed vault changes", "path", v.path)
		}
		v.tx = nil
	}
	v.wipeKeys()
	if v.db != nil {
		if err := v.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("vault: close database: %w", err))
		}
		v.db = nil
	}
	if err := v.lock.Unlock(); err != nil {
		errs = append(errs, fmt.Errorf("vault: release lock: %w", err))
	}
	return errors.Join(errs...)
}

func (v *Vault) wipeKeys() {
	crypto.SecureWipe(v.dek)
	crypto.SecureWipe(v.labelK)
	crypto.SecureWipe(v.identK)
	v.dek, v.labelK, v.identK = nil, nil, nil
}

type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// reader returns the pending transaction if there is one; the pool has a
// single connection and the transaction holds it.
func (v *Vault) reader() querier {
	if v.tx != nil {
		return v.tx
	}
	return v.db
}

// writer returns the pending transaction, opening it if needed.
func (v *Vault) writer() (*sql.Tx, error) {
	if v.tx != nil {
		return v.tx, nil
	}
	tx, err := v.db.Begin()
	if err != nil {
		return nil, storageErr("begin transaction", err)
	}
	v.tx = tx
	return tx, nil
}

// storageErr classifies a database error. SQLITE_FULL becomes ErrStorageFull.
func storageErr(op string, err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_FULL {
		return fmt.Errorf("%w: %s: %w", ErrStorageFull, op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

// DiskSpaceInfo describes the filesystem holding the vault.
type DiskSpaceInfo struct {
	Total     uint64
	Available uint64
	UsedPct   int
}

// checkDiskSpace fails with ErrStorageFull when dir's filesystem has less
// than max(MinDiskSpaceBytes, 2*size) available. An unreadable filesystem
// only logs a warning.
func checkDiskSpace(dir string, size int, logger *slog.Logger) error {
	info, err := diskSpace(dir)
	if err != nil {
		logger.Warn("failed to check disk space", "dir", dir, "error", err)
		return nil
	}
	required := uint64(MinDiskSpaceBytes)
	if s := uint64(size) * 2; s > required {
		required = s
	}
	if info.Available < required {
		return fmt.Errorf("%w: %d bytes available, need %d", ErrStorageFull, info.Available, required)
	}
	if info.UsedPct >= 90 {
		logger.Warn("disk is nearly full", "dir", dir, "used_pct", info.UsedPct)
	}
	return nil
}

// CheckDiskSpace reports usage of the filesystem holding the vault.
func (v *Vault) CheckDiskSpace() (*DiskSpaceInfo, error) {
	return diskSpace(filepath.Dir(v.path))
}
