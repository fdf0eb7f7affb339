package vault

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/text/cases"

	"github.com/forest6511/twopass/pkg/audit"
	"github.com/forest6511/twopass/pkg/crypto"
)

// Account is one credential record. Only Secret changes after creation.
type Account struct {
	ID         int64
	Label      string
	URL        string
	Username   string
	Secret     string
	Notes      string
	CreatedAt  time.Time
	ModifiedAt time.Time
}

// Identity is the (url, username) pair that selects records for update and
// delete. Labels are descriptive and may repeat; identities normally do not.
type Identity struct {
	URL      string
	Username string
}

// Identity returns the account's mutation key.
func (a *Account) Identity() Identity {
	return Identity{URL: a.URL, Username: a.Username}
}

func (id Identity) String() string {
	return id.Username + "@" + id.URL
}

// Validate checks field sizes.
func (a *Account) Validate() error {
	switch {
	case a.Label == "":
		return fmt.Errorf("%w: label must not be empty", ErrInvalidAccount)
	case len(a.Label) > MaxLabelLength:
		return fmt.Errorf("%w: label is %d bytes, maximum is %d", ErrInvalidAccount, len(a.Label), MaxLabelLength)
	case len(a.URL) > MaxURLLength:
		return fmt.Errorf("%w: url is %d bytes, maximum is %d", ErrInvalidAccount, len(a.URL), MaxURLLength)
	case len(a.Username) > MaxUsernameLength:
		return fmt.Errorf("%w: username is %d bytes, maximum is %d", ErrInvalidAccount, len(a.Username), MaxUsernameLength)
	case len(a.Notes) > MaxNotesSize:
		return fmt.Errorf("%w: notes are %d bytes, maximum is %d", ErrInvalidAccount, len(a.Notes), MaxNotesSize)
	case len(a.Secret) > MaxSecretSize:
		return fmt.Errorf("%w: secret is %d bytes, maximum is %d", ErrInvalidAccount, len(a.Secret), MaxSecretSize)
	}
	return nil
}

func (v *Vault) labelMAC(label string) []byte {
	return crypto.MAC(v.labelK, []byte(label))
}

func (v *Vault) identityMAC(id Identity) []byte {
	// length prefix keeps ("ab","c") and ("a","bc") apart
	key := fmt.Sprintf("%d:%s%s", len(id.URL), id.URL, id.Username)
	return crypto.MAC(v.identK, []byte(key))
}

func (v *Vault) seal(s string) ([]byte, error) {
	b, err := crypto.Seal(v.dek, []byte(s))
	if err != nil {
		return nil, fmt.Errorf("vault: failed to encrypt field: %w", err)
	}
	return b, nil
}

func (v *Vault) open(b []byte) (string, error) {
	p, err := crypto.Open(v.dek, b)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrWrongSecretOrCorrupt, err)
	}
	return string(p), nil
}

func (v *Vault) now() time.Time {
	return v.opts.now().UTC().Truncate(time.Second)
}

// Add stores a new account and assigns its ID. Timestamps default to now;
// imported records may carry their own, and ModifiedAt is raised to
// CreatedAt if it is earlier. The record is pending until Flush.
func (v *Vault) Add(a *Account) error {
	if err := a.Validate(); err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrVaultClosed
	}

	size := len(a.Label) + len(a.URL) + len(a.Username) + len(a.Secret) + len(a.Notes)
	if err := checkDiskSpace(filepath.Dir(v.path), size, v.opts.logger); err != nil {
		_ = v.opts.journal.Failure(audit.OpVaultAdd, a.Label, err)
		return err
	}

	now := v.now()
	created, modified := a.CreatedAt.UTC().Truncate(time.Second), a.ModifiedAt.UTC().Truncate(time.Second)
	if a.CreatedAt.IsZero() {
		created = now
	}
	if a.ModifiedAt.IsZero() || modified.Before(created) {
		modified = created
	}

	var fields [5][]byte
	for i, s := range []string{a.Label, a.URL, a.Username, a.Secret, a.Notes} {
		b, err := v.seal(s)
		if err != nil {
			return err
		}
		fields[i] = b
	}

	tx, err := v.writer()
	if err != nil {
		return err
	}
	res, err := tx.Exec(`INSERT INTO accounts (label_mac, identity_mac, label, url, username, secret, notes, created_at, modified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.labelMAC(a.Label), v.identityMAC(a.Identity()),
		fields[0], fields[1], fields[2], fields[3], fields[4],
		created.Unix(), modified.Unix())
	if err != nil {
		err = storageErr("insert account", err)
		_ = v.opts.journal.Failure(audit.OpVaultAdd, a.Label, err)
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return storageErr("read account id", err)
	}

	a.ID = id
	a.CreatedAt = created
	a.ModifiedAt = modified
	_ = v.opts.journal.Success(audit.OpVaultAdd, a.Label)
	return nil
}

// RecordError reports a record that could not be decrypted.
type RecordError struct {
	ID  int64
	Err error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("account %d: %v", e.ID, e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}

const selectAccount = `SELECT id, label, url, username, secret, notes, created_at, modified_at FROM accounts`

type scanner interface {
	Scan(dest ...any) error
}

func (v *Vault) scanAccount(row scanner) (*Account, error) {
	var (
		a                 Account
		enc               [5][]byte
		created, modified int64
	)
	if err := row.Scan(&a.ID, &enc[0], &enc[1], &enc[2], &enc[3], &enc[4], &created, &modified); err != nil {
		return nil, err
	}
	dst := []*string{&a.Label, &a.URL, &a.Username, &a.Secret, &a.Notes}
	for i, b := range enc {
		s, err := v.open(b)
		if err != nil {
			return nil, &RecordError{ID: a.ID, Err: err}
		}
		*dst[i] = s
	}
	a.CreatedAt = time.Unix(created, 0).UTC()
	a.ModifiedAt = time.Unix(modified, 0).UTC()
	return &a, nil
}

func (v *Vault) query(where string, args ...any) ([]*Account, error) {
	rows, err := v.reader().Query(selectAccount+" "+where+" ORDER BY id", args...)
	if err != nil {
		return nil, storageErr("query accounts", err)
	}
	defer rows.Close()

	var out []*Account
	for rows.Next() {
		a, err := v.scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate accounts", err)
	}
	return out, nil
}

// FindByLabelExact returns the only account with exactly this label. Zero
// matches yield ErrNotFound; several yield ErrAmbiguousLabel, which also
// matches ErrNotFound.
func (v *Vault) FindByLabelExact(label string) (*Account, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil, ErrVaultClosed
	}

	matches, err := v.query("WHERE label_mac = ?", v.labelMAC(label))
	if err != nil {
		return nil, err
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %q", ErrNotFound, label)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("%w: %q (%d accounts)", ErrAmbiguousLabel, label, len(matches))
	}
}

// FindByLabelFuzzy returns the first account, in insertion order, whose label
// contains substring ignoring case. When several labels match, which one is
// returned depends only on the order the accounts were added.
func (v *Vault) FindByLabelFuzzy(substring string) (*Account, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil, ErrVaultClosed
	}

	all, err := v.query("")
	if err != nil {
		return nil, err
	}
	needle := fold(substring)
	for _, a := range all {
		if strings.Contains(fold(a.Label), needle) {
			return a, nil
		}
	}
	return nil, fmt.Errorf("%w: no label contains %q", ErrNotFound, substring)
}

// Search returns every account whose label, URL or username contains
// substring ignoring case, in insertion order.
func (v *Vault) Search(substring string) ([]*Account, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil, ErrVaultClosed
	}

	all, err := v.query("")
	if err != nil {
		return nil, err
	}
	needle := fold(substring)
	var out []*Account
	for _, a := range all {
		if strings.Contains(fold(a.Label), needle) ||
			strings.Contains(fold(a.URL), needle) ||
			strings.Contains(fold(a.Username), needle) {
			out = append(out, a)
		}
	}
	return out, nil
}

func fold(s string) string {
	return cases.Fold().String(s)
}

// ListAll returns every account in insertion order.
func (v *Vault) ListAll() ([]*Account, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil, ErrVaultClosed
	}
	all, err := v.query("")
	if err != nil {
		return nil, err
	}
	if all == nil {
		all = []*Account{}
	}
	return all, nil
}

// Count returns the number of accounts.
func (v *Vault) Count() (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return 0, ErrVaultClosed
	}
	var n int
	if err := v.reader().QueryRow(`SELECT count(*) FROM accounts`).Scan(&n); err != nil {
		return 0, storageErr("count accounts", err)
	}
	return n, nil
}

// UpdateSecret replaces the secret of every account with this identity and
// refreshes ModifiedAt, which always moves forward by at least one second.
// If duplicates share the identity, all of them are updated.
func (v *Vault) UpdateSecret(id Identity, newSecret string) error {
	if len(newSecret) > MaxSecretSize {
		return fmt.Errorf("%w: secret is %d bytes, maximum is %d", ErrInvalidAccount, len(newSecret), MaxSecretSize)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrVaultClosed
	}

	if err := checkDiskSpace(filepath.Dir(v.path), len(newSecret), v.opts.logger); err != nil {
		return err
	}

	type target struct {
		id       int64
		modified int64
		label    []byte
	}
	rows, err := v.reader().Query(`SELECT id, modified_at, label FROM accounts WHERE identity_mac = ? ORDER BY id`, v.identityMAC(id))
	if err != nil {
		return storageErr("query accounts", err)
	}
	var targets []target
	for rows.Next() {
		var t target
		if err := rows.Scan(&t.id, &t.modified, &t.label); err != nil {
			rows.Close()
			return storageErr("scan account", err)
		}
		targets = append(targets, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return storageErr("iterate accounts", err)
	}
	if len(targets) == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	tx, err := v.writer()
	if err != nil {
		return err
	}
	now := v.now().Unix()
	for _, t := range targets {
		sealed, err := v.seal(newSecret)
		if err != nil {
			return err
		}
		modified := max(now, t.modified+1)
		if _, err := tx.Exec(`UPDATE accounts SET secret = ?, modified_at = ? WHERE id = ?`, sealed, modified, t.id); err != nil {
			return storageErr("update account", err)
		}
		label, _ := v.open(t.label)
		_ = v.opts.journal.Success(audit.OpVaultUpdate, label)
	}
	return nil
}

// Delete removes every account with this identity.
func (v *Vault) Delete(id Identity) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrVaultClosed
	}

	mac := v.identityMAC(id)
	var n int
	if err := v.reader().QueryRow(`SELECT count(*) FROM accounts WHERE identity_mac = ?`, mac).Scan(&n); err != nil {
		return storageErr("count accounts", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	tx, err := v.writer()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM accounts WHERE identity_mac = ?`, mac); err != nil {
		return storageErr("delete account", err)
	}
	_ = v.opts.journal.Record(audit.OpVaultDelete, audit.ResultSuccess, "", nil, map[string]any{"count": n})
	return nil
}

// Clear removes every account. Clearing an empty vault succeeds.
func (v *Vault) Clear() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrVaultClosed
	}

	tx, err := v.writer()
	if err != nil {
		return err
	}
	res, err := tx.Exec(`DELETE FROM accounts`)
	if err != nil {
		return storageErr("clear accounts", err)
	}
	n, _ := res.RowsAffected()
	_ = v.opts.journal.Record(audit.OpVaultClear, audit.ResultSuccess, "", nil, map[string]any{"count": n})
	return nil
}

// ChangeSecret re-wraps the data key under newSecret with a fresh salt. It
// commits immediately and needs a clean handle.
func (v *Vault) ChangeSecret(oldSecret, newSecret string) error {
	if newSecret == "" {
		return ErrEmptySecret
	}
	if oldSecret == newSecret {
		return ErrSameSecret
	}
	if err := v.opts.kdf.Validate(); err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrVaultClosed
	}
	if v.tx != nil {
		return ErrDirty
	}

	m, err := readMeta(v.db)
	if err != nil {
		return storageErr("read vault header", err)
	}
	oldKEK := crypto.DeriveKey([]byte(oldSecret), m.salt, m.KDF)
	defer crypto.SecureWipe(oldKEK)
	dek, err := crypto.Open(oldKEK, m.wrappedDEK)
	if err != nil {
		_ = v.opts.journal.Failure(audit.OpVaultRekey, "", ErrWrongSecretOrCorrupt)
		return ErrWrongSecretOrCorrupt
	}
	defer crypto.SecureWipe(dek)
	if !bytes.Equal(dek, v.dek) {
		return ErrWrongSecretOrCorrupt
	}

	salt, err := crypto.RandomBytes(crypto.SaltLength)
	if err != nil {
		return err
	}
	newKEK := crypto.DeriveKey([]byte(newSecret), salt, v.opts.kdf)
	defer crypto.SecureWipe(newKEK)
	wrapped, err := crypto.Seal(newKEK, v.dek)
	if err != nil {
		return fmt.Errorf("vault: failed to wrap key: %w", err)
	}

	_, err = v.db.Exec(`UPDATE vault_meta SET salt = ?, wrapped_dek = ?, kdf_time = ?, kdf_memory = ?, kdf_threads = ?, rekeyed_at = ? WHERE id = 1`,
		salt, wrapped, v.opts.kdf.Time, v.opts.kdf.Memory, v.opts.kdf.Threads, v.now().Unix())
	if err != nil {
		return storageErr("write vault header", err)
	}
	_ = v.opts.journal.Success(audit.OpVaultRekey, "")
	return nil
}

// SnapshotTo writes a consistent copy of the encrypted file to dst, which
// must not exist. Pending changes are not included, so the handle must be
// clean.
func (v *Vault) SnapshotTo(dst string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrVaultClosed
	}
	if v.tx != nil {
		return ErrDirty
	}
	if Exists(dst) {
		return ErrAlreadyExists
	}
	if _, err := v.db.Exec(`VACUUM INTO ?`, dst); err != nil {
		return storageErr("snapshot", err)
	}
	if err := os.Chmod(dst, FileMode); err != nil {
		return fmt.Errorf("%w: set snapshot permissions: %w", ErrStorage, err)
	}
	return nil
}

// IntegrityReport is the result of CheckIntegrity.
type IntegrityReport struct {
	SQLite     string
	Accounts   int
	Unreadable []int64
}

// OK reports whether no problem was found.
func (r *IntegrityReport) OK() bool {
	return r.SQLite == "ok" && len(r.Unreadable) == 0
}

// CheckIntegrity runs SQLite's integrity check and decrypts every record.
func (v *Vault) CheckIntegrity() (*IntegrityReport, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil, ErrVaultClosed
	}

	r := &IntegrityReport{}
	if err := v.reader().QueryRow(`PRAGMA integrity_check`).Scan(&r.SQLite); err != nil {
		return nil, storageErr("integrity check", err)
	}

	rows, err := v.reader().Query(selectAccount + " ORDER BY id")
	if err != nil {
		return nil, storageErr("query accounts", err)
	}
	defer rows.Close()
	for rows.Next() {
		r.Accounts++
		_, err := v.scanAccount(rows)
		var re *RecordError
		switch {
		case errors.As(err, &re):
			r.Unreadable = append(r.Unreadable, re.ID)
		case err != nil:
			return nil, storageErr("scan account", err)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate accounts", err)
	}
	return r, nil
}
