// Package backup keeps rotating snapshots of the vault file.
//
// A snapshot is a consistent copy of the encrypted vault written by
// Vault.SnapshotTo, so it is protected by the same master secret and can be
// opened like any vault. Snapshots are named <vault>-<UTC time>.bak and only
// the newest few are kept.
package backup

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/forest6511/twopass/pkg/audit"
	"github.com/forest6511/twopass/pkg/vault"
)

const (
	// Extension marks snapshot files.
	Extension = ".bak"

	timeLayout = "20060102-150405.000"
	dirMode    = 0o700
)

// Info describes one snapshot on disk.
type Info struct {
	Path      string
	Name      string // vault base name the snapshot belongs to
	CreatedAt time.Time
	Size      int64
}

// Option configures Create and Restore.
type Option func(*options)

type options struct {
	now     func() time.Time
	journal *audit.Logger
}

// WithClock replaces time.Now for snapshot names.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithJournal records backups and restores.
func WithJournal(j *audit.Logger) Option {
	return func(o *options) { o.journal = j }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func baseName(vaultPath string) string {
	return strings.TrimSuffix(filepath.Base(vaultPath), filepath.Ext(vaultPath))
}

// Create snapshots v into dir and prunes older snapshots of the same vault
// so that at most keep remain. The handle must have no pending changes.
func Create(v *vault.Vault, dir string, keep int, opts ...Option) (*Info, error) {
	if keep < 1 {
		return nil, ErrInvalidKeep
	}
	o := buildOptions(opts)

	if err := os.MkdirAll(dir, dirMode); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}

	name := baseName(v.Path())
	created := o.now().UTC()
	path := filepath.Join(dir, fmt.Sprintf("%s-%s%s", name, created.Format(timeLayout), Extension))

	if err := v.SnapshotTo(path); err != nil {
		_ = o.journal.Failure(audit.OpVaultBackup, "", err)
		return nil, fmt.Errorf("failed to write snapshot: %w", err)
	}
	_ = o.journal.Success(audit.OpVaultBackup, "")

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat snapshot: %w", err)
	}

	if _, err := Prune(dir, name, keep); err != nil {
		return nil, err
	}
	return &Info{Path: path, Name: name, CreatedAt: created.Truncate(time.Millisecond), Size: info.Size()}, nil
}

// List returns the snapshots in dir, newest first. Files that do not follow
// the naming scheme are ignored. A missing directory yields an empty list.
func List(dir string) ([]Info, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Info{}, nil
		}
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}

	out := make([]Info, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, ok := parseName(e.Name())
		if !ok {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		info.Path = filepath.Join(dir, e.Name())
		info.Size = fi.Size()
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func parseName(file string) (Info, bool) {
	stem, ok := strings.CutSuffix(file, Extension)
	if !ok || len(stem) < len(timeLayout)+2 {
		return Info{}, false
	}
	split := len(stem) - len(timeLayout)
	if stem[split-1] != '-' {
		return Info{}, false
	}
	t, err := time.Parse(timeLayout, stem[split:])
	if err != nil {
		return Info{}, false
	}
	return Info{Name: stem[:split-1], CreatedAt: t.UTC()}, true
}

// Prune deletes all but the newest keep snapshots of the named vault and
// returns how many were removed.
func Prune(dir, name string, keep int) (int, error) {
	if keep < 1 {
		return 0, ErrInvalidKeep
	}
	all, err := List(dir)
	if err != nil {
		return 0, err
	}

	kept, removed := 0, 0
	for _, s := range all {
		if s.Name != name {
			continue
		}
		if kept < keep {
			kept++
			continue
		}
		if err := os.Remove(s.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, fmt.Errorf("failed to remove old snapshot: %w", err)
		}
		removed++
	}
	return removed, nil
}

// Restore replaces the vault at vaultPath with snapshot. The snapshot must
// be a vault file; the vault must not be open elsewhere. The replaced file is
// kept as vaultPath+".prev".
func Restore(snapshot, vaultPath string, opts ...Option) (err error) {
	o := buildOptions(opts)
	defer func() {
		if err != nil {
			_ = o.journal.Failure(audit.OpVaultRestore, "", err)
		} else {
			_ = o.journal.Success(audit.OpVaultRestore, "")
		}
	}()

	if !vault.Exists(snapshot) {
		return ErrSnapshotNotFound
	}
	if _, err := vault.Inspect(snapshot); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSnapshot, err)
	}

	dir := filepath.Dir(vaultPath)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return fmt.Errorf("failed to create vault directory: %w", err)
	}

	lock := flock.New(vault.LockPath(vaultPath))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire vault lock: %w", err)
	}
	if !locked {
		return ErrVaultLocked
	}
	defer lock.Unlock()

	tmp, err := copyToTemp(snapshot, dir)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	if vault.Exists(vaultPath) {
		prev := vaultPath + ".prev"
		if err := os.Remove(prev); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to clear previous copy: %w", err)
		}
		if err := os.Link(vaultPath, prev); err != nil {
			return fmt.Errorf("failed to keep previous vault: %w", err)
		}
	}
	if err := os.Rename(tmp, vaultPath); err != nil {
		return fmt.Errorf("failed to restore vault: %w", err)
	}
	return nil
}

// copyToTemp copies src into a synced temporary file in dir.
func copyToTemp(src, dir string) (_ string, err error) {
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer in.Close()

	out, err := os.CreateTemp(dir, ".restore-*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			out.Close()
			os.Remove(out.Name())
		}
	}()

	if err = out.Chmod(vault.FileMode); err != nil {
		return "", fmt.Errorf("failed to set permissions: %w", err)
	}
	if _, err = io.Copy(out, in); err != nil {
		return "", fmt.Errorf("failed to copy snapshot: %w", err)
	}
	if err = out.Sync(); err != nil {
		return "", fmt.Errorf("failed to sync restored vault: %w", err)
	}
	if err = out.Close(); err != nil {
		return "", fmt.Errorf("failed to close restored vault: %w", err)
	}
	return out.Name(), nil
}

// Verify opens a snapshot with secret and checks every record.
func Verify(snapshot, secret string) (*vault.IntegrityReport, error) {
	if !vault.Exists(snapshot) {
		return nil, ErrSnapshotNotFound
	}
	v, err := vault.Open(snapshot, secret)
	if err != nil {
		return nil, err
	}
	defer func() {
		v.Close()
		os.Remove(vault.LockPath(snapshot))
	}()
	return v.CheckIntegrity()
}
