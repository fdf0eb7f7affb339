package vault

import (
	"bytes"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/forest6511/twopass/pkg/audit"
	"github.com/forest6511/twopass/pkg/crypto"
)

var testKDF = crypto.KDFParams{Time: 1, Memory: 64, Threads: 1}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func createVault(t *testing.T, secret string, opts ...Option) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "vault.db")
	if err := Create(path, secret, append([]Option{WithKDFParams(testKDF)}, opts...)...); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return path
}

func openVault(t *testing.T, path, secret string, opts ...Option) *Vault {
	t.Helper()
	v, err := Open(path, secret, append([]Option{WithKDFParams(testKDF)}, opts...)...)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { v.Close() })
	return v
}

func mustAdd(t *testing.T, v *Vault, label, url, username, secret string) *Account {
	t.Helper()
	a := &Account{Label: label, URL: url, Username: username, Secret: secret, Notes: "notes for " + label}
	if err := v.Add(a); err != nil {
		t.Fatalf("Add(%q) error = %v", label, err)
	}
	return a
}

func sameAccount(a, b *Account) bool {
	return a.ID == b.ID && a.Label == b.Label && a.URL == b.URL && a.Username == b.Username &&
		a.Secret == b.Secret && a.Notes == b.Notes &&
		a.CreatedAt.Equal(b.CreatedAt) && a.ModifiedAt.Equal(b.ModifiedAt)
}

func TestCreateOpenEmpty(t *testing.T) {
	path := createVault(t, "S")

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("vault file not created: %v", err)
	}
	if perm := info.Mode().Perm(); perm != FileMode {
		t.Errorf("vault permissions = %04o, want %04o", perm, FileMode)
	}

	v := openVault(t, path, "S")
	all, err := v.ListAll()
	if err != nil {
		t.Fatalf("ListAll() error = %v", err)
	}
	if len(all) != 0 {
		t.Errorf("ListAll() on a new vault returned %d accounts", len(all))
	}
	if v.Dirty() {
		t.Error("new handle should not be dirty")
	}
}

func TestCreateLeavesNoTempFiles(t *testing.T) {
	path := createVault(t, "S")
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if name := e.Name(); name != "vault.db" && name != "vault.db.lock" {
			t.Errorf("unexpected file left behind: %s", name)
		}
	}
}

func TestCreateErrors(t *testing.T) {
	path := createVault(t, "S")

	if err := Create(path, "other", WithKDFParams(testKDF)); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("Create() on existing vault error = %v, want ErrAlreadyExists", err)
	}

	populated := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(populated, []byte("hello"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := Create(populated, "S", WithKDFParams(testKDF)); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("Create() on populated path error = %v, want ErrAlreadyExists", err)
	}

	if err := Create(filepath.Join(t.TempDir(), "v.db"), "", WithKDFParams(testKDF)); !errors.Is(err, ErrEmptySecret) {
		t.Errorf("Create() with empty secret error = %v, want ErrEmptySecret", err)
	}
}

func TestOpenWrongSecret(t *testing.T) {
	path := createVault(t, "correct")
	v := openVault(t, path, "correct")
	mustAdd(t, v, "github", "https://github.com", "octo", "hunter2")
	if err := v.Flush(); err != nil {
		t.Fatal(err)
	}
	v.Close()

	got, err := Open(path, "wrong")
	if !errors.Is(err, ErrWrongSecretOrCorrupt) {
		t.Fatalf("Open() with wrong secret error = %v, want ErrWrongSecretOrCorrupt", err)
	}
	if got != nil {
		t.Fatal("Open() with wrong secret returned a handle")
	}

	// the failed attempt must not hold the lock
	again := openVault(t, path, "correct")
	if _, err := again.FindByLabelExact("github"); err != nil {
		t.Errorf("FindByLabelExact() after failed open error = %v", err)
	}
}

func TestOpenCorrupt(t *testing.T) {
	dir := t.TempDir()

	garbage := filepath.Join(dir, "garbage.db")
	junk, _ := crypto.RandomBytes(4096)
	if err := os.WriteFile(garbage, junk, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(garbage, "S"); !errors.Is(err, ErrWrongSecretOrCorrupt) {
		t.Errorf("Open() on random bytes error = %v, want ErrWrongSecretOrCorrupt", err)
	}

	// a valid SQLite file that was never a vault
	foreign := filepath.Join(dir, "foreign.db")
	db, err := sql.Open("sqlite", foreign)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`CREATE TABLE notes (id INTEGER PRIMARY KEY, body TEXT)`); err != nil {
		t.Fatal(err)
	}
	db.Close()
	if _, err := Open(foreign, "S"); !errors.Is(err, ErrWrongSecretOrCorrupt) {
		t.Errorf("Open() on foreign database error = %v, want ErrWrongSecretOrCorrupt", err)
	}
}

func TestOpenMissing(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "none.db"), "S"); !errors.Is(err, ErrVaultNotFound) {
		t.Errorf("Open() error = %v, want ErrVaultNotFound", err)
	}
}

func TestSingleHandle(t *testing.T) {
	path := createVault(t, "S")
	v := openVault(t, path, "S")

	if _, err := Open(path, "S"); !errors.Is(err, ErrVaultBusy) {
		t.Fatalf("second Open() error = %v, want ErrVaultBusy", err)
	}

	if err := v.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := v.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	openVault(t, path, "S")
}

func TestFlushPersists(t *testing.T) {
	path := createVault(t, "S")
	v := openVault(t, path, "S")

	mustAdd(t, v, "github", "https://github.com", "octo", "hunter2")
	if !v.Dirty() {
		t.Error("Add() should leave the handle dirty")
	}
	if err := v.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if v.Dirty() {
		t.Error("Flush() should leave the handle clean")
	}
	v.Close()

	v2 := openVault(t, path, "S")
	got, err := v2.FindByLabelExact("github")
	if err != nil {
		t.Fatalf("FindByLabelExact() error = %v", err)
	}
	if got.Secret != "hunter2" || got.Username != "octo" || got.Notes != "notes for github" {
		t.Errorf("reopened account = %+v", got)
	}
}

func TestCloseDiscardsUnflushed(t *testing.T) {
	path := createVault(t, "S")
	v := openVault(t, path, "S")
	mustAdd(t, v, "kept", "https://a", "u", "1")
	if err := v.Flush(); err != nil {
		t.Fatal(err)
	}
	mustAdd(t, v, "dropped", "https://b", "u", "2")
	if err := v.Clear(); err != nil {
		t.Fatal(err)
	}
	v.Close()

	v2 := openVault(t, path, "S")
	all, err := v2.ListAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all[0].Label != "kept" {
		t.Errorf("ListAll() after discarded edits = %+v", all)
	}
}

func TestRecordsAreEncryptedOnDisk(t *testing.T) {
	path := createVault(t, "S")
	v := openVault(t, path, "S")
	mustAdd(t, v, "plainlabel-xyz", "https://plainurl.example", "plainuser", "plainsecret-123")
	if err := v.Flush(); err != nil {
		t.Fatal(err)
	}
	v.Close()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range []string{"plainlabel-xyz", "plainurl.example", "plainuser", "plainsecret-123"} {
		if bytes.Contains(raw, []byte(s)) {
			t.Errorf("vault file contains %q in clear text", s)
		}
	}
}

func TestFindByLabelExact(t *testing.T) {
	v := openVault(t, createVault(t, "S"), "S")
	mustAdd(t, v, "github", "https://github.com", "octo", "1")
	mustAdd(t, v, "mail", "https://mail.example", "me", "2")
	mustAdd(t, v, "mail", "https://mail.example", "work", "3")

	got, err := v.FindByLabelExact("github")
	if err != nil || got.Username != "octo" {
		t.Fatalf("FindByLabelExact() = %+v, %v", got, err)
	}

	tests := []struct {
		name  string
		label string
		want  error
	}{
		{"missing", "gitlab", ErrNotFound},
		{"case differs", "GitHub", ErrNotFound},
		{"substring only", "git", ErrNotFound},
		{"ambiguous", "mail", ErrAmbiguousLabel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.FindByLabelExact(tt.label)
			if !errors.Is(err, tt.want) {
				t.Errorf("FindByLabelExact(%q) error = %v, want %v", tt.label, err, tt.want)
			}
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("FindByLabelExact(%q) error = %v, should match ErrNotFound", tt.label, err)
			}
		})
	}
}

func TestFindByLabelFuzzyInsertionOrder(t *testing.T) {
	v := openVault(t, createVault(t, "S"), "S")
	mustAdd(t, v, "Acme Corp", "https://acme.example", "a", "1")
	mustAdd(t, v, "Compuserve", "https://compuserve.example", "c", "2")

	got, err := v.FindByLabelFuzzy("comp")
	if err != nil {
		t.Fatalf("FindByLabelFuzzy() error = %v", err)
	}
	if got.Label != "Compuserve" {
		t.Errorf("FindByLabelFuzzy(\"comp\") = %q, want Compuserve", got.Label)
	}

	// both match "co": the earlier insertion wins, not the alphabetical one
	mustAdd(t, v, "Zeta Co", "https://zeta.example", "z", "3")
	first, err := v.FindByLabelFuzzy("co")
	if err != nil {
		t.Fatal(err)
	}
	if first.Label != "Acme Corp" {
		t.Errorf("FindByLabelFuzzy(\"co\") = %q, want Acme Corp", first.Label)
	}

	if _, err := v.FindByLabelFuzzy("nothing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("FindByLabelFuzzy() error = %v, want ErrNotFound", err)
	}
}

func TestListAllInsertionOrder(t *testing.T) {
	v := openVault(t, createVault(t, "S"), "S")
	for _, l := range []string{"zulu", "alpha", "mike"} {
		mustAdd(t, v, l, "https://"+l, "u", "s")
	}
	if err := v.Delete(Identity{URL: "https://alpha", Username: "u"}); err != nil {
		t.Fatal(err)
	}
	mustAdd(t, v, "bravo", "https://bravo", "u", "s")

	all, err := v.ListAll()
	if err != nil {
		t.Fatal(err)
	}
	var labels []string
	for _, a := range all {
		labels = append(labels, a.Label)
	}
	want := []string{"zulu", "mike", "bravo"}
	if len(labels) != len(want) {
		t.Fatalf("ListAll() labels = %v, want %v", labels, want)
	}
	for i := range want {
		if labels[i] != want[i] {
			t.Errorf("ListAll() labels = %v, want %v", labels, want)
			break
		}
	}
}

func TestUpdateSecret(t *testing.T) {
	clock := newClock()
	v := openVault(t, createVault(t, "S"), "S", WithClock(clock.Now))

	target := mustAdd(t, v, "github", "https://github.com", "octo", "old")
	other := mustAdd(t, v, "gitlab", "https://gitlab.com", "octo", "keep")

	// same second: modified_at must still move forward
	if err := v.UpdateSecret(Identity{URL: "https://github.com", Username: "octo"}, "new"); err != nil {
		t.Fatalf("UpdateSecret() error = %v", err)
	}

	got, err := v.FindByLabelExact("github")
	if err != nil {
		t.Fatal(err)
	}
	if got.Secret != "new" {
		t.Errorf("Secret = %q, want new", got.Secret)
	}
	if !got.ModifiedAt.After(target.ModifiedAt) {
		t.Errorf("ModifiedAt = %v, want after %v", got.ModifiedAt, target.ModifiedAt)
	}
	if got.Label != target.Label || got.URL != target.URL || got.Username != target.Username ||
		got.Notes != target.Notes || !got.CreatedAt.Equal(target.CreatedAt) || got.ID != target.ID {
		t.Errorf("UpdateSecret() changed more than the secret: %+v vs %+v", got, target)
	}

	untouched, _ := v.FindByLabelExact("gitlab")
	if !sameAccount(untouched, other) {
		t.Errorf("other account changed: %+v vs %+v", untouched, other)
	}

	clock.t = clock.t.Add(time.Hour)
	if err := v.UpdateSecret(target.Identity(), "newer"); err != nil {
		t.Fatal(err)
	}
	again, _ := v.FindByLabelExact("github")
	if !again.ModifiedAt.Equal(clock.t) {
		t.Errorf("ModifiedAt = %v, want %v", again.ModifiedAt, clock.t)
	}

	if err := v.UpdateSecret(Identity{URL: "https://github.com", Username: "nobody"}, "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateSecret() on unknown identity error = %v, want ErrNotFound", err)
	}
}

func TestUpdateSecretDuplicateIdentity(t *testing.T) {
	v := openVault(t, createVault(t, "S"), "S")
	mustAdd(t, v, "one", "https://dup", "u", "a")
	mustAdd(t, v, "two", "https://dup", "u", "b")

	if err := v.UpdateSecret(Identity{URL: "https://dup", Username: "u"}, "c"); err != nil {
		t.Fatal(err)
	}
	all, _ := v.ListAll()
	for _, a := range all {
		if a.Secret != "c" {
			t.Errorf("account %q secret = %q, want c", a.Label, a.Secret)
		}
	}
}

func TestIdentityKeyIsUnambiguous(t *testing.T) {
	v := openVault(t, createVault(t, "S"), "S")
	mustAdd(t, v, "x", "ab", "c", "1")
	if err := v.Delete(Identity{URL: "a", Username: "bc"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete() with shifted identity error = %v, want ErrNotFound", err)
	}
}

func TestDelete(t *testing.T) {
	v := openVault(t, createVault(t, "S"), "S")
	a := mustAdd(t, v, "github", "https://github.com", "octo", "1")
	mustAdd(t, v, "other", "https://other", "octo", "2")

	if err := v.Delete(a.Identity()); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := v.FindByLabelExact("github"); !errors.Is(err, ErrNotFound) {
		t.Errorf("FindByLabelExact() after delete error = %v, want ErrNotFound", err)
	}
	if err := v.Delete(a.Identity()); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete() error = %v, want ErrNotFound", err)
	}
	if n, _ := v.Count(); n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
}

func TestClearIdempotent(t *testing.T) {
	v := openVault(t, createVault(t, "S"), "S")
	mustAdd(t, v, "a", "https://a", "u", "1")
	mustAdd(t, v, "b", "https://b", "u", "2")

	for i := 0; i < 2; i++ {
		if err := v.Clear(); err != nil {
			t.Fatalf("Clear() #%d error = %v", i+1, err)
		}
		all, err := v.ListAll()
		if err != nil {
			t.Fatal(err)
		}
		if len(all) != 0 {
			t.Errorf("ListAll() after Clear() #%d returned %d accounts", i+1, len(all))
		}
	}
}

func TestAddTimestamps(t *testing.T) {
	clock := newClock()
	v := openVault(t, createVault(t, "S"), "S", WithClock(clock.Now))

	fresh := mustAdd(t, v, "fresh", "https://f", "u", "s")
	if !fresh.CreatedAt.Equal(clock.t) || !fresh.ModifiedAt.Equal(clock.t) {
		t.Errorf("timestamps = %v/%v, want %v", fresh.CreatedAt, fresh.ModifiedAt, clock.t)
	}

	created := time.Date(2020, 5, 1, 10, 0, 0, 0, time.UTC)
	imported := &Account{Label: "imported", URL: "https://i", Username: "u",
		CreatedAt: created, ModifiedAt: created.Add(-time.Hour)}
	if err := v.Add(imported); err != nil {
		t.Fatal(err)
	}
	if !imported.ModifiedAt.Equal(created) {
		t.Errorf("ModifiedAt = %v, want it raised to %v", imported.ModifiedAt, created)
	}
}

func TestAddValidation(t *testing.T) {
	v := openVault(t, createVault(t, "S"), "S")
	long := string(make([]byte, MaxLabelLength+1))

	for _, a := range []*Account{
		{Label: ""},
		{Label: long},
		{Label: "x", Notes: string(make([]byte, MaxNotesSize+1))},
	} {
		if err := v.Add(a); !errors.Is(err, ErrInvalidAccount) {
			t.Errorf("Add() error = %v, want ErrInvalidAccount", err)
		}
	}
	if v.Dirty() {
		t.Error("rejected Add() should not open a transaction")
	}
}

func TestChangeSecret(t *testing.T) {
	path := createVault(t, "old")
	v := openVault(t, path, "old")
	mustAdd(t, v, "github", "https://github.com", "octo", "1")

	if err := v.ChangeSecret("old", "new"); !errors.Is(err, ErrDirty) {
		t.Fatalf("ChangeSecret() on dirty handle error = %v, want ErrDirty", err)
	}
	if err := v.Flush(); err != nil {
		t.Fatal(err)
	}
	if err := v.ChangeSecret("wrong", "new"); !errors.Is(err, ErrWrongSecretOrCorrupt) {
		t.Errorf("ChangeSecret() with wrong secret error = %v", err)
	}
	if err := v.ChangeSecret("old", "old"); !errors.Is(err, ErrSameSecret) {
		t.Errorf("ChangeSecret() with same secret error = %v", err)
	}
	if err := v.ChangeSecret("old", "new"); err != nil {
		t.Fatalf("ChangeSecret() error = %v", err)
	}
	v.Close()

	if _, err := Open(path, "old"); !errors.Is(err, ErrWrongSecretOrCorrupt) {
		t.Errorf("Open() with old secret error = %v", err)
	}
	v2 := openVault(t, path, "new")
	if _, err := v2.FindByLabelExact("github"); err != nil {
		t.Errorf("FindByLabelExact() after rekey error = %v", err)
	}

	h, err := Inspect(path)
	if err != nil {
		t.Fatalf("Inspect() error = %v", err)
	}
	if h.RekeyedAt.IsZero() {
		t.Error("Inspect() RekeyedAt not set after ChangeSecret()")
	}
}

func TestSnapshotTo(t *testing.T) {
	path := createVault(t, "S")
	v := openVault(t, path, "S")
	mustAdd(t, v, "github", "https://github.com", "octo", "1")

	dst := filepath.Join(t.TempDir(), "snap.db")
	if err := v.SnapshotTo(dst); !errors.Is(err, ErrDirty) {
		t.Fatalf("SnapshotTo() on dirty handle error = %v, want ErrDirty", err)
	}
	if err := v.Flush(); err != nil {
		t.Fatal(err)
	}
	if err := v.SnapshotTo(dst); err != nil {
		t.Fatalf("SnapshotTo() error = %v", err)
	}
	if err := v.SnapshotTo(dst); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("SnapshotTo() over existing file error = %v", err)
	}

	snap := openVault(t, dst, "S")
	got, err := snap.FindByLabelExact("github")
	if err != nil || got.Secret != "1" {
		t.Errorf("snapshot lookup = %+v, %v", got, err)
	}
}

func TestInspect(t *testing.T) {
	path := createVault(t, "S")
	h, err := Inspect(path)
	if err != nil {
		t.Fatalf("Inspect() error = %v", err)
	}
	if h.FormatVersion != FormatVersion || h.KDF != testKDF || h.CreatedAt.IsZero() {
		t.Errorf("Inspect() = %+v", h)
	}

	notVault := filepath.Join(t.TempDir(), "x")
	os.WriteFile(notVault, []byte("plain text"), 0o600)
	if _, err := Inspect(notVault); !errors.Is(err, ErrWrongSecretOrCorrupt) {
		t.Errorf("Inspect() on plain file error = %v", err)
	}
}

func TestCheckIntegrity(t *testing.T) {
	v := openVault(t, createVault(t, "S"), "S")
	mustAdd(t, v, "a", "https://a", "u", "1")
	if err := v.Flush(); err != nil {
		t.Fatal(err)
	}
	r, err := v.CheckIntegrity()
	if err != nil {
		t.Fatalf("CheckIntegrity() error = %v", err)
	}
	if !r.OK() || r.Accounts != 1 {
		t.Errorf("CheckIntegrity() = %+v", r)
	}
}

func TestClosedHandle(t *testing.T) {
	v := openVault(t, createVault(t, "S"), "S")
	v.Close()

	if _, err := v.ListAll(); !errors.Is(err, ErrVaultClosed) {
		t.Errorf("ListAll() error = %v", err)
	}
	if err := v.Add(&Account{Label: "x"}); !errors.Is(err, ErrVaultClosed) {
		t.Errorf("Add() error = %v", err)
	}
	if err := v.Flush(); !errors.Is(err, ErrVaultClosed) {
		t.Errorf("Flush() error = %v", err)
	}
	if err := v.Clear(); !errors.Is(err, ErrVaultClosed) {
		t.Errorf("Clear() error = %v", err)
	}
}

func TestJournal(t *testing.T) {
	j, err := audit.Open(filepath.Join(t.TempDir(), "audit"))
	if err != nil {
		t.Fatal(err)
	}
	v := openVault(t, createVault(t, "S"), "S", WithJournal(j))
	a := mustAdd(t, v, "github", "https://github.com", "octo", "1")
	if err := v.UpdateSecret(a.Identity(), "2"); err != nil {
		t.Fatal(err)
	}

	events, err := j.List(0, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[0].Operation != audit.OpVaultUpdate || events[1].Operation != audit.OpVaultAdd {
		t.Fatalf("journal events = %+v", events)
	}
	if events[1].Subject != j.Subject("github") {
		t.Error("journal subject does not match the label tag")
	}
}
