package security

import (
	"strings"
	"testing"
	"time"

	"github.com/forest6511/twopass/pkg/vault"
)

var now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func account(label, secret string, modified time.Time) *vault.Account {
	return &vault.Account{
		Label:      label,
		URL:        "https://" + label + ".example",
		Username:   "me",
		Secret:     secret,
		CreatedAt:  modified,
		ModifiedAt: modified,
	}
}

func issuesOf(r *Report, typ IssueType) []Issue {
	var out []Issue
	for _, i := range r.Issues {
		if i.Type == typ {
			out = append(out, i)
		}
	}
	return out
}

func TestAnalyze_Empty(t *testing.T) {
	r, err := Analyze(nil, now)
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if r.Score != 100 || len(r.Issues) != 0 || len(r.Suggestions) != 0 {
		t.Errorf("report = %+v, want a clean 100", r)
	}
}

func TestAnalyze_Healthy(t *testing.T) {
	recent := now.AddDate(0, -1, 0)
	r, err := Analyze([]*vault.Account{
		account("github", "correct-horse-battery-staple", recent),
		account("mail", "tr0ub4dor-and-3-more-words", recent),
	}, now)
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if r.Score != 100 {
		t.Errorf("Score = %d, want 100 (components %+v)", r.Score, r.Components)
	}
	if len(r.Issues) != 0 {
		t.Errorf("Issues = %+v, want none", r.Issues)
	}
}

func TestAnalyze_Weak(t *testing.T) {
	r, err := Analyze([]*vault.Account{
		account("a", "short", now),
		account("b", "correct-horse-battery-staple", now),
	}, now)
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	weak := issuesOf(r, IssueWeak)
	if len(weak) != 1 || weak[0].Accounts[0].Label != "a" {
		t.Fatalf("weak issues = %+v", weak)
	}
	if !strings.Contains(weak[0].Description, "5 characters") {
		t.Errorf("Description = %q", weak[0].Description)
	}
	// (0 + 25) / 2
	if r.Components.Strength != 12 {
		t.Errorf("Strength = %d, want 12", r.Components.Strength)
	}
}

func TestAnalyze_Reused(t *testing.T) {
	r, err := Analyze([]*vault.Account{
		account("a", "shared-secret-value-1", now),
		account("b", "unique-secret-value-22", now),
		account("c", "shared-secret-value-1", now),
		account("d", "  shared-secret-value-1 ", now),
		account("e", "pair-secret-value-333", now),
		account("f", "pair-secret-value-333", now),
	}, now)
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}

	reused := issuesOf(r, IssueReused)
	if len(reused) != 2 {
		t.Fatalf("reused issues = %+v, want 2 groups", reused)
	}
	if got := len(reused[0].Accounts); got != 3 {
		t.Errorf("largest group = %d accounts, want 3", got)
	}
	if reused[0].Severity != SeverityCritical || reused[1].Severity != SeverityWarning {
		t.Errorf("severities = %s, %s", reused[0].Severity, reused[1].Severity)
	}
	labels := []string{reused[0].Accounts[0].Label, reused[0].Accounts[1].Label, reused[0].Accounts[2].Label}
	if strings.Join(labels, ",") != "a,c,d" {
		t.Errorf("group order = %v, want insertion order", labels)
	}
	// 3 distinct of 6.
	if r.Components.Uniqueness != 12 {
		t.Errorf("Uniqueness = %d, want 12", r.Components.Uniqueness)
	}
	for _, issue := range reused {
		if strings.Contains(issue.Description, "shared-secret") {
			t.Error("issues must not leak secrets")
		}
	}
}

func TestAnalyze_Stale(t *testing.T) {
	r, err := Analyze([]*vault.Account{
		account("fresh", "correct-horse-battery-staple", now.AddDate(0, -11, 0)),
		account("old", "another-long-enough-secret", now.AddDate(-2, 0, 0)),
		account("older", "yet-another-long-secret-xx", now.AddDate(-3, 0, 0)),
		account("undated", "and-one-more-long-secret-x", time.Time{}),
	}, now)
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	stale := issuesOf(r, IssueStale)
	if len(stale) != 2 {
		t.Fatalf("stale issues = %+v, want 2", stale)
	}
	if stale[0].Accounts[0].Label != "older" || stale[1].Accounts[0].Label != "old" {
		t.Errorf("stale order = %s, %s; want oldest first", stale[0].Accounts[0].Label, stale[1].Accounts[0].Label)
	}
	if !strings.Contains(stale[0].Description, "3 years ago") {
		t.Errorf("Description = %q", stale[0].Description)
	}
	if r.Components.Freshness != 12 {
		t.Errorf("Freshness = %d, want 12", r.Components.Freshness)
	}

	r, err = Analyze([]*vault.Account{account("old", "another-long-enough-secret", now.AddDate(-2, 0, 0))}, now, WithStaleAfter(5*365*24*time.Hour))
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if len(issuesOf(r, IssueStale)) != 0 {
		t.Error("WithStaleAfter should widen the window")
	}
}

func TestAnalyze_SecureNotes(t *testing.T) {
	note := &vault.Account{Label: "wifi", Notes: "hunter2"}
	r, err := Analyze([]*vault.Account{note}, now)
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if len(r.Issues) != 0 {
		t.Errorf("a note without a secret should not be graded: %+v", r.Issues)
	}
	if r.Components.Completeness != 0 || r.Score != 75 {
		t.Errorf("components = %+v score = %d", r.Components, r.Score)
	}
	if len(r.Suggestions) != 1 {
		t.Errorf("Suggestions = %v", r.Suggestions)
	}
}

func TestAnalyze_Limit(t *testing.T) {
	var accounts []*vault.Account
	for _, l := range []string{"a", "b", "c", "d"} {
		accounts = append(accounts, account(l, "pw-"+l, now))
	}
	r, err := Analyze(accounts, now, WithLimit(2))
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if got := len(issuesOf(r, IssueWeak)); got != 2 {
		t.Errorf("weak issues = %d, want 2", got)
	}
	if !r.Limited {
		t.Error("Limited should be set")
	}
	if r.Accounts != 4 {
		t.Errorf("Accounts = %d, want 4", r.Accounts)
	}
}
