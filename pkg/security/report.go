package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"golang.org/x/text/unicode/norm"

	"github.com/forest6511/twopass/pkg/vault"
)

// DefaultStaleAfter is how long a secret may stay unchanged before it is
// reported.
const DefaultStaleAfter = 365 * 24 * time.Hour

// Report is the security assessment of a set of accounts.
type Report struct {
	// Score is the total score (0-100).
	Score int `json:"score"`
	// Components breaks down the score into categories.
	Components ScoreComponents `json:"components"`
	// Accounts is the number of accounts analyzed.
	Accounts int `json:"accounts"`
	// Issues contains the detected problems, weak first, then reuse, then
	// stale secrets.
	Issues []Issue `json:"issues"`
	// Suggestions provides actionable recommendations.
	Suggestions []string `json:"suggestions"`
	// Limited is set when issues were dropped because of WithLimit.
	Limited bool `json:"limited"`
}

// ScoreComponents breaks down the score. Each component contributes up to
// 25 points.
type ScoreComponents struct {
	// Strength is the average strength of the stored secrets.
	Strength int `json:"strength"`
	// Uniqueness is the share of secrets used by a single account.
	Uniqueness int `json:"uniqueness"`
	// Freshness is the share of secrets changed within the stale window.
	Freshness int `json:"freshness"`
	// Completeness is the share of accounts with both a URL and a username,
	// which is what update and delete select on.
	Completeness int `json:"completeness"`
}

// IssueType identifies the type of problem.
type IssueType string

const (
	// IssueWeak is a secret with insufficient strength.
	IssueWeak IssueType = "weak"
	// IssueReused is a secret shared by several accounts.
	IssueReused IssueType = "reused"
	// IssueStale is a secret that has not changed for too long.
	IssueStale IssueType = "stale"
)

// Severity indicates the urgency of an issue.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Ref names an affected account without exposing its secret.
type Ref struct {
	Label    string `json:"label"`
	URL      string `json:"url,omitempty"`
	Username string `json:"username,omitempty"`
}

func refOf(a *vault.Account) Ref {
	return Ref{Label: a.Label, URL: a.URL, Username: a.Username}
}

// Issue is one detected problem.
type Issue struct {
	Type        IssueType `json:"type"`
	Severity    Severity  `json:"severity"`
	Accounts    []Ref     `json:"accounts"`
	Description string    `json:"description"`
	Suggestion  string    `json:"suggestion,omitempty"`
}

// Option configures Analyze.
type Option func(*analyzer)

// WithStaleAfter overrides DefaultStaleAfter.
func WithStaleAfter(d time.Duration) Option {
	return func(a *analyzer) { a.staleAfter = d }
}

// WithLimit caps the number of issues of each type (0 = unlimited).
func WithLimit(n int) Option {
	return func(a *analyzer) { a.limit = n }
}

type analyzer struct {
	staleAfter time.Duration
	limit      int
	hmacKey    []byte // session-local, never persisted
}

// Analyze grades accounts as of now. Secrets are compared through an HMAC
// keyed with a random per-call key, so no digest outlives the call.
// Accounts without a secret (secure notes) only count towards completeness.
func Analyze(accounts []*vault.Account, now time.Time, opts ...Option) (*Report, error) {
	a := &analyzer{staleAfter: DefaultStaleAfter}
	for _, opt := range opts {
		opt(a)
	}
	a.hmacKey = make([]byte, 32)
	if _, err := rand.Read(a.hmacKey); err != nil {
		return nil, fmt.Errorf("failed to generate comparison key: %w", err)
	}

	report := &Report{
		Accounts:    len(accounts),
		Issues:      []Issue{},
		Suggestions: []string{},
	}
	if len(accounts) == 0 {
		report.Components = ScoreComponents{Strength: 25, Uniqueness: 25, Freshness: 25, Completeness: 25}
		report.Score = 100
		return report, nil
	}

	var withSecret []*vault.Account
	for _, acc := range accounts {
		if acc.Secret != "" {
			withSecret = append(withSecret, acc)
		}
	}

	strength, weak := a.strength(withSecret)
	uniqueness, reused := a.uniqueness(withSecret)
	freshness, stale := a.freshness(withSecret, now)

	report.Components = ScoreComponents{
		Strength:     strength,
		Uniqueness:   uniqueness,
		Freshness:    freshness,
		Completeness: completeness(accounts),
	}
	c := report.Components
	report.Score = c.Strength + c.Uniqueness + c.Freshness + c.Completeness

	for _, group := range [][]Issue{weak, reused, stale} {
		if a.limit > 0 && len(group) > a.limit {
			group = group[:a.limit]
			report.Limited = true
		}
		report.Issues = append(report.Issues, group...)
	}
	report.Suggestions = suggestions(report.Issues, report.Components)
	return report, nil
}

// strength returns the average strength points (0-25) and weak issues.
func (a *analyzer) strength(accounts []*vault.Account) (int, []Issue) {
	if len(accounts) == 0 {
		return 25, nil
	}
	var issues []Issue
	total := 0
	for _, acc := range accounts {
		s := Strength(acc.Secret)
		total += s.Points()
		if s == PasswordWeak {
			issues = append(issues, Issue{
				Type:        IssueWeak,
				Severity:    SeverityWarning,
				Accounts:    []Ref{refOf(acc)},
				Description: "Secret has insufficient strength (" + formatLength(utf8.RuneCountInString(acc.Secret)) + ")",
				Suggestion:  "Use a longer secret (14+ characters recommended)",
			})
		}
	}
	return min(total/len(accounts), 25), issues
}

// uniqueness returns the share of distinct secrets scaled to 0-25 and one
// issue per group of accounts sharing a secret, largest group first.
func (a *analyzer) uniqueness(accounts []*vault.Account) (int, []Issue) {
	if len(accounts) == 0 {
		return 25, nil
	}

	var order []string
	groups := make(map[string][]*vault.Account)
	for _, acc := range accounts {
		h := a.hash(acc.Secret)
		if _, seen := groups[h]; !seen {
			order = append(order, h)
		}
		groups[h] = append(groups[h], acc)
	}

	var issues []Issue
	for _, h := range order {
		members := groups[h]
		if len(members) < 2 {
			continue
		}
		refs := make([]Ref, len(members))
		for i, m := range members {
			refs[i] = refOf(m)
		}
		sev := SeverityWarning
		if len(members) > 2 {
			sev = SeverityCritical
		}
		issues = append(issues, Issue{
			Type:        IssueReused,
			Severity:    sev,
			Accounts:    refs,
			Description: fmt.Sprintf("%d accounts share the same secret", len(members)),
			Suggestion:  "Use a unique secret for each account",
		})
	}
	sort.SliceStable(issues, func(i, j int) bool {
		return len(issues[i].Accounts) > len(issues[j].Accounts)
	})

	return len(groups) * 25 / len(accounts), issues
}

// freshness returns the share of secrets changed within the stale window
// scaled to 0-25 and one issue per stale account, oldest first.
func (a *analyzer) freshness(accounts []*vault.Account, now time.Time) (int, []Issue) {
	if len(accounts) == 0 || a.staleAfter <= 0 {
		return 25, nil
	}
	var stale []*vault.Account
	for _, acc := range accounts {
		if acc.ModifiedAt.IsZero() {
			continue
		}
		if now.Sub(acc.ModifiedAt) >= a.staleAfter {
			stale = append(stale, acc)
		}
	}
	sort.SliceStable(stale, func(i, j int) bool {
		return stale[i].ModifiedAt.Before(stale[j].ModifiedAt)
	})

	issues := make([]Issue, 0, len(stale))
	for _, acc := range stale {
		issues = append(issues, Issue{
			Type:        IssueStale,
			Severity:    SeverityInfo,
			Accounts:    []Ref{refOf(acc)},
			Description: "Secret last changed " + humanize.RelTime(acc.ModifiedAt, now, "ago", "from now"),
			Suggestion:  "Rotate the secret",
		})
	}
	return (len(accounts) - len(stale)) * 25 / len(accounts), issues
}

func completeness(accounts []*vault.Account) int {
	complete := 0
	for _, acc := range accounts {
		if acc.URL != "" && acc.Username != "" {
			complete++
		}
	}
	return complete * 25 / len(accounts)
}

// hash computes the keyed digest used to compare secrets. Secrets are
// compared after trimming surrounding whitespace and NFC normalization.
func (a *analyzer) hash(secret string) string {
	h := hmac.New(sha256.New, a.hmacKey)
	h.Write([]byte(norm.NFC.String(strings.TrimSpace(secret))))
	return hex.EncodeToString(h.Sum(nil))
}

func suggestions(issues []Issue, c ScoreComponents) []string {
	var hasWeak, hasReused, hasStale bool
	for _, issue := range issues {
		switch issue.Type {
		case IssueWeak:
			hasWeak = true
		case IssueReused:
			hasReused = true
		case IssueStale:
			hasStale = true
		}
	}

	out := []string{}
	if hasWeak {
		out = append(out, "Replace weak secrets with generated ones (twopass generate)")
	}
	if hasReused {
		out = append(out, "Replace reused secrets with unique values")
	}
	if hasStale {
		out = append(out, "Rotate secrets that have not changed in over a year")
	}
	if c.Completeness < 25 {
		out = append(out, "Give every account a URL and a username so it can be updated and deleted")
	}
	return out
}

func formatLength(n int) string {
	if n == 1 {
		return "1 character"
	}
	return fmt.Sprintf("%d characters", n)
}
