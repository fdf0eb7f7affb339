// Package cli holds helpers shared by the twopass commands.
package cli

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"golang.org/x/text/cases"

	"github.com/forest6511/twopass/pkg/vault"
)

// ErrNoMatch is returned when a pattern selects no account.
var ErrNoMatch = errors.New("no account matches")

// MatchLabel reports whether label matches the glob pattern, ignoring case.
// A pattern without *, ? or [ must equal the label.
func MatchLabel(pattern, label string) (bool, error) {
	folder := cases.Fold()
	p, l := folder.String(pattern), folder.String(label)
	if !strings.ContainsAny(pattern, "*?[") {
		return p == l, nil
	}
	ok, err := path.Match(p, l)
	if err != nil {
		return false, fmt.Errorf("invalid pattern '%s': %w", pattern, err)
	}
	return ok, nil
}

// FilterAccounts keeps the accounts whose label matches any pattern, in
// their original order. No patterns keeps everything. Every pattern must
// match at least one account.
func FilterAccounts(patterns []string, accounts []*vault.Account) ([]*vault.Account, error) {
	if len(patterns) == 0 {
		return accounts, nil
	}
	for _, p := range patterns {
		if _, err := path.Match(p, ""); err != nil {
			return nil, fmt.Errorf("invalid pattern '%s': %w", p, err)
		}
	}

	hits := make([]bool, len(patterns))
	var out []*vault.Account
	for _, a := range accounts {
		selected := false
		for i, p := range patterns {
			ok, err := MatchLabel(p, a.Label)
			if err != nil {
				return nil, err
			}
			if ok {
				hits[i] = true
				selected = true
			}
		}
		if selected {
			out = append(out, a)
		}
	}

	for i, hit := range hits {
		if !hit {
			return nil, fmt.Errorf("%w '%s'", ErrNoMatch, patterns[i])
		}
	}
	return out, nil
}
