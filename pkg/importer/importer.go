// Package importer moves accounts in and out of the vault: the native JSON
// format for round trips, plus Bitwarden, LastPass and 1Password exports.
package importer

import (
	"bytes"
	"errors"
	"fmt"
	"html"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/forest6511/twopass/pkg/vault"
)

// Source names an export format.
type Source string

const (
	SourceNative    Source = "native"
	SourceBitwarden Source = "bitwarden"
	SourceLastPass  Source = "lastpass"
	Source1Password Source = "1password"
)

const (
	secureNoteURL     = "http://sn" // LastPass marker for secure notes
	fallbackLabelStem = "imported item"
)

var (
	ErrUnsupportedSource = errors.New("importer: unsupported source")
	ErrUnknownFormat     = errors.New("importer: cannot detect file format")
)

// Result holds parsed accounts ready for Apply.
type Result struct {
	Accounts []*vault.Account
	Warnings []string
	Skipped  []SkippedItem
}

// SkippedItem is an entry that was not imported.
type SkippedItem struct {
	Name   string
	Reason string
}

func newResult() *Result {
	return &Result{
		Accounts: make([]*vault.Account, 0),
		Warnings: make([]string, 0),
		Skipped:  make([]SkippedItem, 0),
	}
}

func (r *Result) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

func (r *Result) skip(name, reason string) {
	r.Skipped = append(r.Skipped, SkippedItem{Name: name, Reason: reason})
}

// Parser turns one export format into accounts.
type Parser interface {
	Parse(data []byte) (*Result, error)
	Source() Source
}

// GetParser returns the parser for source.
func GetParser(source Source) (Parser, error) {
	switch source {
	case SourceNative:
		return &NativeParser{}, nil
	case SourceBitwarden:
		return &BitwardenParser{}, nil
	case SourceLastPass:
		return &LastPassParser{}, nil
	case Source1Password:
		return &OnePasswordParser{}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedSource, source)
}

// ValidSources lists the accepted source names.
func ValidSources() []string {
	return []string{
		string(SourceNative),
		string(SourceBitwarden),
		string(SourceLastPass),
		string(Source1Password),
	}
}

// DetectSource guesses the format from the file name and its first bytes.
func DetectSource(name string, data []byte) (Source, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	trimmed := bytes.TrimLeft(data, " \t\r\n")

	switch strings.ToLower(filepath.Ext(name)) {
	case ".json":
		switch {
		case bytes.HasPrefix(trimmed, []byte("[")):
			return SourceNative, nil
		case bytes.HasPrefix(trimmed, []byte("{")):
			return SourceBitwarden, nil
		}
	case ".csv":
		header, _, _ := bytes.Cut(trimmed, []byte("\n"))
		h := string(header)
		switch {
		case strings.Contains(h, "Title") && strings.Contains(h, "Website"):
			return Source1Password, nil
		case strings.Contains(strings.ToLower(h), "grouping"), strings.Contains(strings.ToLower(h), "name"):
			return SourceLastPass, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownFormat, filepath.Base(name))
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// NormalizeLabel trims, NFC-normalises and truncates a label to the vault
// limit without splitting a rune.
func NormalizeLabel(name string) string {
	name = strings.TrimSpace(norm.NFC.String(name))
	if len(name) <= vault.MaxLabelLength {
		return name
	}
	cut := vault.MaxLabelLength
	for cut > 0 && !utf8.RuneStart(name[cut]) {
		cut--
	}
	return name[:cut]
}

// NormalizeValue trims and NFC-normalises a field value.
func NormalizeValue(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// FallbackLabel names an entry that has no title: the URL's host when there
// is one, otherwise a numbered placeholder.
func FallbackLabel(url string, counter int) string {
	if host := extractHostname(url); host != "" {
		return host
	}
	return fmt.Sprintf("%s %d", fallbackLabelStem, counter)
}

func extractHostname(urlStr string) string {
	urlStr = strings.TrimPrefix(urlStr, "https://")
	urlStr = strings.TrimPrefix(urlStr, "http://")
	if idx := strings.Index(urlStr, "/"); idx != -1 {
		urlStr = urlStr[:idx]
	}
	if idx := strings.Index(urlStr, ":"); idx != -1 {
		urlStr = urlStr[:idx]
	}
	return strings.TrimPrefix(urlStr, "www.")
}

// DecodeHTMLEntities undoes the entity encoding LastPass applies to some
// exports.
func DecodeHTMLEntities(s string) string {
	return html.UnescapeString(s)
}

// IsEmptyOrWhitespace reports whether s has no visible content.
func IsEmptyOrWhitespace(s string) bool {
	for _, r := range s {
		if !unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

// DeduplicateLabels renames accounts whose label is already taken, either
// by an earlier account in the batch or by a label in existing, by appending
// " (2)", " (3)" and so on.
func DeduplicateLabels(accounts []*vault.Account, existing []string) {
	taken := make(map[string]bool, len(existing)+len(accounts))
	for _, l := range existing {
		taken[l] = true
	}
	for _, a := range accounts {
		if !taken[a.Label] {
			taken[a.Label] = true
			continue
		}
		base := a.Label
		for n := 2; ; n++ {
			candidate := fmt.Sprintf("%s (%d)", base, n)
			if !taken[candidate] {
				a.Label = candidate
				taken[candidate] = true
				break
			}
		}
	}
}

// appendNote adds a "name: value" line to notes.
func appendNote(notes, name, value string) string {
	line := value
	if name != "" {
		line = name + ": " + value
	}
	if notes == "" {
		return line
	}
	return notes + "\n" + line
}

// Apply adds every parsed account to v. Accounts the vault rejects as
// invalid are reported as skipped; any other error stops the import. The
// caller flushes or discards.
func Apply(v *vault.Vault, res *Result) (int, error) {
	existing, err := v.ListAll()
	if err != nil {
		return 0, err
	}
	labels := make([]string, len(existing))
	for i, a := range existing {
		labels[i] = a.Label
	}
	DeduplicateLabels(res.Accounts, labels)

	added := 0
	for _, a := range res.Accounts {
		if err := v.Add(a); err != nil {
			if errors.Is(err, vault.ErrInvalidAccount) {
				res.skip(a.Label, err.Error())
				continue
			}
			return added, fmt.Errorf("importer: failed to add %q: %w", a.Label, err)
		}
		added++
	}
	return added, nil
}
