package importer

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/forest6511/twopass/pkg/vault"
)

// NativeDateLayout is the timestamp layout of the native format, in local
// time. RFC 3339 is accepted on import as well.
const NativeDateLayout = "2006-01-02 15:04:05"

// nativeRecord is one element of the native JSON array.
type nativeRecord struct {
	Item         string `json:"item"`
	URL          string `json:"url"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	Notes        string `json:"notes"`
	DateCreated  string `json:"date_created"`
	DateModified string `json:"date_modified"`
}

// NativeParser reads the format written by Export.
type NativeParser struct{}

func (p *NativeParser) Source() Source {
	return SourceNative
}

func (p *NativeParser) Parse(data []byte) (*Result, error) {
	var records []nativeRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to parse native JSON: %w", err)
	}

	result := newResult()
	counter := 1
	for i, r := range records {
		label := NormalizeLabel(r.Item)
		if label == "" {
			label = FallbackLabel(r.URL, counter)
			counter++
		}
		if r.Username == "" && r.Password == "" && r.Notes == "" && r.URL == "" {
			result.skip(label, "no useful data")
			continue
		}

		created, err := parseNativeTime(r.DateCreated)
		if err != nil {
			result.warnf("item %d (%s): date_created: %v", i+1, label, err)
		}
		modified, err := parseNativeTime(r.DateModified)
		if err != nil {
			result.warnf("item %d (%s): date_modified: %v", i+1, label, err)
		}

		result.Accounts = append(result.Accounts, &vault.Account{
			Label:      label,
			URL:        NormalizeValue(r.URL),
			Username:   NormalizeValue(r.Username),
			Secret:     r.Password,
			Notes:      r.Notes,
			CreatedAt:  created,
			ModifiedAt: modified,
		})
	}
	return result, nil
}

// parseNativeTime returns the zero time for an empty or unreadable value so
// the vault stamps the account itself.
func parseNativeTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.ParseInLocation(NativeDateLayout, s, time.Local); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
	}
	return t, nil
}

// Export writes accounts as a native JSON array.
func Export(w io.Writer, accounts []*vault.Account) error {
	out := make([]nativeRecord, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, nativeRecord{
			Item:         a.Label,
			URL:          a.URL,
			Username:     a.Username,
			Password:     a.Secret,
			Notes:        a.Notes,
			DateCreated:  a.CreatedAt.Local().Format(NativeDateLayout),
			DateModified: a.ModifiedAt.Local().Format(NativeDateLayout),
		})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("failed to encode export: %w", err)
	}
	return nil
}

// ExportFile writes the export to path with owner-only permissions. The file
// appears complete or not at all.
func ExportFile(path string, accounts []*vault.Account) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".export-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create export file: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err = tmp.Chmod(vault.FileMode); err != nil {
		return fmt.Errorf("failed to set export permissions: %w", err)
	}
	if err = Export(tmp, accounts); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync export: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close export: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move export into place: %w", err)
	}
	return nil
}
