package importer

import (
	"encoding/json"
	"fmt"

	"github.com/forest6511/twopass/pkg/vault"
)

// BitwardenParser parses Bitwarden JSON export files. Logins and secure
// notes become accounts; cards and identities have no place in the account
// model and are skipped.
type BitwardenParser struct{}

const (
	bitwardenTypeLogin      = 1
	bitwardenTypeSecureNote = 2
	bitwardenTypeCard       = 3
	bitwardenTypeIdentity   = 4
)

const bitwardenFieldHidden = 1

type bitwardenExport struct {
	Encrypted bool              `json:"encrypted"`
	Items     []bitwardenItem   `json:"items"`
	Folders   []bitwardenFolder `json:"folders"`
}

type bitwardenFolder struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type bitwardenItem struct {
	Type         int                    `json:"type"`
	Name         string                 `json:"name"`
	Notes        string                 `json:"notes"`
	FolderID     *string                `json:"folderId"`
	Login        *bitwardenLogin        `json:"login"`
	Fields       []bitwardenCustomField `json:"fields"`
	CreationDate string                 `json:"creationDate"`
	RevisionDate string                 `json:"revisionDate"`
}

type bitwardenLogin struct {
	URIs     []bitwardenURI `json:"uris"`
	Username string         `json:"username"`
	Password string         `json:"password"`
	TOTP     string         `json:"totp"`
}

type bitwardenURI struct {
	URI string `json:"uri"`
}

type bitwardenCustomField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	Type  int    `json:"type"`
}

func (p *BitwardenParser) Source() Source {
	return SourceBitwarden
}

func (p *BitwardenParser) Parse(data []byte) (*Result, error) {
	var export bitwardenExport
	if err := json.Unmarshal(data, &export); err != nil {
		return nil, fmt.Errorf("failed to parse Bitwarden JSON: %w", err)
	}
	if export.Encrypted {
		return nil, fmt.Errorf("%w: encrypted Bitwarden exports are not supported", ErrUnsupportedSource)
	}

	folders := make(map[string]string, len(export.Folders))
	for _, f := range export.Folders {
		folders[f.ID] = f.Name
	}

	result := newResult()
	counter := 1
	for i := range export.Items {
		item := &export.Items[i]
		switch item.Type {
		case bitwardenTypeLogin, bitwardenTypeSecureNote:
		case bitwardenTypeCard, bitwardenTypeIdentity:
			result.skip(item.Name, "cards and identities are not accounts")
			continue
		default:
			result.warnf("item %d (%s): unsupported item type: %d", i+1, item.Name, item.Type)
			continue
		}

		a := p.account(item, folders)
		if a.Username == "" && a.Secret == "" && a.Notes == "" {
			result.skip(item.Name, "no useful data")
			continue
		}
		if a.Label == "" {
			a.Label = FallbackLabel(a.URL, counter)
			counter++
		}
		if item.Login != nil && item.Login.TOTP != "" {
			result.warnf("item %d (%s): TOTP seed kept in notes", i+1, a.Label)
		}
		result.Accounts = append(result.Accounts, a)
	}
	return result, nil
}

// account flattens an item. Extra URIs, the TOTP seed, custom fields and
// the folder name are kept as note lines.
func (p *BitwardenParser) account(item *bitwardenItem, folders map[string]string) *vault.Account {
	a := &vault.Account{
		Label: NormalizeLabel(item.Name),
		Notes: item.Notes,
	}
	a.CreatedAt, _ = parseNativeTime(item.CreationDate)
	a.ModifiedAt, _ = parseNativeTime(item.RevisionDate)

	if login := item.Login; login != nil {
		a.Username = NormalizeValue(login.Username)
		a.Secret = login.Password
		for i, u := range login.URIs {
			if u.URI == "" {
				continue
			}
			if a.URL == "" {
				a.URL = NormalizeValue(u.URI)
				continue
			}
			a.Notes = appendNote(a.Notes, fmt.Sprintf("url_%d", i+1), u.URI)
		}
		if login.TOTP != "" {
			a.Notes = appendNote(a.Notes, "totp", login.TOTP)
		}
	}

	for _, cf := range item.Fields {
		name := cf.Name
		if name == "" {
			name = "custom field"
		}
		if cf.Type == bitwardenFieldHidden && a.Secret == "" {
			a.Secret = cf.Value
			continue
		}
		a.Notes = appendNote(a.Notes, name, cf.Value)
	}

	if item.FolderID != nil {
		if folder := folders[*item.FolderID]; folder != "" {
			a.Notes = appendNote(a.Notes, "folder", folder)
		}
	}
	return a
}
