package importer

import (
	"fmt"
	"io"
	"strings"

	"github.com/forest6511/twopass/pkg/vault"
)

// OnePasswordParser parses 1Password CSV exports:
// Title,Website,Username,Password,OTPAuth,Favorite,Archived,Tags,Notes
type OnePasswordParser struct{}

const (
	op1ColTitle    = "Title"
	op1ColWebsite  = "Website"
	op1ColUsername = "Username"
	op1ColPassword = "Password"
	op1ColOTPAuth  = "OTPAuth"
	op1ColArchived = "Archived"
	op1ColTags     = "Tags"
	op1ColNotes    = "Notes"
)

func (p *OnePasswordParser) Source() Source {
	return Source1Password
}

func (p *OnePasswordParser) Parse(data []byte) (*Result, error) {
	rows, header, err := readCSV(data)
	if err != nil {
		return nil, err
	}

	colIndex := make(map[string]int, len(header))
	for i, col := range header {
		colIndex[strings.TrimSpace(col)] = i
	}
	if _, ok := colIndex[op1ColTitle]; !ok {
		return nil, fmt.Errorf("missing required column: %s", op1ColTitle)
	}

	result := newResult()
	counter := 1
	for rowNum := 2; ; rowNum++ {
		row, err := rows.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			result.warnf("row %d: failed to parse: %v", rowNum, err)
			continue
		}
		if len(row) != len(header) {
			result.warnf("row %d: column count mismatch (expected %d, got %d)", rowNum, len(header), len(row))
			continue
		}

		get := func(col string) string {
			if idx, ok := colIndex[col]; ok {
				return strings.TrimSpace(row[idx])
			}
			return ""
		}

		title := get(op1ColTitle)
		if strings.EqualFold(get(op1ColArchived), "true") {
			result.skip(title, "archived")
			continue
		}
		username, password := get(op1ColUsername), get(op1ColPassword)
		otp, notes := get(op1ColOTPAuth), get(op1ColNotes)
		if username == "" && password == "" && otp == "" && notes == "" {
			result.skip(title, "no useful data")
			continue
		}

		website := get(op1ColWebsite)
		a := &vault.Account{
			Label:    NormalizeLabel(title),
			URL:      NormalizeValue(website),
			Username: NormalizeValue(username),
			Secret:   password,
			Notes:    notes,
		}
		if a.Label == "" {
			a.Label = FallbackLabel(website, counter)
			counter++
		}
		if otp != "" {
			a.Notes = appendNote(a.Notes, "totp", otp)
		}
		if tags := get(op1ColTags); tags != "" {
			a.Notes = appendNote(a.Notes, "tags", tags)
		}
		result.Accounts = append(result.Accounts, a)
	}
	return result, nil
}
