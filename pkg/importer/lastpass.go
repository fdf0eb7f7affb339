package importer

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/forest6511/twopass/pkg/vault"
)

// LastPassParser parses LastPass CSV exports:
// url,username,password,totp,extra,name,grouping,fav
type LastPassParser struct{}

const (
	lpColURL      = "url"
	lpColUsername = "username"
	lpColPassword = "password"
	lpColTOTP     = "totp"
	lpColExtra    = "extra"
	lpColName     = "name"
	lpColGrouping = "grouping"
)

func (p *LastPassParser) Source() Source {
	return SourceLastPass
}

func (p *LastPassParser) Parse(data []byte) (*Result, error) {
	rows, header, err := readCSV(data)
	if err != nil {
		return nil, err
	}

	colIndex := make(map[string]int, len(header))
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	if _, ok := colIndex[lpColName]; !ok {
		return nil, fmt.Errorf("missing required column: %s", lpColName)
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
				return DecodeHTMLEntities(strings.TrimSpace(row[idx]))
			}
			return ""
		}

		name, url := get(lpColName), get(lpColURL)
		username, password := get(lpColUsername), get(lpColPassword)
		totp, extra := get(lpColTOTP), get(lpColExtra)
		if username == "" && password == "" && totp == "" && extra == "" {
			result.skip(name, "no useful data")
			continue
		}
		if url == secureNoteURL {
			url = ""
		}

		a := &vault.Account{
			Label:    NormalizeLabel(name),
			URL:      NormalizeValue(url),
			Username: NormalizeValue(username),
			Secret:   password,
			Notes:    extra,
		}
		if a.Label == "" {
			a.Label = FallbackLabel(url, counter)
			counter++
		}
		if totp != "" {
			a.Notes = appendNote(a.Notes, "totp", totp)
		}
		if grouping := get(lpColGrouping); grouping != "" {
			a.Notes = appendNote(a.Notes, "folder", grouping)
		}
		result.Accounts = append(result.Accounts, a)
	}
	return result, nil
}

// readCSV strips a UTF-8 BOM and consumes the header row.
func readCSV(data []byte) (*csv.Reader, []string, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	reader := csv.NewReader(bytes.NewReader(data))
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	return reader, header, nil
}
