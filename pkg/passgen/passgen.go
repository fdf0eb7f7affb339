// Package passgen generates passwords, passphrases and PINs. Every random
// choice is drawn from crypto/rand.
package passgen

import (
	"bufio"
	"bytes"
	"crypto/rand"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"
	"sync"
)

// Style selects how a password is built.
type Style string

const (
	StyleRandom Style = "random"
	StylePhrase Style = "phrase"
	StylePin    Style = "pin"
)

const (
	charsetLowercase   = "abcdefghijklmnopqrstuvwxyz"
	charsetUppercase   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	charsetDigits      = "0123456789"
	charsetPunctuation = "!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~"

	// MinRandomLength leaves room for one symbol of each class.
	MinRandomLength = 4
	MaxLength       = 1024

	DefaultSeparator = "-"
)

// ErrPolicy is the class of every bad request. Such errors are programming
// mistakes and are never worth retrying.
var ErrPolicy = errors.New("passgen: invalid policy")

var (
	ErrInvalidPolicy       = fmt.Errorf("%w: unknown style", ErrPolicy)
	ErrPolicyTooShort      = fmt.Errorf("%w: too short", ErrPolicy)
	ErrPolicyTooLong       = fmt.Errorf("%w: too long", ErrPolicy)
	ErrWordlistUnavailable = errors.New("passgen: word list unavailable")
)

//go:embed words.txt
var defaultWords []byte

// Policy describes one generation request. Length counts characters for
// random and pin styles and words for the phrase style.
type Policy struct {
	Style     Style
	Length    int
	Separator string // phrase only; DefaultSeparator when empty
	Exclude   string // random only; characters never emitted
}

// ParseStyle accepts a style name, case-insensitively. "xkcd" is an alias
// for phrase.
func ParseStyle(s string) (Style, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "random", "":
		return StyleRandom, nil
	case "phrase", "xkcd":
		return StylePhrase, nil
	case "pin":
		return StylePin, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPolicy, s)
}

// Generator produces passwords. The zero value is not usable; call New.
type Generator struct {
	rand     io.Reader
	wordPath string

	once  sync.Once
	words []string
	err   error
}

// Option configures a Generator.
type Option func(*Generator)

// WithWordlist loads phrase words from a file, one per line, instead of the
// built-in list.
func WithWordlist(path string) Option {
	return func(g *Generator) { g.wordPath = path }
}

// WithRandom replaces crypto/rand.Reader. Tests only.
func WithRandom(r io.Reader) Option {
	return func(g *Generator) { g.rand = r }
}

// New returns a Generator.
func New(opts ...Option) *Generator {
	g := &Generator{rand: rand.Reader}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate builds one password according to p.
func (g *Generator) Generate(p Policy) (string, error) {
	if p.Length > MaxLength {
		return "", fmt.Errorf("%w: %d exceeds %d", ErrPolicyTooLong, p.Length, MaxLength)
	}
	switch p.Style {
	case StyleRandom:
		return g.random(p)
	case StylePhrase:
		return g.phrase(p)
	case StylePin:
		return g.pin(p)
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPolicy, p.Style)
}

// intn returns a uniform integer in [0, n).
func (g *Generator) intn(n int) (int, error) {
	v, err := rand.Int(g.rand, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("passgen: failed to generate random number: %w", err)
	}
	return int(v.Int64()), nil
}

func (g *Generator) pick(charset string) (byte, error) {
	i, err := g.intn(len(charset))
	if err != nil {
		return 0, err
	}
	return charset[i], nil
}

// random places one symbol from each class, fills the rest from the union
// and shuffles, so it always terminates and always covers every class.
func (g *Generator) random(p Policy) (string, error) {
	if p.Length < MinRandomLength {
		return "", fmt.Errorf("%w: random style needs at least %d characters, got %d", ErrPolicyTooShort, MinRandomLength, p.Length)
	}

	classes := []string{charsetLowercase, charsetUppercase, charsetDigits, charsetPunctuation}
	var all strings.Builder
	for i, c := range classes {
		c = removeChars(c, p.Exclude)
		if c == "" {
			return "", fmt.Errorf("%w: exclusions empty a character class", ErrInvalidPolicy)
		}
		classes[i] = c
		all.WriteString(c)
	}
	alphabet := all.String()

	out := make([]byte, p.Length)
	for i, c := range classes {
		b, err := g.pick(c)
		if err != nil {
			return "", err
		}
		out[i] = b
	}
	for i := len(classes); i < p.Length; i++ {
		b, err := g.pick(alphabet)
		if err != nil {
			return "", err
		}
		out[i] = b
	}

	// Fisher-Yates
	for i := len(out) - 1; i > 0; i-- {
		j, err := g.intn(i + 1)
		if err != nil {
			return "", err
		}
		out[i], out[j] = out[j], out[i]
	}
	return string(out), nil
}

func (g *Generator) pin(p Policy) (string, error) {
	if p.Length < 1 {
		return "", fmt.Errorf("%w: pin needs at least 1 digit", ErrPolicyTooShort)
	}
	out := make([]byte, p.Length)
	for i := range out {
		b, err := g.pick(charsetDigits)
		if err != nil {
			return "", err
		}
		out[i] = b
	}
	return string(out), nil
}

func (g *Generator) phrase(p Policy) (string, error) {
	if p.Length < 1 {
		return "", fmt.Errorf("%w: phrase needs at least 1 word", ErrPolicyTooShort)
	}
	words, err := g.Words()
	if err != nil {
		return "", err
	}
	sep := p.Separator
	if sep == "" {
		sep = DefaultSeparator
	}

	out := make([]string, p.Length)
	for i := range out {
		j, err := g.intn(len(words))
		if err != nil {
			return "", err
		}
		out[i] = words[j]
	}
	return strings.Join(out, sep), nil
}

// Words returns the phrase word list, loading it on first use.
func (g *Generator) Words() ([]string, error) {
	g.once.Do(func() {
		data := defaultWords
		if g.wordPath != "" {
			data, g.err = os.ReadFile(g.wordPath)
			if g.err != nil {
				g.err = fmt.Errorf("%w: %w", ErrWordlistUnavailable, g.err)
				return
			}
		}
		g.words = parseWords(data)
		if len(g.words) == 0 {
			g.err = fmt.Errorf("%w: list is empty", ErrWordlistUnavailable)
		}
	})
	return g.words, g.err
}

// parseWords takes the last field of each non-empty line, so both plain
// lists and numbered diceware lists work.
func parseWords(data []byte) []string {
	var words []string
	seen := make(map[string]bool)
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		w := fields[len(fields)-1]
		if !seen[w] {
			seen[w] = true
			words = append(words, w)
		}
	}
	return words
}

func removeChars(s, chars string) string {
	if chars == "" {
		return s
	}
	var b strings.Builder
	for _, c := range s {
		if !strings.ContainsRune(chars, c) {
			b.WriteRune(c)
		}
	}
	return b.String()
}
