// Package security reports on the health of the secrets kept in a vault:
// weak secrets, secrets reused across accounts and secrets that have not
// been changed for a long time.
package security

import "unicode/utf8"

// PasswordStrength represents the strength level of a secret.
type PasswordStrength int

const (
	// PasswordWeak indicates a secret shorter than 8 characters.
	PasswordWeak PasswordStrength = iota
	// PasswordFair indicates a minimally acceptable secret.
	PasswordFair
	// PasswordGood indicates a good secret.
	PasswordGood
	// PasswordStrong indicates a strong secret.
	PasswordStrong
)

// String returns a human-readable representation of the strength.
func (s PasswordStrength) String() string {
	switch s {
	case PasswordWeak:
		return "Weak"
	case PasswordFair:
		return "Fair"
	case PasswordGood:
		return "Good"
	case PasswordStrong:
		return "Strong"
	default:
		return "Unknown"
	}
}

// Points returns the score points for this strength level.
// Weak=0, Fair=8, Good=17, Strong=25.
func (s PasswordStrength) Points() int {
	switch s {
	case PasswordWeak:
		return 0
	case PasswordFair:
		return 8
	case PasswordGood:
		return 17
	case PasswordStrong:
		return 25
	default:
		return 0
	}
}

// Strength grades a secret by length, following NIST SP 800-63B: no
// composition rules, 8 characters minimum. Length is counted in characters,
// not bytes. A secret that repeats one character is always weak.
func Strength(secret string) PasswordStrength {
	if repeatsOneRune(secret) {
		return PasswordWeak
	}

	switch n := utf8.RuneCountInString(secret); {
	case n >= 20:
		return PasswordStrong
	case n >= 14:
		return PasswordGood
	case n >= 8:
		return PasswordFair
	default:
		return PasswordWeak
	}
}

func repeatsOneRune(s string) bool {
	first, size := utf8.DecodeRuneInString(s)
	if size == 0 {
		return true
	}
	for _, r := range s[size:] {
		if r != first {
			return false
		}
	}
	return true
}
