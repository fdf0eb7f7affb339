package security

import (
	"strings"
	"testing"
)

func TestPasswordStrength_String(t *testing.T) {
	tests := []struct {
		strength PasswordStrength
		want     string
	}{
		{PasswordWeak, "Weak"},
		{PasswordFair, "Fair"},
		{PasswordGood, "Good"},
		{PasswordStrong, "Strong"},
		{PasswordStrength(99), "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.strength.String(); got != tt.want {
				t.Errorf("PasswordStrength.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPasswordStrength_Points(t *testing.T) {
	tests := []struct {
		strength PasswordStrength
		want     int
	}{
		{PasswordWeak, 0},
		{PasswordFair, 8},
		{PasswordGood, 17},
		{PasswordStrong, 25},
		{PasswordStrength(99), 0},
	}

	for _, tt := range tests {
		t.Run(tt.strength.String(), func(t *testing.T) {
			if got := tt.strength.Points(); got != tt.want {
				t.Errorf("PasswordStrength.Points() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStrength(t *testing.T) {
	tests := []struct {
		name   string
		secret string
		want   PasswordStrength
	}{
		{"empty", "", PasswordWeak},
		{"very_short", "abc", PasswordWeak},
		{"7_chars", "1234567", PasswordWeak},
		{"8_chars", "12345678", PasswordFair},
		{"13_chars", "1234567890abc", PasswordFair},
		{"14_chars", "1234567890abcd", PasswordGood},
		{"19_chars", "1234567890abcdefghi", PasswordGood},
		{"20_chars", "1234567890abcdefghij", PasswordStrong},
		{"passphrase", "correct-horse-battery-staple", PasswordStrong},
		{"repeated", strings.Repeat("a", 30), PasswordWeak},
		// 7 characters but 14 bytes.
		{"multibyte_short", "пароль1", PasswordWeak},
		{"multibyte_8", "пароль12", PasswordFair},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Strength(tt.secret); got != tt.want {
				t.Errorf("Strength(%q) = %v, want %v", tt.secret, got, tt.want)
			}
		})
	}
}
