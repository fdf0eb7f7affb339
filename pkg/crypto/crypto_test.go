package crypto

import (
	"bytes"
	"errors"
	"testing"
)

// cheap parameters keep the test suite fast; production uses DefaultKDFParams.
var testParams = KDFParams{Time: 1, Memory: 64, Threads: 1}

func mustKey(t *testing.T) []byte {
	t.Helper()
	key, err := RandomBytes(KeyLength)
	if err != nil {
		t.Fatalf("RandomBytes() error = %v", err)
	}
	return key
}

func TestDeriveKey(t *testing.T) {
	salt, err := RandomBytes(SaltLength)
	if err != nil {
		t.Fatalf("RandomBytes() error = %v", err)
	}

	key := DeriveKey([]byte("correct"), salt, testParams)
	if len(key) != KeyLength {
		t.Errorf("DeriveKey() length = %d, want %d", len(key), KeyLength)
	}
	if !bytes.Equal(key, DeriveKey([]byte("correct"), salt, testParams)) {
		t.Error("DeriveKey() is not deterministic for the same inputs")
	}
	if bytes.Equal(key, DeriveKey([]byte("wrong"), salt, testParams)) {
		t.Error("DeriveKey() gave the same key for different passwords")
	}

	other, _ := RandomBytes(SaltLength)
	if bytes.Equal(key, DeriveKey([]byte("correct"), other, testParams)) {
		t.Error("DeriveKey() gave the same key for different salts")
	}

	stronger := testParams
	stronger.Time = 2
	if bytes.Equal(key, DeriveKey([]byte("correct"), salt, stronger)) {
		t.Error("DeriveKey() ignored the time parameter")
	}
}

func TestKDFParamsValidate(t *testing.T) {
	tests := []struct {
		name    string
		params  KDFParams
		wantErr bool
	}{
		{"default", DefaultKDFParams(), false},
		{"test", testParams, false},
		{"zero time", KDFParams{Time: 0, Memory: 64, Threads: 1}, true},
		{"zero threads", KDFParams{Time: 1, Memory: 64, Threads: 0}, true},
		{"memory below lanes", KDFParams{Time: 1, Memory: 8, Threads: 4}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.params.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidKDFParams) {
				t.Errorf("Validate() error = %v, want ErrInvalidKDFParams", err)
			}
		})
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := mustKey(t)
	large, _ := RandomBytes(10000)

	testCases := []struct {
		name      string
		plaintext []byte
	}{
		{"empty", []byte{}},
		{"small", []byte("x")},
		{"text", []byte("hunter2 is not a good password")},
		{"large", large},
		{"binary", []byte{0x00, 0xFF, 0x01, 0xFE}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			sealed, err := Seal(key, tc.plaintext)
			if err != nil {
				t.Fatalf("Seal() error = %v", err)
			}
			if len(sealed) != NonceLength+len(tc.plaintext)+16 {
				t.Errorf("Seal() length = %d, want %d", len(sealed), NonceLength+len(tc.plaintext)+16)
			}
			got, err := Open(key, sealed)
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			if !bytes.Equal(got, tc.plaintext) {
				t.Errorf("Open() = %x, want %x", got, tc.plaintext)
			}
		})
	}
}

func TestOpenWrongKey(t *testing.T) {
	sealed, err := Seal(mustKey(t), []byte("secret"))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if _, err := Open(mustKey(t), sealed); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("Open() with wrong key error = %v, want ErrDecryptionFailed", err)
	}
}

func TestOpenTampered(t *testing.T) {
	key := mustKey(t)
	sealed, err := Seal(key, []byte("secret"))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	for _, idx := range []int{0, NonceLength, len(sealed) - 1} {
		tampered := bytes.Clone(sealed)
		tampered[idx] ^= 0x01
		if _, err := Open(key, tampered); !errors.Is(err, ErrDecryptionFailed) {
			t.Errorf("Open() with byte %d flipped error = %v, want ErrDecryptionFailed", idx, err)
		}
	}

	if _, err := Open(key, sealed[:NonceLength+3]); !errors.Is(err, ErrCiphertextTooShort) {
		t.Errorf("Open() truncated error = %v, want ErrCiphertextTooShort", err)
	}
}

func TestInvalidKeyLength(t *testing.T) {
	short := make([]byte, 16)
	if _, err := Seal(short, []byte("x")); !errors.Is(err, ErrInvalidKeyLength) {
		t.Errorf("Seal() error = %v, want ErrInvalidKeyLength", err)
	}
	if _, err := Open(short, make([]byte, 64)); !errors.Is(err, ErrInvalidKeyLength) {
		t.Errorf("Open() error = %v, want ErrInvalidKeyLength", err)
	}
	if _, err := DeriveSubkey(short, "x"); !errors.Is(err, ErrInvalidKeyLength) {
		t.Errorf("DeriveSubkey() error = %v, want ErrInvalidKeyLength", err)
	}
}

func TestSealUniqueNonce(t *testing.T) {
	key := mustKey(t)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		sealed, err := Seal(key, []byte("same"))
		if err != nil {
			t.Fatalf("Seal() error = %v", err)
		}
		nonce := string(sealed[:NonceLength])
		if seen[nonce] {
			t.Fatalf("Seal() reused a nonce on iteration %d", i)
		}
		seen[nonce] = true
	}
}

func TestDeriveSubkey(t *testing.T) {
	key := mustKey(t)
	a, err := DeriveSubkey(key, "label-index")
	if err != nil {
		t.Fatalf("DeriveSubkey() error = %v", err)
	}
	b, _ := DeriveSubkey(key, "label-index")
	c, _ := DeriveSubkey(key, "identity-index")

	if !bytes.Equal(a, b) {
		t.Error("DeriveSubkey() is not deterministic")
	}
	if bytes.Equal(a, c) {
		t.Error("DeriveSubkey() returned the same key for different info")
	}
	if bytes.Equal(a, key) {
		t.Error("DeriveSubkey() returned the input key")
	}
}

func TestMAC(t *testing.T) {
	key := mustKey(t)
	m := MAC(key, []byte("github"))
	if len(m) != MACLength {
		t.Errorf("MAC() length = %d, want %d", len(m), MACLength)
	}
	if !bytes.Equal(m, MAC(key, []byte("github"))) {
		t.Error("MAC() is not deterministic")
	}
	if bytes.Equal(m, MAC(key, []byte("GitHub"))) {
		t.Error("MAC() is case-insensitive")
	}
}

func TestSecureWipe(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03, 0x04}
	SecureWipe(data)
	for i, b := range data {
		if b != 0 {
			t.Errorf("SecureWipe() byte[%d] = %d, want 0", i, b)
		}
	}
	SecureWipe(nil)
}
