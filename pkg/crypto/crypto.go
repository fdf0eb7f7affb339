// Package crypto composes the primitives used by the twopass vault.
//
// Nothing here is a custom cipher: keys are stretched with Argon2id, records
// are sealed with AES-256-GCM, and purpose-specific subkeys come from HKDF.
//
//	params := crypto.DefaultKDFParams()
//	kek := crypto.DeriveKey([]byte("master secret"), salt, params)
//	defer crypto.SecureWipe(kek)
//
//	sealed, err := crypto.Seal(kek, dek)
//	dek, err = crypto.Open(kek, sealed)
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"runtime"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeyLength is the length of every symmetric key in bytes (256 bits).
	KeyLength = 32

	// NonceLength is the length of GCM nonces in bytes (96 bits).
	NonceLength = 12

	// SaltLength is the length of KDF salts in bytes.
	SaltLength = 16

	// MACLength is the length of lookup tags produced by MAC.
	MACLength = sha256.Size
)

// KDFParams are the Argon2id cost parameters. They are stored next to the
// salt so a vault keeps opening after the defaults change.
type KDFParams struct {
	Time    uint32 // iterations
	Memory  uint32 // KiB
	Threads uint8
}

// DefaultKDFParams returns the OWASP recommended Argon2id costs
// (64 MiB, 3 iterations, 4 lanes).
func DefaultKDFParams() KDFParams {
	return KDFParams{Time: 3, Memory: 64 * 1024, Threads: 4}
}

// Validate rejects parameters argon2 would panic on or that are too weak to
// be anything but a mistake.
func (p KDFParams) Validate() error {
	if p.Time < 1 || p.Threads < 1 || p.Memory < 8*uint32(p.Threads) {
		return fmt.Errorf("%w: time=%d memory=%d threads=%d", ErrInvalidKDFParams, p.Time, p.Memory, p.Threads)
	}
	return nil
}

var (
	ErrInvalidKeyLength   = errors.New("crypto: invalid key length, must be 32 bytes")
	ErrInvalidKDFParams   = errors.New("crypto: invalid KDF parameters")
	ErrDecryptionFailed   = errors.New("crypto: decryption failed, authentication tag verification failed")
	ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")
)

// DeriveKey stretches a password into a 256-bit key with Argon2id.
// The salt should be SaltLength bytes from RandomBytes.
func DeriveKey(password, salt []byte, p KDFParams) []byte {
	return argon2.IDKey(password, salt, p.Time, p.Memory, p.Threads, KeyLength)
}

// DeriveSubkey expands key into an independent key for the given purpose.
// Different info strings yield unrelated keys.
func DeriveSubkey(key []byte, info string) ([]byte, error) {
	if len(key) != KeyLength {
		return nil, ErrInvalidKeyLength
	}
	out := make([]byte, KeyLength)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key, nil, []byte(info)), out); err != nil {
		return nil, fmt.Errorf("crypto: failed to derive subkey: %w", err)
	}
	return out, nil
}

// MAC returns HMAC-SHA256(key, data). Used for deterministic lookup tags
// over encrypted columns.
func MAC(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// RandomBytes returns n bytes from crypto/rand.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("crypto: failed to read random bytes: %w", err)
	}
	return b, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeyLength {
		return nil, ErrInvalidKeyLength
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Seal encrypts plaintext with AES-256-GCM under a fresh random nonce.
// The output is nonce || ciphertext || tag.
func Seal(key, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, NonceLength, NonceLength+len(plaintext)+gcm.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: failed to generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open reverses Seal. Any tampering, truncation or wrong key yields
// ErrDecryptionFailed or ErrCiphertextTooShort, never partial plaintext.
func Open(key, sealed []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < NonceLength+gcm.Overhead() {
		return nil, ErrCiphertextTooShort
	}
	plaintext, err := gcm.Open(nil, sealed[:NonceLength], sealed[NonceLength:], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// SecureWipe zeroes b. runtime.KeepAlive keeps the compiler from dropping
// the writes as dead stores.
func SecureWipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
