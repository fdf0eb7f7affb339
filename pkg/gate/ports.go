package gate

import (
	"context"
	"errors"

	"github.com/forest6511/twopass/pkg/vault"
)

// FaceResult is the coarse outcome of a biometric comparison.
type FaceResult int

const (
	Match FaceResult = iota
	NoFaceFound
	MultipleFaces
	// Mismatch is a clearly visible face that is not the owner's.
	Mismatch
)

func (r FaceResult) String() string {
	switch r {
	case Match:
		return "match"
	case NoFaceFound:
		return "no face found"
	case MultipleFaces:
		return "multiple faces"
	case Mismatch:
		return "mismatch"
	default:
		return "unknown"
	}
}

// Image is a captured frame on disk. The gate never looks inside it; the
// path is only forwarded to the Notifier as an attachment.
type Image struct {
	Path string
}

// FaceVerifier captures a frame and compares it with the enrolled owner.
// Implementations should return promptly once ctx is done.
type FaceVerifier interface {
	Capture(ctx context.Context) (Image, error)
	Verify(ctx context.Context, img Image) (FaceResult, error)
}

// Notifier delivers the lockout report. One attempt is made per lockout.
type Notifier interface {
	Notify(ctx context.Context, subject, body, attachmentPath string) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, subject, body, attachmentPath string) error

func (f NotifierFunc) Notify(ctx context.Context, subject, body, attachmentPath string) error {
	return f(ctx, subject, body, attachmentPath)
}

// ErrCancelled is returned by a Prompter when the user backs out.
var ErrCancelled = errors.New("gate: cancelled by user")

// Prompter is the interactive side of the gate.
type Prompter interface {
	// ConfirmRetry asks whether to try the biometric step again after a
	// recoverable failure.
	ConfirmRetry(ctx context.Context, reason FaceResult, remaining int) (bool, error)
	// ReadSecret asks for the master secret. Returning ErrCancelled ends the
	// run without lockout.
	ReadSecret(ctx context.Context, remaining int) (string, error)
}

// VaultOpener opens the protected vault with a candidate secret. A wrong
// secret must be reported as vault.ErrWrongSecretOrCorrupt.
type VaultOpener interface {
	Open(secret string) (*vault.Vault, error)
}

// OpenerFunc adapts a function to VaultOpener.
type OpenerFunc func(secret string) (*vault.Vault, error)

func (f OpenerFunc) Open(secret string) (*vault.Vault, error) {
	return f(secret)
}

// PathOpener opens the vault file at Path.
type PathOpener struct {
	Path    string
	Options []vault.Option
}

func (o PathOpener) Open(secret string) (*vault.Vault, error) {
	return vault.Open(o.Path, secret, o.Options...)
}

// SessionHandoff receives the unlocked vault. It takes ownership: closing
// the vault is its job.
type SessionHandoff interface {
	Handoff(ctx context.Context, v *vault.Vault) error
}

// HandoffFunc adapts a function to SessionHandoff.
type HandoffFunc func(ctx context.Context, v *vault.Vault) error

func (f HandoffFunc) Handoff(ctx context.Context, v *vault.Vault) error {
	return f(ctx, v)
}

// Observer is told about every state change, for progress display.
type Observer interface {
	Transition(from, to State, remaining int)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(from, to State, remaining int)

func (f ObserverFunc) Transition(from, to State, remaining int) {
	f(from, to, remaining)
}
