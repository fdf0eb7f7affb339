package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/forest6511/twopass/internal/config"
	"github.com/forest6511/twopass/pkg/face"
	"github.com/forest6511/twopass/pkg/gate"
	"github.com/forest6511/twopass/pkg/notify"
	"github.com/forest6511/twopass/pkg/vault"
)

// errLockedOut ends the process with exitLockedOut.
var errLockedOut = errors.New("vault locked: too many failed attempts")

// sessionFunc is the body of a gate-protected command. It runs with the
// unlocked vault; the caller closes the vault afterwards.
type sessionFunc func(ctx context.Context, v *vault.Vault) error

// faceVerifier builds the biometric factor from config.
func faceVerifier() (gate.FaceVerifier, error) {
	if cfg.Face.Mode == config.FaceModeDisabled {
		logger.Warn("face verification is disabled; only the master secret protects the vault")
		return face.NewStatic(gate.Match), nil
	}
	return commandVerifier()
}

func commandVerifier() (*face.CommandVerifier, error) {
	return face.NewCommandVerifier(face.Config{
		CaptureCommand: cfg.Face.CaptureCommand,
		VerifyCommand:  cfg.Face.VerifyCommand,
		ImagePath:      cfg.Face.LastImage,
		ReferencePath:  cfg.Face.ReferenceImage,
	}, face.WithLogger(logger))
}

// notifier mails lockout reports when email is enabled and logs them
// otherwise.
func notifier() (gate.Notifier, error) {
	if !cfg.Email.Enabled {
		return notify.NewLogNotifier(notify.WithLogger(logger)), nil
	}
	return notify.NewMailer(notify.Config{
		Address:     cfg.Email.Address,
		Password:    cfg.Email.Password,
		Server:      cfg.Email.Server,
		Port:        cfg.Email.Port,
		ImplicitTLS: cfg.Email.ImplicitTLS,
	}, notify.WithLogger(logger))
}

// newGate wires the unlock gate for this process with fn as the handoff.
func newGate(fn sessionFunc, obs gate.Observer) (*gate.Gate, error) {
	fv, err := faceVerifier()
	if err != nil {
		return nil, err
	}
	n, err := notifier()
	if err != nil {
		return nil, err
	}
	opener := gate.PathOpener{Path: cfg.Vault.Path, Options: vaultOptions()}

	return gate.New(gate.Config{
		Attempts:         cfg.Auth.Attempts,
		BiometricTimeout: cfg.Auth.BiometricTimeout,
	}, fv, n, opener, newTerminalPrompter(),
		gate.WithHandoff(handoff(fn)),
		gate.WithObserver(obs),
		gate.WithJournal(journal),
		gate.WithLogger(logger),
	)
}

// handoff runs fn, commits its changes if it succeeded and closes the
// vault. A failed fn leaves the vault as it was.
func handoff(fn sessionFunc) gate.HandoffFunc {
	return func(ctx context.Context, v *vault.Vault) (err error) {
		defer func() {
			if cerr := v.Close(); cerr != nil && err == nil {
				err = fmt.Errorf("failed to close vault: %w", cerr)
			}
		}()
		if err := fn(ctx, v); err != nil {
			return err
		}
		// fn may have closed the vault itself, as destroy does.
		if err := v.Flush(); err != nil && !errors.Is(err, vault.ErrVaultClosed) {
			return fmt.Errorf("failed to save vault: %w", err)
		}
		return nil
	}
}

// withVault runs fn behind the gate.
func withVault(ctx context.Context, fn sessionFunc) error {
	if err := requireVault(); err != nil {
		return err
	}
	progress := newSpinner(os.Stderr)
	defer progress.halt()

	g, err := newGate(fn, progress)
	if err != nil {
		return err
	}
	res, err := g.Run(ctx)
	if err != nil {
		return err
	}
	return outcomeError(res)
}

// outcomeError turns a finished run into the command's result.
func outcomeError(res *gate.Result) error {
	switch res.Outcome {
	case gate.OutcomeCancelled:
		fmt.Fprintln(os.Stderr, "Cancelled.")
		return nil
	case gate.OutcomeLockedOut:
		if res.NotifyErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: the lockout report could not be sent: %v\n", res.NotifyErr)
		} else if cfg.Email.Enabled {
			fmt.Fprintf(os.Stderr, "A report has been sent to %s.\n", cfg.Email.Address)
		}
		return fmt.Errorf("%w (%s)", errLockedOut, res.Reason)
	}
	return nil
}
