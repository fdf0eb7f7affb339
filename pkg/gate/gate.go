// Package gate implements the two-factor unlock sequence: a biometric check
// followed by the master secret, sharing one attempt budget.
//
// A visible stranger's face locks the gate at once. Recoverable biometric
// failures and wrong secrets spend the budget; when it runs out the gate
// locks. Every lockout sends exactly one notification to the owner.
package gate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/forest6511/twopass/pkg/audit"
	"github.com/forest6511/twopass/pkg/vault"
)

// State is a node of the unlock state machine.
type State int

const (
	AwaitingBiometric State = iota
	Retrying
	AwaitingSecret
	Unlocked
	Locked
	Cancelled
)

func (s State) String() string {
	switch s {
	case AwaitingBiometric:
		return "awaiting-biometric"
	case Retrying:
		return "retrying"
	case AwaitingSecret:
		return "awaiting-secret"
	case Unlocked:
		return "unlocked"
	case Locked:
		return "locked"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == Unlocked || s == Locked || s == Cancelled
}

// LockReason says why the gate locked.
type LockReason int

const (
	NotLocked LockReason = iota
	LockMismatch
	LockExhausted
)

func (r LockReason) String() string {
	switch r {
	case LockMismatch:
		return "face mismatch"
	case LockExhausted:
		return "attempts exhausted"
	default:
		return "not locked"
	}
}

const (
	DefaultAttempts      = 3
	DefaultNotifyTimeout = 30 * time.Second

	DefaultSubject       = "twopass auth report"
	DefaultMismatchBody  = "Warning! Stranger's face detected. Check the image in attachments."
	DefaultExhaustedBody = "Warning! Authentication attempts exhausted. Check the image in attachments."
)

var (
	// ErrLockedOut is returned by Run once the gate has locked.
	ErrLockedOut = errors.New("gate: locked out")
	// ErrBiometricUnavailable wraps capture and verification failures.
	ErrBiometricUnavailable = errors.New("gate: biometric check unavailable")
	ErrInProgress           = errors.New("gate: unlock already in progress")
	ErrInvalidConfig        = errors.New("gate: invalid configuration")
)

// Config tunes the gate. Zero fields take the defaults above.
type Config struct {
	Attempts int
	// BiometricTimeout bounds one capture-and-verify step. A step that runs
	// out of time counts as NoFaceFound. Zero disables the limit.
	BiometricTimeout time.Duration
	NotifyTimeout    time.Duration

	Subject       string
	MismatchBody  string
	ExhaustedBody string
}

func (c *Config) applyDefaults() {
	if c.Attempts == 0 {
		c.Attempts = DefaultAttempts
	}
	if c.NotifyTimeout == 0 {
		c.NotifyTimeout = DefaultNotifyTimeout
	}
	if c.Subject == "" {
		c.Subject = DefaultSubject
	}
	if c.MismatchBody == "" {
		c.MismatchBody = DefaultMismatchBody
	}
	if c.ExhaustedBody == "" {
		c.ExhaustedBody = DefaultExhaustedBody
	}
}

// Outcome is how a run ended.
type Outcome int

const (
	OutcomeUnlocked Outcome = iota
	OutcomeCancelled
	OutcomeLockedOut
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUnlocked:
		return "unlocked"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeLockedOut:
		return "locked out"
	default:
		return "unknown"
	}
}

// Result describes a finished run.
type Result struct {
	Outcome   Outcome
	Remaining int
	Reason    LockReason
	// Vault is the open handle after an unlock without a SessionHandoff.
	// The caller must Close it.
	Vault *vault.Vault
	// NotifyErr is the delivery failure of the lockout notification, if any.
	NotifyErr error
}

// Option configures a Gate.
type Option func(*Gate)

// WithHandoff passes the unlocked vault to h instead of returning it.
func WithHandoff(h SessionHandoff) Option {
	return func(g *Gate) { g.handoff = h }
}

func WithObserver(o Observer) Option {
	return func(g *Gate) { g.observer = o }
}

func WithJournal(j *audit.Logger) Option {
	return func(g *Gate) { g.journal = j }
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// Gate runs the unlock sequence. A Gate is single-use once it locks.
type Gate struct {
	cfg      Config
	face     FaceVerifier
	notifier Notifier
	opener   VaultOpener
	prompter Prompter
	handoff  SessionHandoff
	observer Observer
	journal  *audit.Logger
	logger   *slog.Logger

	mu        sync.Mutex
	running   bool
	lockedOut bool
}

// New validates cfg and wires the ports.
func New(cfg Config, face FaceVerifier, notifier Notifier, opener VaultOpener, prompter Prompter, opts ...Option) (*Gate, error) {
	cfg.applyDefaults()
	if cfg.Attempts < 1 {
		return nil, fmt.Errorf("%w: attempts must be at least 1, got %d", ErrInvalidConfig, cfg.Attempts)
	}
	if cfg.BiometricTimeout < 0 || cfg.NotifyTimeout < 0 {
		return nil, fmt.Errorf("%w: negative timeout", ErrInvalidConfig)
	}
	if face == nil || notifier == nil || opener == nil || prompter == nil {
		return nil, fmt.Errorf("%w: missing port", ErrInvalidConfig)
	}

	g := &Gate{
		cfg:      cfg,
		face:     face,
		notifier: notifier,
		opener:   opener,
		prompter: prompter,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// LockedOut reports whether a previous run ended in lockout.
func (g *Gate) LockedOut() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lockedOut
}

// run holds the per-run state.
type run struct {
	g           *Gate
	state       State
	remaining   int
	reason      LockReason
	lastFailure FaceResult
	image       string
}

// Run drives the state machine to a terminal state. Cancelling ctx ends the
// run as Cancelled. Errors are reserved for failures the user cannot fix by
// retrying: broken biometrics, an unreadable vault, a failed handoff.
func (g *Gate) Run(ctx context.Context) (*Result, error) {
	g.mu.Lock()
	switch {
	case g.lockedOut:
		g.mu.Unlock()
		return nil, ErrLockedOut
	case g.running:
		g.mu.Unlock()
		return nil, ErrInProgress
	}
	g.running = true
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.running = false
		g.mu.Unlock()
	}()

	r := &run{g: g, state: AwaitingBiometric, remaining: g.cfg.Attempts}
	g.observe(AwaitingBiometric, AwaitingBiometric, r.remaining)
	return r.loop(ctx)
}

func (r *run) loop(ctx context.Context) (*Result, error) {
	for {
		// A lockout already decided is never downgraded to a cancel.
		if err := ctx.Err(); err != nil && r.state != Locked {
			return r.cancel(err), nil
		}

		switch r.state {
		case AwaitingBiometric:
			if err := r.biometric(ctx); err != nil {
				return nil, err
			}
		case Retrying:
			ok, err := r.g.prompter.ConfirmRetry(ctx, r.lastFailure, r.remaining)
			if err != nil {
				if isCancel(err) {
					return r.cancel(err), nil
				}
				return nil, fmt.Errorf("gate: retry prompt: %w", err)
			}
			if !ok {
				return r.cancel(ErrCancelled), nil
			}
			r.to(AwaitingBiometric)
		case AwaitingSecret:
			v, err := r.secret(ctx)
			if err != nil {
				if isCancel(err) {
					return r.cancel(err), nil
				}
				return nil, err
			}
			if v != nil {
				return r.unlock(ctx, v)
			}
		case Locked:
			return r.lock(ctx), nil
		}
	}
}

// faceOutcome carries a finished biometric step out of its goroutine.
type faceOutcome struct {
	result FaceResult
	image  Image
	err    error
}

// biometric runs one capture-and-verify step and moves the machine on.
func (r *run) biometric(ctx context.Context) error {
	res, err := r.check(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil // loop observes the cancellation
		}
		r.g.record(r.g.journal.Failure(audit.OpGateBiometric, "", err))
		return err
	}

	r.g.record(r.g.journal.Record(audit.OpGateBiometric, resultFor(res), "", nil,
		map[string]any{"result": res.String(), "remaining": r.remaining}))
	r.g.logger.Debug("biometric check finished", "result", res, "remaining", r.remaining)

	switch res {
	case Match:
		r.to(AwaitingSecret)
	case Mismatch:
		r.reason = LockMismatch
		r.to(Locked)
	default:
		r.remaining--
		if r.remaining <= 0 {
			r.reason = LockExhausted
			r.to(Locked)
			return nil
		}
		r.lastFailure = res
		r.to(Retrying)
	}
	return nil
}

// check runs Capture and Verify in a goroutine so cancellation and the
// optional timeout are honoured even by a slow verifier. Only one step is
// ever in flight: after a timeout the abandoned step is awaited before the
// machine moves on.
func (r *run) check(ctx context.Context) (FaceResult, error) {
	stepCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan faceOutcome, 1)
	go func() {
		img, err := r.g.face.Capture(stepCtx)
		if err != nil {
			done <- faceOutcome{err: fmt.Errorf("%w: capture: %w", ErrBiometricUnavailable, err)}
			return
		}
		res, err := r.g.face.Verify(stepCtx, img)
		if err != nil {
			err = fmt.Errorf("%w: verify: %w", ErrBiometricUnavailable, err)
		}
		done <- faceOutcome{result: res, image: img, err: err}
	}()

	var timeout <-chan time.Time
	if r.g.cfg.BiometricTimeout > 0 {
		t := time.NewTimer(r.g.cfg.BiometricTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case out := <-done:
		if out.image.Path != "" {
			r.image = out.image.Path
		}
		return out.result, out.err
	case <-timeout:
		cancel()
		select {
		case out := <-done:
			if out.image.Path != "" {
				r.image = out.image.Path
			}
		case <-ctx.Done():
			return 0, ctx.Err()
		}
		r.g.logger.Warn("biometric check timed out", "timeout", r.g.cfg.BiometricTimeout)
		return NoFaceFound, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// secret asks for the master secret once. A nil vault with a nil error means
// the attempt was wrong and the machine has already moved.
func (r *run) secret(ctx context.Context) (*vault.Vault, error) {
	s, err := r.g.prompter.ReadSecret(ctx, r.remaining)
	if err != nil {
		if isCancel(err) {
			return nil, err
		}
		return nil, fmt.Errorf("gate: secret prompt: %w", err)
	}

	v, err := r.g.opener.Open(s)
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, vault.ErrWrongSecretOrCorrupt) && !errors.Is(err, vault.ErrEmptySecret) {
		return nil, err
	}

	r.g.record(r.g.journal.Failure(audit.OpGateSecret, "", err))
	r.remaining--
	r.g.logger.Info("master secret rejected", "remaining", r.remaining)
	if r.remaining <= 0 {
		r.reason = LockExhausted
		r.to(Locked)
		return nil, nil
	}
	// Stay in AwaitingSecret: the biometric factor already passed.
	r.g.observe(AwaitingSecret, AwaitingSecret, r.remaining)
	return nil, nil
}

func (r *run) unlock(ctx context.Context, v *vault.Vault) (*Result, error) {
	r.to(Unlocked)
	r.g.record(r.g.journal.Success(audit.OpGateUnlocked, ""))
	r.g.logger.Info("vault unlocked", "path", v.Path())

	res := &Result{Outcome: OutcomeUnlocked, Remaining: r.remaining}
	if r.g.handoff == nil {
		res.Vault = v
		return res, nil
	}
	if err := r.g.handoff.Handoff(ctx, v); err != nil {
		return res, fmt.Errorf("gate: session handoff: %w", err)
	}
	return res, nil
}

// lock sends the single lockout notification and poisons the gate.
func (r *run) lock(ctx context.Context) *Result {
	g := r.g
	g.mu.Lock()
	g.lockedOut = true
	g.mu.Unlock()

	body := g.cfg.ExhaustedBody
	if r.reason == LockMismatch {
		body = g.cfg.MismatchBody
	}

	// The report must go out even if the user interrupts at this point.
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.NotifyTimeout)
	defer cancel()
	notifyErr := g.notifier.Notify(nctx, g.cfg.Subject, body, r.image)
	if notifyErr != nil {
		g.logger.Error("lockout notification failed", "error", notifyErr)
		g.record(g.journal.Failure(audit.OpGateNotify, "", notifyErr))
	} else {
		g.record(g.journal.Success(audit.OpGateNotify, ""))
	}

	g.record(g.journal.Denied(audit.OpGateLocked, r.reason.String()))
	g.logger.Warn("gate locked", "reason", r.reason)
	return &Result{
		Outcome:   OutcomeLockedOut,
		Remaining: r.remaining,
		Reason:    r.reason,
		NotifyErr: notifyErr,
	}
}

func (r *run) cancel(cause error) *Result {
	if r.state != Cancelled {
		r.to(Cancelled)
	}
	r.g.record(r.g.journal.Record(audit.OpGateCancelled, audit.ResultDenied, "", nil,
		map[string]any{"reason": cause.Error()}))
	r.g.logger.Info("unlock cancelled", "reason", cause)
	return &Result{Outcome: OutcomeCancelled, Remaining: r.remaining}
}

func (r *run) to(next State) {
	prev := r.state
	r.state = next
	r.g.observe(prev, next, r.remaining)
}

func (g *Gate) observe(from, to State, remaining int) {
	if g.observer != nil {
		g.observer.Transition(from, to, remaining)
	}
}

// record logs journal write failures; they never change the outcome.
func (g *Gate) record(err error) {
	if err != nil {
		g.logger.Warn("audit journal write failed", "error", err)
	}
}

func isCancel(err error) bool {
	return errors.Is(err, ErrCancelled) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func resultFor(r FaceResult) string {
	if r == Match {
		return audit.ResultSuccess
	}
	return audit.ResultFailure
}
