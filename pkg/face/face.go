// Package face adapts external capture and recognition programs to the
// gate's FaceVerifier port.
//
// Both programs are configured as argv lists. The placeholders {image} and
// {reference} are replaced with the last-capture path and the enrolled
// reference path. The verify program prints its verdict as the first token
// on stdout.
package face

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/forest6511/twopass/pkg/gate"
)

const (
	ImagePlaceholder     = "{image}"
	ReferencePlaceholder = "{reference}"

	fileMode = 0o600
	dirMode  = 0o700
)

var (
	ErrNotEnrolled    = errors.New("face: no reference image enrolled")
	ErrNoImage        = errors.New("face: capture produced no image")
	ErrUnknownVerdict = errors.New("face: unrecognised verdict")
	ErrCommand        = errors.New("face: command failed")
	ErrNotConfigured  = errors.New("face: command not configured")
)

// Config names the programs and files used by CommandVerifier.
type Config struct {
	CaptureCommand []string
	VerifyCommand  []string
	// ImagePath receives every capture; it is overwritten each attempt.
	ImagePath     string
	ReferencePath string
}

// CommandVerifier runs the configured programs.
type CommandVerifier struct {
	cfg    Config
	logger *slog.Logger
}

// Option configures a CommandVerifier.
type Option func(*CommandVerifier)

func WithLogger(l *slog.Logger) Option {
	return func(v *CommandVerifier) { v.logger = l }
}

// NewCommandVerifier checks cfg and resolves nothing yet; programs are looked
// up on each run so a fixed PATH is picked up without restarting.
func NewCommandVerifier(cfg Config, opts ...Option) (*CommandVerifier, error) {
	if len(cfg.CaptureCommand) == 0 {
		return nil, fmt.Errorf("%w: capture", ErrNotConfigured)
	}
	if len(cfg.VerifyCommand) == 0 {
		return nil, fmt.Errorf("%w: verify", ErrNotConfigured)
	}
	if cfg.ImagePath == "" || cfg.ReferencePath == "" {
		return nil, fmt.Errorf("%w: image and reference paths are required", ErrNotConfigured)
	}
	v := &CommandVerifier{
		cfg:    cfg,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Capture takes a fresh picture into ImagePath.
func (v *CommandVerifier) Capture(ctx context.Context) (gate.Image, error) {
	if err := v.captureTo(ctx, v.cfg.ImagePath); err != nil {
		return gate.Image{}, err
	}
	return gate.Image{Path: v.cfg.ImagePath}, nil
}

// Verify compares img with the enrolled reference.
func (v *CommandVerifier) Verify(ctx context.Context, img gate.Image) (gate.FaceResult, error) {
	if _, err := os.Stat(v.cfg.ReferencePath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, ErrNotEnrolled
		}
		return 0, fmt.Errorf("face: stat reference: %w", err)
	}

	out, err := v.run(ctx, v.cfg.VerifyCommand, img.Path)
	if err != nil {
		return 0, err
	}
	res, err := ParseVerdict(string(out))
	if err != nil {
		return 0, err
	}
	v.logger.Debug("face verified", "result", res)
	return res, nil
}

// Enroll captures the owner's reference image. The previous reference is
// replaced only after a successful capture.
func (v *CommandVerifier) Enroll(ctx context.Context) (string, error) {
	if err := v.captureTo(ctx, v.cfg.ReferencePath); err != nil {
		return "", err
	}
	v.logger.Info("reference image enrolled", "path", v.cfg.ReferencePath)
	return v.cfg.ReferencePath, nil
}

// Enrolled reports whether a reference image exists.
func (v *CommandVerifier) Enrolled() bool {
	_, err := os.Stat(v.cfg.ReferencePath)
	return err == nil
}

// captureTo runs the capture program into a scratch file next to path and
// moves it into place only when an image was produced. A failed capture
// leaves the previous picture untouched.
func (v *CommandVerifier) captureTo(ctx context.Context, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return fmt.Errorf("face: create image directory: %w", err)
	}
	tmp := filepath.Join(dir, ".capture-"+filepath.Base(path))
	if err := os.Remove(tmp); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("face: remove stale capture: %w", err)
	}
	defer os.Remove(tmp)

	if _, err := v.run(ctx, v.cfg.CaptureCommand, tmp); err != nil {
		return err
	}

	info, err := os.Stat(tmp)
	if err != nil || info.Size() == 0 {
		return ErrNoImage
	}
	if err := os.Chmod(tmp, fileMode); err != nil {
		v.logger.Warn("cannot restrict image permissions", "path", tmp, "error", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("face: install image: %w", err)
	}
	return nil
}

// run executes argv with placeholders expanded and returns stdout.
func (v *CommandVerifier) run(ctx context.Context, argv []string, image string) ([]byte, error) {
	args := expand(argv, image, v.cfg.ReferencePath)

	bin, err := exec.LookPath(args[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCommand, args[0], err)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	v.logger.Debug("running face command", "command", args[0])
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			msg := strings.TrimSpace(stderr.String())
			return nil, fmt.Errorf("%w: %s exited with code %d: %s", ErrCommand, args[0], exitErr.ExitCode(), msg)
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrCommand, args[0], err)
	}
	return stdout.Bytes(), nil
}

func expand(argv []string, image, reference string) []string {
	out := make([]string, len(argv))
	for i, a := range argv {
		a = strings.ReplaceAll(a, ImagePlaceholder, image)
		out[i] = strings.ReplaceAll(a, ReferencePlaceholder, reference)
	}
	return out
}

// ParseVerdict reads the first token of a verify program's output. Both the
// word form and the numeric codes 1, 0, 2 and -1 are accepted.
func ParseVerdict(s string) (gate.FaceResult, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0, fmt.Errorf("%w: empty output", ErrUnknownVerdict)
	}
	switch strings.ToLower(fields[0]) {
	case "match", "1":
		return gate.Match, nil
	case "no_face", "0":
		return gate.NoFaceFound, nil
	case "multiple", "2":
		return gate.MultipleFaces, nil
	case "mismatch", "-1":
		return gate.Mismatch, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownVerdict, fields[0])
}

// Static replays a fixed list of verdicts. Once the list is used up the last
// verdict repeats. It backs dry runs with biometrics disabled.
type Static struct {
	Results []gate.FaceResult
	Image   string

	mu sync.Mutex
	i  int
}

// NewStatic returns a Static verifier that always answers r.
func NewStatic(r ...gate.FaceResult) *Static {
	return &Static{Results: r}
}

func (s *Static) Capture(ctx context.Context) (gate.Image, error) {
	if err := ctx.Err(); err != nil {
		return gate.Image{}, err
	}
	return gate.Image{Path: s.Image}, nil
}

func (s *Static) Verify(ctx context.Context, img gate.Image) (gate.FaceResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Results) == 0 {
		return 0, fmt.Errorf("%w: no verdicts scripted", ErrUnknownVerdict)
	}
	r := s.Results[min(s.i, len(s.Results)-1)]
	s.i++
	return r, nil
}
