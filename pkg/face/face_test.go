package face

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forest6511/twopass/pkg/gate"
)

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("uses /bin/sh")
	}
}

// shellVerifier builds a verifier whose capture writes a fixed payload and
// whose verify prints verdict.
func shellVerifier(t *testing.T, verdict string) (*CommandVerifier, Config) {
	t.Helper()
	dir := t.TempDir()
	cfg := Config{
		CaptureCommand: []string{"sh", "-c", `printf frame > "$0"`, ImagePlaceholder},
		VerifyCommand:  []string{"sh", "-c", `test -s "$1" || exit 3; echo ` + verdict, ImagePlaceholder, ReferencePlaceholder},
		ImagePath:      filepath.Join(dir, "images", "last.jpg"),
		ReferencePath:  filepath.Join(dir, "owner.jpg"),
	}
	v, err := NewCommandVerifier(cfg)
	require.NoError(t, err)
	return v, cfg
}

func TestCaptureWritesImage(t *testing.T) {
	requireShell(t)
	v, cfg := shellVerifier(t, "match")

	img, err := v.Capture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cfg.ImagePath, img.Path)

	data, err := os.ReadFile(img.Path)
	require.NoError(t, err)
	assert.Equal(t, "frame", string(data))

	info, err := os.Stat(img.Path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(fileMode), info.Mode().Perm())
}

func TestVerifyRequiresEnrollment(t *testing.T) {
	requireShell(t)
	v, _ := shellVerifier(t, "match")
	assert.False(t, v.Enrolled())

	img, err := v.Capture(context.Background())
	require.NoError(t, err)
	_, err = v.Verify(context.Background(), img)
	assert.ErrorIs(t, err, ErrNotEnrolled)
}

func TestEnrollThenVerify(t *testing.T) {
	requireShell(t)
	for verdict, want := range map[string]gate.FaceResult{
		"match":    gate.Match,
		"no_face":  gate.NoFaceFound,
		"multiple": gate.MultipleFaces,
		"mismatch": gate.Mismatch,
		"-1":       gate.Mismatch,
	} {
		t.Run(verdict, func(t *testing.T) {
			v, cfg := shellVerifier(t, verdict)
			ref, err := v.Enroll(context.Background())
			require.NoError(t, err)
			assert.Equal(t, cfg.ReferencePath, ref)
			assert.True(t, v.Enrolled())

			img, err := v.Capture(context.Background())
			require.NoError(t, err)
			got, err := v.Verify(context.Background(), img)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestCommandFailure(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	v, err := NewCommandVerifier(Config{
		CaptureCommand: []string{"sh", "-c", "echo camera busy >&2; exit 4"},
		VerifyCommand:  []string{"true"},
		ImagePath:      filepath.Join(dir, "last.jpg"),
		ReferencePath:  filepath.Join(dir, "owner.jpg"),
	})
	require.NoError(t, err)

	_, err = v.Capture(context.Background())
	require.ErrorIs(t, err, ErrCommand)
	assert.Contains(t, err.Error(), "camera busy")
	assert.Contains(t, err.Error(), "code 4")
}

func TestCaptureWithoutOutput(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	v, err := NewCommandVerifier(Config{
		CaptureCommand: []string{"true"},
		VerifyCommand:  []string{"true"},
		ImagePath:      filepath.Join(dir, "last.jpg"),
		ReferencePath:  filepath.Join(dir, "owner.jpg"),
	})
	require.NoError(t, err)

	_, err = v.Capture(context.Background())
	assert.ErrorIs(t, err, ErrNoImage)

	_, err = v.Enroll(context.Background())
	assert.ErrorIs(t, err, ErrNoImage)
	assert.False(t, v.Enrolled())
}

func TestFailedCaptureKeepsPreviousImage(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	cfg := Config{
		// The first run writes a frame; later runs fail.
		CaptureCommand: []string{"sh", "-c", `if [ -e "$1" ]; then exit 5; fi; printf first > "$0"; touch "$1"`,
			ImagePlaceholder, filepath.Join(dir, "ran")},
		VerifyCommand: []string{"true"},
		ImagePath:     filepath.Join(dir, "last.jpg"),
		ReferencePath: filepath.Join(dir, "owner.jpg"),
	}
	v, err := NewCommandVerifier(cfg)
	require.NoError(t, err)

	img, err := v.Capture(context.Background())
	require.NoError(t, err)

	_, err = v.Capture(context.Background())
	require.ErrorIs(t, err, ErrCommand)

	data, err := os.ReadFile(img.Path)
	require.NoError(t, err, "the earlier capture must survive a failed one")
	assert.Equal(t, "first", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".capture-", "scratch file left behind")
	}
}

func TestMissingProgram(t *testing.T) {
	dir := t.TempDir()
	v, err := NewCommandVerifier(Config{
		CaptureCommand: []string{"twopass-no-such-camera"},
		VerifyCommand:  []string{"true"},
		ImagePath:      filepath.Join(dir, "last.jpg"),
		ReferencePath:  filepath.Join(dir, "owner.jpg"),
	})
	require.NoError(t, err)
	_, err = v.Capture(context.Background())
	assert.ErrorIs(t, err, ErrCommand)
}

func TestCaptureHonoursContext(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	v, err := NewCommandVerifier(Config{
		CaptureCommand: []string{"sleep", "10"},
		VerifyCommand:  []string{"true"},
		ImagePath:      filepath.Join(dir, "last.jpg"),
		ReferencePath:  filepath.Join(dir, "owner.jpg"),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = v.Capture(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestNewCommandVerifierValidation(t *testing.T) {
	_, err := NewCommandVerifier(Config{VerifyCommand: []string{"x"}, ImagePath: "a", ReferencePath: "b"})
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = NewCommandVerifier(Config{CaptureCommand: []string{"x"}, ImagePath: "a", ReferencePath: "b"})
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = NewCommandVerifier(Config{CaptureCommand: []string{"x"}, VerifyCommand: []string{"x"}})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		in      string
		want    gate.FaceResult
		wantErr bool
	}{
		{"match\n", gate.Match, false},
		{"  MATCH 0.93", gate.Match, false},
		{"1", gate.Match, false},
		{"0", gate.NoFaceFound, false},
		{"no_face", gate.NoFaceFound, false},
		{"2", gate.MultipleFaces, false},
		{"mismatch", gate.Mismatch, false},
		{"", 0, true},
		{"maybe", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseVerdict(tt.in)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrUnknownVerdict, "input %q", tt.in)
			continue
		}
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got, "input %q", tt.in)
	}
}

func TestStaticRepeatsLastVerdict(t *testing.T) {
	s := NewStatic(gate.NoFaceFound, gate.Match)
	s.Image = "/tmp/none.jpg"

	img, err := s.Capture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/tmp/none.jpg", img.Path)

	var got []gate.FaceResult
	for i := 0; i < 4; i++ {
		r, err := s.Verify(context.Background(), img)
		require.NoError(t, err)
		got = append(got, r)
	}
	assert.Equal(t, []gate.FaceResult{gate.NoFaceFound, gate.Match, gate.Match, gate.Match}, got)

	_, err = (&Static{}).Verify(context.Background(), img)
	assert.ErrorIs(t, err, ErrUnknownVerdict)
}
