package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/forest6511/twopass/pkg/gate"
)

// terminalPrompter asks the gate's questions on the terminal. Input that is
// not a terminal (a pipe in scripts and tests) is read line by line.
type terminalPrompter struct {
	in  *bufio.Reader
	out io.Writer
	fd  int
	tty bool
}

var stdin = bufio.NewReader(os.Stdin)

func newTerminalPrompter() *terminalPrompter {
	fd := int(os.Stdin.Fd())
	return &terminalPrompter{in: stdin, out: os.Stderr, fd: fd, tty: term.IsTerminal(fd)}
}

func (p *terminalPrompter) ConfirmRetry(ctx context.Context, reason gate.FaceResult, remaining int) (bool, error) {
	fmt.Fprintf(p.out, "%s. %s left. Try again? [Y/n] ", capitalize(reason.String()), attempts(remaining))
	line, err := p.readLine(ctx)
	if err != nil {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "", "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

func (p *terminalPrompter) ReadSecret(ctx context.Context, remaining int) (string, error) {
	return p.readHidden(ctx, fmt.Sprintf("Master secret (%s left): ", attempts(remaining)))
}

// confirm asks a yes/no question defaulting to no.
func (p *terminalPrompter) confirm(ctx context.Context, question string) (bool, error) {
	fmt.Fprintf(p.out, "%s [y/N] ", question)
	line, err := p.readLine(ctx)
	if err != nil {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

// readNewSecret asks for a secret twice.
func (p *terminalPrompter) readNewSecret(ctx context.Context, what string) (string, error) {
	first, err := p.readHidden(ctx, "Enter "+what+": ")
	if err != nil {
		return "", err
	}
	second, err := p.readHidden(ctx, "Confirm "+what+": ")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", errors.New("secrets do not match")
	}
	return first, nil
}

// readHidden reads a line without echo when attached to a terminal.
func (p *terminalPrompter) readHidden(ctx context.Context, prompt string) (string, error) {
	fmt.Fprint(p.out, prompt)
	if !p.tty {
		line, err := p.readLine(ctx)
		return strings.TrimRight(line, "\r\n"), err
	}

	state, err := term.GetState(p.fd)
	if err != nil {
		return "", fmt.Errorf("failed to read terminal state: %w", err)
	}
	type reply struct {
		b   []byte
		err error
	}
	done := make(chan reply, 1)
	go func() {
		b, err := term.ReadPassword(p.fd)
		done <- reply{b, err}
	}()

	select {
	case r := <-done:
		fmt.Fprintln(p.out)
		if r.err != nil {
			return "", fmt.Errorf("failed to read secret: %w", r.err)
		}
		return string(r.b), nil
	case <-ctx.Done():
		// ReadPassword is still blocked with echo off.
		_ = term.Restore(p.fd, state)
		fmt.Fprintln(p.out)
		return "", gate.ErrCancelled
	}
}

// readLine reads one line. End of input counts as the user backing out.
func (p *terminalPrompter) readLine(ctx context.Context) (string, error) {
	type reply struct {
		line string
		err  error
	}
	done := make(chan reply, 1)
	go func() {
		line, err := p.in.ReadString('\n')
		done <- reply{line, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if errors.Is(r.err, io.EOF) && r.line != "" {
				return r.line, nil
			}
			if errors.Is(r.err, io.EOF) {
				return "", gate.ErrCancelled
			}
			return "", fmt.Errorf("failed to read input: %w", r.err)
		}
		return strings.TrimRight(r.line, "\r\n"), nil
	case <-ctx.Done():
		return "", gate.ErrCancelled
	}
}

func attempts(n int) string {
	if n == 1 {
		return "1 attempt"
	}
	return fmt.Sprintf("%d attempts", n)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func isUserCancel(err error) bool {
	return errors.Is(err, gate.ErrCancelled) || errors.Is(err, context.Canceled)
}
