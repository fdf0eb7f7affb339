// Command twopass is a password manager whose vault opens only after a face
// check and the master secret.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Exit codes.
const (
	exitOK        = 0
	exitError     = 1
	exitLockedOut = 2
)

func main() {
	// Flags are defined by init functions in several files, so completions
	// are attached once they all exist.
	registerCompletionFunctions()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx)
	stop()
	os.Exit(code)
}

func run(ctx context.Context) int {
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return exitCode(err)
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errLockedOut):
		return exitLockedOut
	default:
		return exitError
	}
}
