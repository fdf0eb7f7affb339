package main

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/term"

	"github.com/forest6511/twopass/pkg/gate"
)

var spinnerFrames = []rune("⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏")

// spinner reports gate progress on stderr. While the camera is busy it
// animates on a terminal and prints a single line otherwise.
type spinner struct {
	out      io.Writer
	tty      bool
	interval time.Duration

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func newSpinner(out io.Writer) *spinner {
	s := &spinner{out: out, interval: 100 * time.Millisecond}
	if f, ok := out.(*os.File); ok {
		s.tty = term.IsTerminal(int(f.Fd()))
	}
	return s
}

func (s *spinner) Transition(from, to gate.State, remaining int) {
	s.halt()
	switch to {
	case gate.AwaitingBiometric:
		s.start("Looking for your face...")
	case gate.AwaitingSecret:
		if from == gate.AwaitingSecret {
			fmt.Fprintln(s.out, "Wrong master secret.")
		} else {
			fmt.Fprintln(s.out, "Face recognised.")
		}
	case gate.Unlocked:
		fmt.Fprintln(s.out, "Vault unlocked.")
	case gate.Locked:
		fmt.Fprintln(s.out, "Vault locked.")
	}
}

func (s *spinner) start(msg string) {
	if !s.tty {
		fmt.Fprintln(s.out, msg)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.spin(msg, s.stop, s.done)
}

func (s *spinner) spin(msg string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for i := 0; ; i++ {
		fmt.Fprintf(s.out, "\r%c %s", spinnerFrames[i%len(spinnerFrames)], msg)
		select {
		case <-stop:
			fmt.Fprint(s.out, "\r\033[K")
			return
		case <-t.C:
		}
	}
}

// halt stops a running animation and waits for it to clear its line.
func (s *spinner) halt() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
}
