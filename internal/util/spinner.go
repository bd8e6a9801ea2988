package util

import (
	"fmt"
	"io"
	"time"

	"github.com/briandowns/spinner"
)

// UISpinner shows progress on an interactive terminal. When quiet is set it
// prints plain lines instead, for logs and pipes.
type UISpinner struct {
	sp    *spinner.Spinner
	out   io.Writer
	quiet bool
}

// NewUISpinner starts a spinner with message on out.
func NewUISpinner(out io.Writer, quiet bool, message string) *UISpinner {
	s := &UISpinner{out: out, quiet: quiet}
	if quiet {
		fmt.Fprintf(out, "%s\n", message)
		return s
	}
	// dots
	s.sp = spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(out))
	s.sp.Prefix = "  "
	s.sp.Suffix = " " + message
	s.sp.Start()
	return s
}

// Update replaces the spinner message.
func (s *UISpinner) Update(message string) {
	if s.sp != nil {
		s.sp.Lock()
		s.sp.Suffix = " " + message
		s.sp.Unlock()
	}
}

// Success stops the spinner and prints a success message
func (s *UISpinner) Success(message string) {
	s.stop()
	fmt.Fprintf(s.out, "  ✓ %s\n", message)
}

// Fail stops the spinner and prints an error message
func (s *UISpinner) Fail(message string) {
	s.stop()
	fmt.Fprintf(s.out, "  ✗ %s\n", message)
}

func (s *UISpinner) stop() {
	if s.sp != nil {
		s.sp.Stop()
		fmt.Fprint(s.out, "\r\033[K")
		s.sp = nil
	}
}
