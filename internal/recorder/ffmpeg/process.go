// Package ffmpeg runs ffmpeg child processes that act as encoders and
// capture devices for the recorder.
package ffmpeg

import (
	"bytes"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	procgroup "github.com/babelcloud/gbox/packages/recorder/internal/proc_group"
)

// DefaultPath is the ffmpeg binary looked up on PATH.
const DefaultPath = "ffmpeg"

const stderrTail = 2048

// Available reports whether the ffmpeg binary can be found.
func Available(path string) bool {
	if path == "" {
		path = DefaultPath
	}
	_, err := exec.LookPath(path)
	return err == nil
}

// Process is a running ffmpeg with piped stdin and stdout.
type Process struct {
	Stdin  io.WriteCloser
	Stdout io.ReadCloser

	cmd       *exec.Cmd
	logger    *slog.Logger
	stderr    *lockedBuffer
	exited    chan struct{}
	waitErr   error
	stdinOnce sync.Once
}

// Options control how a Process is started.
type Options struct {
	Path   string
	Args   []string
	Stdin  bool
	Logger *slog.Logger
}

// Start launches ffmpeg in its own process group.
func Start(opts Options) (*Process, error) {
	path := opts.Path
	if path == "" {
		path = DefaultPath
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	args := []string{"-hide_banner", "-loglevel", "error"}
	if !opts.Stdin {
		args = append(args, "-nostdin")
	}
	args = append(args, opts.Args...)

	cmd := exec.Command(path, args...)
	procgroup.SetProcGrp(cmd)
	p := &Process{
		cmd:    cmd,
		logger: logger,
		stderr: &lockedBuffer{},
		exited: make(chan struct{}),
	}
	cmd.Stderr = p.stderr

	var err error
	if opts.Stdin {
		if p.Stdin, err = cmd.StdinPipe(); err != nil {
			return nil, errors.Wrap(err, "ffmpeg stdin")
		}
	}
	if p.Stdout, err = cmd.StdoutPipe(); err != nil {
		return nil, errors.Wrap(err, "ffmpeg stdout")
	}

	logger.Debug("starting ffmpeg", "cmd", path+" "+strings.Join(args, " "))
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "start ffmpeg")
	}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()
	return p, nil
}

// Exited is closed once the process has exited.
func (p *Process) Exited() <-chan struct{} { return p.exited }

// Wait blocks until the process exits and returns its exit error,
// annotated with the tail of its stderr.
func (p *Process) Wait() error {
	<-p.exited
	return p.annotate(p.waitErr)
}

// CloseStdin closes the input pipe, which makes ffmpeg flush and exit.
func (p *Process) CloseStdin() error {
	var err error
	p.stdinOnce.Do(func() {
		if p.Stdin != nil {
			err = p.Stdin.Close()
		}
	})
	return err
}

// Stop ends the process: stdin is closed first, then the process group is
// interrupted and finally killed if it outlives grace.
func (p *Process) Stop(grace time.Duration) error {
	p.CloseStdin()
	select {
	case <-p.exited:
		return p.Wait()
	case <-time.After(grace):
	}

	p.logger.Debug("interrupting ffmpeg", "pid", p.cmd.Process.Pid)
	procgroup.Interrupt(p.cmd.Process)
	select {
	case <-p.exited:
		return p.Wait()
	case <-time.After(grace):
	}

	p.logger.Warn("killing ffmpeg", "pid", p.cmd.Process.Pid)
	p.cmd.Process.Kill()
	<-p.exited
	return p.Wait()
}

// StderrTail returns the last lines ffmpeg printed.
func (p *Process) StderrTail() string {
	return p.stderr.Tail(stderrTail)
}

func (p *Process) annotate(err error) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, "ffmpeg: %s", p.StderrTail())
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	// keep memory bounded for long recordings
	if b.buf.Len() > 64*1024 {
		tail := append([]byte(nil), b.buf.Bytes()[b.buf.Len()-stderrTail:]...)
		b.buf.Reset()
		b.buf.Write(tail)
	}
	return b.buf.Write(p)
}

func (b *lockedBuffer) Tail(n int) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := strings.TrimSpace(b.buf.String())
	if s == "" {
		return "no ffmpeg stderr output"
	}
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
