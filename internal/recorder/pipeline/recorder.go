// Package pipeline records a screen surface and a microphone into one
// container file.
//
// A Recorder runs each session on an actor goroutine that exclusively owns
// the encoders and the muxer. Start and Stop only post commands to the
// actor's mailbox; the outcome is reported through a Callback and through
// Done or Wait.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/core"
)

// Result is the outcome of a session.
type Result struct {
	Path      string
	CoverPath string
	Duration  time.Duration
	Err       error
}

// Recorder drives recording sessions, one at a time.
type Recorder struct {
	platform Platform
	opts     options
	logger   *slog.Logger

	mu    sync.Mutex
	state State
	sess  *session
}

// New returns an idle Recorder.
func New(platform Platform, opts ...Option) *Recorder {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Recorder{
		platform: platform,
		opts:     o,
		logger:   o.logger.With("component", "recorder"),
	}
}

// Start validates cfg and launches a session. It returns once the actor is
// ready to accept commands, before any encoder exists; failures past that
// point are reported to cb. Starting while a session is active returns
// core.ErrAlreadyRecording.
func (r *Recorder) Start(cfg Config, cb Callback) error {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := r.platform.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Active() {
		return core.ErrAlreadyRecording
	}

	s := newSession(r, cfg, cb)
	r.sess = s
	r.state = StateConfiguring
	s.logger.Info("recording session starting",
		"path", cfg.OutputPath, "format", cfg.Format,
		"size", cfg.Width, "height", cfg.Height, "bitRate", cfg.BitRate)

	go s.run()
	<-s.ready
	s.mb.post(message{kind: msgStart})
	return nil
}

// Stop ends the active session. It returns immediately; the session drains
// and finalizes in the background. Stop without an active session, or on a
// session already stopping, does nothing.
func (r *Recorder) Stop() {
	r.mu.Lock()
	s := r.sess
	if s == nil || (r.state != StateConfiguring && r.state != StateRecording) {
		r.mu.Unlock()
		return
	}
	r.state = StateStopping
	r.mu.Unlock()

	s.logger.Info("stop requested")
	s.timer.Stop()
	s.mb.post(message{kind: msgStop})
}

// State returns the lifecycle state.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Done returns a channel receiving the result of the latest session exactly
// once. It is nil before the first Start.
func (r *Recorder) Done() <-chan Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sess == nil {
		return nil
	}
	return r.sess.done
}

// Wait blocks until the latest session has ended or ctx is done. The
// returned error is the session's failure, if any.
func (r *Recorder) Wait(ctx context.Context) (Result, error) {
	r.mu.Lock()
	s := r.sess
	r.mu.Unlock()
	if s == nil {
		return Result{}, errors.New("no recording session")
	}
	select {
	case <-s.finished:
		return s.result, s.result.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// transition moves s from one of the states in from to to. It is ignored
// when s is no longer the current session or the state does not match.
func (r *Recorder) transition(s *session, to State, from ...State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sess != s {
		return false
	}
	for _, f := range from {
		if r.state == f {
			s.logger.Debug("state changed", "from", r.state, "to", to)
			r.state = to
			return true
		}
	}
	return false
}

func newSessionID() string {
	return uuid.NewString()[:8]
}
