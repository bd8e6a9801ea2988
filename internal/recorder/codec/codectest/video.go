package codectest

import (
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/core"
	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/h264"
)

// VideoEncoder produces one access unit per frame interval of its clock, as if
// a compositor rendered continuously onto its surface. The configuration unit
// is available on the first Dequeue.
type VideoEncoder struct {
	Format core.VideoFormat

	mu            sync.Mutex
	clock         clock.PassiveClock
	origin        time.Time
	frameInterval time.Duration
	surface       *Surface

	configSent  bool
	frames      int64
	eosSignaled bool
	eosSent     bool
	eosCount    int
	released    bool
	dequeues    int
	dequeueErr  error
	skipConfig  bool
	keyEvery    int64
}

// NewVideoEncoder returns an encoder pacing frames with clk.
func NewVideoEncoder(clk clock.PassiveClock, format core.VideoFormat) *VideoEncoder {
	fps := format.FrameRate
	if fps <= 0 {
		fps = 30
	}
	return &VideoEncoder{
		Format:        format,
		clock:         clk,
		origin:        clk.Now(),
		frameInterval: time.Second / time.Duration(fps),
		surface:       &Surface{},
		keyEvery:      30,
	}
}

// FailDequeue makes every following Dequeue return err.
func (e *VideoEncoder) FailDequeue(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dequeueErr = err
}

// WithoutConfig suppresses the configuration unit, so the video track is
// never registered.
func (e *VideoEncoder) WithoutConfig() *VideoEncoder {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.skipConfig = true
	return e
}

// KeyFrameInterval makes every n-th frame a key frame, starting with the
// first one.
func (e *VideoEncoder) KeyFrameInterval(n int) *VideoEncoder {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n > 0 {
		e.keyEvery = int64(n)
	}
	return e
}

func (e *VideoEncoder) InputSurface() core.Surface { return e.surface }

// Dequeue implements core.VideoEncoder.
func (e *VideoEncoder) Dequeue(time.Duration) (*core.EncodedUnit, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dequeues++

	switch {
	case e.released:
		return nil, core.NewError(core.KindDevice, "dequeue on released encoder")
	case e.dequeueErr != nil:
		return nil, e.dequeueErr
	case e.eosSent:
		return nil, core.ErrEndOfStream
	case !e.configSent && !e.skipConfig:
		e.configSent = true
		return &core.EncodedUnit{
			Stream:  core.StreamVideo,
			Payload: VideoConfig(),
			Flags:   core.UnitFlags{IsConfig: true},
		}, nil
	}

	pts := time.Duration(e.frames) * e.frameInterval
	if !e.eosSignaled && e.clock.Since(e.origin) >= pts {
		key := e.frames%e.keyEvery == 0
		payload := h264.Join(PFrame)
		if key {
			payload = h264.Join(SPS, PPS, IDR)
		}
		e.frames++
		return &core.EncodedUnit{
			Stream:          core.StreamVideo,
			Payload:         payload,
			TimestampMicros: pts.Microseconds(),
			Flags:           core.UnitFlags{IsKeyFrame: key},
		}, nil
	}
	if e.eosSignaled {
		e.eosSent = true
		e.eosCount++
		return core.EndOfStream(core.StreamVideo, pts.Microseconds()), nil
	}
	return nil, core.ErrTryAgainLater
}

func (e *VideoEncoder) SignalEndOfInputStream() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.eosSignaled = true
	return nil
}

func (e *VideoEncoder) Release() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.released = true
	return nil
}

// Frames returns the number of media units handed out.
func (e *VideoEncoder) Frames() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frames
}

// EOSCount returns how many end-of-stream units were handed out.
func (e *VideoEncoder) EOSCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.eosCount
}

// Released reports whether Release was called.
func (e *VideoEncoder) Released() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.released
}

// Surface counts frames written by a producer.
type Surface struct {
	mu     sync.Mutex
	frames int
}

func (s *Surface) WriteFrame([]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames++
	return nil
}

// Frames returns the number of frames written.
func (s *Surface) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}
