package codec

import (
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// frameStamps remembers when each frame was written to the surface,
// relative to the first one. The encoder emits exactly one access unit per
// input frame, in input order, so output units take the stamps in FIFO
// order.
type frameStamps struct {
	clock       clock.PassiveClock
	frameMicros int64

	mu      sync.Mutex
	origin  time.Time
	started bool
	queue   []int64
	last    int64
	issued  int64
}

func newFrameStamps(clk clock.PassiveClock, fps int) *frameStamps {
	if fps <= 0 {
		fps = 30
	}
	return &frameStamps{
		clock:       clk,
		frameMicros: int64(time.Second/time.Microsecond) / int64(fps),
	}
}

// mark records the stamp of a frame about to be written to the encoder.
// It is recorded before the write since the encoder may emit the unit
// before the write returns.
func (s *frameStamps) mark() {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.clock.Now()
	if !s.started {
		s.origin = t
		s.started = true
	}
	s.queue = append(s.queue, t.Sub(s.origin).Microseconds())
}

// next returns the stamp of the next output unit. Stamps never go
// backwards; without a recorded write the previous stamp advances by one
// frame period.
func (s *frameStamps) next() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ts int64
	switch {
	case len(s.queue) > 0:
		ts = s.queue[0]
		s.queue = s.queue[1:]
	case s.issued > 0:
		ts = s.last + s.frameMicros
	}
	if s.issued > 0 && ts <= s.last {
		ts = s.last + 1
	}
	s.last = ts
	s.issued++
	return ts
}

// end returns the stamp of the end-of-stream unit.
func (s *frameStamps) end() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.issued == 0 {
		return 0
	}
	return s.last + s.frameMicros
}
