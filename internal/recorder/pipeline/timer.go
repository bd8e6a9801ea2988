package pipeline

import (
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// DefaultFramePeriod paces the video drain loop ahead of a 30 fps producer.
const DefaultFramePeriod = 16 * time.Millisecond

// FrameTimer calls fire once per period until stopped. A stopped timer
// cannot be restarted.
type FrameTimer struct {
	clock  clock.WithTicker
	period time.Duration
	fire   func()

	mu      sync.Mutex
	started bool
	stopped bool
	stop    chan struct{}
	done    chan struct{}
}

// NewFrameTimer returns an idle timer.
func NewFrameTimer(clk clock.WithTicker, period time.Duration, fire func()) *FrameTimer {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if period <= 0 {
		period = DefaultFramePeriod
	}
	return &FrameTimer{
		clock:  clk,
		period: period,
		fire:   fire,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start begins ticking. It is a no-op on a running or stopped timer.
func (t *FrameTimer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started || t.stopped {
		return
	}
	t.started = true
	ticker := t.clock.NewTicker(t.period)
	go func() {
		defer close(t.done)
		defer ticker.Stop()
		for {
			select {
			case <-t.stop:
				return
			case <-ticker.C():
				t.fire()
			}
		}
	}()
}

// Stop cancels the timer and waits until fire is no longer running.
func (t *FrameTimer) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	started := t.started
	close(t.stop)
	t.mu.Unlock()

	if started {
		<-t.done
	}
}

// Running reports whether the timer is ticking.
func (t *FrameTimer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started && !t.stopped
}
