package pipeline

import (
	"log/slog"
	"sync"
	"time"
)

// Callback receives the asynchronous signals of a session. Methods are
// invoked from a dedicated goroutine, never from the caller of Start or
// Stop, and never concurrently.
type Callback interface {
	OnRecordSuccess(path, coverPath string, duration time.Duration)
	OnRecordFailed(err error, duration time.Duration)
	OnRecordedDurationChanged(duration time.Duration)
}

// CallbackFuncs adapts functions to Callback. Nil fields are skipped.
type CallbackFuncs struct {
	Success         func(path, coverPath string, duration time.Duration)
	Failed          func(err error, duration time.Duration)
	DurationChanged func(duration time.Duration)
}

func (f CallbackFuncs) OnRecordSuccess(path, coverPath string, duration time.Duration) {
	if f.Success != nil {
		f.Success(path, coverPath, duration)
	}
}

func (f CallbackFuncs) OnRecordFailed(err error, duration time.Duration) {
	if f.Failed != nil {
		f.Failed(err, duration)
	}
}

func (f CallbackFuncs) OnRecordedDurationChanged(duration time.Duration) {
	if f.DurationChanged != nil {
		f.DurationChanged(duration)
	}
}

const progressQueueSize = 8

// dispatcher delivers signals to a Callback on its own goroutine so a slow
// callback never stalls the actor. Progress events are dropped while the
// queue is full; the terminal event is always delivered, exactly once.
type dispatcher struct {
	cb     Callback
	logger *slog.Logger

	progress chan time.Duration
	terminal chan func(Callback)
	done     chan struct{}

	once    sync.Once
	dropped int
}

func newDispatcher(cb Callback, logger *slog.Logger) *dispatcher {
	if cb == nil {
		cb = CallbackFuncs{}
	}
	d := &dispatcher{
		cb:       cb,
		logger:   logger,
		progress: make(chan time.Duration, progressQueueSize),
		terminal: make(chan func(Callback), 1),
		done:     make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		select {
		case p := <-d.progress:
			d.cb.OnRecordedDurationChanged(p)
		case fn := <-d.terminal:
			// progress queued before the terminal event is stale
			for len(d.progress) > 0 {
				<-d.progress
			}
			fn(d.cb)
			return
		}
	}
}

// durationChanged queues a progress event. It never blocks.
func (d *dispatcher) durationChanged(duration time.Duration) {
	select {
	case <-d.done:
		return
	default:
	}
	select {
	case d.progress <- duration:
	default:
		d.dropped++
		d.logger.Debug("progress event dropped", "duration", duration, "dropped", d.dropped)
	}
}

// success and failed deliver the terminal event and wait until the
// callback returned. Only the first terminal event of a dispatcher counts.
func (d *dispatcher) success(path, coverPath string, duration time.Duration) bool {
	return d.finish(func(cb Callback) { cb.OnRecordSuccess(path, coverPath, duration) })
}

func (d *dispatcher) failed(err error, duration time.Duration) bool {
	return d.finish(func(cb Callback) { cb.OnRecordFailed(err, duration) })
}

func (d *dispatcher) finish(fn func(Callback)) bool {
	sent := false
	d.once.Do(func() {
		d.terminal <- fn
		sent = true
	})
	<-d.done
	return sent
}
