package codectest

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/core"
)

// MicrophoneDevice opens Microphones that deliver silence at a fixed
// real-time interval.
type MicrophoneDevice struct {
	// OpenErr, if set, is returned by Open.
	OpenErr error
	// Interval between two reads. Defaults to one millisecond.
	Interval time.Duration

	mu     sync.Mutex
	opened []*Microphone
}

// Open implements core.MicrophoneDevice.
func (d *MicrophoneDevice) Open(format core.AudioFormat) (core.Microphone, error) {
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	interval := d.Interval
	if interval <= 0 {
		interval = time.Millisecond
	}
	m := &Microphone{interval: interval, closed: make(chan struct{})}
	d.mu.Lock()
	d.opened = append(d.opened, m)
	d.mu.Unlock()
	return m, nil
}

// Last returns the most recently opened microphone.
func (d *MicrophoneDevice) Last() *Microphone {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.opened) == 0 {
		return nil
	}
	return d.opened[len(d.opened)-1]
}

// Opened returns the number of Open calls that succeeded.
func (d *MicrophoneDevice) Opened() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.opened)
}

// Microphone is a fake capture handle.
type Microphone struct {
	interval  time.Duration
	reads     atomic.Int64
	failReads atomic.Int64
	closeOnce sync.Once
	closed    chan struct{}
}

// FailReads makes the next n reads fail with a transient error.
func (m *Microphone) FailReads(n int) {
	m.failReads.Store(int64(n))
}

// Read implements core.Microphone.
func (m *Microphone) Read(p []byte) (int, error) {
	select {
	case <-m.closed:
		return 0, io.EOF
	case <-time.After(m.interval):
	}
	if m.failReads.Load() > 0 {
		m.failReads.Add(-1)
		return 0, errTransientRead
	}
	clear(p)
	m.reads.Add(1)
	return len(p), nil
}

func (m *Microphone) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

// Reads returns the number of successful reads.
func (m *Microphone) Reads() int64 { return m.reads.Load() }

// Closed reports whether Close was called.
func (m *Microphone) Closed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

var errTransientRead = errors.New("transient read failure")
