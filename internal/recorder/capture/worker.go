// Package capture reads PCM audio from a microphone on a dedicated
// goroutine and hands fixed-size chunks to the recorder's mailbox.
package capture

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/core"
	"github.com/babelcloud/gbox/packages/recorder/internal/util"
)

const (
	minBackoff   = 5 * time.Millisecond
	maxBackoff   = 100 * time.Millisecond
	warnInterval = time.Second
	// DefaultJoinGrace bounds how long Wait lets a blocked read finish before
	// the microphone is closed under it.
	DefaultJoinGrace = 2 * time.Second
)

// PostFunc hands a chunk to its consumer. It must not block and returns
// false once the consumer is gone.
type PostFunc func(core.PCMChunk) bool

// Worker owns one microphone handle for the lifetime of a session.
type Worker struct {
	device    core.MicrophoneDevice
	format    core.AudioFormat
	post      PostFunc
	logger    *slog.Logger
	JoinGrace time.Duration

	started  atomic.Bool
	stopping atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	micMu     sync.Mutex
	mic       core.Microphone
	closeOnce sync.Once

	reads      atomic.Int64
	readErrors atomic.Int64
	lastWarn   atomic.Int64
}

// NewWorker returns a worker that will read chunks of format.ChunkSize()
// bytes from a microphone opened on device.
func NewWorker(device core.MicrophoneDevice, format core.AudioFormat, post PostFunc, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		device:    device,
		format:    format,
		post:      post,
		logger:    logger.With("component", "audio_capture"),
		JoinGrace: DefaultJoinGrace,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start opens the microphone on the worker goroutine and returns once the
// open has succeeded or failed. A failed open leaves the worker finished.
func (w *Worker) Start() error {
	if !w.started.CompareAndSwap(false, true) {
		return core.NewError(core.KindProtocolViolation, "audio capture started twice")
	}
	opened := make(chan error, 1)
	go w.run(opened)
	return <-opened
}

func (w *Worker) run(opened chan<- error) {
	defer close(w.done)

	mic, err := w.device.Open(w.format)
	if err != nil {
		opened <- core.Wrap(core.KindDevice, err, "open microphone")
		return
	}
	w.micMu.Lock()
	w.mic = mic
	w.micMu.Unlock()
	opened <- nil
	defer w.closeMic()

	w.logger.Debug("audio capture started",
		"sampleRate", w.format.SampleRate, "channels", w.format.Channels, "chunkSize", w.format.ChunkSize())
	w.loop(mic)
}

func (w *Worker) loop(mic core.Microphone) {
	size := w.format.ChunkSize()
	backoff := minBackoff

	for !w.stopping.Load() {
		buf := make([]byte, size)
		n, err := io.ReadFull(mic, buf)
		if err == nil {
			w.reads.Add(1)
			backoff = minBackoff
			if !w.post(core.PCMChunk{Bytes: buf, Length: n}) {
				w.logger.Debug("mailbox closed, audio capture exits")
				return
			}
			continue
		}

		if w.stopping.Load() || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			// The final chunk carries whatever was read before the device ended.
			w.finish(buf, n)
			return
		}

		w.readErrors.Add(1)
		if util.ShouldLog(&w.lastWarn, warnInterval) {
			w.logger.Warn("microphone read failed, retrying", "error", err, "failures", w.readErrors.Load())
		}
		select {
		case <-w.stopCh:
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
	w.finish(nil, 0)
}

func (w *Worker) finish(buf []byte, n int) {
	if !w.post(core.PCMChunk{Bytes: buf, Length: n, IsEndOfStream: true}) {
		w.logger.Debug("mailbox closed before end of stream chunk")
		return
	}
	w.logger.Debug("audio capture finished", "reads", w.reads.Load(), "readErrors", w.readErrors.Load())
}

func (w *Worker) closeMic() {
	w.closeOnce.Do(func() {
		w.micMu.Lock()
		mic := w.mic
		w.micMu.Unlock()
		if mic == nil {
			return
		}
		if err := mic.Close(); err != nil {
			w.logger.Warn("close microphone", "error", err)
		}
	})
}

// Stop asks the worker to finish after the read in progress. It does not
// wait; use Wait to join.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.stopping.Store(true)
		close(w.stopCh)
	})
}

// Wait joins the worker goroutine. If a read is still blocked after
// JoinGrace the microphone is closed to release it.
func (w *Worker) Wait() {
	if !w.started.Load() {
		return
	}
	grace := w.JoinGrace
	if grace <= 0 {
		grace = DefaultJoinGrace
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-w.done:
		return
	case <-timer.C:
	}
	w.logger.Warn("microphone read still blocked, closing device", "grace", grace)
	w.closeMic()
	<-w.done
}

// Done is closed once the worker goroutine has exited.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Reads returns the number of complete chunks read.
func (w *Worker) Reads() int64 { return w.reads.Load() }

// ReadErrors returns the number of failed reads.
func (w *Worker) ReadErrors() int64 { return w.readErrors.Load() }
