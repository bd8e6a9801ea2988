package codectest

import (
	"sync"
	"time"

	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/core"
)

// AudioEncoder turns every queued chunk into one AAC access unit. It can be
// stalled to simulate encoder backpressure.
type AudioEncoder struct {
	mu       sync.Mutex
	gate     chan struct{}
	output   []*core.EncodedUnit
	inputs   int
	eosIn    int
	eosOut   int
	eosSent  bool
	released bool
	inputErr error
}

// NewAudioEncoder returns an idle encoder.
func NewAudioEncoder() *AudioEncoder {
	return &AudioEncoder{}
}

// Stall makes QueueInput block until Resume is called.
func (e *AudioEncoder) Stall() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gate == nil {
		e.gate = make(chan struct{})
	}
}

// Resume releases a stalled encoder.
func (e *AudioEncoder) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gate != nil {
		close(e.gate)
		e.gate = nil
	}
}

// FailInput makes every following QueueInput return err.
func (e *AudioEncoder) FailInput(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inputErr = err
}

// QueueInput implements core.AudioEncoder.
func (e *AudioEncoder) QueueInput(chunk core.PCMChunk, ptsMicros int64) error {
	e.mu.Lock()
	gate := e.gate
	e.mu.Unlock()
	if gate != nil {
		<-gate
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return core.NewError(core.KindDevice, "input on released encoder")
	}
	if e.inputErr != nil {
		return e.inputErr
	}
	if e.inputs == 0 && e.eosIn == 0 {
		e.output = append(e.output, &core.EncodedUnit{
			Stream:  core.StreamAudio,
			Payload: append([]byte(nil), AudioConfig...),
			Flags:   core.UnitFlags{IsConfig: true},
		})
	}
	if chunk.IsEndOfStream {
		e.eosIn++
		if e.eosIn == 1 {
			e.output = append(e.output, core.EndOfStream(core.StreamAudio, ptsMicros))
		}
		return nil
	}
	e.inputs++
	e.output = append(e.output, &core.EncodedUnit{
		Stream:          core.StreamAudio,
		Payload:         append([]byte(nil), AACFrame...),
		TimestampMicros: ptsMicros,
		Flags:           core.UnitFlags{IsKeyFrame: true},
	})
	return nil
}

// Dequeue implements core.AudioEncoder.
func (e *AudioEncoder) Dequeue(time.Duration) (*core.EncodedUnit, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return nil, core.NewError(core.KindDevice, "dequeue on released encoder")
	}
	if len(e.output) == 0 {
		if e.eosSent {
			return nil, core.ErrEndOfStream
		}
		return nil, core.ErrTryAgainLater
	}
	u := e.output[0]
	e.output = e.output[1:]
	if u.Flags.IsEndOfStream {
		e.eosSent = true
		e.eosOut++
	}
	return u, nil
}

func (e *AudioEncoder) Release() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.released = true
	if e.gate != nil {
		close(e.gate)
		e.gate = nil
	}
	return nil
}

// Inputs returns the number of media chunks queued.
func (e *AudioEncoder) Inputs() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inputs
}

// EndOfStreamInputs returns how many end-of-stream chunks were queued.
func (e *AudioEncoder) EndOfStreamInputs() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.eosIn
}

// EOSCount returns how many end-of-stream units were handed out.
func (e *AudioEncoder) EOSCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.eosOut
}

// Released reports whether Release was called.
func (e *AudioEncoder) Released() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.released
}
