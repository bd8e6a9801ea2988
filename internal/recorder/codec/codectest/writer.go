package codectest

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/core"
)

// ContainerWriter records the calls a muxer makes. It is safe for
// concurrent inspection while a pipeline writes to it.
type ContainerWriter struct {
	// FinalizeErr, if set, is returned by Finalize.
	FinalizeErr error

	mu        sync.Mutex
	tracks    []core.TrackDescriptor
	starts    int
	samples   map[int][]core.EncodedUnit
	finalized int
	aborted   int
}

// NewContainerWriter returns an empty recorder.
func NewContainerWriter() *ContainerWriter {
	return &ContainerWriter{samples: make(map[int][]core.EncodedUnit)}
}

func (w *ContainerWriter) AddTrack(desc core.TrackDescriptor) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.starts > 0 {
		return 0, errors.New("track added after start")
	}
	w.tracks = append(w.tracks, desc)
	return len(w.tracks) - 1, nil
}

func (w *ContainerWriter) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.starts++
	return nil
}

func (w *ContainerWriter) WriteSample(track int, unit *core.EncodedUnit) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.starts == 0 {
		return errors.New("sample written before start")
	}
	w.samples[track] = append(w.samples[track], *unit)
	return nil
}

func (w *ContainerWriter) Finalize() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.finalized++
	return w.FinalizeErr
}

func (w *ContainerWriter) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.aborted++
	return nil
}

// Tracks returns the registered descriptors in registration order.
func (w *ContainerWriter) Tracks() []core.TrackDescriptor {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]core.TrackDescriptor(nil), w.tracks...)
}

// Starts returns how often Start was called.
func (w *ContainerWriter) Starts() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.starts
}

// Samples returns the units written to the track of stream.
func (w *ContainerWriter) Samples(stream core.StreamKind) []core.EncodedUnit {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, t := range w.tracks {
		if t.Stream == stream {
			return append([]core.EncodedUnit(nil), w.samples[i]...)
		}
	}
	return nil
}

// Finalized returns how often Finalize was called.
func (w *ContainerWriter) Finalized() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.finalized
}

// Aborted returns how often Abort was called.
func (w *ContainerWriter) Aborted() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.aborted
}
