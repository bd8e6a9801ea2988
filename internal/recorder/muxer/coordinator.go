package muxer

import (
	"log/slog"
	"time"

	"k8s.io/utils/clock"

	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/core"
)

// Coordinator gates a ContainerWriter on the availability of both track
// descriptors and forwards units from the drain loops in arrival order.
//
// A Coordinator belongs to the goroutine that owns the encoders and is not
// safe for concurrent use.
type Coordinator struct {
	logger *slog.Logger
	writer ContainerWriter
	clock  clock.PassiveClock

	tracks    [len(core.Streams)]trackState
	started   bool
	startedAt time.Time
	finished  bool
}

type trackState struct {
	registered bool
	index      int
	ended      bool
	lastTS     int64
	samples    int64
}

// NewCoordinator wraps writer. The clock measures the recording duration.
func NewCoordinator(writer ContainerWriter, clk clock.PassiveClock, logger *slog.Logger) *Coordinator {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		logger: logger.With("component", "muxer"),
		writer: writer,
		clock:  clk,
	}
}

// RegisterTrack adds the track of desc.Stream to the container and returns
// its index. Once every stream is registered the writer is started.
// Registering a stream twice is a protocol violation.
func (c *Coordinator) RegisterTrack(desc core.TrackDescriptor) (int, error) {
	if int(desc.Stream) >= len(c.tracks) {
		return 0, core.NewError(core.KindProtocolViolation, "unknown stream %s", desc.Stream)
	}
	ts := &c.tracks[desc.Stream]
	if ts.registered {
		return 0, core.NewError(core.KindProtocolViolation, "%s format changed twice", desc.Stream)
	}
	if c.finished {
		return 0, core.NewError(core.KindProtocolViolation, "register %s after finalize", desc.Stream)
	}

	index, err := c.writer.AddTrack(desc)
	if err != nil {
		return 0, core.Wrap(core.KindDevice, err, "add "+desc.Stream.String()+" track")
	}
	ts.registered = true
	ts.index = index
	c.logger.Info("track registered", "stream", desc.Stream, "codec", desc.Codec, "index", index)

	for _, t := range c.tracks {
		if !t.registered {
			return index, nil
		}
	}
	if err := c.writer.Start(); err != nil {
		return index, core.Wrap(core.KindDevice, err, "start container writer")
	}
	c.started = true
	c.startedAt = c.clock.Now()
	c.logger.Info("muxer started")
	return index, nil
}

// Started reports whether the container writer accepts samples.
func (c *Coordinator) Started() bool { return c.started }

// Registered reports whether stream has a track.
func (c *Coordinator) Registered(stream core.StreamKind) bool {
	return int(stream) < len(c.tracks) && c.tracks[stream].registered
}

// TrackIndex returns the index assigned to stream.
func (c *Coordinator) TrackIndex(stream core.StreamKind) (int, bool) {
	if !c.Registered(stream) {
		return 0, false
	}
	return c.tracks[stream].index, true
}

// Ended reports whether the end-of-stream unit of stream was written.
func (c *Coordinator) Ended(stream core.StreamKind) bool {
	return int(stream) < len(c.tracks) && c.tracks[stream].ended
}

// Samples returns the number of media units written for stream.
func (c *Coordinator) Samples(stream core.StreamKind) int64 {
	if int(stream) >= len(c.tracks) {
		return 0
	}
	return c.tracks[stream].samples
}

// Duration is the time elapsed since the writer started.
func (c *Coordinator) Duration() time.Duration {
	if !c.started {
		return 0
	}
	return c.clock.Since(c.startedAt)
}

// Write forwards unit to the track at index. Writing before start, after the
// stream's end-of-stream unit or to an unknown track is a protocol violation.
func (c *Coordinator) Write(index int, unit *core.EncodedUnit) error {
	if !c.started {
		return core.NewError(core.KindProtocolViolation, "write to track %d before muxer start", index)
	}
	if c.finished {
		return core.NewError(core.KindProtocolViolation, "write to track %d after finalize", index)
	}
	stream, ok := c.streamByIndex(index)
	if !ok {
		return core.NewError(core.KindProtocolViolation, "write to unknown track %d", index)
	}
	ts := &c.tracks[stream]
	if ts.ended {
		return core.NewError(core.KindProtocolViolation, "write to %s track after end of stream", stream)
	}
	if unit.Stream != stream {
		return core.NewError(core.KindProtocolViolation, "%s unit written to %s track", unit.Stream, stream)
	}
	if unit.Flags.IsConfig {
		return core.NewError(core.KindProtocolViolation, "%s configuration unit written as sample", stream)
	}
	if unit.Flags.IsEndOfStream {
		ts.ended = true
		c.logger.Debug("stream ended", "stream", stream, "samples", ts.samples)
		return nil
	}

	if ts.samples > 0 && unit.TimestampMicros < ts.lastTS {
		c.logger.Warn("non monotonic timestamp clamped",
			"stream", stream, "timestamp", unit.TimestampMicros, "last", ts.lastTS)
		clamped := *unit
		clamped.TimestampMicros = ts.lastTS
		unit = &clamped
	}
	if err := c.writer.WriteSample(index, unit); err != nil {
		return core.Wrap(core.KindFinalize, err, "write "+stream.String()+" sample")
	}
	ts.lastTS = unit.TimestampMicros
	ts.samples++
	return nil
}

func (c *Coordinator) streamByIndex(index int) (core.StreamKind, bool) {
	for i, t := range c.tracks {
		if t.registered && t.index == index {
			return core.StreamKind(i), true
		}
	}
	return 0, false
}

// Finalize completes the container and returns the recorded duration.
func (c *Coordinator) Finalize() (time.Duration, error) {
	duration := c.Duration()
	if c.finished {
		return duration, core.NewError(core.KindProtocolViolation, "muxer finalized twice")
	}
	c.finished = true

	if !c.started {
		c.writer.Abort()
		return duration, core.NewError(core.KindFinalize, "muxer never started")
	}
	var total int64
	for _, t := range c.tracks {
		total += t.samples
	}
	if total == 0 {
		c.writer.Abort()
		return duration, core.NewError(core.KindFinalize, "no samples were written")
	}
	if err := c.writer.Finalize(); err != nil {
		c.writer.Abort()
		return duration, core.Wrap(core.KindFinalize, err, "finalize container")
	}
	c.logger.Info("muxer finalized",
		"duration", duration,
		"videoSamples", c.tracks[core.StreamVideo].samples,
		"audioSamples", c.tracks[core.StreamAudio].samples)
	return duration, nil
}

// Abort releases the writer without producing a file.
func (c *Coordinator) Abort() {
	if c.finished {
		return
	}
	c.finished = true
	if err := c.writer.Abort(); err != nil {
		c.logger.Warn("abort container writer", "error", err)
	}
}
