package pipeline

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/pkg/errors"

	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/core"
	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/h264"
	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/muxer"
	"github.com/babelcloud/gbox/packages/recorder/internal/util"
)

// EarlyUnitPolicy decides what happens to media units an encoder produces
// before the muxer has started.
type EarlyUnitPolicy string

const (
	// EarlyUnitsDrop discards early units with a warning. A stream that
	// must open with a key frame keeps its latest key frame led run of
	// units instead, up to the limit.
	EarlyUnitsDrop EarlyUnitPolicy = "drop"
	// EarlyUnitsBuffer keeps up to a bounded number of early units per
	// stream and writes them, in order, once the muxer starts.
	EarlyUnitsBuffer EarlyUnitPolicy = "buffer"
)

const (
	// DefaultEarlyUnitLimit bounds the per stream buffer of early units.
	DefaultEarlyUnitLimit = 64
	dropWarnInterval      = time.Second
)

// drainer moves the output of one encoder into the muxer coordinator.
type drainer struct {
	stream   core.StreamKind
	dequeue  func(timeout time.Duration) (*core.EncodedUnit, error)
	describe func(*core.EncodedUnit) (core.TrackDescriptor, error)
	coord    *muxer.Coordinator
	logger   *slog.Logger

	policy  EarlyUnitPolicy
	limit   int
	pending []*core.EncodedUnit

	// keyed streams must open with a key frame; awaitKey holds until the
	// first one was written.
	keyed    bool
	awaitKey bool

	// onStart runs once the registration of this stream started the muxer.
	onStart func() error

	ended    bool
	units    int64
	dropped  int64
	lastWarn atomic.Int64
}

func newDrainer(stream core.StreamKind, dequeue func(time.Duration) (*core.EncodedUnit, error), coord *muxer.Coordinator, opts *options, logger *slog.Logger) *drainer {
	d := &drainer{
		stream:  stream,
		dequeue: dequeue,
		coord:   coord,
		logger:  logger.With("stream", stream.String()),
		policy:  opts.earlyUnitPolicy,
		limit:   opts.earlyUnitLimit,
	}
	if d.limit <= 0 {
		d.limit = DefaultEarlyUnitLimit
	}
	switch stream {
	case core.StreamVideo:
		d.describe = describeVideo
		d.keyed = true
		d.awaitKey = true
	default:
		d.describe = describeAudio
	}
	return d
}

// pollOnce dequeues at most one unit, waiting up to timeout. It reports
// whether a unit was handled.
func (d *drainer) pollOnce(timeout time.Duration) (bool, error) {
	if d.ended {
		return false, nil
	}
	unit, err := d.dequeue(timeout)
	switch {
	case err == nil:
	case errors.Is(err, core.ErrTryAgainLater):
		return false, nil
	case errors.Is(err, core.ErrEndOfStream):
		d.logger.Warn("encoder ended without an end of stream unit")
		d.ended = true
		return false, nil
	default:
		if _, classified := core.KindOf(err); classified {
			return false, err
		}
		return false, core.Wrap(core.KindDevice, err, "dequeue "+d.stream.String())
	}
	return true, d.handle(unit)
}

// drainAvailable handles every unit the encoder has ready. Only the first
// poll waits.
func (d *drainer) drainAvailable(timeout time.Duration) error {
	for !d.ended {
		got, err := d.pollOnce(timeout)
		if err != nil {
			return err
		}
		if !got {
			return nil
		}
		timeout = 0
	}
	return nil
}

// drainToEnd polls until the end-of-stream unit was handled. It gives up
// after bound worth of consecutive empty polls.
func (d *drainer) drainToEnd(pollTimeout, bound time.Duration) error {
	if pollTimeout <= 0 {
		pollTimeout = DefaultPollTimeout
	}
	limit := int(bound / pollTimeout)
	if limit < 1 {
		limit = 1
	}
	empty := 0
	for !d.ended {
		got, err := d.pollOnce(pollTimeout)
		if err != nil {
			return err
		}
		if got {
			empty = 0
			continue
		}
		empty++
		if empty >= limit {
			return core.NewError(core.KindFinalize, "%s stream did not end within %s", d.stream, bound)
		}
	}
	return nil
}

func (d *drainer) handle(unit *core.EncodedUnit) error {
	if unit.Stream != d.stream {
		return core.NewError(core.KindProtocolViolation, "%s unit from the %s encoder", unit.Stream, d.stream)
	}

	switch {
	case unit.Flags.IsConfig:
		if d.coord.Registered(d.stream) {
			return core.NewError(core.KindProtocolViolation, "%s format changed twice", d.stream)
		}
		desc, err := d.describe(unit)
		if err != nil {
			return core.Wrap(core.KindDevice, err, "describe "+d.stream.String()+" track")
		}
		if _, err := d.coord.RegisterTrack(desc); err != nil {
			return err
		}
		if d.coord.Started() && d.onStart != nil {
			return d.onStart()
		}
		return nil

	case unit.Flags.IsEndOfStream:
		d.ended = true
		if !d.coord.Started() {
			d.logger.Warn("stream ended before the muxer started", "dropped", d.dropped+int64(len(d.pending)))
			d.pending = nil
			return nil
		}
		if err := d.flush(); err != nil {
			return err
		}
		return d.write(unit)
	}

	if !d.coord.Started() {
		d.early(unit)
		return nil
	}
	return d.writeMedia(unit)
}

func (d *drainer) early(unit *core.EncodedUnit) {
	switch {
	case d.policy == EarlyUnitsBuffer:
		if len(d.pending) >= d.limit {
			d.pending[0] = nil
			d.pending = d.pending[1:]
			d.dropped++
		}
		d.pending = append(d.pending, unit)
		return

	case d.keyed && unit.Flags.IsKeyFrame:
		d.dropped += int64(len(d.pending))
		d.pending = append(d.pending[:0], unit)
		return

	case d.keyed && len(d.pending) > 0:
		if len(d.pending) < d.limit {
			d.pending = append(d.pending, unit)
			return
		}
		// the run no longer fits, wait for the next key frame
		d.dropped += int64(len(d.pending))
		d.pending = nil
	}
	d.dropped++
	if util.ShouldLog(&d.lastWarn, dropWarnInterval) {
		d.logger.Warn("muxer not started, dropping unit", "timestamp", unit.TimestampMicros, "dropped", d.dropped)
	}
}

// writeMedia writes a media unit. A keyed stream drops units until its
// first key frame.
func (d *drainer) writeMedia(unit *core.EncodedUnit) error {
	if d.awaitKey {
		if !unit.Flags.IsKeyFrame {
			d.dropped++
			if util.ShouldLog(&d.lastWarn, dropWarnInterval) {
				d.logger.Warn("waiting for a key frame, dropping unit", "timestamp", unit.TimestampMicros, "dropped", d.dropped)
			}
			return nil
		}
		d.awaitKey = false
	}
	d.units++
	return d.write(unit)
}

// flush writes the buffered early units.
func (d *drainer) flush() error {
	if len(d.pending) == 0 {
		return nil
	}
	d.logger.Debug("writing buffered units", "count", len(d.pending))
	pending := d.pending
	d.pending = nil
	for _, u := range pending {
		if err := d.writeMedia(u); err != nil {
			return err
		}
	}
	return nil
}

func (d *drainer) write(unit *core.EncodedUnit) error {
	index, ok := d.coord.TrackIndex(d.stream)
	if !ok {
		return core.NewError(core.KindProtocolViolation, "%s unit without a registered track", d.stream)
	}
	return d.coord.Write(index, unit)
}

func describeVideo(unit *core.EncodedUnit) (core.TrackDescriptor, error) {
	desc := core.DescriptorFromConfig(unit, core.CodecH264)
	sps, _, err := h264.ParameterSets(unit.Payload)
	if err != nil {
		return desc, err
	}
	if desc.Width, desc.Height, err = h264.Dimensions(sps); err != nil {
		return desc, err
	}
	return desc, nil
}

func describeAudio(unit *core.EncodedUnit) (core.TrackDescriptor, error) {
	desc := core.DescriptorFromConfig(unit, core.CodecAAC)
	var conf mpeg4audio.AudioSpecificConfig
	if err := conf.Unmarshal(unit.Payload); err != nil {
		return desc, err
	}
	desc.SampleRate = conf.SampleRate
	desc.Channels = conf.ChannelCount
	return desc, nil
}
