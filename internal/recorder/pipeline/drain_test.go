package pipeline

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/codec/codectest"
	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/core"
	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/h264"
	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/muxer"
)

// unitQueue is a scripted encoder output.
type unitQueue struct {
	units []*core.EncodedUnit
	err   error
	calls int
}

func (q *unitQueue) dequeue(time.Duration) (*core.EncodedUnit, error) {
	q.calls++
	if q.err != nil {
		return nil, q.err
	}
	if len(q.units) == 0 {
		return nil, core.ErrTryAgainLater
	}
	u := q.units[0]
	q.units = q.units[1:]
	return u, nil
}

func (q *unitQueue) push(units ...*core.EncodedUnit) { q.units = append(q.units, units...) }

func videoConfigUnit() *core.EncodedUnit {
	return &core.EncodedUnit{Stream: core.StreamVideo, Payload: codectest.VideoConfig(), Flags: core.UnitFlags{IsConfig: true}}
}

func audioConfigUnit() *core.EncodedUnit {
	return &core.EncodedUnit{Stream: core.StreamAudio, Payload: codectest.AudioConfig, Flags: core.UnitFlags{IsConfig: true}}
}

func videoUnit(ts int64) *core.EncodedUnit {
	return &core.EncodedUnit{Stream: core.StreamVideo, Payload: h264.Join(codectest.IDR), TimestampMicros: ts, Flags: core.UnitFlags{IsKeyFrame: true}}
}

func videoDeltaUnit(ts int64) *core.EncodedUnit {
	return &core.EncodedUnit{Stream: core.StreamVideo, Payload: h264.Join(codectest.PFrame), TimestampMicros: ts}
}

func audioUnit(ts int64) *core.EncodedUnit {
	return &core.EncodedUnit{Stream: core.StreamAudio, Payload: codectest.AACFrame, TimestampMicros: ts}
}

type drainFixture struct {
	writer *codectest.ContainerWriter
	coord  *muxer.Coordinator
	vq, aq *unitQueue
	video  *drainer
	audio  *drainer
}

func newDrainFixture(policy EarlyUnitPolicy, limit int) *drainFixture {
	o := defaultOptions()
	WithEarlyUnitPolicy(policy, limit)(&o)
	f := &drainFixture{
		writer: codectest.NewContainerWriter(),
		vq:     &unitQueue{},
		aq:     &unitQueue{},
	}
	f.coord = muxer.NewCoordinator(f.writer, clocktesting.NewFakePassiveClock(time.Unix(0, 0)), testLogger())
	f.video = newDrainer(core.StreamVideo, f.vq.dequeue, f.coord, &o, testLogger())
	f.audio = newDrainer(core.StreamAudio, f.aq.dequeue, f.coord, &o, testLogger())
	flush := func() error {
		if err := f.video.flush(); err != nil {
			return err
		}
		return f.audio.flush()
	}
	f.video.onStart = flush
	f.audio.onStart = flush
	return f
}

func TestDrainer_ConfigRegistersTrackWithFormat(t *testing.T) {
	f := newDrainFixture(EarlyUnitsDrop, 0)
	f.vq.push(videoConfigUnit())
	f.aq.push(audioConfigUnit())

	require.NoError(t, f.video.drainAvailable(0))
	assert.Zero(t, f.writer.Starts())
	require.NoError(t, f.audio.drainAvailable(0))
	assert.Equal(t, 1, f.writer.Starts())

	tracks := f.writer.Tracks()
	require.Len(t, tracks, 2)
	assert.Equal(t, core.CodecH264, tracks[0].Codec)
	assert.Positive(t, tracks[0].Width)
	assert.Positive(t, tracks[0].Height)
	assert.Equal(t, core.CodecAAC, tracks[1].Codec)
	assert.Equal(t, 44100, tracks[1].SampleRate)
	assert.Equal(t, 2, tracks[1].Channels)
}

func TestDrainer_DropsEarlyUnits(t *testing.T) {
	f := newDrainFixture(EarlyUnitsDrop, 0)
	f.aq.push(audioConfigUnit(), audioUnit(0), audioUnit(23219), audioUnit(46439))
	require.NoError(t, f.audio.drainAvailable(0))
	assert.EqualValues(t, 3, f.audio.dropped)

	f.vq.push(videoConfigUnit(), videoUnit(0))
	require.NoError(t, f.video.drainAvailable(0))
	f.aq.push(audioUnit(69659))
	require.NoError(t, f.audio.drainAvailable(0))

	assert.Len(t, f.writer.Samples(core.StreamVideo), 1)
	audio := f.writer.Samples(core.StreamAudio)
	require.Len(t, audio, 1)
	assert.EqualValues(t, 69659, audio[0].TimestampMicros)
}

func TestDrainer_BuffersEarlyUnitsUpToLimit(t *testing.T) {
	f := newDrainFixture(EarlyUnitsBuffer, 2)
	f.aq.push(audioConfigUnit(), audioUnit(1), audioUnit(2), audioUnit(3))
	require.NoError(t, f.audio.drainAvailable(0))
	assert.EqualValues(t, 1, f.audio.dropped)

	f.vq.push(videoConfigUnit())
	require.NoError(t, f.video.drainAvailable(0))

	audio := f.writer.Samples(core.StreamAudio)
	require.Len(t, audio, 2)
	assert.EqualValues(t, 2, audio[0].TimestampMicros)
	assert.EqualValues(t, 3, audio[1].TimestampMicros)
}

func TestDrainer_FormatChangedTwice(t *testing.T) {
	f := newDrainFixture(EarlyUnitsDrop, 0)
	f.vq.push(videoConfigUnit(), videoConfigUnit())

	err := f.video.drainAvailable(0)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindProtocolViolation))
	assert.Contains(t, err.Error(), "format changed twice")
}

func TestDrainer_RejectsForeignStream(t *testing.T) {
	f := newDrainFixture(EarlyUnitsDrop, 0)
	f.vq.push(audioUnit(0))
	assert.True(t, core.IsKind(f.video.drainAvailable(0), core.KindProtocolViolation))
}

func TestDrainer_BadConfigIsDeviceError(t *testing.T) {
	f := newDrainFixture(EarlyUnitsDrop, 0)
	f.aq.push(&core.EncodedUnit{Stream: core.StreamAudio, Flags: core.UnitFlags{IsConfig: true}})
	assert.True(t, core.IsKind(f.audio.drainAvailable(0), core.KindDevice))
}

func TestDrainer_EndOfStreamOnce(t *testing.T) {
	f := newDrainFixture(EarlyUnitsDrop, 0)
	f.vq.push(videoConfigUnit())
	f.aq.push(audioConfigUnit())
	require.NoError(t, f.video.drainAvailable(0))
	require.NoError(t, f.audio.drainAvailable(0))

	f.vq.push(videoUnit(0), core.EndOfStream(core.StreamVideo, 33333), videoUnit(66666))
	require.NoError(t, f.video.drainToEnd(time.Millisecond, time.Second))
	assert.True(t, f.video.ended)
	assert.True(t, f.coord.Ended(core.StreamVideo))

	calls := f.vq.calls
	got, err := f.video.pollOnce(time.Millisecond)
	require.NoError(t, err)
	assert.False(t, got)
	assert.Equal(t, calls, f.vq.calls, "no dequeue after end of stream")
	assert.Len(t, f.vq.units, 1)
}

func TestDrainer_DrainToEndIsBounded(t *testing.T) {
	f := newDrainFixture(EarlyUnitsDrop, 0)
	err := f.audio.drainToEnd(10*time.Millisecond, 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindFinalize))
	assert.Equal(t, 5, f.aq.calls)
}

func TestDrainer_DequeueErrors(t *testing.T) {
	f := newDrainFixture(EarlyUnitsDrop, 0)
	f.vq.err = errors.New("codec crashed")
	err := f.video.drainAvailable(0)
	assert.True(t, core.IsKind(err, core.KindDevice))

	f.aq.err = core.ErrEndOfStream
	require.NoError(t, f.audio.drainAvailable(0))
	assert.True(t, f.audio.ended)
}

func TestDrainer_EndBeforeMuxerStart(t *testing.T) {
	f := newDrainFixture(EarlyUnitsBuffer, 4)
	f.aq.push(audioConfigUnit(), audioUnit(0), core.EndOfStream(core.StreamAudio, 23219))
	require.NoError(t, f.audio.drainToEnd(time.Millisecond, time.Second))
	assert.True(t, f.audio.ended)
	assert.Empty(t, f.audio.pending)
	assert.Zero(t, f.writer.Starts())
}

func TestDrainer_KeepsOpeningKeyFrameWhenVideoRegistersFirst(t *testing.T) {
	f := newDrainFixture(EarlyUnitsDrop, 0)
	f.vq.push(videoConfigUnit(), videoUnit(0), videoDeltaUnit(33333), videoDeltaUnit(66666))
	require.NoError(t, f.video.drainAvailable(0))
	assert.Zero(t, f.writer.Starts())
	assert.Zero(t, f.video.dropped)

	f.aq.push(audioConfigUnit())
	require.NoError(t, f.audio.drainAvailable(0))
	require.Equal(t, 1, f.writer.Starts())

	video := f.writer.Samples(core.StreamVideo)
	require.Len(t, video, 3)
	assert.True(t, video[0].Flags.IsKeyFrame)
	assert.EqualValues(t, 0, video[0].TimestampMicros)
	assert.EqualValues(t, 66666, video[2].TimestampMicros)
}

func TestDrainer_EarlyRunRestartsAtEachKeyFrame(t *testing.T) {
	f := newDrainFixture(EarlyUnitsDrop, 3)
	f.vq.push(videoConfigUnit(), videoDeltaUnit(0), videoUnit(1), videoDeltaUnit(2), videoUnit(3), videoDeltaUnit(4))
	require.NoError(t, f.video.drainAvailable(0))
	assert.EqualValues(t, 3, f.video.dropped)

	// past the limit the whole run goes
	f.vq.push(videoDeltaUnit(5), videoDeltaUnit(6))
	require.NoError(t, f.video.drainAvailable(0))
	assert.Empty(t, f.video.pending)
	assert.EqualValues(t, 7, f.video.dropped)

	f.vq.push(videoUnit(7), videoDeltaUnit(8))
	require.NoError(t, f.video.drainAvailable(0))
	f.aq.push(audioConfigUnit())
	require.NoError(t, f.audio.drainAvailable(0))

	video := f.writer.Samples(core.StreamVideo)
	require.Len(t, video, 2)
	assert.True(t, video[0].Flags.IsKeyFrame)
	assert.EqualValues(t, 7, video[0].TimestampMicros)
}

func TestDrainer_VideoWaitsForKeyFrameAfterStart(t *testing.T) {
	f := newDrainFixture(EarlyUnitsBuffer, 2)
	f.vq.push(videoConfigUnit(), videoUnit(0), videoDeltaUnit(1), videoDeltaUnit(2))
	require.NoError(t, f.video.drainAvailable(0))
	f.aq.push(audioConfigUnit())
	require.NoError(t, f.audio.drainAvailable(0))
	assert.Empty(t, f.writer.Samples(core.StreamVideo), "the buffer lost its key frame")

	f.vq.push(videoDeltaUnit(3), videoUnit(4), videoDeltaUnit(5))
	require.NoError(t, f.video.drainAvailable(0))

	video := f.writer.Samples(core.StreamVideo)
	require.Len(t, video, 2)
	assert.True(t, video[0].Flags.IsKeyFrame)
	assert.EqualValues(t, 4, video[0].TimestampMicros)
	assert.EqualValues(t, 4, f.video.dropped)
}
