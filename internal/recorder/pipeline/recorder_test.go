package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/codec/codectest"
	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/core"
	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/muxer"
)

const testTick = 16 * time.Millisecond

func testConfig(path string) Config {
	return Config{
		OutputPath: path,
		Width:      360,
		Height:     640,
		BitRate:    1_000_000,
		CropTop:    0.05,
		CropBottom: 0.03,
	}
}

type coverFunc func(ctx context.Context, path string) (string, error)

func (f coverFunc) Extract(ctx context.Context, path string) (string, error) { return f(ctx, path) }

// fixture wires a Recorder to fake encoders, a fake microphone and either
// a fake or a real container writer.
type fixture struct {
	t     *testing.T
	clock *clocktesting.FakeClock
	mic   *codectest.MicrophoneDevice
	cb    *recordingCallback
	rec   *Recorder

	// realWriter makes sessions write actual files.
	realWriter bool
	// newVideo customizes each video encoder.
	newVideo func(*codectest.VideoEncoder)

	mu     sync.Mutex
	video  *codectest.VideoEncoder
	audio  *codectest.AudioEncoder
	writer *codectest.ContainerWriter
}

func newFixture(t *testing.T, configure func(*fixture), opts ...Option) *fixture {
	f := &fixture{
		t:     t,
		clock: clocktesting.NewFakeClock(time.Unix(1_700_000_000, 0)),
		mic:   &codectest.MicrophoneDevice{Interval: 2 * time.Millisecond},
		cb:    &recordingCallback{},
	}
	if configure != nil {
		configure(f)
	}
	platform := Platform{
		NewVideoEncoder: func(format core.VideoFormat) (core.VideoEncoder, error) {
			enc := codectest.NewVideoEncoder(f.clock, format)
			if f.newVideo != nil {
				f.newVideo(enc)
			}
			f.mu.Lock()
			f.video = enc
			f.mu.Unlock()
			return enc, nil
		},
		NewAudioEncoder: func(core.AudioFormat) (core.AudioEncoder, error) {
			enc := codectest.NewAudioEncoder()
			f.mu.Lock()
			f.audio = enc
			f.mu.Unlock()
			return enc, nil
		},
		Microphone: f.mic,
		NewWriter: func(format, path string) (muxer.ContainerWriter, error) {
			if f.realWriter {
				return muxer.NewWriter(format, path, testLogger())
			}
			w := codectest.NewContainerWriter()
			f.mu.Lock()
			f.writer = w
			f.mu.Unlock()
			return w, nil
		},
	}
	opts = append([]Option{WithClock(f.clock), WithLogger(testLogger()), WithFramePeriod(testTick)}, opts...)
	f.rec = New(platform, opts...)
	return f
}

func (f *fixture) videoEncoder() *codectest.VideoEncoder {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.video
}

func (f *fixture) audioEncoder() *codectest.AudioEncoder {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.audio
}

func (f *fixture) containerWriter() *codectest.ContainerWriter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writer
}

func (f *fixture) session() *session {
	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	return f.rec.sess
}

// start begins a session and waits until it is recording.
func (f *fixture) start(cfg Config) {
	f.t.Helper()
	require.NoError(f.t, f.rec.Start(cfg, f.cb))
	require.Eventually(f.t, func() bool { return f.rec.State() == StateRecording }, 2*time.Second, time.Millisecond)
}

// step advances the clock by n frame periods, waiting for the actor to
// handle each tick.
func (f *fixture) step(n int) {
	f.t.Helper()
	s := f.session()
	for i := 0; i < n; i++ {
		before := s.ticks.Load()
		f.clock.Step(testTick)
		require.Eventually(f.t, func() bool { return s.ticks.Load() > before }, 2*time.Second, time.Millisecond)
	}
}

func (f *fixture) waitMuxerStarted() {
	f.t.Helper()
	s := f.session()
	require.Eventually(f.t, s.muxerStarted.Load, 2*time.Second, time.Millisecond)
}

// wait returns the session result once the terminal callback returned.
func (f *fixture) wait() (Result, error) {
	f.t.Helper()
	s := f.session()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := f.rec.Wait(ctx)
	if s != nil {
		select {
		case <-s.disp.done:
		case <-ctx.Done():
			f.t.Fatal("terminal callback did not return")
		}
	}
	return res, err
}

func TestRecorder_RecordsTwoSeconds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.mp4")
	var coverCalls int
	f := newFixture(t, func(f *fixture) { f.realWriter = true })
	f.rec.platform.Cover = coverFunc(func(_ context.Context, p string) (string, error) {
		coverCalls++
		return p + ".jpg", nil
	})

	f.start(testConfig(path))
	f.step(1)
	f.waitMuxerStarted()
	f.step(125)
	f.rec.Stop()

	res, err := f.wait()
	require.NoError(t, err)
	assert.Equal(t, StateFinalized, f.rec.State())
	assert.Equal(t, path, res.Path)
	assert.Equal(t, path+".jpg", res.CoverPath)
	assert.Equal(t, 1, coverCalls)
	assert.Equal(t, 2000*time.Millisecond, res.Duration)

	successes, failures, progress := f.cb.snapshot()
	require.Len(t, successes, 1)
	assert.Empty(t, failures)
	assert.Equal(t, path, successes[0].Path)
	assert.Equal(t, res.Duration, successes[0].Duration)
	assert.NotEmpty(t, progress)
	for i := 1; i < len(progress); i++ {
		assert.Greater(t, progress[i], progress[i-1])
	}

	summary, err := muxer.Inspect(path)
	require.NoError(t, err)
	require.Len(t, summary.Tracks, 2)
	assert.Positive(t, summary.Tracks[0].Samples)
	assert.Positive(t, summary.Tracks[1].Samples)

	select {
	case got := <-f.rec.Done():
		assert.Equal(t, res, got)
	default:
		t.Fatal("no result on Done")
	}
}

func TestRecorder_StartStopYieldsOneTerminalSignal(t *testing.T) {
	for i := 0; i < 5; i++ {
		f := newFixture(t, nil)
		require.NoError(t, f.rec.Start(testConfig("/tmp/out.mp4"), f.cb))
		f.rec.Stop()

		_, _ = f.wait()
		assert.Equal(t, 1, f.cb.terminal())
		assert.True(t, f.rec.State().Terminal())
	}
}

func TestRecorder_WriterNeedsBothTracks(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.newVideo = func(e *codectest.VideoEncoder) { e.WithoutConfig() }
	})
	f.start(testConfig("/tmp/out.mp4"))
	f.step(30)
	require.Eventually(t, func() bool { return f.audioEncoder().Inputs() > 10 }, 2*time.Second, time.Millisecond)
	assert.Zero(t, f.containerWriter().Starts())

	f.rec.Stop()
	_, err := f.wait()
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindFinalize))
	assert.Zero(t, f.containerWriter().Starts())
	assert.Equal(t, 1, f.containerWriter().Aborted())
	assert.Equal(t, StateFailed, f.rec.State())
}

func TestRecorder_DrainsEachStreamToEndOnce(t *testing.T) {
	f := newFixture(t, nil)
	f.start(testConfig("/tmp/out.mp4"))
	f.step(1)
	f.waitMuxerStarted()
	f.step(20)
	f.rec.Stop()

	_, err := f.wait()
	require.NoError(t, err)

	video, audio := f.videoEncoder(), f.audioEncoder()
	assert.Equal(t, 1, video.EOSCount())
	assert.Equal(t, 1, audio.EOSCount())
	assert.Equal(t, 1, audio.EndOfStreamInputs())
	assert.True(t, video.Released())
	assert.True(t, audio.Released())
	assert.True(t, f.mic.Last().Closed())

	w := f.containerWriter()
	assert.Equal(t, 1, w.Starts())
	assert.Equal(t, 1, w.Finalized())
	assert.Zero(t, w.Aborted())
	for _, stream := range core.Streams {
		samples := w.Samples(stream)
		require.NotEmpty(t, samples, stream.String())
		for i, s := range samples {
			assert.False(t, s.Flags.IsEndOfStream)
			assert.False(t, s.Flags.IsConfig)
			if i > 0 {
				assert.GreaterOrEqual(t, s.TimestampMicros, samples[i-1].TimestampMicros)
			}
		}
	}
}

func TestRecorder_VideoOpensWithKeyFrameWhenAudioIsLate(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.mic.Interval = 500 * time.Millisecond
		f.newVideo = func(e *codectest.VideoEncoder) { e.KeyFrameInterval(150) }
	})
	f.start(testConfig("/tmp/out.mp4"))
	f.step(10)
	require.Positive(t, f.videoEncoder().Frames())
	assert.Zero(t, f.containerWriter().Starts(), "audio has not registered yet")

	f.waitMuxerStarted()
	f.step(10)
	f.rec.Stop()
	_, err := f.wait()
	require.NoError(t, err)

	video := f.containerWriter().Samples(core.StreamVideo)
	require.NotEmpty(t, video)
	assert.True(t, video[0].Flags.IsKeyFrame)
	assert.EqualValues(t, 0, video[0].TimestampMicros)
}

func TestRecorder_MicrophoneKeepsReadingWhileEncoderStalls(t *testing.T) {
	f := newFixture(t, nil)
	f.start(testConfig("/tmp/out.mp4"))
	f.step(1)
	f.waitMuxerStarted()

	audio := f.audioEncoder()
	mic := f.mic.Last()
	audio.Stall()
	require.Eventually(t, func() bool { return f.session().mb.len() >= 2 }, 2*time.Second, time.Millisecond)
	inputs, reads := audio.Inputs(), mic.Reads()

	require.Eventually(t, func() bool { return mic.Reads() >= reads+25 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, inputs, audio.Inputs(), "the encoder is stalled")
	assert.Greater(t, f.session().mb.len(), 20, "chunks wait in the mailbox")

	audio.Resume()
	f.rec.Stop()
	_, err := f.wait()
	require.NoError(t, err)
	assert.EqualValues(t, mic.Reads(), audio.Inputs(), "every chunk read reached the encoder")
}

func TestRecorder_MicrophoneOpenFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.mp4")
	f := newFixture(t, func(f *fixture) {
		f.realWriter = true
		f.mic.OpenErr = errors.New("microphone busy")
	})
	require.NoError(t, f.rec.Start(testConfig(path), f.cb))

	_, err := f.wait()
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindDevice))
	assert.Equal(t, StateFailed, f.rec.State())

	successes, failures, _ := f.cb.snapshot()
	assert.Empty(t, successes)
	require.Len(t, failures, 1)
	assert.True(t, core.IsKind(failures[0].Err, core.KindDevice))
	assert.Zero(t, failures[0].Duration)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "no container file is created")
	assert.True(t, f.videoEncoder().Released())
	assert.True(t, f.audioEncoder().Released())
}

func TestRecorder_StopTwice(t *testing.T) {
	f := newFixture(t, nil)
	f.start(testConfig("/tmp/out.mp4"))
	f.step(1)
	f.waitMuxerStarted()
	f.step(10)

	f.rec.Stop()
	f.rec.Stop()
	_, err := f.wait()
	require.NoError(t, err)
	f.rec.Stop()

	assert.Equal(t, 1, f.cb.terminal())
	assert.Equal(t, 1, f.containerWriter().Finalized())
	assert.Equal(t, StateFinalized, f.rec.State())
}

func TestRecorder_StartWhileRecording(t *testing.T) {
	f := newFixture(t, nil)
	f.start(testConfig("/tmp/out.mp4"))

	err := f.rec.Start(testConfig("/tmp/other.mp4"), f.cb)
	assert.ErrorIs(t, err, core.ErrAlreadyRecording)
	assert.Equal(t, StateRecording, f.rec.State())

	f.rec.Stop()
	_, _ = f.wait()
	assert.Equal(t, 1, f.cb.terminal())
}

func TestRecorder_StopWhileIdle(t *testing.T) {
	f := newFixture(t, nil)
	f.rec.Stop()
	assert.Equal(t, StateIdle, f.rec.State())
	assert.Nil(t, f.rec.Done())
	_, err := f.rec.Wait(context.Background())
	assert.Error(t, err)
}

func TestRecorder_RestartAfterFinish(t *testing.T) {
	f := newFixture(t, nil)
	for i := 0; i < 2; i++ {
		f.start(testConfig("/tmp/out.mp4"))
		f.step(1)
		f.waitMuxerStarted()
		f.step(5)
		f.rec.Stop()
		_, err := f.wait()
		require.NoError(t, err)
	}
	successes, _, _ := f.cb.snapshot()
	assert.Len(t, successes, 2)
}

func TestRecorder_WaitFromTerminalCallback(t *testing.T) {
	f := newFixture(t, nil)
	waited := make(chan error, 1)
	cb := CallbackFuncs{
		Success: func(path, _ string, _ time.Duration) {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			res, err := f.rec.Wait(ctx)
			if err == nil && res.Path != path {
				err = errors.Errorf("result path %q, want %q", res.Path, path)
			}
			waited <- err
		},
	}
	require.NoError(t, f.rec.Start(testConfig("/tmp/out.mp4"), cb))
	require.Eventually(t, func() bool { return f.rec.State() == StateRecording }, 2*time.Second, time.Millisecond)
	f.step(1)
	f.waitMuxerStarted()
	f.step(5)
	f.rec.Stop()

	select {
	case err := <-waited:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("terminal callback never ran")
	}
	_, err := f.wait()
	require.NoError(t, err)
}

func TestRecorder_FailedCallbackSeesDone(t *testing.T) {
	f := newFixture(t, func(f *fixture) { f.mic.OpenErr = errors.New("microphone busy") })
	got := make(chan Result, 1)
	cb := CallbackFuncs{
		Failed: func(error, time.Duration) {
			select {
			case res := <-f.rec.Done():
				got <- res
			case <-time.After(time.Second):
				close(got)
			}
		},
	}
	require.NoError(t, f.rec.Start(testConfig("/tmp/out.mp4"), cb))

	select {
	case res, ok := <-got:
		require.True(t, ok, "no result on Done inside the callback")
		assert.True(t, core.IsKind(res.Err, core.KindDevice))
	case <-time.After(5 * time.Second):
		t.Fatal("failure callback never ran")
	}
}

func TestRecorder_FinalizedDuringCoverExtraction(t *testing.T) {
	f := newFixture(t, nil)
	extracting := make(chan struct{}, 2)
	release := make(chan struct{})
	f.rec.platform.Cover = coverFunc(func(_ context.Context, p string) (string, error) {
		extracting <- struct{}{}
		<-release
		return p + ".jpg", nil
	})

	f.start(testConfig("/tmp/out.mp4"))
	f.step(1)
	f.waitMuxerStarted()
	f.step(5)
	first := f.session()
	f.rec.Stop()

	select {
	case <-extracting:
	case <-time.After(5 * time.Second):
		t.Fatal("cover extraction never started")
	}
	assert.Equal(t, StateFinalized, f.rec.State())

	// a new session may start while the previous cover is extracted
	f.start(testConfig("/tmp/next.mp4"))
	f.step(1)
	f.waitMuxerStarted()
	f.step(5)
	f.rec.Stop()
	close(release)

	res, err := f.wait()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/next.mp4.jpg", res.CoverPath)
	select {
	case res := <-first.done:
		assert.Equal(t, "/tmp/out.mp4.jpg", res.CoverPath)
	case <-time.After(5 * time.Second):
		t.Fatal("first session never finished")
	}
	require.Eventually(t, func() bool {
		successes, _, _ := f.cb.snapshot()
		return len(successes) == 2
	}, 2*time.Second, time.Millisecond)
}

func TestRecorder_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty path", func(c *Config) { c.OutputPath = " " }},
		{"zero width", func(c *Config) { c.Width = 0 }},
		{"negative height", func(c *Config) { c.Height = -1 }},
		{"odd width", func(c *Config) { c.Width = 361 }},
		{"odd height", func(c *Config) { c.Height = 641 }},
		{"zero bit rate", func(c *Config) { c.BitRate = 0 }},
		{"crop out of range", func(c *Config) { c.CropTop = 1.2 }},
		{"negative crop", func(c *Config) { c.CropBottom = -0.1 }},
		{"crop covers frame", func(c *Config) { c.CropTop, c.CropBottom = 0.5, 0.5 }},
		{"unknown format", func(c *Config) { c.Format = "avi" }},
		{"mono 8 bit", func(c *Config) { c.Audio.BitsPerSample = 8 }},
		{"five channels", func(c *Config) { c.Audio.Channels = 5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			cfg := testConfig("/tmp/out.mp4")
			tt.mutate(&cfg)

			err := f.rec.Start(cfg, f.cb)
			require.Error(t, err)
			assert.True(t, core.IsKind(err, core.KindConfiguration))
			assert.Equal(t, StateIdle, f.rec.State())
			assert.Nil(t, f.rec.Done())
		})
	}
}

func TestRecorder_IncompletePlatform(t *testing.T) {
	rec := New(Platform{})
	err := rec.Start(testConfig("/tmp/out.mp4"), nil)
	assert.True(t, core.IsKind(err, core.KindConfiguration))
}

func TestRecorder_EncoderFailureWhileRecording(t *testing.T) {
	f := newFixture(t, nil)
	f.start(testConfig("/tmp/out.mp4"))
	f.step(1)
	f.waitMuxerStarted()

	f.videoEncoder().FailDequeue(errors.New("codec reset"))
	f.clock.Step(testTick)

	_, err := f.wait()
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindDevice))
	assert.Equal(t, StateFailed, f.rec.State())
	assert.True(t, f.mic.Last().Closed())
	assert.Equal(t, 1, f.containerWriter().Aborted())
	assert.Zero(t, f.containerWriter().Finalized())

	_, failures, _ := f.cb.snapshot()
	require.Len(t, failures, 1)
	assert.Positive(t, failures[0].Duration)
}

func TestRecorder_DrainTimeout(t *testing.T) {
	f := newFixture(t, nil, WithDrainTimeout(50*time.Millisecond), WithPollTimeout(10*time.Millisecond))
	f.start(testConfig("/tmp/out.mp4"))
	f.step(1)
	f.waitMuxerStarted()

	f.videoEncoder().FailDequeue(core.ErrTryAgainLater)
	f.rec.Stop()

	_, err := f.wait()
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindFinalize))
	assert.Contains(t, err.Error(), "did not end")
	assert.True(t, f.videoEncoder().Released())
}

func TestRecorder_FinalizeFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.start(testConfig("/tmp/out.mp4"))
	f.step(1)
	f.waitMuxerStarted()
	f.containerWriter().FinalizeErr = errors.New("disk full")
	f.rec.Stop()

	_, err := f.wait()
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindFinalize))
	assert.Contains(t, err.Error(), "disk full")
	assert.True(t, f.audioEncoder().Released())
}
