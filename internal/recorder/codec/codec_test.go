package codec

import (
	"bufio"
	"bytes"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/core"
)

// adtsFrame wraps au in an AAC-LC, 44100 Hz, stereo ADTS header.
func adtsFrame(au []byte) []byte {
	size := 7 + len(au)
	h := []byte{
		0xFF,
		0xF1,
		1<<6 | 4<<2,
		2<<6 | byte(size>>11)&0x03,
		byte(size >> 3),
		byte(size&0x07)<<5 | 0x1F,
		0xFC,
	}
	return append(h, au...)
}

func TestReadADTSFrame(t *testing.T) {
	au1 := []byte{0x21, 0x10, 0x05, 0x00}
	au2 := bytes.Repeat([]byte{0xAB}, 300)
	stream := append(adtsFrame(au1), adtsFrame(au2)...)
	r := bufio.NewReader(bytes.NewReader(stream))

	frame, err := readADTSFrame(r)
	require.NoError(t, err)
	assert.Equal(t, adtsFrame(au1), frame)

	frame, err = readADTSFrame(r)
	require.NoError(t, err)

	var pkts mpeg4audio.ADTSPackets
	require.NoError(t, pkts.Unmarshal(frame))
	require.Len(t, pkts, 1)
	assert.Equal(t, 44100, pkts[0].SampleRate)
	assert.Equal(t, 2, pkts[0].ChannelCount)
	assert.Equal(t, au2, pkts[0].AU)

	_, err = readADTSFrame(r)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadADTSFrameErrors(t *testing.T) {
	_, err := readADTSFrame(bufio.NewReader(bytes.NewReader([]byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06})))
	assert.Error(t, err)

	truncated := adtsFrame(bytes.Repeat([]byte{1}, 50))[:30]
	_, err = readADTSFrame(bufio.NewReader(bytes.NewReader(truncated)))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, io.EOF)
}

func TestDequeue(t *testing.T) {
	out := make(chan *core.EncodedUnit, 2)
	var group errgroup.Group
	eos := false

	_, err := dequeue(out, &eos, 0, &group, "test")
	assert.ErrorIs(t, err, core.ErrTryAgainLater)

	start := time.Now()
	_, err = dequeue(out, &eos, 10*time.Millisecond, &group, "test")
	assert.ErrorIs(t, err, core.ErrTryAgainLater)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)

	out <- &core.EncodedUnit{Stream: core.StreamAudio, Payload: []byte{1}}
	out <- core.EndOfStream(core.StreamAudio, 0)
	u, err := dequeue(out, &eos, time.Second, &group, "test")
	require.NoError(t, err)
	assert.False(t, u.Flags.IsEndOfStream)

	u, err = dequeue(out, &eos, time.Second, &group, "test")
	require.NoError(t, err)
	assert.True(t, u.Flags.IsEndOfStream)

	_, err = dequeue(out, &eos, time.Second, &group, "test")
	assert.ErrorIs(t, err, core.ErrEndOfStream)
}

func TestDequeueClosedWithoutEndOfStream(t *testing.T) {
	out := make(chan *core.EncodedUnit)
	close(out)
	var group errgroup.Group
	eos := false

	_, err := dequeue(out, &eos, time.Second, &group, "video")
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindDevice))
}

func hasEncoder(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not available, skipping encoder test")
	}
	out, err := exec.Command("ffmpeg", "-hide_banner", "-encoders").Output()
	if err != nil || !strings.Contains(string(out), name) {
		t.Skipf("ffmpeg without %s, skipping encoder test", name)
	}
}

func TestVideoEncoder_FFmpeg(t *testing.T) {
	hasEncoder(t, "libx264")
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	format := core.VideoFormat{Width: 64, Height: 64, BitRate: 200_000, FrameRate: 30, IFrameInterval: time.Second}

	enc, err := NewVideoEncoder("ffmpeg", format, logger)
	require.NoError(t, err)
	defer enc.Release()

	frame := bytes.Repeat([]byte{0x40, 0x80, 0xC0, 0xFF}, 64*64)
	for i := 0; i < 10; i++ {
		require.NoError(t, enc.InputSurface().WriteFrame(frame))
	}
	assert.Error(t, enc.InputSurface().WriteFrame(frame[:10]), "short frame")
	require.NoError(t, enc.SignalEndOfInputStream())

	var units []*core.EncodedUnit
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		u, err := enc.Dequeue(10 * time.Millisecond)
		if err == core.ErrTryAgainLater {
			continue
		}
		require.NoError(t, err)
		units = append(units, u)
		if u.Flags.IsEndOfStream {
			break
		}
	}
	require.GreaterOrEqual(t, len(units), 3)
	assert.True(t, units[0].Flags.IsConfig)
	assert.True(t, units[1].Flags.IsKeyFrame)
	assert.True(t, units[len(units)-1].Flags.IsEndOfStream)
}

func TestAudioEncoder_FFmpeg(t *testing.T) {
	hasEncoder(t, "aac")
	format := core.AudioFormat{SampleRate: 44100, Channels: 2, BitsPerSample: 16, SamplesPerFrame: 1024, BitRate: 128000}

	enc, err := NewAudioEncoder("ffmpeg", format, nil)
	require.NoError(t, err)
	defer enc.Release()

	chunk := make([]byte, format.ChunkSize())
	for i := 0; i < 50; i++ {
		require.NoError(t, enc.QueueInput(core.PCMChunk{Bytes: chunk, Length: len(chunk)}, 0))
	}
	require.NoError(t, enc.QueueInput(core.PCMChunk{IsEndOfStream: true}, 0))

	var units []*core.EncodedUnit
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		u, err := enc.Dequeue(10 * time.Millisecond)
		if err == core.ErrTryAgainLater {
			continue
		}
		require.NoError(t, err)
		units = append(units, u)
		if u.Flags.IsEndOfStream {
			break
		}
	}
	require.Greater(t, len(units), 2)
	assert.True(t, units[0].Flags.IsConfig)

	var conf mpeg4audio.AudioSpecificConfig
	require.NoError(t, conf.Unmarshal(units[0].Payload))
	assert.Equal(t, 44100, conf.SampleRate)
	assert.True(t, units[len(units)-1].Flags.IsEndOfStream)
}
