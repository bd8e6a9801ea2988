package capture

import (
	"bufio"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/core"
	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/ffmpeg"
)

const (
	defaultOpenTimeout = 3 * time.Second
	stopGrace          = time.Second
)

// FFmpegDevice captures from a system audio input through ffmpeg, for
// example InputFormat "pulse" with Device "default", or "avfoundation"
// with ":0".
type FFmpegDevice struct {
	Path        string
	InputFormat string
	Device      string
	// OpenTimeout bounds the wait for the first captured bytes.
	OpenTimeout time.Duration
	Logger      *slog.Logger
}

// Open starts the capture process and waits until it delivers audio, so a
// missing or busy device fails here rather than on the first read.
func (d *FFmpegDevice) Open(format core.AudioFormat) (core.Microphone, error) {
	if d.InputFormat == "" || d.Device == "" {
		return nil, errors.New("ffmpeg microphone needs an input format and a device")
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	proc, err := ffmpeg.Start(ffmpeg.Options{
		Path:   d.Path,
		Args:   ffmpeg.CaptureArgs(d.InputFormat, d.Device, format),
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	r := bufio.NewReaderSize(proc.Stdout, max(format.ChunkSize(), 4096))
	peeked := make(chan error, 1)
	go func() {
		_, err := r.Peek(1)
		peeked <- err
	}()

	timeout := d.OpenTimeout
	if timeout <= 0 {
		timeout = defaultOpenTimeout
	}
	select {
	case err := <-peeked:
		if err != nil {
			proc.Stop(stopGrace)
			if werr := proc.Wait(); werr != nil {
				return nil, werr
			}
			return nil, errors.Wrap(err, "microphone closed before delivering audio")
		}
	case <-time.After(timeout):
		proc.Stop(stopGrace)
		return nil, errors.Errorf("microphone delivered no audio within %s", timeout)
	}
	return &ffmpegMicrophone{proc: proc, r: r}, nil
}

type ffmpegMicrophone struct {
	proc      *ffmpeg.Process
	r         io.Reader
	closeOnce sync.Once
}

func (m *ffmpegMicrophone) Read(p []byte) (int, error) {
	n, err := m.r.Read(p)
	select {
	case <-m.proc.Exited():
		if errors.Is(err, io.EOF) {
			if werr := m.proc.Wait(); werr != nil {
				return n, werr
			}
		}
	default:
	}
	return n, err
}

func (m *ffmpegMicrophone) Close() error {
	var err error
	m.closeOnce.Do(func() {
		err = m.proc.Stop(stopGrace)
	})
	return err
}

// SilenceDevice opens microphones that deliver silence in real time. It
// stands in for a capture device on hosts without one.
type SilenceDevice struct{}

// Open implements core.MicrophoneDevice.
func (SilenceDevice) Open(format core.AudioFormat) (core.Microphone, error) {
	bytesPerSecond := format.SampleRate * format.Channels * (format.BitsPerSample / 8)
	if bytesPerSecond <= 0 {
		return nil, errors.Errorf("invalid audio format %+v", format)
	}
	return &silenceMicrophone{
		bytesPerSecond: bytesPerSecond,
		closed:         make(chan struct{}),
	}, nil
}

type silenceMicrophone struct {
	bytesPerSecond int
	closed         chan struct{}
	closeOnce      sync.Once
}

func (m *silenceMicrophone) Read(p []byte) (int, error) {
	select {
	case <-m.closed:
		return 0, io.EOF
	default:
	}
	if len(p) == 0 {
		return 0, nil
	}
	clear(p)

	wait := time.Duration(int64(len(p)) * int64(time.Second) / int64(m.bytesPerSecond))
	if wait <= 0 {
		return len(p), nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-m.closed:
		return 0, io.EOF
	case <-timer.C:
		return len(p), nil
	}
}

func (m *silenceMicrophone) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}
