// Package codec provides the H.264 and AAC encoders of the recorder,
// implemented on top of ffmpeg child processes.
package codec

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/core"
	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/ffmpeg"
	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/h264"
)

const (
	outputQueueSize = 256
	stopGrace       = 3 * time.Second
)

// VideoEncoder encodes RGBA frames written to its input surface into H.264.
// Output units carry the time their frame was written to the surface,
// relative to the first frame.
type VideoEncoder struct {
	format core.VideoFormat
	logger *slog.Logger
	proc   *ffmpeg.Process
	group  errgroup.Group
	stamps *frameStamps

	out         chan *core.EncodedUnit
	eosSent     bool
	releaseOnce sync.Once

	mu         sync.Mutex
	inputEnded bool
}

// NewVideoEncoder starts an encoder for format.
func NewVideoEncoder(ffmpegPath string, format core.VideoFormat, logger *slog.Logger) (*VideoEncoder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	proc, err := ffmpeg.Start(ffmpeg.Options{
		Path:   ffmpegPath,
		Args:   ffmpeg.VideoEncoderArgs(format),
		Stdin:  true,
		Logger: logger,
	})
	if err != nil {
		return nil, core.Wrap(core.KindDevice, err, "start video encoder")
	}
	e := &VideoEncoder{
		format: format,
		logger: logger.With("component", "video_encoder"),
		proc:   proc,
		stamps: newFrameStamps(clock.RealClock{}, format.FrameRate),
		out:    make(chan *core.EncodedUnit, outputQueueSize),
	}
	e.group.Go(e.readOutput)
	return e, nil
}

// readOutput turns the encoder's elementary stream into units. The first
// unit is always the configuration unit.
func (e *VideoEncoder) readOutput() error {
	defer close(e.out)

	reader := h264.NewAccessUnitReader(e.proc.Stdout)
	configSent := false
	var frames int64

	for {
		nalus, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return errors.Wrap(err, "read video stream")
		}
		au := h264.Join(nalus...)

		if !configSent {
			sps, pps, err := h264.ParameterSets(au)
			if err != nil {
				return errors.Wrap(err, "first access unit carries no parameter sets")
			}
			e.out <- &core.EncodedUnit{
				Stream:  core.StreamVideo,
				Payload: h264.Join(sps, pps),
				Flags:   core.UnitFlags{IsConfig: true},
			}
			configSent = true
		}

		e.out <- &core.EncodedUnit{
			Stream:          core.StreamVideo,
			Payload:         au,
			TimestampMicros: e.stamps.next(),
			Flags:           core.UnitFlags{IsKeyFrame: h264.IsKeyFrame(au)},
		}
		frames++
	}

	if err := e.proc.Wait(); err != nil {
		return err
	}
	e.out <- core.EndOfStream(core.StreamVideo, e.stamps.end())
	e.logger.Debug("video encoder drained", "frames", frames)
	return nil
}

// InputSurface returns the surface frames are rendered to.
func (e *VideoEncoder) InputSurface() core.Surface {
	return surface{e}
}

type surface struct{ e *VideoEncoder }

func (s surface) WriteFrame(frame []byte) error {
	s.e.mu.Lock()
	defer s.e.mu.Unlock()
	if s.e.inputEnded {
		return errors.New("surface released")
	}
	if len(frame) != s.e.format.FrameSize() {
		return errors.Errorf("frame size %d, want %d", len(frame), s.e.format.FrameSize())
	}
	s.e.stamps.mark()
	_, err := s.e.proc.Stdin.Write(frame)
	return err
}

// Dequeue implements core.VideoEncoder.
func (e *VideoEncoder) Dequeue(timeout time.Duration) (*core.EncodedUnit, error) {
	return dequeue(e.out, &e.eosSent, timeout, &e.group, "video")
}

// SignalEndOfInputStream closes the surface. The encoder flushes its
// remaining frames and then emits the end-of-stream unit.
func (e *VideoEncoder) SignalEndOfInputStream() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inputEnded {
		return nil
	}
	e.inputEnded = true
	return e.proc.CloseStdin()
}

// Release stops the process and joins the output reader.
func (e *VideoEncoder) Release() error {
	var err error
	e.releaseOnce.Do(func() {
		e.mu.Lock()
		e.inputEnded = true
		e.mu.Unlock()
		e.proc.Stop(stopGrace)
		// unblock the reader if nobody drains any more
		go func() {
			for range e.out {
			}
		}()
		err = e.group.Wait()
	})
	return err
}

// dequeue waits up to timeout for the next unit on out.
func dequeue(out <-chan *core.EncodedUnit, eosSent *bool, timeout time.Duration, group *errgroup.Group, name string) (*core.EncodedUnit, error) {
	if *eosSent {
		return nil, core.ErrEndOfStream
	}

	var unit *core.EncodedUnit
	var ok bool
	if timeout <= 0 {
		select {
		case unit, ok = <-out:
		default:
			return nil, core.ErrTryAgainLater
		}
	} else {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case unit, ok = <-out:
		case <-timer.C:
			return nil, core.ErrTryAgainLater
		}
	}

	if !ok {
		err := group.Wait()
		if err == nil {
			err = errors.New("output closed without end of stream")
		}
		return nil, core.Wrap(core.KindDevice, err, name+" encoder failed")
	}
	if unit.Flags.IsEndOfStream {
		*eosSent = true
	}
	return unit, nil
}
