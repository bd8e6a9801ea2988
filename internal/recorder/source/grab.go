package source

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/core"
	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/ffmpeg"
)

const stopGrace = time.Second

// Grab renders a screen captured by ffmpeg, for example InputFormat
// "x11grab" with Input ":0.0", "avfoundation" with "1:none" or "gdigrab"
// with "desktop".
type Grab struct {
	Path        string
	InputFormat string
	Input       string
	Logger      *slog.Logger

	mu     sync.Mutex
	proc   *ffmpeg.Process
	done   chan struct{}
	logger *slog.Logger
}

// Attach starts the grabber and copies its frames onto surface.
func (g *Grab) Attach(surface core.Surface, format core.VideoFormat) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.proc != nil {
		return errors.New("grabber already attached")
	}
	if g.InputFormat == "" || g.Input == "" {
		return errors.New("grabber needs an input format and an input")
	}
	logger := g.Logger
	if logger == nil {
		logger = slog.Default()
	}
	proc, err := ffmpeg.Start(ffmpeg.Options{
		Path:   g.Path,
		Args:   ffmpeg.GrabArgs(g.InputFormat, g.Input, format),
		Logger: logger,
	})
	if err != nil {
		return errors.Wrap(err, "start screen grabber")
	}
	g.proc = proc
	g.done = make(chan struct{})
	g.logger = logger.With("component", "screen_grab")
	go g.copyFrames(proc, surface, format.FrameSize(), g.logger)
	return nil
}

func (g *Grab) copyFrames(proc *ffmpeg.Process, surface core.Surface, size int, logger *slog.Logger) {
	defer close(g.done)
	frame := make([]byte, size)
	var frames int
	for {
		if _, err := io.ReadFull(proc.Stdout, frame); err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debug("grabber stream ended", "error", err, "frames", frames)
			}
			return
		}
		if err := surface.WriteFrame(frame); err != nil {
			logger.Debug("surface rejected frame, detaching", "error", err, "frames", frames)
			return
		}
		frames++
	}
}

// Detach stops the grabber and waits for the copy goroutine.
func (g *Grab) Detach() {
	g.mu.Lock()
	proc, done, logger := g.proc, g.done, g.logger
	g.proc = nil
	g.mu.Unlock()
	if proc == nil {
		return
	}
	if err := proc.Stop(stopGrace); err != nil {
		logger.Debug("stop screen grabber", "error", err)
	}
	<-done
}
