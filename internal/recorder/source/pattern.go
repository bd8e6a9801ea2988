// Package source provides SurfaceProducers that render frames onto a video
// encoder's input surface.
package source

import (
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/core"
)

// Pattern renders a moving test pattern at the configured frame rate.
type Pattern struct {
	Clock  clock.WithTicker
	Logger *slog.Logger

	mu     sync.Mutex
	stop   chan struct{}
	done   chan struct{}
	frames int64
}

// NewPattern returns a producer driven by the real clock.
func NewPattern(logger *slog.Logger) *Pattern {
	return &Pattern{Clock: clock.RealClock{}, Logger: logger}
}

// Attach starts rendering onto surface.
func (p *Pattern) Attach(surface core.Surface, format core.VideoFormat) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop != nil {
		return errors.New("pattern already attached")
	}
	if format.Width <= 0 || format.Height <= 0 {
		return errors.Errorf("invalid frame size %dx%d", format.Width, format.Height)
	}
	fps := format.FrameRate
	if fps <= 0 {
		fps = 30
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	p.frames = 0
	go p.run(clk, surface, format, time.Second/time.Duration(fps), logger.With("component", "pattern_source"))
	return nil
}

func (p *Pattern) run(clk clock.WithTicker, surface core.Surface, format core.VideoFormat, interval time.Duration, logger *slog.Logger) {
	defer close(p.done)
	ticker := clk.NewTicker(interval)
	defer ticker.Stop()

	frame := make([]byte, format.FrameSize())
	var n int
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C():
		}
		renderPattern(frame, format.Width, format.Height, n)
		if err := surface.WriteFrame(frame); err != nil {
			logger.Debug("surface rejected frame, detaching", "error", err, "frames", n)
			return
		}
		n++
		p.mu.Lock()
		p.frames++
		p.mu.Unlock()
	}
}

// Detach stops rendering and waits for the render goroutine.
func (p *Pattern) Detach() {
	p.mu.Lock()
	stop, done := p.stop, p.done
	p.stop = nil
	p.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// Frames returns the number of frames written since the last Attach.
func (p *Pattern) Frames() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frames
}

// renderPattern draws vertical color bars with a white bar sweeping across
// them, so consecutive frames differ.
func renderPattern(frame []byte, width, height, index int) {
	bars := [...][3]byte{
		{0xC0, 0xC0, 0xC0}, {0xC0, 0xC0, 0x00}, {0x00, 0xC0, 0xC0}, {0x00, 0xC0, 0x00},
		{0xC0, 0x00, 0xC0}, {0xC0, 0x00, 0x00}, {0x00, 0x00, 0xC0},
	}
	sweep := (index * 4) % height
	for y := 0; y < height; y++ {
		row := frame[y*width*4 : (y+1)*width*4]
		white := y >= sweep && y < sweep+8
		for x := 0; x < width; x++ {
			c := bars[x*len(bars)/width]
			if white {
				c = [3]byte{0xFF, 0xFF, 0xFF}
			}
			px := row[x*4 : x*4+4]
			px[0], px[1], px[2], px[3] = c[0], c[1], c[2], 0xFF
		}
	}
}
