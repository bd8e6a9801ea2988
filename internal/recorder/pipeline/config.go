package pipeline

import (
	"log/slog"
	"slices"
	"strings"
	"time"

	"k8s.io/utils/clock"

	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/core"
	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/muxer"
)

// Defaults applied to a Config.
const (
	DefaultFrameRate      = 30
	DefaultIFrameInterval = 5 * time.Second
)

// Defaults of the session timing options.
const (
	DefaultPollTimeout      = 10 * time.Millisecond
	DefaultDrainTimeout     = 10 * time.Second
	DefaultProgressInterval = 500 * time.Millisecond
	DefaultCoverTimeout     = 10 * time.Second
)

// DefaultAudioFormat is AAC-LC at 44.1 kHz stereo from 16-bit PCM.
func DefaultAudioFormat() core.AudioFormat {
	return core.AudioFormat{
		SampleRate:      44100,
		Channels:        2,
		BitsPerSample:   16,
		SamplesPerFrame: 1024,
		BitRate:         128000,
	}
}

// Config describes one recording session.
type Config struct {
	OutputPath string
	// Format is the container format, see muxer.Formats.
	Format string

	Width          int
	Height         int
	BitRate        int
	FrameRate      int
	IFrameInterval time.Duration
	CropTop        float64
	CropBottom     float64

	Audio core.AudioFormat
}

func (c Config) withDefaults() Config {
	if c.Format == "" {
		c.Format = muxer.FormatMP4
	}
	c.Format = strings.ToLower(c.Format)
	if c.FrameRate == 0 {
		c.FrameRate = DefaultFrameRate
	}
	if c.IFrameInterval == 0 {
		c.IFrameInterval = DefaultIFrameInterval
	}
	def := DefaultAudioFormat()
	if c.Audio.SampleRate == 0 {
		c.Audio.SampleRate = def.SampleRate
	}
	if c.Audio.Channels == 0 {
		c.Audio.Channels = def.Channels
	}
	if c.Audio.BitsPerSample == 0 {
		c.Audio.BitsPerSample = def.BitsPerSample
	}
	if c.Audio.SamplesPerFrame == 0 {
		c.Audio.SamplesPerFrame = def.SamplesPerFrame
	}
	if c.Audio.BitRate == 0 {
		c.Audio.BitRate = def.BitRate
	}
	return c
}

// Validate rejects a configuration that cannot be recorded. Errors are
// classified as core.KindConfiguration.
func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.OutputPath) == "":
		return core.NewError(core.KindConfiguration, "output path is empty")
	case c.Width <= 0 || c.Height <= 0:
		return core.NewError(core.KindConfiguration, "invalid size %dx%d", c.Width, c.Height)
	case c.Width%2 != 0 || c.Height%2 != 0:
		return core.NewError(core.KindConfiguration, "size %dx%d must be even for yuv420p", c.Width, c.Height)
	case c.BitRate <= 0:
		return core.NewError(core.KindConfiguration, "invalid bit rate %d", c.BitRate)
	case c.FrameRate <= 0:
		return core.NewError(core.KindConfiguration, "invalid frame rate %d", c.FrameRate)
	case c.IFrameInterval < 0:
		return core.NewError(core.KindConfiguration, "invalid key frame interval %s", c.IFrameInterval)
	case c.CropTop < 0 || c.CropTop > 1 || c.CropBottom < 0 || c.CropBottom > 1:
		return core.NewError(core.KindConfiguration, "crop fractions must be within [0,1], got top=%g bottom=%g", c.CropTop, c.CropBottom)
	case c.CropTop+c.CropBottom >= 1:
		return core.NewError(core.KindConfiguration, "crop removes the whole frame")
	case !slices.Contains(muxer.Formats, strings.ToLower(c.Format)):
		return core.NewError(core.KindConfiguration, "unsupported container format %q", c.Format)
	}

	a := c.Audio
	switch {
	case a.SampleRate <= 0:
		return core.NewError(core.KindConfiguration, "invalid sample rate %d", a.SampleRate)
	case a.Channels != 1 && a.Channels != 2:
		return core.NewError(core.KindConfiguration, "unsupported channel count %d", a.Channels)
	case a.BitsPerSample != 16:
		return core.NewError(core.KindConfiguration, "unsupported sample size %d bits", a.BitsPerSample)
	case a.SamplesPerFrame <= 0:
		return core.NewError(core.KindConfiguration, "invalid samples per frame %d", a.SamplesPerFrame)
	case a.BitRate <= 0:
		return core.NewError(core.KindConfiguration, "invalid audio bit rate %d", a.BitRate)
	}
	return nil
}

// VideoFormat returns the encoder format of c.
func (c Config) VideoFormat() core.VideoFormat {
	return core.VideoFormat{
		Width:          c.Width,
		Height:         c.Height,
		BitRate:        c.BitRate,
		FrameRate:      c.FrameRate,
		IFrameInterval: c.IFrameInterval,
		CropTop:        c.CropTop,
		CropBottom:     c.CropBottom,
	}
}

type options struct {
	clock            clock.WithTicker
	logger           *slog.Logger
	framePeriod      time.Duration
	pollTimeout      time.Duration
	drainTimeout     time.Duration
	progressInterval time.Duration
	coverTimeout     time.Duration
	earlyUnitPolicy  EarlyUnitPolicy
	earlyUnitLimit   int
}

func defaultOptions() options {
	return options{
		clock:            clock.RealClock{},
		logger:           slog.Default(),
		framePeriod:      DefaultFramePeriod,
		pollTimeout:      DefaultPollTimeout,
		drainTimeout:     DefaultDrainTimeout,
		progressInterval: DefaultProgressInterval,
		coverTimeout:     DefaultCoverTimeout,
		earlyUnitPolicy:  EarlyUnitsDrop,
		earlyUnitLimit:   DefaultEarlyUnitLimit,
	}
}

// Option tunes a Recorder.
type Option func(*options)

// WithClock sets the clock driving the frame timer and the duration.
func WithClock(clk clock.WithTicker) Option {
	return func(o *options) {
		if clk != nil {
			o.clock = clk
		}
	}
}

// WithLogger sets the base logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithFramePeriod sets the frame timer period.
func WithFramePeriod(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.framePeriod = d
		}
	}
}

// WithPollTimeout sets how long a single encoder poll may wait.
func WithPollTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollTimeout = d
		}
	}
}

// WithDrainTimeout bounds the final drain of each stream.
func WithDrainTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.drainTimeout = d
		}
	}
}

// WithProgressInterval sets the minimum interval between duration
// updates. Zero disables them.
func WithProgressInterval(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.progressInterval = d
		}
	}
}

// WithCoverTimeout bounds cover extraction.
func WithCoverTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.coverTimeout = d
		}
	}
}

// WithEarlyUnitPolicy sets the handling of units produced before the muxer
// starts. limit applies to EarlyUnitsBuffer; zero keeps the default.
func WithEarlyUnitPolicy(policy EarlyUnitPolicy, limit int) Option {
	return func(o *options) {
		switch policy {
		case EarlyUnitsDrop, EarlyUnitsBuffer:
			o.earlyUnitPolicy = policy
		}
		if limit > 0 {
			o.earlyUnitLimit = limit
		}
	}
}

// ParseEarlyUnitPolicy parses a policy name.
func ParseEarlyUnitPolicy(s string) (EarlyUnitPolicy, error) {
	switch p := EarlyUnitPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case EarlyUnitsDrop, EarlyUnitsBuffer:
		return p, nil
	case "":
		return EarlyUnitsDrop, nil
	default:
		return "", core.NewError(core.KindConfiguration, "unknown early unit policy %q", s)
	}
}
