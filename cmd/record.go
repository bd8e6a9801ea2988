package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dchest/uniuri"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/babelcloud/gbox/packages/recorder/config"
	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/capture"
	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/core"
	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/ffmpeg"
	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/muxer"
	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/pipeline"
	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/source"
	"github.com/babelcloud/gbox/packages/recorder/internal/util"
)

type RecordOptions struct {
	Output     string
	Format     string
	Width      int
	Height     int
	BitRate    int
	FrameRate  int
	CropTop    float64
	CropBottom float64
	Duration   time.Duration

	Source      string
	SourceInput string
	Mic         string
	MicDevice   string

	EarlyUnits string
	NoCover    bool
	Quiet      bool
}

func NewRecordCommand() *cobra.Command {
	s := config.RecorderSettings()
	opts := &RecordOptions{}

	cmd := &cobra.Command{
		Use:   "record [flags]",
		Short: "Record the screen and microphone",
		Long: `Record a screen source and the microphone until Ctrl+C is pressed or the
given duration has elapsed. Without --output the file is written to the
configured output directory and named after the current time in milliseconds.`,
		Example: `  # Record the test pattern with the default microphone
  gbox-recorder record

  # Grab the X11 display for ten seconds, without audio input
  gbox-recorder record --source grab --mic silence --duration 10s

  # Crop status and navigation bars and write WebM
  gbox-recorder record -o demo.webm --format webm --crop-top 0.05 --crop-bottom 0.03`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecord(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.Output, "output", "o", "", "Output file or directory")
	flags.StringVarP(&opts.Format, "format", "f", s.Output.Format, "Container format (mp4 or webm)")
	flags.IntVar(&opts.Width, "width", s.Video.Width, "Video width in pixels")
	flags.IntVar(&opts.Height, "height", s.Video.Height, "Video height in pixels")
	flags.IntVar(&opts.BitRate, "bit-rate", s.Video.BitRate, "Video bit rate in bits per second")
	flags.IntVar(&opts.FrameRate, "frame-rate", s.Video.FrameRate, "Video frame rate")
	flags.Float64Var(&opts.CropTop, "crop-top", s.Video.CropTop, "Fraction of the frame height removed at the top")
	flags.Float64Var(&opts.CropBottom, "crop-bottom", s.Video.CropBottom, "Fraction of the frame height removed at the bottom")
	flags.DurationVarP(&opts.Duration, "duration", "d", 0, "Stop after this duration (0 records until interrupted)")
	flags.StringVar(&opts.Source, "source", s.Source.Kind, "Screen source (pattern or grab)")
	flags.StringVar(&opts.SourceInput, "source-input", s.Source.Input, "ffmpeg input of the grab source")
	flags.StringVar(&opts.Mic, "mic", s.Mic.Kind, "Microphone (ffmpeg or silence)")
	flags.StringVar(&opts.MicDevice, "mic-device", s.Mic.Input, "ffmpeg capture device of the microphone")
	flags.StringVar(&opts.EarlyUnits, "early-units", s.Pipeline.EarlyUnits, "Units produced before both tracks exist (drop or buffer)")
	flags.BoolVar(&opts.NoCover, "no-cover", !s.Output.Cover, "Do not extract a cover image")
	flags.BoolVarP(&opts.Quiet, "quiet", "q", false, "Print plain progress lines instead of a spinner")

	cmd.RegisterFlagCompletionFunc("format", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return muxer.Formats, cobra.ShellCompDirectiveNoFileComp
	})
	cmd.RegisterFlagCompletionFunc("source", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"pattern", "grab"}, cobra.ShellCompDirectiveNoFileComp
	})
	cmd.RegisterFlagCompletionFunc("mic", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"ffmpeg", "silence"}, cobra.ShellCompDirectiveNoFileComp
	})

	return cmd
}

func runRecord(cmd *cobra.Command, opts *RecordOptions) error {
	s := config.RecorderSettings()
	logger := util.GetLogger()
	out := cmd.OutOrStdout()

	if !ffmpeg.Available(s.FFmpegPath) {
		return errors.Errorf("ffmpeg not found at %q, install it or set GBOX_RECORDER_FFMPEG", s.FFmpegPath)
	}
	path, err := resolveOutputPath(opts.Output, s.Output.Dir, opts.Format, time.Now())
	if err != nil {
		return err
	}
	producer, err := newProducer(opts, s, logger)
	if err != nil {
		return err
	}
	mic, err := newMicrophone(opts, s, logger)
	if err != nil {
		return err
	}
	policy, err := pipeline.ParseEarlyUnitPolicy(opts.EarlyUnits)
	if err != nil {
		return err
	}

	platform := pipeline.FFmpegPlatform(s.FFmpegPath, mic, producer, logger)
	if opts.NoCover {
		platform.Cover = nil
	}
	rec := pipeline.New(platform,
		pipeline.WithLogger(logger),
		pipeline.WithFramePeriod(s.Pipeline.FramePeriod.Std()),
		pipeline.WithPollTimeout(s.Pipeline.PollTimeout.Std()),
		pipeline.WithDrainTimeout(s.Pipeline.DrainTimeout.Std()),
		pipeline.WithProgressInterval(s.Pipeline.ProgressInterval.Std()),
		pipeline.WithEarlyUnitPolicy(policy, s.Pipeline.EarlyUnitLimit),
	)

	quiet := opts.Quiet || util.IsVerbose() || !isTerminal(out)
	sp := util.NewUISpinner(out, quiet, "Starting recorder...")
	cb := pipeline.CallbackFuncs{
		DurationChanged: func(d time.Duration) {
			sp.Update(fmt.Sprintf("Recording %s  (press Ctrl+C to stop)", formatClock(d)))
		},
	}

	cfg := pipeline.Config{
		OutputPath: path,
		Format:     opts.Format,
		Width:      opts.Width,
		Height:     opts.Height,
		BitRate:    opts.BitRate,
		FrameRate:  opts.FrameRate,
		CropTop:    opts.CropTop,
		CropBottom: opts.CropBottom,
		Audio: core.AudioFormat{
			SampleRate: s.Audio.SampleRate,
			Channels:   s.Audio.Channels,
			BitRate:    s.Audio.BitRate,
		},
	}
	if s.Video.IFrameInterval > 0 {
		cfg.IFrameInterval = s.Video.IFrameInterval.Std()
	}
	if err := rec.Start(cfg, cb); err != nil {
		sp.Fail("Could not start recording")
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	select {
	case <-ctx.Done():
		sp.Update("Finishing recording...")
		rec.Stop()
	case <-rec.Done():
	}

	res, err := rec.Wait(context.Background())
	if err != nil {
		sp.Fail(fmt.Sprintf("Recording failed after %s", formatClock(res.Duration)))
		return err
	}
	sp.Success(fmt.Sprintf("Saved %s (%s)", color.CyanString(res.Path), formatClock(res.Duration)))
	if res.CoverPath != "" {
		fmt.Fprintf(out, "    cover %s\n", res.CoverPath)
	}
	return nil
}

// resolveOutputPath returns output when it names a file. An empty output or
// a directory gets a file named after now in unix milliseconds.
func resolveOutputPath(output, defaultDir, format string, now time.Time) (string, error) {
	dir := defaultDir
	if output != "" {
		info, err := os.Stat(output)
		isDir := err == nil && info.IsDir()
		if !isDir && !strings.HasSuffix(output, string(filepath.Separator)) {
			if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
				return "", errors.Wrap(err, "create output directory")
			}
			return output, nil
		}
		dir = output
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "create output directory")
	}

	ext := muxer.Extension(format)
	path := filepath.Join(dir, strconv.FormatInt(now.UnixMilli(), 10)+ext)
	if _, err := os.Stat(path); err == nil {
		path = filepath.Join(dir, strconv.FormatInt(now.UnixMilli(), 10)+"-"+strings.ToLower(uniuri.NewLen(6))+ext)
	}
	return path, nil
}

func newProducer(opts *RecordOptions, s config.Settings, logger *slog.Logger) (core.SurfaceProducer, error) {
	switch opts.Source {
	case "pattern":
		return source.NewPattern(logger), nil
	case "grab":
		return &source.Grab{
			Path:        s.FFmpegPath,
			InputFormat: s.Source.InputFormat,
			Input:       opts.SourceInput,
			Logger:      logger,
		}, nil
	default:
		return nil, errors.Errorf("unknown source %q, expected pattern or grab", opts.Source)
	}
}

func newMicrophone(opts *RecordOptions, s config.Settings, logger *slog.Logger) (core.MicrophoneDevice, error) {
	switch opts.Mic {
	case "ffmpeg":
		return &capture.FFmpegDevice{
			Path:        s.FFmpegPath,
			InputFormat: s.Mic.InputFormat,
			Device:      opts.MicDevice,
			Logger:      logger,
		}, nil
	case "silence":
		return capture.SilenceDevice{}, nil
	default:
		return nil, errors.Errorf("unknown microphone %q, expected ffmpeg or silence", opts.Mic)
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// formatClock renders d as mm:ss, or h:mm:ss past an hour.
func formatClock(d time.Duration) string {
	total := int(d.Round(time.Second) / time.Second)
	h, m, sec := total/3600, total/60%60, total%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, sec)
	}
	return fmt.Sprintf("%02d:%02d", m, sec)
}
