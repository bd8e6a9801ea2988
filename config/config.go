package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

var v *viper.Viper

func init() {
	v = viper.New()

	v.SetDefault("recorder.home", filepath.Join(xdg.Home, ".gbox", "recorder"))
	v.SetDefault("ffmpeg.path", "ffmpeg")

	// Output
	v.SetDefault("output.dir", defaultOutputDir())
	v.SetDefault("output.format", "mp4")
	v.SetDefault("output.cover", true)

	// Video
	v.SetDefault("video.width", 720)
	v.SetDefault("video.height", 1280)
	v.SetDefault("video.bit_rate", 5*1024*1024)
	v.SetDefault("video.frame_rate", 30)
	v.SetDefault("video.iframe_interval", 5*time.Second)
	v.SetDefault("video.crop_top", 0.0)
	v.SetDefault("video.crop_bottom", 0.0)

	// Audio
	v.SetDefault("audio.sample_rate", 44100)
	v.SetDefault("audio.channels", 2)
	v.SetDefault("audio.bit_rate", 128000)

	// Capture sources
	grabFormat, grabInput, micFormat, micDevice := platformInputs()
	v.SetDefault("source.kind", "pattern")
	v.SetDefault("source.input_format", grabFormat)
	v.SetDefault("source.input", grabInput)
	v.SetDefault("mic.kind", "ffmpeg")
	v.SetDefault("mic.input_format", micFormat)
	v.SetDefault("mic.device", micDevice)

	// Pipeline timing
	v.SetDefault("pipeline.frame_period", 16*time.Millisecond)
	v.SetDefault("pipeline.poll_timeout", 10*time.Millisecond)
	v.SetDefault("pipeline.drain_timeout", 10*time.Second)
	v.SetDefault("pipeline.progress_interval", 500*time.Millisecond)
	v.SetDefault("pipeline.early_units", "drop")
	v.SetDefault("pipeline.early_unit_limit", 64)

	// Environment variables
	v.AutomaticEnv()
	v.BindEnv("recorder.home", "GBOX_RECORDER_HOME")
	v.BindEnv("ffmpeg.path", "GBOX_RECORDER_FFMPEG", "FFMPEG_PATH")
	v.BindEnv("output.dir", "GBOX_RECORDER_OUTPUT_DIR")
	v.BindEnv("output.format", "GBOX_RECORDER_FORMAT")
	v.BindEnv("output.cover", "GBOX_RECORDER_COVER")
	v.BindEnv("video.width", "GBOX_RECORDER_WIDTH")
	v.BindEnv("video.height", "GBOX_RECORDER_HEIGHT")
	v.BindEnv("video.bit_rate", "GBOX_RECORDER_BIT_RATE")
	v.BindEnv("video.frame_rate", "GBOX_RECORDER_FRAME_RATE")
	v.BindEnv("source.kind", "GBOX_RECORDER_SOURCE")
	v.BindEnv("source.input", "GBOX_RECORDER_SOURCE_INPUT")
	v.BindEnv("mic.kind", "GBOX_RECORDER_MIC")
	v.BindEnv("mic.device", "GBOX_RECORDER_MIC_DEVICE")
	v.BindEnv("pipeline.early_units", "GBOX_RECORDER_EARLY_UNITS")

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	configPaths := []string{
		".",
		filepath.Join(xdg.ConfigHome, "gbox-recorder"),
		"$HOME/.gbox",
	}
	for _, path := range configPaths {
		v.AddConfigPath(os.ExpandEnv(path))
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error was produced
			panic(fmt.Sprintf("Fatal error reading config file: %s", err))
		}
	}
}

func defaultOutputDir() string {
	if dir := xdg.UserDirs.Videos; dir != "" {
		return filepath.Join(dir, "gbox")
	}
	return filepath.Join(xdg.Home, "Videos", "gbox")
}

// platformInputs returns the ffmpeg screen grab and audio capture inputs of
// the running OS.
func platformInputs() (grabFormat, grabInput, micFormat, micDevice string) {
	switch runtime.GOOS {
	case "darwin":
		return "avfoundation", "1:none", "avfoundation", ":0"
	case "windows":
		return "gdigrab", "desktop", "dshow", "audio=default"
	default:
		return "x11grab", ":0.0", "pulse", "default"
	}
}

// Duration prints as a Go duration string in TOML.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	parsed, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Settings is the effective recorder configuration.
type Settings struct {
	FFmpegPath string         `toml:"ffmpeg_path"`
	Output     OutputSettings `toml:"output"`
	Video      VideoSettings  `toml:"video"`
	Audio      AudioSettings  `toml:"audio"`
	Source     InputSettings  `toml:"source"`
	Mic        InputSettings  `toml:"mic"`
	Pipeline   TimingSettings `toml:"pipeline"`
}

type OutputSettings struct {
	Dir    string `toml:"dir"`
	Format string `toml:"format"`
	Cover  bool   `toml:"cover"`
}

type VideoSettings struct {
	Width          int      `toml:"width"`
	Height         int      `toml:"height"`
	BitRate        int      `toml:"bit_rate"`
	FrameRate      int      `toml:"frame_rate"`
	IFrameInterval Duration `toml:"iframe_interval"`
	CropTop        float64  `toml:"crop_top"`
	CropBottom     float64  `toml:"crop_bottom"`
}

type AudioSettings struct {
	SampleRate int `toml:"sample_rate"`
	Channels   int `toml:"channels"`
	BitRate    int `toml:"bit_rate"`
}

// InputSettings selects a capture backend. Kind is "pattern" or "grab" for
// the screen source and "ffmpeg" or "silence" for the microphone.
type InputSettings struct {
	Kind        string `toml:"kind"`
	InputFormat string `toml:"input_format"`
	Input       string `toml:"input"`
}

type TimingSettings struct {
	FramePeriod      Duration `toml:"frame_period"`
	PollTimeout      Duration `toml:"poll_timeout"`
	DrainTimeout     Duration `toml:"drain_timeout"`
	ProgressInterval Duration `toml:"progress_interval"`
	EarlyUnits       string   `toml:"early_units"`
	EarlyUnitLimit   int      `toml:"early_unit_limit"`
}

// RecorderSettings returns the settings from defaults, config file and
// environment, in increasing precedence.
func RecorderSettings() Settings {
	return Settings{
		FFmpegPath: v.GetString("ffmpeg.path"),
		Output: OutputSettings{
			Dir:    v.GetString("output.dir"),
			Format: v.GetString("output.format"),
			Cover:  v.GetBool("output.cover"),
		},
		Video: VideoSettings{
			Width:          v.GetInt("video.width"),
			Height:         v.GetInt("video.height"),
			BitRate:        v.GetInt("video.bit_rate"),
			FrameRate:      v.GetInt("video.frame_rate"),
			IFrameInterval: Duration(v.GetDuration("video.iframe_interval")),
			CropTop:        v.GetFloat64("video.crop_top"),
			CropBottom:     v.GetFloat64("video.crop_bottom"),
		},
		Audio: AudioSettings{
			SampleRate: v.GetInt("audio.sample_rate"),
			Channels:   v.GetInt("audio.channels"),
			BitRate:    v.GetInt("audio.bit_rate"),
		},
		Source: InputSettings{
			Kind:        v.GetString("source.kind"),
			InputFormat: v.GetString("source.input_format"),
			Input:       v.GetString("source.input"),
		},
		Mic: InputSettings{
			Kind:        v.GetString("mic.kind"),
			InputFormat: v.GetString("mic.input_format"),
			Input:       v.GetString("mic.device"),
		},
		Pipeline: TimingSettings{
			FramePeriod:      Duration(v.GetDuration("pipeline.frame_period")),
			PollTimeout:      Duration(v.GetDuration("pipeline.poll_timeout")),
			DrainTimeout:     Duration(v.GetDuration("pipeline.drain_timeout")),
			ProgressInterval: Duration(v.GetDuration("pipeline.progress_interval")),
			EarlyUnits:       v.GetString("pipeline.early_units"),
			EarlyUnitLimit:   v.GetInt("pipeline.early_unit_limit"),
		},
	}
}

// ConfigFileUsed returns the path of the loaded config file, if any.
func ConfigFileUsed() string {
	return v.ConfigFileUsed()
}

// GetRecorderHome returns the recorder home directory
func GetRecorderHome() string {
	return v.GetString("recorder.home")
}

// GetFFmpegPath returns the ffmpeg binary used for encoding and capture
func GetFFmpegPath() string {
	return v.GetString("ffmpeg.path")
}
