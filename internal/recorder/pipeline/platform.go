package pipeline

import (
	"log/slog"

	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/codec"
	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/core"
	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/cover"
	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/muxer"
)

// Platform bundles the collaborators a session is built from. The actor
// goroutine is the only caller of the factories.
type Platform struct {
	NewVideoEncoder func(core.VideoFormat) (core.VideoEncoder, error)
	NewAudioEncoder func(core.AudioFormat) (core.AudioEncoder, error)
	Microphone      core.MicrophoneDevice
	// Producer renders onto the video encoder's surface. Optional.
	Producer  core.SurfaceProducer
	NewWriter func(format, path string) (muxer.ContainerWriter, error)
	// Cover extracts a still of a finished recording. Optional.
	Cover cover.Extractor
}

func (p Platform) validate() error {
	switch {
	case p.NewVideoEncoder == nil:
		return core.NewError(core.KindConfiguration, "platform has no video encoder")
	case p.NewAudioEncoder == nil:
		return core.NewError(core.KindConfiguration, "platform has no audio encoder")
	case p.Microphone == nil:
		return core.NewError(core.KindConfiguration, "platform has no microphone")
	case p.NewWriter == nil:
		return core.NewError(core.KindConfiguration, "platform has no container writer")
	}
	return nil
}

// FFmpegPlatform encodes with ffmpeg and writes with the built-in muxers.
func FFmpegPlatform(ffmpegPath string, mic core.MicrophoneDevice, producer core.SurfaceProducer, logger *slog.Logger) Platform {
	if logger == nil {
		logger = slog.Default()
	}
	return Platform{
		NewVideoEncoder: func(format core.VideoFormat) (core.VideoEncoder, error) {
			enc, err := codec.NewVideoEncoder(ffmpegPath, format, logger)
			if err != nil {
				return nil, err
			}
			return enc, nil
		},
		NewAudioEncoder: func(format core.AudioFormat) (core.AudioEncoder, error) {
			enc, err := codec.NewAudioEncoder(ffmpegPath, format, logger)
			if err != nil {
				return nil, err
			}
			return enc, nil
		},
		Microphone: mic,
		Producer:   producer,
		NewWriter: func(format, path string) (muxer.ContainerWriter, error) {
			return muxer.NewWriter(format, path, logger)
		},
		Cover: &cover.FFmpegExtractor{FFmpegPath: ffmpegPath, Logger: logger},
	}
}
