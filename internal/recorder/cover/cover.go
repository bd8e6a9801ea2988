// Package cover extracts a still image of a finished recording.
package cover

import (
	"context"
	"log/slog"
	"os"

	"github.com/pkg/errors"

	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/ffmpeg"
)

// Extractor writes a cover image for the recording at path and returns the
// image path.
type Extractor interface {
	Extract(ctx context.Context, path string) (string, error)
}

// Path returns the cover location of a recording.
func Path(recording string) string {
	return recording + ".jpg"
}

// FFmpegExtractor grabs the first video frame as a JPEG.
type FFmpegExtractor struct {
	FFmpegPath string
	Logger     *slog.Logger
}

// Extract implements Extractor.
func (e *FFmpegExtractor) Extract(ctx context.Context, path string) (string, error) {
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dst := Path(path)
	proc, err := ffmpeg.Start(ffmpeg.Options{
		Path:   e.FFmpegPath,
		Args:   ffmpeg.CoverArgs(path, dst),
		Logger: logger,
	})
	if err != nil {
		return "", errors.Wrap(err, "start cover extraction")
	}

	select {
	case <-proc.Exited():
	case <-ctx.Done():
		proc.Stop(0)
		os.Remove(dst)
		return "", errors.Wrap(ctx.Err(), "cover extraction")
	}
	if err := proc.Wait(); err != nil {
		os.Remove(dst)
		return "", errors.Wrap(err, "extract cover")
	}
	if _, err := os.Stat(dst); err != nil {
		return "", errors.Wrap(err, "cover not written")
	}
	logger.Debug("cover extracted", "path", dst)
	return dst, nil
}
