// Package muxer multiplexes the encoded video and audio streams of a
// recording into a single container file.
package muxer

import (
	"log/slog"
	"strings"

	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/core"
)

// ContainerWriter writes registered tracks into one output file.
//
// Tracks are added before Start; samples are written after it. The file is
// only valid once Finalize returns nil. Abort releases the writer without
// producing a file.
type ContainerWriter interface {
	AddTrack(desc core.TrackDescriptor) (int, error)
	Start() error
	WriteSample(track int, unit *core.EncodedUnit) error
	Finalize() error
	Abort() error
}

// Container formats.
const (
	FormatMP4  = "mp4"
	FormatWebM = "webm"
)

// Formats lists the supported container formats.
var Formats = []string{FormatMP4, FormatWebM}

// Extension returns the file extension for a container format.
func Extension(format string) string {
	return "." + strings.ToLower(format)
}

// NewWriter returns a writer for format that will produce path.
func NewWriter(format, path string, logger *slog.Logger) (ContainerWriter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch strings.ToLower(format) {
	case FormatMP4, "":
		return NewFMP4Writer(path, logger), nil
	case FormatWebM:
		return NewWebMWriter(path, logger), nil
	default:
		return nil, core.NewError(core.KindConfiguration, "unsupported container format %q", format)
	}
}

// scaleTimestamp converts microseconds into timescale units.
func scaleTimestamp(timestampUs int64, timeScale uint32) int64 {
	if timestampUs <= 0 {
		return 0
	}
	return (timestampUs * int64(timeScale)) / 1_000_000
}

// stripADTSHeader removes an ADTS header if present. MP4 and Matroska
// samples carry raw AAC.
func stripADTSHeader(data []byte) []byte {
	if len(data) < 7 {
		return data
	}
	if data[0] == 0xFF && (data[1]&0xF0) == 0xF0 {
		headerLen := 7
		if (data[1] & 0x01) == 0 {
			headerLen = 9
		}
		if len(data) > headerLen {
			return data[headerLen:]
		}
	}
	return data
}
