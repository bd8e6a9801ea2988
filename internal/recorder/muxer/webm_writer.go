package muxer

import (
	"log/slog"
	"os"

	"github.com/at-wat/ebml-go/mkvcore"
	"github.com/at-wat/ebml-go/webm"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/pkg/errors"

	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/core"
	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/h264"
)

// WebMWriter writes H.264 and AAC into a Matroska/WebM file using simple
// blocks with millisecond timestamps.
type WebMWriter struct {
	path   string
	logger *slog.Logger

	tracks  []*webmTrack
	file    *os.File
	writers []webm.BlockWriteCloser
	fatal   error
	started bool
	closed  bool

	hasOrigin    bool
	originMicros int64
	totalSamples int64
}

type webmTrack struct {
	desc     core.TrackDescriptor
	entry    webm.TrackEntry
	sps, pps []byte
	count    int64
}

// NewWebMWriter creates a writer producing path.
func NewWebMWriter(path string, logger *slog.Logger) *WebMWriter {
	return &WebMWriter{
		path:   path,
		logger: logger.With("component", "webm_writer"),
	}
}

// AddTrack registers a track and returns its index.
func (w *WebMWriter) AddTrack(desc core.TrackDescriptor) (int, error) {
	if w.started {
		return 0, errors.New("cannot add track after start")
	}
	number := uint64(len(w.tracks) + 1)
	tr := &webmTrack{desc: desc}

	switch desc.Codec {
	case core.CodecH264:
		sps, pps, err := h264.ParameterSets(desc.CodecParameters)
		if err != nil {
			return 0, errors.Wrap(err, "video codec parameters")
		}
		record, err := h264.DecoderConfigRecord(sps, pps)
		if err != nil {
			return 0, errors.Wrap(err, "video codec parameters")
		}
		width, height := desc.Width, desc.Height
		if pw, ph, err := h264.Dimensions(sps); err == nil {
			width, height = pw, ph
		}
		tr.sps, tr.pps = sps, pps
		tr.entry = webm.TrackEntry{
			Name:         "Video",
			TrackNumber:  number,
			TrackUID:     number,
			CodecID:      "V_MPEG4/ISO/AVC",
			CodecPrivate: record,
			TrackType:    1,
			Video: &webm.Video{
				PixelWidth:  uint64(width),
				PixelHeight: uint64(height),
			},
		}

	case core.CodecAAC:
		var conf mpeg4audio.AudioSpecificConfig
		if err := conf.Unmarshal(desc.CodecParameters); err != nil {
			return 0, errors.Wrap(err, "audio codec parameters")
		}
		tr.entry = webm.TrackEntry{
			Name:         "Audio",
			TrackNumber:  number,
			TrackUID:     number,
			CodecID:      "A_AAC",
			CodecPrivate: desc.CodecParameters,
			TrackType:    2,
			Audio: &webm.Audio{
				SamplingFrequency: float64(conf.SampleRate),
				Channels:          uint64(conf.ChannelCount),
			},
		}

	default:
		return 0, errors.Errorf("unsupported codec %q", desc.Codec)
	}

	w.tracks = append(w.tracks, tr)
	return len(w.tracks) - 1, nil
}

// Start creates the file and writes the EBML header and track list.
func (w *WebMWriter) Start() error {
	if w.started {
		return errors.New("writer already started")
	}
	if len(w.tracks) == 0 {
		return errors.New("no tracks registered")
	}

	entries := make([]webm.TrackEntry, 0, len(w.tracks))
	for _, tr := range w.tracks {
		entries = append(entries, tr.entry)
	}

	f, err := os.Create(w.path)
	if err != nil {
		return errors.Wrap(err, "create output file")
	}
	writers, err := webm.NewSimpleBlockWriter(f, entries,
		mkvcore.WithOnFatalHandler(func(err error) {
			w.logger.Error("webm writer failed", "error", err)
			w.fatal = err
		}),
	)
	if err != nil {
		f.Close()
		os.Remove(w.path)
		return errors.Wrap(err, "create block writers")
	}
	w.file = f
	w.writers = writers
	w.started = true
	w.logger.Debug("webm header written", "path", w.path, "tracks", len(entries))
	return nil
}

// WriteSample writes one encoded unit as a simple block.
func (w *WebMWriter) WriteSample(track int, unit *core.EncodedUnit) error {
	if w.closed {
		return errors.New("writer closed")
	}
	if !w.started {
		return errors.New("header not written yet")
	}
	if w.fatal != nil {
		return errors.Wrap(w.fatal, "writer failed")
	}
	if track < 0 || track >= len(w.tracks) {
		return errors.Errorf("unknown track %d", track)
	}
	if unit.Flags.IsEndOfStream || len(unit.Payload) == 0 {
		return nil
	}
	tr := w.tracks[track]

	var payload []byte
	keyframe := true
	switch tr.desc.Codec {
	case core.CodecH264:
		var err error
		if unit.Flags.IsKeyFrame {
			payload, err = h264.ToAVCCWithParameterSets(unit.Payload, tr.sps, tr.pps)
		} else {
			payload, err = h264.ToAVCC(unit.Payload)
		}
		if err != nil {
			return errors.Wrap(err, "convert access unit")
		}
		keyframe = unit.Flags.IsKeyFrame
	default:
		payload = stripADTSHeader(unit.Payload)
	}
	if len(payload) == 0 {
		return nil
	}

	if !w.hasOrigin {
		w.hasOrigin = true
		w.originMicros = unit.TimestampMicros
	}
	timestampMs := (unit.TimestampMicros - w.originMicros) / 1000
	if timestampMs < 0 {
		timestampMs = 0
	}

	if _, err := w.writers[track].Write(keyframe, timestampMs, payload); err != nil {
		return errors.Wrapf(err, "write %s block", tr.desc.Stream)
	}
	tr.count++
	w.totalSamples++
	return nil
}

// Finalize closes every block writer, which closes the file.
func (w *WebMWriter) Finalize() error {
	if w.closed {
		return errors.New("writer closed")
	}
	if !w.started {
		return errors.New("writer never started")
	}
	w.closed = true

	var firstErr error
	for _, bw := range w.writers {
		if err := bw.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return errors.Wrap(firstErr, "close block writers")
	}
	if w.fatal != nil {
		return errors.Wrap(w.fatal, "writer failed")
	}
	if w.totalSamples == 0 {
		return errors.New("no samples written")
	}
	w.logger.Info("webm file finalized", "path", w.path, "samples", w.totalSamples)
	return nil
}

// Abort closes and removes a partially written file.
func (w *WebMWriter) Abort() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if w.file == nil {
		return nil
	}
	for _, bw := range w.writers {
		bw.Close()
	}
	w.file.Close()
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove partial file")
	}
	return nil
}
