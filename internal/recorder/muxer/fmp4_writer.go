package muxer

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
	"github.com/pkg/errors"

	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/core"
	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/h264"
)

const (
	videoTimeScale          = 90000
	defaultFrameRate        = 30
	defaultAACFrameSamples  = 1024
	defaultFragmentDuration = time.Second
)

// FMP4Writer writes a fragmented MP4 file: an init segment followed by one
// moof/mdat pair per fragment. The file is opened on Start.
type FMP4Writer struct {
	path             string
	logger           *slog.Logger
	fragmentDuration time.Duration

	file           *os.File
	tracks         []*fmp4Track
	sequenceNumber uint32
	started        bool
	closed         bool

	hasOrigin     bool
	originMicros  int64
	fragmentStart int64
	totalSamples  int64
	bytesWritten  int64
}

type fmp4Track struct {
	id              int
	desc            core.TrackDescriptor
	codec           mp4.Codec
	timeScale       uint32
	defaultDuration uint32
	sps, pps        []byte

	held     *heldSample
	queued   []*fmp4.Sample
	baseTime uint64
	count    int64
}

// heldSample waits for its successor, which determines its duration.
type heldSample struct {
	sample *fmp4.Sample
	dts    int64
}

// NewFMP4Writer creates a writer producing path.
func NewFMP4Writer(path string, logger *slog.Logger) *FMP4Writer {
	return &FMP4Writer{
		path:             path,
		logger:           logger.With("component", "fmp4_writer"),
		fragmentDuration: defaultFragmentDuration,
		sequenceNumber:   1,
	}
}

// AddTrack registers a track and returns its index.
func (w *FMP4Writer) AddTrack(desc core.TrackDescriptor) (int, error) {
	if w.started {
		return 0, errors.New("cannot add track after start")
	}
	tr := &fmp4Track{id: len(w.tracks) + 1, desc: desc}

	switch desc.Codec {
	case core.CodecH264:
		sps, pps, err := h264.ParameterSets(desc.CodecParameters)
		if err != nil {
			return 0, errors.Wrap(err, "video codec parameters")
		}
		tr.sps, tr.pps = sps, pps
		tr.codec = &mp4.CodecH264{SPS: sps, PPS: pps}
		tr.timeScale = videoTimeScale
		tr.defaultDuration = videoTimeScale / defaultFrameRate

	case core.CodecAAC:
		var conf mpeg4audio.AudioSpecificConfig
		if err := conf.Unmarshal(desc.CodecParameters); err != nil {
			return 0, errors.Wrap(err, "audio codec parameters")
		}
		tr.codec = &mp4.CodecMPEG4Audio{Config: conf}
		tr.timeScale = uint32(conf.SampleRate)
		tr.defaultDuration = defaultAACFrameSamples

	default:
		return 0, errors.Errorf("unsupported codec %q", desc.Codec)
	}

	w.tracks = append(w.tracks, tr)
	return len(w.tracks) - 1, nil
}

// Start creates the file and writes the init segment.
func (w *FMP4Writer) Start() error {
	if w.started {
		return errors.New("writer already started")
	}
	if len(w.tracks) == 0 {
		return errors.New("no tracks registered")
	}

	init := &fmp4.Init{}
	for _, tr := range w.tracks {
		init.Tracks = append(init.Tracks, &fmp4.InitTrack{
			ID:        tr.id,
			TimeScale: tr.timeScale,
			Codec:     tr.codec,
		})
	}

	var buf seekablebuffer.Buffer
	if err := init.Marshal(&buf); err != nil {
		return errors.Wrap(err, "marshal init segment")
	}

	f, err := os.Create(w.path)
	if err != nil {
		return errors.Wrap(err, "create output file")
	}
	w.file = f
	w.started = true

	if err := w.write(buf.Bytes()); err != nil {
		return errors.Wrap(err, "write init segment")
	}
	w.logger.Debug("init segment written", "path", w.path, "tracks", len(w.tracks), "size", buf.Len())
	return nil
}

// WriteSample queues one encoded unit. Samples are emitted a fragment at a time.
func (w *FMP4Writer) WriteSample(track int, unit *core.EncodedUnit) error {
	if w.closed {
		return errors.New("writer closed")
	}
	if !w.started {
		return errors.New("init segment not written yet")
	}
	if track < 0 || track >= len(w.tracks) {
		return errors.Errorf("unknown track %d", track)
	}
	if unit.Flags.IsEndOfStream || len(unit.Payload) == 0 {
		return nil
	}
	tr := w.tracks[track]

	sample := &fmp4.Sample{IsNonSyncSample: true}
	switch tr.desc.Codec {
	case core.CodecH264:
		var err error
		if unit.Flags.IsKeyFrame {
			sample.Payload, err = h264.ToAVCCWithParameterSets(unit.Payload, tr.sps, tr.pps)
		} else {
			sample.Payload, err = h264.ToAVCC(unit.Payload)
		}
		if err != nil {
			return errors.Wrap(err, "convert access unit")
		}
		sample.IsNonSyncSample = !unit.Flags.IsKeyFrame
	default:
		sample.Payload = stripADTSHeader(unit.Payload)
		sample.IsNonSyncSample = false
	}
	if len(sample.Payload) == 0 {
		return nil
	}

	if !w.hasOrigin {
		w.hasOrigin = true
		w.originMicros = unit.TimestampMicros
		w.fragmentStart = unit.TimestampMicros
	}
	dts := scaleTimestamp(unit.TimestampMicros-w.originMicros, tr.timeScale)

	if tr.held != nil {
		w.release(tr, dts-tr.held.dts)
	}
	tr.held = &heldSample{sample: sample, dts: dts}
	tr.count++
	w.totalSamples++

	if time.Duration(unit.TimestampMicros-w.fragmentStart)*time.Microsecond >= w.fragmentDuration {
		if err := w.flush(); err != nil {
			return err
		}
		w.fragmentStart = unit.TimestampMicros
	}
	return nil
}

// release moves the held sample of tr into the fragment queue.
func (w *FMP4Writer) release(tr *fmp4Track, duration int64) {
	if duration <= 0 {
		duration = int64(tr.defaultDuration)
	}
	tr.held.sample.Duration = uint32(duration)
	if len(tr.queued) == 0 {
		tr.baseTime = uint64(tr.held.dts)
	}
	tr.queued = append(tr.queued, tr.held.sample)
	tr.held = nil
}

func (w *FMP4Writer) flush() error {
	part := &fmp4.Part{SequenceNumber: w.sequenceNumber}
	for _, tr := range w.tracks {
		if len(tr.queued) == 0 {
			continue
		}
		part.Tracks = append(part.Tracks, &fmp4.PartTrack{
			ID:       tr.id,
			BaseTime: tr.baseTime,
			Samples:  tr.queued,
		})
	}
	if len(part.Tracks) == 0 {
		return nil
	}

	var buf seekablebuffer.Buffer
	if err := part.Marshal(&buf); err != nil {
		return errors.Wrap(err, "marshal fragment")
	}
	if err := w.write(buf.Bytes()); err != nil {
		return errors.Wrap(err, "write fragment")
	}
	for _, tr := range w.tracks {
		tr.queued = nil
	}
	w.sequenceNumber++
	return nil
}

func (w *FMP4Writer) write(b []byte) error {
	n, err := w.file.Write(b)
	w.bytesWritten += int64(n)
	return err
}

// Finalize flushes the last fragment and closes the file.
func (w *FMP4Writer) Finalize() error {
	if w.closed {
		return errors.New("writer closed")
	}
	if !w.started {
		return errors.New("writer never started")
	}
	w.closed = true

	for _, tr := range w.tracks {
		if tr.held != nil {
			w.release(tr, 0)
		}
	}
	flushErr := w.flush()
	closeErr := w.file.Close()
	if flushErr != nil {
		return flushErr
	}
	if closeErr != nil {
		return errors.Wrap(closeErr, "close output file")
	}
	if w.totalSamples == 0 {
		return errors.New("no samples written")
	}

	attrs := []any{"path", w.path, "bytes", w.bytesWritten, "fragments", w.sequenceNumber - 1}
	for _, tr := range w.tracks {
		attrs = append(attrs, fmt.Sprintf("%sSamples", tr.desc.Stream), tr.count)
	}
	w.logger.Info("mp4 file finalized", attrs...)
	return nil
}

// Abort closes and removes a partially written file.
func (w *FMP4Writer) Abort() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if w.file == nil {
		return nil
	}
	w.file.Close()
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove partial file")
	}
	return nil
}
