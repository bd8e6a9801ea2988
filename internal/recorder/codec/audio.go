package codec

import (
	"bufio"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/core"
	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/ffmpeg"
)

const aacFrameSamples = 1024

// AudioEncoder encodes PCM chunks into AAC-LC. Output units carry raw access
// units; the first unit is the AudioSpecificConfig.
type AudioEncoder struct {
	format core.AudioFormat
	logger *slog.Logger
	proc   *ffmpeg.Process
	group  errgroup.Group

	out         chan *core.EncodedUnit
	eosSent     bool
	inputEnded  bool
	releaseOnce sync.Once
}

// NewAudioEncoder starts an encoder for format.
func NewAudioEncoder(ffmpegPath string, format core.AudioFormat, logger *slog.Logger) (*AudioEncoder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	proc, err := ffmpeg.Start(ffmpeg.Options{
		Path:   ffmpegPath,
		Args:   ffmpeg.AudioEncoderArgs(format),
		Stdin:  true,
		Logger: logger,
	})
	if err != nil {
		return nil, core.Wrap(core.KindDevice, err, "start audio encoder")
	}
	e := &AudioEncoder{
		format: format,
		logger: logger.With("component", "audio_encoder"),
		proc:   proc,
		out:    make(chan *core.EncodedUnit, outputQueueSize),
	}
	e.group.Go(e.readOutput)
	return e, nil
}

// QueueInput implements core.AudioEncoder. Timestamps of the output are
// derived from the sample count, so ptsMicros is not forwarded.
func (e *AudioEncoder) QueueInput(chunk core.PCMChunk, ptsMicros int64) error {
	if e.inputEnded {
		return errors.New("input already ended")
	}
	if chunk.IsEndOfStream {
		e.inputEnded = true
		if data := chunk.Data(); len(data) > 0 {
			if _, err := e.proc.Stdin.Write(data); err != nil {
				return errors.Wrap(err, "write pcm")
			}
		}
		return e.proc.CloseStdin()
	}
	if _, err := e.proc.Stdin.Write(chunk.Data()); err != nil {
		return errors.Wrap(err, "write pcm")
	}
	return nil
}

func (e *AudioEncoder) readOutput() error {
	defer close(e.out)

	r := bufio.NewReaderSize(e.proc.Stdout, 16*1024)
	configSent := false
	var samples int64
	sampleRate := e.format.SampleRate

	for {
		frame, err := readADTSFrame(r)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return errors.Wrap(err, "read audio stream")
		}

		var pkts mpeg4audio.ADTSPackets
		if err := pkts.Unmarshal(frame); err != nil {
			return errors.Wrap(err, "parse adts frame")
		}
		for _, pkt := range pkts {
			if !configSent {
				conf := mpeg4audio.AudioSpecificConfig{
					Type:         pkt.Type,
					SampleRate:   pkt.SampleRate,
					ChannelCount: pkt.ChannelCount,
				}
				payload, err := conf.Marshal()
				if err != nil {
					return errors.Wrap(err, "marshal audio config")
				}
				e.out <- &core.EncodedUnit{
					Stream:  core.StreamAudio,
					Payload: payload,
					Flags:   core.UnitFlags{IsConfig: true},
				}
				configSent = true
				sampleRate = pkt.SampleRate
			}
			e.out <- &core.EncodedUnit{
				Stream:          core.StreamAudio,
				Payload:         pkt.AU,
				TimestampMicros: samples * int64(time.Second/time.Microsecond) / int64(sampleRate),
				Flags:           core.UnitFlags{IsKeyFrame: true},
			}
			samples += aacFrameSamples
		}
	}

	if err := e.proc.Wait(); err != nil {
		return err
	}
	e.out <- core.EndOfStream(core.StreamAudio, samples*int64(time.Second/time.Microsecond)/int64(sampleRate))
	e.logger.Debug("audio encoder drained", "samples", samples)
	return nil
}

// readADTSFrame reads one complete ADTS frame, header included.
func readADTSFrame(r *bufio.Reader) ([]byte, error) {
	header, err := r.Peek(7)
	if err != nil {
		if len(header) == 0 && errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, errors.Wrap(err, "truncated adts header")
	}
	if header[0] != 0xFF || header[1]&0xF0 != 0xF0 {
		return nil, errors.New("lost adts sync")
	}
	size := int(header[3]&0x03)<<11 | int(header[4])<<3 | int(header[5])>>5
	if size < 7 {
		return nil, errors.Errorf("invalid adts frame length %d", size)
	}
	frame := make([]byte, size)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, errors.Wrap(err, "truncated adts frame")
	}
	return frame, nil
}

// Dequeue implements core.AudioEncoder.
func (e *AudioEncoder) Dequeue(timeout time.Duration) (*core.EncodedUnit, error) {
	return dequeue(e.out, &e.eosSent, timeout, &e.group, "audio")
}

// Release stops the process and joins the output reader.
func (e *AudioEncoder) Release() error {
	var err error
	e.releaseOnce.Do(func() {
		e.inputEnded = true
		e.proc.Stop(stopGrace)
		go func() {
			for range e.out {
			}
		}()
		err = e.group.Wait()
	})
	return err
}
