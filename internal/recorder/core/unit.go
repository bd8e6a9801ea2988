package core

import "fmt"

// StreamKind identifies one of the two elementary streams of a recording.
type StreamKind uint8

const (
	StreamVideo StreamKind = iota
	StreamAudio
)

// Streams lists every stream a session carries.
var Streams = [...]StreamKind{StreamVideo, StreamAudio}

func (s StreamKind) String() string {
	switch s {
	case StreamVideo:
		return "video"
	case StreamAudio:
		return "audio"
	default:
		return fmt.Sprintf("stream(%d)", uint8(s))
	}
}

// UnitFlags carries the per-unit markers reported by an encoder.
type UnitFlags struct {
	IsConfig      bool
	IsEndOfStream bool
	IsKeyFrame    bool
}

// EncodedUnit is one compressed output unit of an encoder.
//
// For configuration units the payload holds the codec parameters
// (Annex-B SPS and PPS for H.264, an AudioSpecificConfig for AAC).
// For H.264 media units it holds one Annex-B access unit, for AAC one raw
// access unit without ADTS header. End-of-stream units carry no payload.
type EncodedUnit struct {
	Stream          StreamKind
	Payload         []byte
	TimestampMicros int64
	Flags           UnitFlags
}

// EndOfStream builds the end-of-stream marker for a stream.
func EndOfStream(stream StreamKind, timestampMicros int64) *EncodedUnit {
	return &EncodedUnit{
		Stream:          stream,
		TimestampMicros: timestampMicros,
		Flags:           UnitFlags{IsEndOfStream: true},
	}
}

// Codec names used in track descriptors.
const (
	CodecH264 = "h264"
	CodecAAC  = "aac"
)

// TrackDescriptor describes one stream's output format. It is produced once
// per stream, from the encoder's configuration unit.
type TrackDescriptor struct {
	Stream StreamKind
	Codec  string
	// CodecParameters is the payload of the configuration unit and is
	// interpreted by the container writer.
	CodecParameters []byte

	Width      int
	Height     int
	SampleRate int
	Channels   int
}

// DescriptorFromConfig derives a TrackDescriptor from a configuration unit.
func DescriptorFromConfig(unit *EncodedUnit, codec string) TrackDescriptor {
	params := make([]byte, len(unit.Payload))
	copy(params, unit.Payload)
	return TrackDescriptor{
		Stream:          unit.Stream,
		Codec:           codec,
		CodecParameters: params,
	}
}

// PCMChunk is one block of interleaved signed 16-bit little endian samples
// read from the microphone.
type PCMChunk struct {
	Bytes         []byte
	Length        int
	IsEndOfStream bool
}

// Data returns the valid portion of the chunk.
func (c PCMChunk) Data() []byte {
	if c.Length > len(c.Bytes) {
		return c.Bytes
	}
	return c.Bytes[:c.Length]
}
