// Package codectest provides deterministic stand-ins for the encoders,
// the microphone and the container writer used by the recording pipeline.
package codectest

import (
	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/h264"
)

// H.264 baseline parameter sets and slices accepted by the container writers.
var (
	SPS = []byte{
		0x67, 0x42, 0xc0, 0x28, 0xd9, 0x00, 0x78, 0x02,
		0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04,
		0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9,
		0x20,
	}
	PPS    = []byte{0x68, 0xce, 0x38, 0x80}
	IDR    = []byte{0x65, 0x88, 0x84, 0x00, 0x10}
	PFrame = []byte{0x41, 0x9a, 0x24, 0x8c, 0x09}
)

// AudioConfig is the AudioSpecificConfig of AAC-LC, 44100 Hz, stereo.
var AudioConfig = []byte{0x12, 0x10}

// AACFrame is a raw AAC access unit.
var AACFrame = []byte{
	0x21, 0x10, 0x05, 0x00, 0xa0, 0x19, 0x33, 0x87,
	0xf0, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
}

// VideoConfig returns the configuration unit payload of the fake video encoder.
func VideoConfig() []byte {
	return h264.Join(SPS, PPS)
}
