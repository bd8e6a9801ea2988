package core

import "time"

// VideoFormat configures the video encoder.
type VideoFormat struct {
	Width          int
	Height         int
	BitRate        int
	FrameRate      int
	IFrameInterval time.Duration
	// CropTop and CropBottom are fractions of the frame height masked off
	// before encoding.
	CropTop    float64
	CropBottom float64
}

// FrameSize is the size in bytes of one RGBA frame written to a Surface.
func (f VideoFormat) FrameSize() int {
	return f.Width * f.Height * 4
}

// AudioFormat configures the microphone and the audio encoder.
type AudioFormat struct {
	SampleRate      int
	Channels        int
	BitsPerSample   int
	SamplesPerFrame int
	BitRate         int
}

// ChunkSize is the number of PCM bytes making up one encoder frame.
func (f AudioFormat) ChunkSize() int {
	return f.SamplesPerFrame * f.Channels * f.BitsPerSample / 8
}

// ChunkDuration is the playback time covered by one chunk.
func (f AudioFormat) ChunkDuration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.SamplesPerFrame) * time.Second / time.Duration(f.SampleRate)
}

// Surface accepts raw RGBA frames for a video encoder.
type Surface interface {
	WriteFrame(frame []byte) error
}

// SurfaceProducer renders frames onto a surface until detached.
type SurfaceProducer interface {
	Attach(surface Surface, format VideoFormat) error
	Detach()
}

// VideoEncoder is a surface fed encoder. Output is pulled with Dequeue.
type VideoEncoder interface {
	InputSurface() Surface
	// Dequeue waits at most timeout for the next unit. It returns
	// ErrTryAgainLater when nothing is ready and ErrEndOfStream once the
	// end-of-stream unit has been handed out.
	Dequeue(timeout time.Duration) (*EncodedUnit, error)
	SignalEndOfInputStream() error
	Release() error
}

// AudioEncoder is a buffer fed encoder.
type AudioEncoder interface {
	// QueueInput hands a chunk to the encoder. An end-of-stream chunk
	// closes the input.
	QueueInput(chunk PCMChunk, ptsMicros int64) error
	Dequeue(timeout time.Duration) (*EncodedUnit, error)
	Release() error
}

// MicrophoneDevice opens capture handles.
type MicrophoneDevice interface {
	Open(format AudioFormat) (Microphone, error)
}

// Microphone is an open capture handle. Read blocks until data is available.
type Microphone interface {
	Read(p []byte) (int, error)
	Close() error
}
