package ffmpeg

import (
	"fmt"
	"strconv"

	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/core"
)

// CroppedSize returns the encoded picture size once the crop fractions of
// format are applied. Both dimensions are rounded down to even values as
// required by yuv420p.
func CroppedSize(format core.VideoFormat) (width, height, offsetY int) {
	width = format.Width &^ 1
	top := int(float64(format.Height) * format.CropTop)
	bottom := int(float64(format.Height) * format.CropBottom)
	height = (format.Height - top - bottom) &^ 1
	offsetY = top &^ 1
	return width, height, offsetY
}

// VideoEncoderArgs builds the arguments of an H.264 encoder reading raw RGBA
// frames on stdin and writing an Annex-B stream with access unit delimiters
// on stdout.
func VideoEncoderArgs(format core.VideoFormat) []string {
	fps := format.FrameRate
	if fps <= 0 {
		fps = 30
	}
	gop := int(format.IFrameInterval.Seconds() * float64(fps))
	if gop <= 0 {
		gop = fps
	}
	w, h, y := CroppedSize(format)

	args := []string{
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", format.Width, format.Height),
		"-r", strconv.Itoa(fps),
		"-i", "pipe:0",
	}
	if format.CropTop > 0 || format.CropBottom > 0 || format.Width%2 != 0 || format.Height%2 != 0 {
		args = append(args, "-vf", fmt.Sprintf("crop=%d:%d:0:%d", w, h, y))
	}
	return append(args,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-tune", "zerolatency",
		"-profile:v", "baseline",
		"-pix_fmt", "yuv420p",
		"-b:v", strconv.Itoa(format.BitRate),
		"-g", strconv.Itoa(gop),
		"-bf", "0",
		"-bsf:v", "h264_metadata=aud=insert",
		"-f", "h264",
		"pipe:1",
	)
}

// AudioEncoderArgs builds the arguments of an AAC-LC encoder reading
// interleaved s16le PCM on stdin and writing ADTS on stdout.
func AudioEncoderArgs(format core.AudioFormat) []string {
	return []string{
		"-f", "s16le",
		"-ar", strconv.Itoa(format.SampleRate),
		"-ac", strconv.Itoa(format.Channels),
		"-i", "pipe:0",
		"-c:a", "aac",
		"-profile:a", "aac_low",
		"-b:a", strconv.Itoa(format.BitRate),
		"-f", "adts",
		"pipe:1",
	}
}

// CaptureArgs builds the arguments of a capture device reader writing s16le
// PCM on stdout. inputFormat is an ffmpeg demuxer such as pulse, alsa or
// avfoundation.
func CaptureArgs(inputFormat, device string, format core.AudioFormat) []string {
	return []string{
		"-f", inputFormat,
		"-i", device,
		"-f", "s16le",
		"-ar", strconv.Itoa(format.SampleRate),
		"-ac", strconv.Itoa(format.Channels),
		"pipe:1",
	}
}

// GrabArgs builds the arguments of a screen grabber writing raw RGBA frames
// of the encoder's input size on stdout.
func GrabArgs(inputFormat, input string, format core.VideoFormat) []string {
	fps := format.FrameRate
	if fps <= 0 {
		fps = 30
	}
	return []string{
		"-f", inputFormat,
		"-framerate", strconv.Itoa(fps),
		"-i", input,
		"-vf", fmt.Sprintf("scale=%d:%d", format.Width, format.Height),
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"pipe:1",
	}
}

// CoverArgs builds the arguments extracting the first video frame of src
// as a JPEG.
func CoverArgs(src, dst string) []string {
	return []string{"-y", "-i", src, "-frames:v", "1", "-q:v", "3", dst}
}
