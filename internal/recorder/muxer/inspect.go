package muxer

import (
	"os"
	"time"

	gomp4 "github.com/abema/go-mp4"
	"github.com/pkg/errors"
)

// Summary describes a produced MP4 file.
type Summary struct {
	MajorBrand string
	Fragmented bool
	Fragments  int
	Tracks     []TrackSummary
}

// TrackSummary describes one track of a produced MP4 file.
type TrackSummary struct {
	ID        uint32
	Codec     string
	TimeScale uint32
	Samples   int
	Duration  time.Duration
	Width     int
	Height    int
	Channels  int
}

// Inspect reads back the box structure of an MP4 file.
func Inspect(path string) (*Summary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open file")
	}
	defer f.Close()

	info, err := gomp4.Probe(f)
	if err != nil {
		return nil, errors.Wrap(err, "probe mp4")
	}

	s := &Summary{
		MajorBrand: string(info.MajorBrand[:]),
		Fragmented: len(info.Segments) > 0,
		Fragments:  countFragments(info.Segments),
	}
	for _, tr := range info.Tracks {
		ts := TrackSummary{
			ID:        tr.TrackID,
			TimeScale: tr.Timescale,
			Samples:   len(tr.Samples),
		}
		var units uint64 = tr.Duration
		for _, seg := range info.Segments {
			if seg.TrackID != tr.TrackID {
				continue
			}
			ts.Samples += int(seg.SampleCount)
			units += uint64(seg.Duration)
		}
		if tr.Timescale > 0 {
			ts.Duration = time.Duration(units) * time.Second / time.Duration(tr.Timescale)
		}

		switch tr.Codec {
		case gomp4.CodecAVC1:
			ts.Codec = "h264"
			if tr.AVC != nil {
				ts.Width, ts.Height = int(tr.AVC.Width), int(tr.AVC.Height)
			}
		case gomp4.CodecMP4A:
			ts.Codec = "aac"
			if tr.MP4A != nil {
				ts.Channels = int(tr.MP4A.ChannelCount)
			}
		default:
			ts.Codec = "unknown"
		}
		s.Tracks = append(s.Tracks, ts)
	}
	return s, nil
}

func countFragments(segments gomp4.Segments) int {
	offsets := make(map[uint64]struct{})
	for _, seg := range segments {
		offsets[seg.MoofOffset] = struct{}{}
	}
	return len(offsets)
}
