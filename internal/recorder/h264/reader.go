package h264

import (
	"bufio"
	"bytes"
	"io"

	mch264 "github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

const maxNALUSize = 8 * 1024 * 1024

// AccessUnitReader splits a raw Annex-B elementary stream into access units.
// A new access unit starts at an access unit delimiter, or at a parameter set
// or a slice with first_mb_in_slice == 0 following slice data.
type AccessUnitReader struct {
	scanner *bufio.Scanner
	current [][]byte
	hasVCL  bool
	err     error
}

// NewAccessUnitReader wraps r, typically an encoder's stdout.
func NewAccessUnitReader(r io.Reader) *AccessUnitReader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 256*1024), maxNALUSize)
	s.Split(scanNALUs)
	return &AccessUnitReader{scanner: s}
}

// Next returns the NAL units of the next access unit. It returns io.EOF
// once the stream is exhausted.
func (r *AccessUnitReader) Next() ([][]byte, error) {
	if r.err != nil {
		return nil, r.err
	}
	for r.scanner.Scan() {
		nalu := r.scanner.Bytes()
		if len(nalu) == 0 {
			continue
		}
		nalu = append([]byte(nil), nalu...)

		if r.startsNewUnit(nalu) && len(r.current) > 0 {
			au := r.current
			r.current, r.hasVCL = nil, false
			r.push(nalu)
			return au, nil
		}
		r.push(nalu)
	}
	if err := r.scanner.Err(); err != nil {
		r.err = err
	} else {
		r.err = io.EOF
	}
	if len(r.current) > 0 {
		au := r.current
		r.current, r.hasVCL = nil, false
		return au, nil
	}
	return nil, r.err
}

func (r *AccessUnitReader) push(nalu []byte) {
	if NALUType(nalu) == mch264.NALUTypeAccessUnitDelimiter {
		return
	}
	r.current = append(r.current, nalu)
	if IsVCL(nalu) {
		r.hasVCL = true
	}
}

func (r *AccessUnitReader) startsNewUnit(nalu []byte) bool {
	switch typ := NALUType(nalu); {
	case typ == mch264.NALUTypeAccessUnitDelimiter:
		return true
	case !r.hasVCL:
		return false
	case typ == mch264.NALUTypeSPS, typ == mch264.NALUTypePPS, typ == mch264.NALUTypeSEI:
		return true
	case IsVCL(nalu):
		// first_mb_in_slice is ue(v); a leading 1 bit encodes 0.
		return len(nalu) > 1 && nalu[1]&0x80 != 0
	}
	return false
}

// scanNALUs is a bufio.SplitFunc yielding NAL units without start codes.
func scanNALUs(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := 0
	switch {
	case bytes.HasPrefix(data, startCode4):
		start = len(startCode4)
	case bytes.HasPrefix(data, startCode3):
		start = len(startCode3)
	case !atEOF && len(data) < len(startCode4):
		return 0, nil, nil
	}
	if next := bytes.Index(data[start:], startCode3); next >= 0 {
		return start + next, bytes.TrimRight(data[start:start+next], "\x00"), nil
	}
	if atEOF {
		return len(data), data[start:], nil
	}
	return 0, nil, nil
}
