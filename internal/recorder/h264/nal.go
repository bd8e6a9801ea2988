// Package h264 holds the H.264 bitstream helpers used by the recorder:
// Annex-B splitting, parameter set handling and AVCC conversion.
package h264

import (
	"bytes"

	"github.com/pkg/errors"

	mch264 "github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

var (
	startCode3 = []byte{0x00, 0x00, 0x01}
	startCode4 = []byte{0x00, 0x00, 0x00, 0x01}
)

// NALUType returns the type of a NAL unit without start code.
func NALUType(nalu []byte) mch264.NALUType {
	if len(nalu) == 0 {
		return 0
	}
	return mch264.NALUType(nalu[0] & 0x1F)
}

// IsVCL reports whether the NAL unit carries slice data.
func IsVCL(nalu []byte) bool {
	typ := NALUType(nalu)
	return typ >= mch264.NALUTypeNonIDR && typ <= mch264.NALUTypeIDR
}

// HasStartCode checks if data begins with an Annex-B start code.
func HasStartCode(data []byte) bool {
	return bytes.HasPrefix(data, startCode4) || bytes.HasPrefix(data, startCode3)
}

// Split returns the NAL units of an Annex-B buffer, without start codes.
func Split(data []byte) ([][]byte, error) {
	if !HasStartCode(data) {
		return nil, errors.New("data is not Annex-B")
	}
	var au mch264.AnnexB
	if err := au.Unmarshal(data); err != nil {
		return nil, errors.Wrap(err, "unmarshal Annex-B")
	}
	return au, nil
}

// Join encodes NAL units as Annex-B with 4-byte start codes.
func Join(nalus ...[]byte) []byte {
	size := 0
	for _, n := range nalus {
		size += len(startCode4) + len(n)
	}
	out := make([]byte, 0, size)
	for _, n := range nalus {
		if len(n) == 0 {
			continue
		}
		out = append(out, startCode4...)
		out = append(out, n...)
	}
	return out
}

// IsKeyFrame reports whether an Annex-B access unit contains an IDR slice.
func IsKeyFrame(au []byte) bool {
	nalus, err := Split(au)
	if err != nil {
		return false
	}
	for _, n := range nalus {
		if NALUType(n) == mch264.NALUTypeIDR {
			return true
		}
	}
	return false
}

// ParameterSets extracts the first SPS and PPS of an Annex-B buffer.
func ParameterSets(data []byte) (sps, pps []byte, err error) {
	nalus, err := Split(data)
	if err != nil {
		return nil, nil, err
	}
	for _, n := range nalus {
		switch NALUType(n) {
		case mch264.NALUTypeSPS:
			if sps == nil {
				sps = n
			}
		case mch264.NALUTypePPS:
			if pps == nil {
				pps = n
			}
		}
	}
	if sps == nil || pps == nil {
		return nil, nil, errors.Errorf("missing parameter sets (sps=%d bytes, pps=%d bytes)", len(sps), len(pps))
	}
	return sps, pps, nil
}

// Dimensions decodes the picture size carried by an SPS.
func Dimensions(sps []byte) (width, height int, err error) {
	var s mch264.SPS
	if err := s.Unmarshal(sps); err != nil {
		return 0, 0, errors.Wrap(err, "unmarshal SPS")
	}
	return s.Width(), s.Height(), nil
}
