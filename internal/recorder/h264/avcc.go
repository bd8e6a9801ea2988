package h264

import (
	"encoding/binary"

	"github.com/pkg/errors"

	mch264 "github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

// ToAVCC converts an Annex-B access unit to 4-byte length prefixed NAL units,
// the sample format of MP4 and Matroska. Access unit delimiters and
// in-band parameter sets are dropped; the container carries them.
func ToAVCC(annexB []byte) ([]byte, error) {
	nalus, err := Split(annexB)
	if err != nil {
		return nil, err
	}
	return appendAVCC(nil, nalus, false), nil
}

// ToAVCCWithParameterSets converts like ToAVCC and puts sps and pps in front,
// which keeps keyframes decodable on their own.
func ToAVCCWithParameterSets(annexB, sps, pps []byte) ([]byte, error) {
	nalus, err := Split(annexB)
	if err != nil {
		return nil, err
	}
	out := appendAVCC(nil, [][]byte{sps, pps}, true)
	return appendAVCC(out, nalus, false), nil
}

func appendAVCC(out []byte, nalus [][]byte, keepParams bool) []byte {
	var length [4]byte
	for _, n := range nalus {
		if len(n) == 0 {
			continue
		}
		switch NALUType(n) {
		case mch264.NALUTypeSPS, mch264.NALUTypePPS:
			if !keepParams {
				continue
			}
		case mch264.NALUTypeAccessUnitDelimiter:
			continue
		}
		binary.BigEndian.PutUint32(length[:], uint32(len(n)))
		out = append(out, length[:]...)
		out = append(out, n...)
	}
	return out
}

// DecoderConfigRecord builds an AVCDecoderConfigurationRecord (avcC) with
// 4-byte NAL lengths.
func DecoderConfigRecord(sps, pps []byte) ([]byte, error) {
	if len(sps) < 4 || len(pps) == 0 {
		return nil, errors.New("invalid parameter sets")
	}
	out := make([]byte, 0, 11+len(sps)+len(pps))
	out = append(out,
		1,      // configurationVersion
		sps[1], // AVCProfileIndication
		sps[2], // profile_compatibility
		sps[3], // AVCLevelIndication
		0xFF,   // lengthSizeMinusOne = 3
		0xE1,   // one SPS
	)
	out = binary.BigEndian.AppendUint16(out, uint16(len(sps)))
	out = append(out, sps...)
	out = append(out, 1)
	out = binary.BigEndian.AppendUint16(out, uint16(len(pps)))
	out = append(out, pps...)
	return out, nil
}

// ParseDecoderConfigRecord returns the first SPS and PPS of an avcC record.
func ParseDecoderConfigRecord(avcc []byte) (sps, pps []byte, err error) {
	if len(avcc) < 7 {
		return nil, nil, errors.New("avcC too short")
	}
	off := 5
	numSPS := int(avcc[off] & 0x1F)
	off++
	for i := 0; i < numSPS; i++ {
		if off+2 > len(avcc) {
			return nil, nil, errors.New("avcC truncated in SPS")
		}
		l := int(binary.BigEndian.Uint16(avcc[off:]))
		off += 2
		if off+l > len(avcc) {
			return nil, nil, errors.New("avcC truncated in SPS")
		}
		if sps == nil {
			sps = avcc[off : off+l]
		}
		off += l
	}
	if off >= len(avcc) {
		return nil, nil, errors.New("avcC missing PPS")
	}
	numPPS := int(avcc[off])
	off++
	for i := 0; i < numPPS; i++ {
		if off+2 > len(avcc) {
			return nil, nil, errors.New("avcC truncated in PPS")
		}
		l := int(binary.BigEndian.Uint16(avcc[off:]))
		off += 2
		if off+l > len(avcc) {
			return nil, nil, errors.New("avcC truncated in PPS")
		}
		if pps == nil {
			pps = avcc[off : off+l]
		}
		off += l
	}
	if sps == nil || pps == nil {
		return nil, nil, errors.New("avcC without parameter sets")
	}
	return sps, pps, nil
}
