// Package h264 parses the pieces of an H.264 Annex B elementary stream the
// Matroska writer needs: NAL boundaries, IDR detection, SPS dimensions and
// the AVCDecoderConfigurationRecord used as CodecPrivate.
package h264

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// NAL unit types from ITU-T H.264 Table 7-1.
const (
	NALTypeSlice = 1
	NALTypeIDR   = 5
	NALTypeSEI   = 6
	NALTypeSPS   = 7
	NALTypePPS   = 8
	NALTypeAUD   = 9
)

// ErrShortSPS is returned when an SPS ends before the fields we need.
var ErrShortSPS = errors.New("h264: SPS data too short")

// NALUnit is one NAL unit without its start code.
type NALUnit struct {
	Type byte
	Data []byte // includes the NAL header byte
}

// ParseAnnexB splits an Annex B byte stream on 3- and 4-byte start codes.
func ParseAnnexB(data []byte) []NALUnit {
	n := len(data)
	if n < 4 {
		return nil
	}

	type mark struct{ sc, start int }
	var marks []mark
	for i := 0; i < n-2; {
		if data[i] == 0 && data[i+1] == 0 {
			if i < n-3 && data[i+2] == 0 && data[i+3] == 1 {
				marks = append(marks, mark{i, i + 4})
				i += 4
				continue
			}
			if data[i+2] == 1 {
				marks = append(marks, mark{i, i + 3})
				i += 3
				continue
			}
		}
		i++
	}

	var units []NALUnit
	for idx, m := range marks {
		end := n
		if idx+1 < len(marks) {
			end = marks[idx+1].sc
		}
		if m.start >= end {
			continue
		}
		nal := data[m.start:end]
		units = append(units, NALUnit{Type: nal[0] & 0x1F, Data: nal})
	}
	return units
}

// HasIDR reports whether the access unit contains an IDR slice.
func HasIDR(units []NALUnit) bool {
	for _, u := range units {
		if u.Type == NALTypeIDR {
			return true
		}
	}
	return false
}

// ParameterSets returns the first SPS and PPS in units, or nil.
func ParameterSets(units []NALUnit) (sps, pps []byte) {
	for _, u := range units {
		switch u.Type {
		case NALTypeSPS:
			if sps == nil {
				sps = u.Data
			}
		case NALTypePPS:
			if pps == nil {
				pps = u.Data
			}
		}
	}
	return sps, pps
}

// ToAVC rewrites units as 4-byte length-prefixed NAL units, the sample
// layout Matroska's V_MPEG4/ISO/AVC expects. Parameter sets and access
// unit delimiters are dropped since they travel in CodecPrivate.
func ToAVC(units []NALUnit) []byte {
	var total int
	for _, u := range units {
		if keepInSample(u.Type) {
			total += 4 + len(u.Data)
		}
	}
	out := make([]byte, 0, total)
	for _, u := range units {
		if !keepInSample(u.Type) {
			continue
		}
		out = binary.BigEndian.AppendUint32(out, uint32(len(u.Data)))
		out = append(out, u.Data...)
	}
	return out
}

func keepInSample(t byte) bool {
	return t != NALTypeSPS && t != NALTypePPS && t != NALTypeAUD
}

// BuildAVCDecoderConfig builds an AVCDecoderConfigurationRecord
// (ISO 14496-15 5.2.4.1.1) from one SPS and one PPS without start codes.
func BuildAVCDecoderConfig(sps, pps []byte) []byte {
	if len(sps) < 4 || len(pps) == 0 {
		return nil
	}

	buf := make([]byte, 0, 11+len(sps)+len(pps))
	buf = append(buf,
		1,      // configurationVersion
		sps[1], // AVCProfileIndication
		sps[2], // profile_compatibility
		sps[3], // AVCLevelIndication
		0xFF,   // reserved | lengthSizeMinusOne = 3
		0xE1,   // reserved | numOfSequenceParameterSets = 1
	)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(sps)))
	buf = append(buf, sps...)
	buf = append(buf, 1)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(pps)))
	buf = append(buf, pps...)
	return buf
}

// SPSInfo holds what the container needs from a sequence parameter set.
type SPSInfo struct {
	Width           int
	Height          int
	ProfileIDC      byte
	ConstraintFlags byte
	LevelIDC        byte
}

// CodecString returns the RFC 6381 codec string, e.g. "avc1.42E01F".
func (s SPSInfo) CodecString() string {
	return fmt.Sprintf("avc1.%02X%02X%02X", s.ProfileIDC, s.ConstraintFlags, s.LevelIDC)
}

var highProfiles = map[uint]bool{
	100: true, 110: true, 122: true, 244: true, 44: true, 83: true,
	86: true, 118: true, 128: true, 138: true, 139: true, 134: true,
}

// ParseSPS decodes profile, level and cropped picture size from an SPS NAL
// unit including its header byte.
func ParseSPS(nal []byte) (SPSInfo, error) {
	if len(nal) < 4 {
		return SPSInfo{}, ErrShortSPS
	}
	r := &bitReader{data: unescape(nal[1:])}

	profile := r.bits(8)
	constraints := r.bits(8)
	level := r.bits(8)
	r.ue() // seq_parameter_set_id

	chromaFormat := uint(1)
	separatePlanes := false
	if highProfiles[profile] {
		chromaFormat = r.ue()
		if chromaFormat == 3 {
			separatePlanes = r.bits(1) == 1
		}
		r.ue()    // bit_depth_luma_minus8
		r.ue()    // bit_depth_chroma_minus8
		r.bits(1) // qpprime_y_zero_transform_bypass_flag
		if r.bits(1) == 1 {
			lists := 8
			if chromaFormat == 3 {
				lists = 12
			}
			for i := 0; i < lists; i++ {
				if r.bits(1) == 1 {
					size := 16
					if i >= 6 {
						size = 64
					}
					r.skipScalingList(size)
				}
			}
		}
	}

	r.ue() // log2_max_frame_num_minus4
	switch r.ue() {
	case 0:
		r.ue() // log2_max_pic_order_cnt_lsb_minus4
	case 1:
		r.bits(1)
		r.se()
		r.se()
		for n := r.ue(); n > 0 && r.err == nil; n-- {
			r.se()
		}
	}
	r.ue()    // max_num_ref_frames
	r.bits(1) // gaps_in_frame_num_value_allowed_flag

	widthMbs := r.ue() + 1
	heightUnits := r.ue() + 1
	frameMbsOnly := r.bits(1)
	if frameMbsOnly == 0 {
		r.bits(1) // mb_adaptive_frame_field_flag
	}
	r.bits(1) // direct_8x8_inference_flag

	var cropL, cropR, cropT, cropB uint
	if r.bits(1) == 1 {
		cropL, cropR, cropT, cropB = r.ue(), r.ue(), r.ue(), r.ue()
	}
	if r.err != nil {
		return SPSInfo{}, r.err
	}

	subW, subH := uint(2), uint(2)
	switch {
	case separatePlanes, chromaFormat == 0, chromaFormat == 3:
		subW, subH = 1, 1
	case chromaFormat == 2:
		subW, subH = 2, 1
	}
	fieldMul := 2 - frameMbsOnly
	cropX := subW
	cropY := subH * fieldMul

	return SPSInfo{
		Width:           int(widthMbs*16 - cropX*(cropL+cropR)),
		Height:          int(heightUnits*16*fieldMul - cropY*(cropT+cropB)),
		ProfileIDC:      byte(profile),
		ConstraintFlags: byte(constraints),
		LevelIDC:        byte(level),
	}, nil
}

// unescape removes emulation prevention bytes (00 00 03).
func unescape(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if i+2 < len(data) && data[i] == 0 && data[i+1] == 0 && data[i+2] == 3 &&
			(i+3 >= len(data) || data[i+3] <= 3) {
			out = append(out, 0, 0)
			i += 2
			continue
		}
		out = append(out, data[i])
	}
	return out
}

// bitReader reads MSB-first. The first read past the end latches err and
// every later read returns zero.
type bitReader struct {
	data []byte
	pos  int
	bit  int
	err  error
}

func (r *bitReader) bit1() uint {
	if r.err != nil {
		return 0
	}
	if r.pos >= len(r.data) {
		r.err = ErrShortSPS
		return 0
	}
	v := uint(r.data[r.pos]>>(7-r.bit)) & 1
	r.bit++
	if r.bit == 8 {
		r.bit = 0
		r.pos++
	}
	return v
}

func (r *bitReader) bits(n int) uint {
	var v uint
	for i := 0; i < n; i++ {
		v = v<<1 | r.bit1()
	}
	return v
}

func (r *bitReader) ue() uint {
	zeros := 0
	for r.bit1() == 0 {
		if r.err != nil {
			return 0
		}
		zeros++
		if zeros > 31 {
			r.err = ErrShortSPS
			return 0
		}
	}
	if zeros == 0 {
		return 0
	}
	return (1 << zeros) - 1 + r.bits(zeros)
}

func (r *bitReader) se() int {
	v := r.ue()
	if v%2 == 0 {
		return -int(v / 2)
	}
	return int((v + 1) / 2)
}

func (r *bitReader) skipScalingList(size int) {
	last, next := 8, 8
	for j := 0; j < size && r.err == nil; j++ {
		if next != 0 {
			next = (last + r.se() + 256) % 256
		}
		if next != 0 {
			last = next
		}
	}
}
