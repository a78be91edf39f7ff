package h264

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

type bitWriter struct {
	buf  []byte
	nbit int
}

func (w *bitWriter) put(v uint, n int) {
	for i := n - 1; i >= 0; i-- {
		if w.nbit%8 == 0 {
			w.buf = append(w.buf, 0)
		}
		if (v>>i)&1 == 1 {
			w.buf[len(w.buf)-1] |= 1 << (7 - w.nbit%8)
		}
		w.nbit++
	}
}

func (w *bitWriter) ue(v uint) {
	v++
	n := 0
	for t := v; t > 1; t >>= 1 {
		n++
	}
	w.put(0, n)
	w.put(v, n+1)
}

// baselineSPS encodes a minimal baseline-profile SPS.
func baselineSPS(widthMbs, heightMbs uint, cropBottom uint) []byte {
	w := &bitWriter{}
	w.put(66, 8) // profile_idc
	w.put(0xC0, 8)
	w.put(31, 8) // level_idc
	w.ue(0)      // sps id
	w.ue(0)      // log2_max_frame_num_minus4
	w.ue(0)      // pic_order_cnt_type
	w.ue(0)      // log2_max_pic_order_cnt_lsb_minus4
	w.ue(1)      // max_num_ref_frames
	w.put(0, 1)
	w.ue(widthMbs - 1)
	w.ue(heightMbs - 1)
	w.put(1, 1) // frame_mbs_only
	w.put(1, 1) // direct_8x8
	if cropBottom > 0 {
		w.put(1, 1)
		w.ue(0)
		w.ue(0)
		w.ue(0)
		w.ue(cropBottom)
	} else {
		w.put(0, 1)
	}
	w.put(0, 1) // vui
	w.put(1, 1) // rbsp stop bit
	return append([]byte{0x67}, w.buf...)
}

func TestParseSPS(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		sps           []byte
		width, height int
	}{
		{"720p", baselineSPS(80, 45, 0), 1280, 720},
		{"1080p cropped", baselineSPS(120, 68, 4), 1920, 1080},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			info, err := ParseSPS(tt.sps)
			if err != nil {
				t.Fatalf("ParseSPS: %v", err)
			}
			if info.Width != tt.width || info.Height != tt.height {
				t.Fatalf("got %dx%d, want %dx%d", info.Width, info.Height, tt.width, tt.height)
			}
			if info.ProfileIDC != 66 || info.LevelIDC != 31 {
				t.Fatalf("profile/level = %d/%d, want 66/31", info.ProfileIDC, info.LevelIDC)
			}
			if got := info.CodecString(); got != "avc1.42C01F" {
				t.Fatalf("CodecString = %q, want avc1.42C01F", got)
			}
		})
	}
}

func TestParseSPSTruncated(t *testing.T) {
	t.Parallel()

	sps := baselineSPS(80, 45, 0)
	if _, err := ParseSPS(sps[:5]); !errors.Is(err, ErrShortSPS) {
		t.Fatalf("got %v, want ErrShortSPS", err)
	}
}

func TestParseAnnexBAndAVC(t *testing.T) {
	t.Parallel()

	sps := []byte{0x67, 0x42, 0xC0, 0x1F, 0xAA}
	pps := []byte{0x68, 0xCE, 0x3C, 0x80}
	idr := []byte{0x65, 0x88, 0x84, 0x00, 0x10}

	var stream []byte
	stream = append(stream, 0, 0, 0, 1, 0x09, 0xF0) // AUD
	stream = append(stream, 0, 0, 0, 1)
	stream = append(stream, sps...)
	stream = append(stream, 0, 0, 1)
	stream = append(stream, pps...)
	stream = append(stream, 0, 0, 0, 1)
	stream = append(stream, idr...)

	units := ParseAnnexB(stream)
	if len(units) != 4 {
		t.Fatalf("units = %d, want 4", len(units))
	}
	if !HasIDR(units) {
		t.Fatal("HasIDR = false, want true")
	}
	gotSPS, gotPPS := ParameterSets(units)
	if !bytes.Equal(gotSPS, sps) || !bytes.Equal(gotPPS, pps) {
		t.Fatalf("parameter sets = %x / %x", gotSPS, gotPPS)
	}

	avc := ToAVC(units)
	if n := binary.BigEndian.Uint32(avc); n != uint32(len(idr)) {
		t.Fatalf("length prefix = %d, want %d", n, len(idr))
	}
	if !bytes.Equal(avc[4:], idr) || len(avc) != 4+len(idr) {
		t.Fatalf("avc sample = %x", avc)
	}

	if HasIDR(ParseAnnexB(append([]byte{0, 0, 0, 1}, 0x41, 0x9A, 0x00))) {
		t.Fatal("non-IDR slice reported as IDR")
	}
}

func TestBuildAVCDecoderConfig(t *testing.T) {
	t.Parallel()

	sps := []byte{0x67, 0x42, 0xC0, 0x1F, 0xAA}
	pps := []byte{0x68, 0xCE}
	cfg := BuildAVCDecoderConfig(sps, pps)
	want := []byte{1, 0x42, 0xC0, 0x1F, 0xFF, 0xE1, 0, 5}
	want = append(want, sps...)
	want = append(want, 1, 0, 2)
	want = append(want, pps...)
	if !bytes.Equal(cfg, want) {
		t.Fatalf("got %x, want %x", cfg, want)
	}
	if BuildAVCDecoderConfig(sps[:2], pps) != nil {
		t.Fatal("short SPS should yield nil")
	}
}
