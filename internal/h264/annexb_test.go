package h264

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/Eyevinn/mp4ff/avc"
)

func annexB(startCodes [][]byte, nals [][]byte) []byte {
	var b []byte
	for i, n := range nals {
		b = append(b, startCodes[i]...)
		b = append(b, n...)
	}
	return b
}

var (
	sc3 = []byte{0, 0, 1}
	sc4 = []byte{0, 0, 0, 1}
)

func TestConvertMixedStartCodes(t *testing.T) {
	sei := []byte{0x06, 0x05, 0x11, 0x22}
	slice := []byte{0x41, 0x9A, 0x02, 0x03, 0x80}
	in := annexB([][]byte{sc3, sc4}, [][]byte{sei, slice})

	var c Converter
	out, key := c.Convert(nil, in)
	if key {
		t.Fatal("non-IDR access unit reported as keyframe")
	}

	// Each segment: 4-byte BE length equal to the following NAL's size.
	rest := out
	var got [][]byte
	for len(rest) > 0 {
		n := int(binary.BigEndian.Uint32(rest))
		got = append(got, rest[4:4+n])
		rest = rest[4+n:]
	}
	want := [][]byte{sei, slice}
	if len(got) != len(want) {
		t.Fatalf("got %d units, want %d", len(got), len(want))
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Fatalf("unit %d = % x, want % x", i, got[i], want[i])
		}
	}

	// Independent check with mp4ff's sample splitter.
	units, err := avc.GetNalusFromSample(out)
	if err != nil {
		t.Fatalf("mp4ff split: %v", err)
	}
	if !bytes.Equal(bytes.Join(units, nil), append(append([]byte{}, sei...), slice...)) {
		t.Fatal("mp4ff reassembly does not match input payloads")
	}
}

func TestSplitAnnexBEdges(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want [][]byte
	}{
		{"empty", nil, nil},
		{"no start code", []byte{1, 2, 3}, nil},
		{"leading garbage", []byte{0xFF, 0, 0, 1, 0x65, 0x88}, [][]byte{{0x65, 0x88}}},
		{"zero before four-byte start code", []byte{0, 0, 1, 0x67, 0x42, 0, 0, 0, 0, 1, 0x68, 0xCE}, [][]byte{{0x67, 0x42, 0}, {0x68, 0xCE}}},
		{"trailing zeros kept", []byte{0, 0, 1, 0x41, 0x9A, 0, 0}, [][]byte{{0x41, 0x9A, 0, 0}}},
		{"back to back", []byte{0, 0, 0, 1, 0x09, 0xF0, 0, 0, 1, 0x41, 0x01}, [][]byte{{0x09, 0xF0}, {0x41, 0x01}}},
		{"empty unit skipped", []byte{0, 0, 1, 0, 0, 1, 0x41}, [][]byte{{0x41}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SplitAnnexB(tt.in)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d units (% x), want %d", len(got), got, len(tt.want))
			}
			for i := range got {
				if !bytes.Equal(got[i], tt.want[i]) {
					t.Fatalf("unit %d = % x, want % x", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestConverterPrependsCachedParameterSets(t *testing.T) {
	sps := []byte{0x67, 0x42, 0xC0, 0x29}
	pps := []byte{0x68, 0xCE, 0x3C, 0x80}
	idr := []byte{0x65, 0x88, 0x84}
	p := []byte{0x41, 0x9A, 0x01}

	var c Converter

	first, key := c.Convert(nil, annexB([][]byte{sc4, sc4, sc4}, [][]byte{sps, pps, idr}))
	if !key {
		t.Fatal("IDR not reported as keyframe")
	}
	units, _ := SplitAVCC(first)
	if len(units) != 3 || NALType(units[0]) != NALSPS || NALType(units[1]) != NALPPS {
		t.Fatalf("first keyframe units = % x", units)
	}

	delta, key := c.Convert(nil, annexB([][]byte{sc4}, [][]byte{p}))
	if key {
		t.Fatal("P slice reported as keyframe")
	}
	if units, _ := SplitAVCC(delta); len(units) != 1 {
		t.Fatalf("delta frame units = %d, want 1", len(units))
	}

	second, key := c.Convert(nil, annexB([][]byte{sc3}, [][]byte{idr}))
	if !key {
		t.Fatal("bare IDR not reported as keyframe")
	}
	units, _ = SplitAVCC(second)
	if len(units) != 3 {
		t.Fatalf("bare IDR produced %d units, want SPS+PPS+IDR", len(units))
	}
	if !bytes.Equal(units[0], sps) || !bytes.Equal(units[1], pps) || !bytes.Equal(units[2], idr) {
		t.Fatalf("prepended units = % x", units)
	}
}

func TestConverterSeededParameterSets(t *testing.T) {
	p := StreamParams{Width: 640, Height: 480, FPS: 15}
	sps, err := WriteSPS(p)
	if err != nil {
		t.Fatalf("WriteSPS: %v", err)
	}
	pps := WritePPS()

	var c Converter
	c.SetParameterSets(sps, pps)
	out, key := c.Convert(nil, []byte{0, 0, 1, 0x65, 0xB8, 0x04})
	if !key {
		t.Fatal("expected keyframe")
	}
	units, ok := SplitAVCC(out)
	if !ok || len(units) != 3 {
		t.Fatalf("units = %d ok=%v", len(units), ok)
	}
	if !bytes.Equal(units[0], sps) || !bytes.Equal(units[1], pps) {
		t.Fatal("seeded parameter sets not prepended")
	}
}

func TestConvertKeepsEveryUnitByteForByte(t *testing.T) {
	aud := []byte{0x09, 0xF0}
	slice := []byte{0x41, 0x9A, 0x00, 0x00}
	in := annexB([][]byte{sc3, sc4}, [][]byte{aud, slice})

	var c Converter
	out, _ := c.Convert(nil, in)
	units, ok := SplitAVCC(out)
	if !ok {
		t.Fatalf("malformed AVCC output % x", out)
	}
	if len(units) != 2 || NALType(units[0]) != NALAUD {
		t.Fatalf("units = % x, want AUD then slice", units)
	}
	want := append(append([]byte{}, aud...), slice...)
	if got := bytes.Join(units, nil); !bytes.Equal(got, want) {
		t.Fatalf("reassembled payload = % x, want % x", got, want)
	}
}

func TestConvertAVCCPassthrough(t *testing.T) {
	sps := []byte{0x67, 0x42, 0xC0, 0x1E}
	pps := []byte{0x68, 0xCE, 0x38, 0x80}
	idr := []byte{0x65, 0x88, 0x80, 0x40}

	var c Converter
	c.SetParameterSets(sps, pps)

	in := AppendAVCC(nil, idr)
	out, key := c.ConvertAVCC(nil, in, 4)
	if !key {
		t.Fatal("expected keyframe")
	}
	units, _ := SplitAVCC(out)
	if len(units) != 3 || !bytes.Equal(units[2], idr) {
		t.Fatalf("units = % x", units)
	}
}

func TestSplitAVCCRejectsTruncated(t *testing.T) {
	if _, ok := SplitAVCC([]byte{0, 0, 0, 9, 1, 2}); ok {
		t.Fatal("truncated unit accepted")
	}
	if _, ok := SplitAVCC([]byte{0, 0}); ok {
		t.Fatal("truncated length accepted")
	}
}
