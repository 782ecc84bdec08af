package h264

import (
	"bytes"
	"strings"
	"testing"
)

func TestKeyframeCadence(t *testing.T) {
	for _, n := range []int{1, 2, 5, 15, 30} {
		s := NewKeyframeSchedule(n)
		for i := 0; i < 200; i++ {
			pos := s.Next()
			if pos.Index != uint64(i) {
				t.Fatalf("N=%d: index %d, want %d", n, pos.Index, i)
			}
			want := i%n == 0
			if pos.Keyframe != want {
				t.Fatalf("N=%d frame %d: keyframe=%v, want %v", n, i, pos.Keyframe, want)
			}
			if pos.Keyframe != (pos.InGOP == 0) {
				t.Fatalf("N=%d frame %d: InGOP=%d inconsistent with keyframe", n, i, pos.InGOP)
			}
		}
		if s.Count() != 200 {
			t.Fatalf("count = %d", s.Count())
		}
	}
}

func TestKeyframeScheduleClampsInterval(t *testing.T) {
	s := NewKeyframeSchedule(0)
	for i := 0; i < 3; i++ {
		if !s.Next().Keyframe {
			t.Fatal("interval 0 should make every frame a keyframe")
		}
	}
}

func TestExpGolomb(t *testing.T) {
	var w bitWriter
	w.ue(0)  // 1
	w.ue(1)  // 010
	w.ue(2)  // 011
	w.ue(3)  // 00100
	w.se(-1) // ue(2) = 011
	// 1 010 011 00100 011 plus the stop bit fills exactly two bytes.
	got := w.trailing()
	want := []byte{0xA6, 0x47}
	if !bytes.Equal(got, want) {
		t.Fatalf("bits = %08b, want %08b", got, want)
	}
}

func TestEmulationPrevention(t *testing.T) {
	got := nal(3, NALSEI, []byte{0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x05})
	want := []byte{0x66, 0x00, 0x00, 0x03, 0x01, 0x00, 0x00, 0x03, 0x00, 0x05}
	if !bytes.Equal(got, want) {
		t.Fatalf("nal = % x, want % x", got, want)
	}
}

func TestWriteSPSParsesBack(t *testing.T) {
	tests := []struct {
		w, h, fps int
		level     int
	}{
		{1920, 1080, 30, 41},
		{1920, 1080, 60, 42},
		{1280, 720, 30, 41},
		{640, 480, 15, 41},
		{854, 480, 30, 41},
		{3840, 2160, 30, 51},
	}
	for _, tt := range tests {
		p := StreamParams{Width: tt.w, Height: tt.h, FPS: tt.fps}
		nalu, err := WriteSPS(p)
		if err != nil {
			t.Fatalf("%dx%d: %v", tt.w, tt.h, err)
		}
		info, err := ParseSPS(nalu)
		if err != nil {
			t.Fatalf("%dx%d: parse: %v", tt.w, tt.h, err)
		}
		if info.Width != tt.w || info.Height != tt.h {
			t.Errorf("%dx%d: parsed size %dx%d", tt.w, tt.h, info.Width, info.Height)
		}
		if info.Profile != ProfileConstrainedBaseline {
			t.Errorf("%dx%d: profile %d", tt.w, tt.h, info.Profile)
		}
		if info.Level != tt.level {
			t.Errorf("%dx%d@%d: level %d, want %d", tt.w, tt.h, tt.fps, info.Level, tt.level)
		}
		if !strings.HasPrefix(info.Codec, "avc1.42") {
			t.Errorf("%dx%d: codec %q", tt.w, tt.h, info.Codec)
		}
	}
}

func TestWriteSPSRejectsOddSizes(t *testing.T) {
	if _, err := WriteSPS(StreamParams{Width: 641, Height: 480, FPS: 30}); err == nil {
		t.Fatal("odd width accepted")
	}
	if _, err := WriteSPS(StreamParams{Width: 640, Height: 480}); err == nil {
		t.Fatal("zero fps accepted")
	}
}

func TestWritePPSShape(t *testing.T) {
	pps := WritePPS()
	if NALType(pps) != NALPPS {
		t.Fatalf("type = %d", NALType(pps))
	}
	if pps[0]>>5 != 3 {
		t.Fatalf("nal_ref_idc = %d", pps[0]>>5)
	}
	if _, err := ParseSPS(pps); err == nil {
		t.Fatal("ParseSPS accepted a PPS")
	}
}
