package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"testing"
)

func s16Bytes(samples ...int16) []byte {
	b := make([]byte, 0, len(samples)*2)
	for _, s := range samples {
		b = binary.LittleEndian.AppendUint16(b, uint16(s))
	}
	return b
}

func f32Bytes(samples ...float32) []byte {
	b := make([]byte, 0, len(samples)*4)
	for _, s := range samples {
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(s))
	}
	return b
}

// lcg is a tiny deterministic generator so tests need no seeding.
type lcg uint32

func (l *lcg) next() uint32 {
	*l = *l*1664525 + 1013904223
	return uint32(*l)
}

func TestNormalizeCanonicalIsIdentity(t *testing.T) {
	var r lcg = 7
	in := make([]int16, 2*1000)
	for i := range in {
		in[i] = int16(r.next() >> 16)
	}
	raw := s16Bytes(in...)

	out, err := NormalizeAudio(Canonical, raw, nil)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if !bytes.Equal(s16Bytes(out...), raw) {
		t.Fatal("canonical input was not passed through byte-identical")
	}
}

func TestNormalizeResampleFrameCount(t *testing.T) {
	for _, rate := range []int{8000, 16000, 22050, 44100, 48000, 96000} {
		for _, k := range []int{1, 160, 441, 1000, 4410, 9600} {
			f := NativeFormat{SampleRate: rate, Channels: 2, Format: FormatS16}
			out, err := NormalizeAudio(f, make([]byte, k*4), nil)
			if err != nil {
				t.Fatalf("rate %d k %d: %v", rate, k, err)
			}
			frames := len(out) / 2
			exact := float64(k) * 48000 / float64(rate)
			if math.Abs(float64(frames)-math.Round(exact)) > 1 {
				t.Fatalf("rate %d k %d: %d frames, want %.0f±1", rate, k, frames, exact)
			}
			if frames != f.OutputFrames(k) {
				t.Fatalf("rate %d k %d: OutputFrames=%d, got %d", rate, k, f.OutputFrames(k), frames)
			}
		}
	}
}

func TestNormalizeNearestSample(t *testing.T) {
	// 24 kHz mono ramp: every native sample appears twice at 48 kHz.
	f := NativeFormat{SampleRate: 24000, Channels: 1, Format: FormatS16}
	out, err := NormalizeAudio(f, s16Bytes(10, 20, 30), nil)
	if err != nil {
		t.Fatal(err)
	}
	want := []int16{10, 10, 10, 10, 20, 20, 20, 20, 30, 30, 30, 30}
	if !equalS16(out, want) {
		t.Fatalf("out = %v, want %v", out, want)
	}
}

func TestNormalizeChannelFolding(t *testing.T) {
	tests := []struct {
		name     string
		channels int
		frame    []int16
		l, r     int16
	}{
		{"mono", 1, []int16{1234}, 1234, 1234},
		{"stereo", 2, []int16{-5, 7}, -5, 7},
		{"three", 3, []int16{100, 200, 300}, 200, 200},
		{"quad", 4, []int16{100, 200, 300, 400}, 200, 300},
		{"5.1", 6, []int16{600, 0, 300, 0, 0, 60}, 300, 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NativeFormat{SampleRate: 48000, Channels: tt.channels, Format: FormatS16}
			out, err := NormalizeAudio(f, s16Bytes(tt.frame...), nil)
			if err != nil {
				t.Fatal(err)
			}
			if len(out) != 2 || out[0] != tt.l || out[1] != tt.r {
				t.Fatalf("out = %v, want [%d %d]", out, tt.l, tt.r)
			}
		})
	}
}

func TestNormalizePlanarFloat(t *testing.T) {
	f := NativeFormat{SampleRate: 48000, Channels: 2, Format: FormatF32, Planar: true}
	// left plane, then right plane
	data := f32Bytes(0.5, -1.5, 0, 1)
	out, err := NormalizeAudio(f, data, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := []int16{16384, 0, -32768, 32767}
	if !equalS16(out, want) {
		t.Fatalf("out = %v, want %v", out, want)
	}
}

func TestNormalizeSampleFormats(t *testing.T) {
	tests := []struct {
		name string
		f    SampleFormat
		data []byte
		want int16
	}{
		{"s32", FormatS32, binary.LittleEndian.AppendUint32(nil, uint32(0x12345678)), 0x1234},
		{"s32 negative", FormatS32, binary.LittleEndian.AppendUint32(nil, 0xFFFF0000), -1},
		{"u8 mid", FormatU8, []byte{128}, 0},
		{"u8 max", FormatU8, []byte{255}, 127 << 8},
		{"u8 min", FormatU8, []byte{0}, -32768},
		{"s24", FormatS24, []byte{0x00, 0x34, 0x12}, 0x1234},
		{"s24 negative", FormatS24, []byte{0x00, 0x00, 0x80}, -32768},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NativeFormat{SampleRate: 48000, Channels: 1, Format: tt.f}
			out, err := NormalizeAudio(f, tt.data, nil)
			if err != nil {
				t.Fatal(err)
			}
			if out[0] != tt.want || out[1] != tt.want {
				t.Fatalf("out = %v, want %d", out, tt.want)
			}
		})
	}
}

func TestNormalizeRejectsBadInput(t *testing.T) {
	f := NativeFormat{SampleRate: 48000, Channels: 2, Format: FormatS16}
	if _, err := NormalizeAudio(f, make([]byte, 5), nil); !errors.Is(err, ErrMisaligned) {
		t.Fatalf("err = %v, want ErrMisaligned", err)
	}
	if _, err := NormalizeAudio(NativeFormat{SampleRate: 0, Channels: 2}, nil, nil); err == nil {
		t.Fatal("zero sample rate accepted")
	}
	if _, err := NormalizeAudio(NativeFormat{SampleRate: 48000, Channels: 2, Format: SampleFormat(99)}, nil, nil); err == nil {
		t.Fatal("unknown format accepted")
	}
}

func equalS16(a, b []int16) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
