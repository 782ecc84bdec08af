package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Canonical output format.
const (
	SampleRate = 48000
	Channels   = 2
	ChunkSize  = 480 // stereo frames per packet, 10 ms at 48 kHz
)

// SampleFormat is the encoding of one native sample.
type SampleFormat int

const (
	FormatS16 SampleFormat = iota
	FormatS32
	FormatF32
	FormatU8
	FormatS24
)

func (f SampleFormat) bytes() int {
	switch f {
	case FormatS16:
		return 2
	case FormatS32, FormatF32:
		return 4
	case FormatU8:
		return 1
	case FormatS24:
		return 3
	default:
		return 0
	}
}

func (f SampleFormat) String() string {
	switch f {
	case FormatS16:
		return "s16le"
	case FormatS32:
		return "s32le"
	case FormatF32:
		return "f32le"
	case FormatU8:
		return "u8"
	case FormatS24:
		return "s24le"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// NativeFormat describes what a device callback delivers. Multi-byte
// samples are little-endian. Planar buffers hold one plane per channel
// back to back.
type NativeFormat struct {
	SampleRate int
	Channels   int
	Format     SampleFormat
	Planar     bool
}

// Canonical is the format every source is normalized to.
var Canonical = NativeFormat{SampleRate: SampleRate, Channels: Channels, Format: FormatS16}

func (f NativeFormat) String() string {
	layout := "interleaved"
	if f.Planar {
		layout = "planar"
	}
	return fmt.Sprintf("%d Hz %d ch %s %s", f.SampleRate, f.Channels, f.Format, layout)
}

// Validate rejects formats NormalizeAudio cannot read.
func (f NativeFormat) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("audio: invalid sample rate %d", f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("audio: invalid channel count %d", f.Channels)
	}
	if f.Format.bytes() == 0 {
		return fmt.Errorf("audio: unsupported sample format %v", f.Format)
	}
	return nil
}

// FrameBytes is the size of one native frame across all channels.
func (f NativeFormat) FrameBytes() int { return f.Channels * f.Format.bytes() }

// OutputFrames is the number of canonical frames produced from n native
// frames.
func (f NativeFormat) OutputFrames(n int) int {
	if f.SampleRate == SampleRate {
		return n
	}
	return int(int64(n) * SampleRate / int64(f.SampleRate))
}

var ErrMisaligned = errors.New("audio: buffer is not a whole number of frames")

// NormalizeAudio converts one native buffer to canonical interleaved
// 16-bit stereo at 48 kHz, appending to dst.
//
// Even-indexed channels are averaged into the left output and odd-indexed
// channels into the right; mono is duplicated. Rate conversion maps output
// frame i to native frame i*nativeRate/48000 (nearest sample, no filter).
func NormalizeAudio(f NativeFormat, data []byte, dst []int16) ([]int16, error) {
	if err := f.Validate(); err != nil {
		return dst, err
	}
	fb := f.FrameBytes()
	if len(data)%fb != 0 {
		return dst, ErrMisaligned
	}
	frames := len(data) / fb

	if f == Canonical {
		for i := 0; i+1 < len(data); i += 2 {
			dst = append(dst, int16(binary.LittleEndian.Uint16(data[i:])))
		}
		return dst, nil
	}

	bps := f.Format.bytes()
	at := func(frame, ch int) int32 {
		var off int
		if f.Planar {
			off = ch*frames*bps + frame*bps
		} else {
			off = frame*fb + ch*bps
		}
		return readSample(f.Format, data[off:])
	}

	out := f.OutputFrames(frames)
	leftN := int64((f.Channels + 1) / 2)
	rightN := int64(f.Channels / 2)
	for i := 0; i < out; i++ {
		src := i
		if f.SampleRate != SampleRate {
			src = int(int64(i) * int64(f.SampleRate) / SampleRate)
		}
		if src >= frames {
			src = frames - 1
		}
		var left, right int64
		for ch := 0; ch < f.Channels; ch++ {
			if ch%2 == 0 {
				left += int64(at(src, ch))
			} else {
				right += int64(at(src, ch))
			}
		}
		l := int16(left / leftN)
		r := l
		if rightN > 0 {
			r = int16(right / rightN)
		}
		dst = append(dst, l, r)
	}
	return dst, nil
}

// readSample returns one sample scaled to the signed 16-bit range.
func readSample(f SampleFormat, b []byte) int32 {
	switch f {
	case FormatS16:
		return int32(int16(binary.LittleEndian.Uint16(b)))
	case FormatS32:
		return int32(binary.LittleEndian.Uint32(b)) >> 16
	case FormatF32:
		return floatToS16(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	case FormatU8:
		return (int32(b[0]) - 128) << 8
	case FormatS24:
		v := int32(b[0]) | int32(b[1])<<8 | int32(int8(b[2]))<<16
		return v >> 8
	default:
		return 0
	}
}

func floatToS16(v float32) int32 {
	switch {
	case v != v: // NaN
		return 0
	case v >= 1:
		return math.MaxInt16
	case v <= -1:
		return math.MinInt16
	}
	return int32(math.Round(float64(v) * math.MaxInt16))
}
