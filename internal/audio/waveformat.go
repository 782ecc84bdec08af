package audio

import (
	"fmt"

	"github.com/mattias800/snacka-capture/internal/winapi"
)

// waveNativeFormat maps a WASAPI mix format onto the formats
// NormalizeAudio reads.
func waveNativeFormat(w winapi.WaveFormat) (NativeFormat, error) {
	nf := NativeFormat{SampleRate: int(w.SamplesPerSec), Channels: int(w.Channels)}
	enc, bits := w.Encoding(), w.BitsPerSample
	switch {
	case enc == winapi.WaveFormatIEEEFloat && bits == 32:
		nf.Format = FormatF32
	case enc == winapi.WaveFormatPCM && bits == 8:
		nf.Format = FormatU8
	case enc == winapi.WaveFormatPCM && bits == 16:
		nf.Format = FormatS16
	case enc == winapi.WaveFormatPCM && bits == 24:
		nf.Format = FormatS24
	case enc == winapi.WaveFormatPCM && bits == 32:
		nf.Format = FormatS32
	default:
		return NativeFormat{}, fmt.Errorf("audio: unsupported mix format tag %#x with %d bits", enc, bits)
	}
	return nf, nf.Validate()
}
