package audio

import (
	"testing"

	"github.com/mattias800/snacka-capture/internal/winapi"
)

func TestWaveNativeFormat(t *testing.T) {
	w, err := winapi.ParseWaveFormat(winapi.MarshalPCM(44100, 1, 24))
	if err != nil {
		t.Fatal(err)
	}
	nf, err := waveNativeFormat(w)
	if err != nil {
		t.Fatalf("waveNativeFormat: %v", err)
	}
	want := NativeFormat{SampleRate: 44100, Channels: 1, Format: FormatS24}
	if nf != want {
		t.Fatalf("got %v, want %v", nf, want)
	}

	float := winapi.WaveFormat{FormatTag: winapi.WaveFormatIEEEFloat, Channels: 2, SamplesPerSec: 48000, BitsPerSample: 32}
	if nf, err := waveNativeFormat(float); err != nil || nf.Format != FormatF32 {
		t.Fatalf("float mix format = %v, %v", nf, err)
	}

	odd := winapi.WaveFormat{FormatTag: winapi.WaveFormatIEEEFloat, Channels: 2, SamplesPerSec: 48000, BitsPerSample: 64}
	if _, err := waveNativeFormat(odd); err == nil {
		t.Fatal("64-bit float accepted")
	}
}
