package winapi

import (
	"encoding/binary"
	"errors"
	"testing"
)

func TestMarshalPCMRoundTrip(t *testing.T) {
	w, err := ParseWaveFormat(MarshalPCM(48000, 2, 16))
	if err != nil {
		t.Fatalf("ParseWaveFormat: %v", err)
	}
	if w.Encoding() != WaveFormatPCM || w.Channels != 2 || w.SamplesPerSec != 48000 ||
		w.BitsPerSample != 16 || w.BlockAlign != 4 || w.AvgBytesPerSec != 192000 {
		t.Fatalf("decoded %+v", w)
	}
}

func TestParseExtensibleFloat(t *testing.T) {
	b := make([]byte, waveFormatExtensibleSize)
	le := binary.LittleEndian
	le.PutUint16(b[0:], WaveFormatExtensible)
	le.PutUint16(b[2:], 6)
	le.PutUint32(b[4:], 44100)
	le.PutUint16(b[14:], 32)
	le.PutUint16(b[16:], 22)
	le.PutUint16(b[18:], 32)
	le.PutUint32(b[20:], 0x3F)
	le.PutUint16(b[24:], WaveFormatIEEEFloat)
	copy(b[26:], subtypeTail[:])

	w, err := ParseWaveFormat(b)
	if err != nil {
		t.Fatalf("ParseWaveFormat: %v", err)
	}
	if w.Encoding() != WaveFormatIEEEFloat {
		t.Fatalf("Encoding() = %#x, want float", w.Encoding())
	}
	if w.Channels != 6 || w.ChannelMask != 0x3F || w.ValidBitsPerSample != 32 {
		t.Fatalf("decoded %+v", w)
	}

	b[30] = 0xFF
	w, _ = ParseWaveFormat(b)
	if w.Encoding() != 0 {
		t.Fatalf("Encoding() of unknown sub-format = %#x, want 0", w.Encoding())
	}
}

func TestParseWaveFormatShort(t *testing.T) {
	if _, err := ParseWaveFormat(make([]byte, 10)); !errors.Is(err, ErrShortWaveFormat) {
		t.Fatalf("err = %v", err)
	}
	b := make([]byte, waveFormatExSize)
	binary.LittleEndian.PutUint16(b[0:], WaveFormatExtensible)
	binary.LittleEndian.PutUint16(b[16:], 22)
	if _, err := ParseWaveFormat(b); !errors.Is(err, ErrShortWaveFormat) {
		t.Fatalf("truncated extensible err = %v", err)
	}
}
