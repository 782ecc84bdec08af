package winapi

import (
	"encoding/binary"
	"errors"
)

// Wave format tags.
const (
	WaveFormatPCM        = 0x0001
	WaveFormatIEEEFloat  = 0x0003
	WaveFormatExtensible = 0xFFFE
)

const (
	waveFormatExSize         = 18
	waveFormatExtensibleSize = 40
)

// KSDATAFORMAT_SUBTYPE_* GUIDs share this tail after their leading tag.
var subtypeTail = [14]byte{0x00, 0x00, 0x00, 0x00, 0x10, 0x00, 0x80, 0x00, 0x00, 0xaa, 0x00, 0x38, 0x9b, 0x71}

var ErrShortWaveFormat = errors.New("winapi: wave format truncated")

// WaveFormat is a decoded WAVEFORMATEX, with the WAVEFORMATEXTENSIBLE
// fields filled in when present.
type WaveFormat struct {
	FormatTag      uint16
	Channels       uint16
	SamplesPerSec  uint32
	AvgBytesPerSec uint32
	BlockAlign     uint16
	BitsPerSample  uint16

	ValidBitsPerSample uint16
	ChannelMask        uint32
	SubFormat          [16]byte
}

// ParseWaveFormat decodes the packed little-endian structure.
func ParseWaveFormat(b []byte) (WaveFormat, error) {
	if len(b) < waveFormatExSize {
		return WaveFormat{}, ErrShortWaveFormat
	}
	le := binary.LittleEndian
	w := WaveFormat{
		FormatTag:      le.Uint16(b[0:]),
		Channels:       le.Uint16(b[2:]),
		SamplesPerSec:  le.Uint32(b[4:]),
		AvgBytesPerSec: le.Uint32(b[8:]),
		BlockAlign:     le.Uint16(b[12:]),
		BitsPerSample:  le.Uint16(b[14:]),
	}
	extra := le.Uint16(b[16:])
	if w.FormatTag == WaveFormatExtensible && extra >= waveFormatExtensibleSize-waveFormatExSize {
		if len(b) < waveFormatExtensibleSize {
			return WaveFormat{}, ErrShortWaveFormat
		}
		w.ValidBitsPerSample = le.Uint16(b[18:])
		w.ChannelMask = le.Uint32(b[20:])
		copy(w.SubFormat[:], b[24:40])
	}
	return w, nil
}

// Encoding is the effective format tag: the tag itself, or for the
// extensible form the tag embedded in a standard sub-format GUID. It is 0
// for sub-formats it does not recognize.
func (w WaveFormat) Encoding() uint16 {
	if w.FormatTag != WaveFormatExtensible {
		return w.FormatTag
	}
	if [14]byte(w.SubFormat[2:]) != subtypeTail {
		return 0
	}
	return binary.LittleEndian.Uint16(w.SubFormat[0:])
}

// MarshalPCM encodes a plain integer PCM WAVEFORMATEX.
func MarshalPCM(rate, channels, bits int) []byte {
	b := make([]byte, waveFormatExSize)
	le := binary.LittleEndian
	align := channels * bits / 8
	le.PutUint16(b[0:], WaveFormatPCM)
	le.PutUint16(b[2:], uint16(channels))
	le.PutUint32(b[4:], uint32(rate))
	le.PutUint32(b[8:], uint32(rate*align))
	le.PutUint16(b[12:], uint16(align))
	le.PutUint16(b[14:], uint16(bits))
	return b
}
