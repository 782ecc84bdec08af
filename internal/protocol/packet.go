package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Packet magics, big-endian on the wire.
const (
	AudioMagic   uint32 = 0x4D434150 // "MCAP"
	PreviewMagic uint32 = 0x50524556 // "PREV"
	LogMagic     uint32 = 0x4C4F474D // "LOGM"
)

const (
	AudioVersion        = 2
	AudioHeaderSize     = 24
	CanonicalSampleRate = 48000
	CanonicalChannels   = 2
	CanonicalBits       = 16

	// previewFixedSize covers width, height, format and timestamp.
	previewFixedSize = 2 + 2 + 1 + 8

	// MaxPacketLength bounds the length field accepted by the decoder.
	MaxPacketLength = 64 << 20
)

var (
	ErrBadMagic     = errors.New("protocol: unknown packet magic")
	ErrShortPacket  = errors.New("protocol: packet too short")
	ErrPacketTooBig = errors.New("protocol: packet exceeds maximum length")
)

// PixelFormat identifies the pixel layout of a preview packet.
type PixelFormat uint8

const (
	FormatNV12   PixelFormat = 0
	FormatRGB24  PixelFormat = 1
	FormatRGBA32 PixelFormat = 2
)

func (f PixelFormat) String() string {
	switch f {
	case FormatNV12:
		return "nv12"
	case FormatRGB24:
		return "rgb24"
	case FormatRGBA32:
		return "rgba32"
	default:
		return fmt.Sprintf("format(%d)", uint8(f))
	}
}

// LogLevel is the severity byte carried by a LOGM packet.
type LogLevel uint8

const (
	LevelDebug   LogLevel = 0
	LevelInfo    LogLevel = 1
	LevelWarning LogLevel = 2
	LevelError   LogLevel = 3
)

func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("level(%d)", uint8(l))
	}
}

// AudioHeader is the fixed 24-byte header that precedes every PCM payload
// on stderr.
type AudioHeader struct {
	Version       uint8
	BitsPerSample uint8
	Channels      uint8
	IsFloat       bool
	SampleCount   uint32 // stereo frames
	SampleRate    uint32
	Timestamp     uint64 // milliseconds
}

// CanonicalAudioHeader returns the header for sampleCount frames of
// 48 kHz, 16-bit, interleaved stereo PCM.
func CanonicalAudioHeader(sampleCount uint32, timestampMs uint64) AudioHeader {
	return AudioHeader{
		Version:       AudioVersion,
		BitsPerSample: CanonicalBits,
		Channels:      CanonicalChannels,
		SampleCount:   sampleCount,
		SampleRate:    CanonicalSampleRate,
		Timestamp:     timestampMs,
	}
}

// PayloadSize is the number of PCM bytes that follow the header.
func (h AudioHeader) PayloadSize() int {
	return int(h.SampleCount) * int(h.Channels) * int(h.BitsPerSample/8)
}

// AppendTo appends the 24-byte wire form of h to dst.
func (h AudioHeader) AppendTo(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, AudioMagic)
	var isFloat uint8
	if h.IsFloat {
		isFloat = 1
	}
	dst = append(dst, h.Version, h.BitsPerSample, h.Channels, isFloat)
	dst = binary.BigEndian.AppendUint32(dst, h.SampleCount)
	dst = binary.BigEndian.AppendUint32(dst, h.SampleRate)
	dst = binary.BigEndian.AppendUint64(dst, h.Timestamp)
	return dst
}

// ParseAudioHeader decodes a 24-byte audio header.
func ParseAudioHeader(b []byte) (AudioHeader, error) {
	if len(b) < AudioHeaderSize {
		return AudioHeader{}, ErrShortPacket
	}
	if binary.BigEndian.Uint32(b) != AudioMagic {
		return AudioHeader{}, ErrBadMagic
	}
	return AudioHeader{
		Version:       b[4],
		BitsPerSample: b[5],
		Channels:      b[6],
		IsFloat:       b[7] != 0,
		SampleCount:   binary.BigEndian.Uint32(b[8:]),
		SampleRate:    binary.BigEndian.Uint32(b[12:]),
		Timestamp:     binary.BigEndian.Uint64(b[16:]),
	}, nil
}

// Preview is a small picture of the captured source sent alongside the
// video stream so the host can show a thumbnail without decoding.
type Preview struct {
	Width     uint16
	Height    uint16
	Format    PixelFormat
	Timestamp uint64
	Pixels    []byte
}

// AppendPreviewHeader appends the PREV header for p, without the pixels.
func AppendPreviewHeader(dst []byte, p Preview) []byte {
	dst = binary.BigEndian.AppendUint32(dst, PreviewMagic)
	dst = binary.BigEndian.AppendUint32(dst, uint32(previewFixedSize+len(p.Pixels)))
	dst = binary.BigEndian.AppendUint16(dst, p.Width)
	dst = binary.BigEndian.AppendUint16(dst, p.Height)
	dst = append(dst, uint8(p.Format))
	dst = binary.BigEndian.AppendUint64(dst, p.Timestamp)
	return dst
}

// AppendLog appends a complete LOGM packet.
func AppendLog(dst []byte, level LogLevel, msg string) []byte {
	dst = binary.BigEndian.AppendUint32(dst, LogMagic)
	dst = binary.BigEndian.AppendUint32(dst, uint32(1+len(msg)))
	dst = append(dst, uint8(level))
	dst = append(dst, msg...)
	return dst
}

// Packet is one decoded stderr packet. Exactly one of Audio, Preview or Log
// is set, matching Magic.
type Packet struct {
	Magic   uint32
	Audio   *AudioPacket
	Preview *Preview
	Log     *LogPacket
}

type AudioPacket struct {
	Header AudioHeader
	PCM    []byte
}

type LogPacket struct {
	Level   LogLevel
	Message string
}

// Decoder reads packets from a stderr stream written by Writer.
type Decoder struct {
	r   io.Reader
	hdr [AudioHeaderSize]byte
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Next returns the next packet, or io.EOF at a clean end of stream.
func (d *Decoder) Next() (*Packet, error) {
	if _, err := io.ReadFull(d.r, d.hdr[:4]); err != nil {
		return nil, err
	}
	magic := binary.BigEndian.Uint32(d.hdr[:4])
	switch magic {
	case AudioMagic:
		if _, err := io.ReadFull(d.r, d.hdr[4:]); err != nil {
			return nil, fmt.Errorf("protocol: read audio header: %w", noEOF(err))
		}
		h, err := ParseAudioHeader(d.hdr[:])
		if err != nil {
			return nil, err
		}
		if h.PayloadSize() > MaxPacketLength {
			return nil, ErrPacketTooBig
		}
		pcm := make([]byte, h.PayloadSize())
		if _, err := io.ReadFull(d.r, pcm); err != nil {
			return nil, fmt.Errorf("protocol: read audio payload: %w", noEOF(err))
		}
		return &Packet{Magic: magic, Audio: &AudioPacket{Header: h, PCM: pcm}}, nil

	case PreviewMagic, LogMagic:
		body, err := d.readBody()
		if err != nil {
			return nil, err
		}
		if magic == LogMagic {
			if len(body) < 1 {
				return nil, ErrShortPacket
			}
			return &Packet{Magic: magic, Log: &LogPacket{Level: LogLevel(body[0]), Message: string(body[1:])}}, nil
		}
		if len(body) < previewFixedSize {
			return nil, ErrShortPacket
		}
		return &Packet{Magic: magic, Preview: &Preview{
			Width:     binary.BigEndian.Uint16(body),
			Height:    binary.BigEndian.Uint16(body[2:]),
			Format:    PixelFormat(body[4]),
			Timestamp: binary.BigEndian.Uint64(body[5:]),
			Pixels:    body[previewFixedSize:],
		}}, nil

	default:
		return nil, fmt.Errorf("%w: 0x%08X", ErrBadMagic, magic)
	}
}

func (d *Decoder) readBody() ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(d.r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("protocol: read length: %w", noEOF(err))
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxPacketLength {
		return nil, ErrPacketTooBig
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(d.r, body); err != nil {
		return nil, fmt.Errorf("protocol: read body: %w", noEOF(err))
	}
	return body, nil
}

func noEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
