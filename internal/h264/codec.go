package h264

import (
	"fmt"

	"github.com/Eyevinn/mp4ff/avc"
)

// SPSInfo is the subset of a parsed SPS that gets logged when a stream
// starts.
type SPSInfo struct {
	Width   int
	Height  int
	Profile int
	Level   int
	Codec   string // RFC 6381, e.g. "avc1.42C029"
}

// ParseSPS decodes an SPS NAL unit (header byte included).
func ParseSPS(nal []byte) (SPSInfo, error) {
	if NALType(nal) != NALSPS {
		return SPSInfo{}, fmt.Errorf("h264: not an SPS (type %d)", NALType(nal))
	}
	sps, err := avc.ParseSPSNALUnit(nal, false)
	if err != nil {
		return SPSInfo{}, fmt.Errorf("h264: parse SPS: %w", err)
	}
	return SPSInfo{
		Width:   int(sps.Width),
		Height:  int(sps.Height),
		Profile: int(sps.Profile),
		Level:   int(sps.Level),
		Codec:   avc.CodecString("avc1", sps),
	}, nil
}
