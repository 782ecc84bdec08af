// Package h264 holds the bitstream plumbing shared by every hardware
// encoder backend: Annex-B to AVCC conversion, parameter-set caching,
// keyframe scheduling and a minimal SPS/PPS writer.
package h264

import (
	"encoding/binary"
)

// NAL unit types used by the encoders.
const (
	NALSlice = 1
	NALIDR   = 5
	NALSEI   = 6
	NALSPS   = 7
	NALPPS   = 8
	NALAUD   = 9
)

// NALType returns the nal_unit_type of a NAL unit (header byte first).
func NALType(nal []byte) int {
	if len(nal) == 0 {
		return -1
	}
	return int(nal[0] & 0x1F)
}

// startCode returns the length of the start code at b[i:] (3 or 4), or 0.
func startCode(b []byte, i int) int {
	if i+3 < len(b) && b[i] == 0 && b[i+1] == 0 && b[i+2] == 0 && b[i+3] == 1 {
		return 4
	}
	if i+2 < len(b) && b[i] == 0 && b[i+1] == 0 && b[i+2] == 1 {
		return 3
	}
	return 0
}

// SplitAnnexB slices an Annex-B byte stream into the units between start
// codes, byte for byte. The returned slices alias b. Bytes before the first
// start code are ignored, as are empty units.
func SplitAnnexB(b []byte) [][]byte {
	var nals [][]byte
	i := 0
	for i < len(b) {
		sc := startCode(b, i)
		if sc == 0 {
			i++
			continue
		}
		start := i + sc
		end := len(b)
		for j := start; j+2 < len(b); j++ {
			if b[j] == 0 && b[j+1] == 0 && (b[j+2] == 1 || (j+3 < len(b) && b[j+2] == 0 && b[j+3] == 1)) {
				end = j
				break
			}
		}
		nal := b[start:end]
		if len(nal) > 0 {
			nals = append(nals, nal)
		}
		i = end
	}
	return nals
}

// AppendAVCC appends nal as a 4-byte big-endian length followed by the
// unit itself.
func AppendAVCC(dst, nal []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(nal)))
	return append(dst, nal...)
}

// SplitAVCC is the inverse of AppendAVCC over a whole access unit.
func SplitAVCC(b []byte) ([][]byte, bool) {
	var nals [][]byte
	for len(b) > 0 {
		if len(b) < 4 {
			return nil, false
		}
		n := int(binary.BigEndian.Uint32(b))
		b = b[4:]
		if n > len(b) {
			return nil, false
		}
		nals = append(nals, b[:n])
		b = b[n:]
	}
	return nals, true
}

// Converter turns encoder output into AVCC access units. It remembers the
// most recent SPS and PPS so keyframes that arrive without in-band
// parameter sets can still be decoded from a cold start.
type Converter struct {
	sps []byte
	pps []byte
}

// SetParameterSets seeds the cache, for encoders that never emit
// parameter sets in-band.
func (c *Converter) SetParameterSets(sps, pps []byte) {
	c.sps = append(c.sps[:0], sps...)
	c.pps = append(c.pps[:0], pps...)
}

// ParameterSets returns the cached SPS and PPS, nil until seen.
func (c *Converter) ParameterSets() (sps, pps []byte) {
	return c.sps, c.pps
}

// Convert appends the AVCC form of one Annex-B access unit to dst and
// reports whether it contains an IDR slice.
func (c *Converter) Convert(dst, annexB []byte) ([]byte, bool) {
	return c.convertNALs(dst, SplitAnnexB(annexB))
}

// ConvertAVCC re-frames an access unit that is already length-prefixed,
// applying the same caching and prepending as Convert.
func (c *Converter) ConvertAVCC(dst, avcc []byte, lengthSize int) ([]byte, bool) {
	var nals [][]byte
	for len(avcc) >= lengthSize {
		var n int
		for k := 0; k < lengthSize; k++ {
			n = n<<8 | int(avcc[k])
		}
		avcc = avcc[lengthSize:]
		if n > len(avcc) {
			break
		}
		nals = append(nals, avcc[:n])
		avcc = avcc[n:]
	}
	return c.convertNALs(dst, nals)
}

func (c *Converter) convertNALs(dst []byte, nals [][]byte) ([]byte, bool) {
	var keyframe, inband bool
	for _, nal := range nals {
		switch NALType(nal) {
		case NALSPS:
			c.sps = append(c.sps[:0], nal...)
			inband = true
		case NALPPS:
			c.pps = append(c.pps[:0], nal...)
			inband = true
		case NALIDR:
			keyframe = true
		}
	}

	if keyframe && !inband && len(c.sps) > 0 && len(c.pps) > 0 {
		dst = AppendAVCC(dst, c.sps)
		dst = AppendAVCC(dst, c.pps)
	}
	for _, nal := range nals {
		dst = AppendAVCC(dst, nal)
	}
	return dst, keyframe
}
