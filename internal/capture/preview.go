package capture

import (
	"github.com/mattias800/snacka-capture/internal/protocol"
)

// Previewer downsamples every Nth frame into a small NV12 preview for the
// host's source picker.
type Previewer struct {
	every uint64
	w, h  int
	buf   []byte
	count uint64
}

// NewPreviewer keeps the aspect ratio of the srcW x srcH output. Preview
// dimensions are rounded down to even values and never exceed the source.
func NewPreviewer(srcW, srcH, width, every int) *Previewer {
	if every < 1 {
		every = 1
	}
	if width > srcW {
		width = srcW
	}
	width &^= 1
	if width < 2 {
		width = 2
	}
	height := (srcH * width / srcW) &^ 1
	if height < 2 {
		height = 2
	}
	return &Previewer{
		every: uint64(every),
		w:     width,
		h:     height,
		buf:   make([]byte, NV12Size(width, height)),
	}
}

func (p *Previewer) Size() (int, int) { return p.w, p.h }

// Next counts f and returns a preview when f is the first frame of an
// interval. The pixel slice is reused by the next preview.
func (p *Previewer) Next(f Frame) (protocol.Preview, bool) {
	n := p.count
	p.count++
	if n%p.every != 0 {
		return protocol.Preview{}, false
	}
	if err := ScaleNV12(p.buf, p.w, p.h, f.Data, f.Width, f.Height, f.Width, 0); err != nil {
		log.Debug("preview skipped", "error", err)
		return protocol.Preview{}, false
	}
	return protocol.Preview{
		Width:     uint16(p.w),
		Height:    uint16(p.h),
		Format:    protocol.FormatNV12,
		Timestamp: f.TimestampMs,
		Pixels:    p.buf,
	}, true
}
