package audio

import (
	"math"
)

// Frame is one canonical audio chunk. Samples is interleaved stereo and is
// only valid for the duration of the callback.
type Frame struct {
	Samples     []int16
	Frames      int
	TimestampMs uint64
}

// Chunker re-slices an interleaved stereo stream into fixed-size chunks.
// Samples that do not fill a chunk are kept for the next Push.
type Chunker struct {
	size    int // stereo frames per chunk
	pending []int16
}

func NewChunker(frames int) *Chunker {
	if frames <= 0 {
		frames = ChunkSize
	}
	return &Chunker{size: frames, pending: make([]int16, 0, frames*Channels*2)}
}

// Pending is the number of buffered stereo frames.
func (c *Chunker) Pending() int { return len(c.pending) / Channels }

// Push appends samples and calls emit once per complete chunk. offset is
// the position of the chunk's first frame relative to the first frame of
// samples; it is negative when the chunk starts with carried-over frames.
func (c *Chunker) Push(samples []int16, emit func(chunk []int16, offset int)) {
	carried := c.Pending()
	c.pending = append(c.pending, samples...)
	n := c.size * Channels
	start := 0
	for len(c.pending)-start >= n {
		emit(c.pending[start:start+n], start/Channels-carried)
		start += n
	}
	if start > 0 {
		rest := copy(c.pending, c.pending[start:])
		c.pending = c.pending[:rest]
	}
}

// Reset drops any buffered frames.
func (c *Chunker) Reset() { c.pending = c.pending[:0] }

// Pipeline runs NormalizeAudio, chunking and optional noise suppression
// for one source. It is driven from the source's capture goroutine only.
type Pipeline struct {
	format  NativeFormat
	chunker *Chunker
	emit    func(Frame)

	suppressors [Channels]Suppressor
	planes      [Channels][]float32

	normalized []int16
	filtered   []int16
}

// NewPipeline builds a pipeline for a native format. When suppress is set
// each channel gets its own suppressor state.
func NewPipeline(format NativeFormat, suppress bool, emit func(Frame)) (*Pipeline, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	p := &Pipeline{
		format:  format,
		chunker: NewChunker(ChunkSize),
		emit:    emit,
	}
	if suppress {
		for ch := range p.suppressors {
			s, err := NewSuppressor()
			if err != nil {
				p.Close()
				return nil, err
			}
			p.suppressors[ch] = s
			p.planes[ch] = make([]float32, ChunkSize)
		}
		p.filtered = make([]int16, ChunkSize*Channels)
	}
	return p, nil
}

// Format is the native format the pipeline reads.
func (p *Pipeline) Format() NativeFormat { return p.format }

// Suppressing reports whether noise suppression is active.
func (p *Pipeline) Suppressing() bool { return p.suppressors[0] != nil }

// Push normalizes one native buffer captured at timestampMs and emits
// every complete chunk.
func (p *Pipeline) Push(data []byte, timestampMs uint64) error {
	var err error
	p.normalized, err = NormalizeAudio(p.format, data, p.normalized[:0])
	if err != nil {
		return err
	}
	p.pushCanonical(p.normalized, timestampMs)
	return nil
}

// PushSamples feeds samples that are already canonical.
func (p *Pipeline) PushSamples(samples []int16, timestampMs uint64) {
	p.pushCanonical(samples, timestampMs)
}

func (p *Pipeline) pushCanonical(samples []int16, timestampMs uint64) {
	p.chunker.Push(samples, func(chunk []int16, offset int) {
		ts := int64(timestampMs) + int64(offset)*1000/SampleRate
		if ts < 0 {
			ts = 0
		}
		if p.Suppressing() {
			chunk = p.suppress(chunk)
		}
		p.emit(Frame{Samples: chunk, Frames: len(chunk) / Channels, TimestampMs: uint64(ts)})
	})
}

func (p *Pipeline) suppress(chunk []int16) []int16 {
	frames := len(chunk) / Channels
	for ch := 0; ch < Channels; ch++ {
		plane := p.planes[ch][:frames]
		for i := range plane {
			plane[i] = float32(chunk[i*Channels+ch])
		}
		p.suppressors[ch].Process(plane)
		for i, v := range plane {
			p.filtered[i*Channels+ch] = clampS16(v)
		}
	}
	return p.filtered[:len(chunk)]
}

// Close releases suppressor state.
func (p *Pipeline) Close() {
	for ch, s := range p.suppressors {
		if s != nil {
			s.Close()
			p.suppressors[ch] = nil
		}
	}
	p.chunker.Reset()
}

func clampS16(v float32) int16 {
	switch {
	case v >= math.MaxInt16:
		return math.MaxInt16
	case v <= math.MinInt16:
		return math.MinInt16
	}
	return int16(math.Round(float64(v)))
}
