package audio

import (
	"math"
	"testing"
)

func TestChunkerCarriesLeftovers(t *testing.T) {
	c := NewChunker(ChunkSize)

	var r lcg = 42
	var in, out []int16
	next := int16(0)
	for i := 0; i < 200; i++ {
		n := int(r.next()%1500) + 1 // frames in this callback
		batch := make([]int16, n*2)
		for j := range batch {
			batch[j] = next
			next++
		}
		in = append(in, batch...)
		c.Push(batch, func(chunk []int16, offset int) {
			if len(chunk) != ChunkSize*2 {
				t.Fatalf("chunk has %d samples, want %d", len(chunk), ChunkSize*2)
			}
			out = append(out, chunk...)
		})
	}

	if len(out)%(ChunkSize*2) != 0 {
		t.Fatalf("emitted %d samples, not a multiple of the chunk", len(out))
	}
	if got, want := len(out)/2+c.Pending(), len(in)/2; got != want {
		t.Fatalf("emitted+pending = %d frames, want %d", got, want)
	}
	if !equalS16(out, in[:len(out)]) {
		t.Fatal("chunks do not reproduce the input in order")
	}
}

func TestChunkerOffsets(t *testing.T) {
	c := NewChunker(4)
	var offsets []int
	emit := func(_ []int16, off int) { offsets = append(offsets, off) }

	c.Push(make([]int16, 3*2), emit) // 3 pending
	c.Push(make([]int16, 6*2), emit) // chunks start at -3 and 1, one frame left
	want := []int{-3, 1}
	if len(offsets) != len(want) || offsets[0] != want[0] || offsets[1] != want[1] {
		t.Fatalf("offsets = %v, want %v", offsets, want)
	}
	if c.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", c.Pending())
	}
	c.Reset()
	if c.Pending() != 0 {
		t.Fatal("reset did not clear pending frames")
	}
}

func TestPipelineTimestampsAndChunking(t *testing.T) {
	var frames []Frame
	p, err := NewPipeline(NativeFormat{SampleRate: 48000, Channels: 2, Format: FormatS16}, false, func(f Frame) {
		frames = append(frames, Frame{Frames: f.Frames, TimestampMs: f.TimestampMs})
	})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	if err := p.Push(make([]byte, 100*4), 0); err != nil {
		t.Fatal(err)
	}
	if len(frames) != 0 {
		t.Fatalf("emitted %d frames before a chunk filled", len(frames))
	}
	if err := p.Push(make([]byte, 480*4), 10); err != nil {
		t.Fatal(err)
	}
	if len(frames) != 1 {
		t.Fatalf("emitted %d frames, want 1", len(frames))
	}
	if frames[0].Frames != ChunkSize {
		t.Fatalf("chunk frames = %d", frames[0].Frames)
	}
	// The chunk began 100 frames (~2 ms) before the second callback.
	if frames[0].TimestampMs != 8 {
		t.Fatalf("timestamp = %d, want 8", frames[0].TimestampMs)
	}
}

func TestPipelineResamplesMicrophoneFormat(t *testing.T) {
	// 44.1 kHz float mono, as many USB microphones deliver.
	f := NativeFormat{SampleRate: 44100, Channels: 1, Format: FormatF32}
	total := 0
	p, err := NewPipeline(f, false, func(fr Frame) {
		if fr.Frames != ChunkSize || len(fr.Samples) != ChunkSize*2 {
			t.Fatalf("frame = %d frames / %d samples", fr.Frames, len(fr.Samples))
		}
		total += fr.Frames
	})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		if err := p.Push(make([]byte, 441*4), uint64(i*10)); err != nil {
			t.Fatal(err)
		}
	}
	// 4410 native frames -> 4800 canonical frames -> ten chunks.
	if total != 4800 {
		t.Fatalf("emitted %d frames, want 4800", total)
	}
}

func TestPipelineWithSuppression(t *testing.T) {
	var got int
	p, err := NewPipeline(Canonical, true, func(fr Frame) {
		got += fr.Frames
	})
	if err != nil {
		t.Fatal(err)
	}
	if !p.Suppressing() {
		t.Fatal("suppression not enabled")
	}
	p.PushSamples(make([]int16, 1000*2), 0)
	if got != 960 {
		t.Fatalf("emitted %d frames, want 960", got)
	}
	p.Close()
	if p.Suppressing() {
		t.Fatal("Close did not release suppressors")
	}
}

func TestNoiseGate(t *testing.T) {
	g := NewNoiseGate()
	var r lcg = 3

	energy := func(f []float32) float64 {
		var e float64
		for _, v := range f {
			e += float64(v) * float64(v)
		}
		return e
	}

	frame := make([]float32, ChunkSize)
	for i := 0; i < 50; i++ {
		for j := range frame {
			frame[j] = float32(int32(r.next()%201) - 100)
		}
		before := energy(frame)
		g.Process(frame)
		if i >= 40 {
			if ratio := energy(frame) / before; ratio > 0.05 {
				t.Fatalf("noise frame %d kept %.3f of its energy", i, ratio)
			}
		}
	}

	for i := 0; i < 5; i++ {
		for j := range frame {
			frame[j] = float32(8000 * math.Sin(2*math.Pi*440*float64(i*ChunkSize+j)/SampleRate))
		}
		before := energy(frame)
		g.Process(frame)
		if i >= 1 {
			if ratio := energy(frame) / before; ratio < 0.95 {
				t.Fatalf("speech frame %d kept only %.3f of its energy", i, ratio)
			}
		}
	}
}
