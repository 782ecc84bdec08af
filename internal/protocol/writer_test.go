package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"syscall"
	"testing"
)

func TestAudioHeaderLayout(t *testing.T) {
	hdr := CanonicalAudioHeader(480, 0x0102030405060708)
	b := hdr.AppendTo(nil)

	if len(b) != AudioHeaderSize {
		t.Fatalf("header size = %d, want %d", len(b), AudioHeaderSize)
	}
	if string(b[:4]) != "MCAP" {
		t.Fatalf("magic = %q, want MCAP", b[:4])
	}
	want := []byte{
		'M', 'C', 'A', 'P',
		2, 16, 2, 0,
		0x00, 0x00, 0x01, 0xE0, // 480
		0x00, 0x00, 0xBB, 0x80, // 48000
		0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
	}
	if !bytes.Equal(b, want) {
		t.Fatalf("header = % x\nwant     % x", b, want)
	}
	if hdr.PayloadSize() != 480*2*2 {
		t.Fatalf("payload size = %d, want %d", hdr.PayloadSize(), 480*4)
	}

	parsed, err := ParseAudioHeader(b)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != hdr {
		t.Fatalf("parsed = %+v, want %+v", parsed, hdr)
	}
}

func TestParseAudioHeaderRejectsGarbage(t *testing.T) {
	if _, err := ParseAudioHeader(make([]byte, 10)); !errors.Is(err, ErrShortPacket) {
		t.Fatalf("short header err = %v", err)
	}
	if _, err := ParseAudioHeader(make([]byte, AudioHeaderSize)); !errors.Is(err, ErrBadMagic) {
		t.Fatalf("bad magic err = %v", err)
	}
}

func TestPreviewAndLogLayout(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(io.Discard, &buf, nil)

	pixels := []byte{1, 2, 3, 4, 5, 6}
	if err := w.WritePreview(Preview{Width: 2, Height: 2, Format: FormatNV12, Timestamp: 99, Pixels: pixels}); err != nil {
		t.Fatalf("preview: %v", err)
	}
	b := buf.Bytes()
	if string(b[:4]) != "PREV" {
		t.Fatalf("magic = %q", b[:4])
	}
	if got := binary.BigEndian.Uint32(b[4:]); got != uint32(13+len(pixels)) {
		t.Fatalf("preview length = %d, want %d", got, 13+len(pixels))
	}
	if len(b) != 8+13+len(pixels) {
		t.Fatalf("preview packet size = %d", len(b))
	}

	buf.Reset()
	if err := w.WriteLog(LevelWarning, "héllo"); err != nil {
		t.Fatalf("log: %v", err)
	}
	b = buf.Bytes()
	if string(b[:4]) != "LOGM" {
		t.Fatalf("magic = %q", b[:4])
	}
	if got := binary.BigEndian.Uint32(b[4:]); got != uint32(1+len("héllo")) {
		t.Fatalf("log length = %d", got)
	}
	if b[8] != byte(LevelWarning) {
		t.Fatalf("level = %d", b[8])
	}
	if string(b[9:]) != "héllo" {
		t.Fatalf("message = %q", b[9:])
	}
}

func TestDecoderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(io.Discard, &buf, nil)

	samples := make([]int16, 480*2)
	for i := range samples {
		samples[i] = int16(i - 480)
	}
	if err := w.WriteAudio(samples, 1234); err != nil {
		t.Fatalf("audio: %v", err)
	}
	if err := w.WriteLog(LevelInfo, "started"); err != nil {
		t.Fatalf("log: %v", err)
	}
	if err := w.WritePreview(Preview{Width: 4, Height: 2, Format: FormatNV12, Timestamp: 5, Pixels: make([]byte, 12)}); err != nil {
		t.Fatalf("preview: %v", err)
	}

	dec := NewDecoder(&buf)

	p, err := dec.Next()
	if err != nil {
		t.Fatalf("next audio: %v", err)
	}
	if p.Audio == nil {
		t.Fatalf("expected audio packet, got magic 0x%08X", p.Magic)
	}
	if p.Audio.Header.SampleCount != 480 || p.Audio.Header.Timestamp != 1234 {
		t.Fatalf("audio header = %+v", p.Audio.Header)
	}
	if got := int16(binary.LittleEndian.Uint16(p.Audio.PCM[2:])); got != samples[1] {
		t.Fatalf("second sample = %d, want %d", got, samples[1])
	}

	p, err = dec.Next()
	if err != nil || p.Log == nil {
		t.Fatalf("next log: %v %+v", err, p)
	}
	if p.Log.Level != LevelInfo || p.Log.Message != "started" {
		t.Fatalf("log = %+v", p.Log)
	}

	p, err = dec.Next()
	if err != nil || p.Preview == nil {
		t.Fatalf("next preview: %v %+v", err, p)
	}
	if p.Preview.Width != 4 || p.Preview.Height != 2 || len(p.Preview.Pixels) != 12 {
		t.Fatalf("preview = %+v", p.Preview)
	}

	if _, err := dec.Next(); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestWriteAudioRejectsOddSamples(t *testing.T) {
	w := NewWriter(io.Discard, io.Discard, nil)
	if err := w.WriteAudio(make([]int16, 3), 0); err == nil {
		t.Fatal("expected error for odd sample count")
	}
}

// chunkWriter accepts at most n bytes per call.
type chunkWriter struct {
	n   int
	buf bytes.Buffer
}

func (c *chunkWriter) Write(p []byte) (int, error) {
	if len(p) > c.n {
		p = p[:c.n]
	}
	return c.buf.Write(p)
}

func TestStreamHandlesPartialWrites(t *testing.T) {
	cw := &chunkWriter{n: 7}
	w := NewWriter(cw, io.Discard, nil)

	frame := make([]byte, 100)
	for i := range frame {
		frame[i] = byte(i)
	}
	if err := w.WriteVideo(frame); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !bytes.Equal(cw.buf.Bytes(), frame) {
		t.Fatal("partial writes did not reassemble the frame")
	}
	if w.Video().Bytes() != 100 || w.Video().Writes() != 1 {
		t.Fatalf("counters = %d bytes, %d writes", w.Video().Bytes(), w.Video().Writes())
	}
}

type errWriter struct {
	err   error
	calls int
}

func (e *errWriter) Write(p []byte) (int, error) {
	e.calls++
	return 0, e.err
}

func TestBrokenPipeFiresOnce(t *testing.T) {
	ew := &errWriter{err: &wrappedErr{syscall.EPIPE}}
	var fired []string
	w := NewWriter(ew, io.Discard, func(stream string, err error) {
		fired = append(fired, stream)
	})

	for i := 0; i < 5; i++ {
		if err := w.WriteVideo([]byte{1, 2, 3}); !errors.Is(err, ErrPipeBroken) {
			t.Fatalf("write %d err = %v, want ErrPipeBroken", i, err)
		}
	}
	if len(fired) != 1 || fired[0] != "stdout" {
		t.Fatalf("onBroken calls = %v, want [stdout]", fired)
	}
	if ew.calls != 1 {
		t.Fatalf("underlying writer called %d times after break, want 1", ew.calls)
	}
	if !w.Video().Broken() || w.Packets().Broken() {
		t.Fatal("only stdout should be marked broken")
	}
}

func TestOnBrokenRunsWithoutStreamLock(t *testing.T) {
	ew := &errWriter{err: &wrappedErr{syscall.EPIPE}}
	var w *Writer
	var held []string
	var logged error
	w = NewWriter(ew, io.Discard, func(stream string, err error) {
		for _, st := range []*Stream{w.Video(), w.Packets()} {
			if !st.mu.TryLock() {
				held = append(held, st.Name())
				continue
			}
			st.mu.Unlock()
		}
		logged = w.WriteLog(LevelInfo, "consumer closed "+stream)
	})

	if err := w.WriteVideo([]byte{1}); !errors.Is(err, ErrPipeBroken) {
		t.Fatalf("err = %v, want ErrPipeBroken", err)
	}
	if len(held) != 0 {
		t.Fatalf("locks held during onBroken: %v", held)
	}
	if logged != nil {
		t.Fatalf("log from onBroken failed: %v", logged)
	}
}

func TestBrokenAudioStreamNotifiesOnce(t *testing.T) {
	ew := &errWriter{err: &wrappedErr{syscall.EPIPE}}
	var w *Writer
	calls := 0
	w = NewWriter(io.Discard, ew, func(stream string, err error) {
		calls++
		if !w.Packets().mu.TryLock() {
			t.Error("stderr lock held during onBroken")
			return
		}
		w.Packets().mu.Unlock()
		if !errors.Is(err, syscall.EPIPE) {
			t.Errorf("cause = %v, want EPIPE", err)
		}
	})
	for i := 0; i < 3; i++ {
		if err := w.WriteAudio(make([]int16, 4), 0); !errors.Is(err, ErrPipeBroken) {
			t.Fatalf("write %d err = %v", i, err)
		}
	}
	if calls != 1 {
		t.Fatalf("onBroken calls = %d, want 1", calls)
	}
}

func TestClosedPipeIsBroken(t *testing.T) {
	r, pw := io.Pipe()
	r.Close()
	w := NewWriter(io.Discard, pw, nil)
	if err := w.WriteLog(LevelInfo, "x"); !errors.Is(err, ErrPipeBroken) {
		t.Fatalf("err = %v, want ErrPipeBroken", err)
	}
}

func TestOtherWriteErrorsAreNotBroken(t *testing.T) {
	ew := &errWriter{err: errors.New("disk on fire")}
	w := NewWriter(ew, io.Discard, func(string, error) { t.Fatal("onBroken must not fire") })
	err := w.WriteVideo([]byte{1})
	if err == nil || errors.Is(err, ErrPipeBroken) {
		t.Fatalf("err = %v", err)
	}
	if w.Video().Broken() {
		t.Fatal("stream marked broken on unrelated error")
	}
}

func TestConcurrentPacketsDoNotInterleave(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(io.Discard, &buf, nil)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			samples := make([]int16, 960)
			for i := 0; i < 50; i++ {
				if g%2 == 0 {
					_ = w.WriteAudio(samples, uint64(i))
				} else {
					_ = w.WriteLog(LevelDebug, "tick")
				}
			}
		}(g)
	}
	wg.Wait()

	dec := NewDecoder(&buf)
	var audio, logs int
	for {
		p, err := dec.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("decode after %d audio / %d log packets: %v", audio, logs, err)
		}
		switch {
		case p.Audio != nil:
			audio++
		case p.Log != nil:
			logs++
		}
	}
	if audio != 100 || logs != 100 {
		t.Fatalf("decoded %d audio and %d log packets, want 100 each", audio, logs)
	}
}

type wrappedErr struct{ err error }

func (w *wrappedErr) Error() string { return "write /dev/stdout: " + w.err.Error() }
func (w *wrappedErr) Unwrap() error { return w.err }
