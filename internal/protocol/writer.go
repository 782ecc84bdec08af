package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// ErrPipeBroken is returned by every write after the consumer closed its
// end of a stream.
var ErrPipeBroken = errors.New("protocol: pipe broken")

// Stream serializes writes to one output pipe. Each call writes all of its
// parts under a single lock acquisition so packets never interleave.
type Stream struct {
	name string
	w    io.Writer

	mu      sync.Mutex
	scratch []byte

	broken   atomic.Bool
	cause    error // set before broken
	onBroken func(stream string, err error)
	once     sync.Once

	bytes  atomic.Uint64
	writes atomic.Uint64
}

func newStream(name string, w io.Writer, onBroken func(string, error)) *Stream {
	return &Stream{name: name, w: w, onBroken: onBroken}
}

// Name is "stdout" or "stderr".
func (s *Stream) Name() string { return s.name }

// Broken reports whether the consumer has gone away.
func (s *Stream) Broken() bool { return s.broken.Load() }

// Bytes is the total number of bytes written successfully.
func (s *Stream) Bytes() uint64 { return s.bytes.Load() }

// Writes is the number of completed Write calls.
func (s *Stream) Writes() uint64 { return s.writes.Load() }

// Write writes parts back to back.
func (s *Stream) Write(parts ...[]byte) error {
	if s.broken.Load() {
		return ErrPipeBroken
	}
	s.mu.Lock()
	err := s.writeLocked(parts...)
	s.mu.Unlock()
	s.notify(err)
	return err
}

func (s *Stream) writeLocked(parts ...[]byte) error {
	for _, p := range parts {
		if err := s.writeAll(p); err != nil {
			return err
		}
	}
	s.writes.Add(1)
	return nil
}

// writeAll loops on short writes. io.Writer requires a non-nil error on a
// short write, but raw pipe wrappers do not always honour that.
func (s *Stream) writeAll(p []byte) error {
	for len(p) > 0 {
		if s.broken.Load() {
			return ErrPipeBroken
		}
		n, err := s.w.Write(p)
		if n > 0 {
			s.bytes.Add(uint64(n))
			p = p[n:]
		}
		if err != nil {
			if isBrokenPipe(err) {
				s.cause = err
				s.broken.Store(true)
				return ErrPipeBroken
			}
			return fmt.Errorf("protocol: write %s: %w", s.name, err)
		}
		if n == 0 {
			return fmt.Errorf("protocol: write %s: %w", s.name, io.ErrShortWrite)
		}
	}
	return nil
}

// notify runs onBroken once, after the stream lock is released, so the
// callback may write to the other stream.
func (s *Stream) notify(err error) {
	if !errors.Is(err, ErrPipeBroken) || !s.broken.Load() {
		return
	}
	s.once.Do(func() {
		if s.onBroken != nil {
			s.onBroken(s.name, s.cause)
		}
	})
}

// Writer multiplexes the video stream onto stdout and audio, preview and
// log packets onto stderr.
type Writer struct {
	video   *Stream
	packets *Stream
}

// NewWriter wraps the two output pipes. onBroken is invoked once per
// stream when its consumer disconnects; it may be nil.
func NewWriter(stdout, stderr io.Writer, onBroken func(stream string, err error)) *Writer {
	return &Writer{
		video:   newStream("stdout", stdout, onBroken),
		packets: newStream("stderr", stderr, onBroken),
	}
}

func (w *Writer) Video() *Stream   { return w.video }
func (w *Writer) Packets() *Stream { return w.packets }

// WriteVideo writes raw NV12 or AVCC bytes to stdout without framing.
func (w *Writer) WriteVideo(b []byte) error {
	return w.video.Write(b)
}

// WriteAudio writes one MCAP packet carrying interleaved stereo int16
// samples. len(samples) must be a multiple of two.
func (w *Writer) WriteAudio(samples []int16, timestampMs uint64) error {
	if len(samples)%CanonicalChannels != 0 {
		return fmt.Errorf("protocol: odd sample count %d for stereo audio", len(samples))
	}
	s := w.packets
	if s.broken.Load() {
		return ErrPipeBroken
	}
	s.mu.Lock()
	err := s.writeAudioLocked(samples, timestampMs)
	s.mu.Unlock()
	s.notify(err)
	return err
}

func (s *Stream) writeAudioLocked(samples []int16, timestampMs uint64) error {
	hdr := CanonicalAudioHeader(uint32(len(samples)/CanonicalChannels), timestampMs)
	need := AudioHeaderSize + len(samples)*2
	if cap(s.scratch) < need {
		s.scratch = make([]byte, 0, need)
	}
	buf := hdr.AppendTo(s.scratch[:0])
	for _, v := range samples {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(v))
	}
	s.scratch = buf
	return s.writeLocked(buf)
}

// WritePreview writes one PREV packet.
func (w *Writer) WritePreview(p Preview) error {
	hdr := AppendPreviewHeader(make([]byte, 0, 8+previewFixedSize), p)
	return w.packets.Write(hdr, p.Pixels)
}

// WriteLog writes one LOGM packet.
func (w *Writer) WriteLog(level LogLevel, msg string) error {
	return w.packets.Write(AppendLog(make([]byte, 0, 9+len(msg)), level, msg))
}
