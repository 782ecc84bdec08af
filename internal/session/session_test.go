package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/mattias800/snacka-capture/internal/audio"
	"github.com/mattias800/snacka-capture/internal/capture"
	"github.com/mattias800/snacka-capture/internal/config"
	"github.com/mattias800/snacka-capture/internal/encoder"
	"github.com/mattias800/snacka-capture/internal/health"
	"github.com/mattias800/snacka-capture/internal/inhibit"
	"github.com/mattias800/snacka-capture/internal/protocol"
)

const (
	testW = 16
	testH = 8
)

// fakeVideo emits frames until it has sent count of them, then either ends
// on its own or idles until Stop. count < 0 emits until Stop.
type fakeVideo struct {
	count   int
	endSelf bool
	err     error

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	doneOnce sync.Once
	wg       sync.WaitGroup
	stopped  bool
}

func newFakeVideo(count int, endSelf bool) *fakeVideo {
	return &fakeVideo{count: count, endSelf: endSelf, stop: make(chan struct{}), done: make(chan struct{})}
}

func (v *fakeVideo) Initialize() error { return nil }

func (v *fakeVideo) Start(onFrame func(capture.Frame)) error {
	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		for i := 0; v.count < 0 || i < v.count; i++ {
			select {
			case <-v.stop:
				return
			default:
			}
			data := bytes.Repeat([]byte{byte(i + 1)}, capture.NV12Size(testW, testH))
			onFrame(capture.Frame{Data: data, Width: testW, Height: testH, TimestampMs: uint64(i * 33)})
			if v.count < 0 {
				time.Sleep(time.Millisecond)
			}
		}
		if v.endSelf {
			v.doneOnce.Do(func() { close(v.done) })
			return
		}
		<-v.stop
	}()
	return nil
}

func (v *fakeVideo) Stop() {
	v.stopOnce.Do(func() { close(v.stop) })
	v.wg.Wait()
	v.stopped = true
	v.doneOnce.Do(func() { close(v.done) })
}

func (v *fakeVideo) Done() <-chan struct{} { return v.done }
func (v *fakeVideo) Err() error            { return v.err }

type fakeAudio struct {
	opts    audio.Options
	count   int
	initErr error

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	doneOnce sync.Once
	wg       sync.WaitGroup
}

func newFakeAudio(opts audio.Options, count int) *fakeAudio {
	return &fakeAudio{opts: opts, count: count, stop: make(chan struct{}), done: make(chan struct{})}
}

func (a *fakeAudio) Initialize() error { return a.initErr }
func (a *fakeAudio) Name() string      { return "fake " + a.opts.Kind.String() }

func (a *fakeAudio) Start(onFrame func(audio.Frame)) error {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		samples := make([]int16, audio.ChunkSize*audio.Channels)
		for i := 0; i < a.count; i++ {
			onFrame(audio.Frame{Samples: samples, Frames: audio.ChunkSize, TimestampMs: uint64(i * 10)})
		}
		a.doneOnce.Do(func() { close(a.done) })
	}()
	return nil
}

func (a *fakeAudio) Stop() {
	a.stopOnce.Do(func() { close(a.stop) })
	a.wg.Wait()
	a.doneOnce.Do(func() { close(a.done) })
}

func (a *fakeAudio) Done() <-chan struct{} { return a.done }

// fakeEncoder turns every frame into a one-byte unit and holds the last
// one back until Stop.
type fakeEncoder struct {
	mu      sync.Mutex
	frames  int
	held    []byte
	stopped bool
}

func (e *fakeEncoder) EncodeFrame(nv12 []byte, tsMs uint64) ([]encoder.AccessUnit, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frames++
	prev := e.held
	e.held = []byte{nv12[0]}
	if prev == nil {
		return nil, nil
	}
	return []encoder.AccessUnit{{Data: prev, Keyframe: e.frames == 2}}, nil
}

func (e *fakeEncoder) Stop() ([]encoder.AccessUnit, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
	if e.held == nil {
		return nil, nil
	}
	return []encoder.AccessUnit{{Data: e.held}}, nil
}

func (e *fakeEncoder) Name() string { return "fake" }

func (e *fakeEncoder) Stats() encoder.Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return encoder.Stats{Frames: uint64(e.frames)}
}

type harness struct {
	s      *Session
	stdout bytes.Buffer
	stderr bytes.Buffer
	video  *fakeVideo
	audios []*fakeAudio
}

func newHarness(t *testing.T, cfg *config.CaptureConfig, video *fakeVideo) *harness {
	t.Helper()
	h := &harness{video: video}
	s, err := New(cfg, &h.stdout, &h.stderr)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.openVideo = func(capture.Descriptor) (capture.Source, error) { return h.video, nil }
	s.openAudio = func(opts audio.Options) (audio.Source, error) {
		a := newFakeAudio(opts, 3)
		h.audios = append(h.audios, a)
		return a, nil
	}
	s.probe = func() error { return encoder.ErrHardwareUnavailable }
	s.acquire = func(string, string) (*inhibit.Inhibitor, error) { return nil, inhibit.ErrUnsupported }
	h.s = s
	return h
}

func displayConfig() *config.CaptureConfig {
	cfg := config.Default()
	cfg.Display = "0"
	cfg.Width, cfg.Height, cfg.FPS, cfg.Bitrate = testW, testH, 30, 1
	return cfg
}

func runWithTimeout(t *testing.T, s *Session, ctx context.Context) error {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()
	select {
	case err := <-errc:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func decodePackets(t *testing.T, b []byte) []*protocol.Packet {
	t.Helper()
	// Log output goes to the process stderr, not this buffer, so it holds
	// only packets.
	d := protocol.NewDecoder(bytes.NewReader(b))
	var out []*protocol.Packet
	for {
		p, err := d.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		out = append(out, p)
	}
}

func TestRawVideoUntilSourceEnds(t *testing.T) {
	h := newHarness(t, displayConfig(), newFakeVideo(3, true))
	if err := runWithTimeout(t, h.s, context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	frame := capture.NV12Size(testW, testH)
	if h.stdout.Len() != 3*frame {
		t.Fatalf("stdout has %d bytes, want %d", h.stdout.Len(), 3*frame)
	}
	if got := h.stdout.Bytes()[2*frame]; got != 3 {
		t.Fatalf("third frame starts with %d, want 3", got)
	}
	if !h.video.stopped {
		t.Fatal("video source not stopped")
	}
	if h.stderr.Len() != 0 {
		t.Fatalf("unexpected packets on stderr: %d bytes", h.stderr.Len())
	}
}

func TestEncodedVideoDrainsAndPreviews(t *testing.T) {
	cfg := displayConfig()
	cfg.Encode = true
	cfg.Preview = true
	cfg.PreviewWidth = 8
	cfg.PreviewInterval = 2

	h := newHarness(t, cfg, newFakeVideo(3, true))
	enc := &fakeEncoder{}
	var gotCfg encoder.Config
	h.s.probe = func() error { return nil }
	h.s.newEncoder = func(c encoder.Config) (videoEncoder, error) {
		gotCfg = c
		return enc, nil
	}

	if err := runWithTimeout(t, h.s, context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if gotCfg.Width != testW || gotCfg.Height != testH || gotCfg.FPS != 30 || gotCfg.BitrateBPS != 1_000_000 {
		t.Fatalf("encoder config = %+v", gotCfg)
	}
	if !enc.stopped {
		t.Fatal("encoder not stopped")
	}
	// Two units during capture plus the drained one.
	if want := []byte{1, 2, 3}; !bytes.Equal(h.stdout.Bytes(), want) {
		t.Fatalf("stdout = %v, want %v", h.stdout.Bytes(), want)
	}

	pkts := decodePackets(t, h.stderr.Bytes())
	if len(pkts) != 2 {
		t.Fatalf("got %d packets, want 2 previews", len(pkts))
	}
	for i, p := range pkts {
		if p.Preview == nil {
			t.Fatalf("packet %d is not a preview", i)
		}
		if p.Preview.Width != 8 || p.Preview.Height != 4 {
			t.Fatalf("preview %d is %dx%d, want 8x4", i, p.Preview.Width, p.Preview.Height)
		}
	}
	if pkts[1].Preview.Timestamp != 66 {
		t.Fatalf("second preview timestamp = %d, want 66", pkts[1].Preview.Timestamp)
	}
	if got := h.s.Health().Overall(); got != health.Healthy {
		t.Fatalf("health = %q, want healthy", got)
	}
}

func TestEncoderUnavailableFallsBackToRaw(t *testing.T) {
	cfg := displayConfig()
	cfg.Encode = true
	h := newHarness(t, cfg, newFakeVideo(2, true))
	h.s.newEncoder = func(encoder.Config) (videoEncoder, error) {
		t.Error("encoder opened after a failed probe")
		return nil, encoder.ErrHardwareUnavailable
	}
	if err := runWithTimeout(t, h.s, context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if h.stdout.Len() != 2*capture.NV12Size(testW, testH) {
		t.Fatalf("stdout has %d bytes, want two raw frames", h.stdout.Len())
	}
	if c, ok := h.s.Health().Get("encoder"); !ok || c.Status != health.Degraded {
		t.Fatalf("encoder health = %+v, want degraded", c)
	}
}

func TestMicrophoneOnly(t *testing.T) {
	cfg := config.Default()
	cfg.Microphone = "1"
	cfg.NoiseSuppression = true
	h := newHarness(t, cfg, nil)
	h.s.openVideo = func(capture.Descriptor) (capture.Source, error) {
		t.Error("video opened in microphone mode")
		return nil, capture.ErrNotSupported
	}

	if err := runWithTimeout(t, h.s, context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(h.audios) != 1 {
		t.Fatalf("opened %d audio sources, want 1", len(h.audios))
	}
	opts := h.audios[0].opts
	if opts.Kind != audio.KindMicrophone || opts.DeviceID != "1" || !opts.NoiseSuppression {
		t.Fatalf("audio options = %+v", opts)
	}
	if h.stdout.Len() != 0 {
		t.Fatalf("stdout has %d bytes in microphone mode", h.stdout.Len())
	}
	pkts := decodePackets(t, h.stderr.Bytes())
	if len(pkts) != 3 {
		t.Fatalf("got %d packets, want 3 audio packets", len(pkts))
	}
	for i, p := range pkts {
		if p.Audio == nil || p.Audio.Header.SampleCount != audio.ChunkSize {
			t.Fatalf("packet %d = %+v, want a 480-frame audio packet", i, p)
		}
		if p.Audio.Header.Timestamp != uint64(i*10) {
			t.Fatalf("packet %d timestamp = %d", i, p.Audio.Header.Timestamp)
		}
	}
}

func TestSystemAudioFailureIsNotFatal(t *testing.T) {
	cfg := displayConfig()
	cfg.Audio = true
	cfg.ExcludeAudio = "discord"
	h := newHarness(t, cfg, newFakeVideo(1, true))
	var gotOpts audio.Options
	h.s.openAudio = func(opts audio.Options) (audio.Source, error) {
		gotOpts = opts
		a := newFakeAudio(opts, 0)
		a.initErr = audio.ErrDeviceNotFound
		return a, nil
	}
	if err := runWithTimeout(t, h.s, context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if gotOpts.Kind != audio.KindLoopback || gotOpts.ExcludeProcess != "discord" {
		t.Fatalf("audio options = %+v", gotOpts)
	}
	if h.stdout.Len() != capture.NV12Size(testW, testH) {
		t.Fatalf("stdout has %d bytes, want one frame", h.stdout.Len())
	}
	if got := h.s.Health().Overall(); got != health.Degraded {
		t.Fatalf("health = %q, want degraded", got)
	}
}

func TestMissingSourceIsFatal(t *testing.T) {
	h := newHarness(t, displayConfig(), nil)
	h.s.openVideo = func(capture.Descriptor) (capture.Source, error) {
		return nil, capture.ErrSourceNotFound
	}
	err := runWithTimeout(t, h.s, context.Background())
	if !errors.Is(err, capture.ErrSourceNotFound) {
		t.Fatalf("Run = %v, want ErrSourceNotFound", err)
	}
}

type closedPipe struct{}

func (closedPipe) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }

func TestBrokenPipeStopsCleanly(t *testing.T) {
	video := newFakeVideo(-1, false)
	s, err := New(displayConfig(), closedPipe{}, io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	s.openVideo = func(capture.Descriptor) (capture.Source, error) { return video, nil }
	s.probe = func() error { return encoder.ErrHardwareUnavailable }
	s.acquire = func(string, string) (*inhibit.Inhibitor, error) { return nil, inhibit.ErrUnsupported }

	if err := runWithTimeout(t, s, context.Background()); err != nil {
		t.Fatalf("Run = %v, want nil after a broken pipe", err)
	}
	if !video.stopped {
		t.Fatal("video source not stopped")
	}
	if !s.Writer().Video().Broken() {
		t.Fatal("stdout not marked broken")
	}
	if s.Running() {
		t.Fatal("session still running")
	}
}

func TestContextCancelStops(t *testing.T) {
	h := newHarness(t, displayConfig(), newFakeVideo(-1, false))
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	if err := runWithTimeout(t, h.s, ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !h.video.stopped {
		t.Fatal("video source not stopped")
	}
	if h.stdout.Len()%capture.NV12Size(testW, testH) != 0 {
		t.Fatalf("stdout has a partial frame: %d bytes", h.stdout.Len())
	}
}
