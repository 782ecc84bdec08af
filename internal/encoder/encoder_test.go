package encoder

import (
	"bytes"
	"errors"
	"testing"

	"github.com/spf13/afero"

	"github.com/mattias800/snacka-capture/internal/h264"
)

var (
	idrNAL = []byte{0x65, 0x88, 0x84, 0x00}
	pNAL   = []byte{0x41, 0x9a, 0x02}
)

func annexB(nals ...[]byte) []byte {
	var out []byte
	for _, n := range nals {
		out = append(out, 0, 0, 0, 1)
		out = append(out, n...)
	}
	return out
}

func avcc(nals ...[]byte) []byte {
	var out []byte
	for _, n := range nals {
		out = h264.AppendAVCC(out, n)
	}
	return out
}

// fakeBackend emits an IDR for forced frames and a P slice otherwise. With
// lag set it holds one frame back until the next Encode or Flush.
type fakeBackend struct {
	t       *testing.T
	inband  bool
	lengthN int
	lag     bool
	sps     []byte
	pps     []byte

	forced []bool
	held   *packet
	closed bool
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Encode(nv12 []byte, tsMs uint64, forceKeyframe bool) ([]packet, error) {
	f.forced = append(f.forced, forceKeyframe)
	nals := [][]byte{pNAL}
	if forceKeyframe {
		nals = [][]byte{idrNAL}
		if f.inband {
			nals = [][]byte{f.sps, f.pps, idrNAL}
		}
	}
	p := packet{tsMs: tsMs, lengthSize: f.lengthN}
	if f.lengthN > 0 {
		p.data = avcc(nals...)
	} else {
		p.data = annexB(nals...)
	}
	if !f.lag {
		return []packet{p}, nil
	}
	prev := f.held
	f.held = &p
	if prev == nil {
		return nil, nil
	}
	return []packet{*prev}, nil
}

func (f *fakeBackend) Flush() ([]packet, error) {
	if f.held == nil {
		return nil, nil
	}
	p := *f.held
	f.held = nil
	return []packet{p}, nil
}

func (f *fakeBackend) Close() { f.closed = true }

// paramFakeBackend also seeds parameter sets the way VA-API does.
type paramFakeBackend struct{ *fakeBackend }

func (p paramFakeBackend) ParameterSets() (sps, pps []byte) { return p.sps, p.pps }

func useFactories(t *testing.T, fs ...factory) {
	t.Helper()
	factoriesMu.Lock()
	saved := factories
	factories = fs
	factoriesMu.Unlock()
	t.Cleanup(func() {
		factoriesMu.Lock()
		factories = saved
		factoriesMu.Unlock()
	})
}

func fakeFactory(be backend) factory {
	return factory{
		name:  be.Name(),
		probe: func() error { return nil },
		open:  func(Config) (backend, error) { return be, nil },
	}
}

func testConfig(t *testing.T) (Config, []byte, []byte) {
	t.Helper()
	cfg := Config{Width: 64, Height: 48, FPS: 3, BitrateBPS: 1_000_000}
	sps, err := h264.WriteSPS(cfg.streamParams())
	if err != nil {
		t.Fatalf("WriteSPS: %v", err)
	}
	return cfg, sps, h264.WritePPS()
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateUninitialized, "uninitialized"},
		{StateInitialized, "initialized"},
		{StateEncoding, "encoding"},
		{StateStopped, "stopped"},
		{State(9), "State(9)"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Fatalf("State(%d).String() = %q, want %q", int(tt.s), got, tt.want)
		}
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	useFactories(t, fakeFactory(&fakeBackend{}))
	tests := []Config{
		{Width: 0, Height: 48, FPS: 30, BitrateBPS: 1},
		{Width: 63, Height: 48, FPS: 30, BitrateBPS: 1},
		{Width: 64, Height: 47, FPS: 30, BitrateBPS: 1},
		{Width: 64, Height: 48, FPS: 0, BitrateBPS: 1},
		{Width: 64, Height: 48, FPS: 30, BitrateBPS: 0},
	}
	for _, cfg := range tests {
		if _, err := New(cfg); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("New(%+v) error = %v, want ErrInvalidConfig", cfg, err)
		}
	}
}

func TestNoBackendIsHardwareUnavailable(t *testing.T) {
	useFactories(t)
	if err := Probe(); !errors.Is(err, ErrHardwareUnavailable) {
		t.Fatalf("Probe() = %v, want ErrHardwareUnavailable", err)
	}
	cfg, _, _ := testConfig(t)
	if _, err := New(cfg); !errors.Is(err, ErrHardwareUnavailable) {
		t.Fatalf("New() = %v, want ErrHardwareUnavailable", err)
	}
}

func TestNewFallsThroughFailingBackends(t *testing.T) {
	boom := errors.New("driver refused")
	good := &fakeBackend{}
	useFactories(t,
		factory{name: "broken", probe: func() error { return boom }, open: func(Config) (backend, error) { return nil, boom }},
		fakeFactory(good),
	)
	if err := Probe(); err != nil {
		t.Fatalf("Probe() = %v, want nil", err)
	}
	cfg, _, _ := testConfig(t)
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if e.Name() != "fake" {
		t.Fatalf("Name() = %q, want fake", e.Name())
	}
	if e.State() != StateInitialized {
		t.Fatalf("State() = %s, want initialized", e.State())
	}
}

func TestAllBackendsFailingJoinsErrors(t *testing.T) {
	boom := errors.New("no device")
	useFactories(t, factory{name: "a", probe: func() error { return boom }, open: func(Config) (backend, error) { return nil, boom }})
	cfg, _, _ := testConfig(t)
	_, err := New(cfg)
	if !errors.Is(err, ErrHardwareUnavailable) || !errors.Is(err, boom) {
		t.Fatalf("New() = %v, want ErrHardwareUnavailable wrapping the backend error", err)
	}
	if err := Probe(); !errors.Is(err, boom) {
		t.Fatalf("Probe() = %v, want the backend error", err)
	}
}

func TestKeyframeScheduleAndAVCCOutput(t *testing.T) {
	cfg, sps, pps := testConfig(t)
	be := &fakeBackend{inband: true, sps: sps, pps: pps}
	useFactories(t, fakeFactory(be))
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	frame := make([]byte, cfg.frameSize())
	var keys []bool
	for i := 0; i < 7; i++ {
		units, err := e.EncodeFrame(frame, uint64(i*33))
		if err != nil {
			t.Fatalf("EncodeFrame(%d): %v", i, err)
		}
		if len(units) != 1 {
			t.Fatalf("frame %d: got %d units, want 1", i, len(units))
		}
		if units[0].TimestampMs != uint64(i*33) {
			t.Fatalf("frame %d: timestamp %d, want %d", i, units[0].TimestampMs, i*33)
		}
		keys = append(keys, units[0].Keyframe)
		if i == 0 {
			want := avcc(sps, pps, idrNAL)
			if !bytes.Equal(units[0].Data, want) {
				t.Fatalf("first unit = %x, want %x", units[0].Data, want)
			}
		}
		if i == 1 && !bytes.Equal(units[0].Data, avcc(pNAL)) {
			t.Fatalf("second unit = %x, want %x", units[0].Data, avcc(pNAL))
		}
	}

	want := []bool{true, false, false, true, false, false, true}
	for i := range want {
		if be.forced[i] != want[i] {
			t.Fatalf("forced[%d] = %v, want %v (all %v)", i, be.forced[i], want[i], be.forced)
		}
		if keys[i] != want[i] {
			t.Fatalf("keyframe[%d] = %v, want %v", i, keys[i], want[i])
		}
	}
	if e.State() != StateEncoding {
		t.Fatalf("State() = %s, want encoding", e.State())
	}
	st := e.Stats()
	if st.Frames != 7 || st.Units != 7 || st.Keyframes != 3 {
		t.Fatalf("Stats() = %+v, want 7 frames, 7 units, 3 keyframes", st)
	}
}

func TestCachedParameterSetsPrepended(t *testing.T) {
	cfg, sps, pps := testConfig(t)
	be := paramFakeBackend{&fakeBackend{sps: sps, pps: pps}}
	useFactories(t, fakeFactory(be))
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	units, err := e.EncodeFrame(make([]byte, cfg.frameSize()), 0)
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	want := avcc(sps, pps, idrNAL)
	if len(units) != 1 || !bytes.Equal(units[0].Data, want) {
		t.Fatalf("units = %+v, want one unit %x", units, want)
	}
}

func TestAVCCBackendOutput(t *testing.T) {
	cfg, sps, pps := testConfig(t)
	be := &fakeBackend{inband: true, lengthN: 4, sps: sps, pps: pps}
	useFactories(t, fakeFactory(be))
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	frame := make([]byte, cfg.frameSize())
	units, err := e.EncodeFrame(frame, 5)
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	if len(units) != 1 || !units[0].Keyframe || !bytes.Equal(units[0].Data, avcc(sps, pps, idrNAL)) {
		t.Fatalf("units = %+v", units)
	}
}

func TestEncodeFrameChecksSize(t *testing.T) {
	cfg, _, _ := testConfig(t)
	useFactories(t, fakeFactory(&fakeBackend{}))
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := e.EncodeFrame(make([]byte, cfg.frameSize()-1), 0); !errors.Is(err, ErrInvalidFrame) {
		t.Fatalf("EncodeFrame(short) = %v, want ErrInvalidFrame", err)
	}
	if e.State() != StateInitialized {
		t.Fatalf("State() = %s after rejected frame, want initialized", e.State())
	}
}

func TestStopDrainsAndRejectsFurtherCalls(t *testing.T) {
	cfg, sps, pps := testConfig(t)
	be := &fakeBackend{inband: true, lag: true, sps: sps, pps: pps}
	useFactories(t, fakeFactory(be))
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	frame := make([]byte, cfg.frameSize())

	units, err := e.EncodeFrame(frame, 0)
	if err != nil || len(units) != 0 {
		t.Fatalf("first EncodeFrame = %d units, %v; want 0 units while buffered", len(units), err)
	}
	units, err = e.EncodeFrame(frame, 33)
	if err != nil || len(units) != 1 || !units[0].Keyframe || units[0].TimestampMs != 0 {
		t.Fatalf("second EncodeFrame = %+v, %v; want the buffered keyframe", units, err)
	}

	drained, err := e.Stop()
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if len(drained) != 1 || drained[0].Keyframe || drained[0].TimestampMs != 33 {
		t.Fatalf("Stop drained %+v, want the P frame at 33", drained)
	}
	if !be.closed {
		t.Fatal("backend not closed by Stop")
	}
	if e.State() != StateStopped {
		t.Fatalf("State() = %s, want stopped", e.State())
	}
	if _, err := e.EncodeFrame(frame, 66); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("EncodeFrame after Stop = %v, want ErrInvalidState", err)
	}
	if _, err := e.Stop(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second Stop = %v, want ErrInvalidState", err)
	}
}

func TestZeroEncoderIsUninitialized(t *testing.T) {
	var e Encoder
	if e.State() != StateUninitialized {
		t.Fatalf("State() = %s, want uninitialized", e.State())
	}
	if _, err := e.EncodeFrame(nil, 0); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("EncodeFrame = %v, want ErrInvalidState", err)
	}
	if _, err := e.Stop(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Stop = %v, want ErrInvalidState", err)
	}
	if e.Name() != "" {
		t.Fatalf("Name() = %q, want empty", e.Name())
	}
}

func TestRenderNodes(t *testing.T) {
	fs := afero.NewMemMapFs()
	for _, n := range []string{"card0", "renderD129", "renderD128", "renderDx", "by-path"} {
		if err := afero.WriteFile(fs, "/dev/dri/"+n, nil, 0o600); err != nil {
			t.Fatal(err)
		}
	}

	got := renderNodes(fs, "")
	want := []string{"/dev/dri/renderD128", "/dev/dri/renderD129"}
	if len(got) != len(want) {
		t.Fatalf("renderNodes = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("renderNodes = %v, want %v", got, want)
		}
	}

	got = renderNodes(fs, "/dev/dri/renderD129")
	want = []string{"/dev/dri/renderD129", "/dev/dri/renderD128"}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("renderNodes with override = %v, want %v", got, want)
	}

	if got := renderNodes(afero.NewMemMapFs(), ""); len(got) != 0 {
		t.Fatalf("renderNodes on empty fs = %v, want none", got)
	}
}
