// Package encoder wraps the platform hardware H.264 encoders behind one
// state machine that turns NV12 frames into AVCC access units.
package encoder

import (
	"errors"
	"fmt"
	"sync"

	"github.com/mattias800/snacka-capture/internal/h264"
	"github.com/mattias800/snacka-capture/internal/logging"
)

var log = logging.L("encoder")

var (
	ErrInvalidState        = errors.New("encoder: invalid state")
	ErrHardwareUnavailable = errors.New("encoder: no hardware H.264 encoder available")
	ErrInvalidConfig       = errors.New("encoder: invalid config")
	ErrInvalidFrame        = errors.New("encoder: invalid frame")
)

type State int

const (
	StateUninitialized State = iota
	StateInitialized
	StateEncoding
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateEncoding:
		return "encoding"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config describes the stream. The GOP length equals FPS.
type Config struct {
	Width      int
	Height     int
	FPS        int
	BitrateBPS int

	// Device overrides render node discovery (VA-API only).
	Device string
}

func (c Config) validate() error {
	if c.Width <= 0 || c.Height <= 0 || c.Width%2 != 0 || c.Height%2 != 0 {
		return fmt.Errorf("%w: size %dx%d must be positive and even", ErrInvalidConfig, c.Width, c.Height)
	}
	if c.FPS <= 0 {
		return fmt.Errorf("%w: fps %d", ErrInvalidConfig, c.FPS)
	}
	if c.BitrateBPS <= 0 {
		return fmt.Errorf("%w: bitrate %d", ErrInvalidConfig, c.BitrateBPS)
	}
	return nil
}

func (c Config) frameSize() int { return c.Width * c.Height * 3 / 2 }

func (c Config) streamParams() h264.StreamParams {
	return h264.StreamParams{Width: c.Width, Height: c.Height, FPS: c.FPS}
}

// AccessUnit is one encoded picture in AVCC form: 4-byte big-endian
// lengths, each followed by a NAL unit.
type AccessUnit struct {
	Data        []byte
	Keyframe    bool
	TimestampMs uint64
}

// packet is what a backend hands back for one picture.
type packet struct {
	data []byte
	tsMs uint64
	// lengthSize is the NAL length prefix size for AVCC output, 0 for
	// Annex-B.
	lengthSize int
}

// backend is one native encoder session. Calls are serialized by Encoder.
type backend interface {
	// Encode submits one tightly packed NV12 frame. Output may lag the
	// input; every picture that became ready is returned in order.
	Encode(nv12 []byte, tsMs uint64, forceKeyframe bool) ([]packet, error)
	// Flush returns the pictures still buffered at end of stream.
	Flush() ([]packet, error)
	Close()
	Name() string
}

// parameterSetter is implemented by backends whose driver may not emit
// SPS/PPS in-band.
type parameterSetter interface {
	ParameterSets() (sps, pps []byte)
}

type factory struct {
	name  string
	probe func() error
	open  func(Config) (backend, error)
}

var (
	factoriesMu sync.Mutex
	factories   []factory
)

// register adds a platform backend. Called from init in the per-platform
// files, in preference order.
func register(f factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories = append(factories, f)
}

func registered() []factory {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	return append([]factory(nil), factories...)
}

// Probe reports whether any hardware encoder can be opened on this host.
func Probe() error {
	fs := registered()
	if len(fs) == 0 {
		return fmt.Errorf("%w: no backend built for this platform", ErrHardwareUnavailable)
	}
	var errs []error
	for _, f := range fs {
		err := f.probe()
		if err == nil {
			log.Debug("hardware encoder available", "backend", f.name)
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", f.name, err))
	}
	return fmt.Errorf("%w: %w", ErrHardwareUnavailable, errors.Join(errs...))
}

// Stats counts what went through the encoder.
type Stats struct {
	Frames    uint64
	Units     uint64
	Keyframes uint64
	Bytes     uint64
}

// Encoder drives one backend session.
type Encoder struct {
	mu       sync.Mutex
	state    State
	cfg      Config
	be       backend
	schedule *h264.KeyframeSchedule
	conv     h264.Converter
	stats    Stats

	codecLogged bool
}

// New opens the first backend that accepts cfg. The encoder is returned
// in StateInitialized.
func New(cfg Config) (*Encoder, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	fs := registered()
	if len(fs) == 0 {
		return nil, fmt.Errorf("%w: no backend built for this platform", ErrHardwareUnavailable)
	}

	var errs []error
	for _, f := range fs {
		be, err := f.open(cfg)
		if err != nil {
			log.Debug("encoder backend rejected config", "backend", f.name, "error", err.Error())
			errs = append(errs, fmt.Errorf("%s: %w", f.name, err))
			continue
		}
		e := &Encoder{
			state:    StateInitialized,
			cfg:      cfg,
			be:       be,
			schedule: h264.NewKeyframeSchedule(cfg.FPS),
		}
		if ps, ok := be.(parameterSetter); ok {
			sps, pps := ps.ParameterSets()
			if len(sps) > 0 && len(pps) > 0 {
				e.conv.SetParameterSets(sps, pps)
			}
		}
		log.Info("hardware encoder initialized",
			"backend", be.Name(),
			"width", cfg.Width,
			"height", cfg.Height,
			"fps", cfg.FPS,
			"bitrate", cfg.BitrateBPS,
			"gop", e.schedule.Interval())
		return e, nil
	}
	return nil, fmt.Errorf("%w: %w", ErrHardwareUnavailable, errors.Join(errs...))
}

func (e *Encoder) Name() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.be == nil {
		return ""
	}
	return e.be.Name()
}

func (e *Encoder) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Encoder) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// EncodeFrame submits one NV12 frame of exactly Width*Height*3/2 bytes
// and returns the access units that became ready.
func (e *Encoder) EncodeFrame(nv12 []byte, tsMs uint64) ([]AccessUnit, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateInitialized && e.state != StateEncoding {
		return nil, fmt.Errorf("%w: EncodeFrame while %s", ErrInvalidState, e.state)
	}
	if len(nv12) != e.cfg.frameSize() {
		return nil, fmt.Errorf("%w: got %d bytes, want %d for %dx%d NV12",
			ErrInvalidFrame, len(nv12), e.cfg.frameSize(), e.cfg.Width, e.cfg.Height)
	}

	pos := e.schedule.Next()
	pkts, err := e.be.Encode(nv12, tsMs, pos.Keyframe)
	if err != nil {
		return nil, fmt.Errorf("%s: encode frame %d: %w", e.be.Name(), pos.Index, err)
	}
	e.state = StateEncoding
	e.stats.Frames++
	return e.toAccessUnits(pkts), nil
}

// Stop drains buffered pictures, releases the native session and moves
// to StateStopped. Drained units are returned even when the drain itself
// failed part way.
func (e *Encoder) Stop() ([]AccessUnit, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateInitialized && e.state != StateEncoding {
		return nil, fmt.Errorf("%w: Stop while %s", ErrInvalidState, e.state)
	}
	pkts, err := e.be.Flush()
	units := e.toAccessUnits(pkts)
	e.be.Close()
	e.state = StateStopped

	log.Info("hardware encoder stopped",
		"backend", e.be.Name(),
		"frames", e.stats.Frames,
		"units", e.stats.Units,
		"keyframes", e.stats.Keyframes,
		logging.KeyBytes, e.stats.Bytes)
	if err != nil {
		return units, fmt.Errorf("%s: drain: %w", e.be.Name(), err)
	}
	return units, nil
}

func (e *Encoder) toAccessUnits(pkts []packet) []AccessUnit {
	if len(pkts) == 0 {
		return nil
	}
	units := make([]AccessUnit, 0, len(pkts))
	for _, p := range pkts {
		var data []byte
		var key bool
		if p.lengthSize > 0 {
			data, key = e.conv.ConvertAVCC(nil, p.data, p.lengthSize)
		} else {
			data, key = e.conv.Convert(nil, p.data)
		}
		if len(data) == 0 {
			continue
		}
		if key && !e.codecLogged {
			e.logCodec()
		}
		units = append(units, AccessUnit{Data: data, Keyframe: key, TimestampMs: p.tsMs})
		e.stats.Units++
		e.stats.Bytes += uint64(len(data))
		if key {
			e.stats.Keyframes++
		}
	}
	return units
}

func (e *Encoder) logCodec() {
	sps, _ := e.conv.ParameterSets()
	if len(sps) == 0 {
		return
	}
	e.codecLogged = true
	info, err := h264.ParseSPS(sps)
	if err != nil {
		log.Warn("encoder produced an unparsable SPS", "error", err.Error())
		return
	}
	log.Info("h264 stream parameters",
		"codec", info.Codec,
		"profile", info.Profile,
		"level", info.Level,
		"width", info.Width,
		"height", info.Height)
}
