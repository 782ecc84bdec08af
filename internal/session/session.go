// Package session runs one capture: it opens the selected sources and the
// encoder, pumps frames into the protocol writer until a signal, a broken
// pipe or a source failure stops it, then shuts everything down in order.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mattias800/snacka-capture/internal/audio"
	"github.com/mattias800/snacka-capture/internal/capture"
	"github.com/mattias800/snacka-capture/internal/config"
	"github.com/mattias800/snacka-capture/internal/encoder"
	"github.com/mattias800/snacka-capture/internal/health"
	"github.com/mattias800/snacka-capture/internal/inhibit"
	"github.com/mattias800/snacka-capture/internal/logging"
	"github.com/mattias800/snacka-capture/internal/protocol"
)

var log = logging.L("session")

const (
	pollInterval = 100 * time.Millisecond

	// Per-frame stats are logged for the first few frames and then
	// periodically.
	statsFirstFrames = 5
	statsEvery       = 100

	appName = "snacka-capture"
)

// videoEncoder is the part of *encoder.Encoder the session drives.
type videoEncoder interface {
	EncodeFrame(nv12 []byte, tsMs uint64) ([]encoder.AccessUnit, error)
	Stop() ([]encoder.AccessUnit, error)
	Name() string
	Stats() encoder.Stats
}

// Session owns every resource of one capture run.
type Session struct {
	cfg *config.CaptureConfig
	src config.Source
	out *protocol.Writer

	running atomic.Bool

	video   capture.Source
	audio   audio.Source
	enc     videoEncoder
	preview *capture.Previewer
	inhibit *inhibit.Inhibitor
	health  *health.Monitor

	frames      atomic.Uint64
	audioFrames atomic.Uint64
	encodeErrs  atomic.Uint64
	started     time.Time

	openVideo  func(capture.Descriptor) (capture.Source, error)
	openAudio  func(audio.Options) (audio.Source, error)
	newEncoder func(encoder.Config) (videoEncoder, error)
	probe      func() error
	acquire    func(app, reason string) (*inhibit.Inhibitor, error)
}

// New prepares a session for a validated config. Nothing is opened until
// Run.
func New(cfg *config.CaptureConfig, stdout, stderr io.Writer) (*Session, error) {
	src, err := cfg.Source()
	if err != nil {
		return nil, err
	}
	s := &Session{
		cfg:       cfg,
		src:       src,
		openVideo: capture.Open,
		openAudio: audio.Open,
		newEncoder: func(c encoder.Config) (videoEncoder, error) {
			return encoder.New(c)
		},
		probe:   encoder.Probe,
		acquire: inhibit.Acquire,
		health:  health.NewMonitor(),
	}
	s.out = protocol.NewWriter(stdout, stderr, s.pipeBroken)
	return s, nil
}

// Writer is the protocol writer, for routing log packets through it.
func (s *Session) Writer() *protocol.Writer { return s.out }

// Running reports whether producers should keep going.
func (s *Session) Running() bool { return s.running.Load() }

// Health reports the status of each component of the run.
func (s *Session) Health() *health.Monitor { return s.health }

func (s *Session) pipeBroken(stream string, err error) {
	if s.running.CompareAndSwap(true, false) {
		// stderr may be the broken one, so this may go nowhere.
		log.Info("consumer closed pipe, stopping", "stream", stream, logging.Err(err))
	}
}

// Run captures until ctx is cancelled, SIGINT/SIGTERM arrives, a pipe
// breaks or a source ends. Errors are returned only for failures before
// capture started.
func (s *Session) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	// A closed pipe must surface as a write error, not kill the process.
	signal.Ignore(syscall.SIGPIPE)

	s.running.Store(true)
	if err := s.open(); err != nil {
		s.running.Store(false)
		s.close()
		return err
	}

	quit := make(chan struct{})
	g, err := s.start(quit)
	if err != nil {
		s.running.Store(false)
		close(quit)
		s.close()
		return err
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for s.running.Load() {
		select {
		case <-ctx.Done():
			log.Info("shutdown requested")
			s.running.Store(false)
		case <-ticker.C:
		}
	}

	close(quit)
	s.close()
	if err := g.Wait(); err != nil {
		log.Warn("capture ended with an error", logging.Err(err))
	}
	s.logFinalStats()
	return nil
}

func (s *Session) open() error {
	if s.src.HasVideo() {
		if err := s.openVideoSource(); err != nil {
			return err
		}
		s.openEncoder()
		if s.cfg.Preview {
			s.preview = capture.NewPreviewer(s.cfg.Width, s.cfg.Height, s.cfg.PreviewWidth, s.cfg.PreviewInterval)
			w, h := s.preview.Size()
			log.Info("preview enabled", "width", w, "height", h, "interval", s.cfg.PreviewInterval)
		}
		inh, err := s.acquire(appName, "screen capture in progress")
		if err != nil {
			log.Debug("idle inhibition unavailable", logging.Err(err))
		} else {
			s.inhibit = inh
		}
	}

	switch {
	case s.src.Kind == config.SourceMicrophone:
		return s.openAudioSource(audio.Options{
			Kind:             audio.KindMicrophone,
			DeviceID:         s.src.ID,
			NoiseSuppression: s.cfg.NoiseSuppression,
		}, true)
	case s.cfg.Audio:
		return s.openAudioSource(audio.Options{
			Kind:           audio.KindLoopback,
			ExcludeProcess: s.cfg.ExcludeAudio,
		}, false)
	}
	return nil
}

func (s *Session) openVideoSource() error {
	desc := capture.Descriptor{
		Kind:   capture.Kind(s.src.Kind),
		ID:     s.src.ID,
		Width:  s.cfg.Width,
		Height: s.cfg.Height,
		FPS:    s.cfg.FPS,
	}
	src, err := s.openVideo(desc)
	if err != nil {
		return fmt.Errorf("open %s: %w", desc, err)
	}
	if err := src.Initialize(); err != nil {
		src.Stop()
		return fmt.Errorf("initialize %s: %w", desc, err)
	}
	s.video = src
	s.health.Set("video", health.Healthy, "")
	return nil
}

// openEncoder leaves s.enc nil, and the stream raw NV12, when no hardware
// encoder can be used.
func (s *Session) openEncoder() {
	if !s.cfg.Encode {
		log.Info("streaming raw NV12", "width", s.cfg.Width, "height", s.cfg.Height, "fps", s.cfg.FPS)
		return
	}
	if err := s.probe(); err != nil {
		log.Warn("hardware encoder unavailable, falling back to raw NV12", logging.Err(err))
		s.health.Set("encoder", health.Degraded, "raw NV12 fallback: "+err.Error())
		return
	}
	enc, err := s.newEncoder(encoder.Config{
		Width:      s.cfg.Width,
		Height:     s.cfg.Height,
		FPS:        s.cfg.FPS,
		BitrateBPS: s.cfg.BitrateBPS(),
		Device:     s.cfg.VAAPIDevice,
	})
	if err != nil {
		log.Warn("hardware encoder failed to initialize, falling back to raw NV12", logging.Err(err))
		s.health.Set("encoder", health.Degraded, "raw NV12 fallback: "+err.Error())
		return
	}
	s.enc = enc
	s.health.Set("encoder", health.Healthy, "")
	log.Info("streaming H.264", "encoder", enc.Name(), "bitrateMbps", s.cfg.Bitrate)
}

// openAudioSource treats a failing system-audio source as optional.
func (s *Session) openAudioSource(opts audio.Options, required bool) error {
	src, err := s.openAudio(opts)
	if err == nil {
		if err = src.Initialize(); err != nil {
			src.Stop()
		}
	}
	if err != nil {
		if required {
			return fmt.Errorf("open %s: %w", opts.Kind, err)
		}
		log.Warn("system audio unavailable, continuing without audio", logging.Err(err))
		s.health.Set("audio", health.Degraded, "no system audio: "+err.Error())
		return nil
	}
	s.audio = src
	s.health.Set("audio", health.Healthy, "")
	return nil
}

// start launches the producers and one watcher per source in an errgroup.
// A watcher clears the running flag when its source ends on its own.
func (s *Session) start(quit <-chan struct{}) (*errgroup.Group, error) {
	g := new(errgroup.Group)
	s.started = time.Now()

	if s.audio != nil {
		if err := s.audio.Start(s.onAudioFrame); err != nil {
			return g, fmt.Errorf("start audio: %w", err)
		}
		a := s.audio
		g.Go(func() error {
			select {
			case <-a.Done():
				if s.running.CompareAndSwap(true, false) {
					log.Warn("audio source ended", "device", a.Name())
					s.health.Set("audio", health.Failed, "source ended")
				}
			case <-quit:
			}
			return nil
		})
	}
	if s.video != nil {
		if err := s.video.Start(s.onVideoFrame); err != nil {
			return g, fmt.Errorf("start video: %w", err)
		}
		v := s.video
		g.Go(func() error {
			select {
			case <-v.Done():
				s.running.Store(false)
				if err := v.Err(); err != nil {
					s.health.Set("video", health.Failed, err.Error())
					return fmt.Errorf("video source: %w", err)
				}
			case <-quit:
			}
			return nil
		})
	}
	log.Info("capture started", "source", s.src.String())
	return g, nil
}

func (s *Session) onVideoFrame(f capture.Frame) {
	if !s.running.Load() {
		return
	}
	n := s.frames.Add(1)

	if s.preview != nil {
		if p, ok := s.preview.Next(f); ok {
			s.write(s.out.WritePreview(p))
		}
	}

	if s.enc == nil {
		s.write(s.out.WriteVideo(f.Data))
		s.logFrame(n, len(f.Data), false)
		return
	}

	units, err := s.enc.EncodeFrame(f.Data, f.TimestampMs)
	if err != nil {
		if c := s.encodeErrs.Add(1); c == 1 || c%statsEvery == 0 {
			log.Error("encode failed, frame dropped", "frame", n, "failures", c, logging.Err(err))
			s.health.Set("encoder", health.Degraded, fmt.Sprintf("%d frames dropped", c))
		}
		return
	}
	size, key := 0, false
	for _, u := range units {
		s.write(s.out.WriteVideo(u.Data))
		size += len(u.Data)
		key = key || u.Keyframe
	}
	s.logFrame(n, size, key)
}

func (s *Session) onAudioFrame(f audio.Frame) {
	if !s.running.Load() {
		return
	}
	s.audioFrames.Add(1)
	s.write(s.out.WriteAudio(f.Samples, f.TimestampMs))
}

func (s *Session) write(err error) {
	switch {
	case err == nil:
	case errors.Is(err, protocol.ErrPipeBroken):
		s.running.Store(false)
	default:
		log.Error("write failed, stopping", logging.Err(err))
		s.running.Store(false)
	}
}

func (s *Session) logFrame(n uint64, size int, keyframe bool) {
	if n > statsFirstFrames && n%statsEvery != 0 {
		return
	}
	attrs := []any{logging.KeyFrame, n, logging.KeyBytes, size}
	if s.enc != nil {
		attrs = append(attrs, "keyframe", keyframe)
	}
	if elapsed := time.Since(s.started).Seconds(); elapsed > 0 {
		attrs = append(attrs, "fps", float64(n)/elapsed)
	}
	log.Debug("frame written", attrs...)
}

// close stops producers before the encoder so its final drain sees every
// frame that was submitted.
func (s *Session) close() {
	if s.video != nil {
		s.video.Stop()
	}
	if s.audio != nil {
		s.audio.Stop()
	}
	if s.enc != nil {
		units, err := s.enc.Stop()
		for _, u := range units {
			if err := s.out.WriteVideo(u.Data); err != nil {
				break
			}
		}
		if err != nil {
			log.Warn("encoder drain failed", logging.Err(err))
		}
	}
	if err := s.inhibit.Release(); err != nil {
		log.Debug("idle inhibition release failed", logging.Err(err))
	}
}

func (s *Session) logFinalStats() {
	attrs := []any{
		"source", s.src.String(),
		"duration", time.Since(s.started).Round(time.Millisecond).String(),
		"videoFrames", s.frames.Load(),
		"audioFrames", s.audioFrames.Load(),
		"stdoutBytes", s.out.Video().Bytes(),
		"stderrBytes", s.out.Packets().Bytes(),
		"stderrPackets", s.out.Packets().Writes(),
	}
	if s.enc != nil {
		st := s.enc.Stats()
		attrs = append(attrs, "encoder", s.enc.Name(), "encodedUnits", st.Units, "keyframes", st.Keyframes, "encodeErrors", s.encodeErrs.Load())
	}
	attrs = append(attrs, s.health.LogAttrs()...)
	log.Info("capture finished", attrs...)
}
