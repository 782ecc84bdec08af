//go:build linux

package audio

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jfreymuth/pulse"

	"github.com/mattias800/snacka-capture/internal/logging"
)

const (
	pulseAppName = "snacka-capture"
	// Fragment size in bytes: one canonical chunk.
	pulseFragmentBytes = ChunkSize * Channels * 2
)

// pulseSource records the monitor of the default sink, or a microphone,
// through the PulseAudio protocol (PipeWire serves it too). The server
// resamples to the canonical format.
type pulseSource struct {
	stopper
	opts Options

	mu      sync.Mutex
	client  *pulse.Client
	stream  *pulse.RecordStream
	record  []pulse.RecordOption
	name    string
	started bool
	pipe    *Pipeline
}

func newPlatformSource(opts Options) (Source, error) {
	if opts.ExcludeProcess != "" {
		log.Warn("excluding a process from system audio is not supported on this platform",
			"exclude", opts.ExcludeProcess)
	}
	return &pulseSource{stopper: newStopper(), opts: opts}, nil
}

func listPlatformMicrophones() ([]Device, error) {
	c, err := pulse.NewClient(pulse.ClientApplicationName(pulseAppName))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotSupported, err)
	}
	defer c.Close()
	return microphones(c)
}

// microphones lists capture sources, leaving out sink monitors.
func microphones(c *pulse.Client) ([]Device, error) {
	sources, err := c.ListSources()
	if err != nil {
		return nil, fmt.Errorf("audio: list sources: %w", err)
	}
	devs := make([]Device, 0, len(sources))
	for _, s := range sources {
		if isMonitor(s.ID()) {
			continue
		}
		devs = append(devs, Device{ID: s.ID(), Name: s.Name()})
	}
	return indexDevices(devs), nil
}

func isMonitor(id string) bool { return strings.HasSuffix(id, ".monitor") }

func (s *pulseSource) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

func (s *pulseSource) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return nil
	}
	c, err := pulse.NewClient(pulse.ClientApplicationName(pulseAppName))
	if err != nil {
		return fmt.Errorf("%w: connect to sound server: %w", ErrNotSupported, err)
	}

	opts := []pulse.RecordOption{
		pulse.RecordStereo,
		pulse.RecordSampleRate(SampleRate),
		pulse.RecordBufferFragmentSize(pulseFragmentBytes),
		pulse.RecordMediaName(pulseAppName + " " + s.opts.Kind.String()),
	}
	if s.opts.Kind == KindLoopback {
		sink, err := c.DefaultSink()
		if err != nil {
			c.Close()
			return fmt.Errorf("%w: default sink: %w", ErrDeviceNotFound, err)
		}
		opts = append(opts, pulse.RecordMonitor(sink))
		s.name = "monitor of " + sink.Name()
	} else {
		src, name, err := s.microphoneSource(c)
		if err != nil {
			c.Close()
			return err
		}
		opts = append(opts, pulse.RecordSource(src))
		s.name = name
	}
	s.client = c
	s.record = opts
	log.Info("audio source opened",
		"kind", s.opts.Kind.String(),
		"device", s.name,
		"format", Canonical.String())
	return nil
}

func (s *pulseSource) microphoneSource(c *pulse.Client) (*pulse.Source, string, error) {
	if s.opts.DeviceID == "" {
		src, err := c.DefaultSource()
		if err != nil {
			return nil, "", fmt.Errorf("%w: default source: %w", ErrDeviceNotFound, err)
		}
		return src, src.Name(), nil
	}
	devs, err := microphones(c)
	if err != nil {
		return nil, "", err
	}
	d, _, err := selectDevice(devs, s.opts.DeviceID)
	if err != nil {
		return nil, "", err
	}
	src, err := c.SourceByID(d.ID)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %s: %w", ErrDeviceNotFound, d.ID, err)
	}
	return src, d.Name, nil
}

func (s *pulseSource) Start(onFrame func(Frame)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	if s.client == nil {
		return errors.New("audio: Start before Initialize")
	}
	suppress := s.opts.Kind == KindMicrophone && s.opts.NoiseSuppression
	pipe, err := NewPipeline(Canonical, suppress, onFrame)
	if err != nil {
		return err
	}

	clk := clock{start: time.Now()}
	// The writer runs on the client's reader goroutine, one call at a time.
	writer := pulse.Int16Writer(func(samples []int16) (int, error) {
		select {
		case <-s.quit:
			return len(samples), nil
		default:
		}
		pipe.PushSamples(samples[:len(samples)/Channels*Channels], clk.ms())
		return len(samples), nil
	})
	stream, err := s.client.NewRecord(writer, s.record...)
	if err != nil {
		pipe.Close()
		return fmt.Errorf("audio: open record stream: %w", err)
	}
	stream.Start()
	s.stream = stream
	s.pipe = pipe
	s.started = true

	s.wg.Add(1)
	go s.watch(stream)
	return nil
}

// watch ends the source when the server drops the stream.
func (s *pulseSource) watch(stream *pulse.RecordStream) {
	defer s.wg.Done()
	defer s.ended()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
		}
		if !stream.Running() {
			if err := stream.Error(); err != nil {
				log.Error("audio capture stopped", "device", s.name, logging.Err(err))
			} else {
				log.Warn("audio stream ended", "device", s.name)
			}
			return
		}
	}
}

func (s *pulseSource) Stop() {
	s.finish()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream != nil {
		s.stream.Stop()
		s.stream.Close()
		s.stream = nil
	}
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
	if s.pipe != nil {
		s.pipe.Close()
		s.pipe = nil
	}
}
