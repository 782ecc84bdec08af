//go:build windows

package audio

import (
	"errors"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/mattias800/snacka-capture/internal/logging"
	"github.com/mattias800/snacka-capture/internal/procs"
	"github.com/mattias800/snacka-capture/internal/winapi"
)

const (
	wasapiBufferDuration = 200 * 10_000 // 200 ms in 100 ns units
	wasapiPollInterval   = 10 * time.Millisecond
	activationTimeout    = 5 * time.Second

	eNotFound winapi.HRESULT = 0x80070490
)

// wasapiSource records the default render endpoint in loopback mode, a
// process-loopback stream that leaves one process tree out, or a capture
// endpoint. All COM calls run on the source's own thread.
type wasapiSource struct {
	stopper
	opts Options

	mu      sync.Mutex
	thread  *winapi.Thread
	started bool
	pipe    *Pipeline

	enum    uintptr
	device  uintptr
	client  uintptr
	capture uintptr
	format  NativeFormat
	name    string
}

func newPlatformSource(opts Options) (Source, error) {
	return &wasapiSource{stopper: newStopper(), opts: opts}, nil
}

func listPlatformMicrophones() ([]Device, error) {
	t, err := winapi.NewThread()
	if err != nil {
		return nil, err
	}
	defer t.Close()
	var devs []Device
	err = t.Do(func() error {
		var err error
		devs, err = captureEndpoints()
		return err
	})
	return devs, err
}

func captureEndpoints() ([]Device, error) {
	enum, err := winapi.NewDeviceEnumerator()
	if err != nil {
		return nil, err
	}
	defer winapi.Release(enum)
	eps, err := winapi.Endpoints(enum, winapi.ECapture)
	if err != nil {
		return nil, err
	}
	devs := make([]Device, 0, len(eps))
	for _, ep := range eps {
		devs = append(devs, Device{ID: ep.ID, Name: ep.Name})
	}
	return indexDevices(devs), nil
}

func (s *wasapiSource) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

func (s *wasapiSource) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.thread != nil {
		return nil
	}
	t, err := winapi.NewThread()
	if err != nil {
		return err
	}
	if err := t.Do(s.open); err != nil {
		_ = t.Do(func() error { s.release(); return nil })
		t.Close()
		return err
	}
	s.thread = t
	log.Info("audio source opened",
		"kind", s.opts.Kind.String(),
		"device", s.name,
		"format", s.format.String())
	return nil
}

func (s *wasapiSource) open() error {
	enum, err := winapi.NewDeviceEnumerator()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotSupported, err)
	}
	s.enum = enum

	if s.opts.Kind == KindLoopback && s.opts.ExcludeProcess != "" {
		err := s.openProcessLoopback()
		if err == nil {
			return nil
		}
		log.Warn("process-excluding loopback unavailable, capturing all system audio",
			"exclude", s.opts.ExcludeProcess, logging.Err(err))
	}

	flags := uint32(0)
	if s.opts.Kind == KindLoopback {
		s.device, err = winapi.DefaultEndpoint(enum, winapi.ERender)
		flags = winapi.AUDCLNT_STREAMFLAGS_LOOPBACK
		s.name = "system audio"
	} else {
		s.device, s.name, err = s.openMicrophone()
	}
	if err != nil {
		if errors.Is(err, eNotFound) {
			return fmt.Errorf("%w: %w", ErrDeviceNotFound, err)
		}
		return err
	}

	if s.client, err = winapi.ActivateAudioClient(s.device); err != nil {
		return err
	}
	wf, raw, err := winapi.MixFormat(s.client)
	if err != nil {
		return err
	}
	defer winapi.TaskMemFree(raw)
	if s.format, err = waveNativeFormat(wf); err != nil {
		return err
	}
	if _, err := winapi.Call(s.client, winapi.AudioClientInitialize,
		winapi.AUDCLNT_SHAREMODE_SHARED, uintptr(flags), wasapiBufferDuration, 0, raw, 0); err != nil {
		return fmt.Errorf("IAudioClient::Initialize: %w", err)
	}
	s.capture, err = winapi.CaptureClient(s.client)
	return err
}

func (s *wasapiSource) openMicrophone() (uintptr, string, error) {
	devs, err := captureEndpoints()
	if err != nil {
		return 0, "", err
	}
	d, ok, err := selectDevice(devs, s.opts.DeviceID)
	if err != nil {
		return 0, "", err
	}
	if !ok {
		dev, err := winapi.DefaultEndpoint(s.enum, winapi.ECapture)
		return dev, "default microphone", err
	}
	dev, err := winapi.EndpointByID(s.enum, d.ID)
	return dev, d.Name, err
}

// openProcessLoopback asks the system mixer for canonical PCM directly, so
// no conversion is needed downstream.
func (s *wasapiSource) openProcessLoopback() error {
	ps, err := procs.List()
	if err != nil {
		return err
	}
	pid, err := resolveExclusion(s.opts.ExcludeProcess, ps)
	if err != nil {
		return err
	}
	client, err := winapi.ActivateProcessLoopback(pid, true, activationTimeout)
	if err != nil {
		return err
	}
	wf := winapi.MarshalPCM(SampleRate, Channels, 16)
	flags := uint32(winapi.AUDCLNT_STREAMFLAGS_LOOPBACK | winapi.AUDCLNT_STREAMFLAGS_AUTOCONVERTPCM | winapi.AUDCLNT_STREAMFLAGS_SRC_DEFAULT_QUALITY)
	if _, err := winapi.Call(client, winapi.AudioClientInitialize,
		winapi.AUDCLNT_SHAREMODE_SHARED, uintptr(flags), wasapiBufferDuration, 0, uintptr(unsafe.Pointer(&wf[0])), 0); err != nil {
		winapi.Release(client)
		return fmt.Errorf("IAudioClient::Initialize(process loopback): %w", err)
	}
	cc, err := winapi.CaptureClient(client)
	if err != nil {
		winapi.Release(client)
		return err
	}
	s.client, s.capture = client, cc
	s.format = Canonical
	s.name = fmt.Sprintf("system audio excluding pid %d", pid)
	return nil
}

func (s *wasapiSource) Start(onFrame func(Frame)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	if s.thread == nil {
		return errors.New("audio: Start before Initialize")
	}
	suppress := s.opts.Kind == KindMicrophone && s.opts.NoiseSuppression
	pipe, err := NewPipeline(s.format, suppress, onFrame)
	if err != nil {
		return err
	}
	if err := s.thread.Do(func() error {
		_, err := winapi.Call(s.client, winapi.AudioClientStart)
		return err
	}); err != nil {
		pipe.Close()
		return fmt.Errorf("IAudioClient::Start: %w", err)
	}
	s.pipe = pipe
	s.started = true

	t := s.thread
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.ended()
		if err := t.Do(func() error { return s.loop(pipe) }); err != nil {
			log.Error("audio capture stopped", "device", s.name, logging.Err(err))
		}
	}()
	return nil
}

func (s *wasapiSource) loop(pipe *Pipeline) error {
	clk := clock{start: time.Now()}
	frameBytes := s.format.FrameBytes()
	var silence []byte

	ticker := time.NewTicker(wasapiPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.quit:
			return nil
		case <-ticker.C:
		}

		for {
			var data uintptr
			var frames, flags uint32
			_, err := winapi.Call(s.capture, winapi.CaptureClientGetBuffer,
				uintptr(unsafe.Pointer(&data)),
				uintptr(unsafe.Pointer(&frames)),
				uintptr(unsafe.Pointer(&flags)),
				0, 0)
			if err != nil {
				if errors.Is(err, winapi.AUDCLNT_E_DEVICE_INVALIDATED) {
					return fmt.Errorf("audio device went away: %w", err)
				}
				log.Debug("GetBuffer failed, retrying", logging.Err(err))
				break
			}
			if frames == 0 {
				break
			}

			n := int(frames) * frameBytes
			var buf []byte
			if flags&winapi.AUDCLNT_BUFFERFLAGS_SILENT != 0 || data == 0 {
				if cap(silence) < n {
					silence = make([]byte, n)
				}
				buf = silence[:n]
			} else {
				buf = unsafe.Slice((*byte)(unsafe.Pointer(data)), n)
			}
			if err := pipe.Push(buf, clk.ms()); err != nil {
				log.Warn("dropping audio buffer", logging.Err(err))
			}

			if _, err := winapi.Call(s.capture, winapi.CaptureClientReleaseBuffer, uintptr(frames)); err != nil {
				return fmt.Errorf("IAudioCaptureClient::ReleaseBuffer: %w", err)
			}
		}
	}
}

func (s *wasapiSource) Stop() {
	s.finish()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.thread == nil {
		return
	}
	_ = s.thread.Do(func() error {
		if s.started {
			_, _ = winapi.Call(s.client, winapi.AudioClientStop)
		}
		s.release()
		return nil
	})
	s.thread.Close()
	s.thread = nil
	if s.pipe != nil {
		s.pipe.Close()
	}
}

func (s *wasapiSource) release() {
	winapi.Release(s.capture)
	winapi.Release(s.client)
	winapi.Release(s.device)
	winapi.Release(s.enum)
	s.capture, s.client, s.device, s.enum = 0, 0, 0, 0
}
