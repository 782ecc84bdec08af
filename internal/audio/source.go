// Package audio captures system audio or a microphone and normalizes it to
// 48 kHz, 16-bit, interleaved stereo chunks of 480 frames.
package audio

import (
	"errors"
	"sync"
	"time"

	"github.com/mattias800/snacka-capture/internal/logging"
)

var log = logging.L("audio")

var (
	ErrNotSupported   = errors.New("audio: capture not supported on this platform")
	ErrDeviceNotFound = errors.New("audio: device not found")
	ErrAlreadyStarted = errors.New("audio: source already started")
)

// Kind selects what a Source records.
type Kind int

const (
	KindLoopback Kind = iota
	KindMicrophone
)

func (k Kind) String() string {
	if k == KindMicrophone {
		return "microphone"
	}
	return "loopback"
}

// Options describes the device to open.
type Options struct {
	Kind Kind
	// DeviceID selects a microphone by id or list index. Empty selects the
	// default device.
	DeviceID string
	// NoiseSuppression is honoured for microphones only.
	NoiseSuppression bool
	// ExcludeProcess names a process (PID or executable name) whose audio
	// is left out of loopback capture where the OS supports it.
	ExcludeProcess string
}

// Source produces canonical audio frames on its own goroutine.
type Source interface {
	Initialize() error
	Start(onFrame func(Frame)) error
	Stop()
	// Done is closed when capture ends, either through Stop or because the
	// device went away.
	Done() <-chan struct{}
	Name() string
}

// Device is one entry of the microphone list.
type Device struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Index int    `json:"index"`
}

// Open returns the platform source for opts. Initialize must be called
// before Start.
func Open(opts Options) (Source, error) {
	return newPlatformSource(opts)
}

// ListMicrophones enumerates capture devices, skipping loopback monitors.
func ListMicrophones() ([]Device, error) {
	return listPlatformMicrophones()
}

// stopper is the Stop/Done bookkeeping shared by the platform sources.
type stopper struct {
	once sync.Once
	done chan struct{}
	quit chan struct{}
	wg   sync.WaitGroup
}

func newStopper() stopper {
	return stopper{done: make(chan struct{}), quit: make(chan struct{})}
}

func (s *stopper) Done() <-chan struct{} { return s.done }

// signal asks the capture goroutine to exit without waiting.
func (s *stopper) signal() {
	select {
	case <-s.quit:
	default:
		close(s.quit)
	}
}

// finish signals, joins and closes done; safe to call more than once.
func (s *stopper) finish() {
	s.signal()
	s.wg.Wait()
	s.ended()
}

// ended closes done from the capture goroutine itself when the device goes
// away. Stop still has to be called to release native resources.
func (s *stopper) ended() {
	s.once.Do(func() { close(s.done) })
}

// pollInterval bounds how long a capture goroutine waits before checking
// for shutdown.
const pollInterval = 100 * time.Millisecond

// clock returns milliseconds elapsed since start.
type clock struct{ start time.Time }

func (c clock) ms() uint64 { return uint64(time.Since(c.start).Milliseconds()) }
