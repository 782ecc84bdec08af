// Package capture grabs video from displays, windows, applications and
// cameras and delivers it as NV12 frames at a fixed output size.
package capture

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mattias800/snacka-capture/internal/logging"
)

var log = logging.L("capture")

// ParseWindowID reads a window id as listed: decimal, or hex when it
// carries a 0x prefix. Zero is not a window.
func ParseWindowID(id string) (uint64, error) {
	var (
		n   uint64
		err error
	)
	if h, ok := strings.CutPrefix(strings.ToLower(id), "0x"); ok {
		n, err = strconv.ParseUint(h, 16, 64)
	} else {
		n, err = strconv.ParseUint(id, 10, 64)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: window %q", ErrSourceNotFound, id)
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: window %q", ErrSourceNotFound, id)
	}
	return n, nil
}

var (
	// ErrSourceNotFound is returned when the requested display, window,
	// application or camera does not exist.
	ErrSourceNotFound = errors.New("capture source not found")
	// ErrNotSupported is returned when the platform cannot capture this kind
	// of source.
	ErrNotSupported = errors.New("capture not supported on this platform")
	// ErrPermissionDenied is returned when the OS refuses screen or camera
	// access.
	ErrPermissionDenied = errors.New("capture permission denied")
	// ErrTransient marks a grab failure that is expected to clear up, such as
	// a mode switch or a secure desktop. The frame is skipped.
	ErrTransient = errors.New("transient capture failure")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("capture already started")
)

// errNoFrame tells the capture loop that nothing arrived within the poll
// timeout.
var errNoFrame = errors.New("no frame ready")

// Kind identifies the type of capture source.
type Kind string

const (
	KindDisplay Kind = "display"
	KindWindow  Kind = "window"
	KindApp     Kind = "app"
	KindCamera  Kind = "camera"
)

// Descriptor selects a source and the output format.
type Descriptor struct {
	Kind   Kind
	ID     string
	Width  int
	Height int
	FPS    int
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s:%s %dx%d@%d", d.Kind, d.ID, d.Width, d.Height, d.FPS)
}

func (d Descriptor) validate() error {
	if d.Width <= 0 || d.Height <= 0 || d.Width%2 != 0 || d.Height%2 != 0 {
		return fmt.Errorf("invalid output size %dx%d", d.Width, d.Height)
	}
	if d.FPS <= 0 {
		return fmt.Errorf("invalid frame rate %d", d.FPS)
	}
	return nil
}

// Frame is one NV12 picture at the output size. Data is owned by the source
// and only valid until the callback returns.
type Frame struct {
	Data        []byte
	Width       int
	Height      int
	TimestampMs uint64
}

// Source produces frames on its own goroutine.
type Source interface {
	// Initialize opens the OS capture primitive and negotiates a format.
	Initialize() error
	// Start begins delivering frames to onFrame from the capture goroutine.
	Start(onFrame func(Frame)) error
	// Stop signals the capture goroutine and waits for it. Safe to call
	// more than once and before Start.
	Stop()
	// Done is closed when the capture goroutine has exited, either after
	// Stop or because the source ended on its own.
	Done() <-chan struct{}
	// Err returns the error that ended the source, if any.
	Err() error
}

// Open returns the platform source for desc. It does not touch the OS until
// Initialize.
func Open(desc Descriptor) (Source, error) {
	if err := desc.validate(); err != nil {
		return nil, err
	}
	var open openFunc
	var err error
	switch desc.Kind {
	case KindDisplay:
		open, err = openDisplay(desc)
	case KindWindow:
		open, err = openWindow(desc)
	case KindApp:
		open, err = openApp(desc)
	case KindCamera:
		open, err = openCamera(desc)
	default:
		return nil, fmt.Errorf("unknown source kind %q", desc.Kind)
	}
	if err != nil {
		return nil, err
	}
	return newSource(desc, open, desc.Kind != KindCamera), nil
}
