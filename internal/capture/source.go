package capture

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// grabber is the per-platform half of a source. All calls happen on the
// capture goroutine, which is locked to one OS thread.
type grabber interface {
	// Next returns the next native image, blocking for at most about
	// 100 ms. It returns errNoFrame when nothing arrived in time and
	// ErrTransient when the frame should be skipped. The image is only
	// valid until the following call.
	Next() (Image, error)
	Close()
}

type openFunc func() (grabber, error)

var errNotInitialized = errors.New("capture source not initialized")

// source drives a grabber on a dedicated goroutine. The grabber is opened
// on that goroutine so thread-affine APIs (X11, COM) see one thread for
// their whole life.
type source struct {
	desc  Descriptor
	open  openFunc
	paced bool

	mu          sync.Mutex
	initialized bool
	launched    bool
	err         error

	started  atomic.Bool
	startCh  chan func(Frame)
	ready    chan error
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	doneOnce sync.Once
}

func newSource(desc Descriptor, open openFunc, paced bool) *source {
	return &source{
		desc:    desc,
		open:    open,
		paced:   paced,
		startCh: make(chan func(Frame)),
		ready:   make(chan error, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (s *source) Initialize() error {
	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		return nil
	}
	select {
	case <-s.stop:
		s.mu.Unlock()
		return errors.New("capture source stopped")
	default:
	}
	s.launched = true
	s.mu.Unlock()

	go s.run()
	if err := <-s.ready; err != nil {
		<-s.done
		return err
	}

	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()
	log.Info("capture source ready", "source", s.desc.String())
	return nil
}

func (s *source) Start(onFrame func(Frame)) error {
	s.mu.Lock()
	initialized := s.initialized
	s.mu.Unlock()
	if !initialized {
		return errNotInitialized
	}
	if s.started.Swap(true) {
		return ErrAlreadyStarted
	}
	select {
	case s.startCh <- onFrame:
		return nil
	case <-s.done:
		if err := s.Err(); err != nil {
			return err
		}
		return errors.New("capture source stopped")
	}
}

func (s *source) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.mu.Lock()
	launched := s.launched
	s.mu.Unlock()
	if !launched {
		s.doneOnce.Do(func() { close(s.done) })
		return
	}
	<-s.done
}

func (s *source) Done() <-chan struct{} { return s.done }

func (s *source) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *source) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *source) run() {
	defer s.doneOnce.Do(func() { close(s.done) })
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	g, err := s.open()
	s.ready <- err
	if err != nil {
		s.setErr(err)
		return
	}
	defer g.Close()

	var onFrame func(Frame)
	select {
	case onFrame = <-s.startCh:
	case <-s.stop:
		return
	}
	s.loop(g, onFrame)
}

func (s *source) loop(g grabber, onFrame func(Frame)) {
	conv := newConverter(s.desc.Width, s.desc.Height)
	var pacer *Pacer
	if s.paced {
		pacer = NewPacer(s.desc.FPS)
	}
	start := time.Now()

	var failures int
	var lastFailureLog time.Time
	skip := func(err error) {
		failures++
		now := time.Now()
		if failures == 1 || now.Sub(lastFailureLog) >= 2*time.Second {
			log.Warn("frame skipped", "error", err.Error(), "consecutive", failures)
			lastFailureLog = now
		}
	}

	for {
		select {
		case <-s.stop:
			return
		default:
		}
		if pacer != nil && !pacer.Wait(s.stop) {
			return
		}

		img, err := g.Next()
		switch {
		case err == nil:
		case errors.Is(err, errNoFrame):
			continue
		case errors.Is(err, ErrTransient):
			skip(err)
			continue
		default:
			log.Error("capture source ended", "source", s.desc.String(), "error", err.Error())
			s.setErr(err)
			return
		}

		nv12, err := conv.convert(img)
		if err != nil {
			skip(err)
			continue
		}
		failures = 0
		onFrame(Frame{
			Data:        nv12,
			Width:       s.desc.Width,
			Height:      s.desc.Height,
			TimestampMs: uint64(time.Since(start).Milliseconds()),
		})
	}
}
