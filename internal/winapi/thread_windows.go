//go:build windows

package winapi

import (
	"errors"
	"runtime"
)

var ErrThreadClosed = errors.New("winapi: COM thread closed")

// Thread runs functions on one OS thread that has joined the MTA and
// started Media Foundation. Objects whose methods must stay on their
// creating thread are driven through it.
type Thread struct {
	calls chan func()
	done  chan struct{}
}

// NewThread starts the worker and waits until COM and Media Foundation
// are up on it.
func NewThread() (*Thread, error) {
	t := &Thread{calls: make(chan func()), done: make(chan struct{})}
	ready := make(chan error, 1)
	go t.run(ready)
	if err := <-ready; err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Thread) run(ready chan<- error) {
	defer close(t.done)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	uninit, err := CoInit()
	if err != nil {
		ready <- err
		return
	}
	defer uninit()
	shutdown, err := Startup()
	if err != nil {
		ready <- err
		return
	}
	defer shutdown()
	ready <- nil

	for f := range t.calls {
		f()
	}
}

// Do runs f on the worker and waits for it.
func (t *Thread) Do(f func() error) error {
	errc := make(chan error, 1)
	select {
	case t.calls <- func() { errc <- f() }:
		return <-errc
	case <-t.done:
		return ErrThreadClosed
	}
}

// Close stops the worker after pending calls. It must not be called from
// inside Do.
func (t *Thread) Close() {
	select {
	case <-t.done:
		return
	default:
	}
	close(t.calls)
	<-t.done
}
