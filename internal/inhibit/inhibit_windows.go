//go:build windows

package inhibit

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/windows"
)

const (
	esSystemRequired  = 0x00000001
	esDisplayRequired = 0x00000002
	esContinuous      = 0x80000000
)

var procSetThreadExecutionState = windows.NewLazySystemDLL("kernel32.dll").NewProc("SetThreadExecutionState")

// The execution state belongs to the calling thread, so it is set and
// cleared from one locked goroutine that lives until release.
func acquire(app, reason string) (func() error, error) {
	if err := procSetThreadExecutionState.Find(); err != nil {
		return nil, fmt.Errorf("inhibit: %w", err)
	}
	started := make(chan error, 1)
	stop := make(chan struct{})
	stopped := make(chan error, 1)

	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		if r, _, err := procSetThreadExecutionState.Call(esContinuous | esSystemRequired | esDisplayRequired); r == 0 {
			started <- fmt.Errorf("inhibit: SetThreadExecutionState: %w", err)
			return
		}
		started <- nil
		<-stop
		if r, _, err := procSetThreadExecutionState.Call(esContinuous); r == 0 {
			stopped <- fmt.Errorf("inhibit: SetThreadExecutionState: %w", err)
			return
		}
		stopped <- nil
	}()

	if err := <-started; err != nil {
		return nil, err
	}
	return func() error {
		close(stop)
		return <-stopped
	}, nil
}
