// Package inhibit keeps the display awake and the screensaver off while a
// capture is running.
package inhibit

import (
	"errors"
	"sync"

	"github.com/mattias800/snacka-capture/internal/logging"
)

var log = logging.L("inhibit")

var ErrUnsupported = errors.New("inhibit: not supported on this platform")

// Inhibitor holds one inhibition. Release is safe to call more than once.
type Inhibitor struct {
	once    sync.Once
	release func() error
	err     error
}

// Acquire asks the platform to suppress idle blanking until Release.
func Acquire(app, reason string) (*Inhibitor, error) {
	release, err := acquire(app, reason)
	if err != nil {
		return nil, err
	}
	log.Debug("idle inhibition acquired", "app", app, "reason", reason)
	return &Inhibitor{release: release}, nil
}

func (i *Inhibitor) Release() error {
	if i == nil {
		return nil
	}
	i.once.Do(func() {
		i.err = i.release()
		if i.err != nil {
			log.Warn("failed to release idle inhibition", logging.Err(i.err))
			return
		}
		log.Debug("idle inhibition released")
	})
	return i.err
}
