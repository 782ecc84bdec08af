//go:build linux || windows

package capture

import (
	"fmt"

	"github.com/mattias800/snacka-capture/internal/enumerate"
)

// openApp captures the largest visible top-level window of the
// application, identified by PID or executable name.
func openApp(desc Descriptor) (openFunc, error) {
	windows, err := enumerate.Windows()
	if err != nil {
		return nil, fmt.Errorf("list windows for %s: %w", desc.ID, err)
	}
	w, ok := enumerate.LargestWindow(windows, desc.ID)
	if !ok {
		return nil, fmt.Errorf("%w: no visible window for application %q", ErrSourceNotFound, desc.ID)
	}
	log.Info("application resolved to window", "app", desc.ID, "window", w.ID, "title", w.Name)

	wd := desc
	wd.Kind = KindWindow
	wd.ID = w.ID
	return openWindow(wd)
}
