//go:build linux && !cgo

package capture

import "fmt"

// Screen capture on Linux needs Xlib, which is only reachable through cgo.

func openDisplay(desc Descriptor) (openFunc, error) {
	return nil, fmt.Errorf("%w: built without cgo, display capture unavailable", ErrNotSupported)
}

func openWindow(desc Descriptor) (openFunc, error) {
	return nil, fmt.Errorf("%w: built without cgo, window capture unavailable", ErrNotSupported)
}
