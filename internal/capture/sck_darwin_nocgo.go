//go:build darwin && !cgo

package capture

import "fmt"

// ScreenCaptureKit is only reachable through cgo.

func openDisplay(desc Descriptor) (openFunc, error) {
	return nil, fmt.Errorf("%w: built without cgo", ErrNotSupported)
}

func openWindow(desc Descriptor) (openFunc, error) {
	return nil, fmt.Errorf("%w: built without cgo", ErrNotSupported)
}

func openApp(desc Descriptor) (openFunc, error) {
	return nil, fmt.Errorf("%w: built without cgo", ErrNotSupported)
}
