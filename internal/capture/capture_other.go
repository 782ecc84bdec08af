//go:build !linux && !windows && !darwin

package capture

func openDisplay(Descriptor) (openFunc, error) { return nil, ErrNotSupported }
func openWindow(Descriptor) (openFunc, error)  { return nil, ErrNotSupported }
func openApp(Descriptor) (openFunc, error)     { return nil, ErrNotSupported }
func openCamera(Descriptor) (openFunc, error)  { return nil, ErrNotSupported }
