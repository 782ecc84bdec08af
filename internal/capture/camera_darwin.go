package capture

import "fmt"

func openCamera(desc Descriptor) (openFunc, error) {
	return nil, fmt.Errorf("%w: camera capture is not available on macOS", ErrNotSupported)
}
