//go:build linux && !amd64 && !arm64

package capture

import "fmt"

func openCamera(desc Descriptor) (openFunc, error) {
	return nil, fmt.Errorf("%w: V4L2 capture is only built for amd64 and arm64", ErrNotSupported)
}
