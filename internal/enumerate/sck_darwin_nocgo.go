//go:build darwin && !cgo

package enumerate

import "fmt"

func Displays() ([]Display, error) {
	return nil, fmt.Errorf("%w: built without cgo", ErrNotSupported)
}

func Windows() ([]Window, error) {
	return nil, fmt.Errorf("%w: built without cgo", ErrNotSupported)
}
