//go:build !linux && !windows && !darwin

package enumerate

func Displays() ([]Display, error) { return nil, ErrNotSupported }

func Windows() ([]Window, error) { return nil, ErrNotSupported }
