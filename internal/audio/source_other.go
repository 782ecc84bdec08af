//go:build !linux && !windows

package audio

func newPlatformSource(Options) (Source, error) { return nil, ErrNotSupported }

func listPlatformMicrophones() ([]Device, error) { return nil, ErrNotSupported }
