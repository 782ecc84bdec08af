//go:build !linux && !windows

package enumerate

import "github.com/spf13/afero"

func camerasFS(afero.Fs) ([]Camera, error) { return nil, ErrNotSupported }
