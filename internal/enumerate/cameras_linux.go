package enumerate

import "github.com/spf13/afero"

func camerasFS(fsys afero.Fs) ([]Camera, error) { return SysfsCameras(fsys) }
