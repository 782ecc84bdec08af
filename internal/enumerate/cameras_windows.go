package enumerate

import (
	"fmt"
	"runtime"

	"github.com/spf13/afero"

	"github.com/mattias800/snacka-capture/internal/winapi"
)

// camerasFS lists Media Foundation video capture devices. Ids are the
// device symbolic links, which capture accepts back.
func camerasFS(afero.Fs) ([]Camera, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	uninit, err := winapi.CoInit()
	if err != nil {
		return nil, err
	}
	defer uninit()
	shutdown, err := winapi.Startup()
	if err != nil {
		return nil, err
	}
	defer shutdown()

	devs, err := winapi.VideoDevices()
	if err != nil {
		return nil, err
	}
	cams := make([]Camera, 0, len(devs))
	for _, d := range devs {
		id := d.SymbolicLink
		if id == "" {
			id = fmt.Sprint(d.Index)
		}
		cams = append(cams, Camera{ID: id, Name: d.Name, Index: d.Index})
	}
	return cams, nil
}
