package audio

import (
	"fmt"
	"strconv"

	"github.com/mattias800/snacka-capture/internal/procs"
)

// selectDevice matches id against device ids first and list indices
// second. An empty id returns ok=false so the caller opens the default.
func selectDevice(devs []Device, id string) (Device, bool, error) {
	if id == "" {
		return Device{}, false, nil
	}
	for _, d := range devs {
		if d.ID == id {
			return d, true, nil
		}
	}
	if n, err := strconv.Atoi(id); err == nil {
		for _, d := range devs {
			if d.Index == n {
				return d, true, nil
			}
		}
	}
	return Device{}, false, fmt.Errorf("%w: microphone %q", ErrDeviceNotFound, id)
}

// indexDevices assigns list positions in order.
func indexDevices(devs []Device) []Device {
	for i := range devs {
		devs[i].Index = i
	}
	return devs
}

// resolveExclusion turns a PID or executable name into the PID whose
// process tree is excluded. For a name with several matches the root of
// the matching tree wins.
func resolveExclusion(target string, ps []procs.Info) (uint32, error) {
	if n, err := strconv.ParseUint(target, 10, 32); err == nil {
		return uint32(n), nil
	}
	root, ok := procs.TreeRoot(ps, target)
	if !ok {
		return 0, fmt.Errorf("audio: no running process named %q", target)
	}
	return uint32(root), nil
}
