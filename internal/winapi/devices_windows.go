//go:build windows

package winapi

import (
	"fmt"
	"unsafe"
)

// VideoDevice is one Media Foundation video capture device.
type VideoDevice struct {
	Index        int
	Name         string
	SymbolicLink string
}

// enumVideoActivates returns the IMFActivate of every video capture
// device. The caller releases them.
func enumVideoActivates() ([]uintptr, error) {
	attrs, err := CreateAttributes(1)
	if err != nil {
		return nil, err
	}
	defer Release(attrs)
	if err := SetGUID(attrs, MF_DEVSOURCE_ATTRIBUTE_SOURCE_TYPE, MF_DEVSOURCE_ATTRIBUTE_SOURCE_TYPE_VIDCAP_GUID); err != nil {
		return nil, fmt.Errorf("set source type: %w", err)
	}
	var arr uintptr
	var count uint32
	hr, _, _ := procMFEnumDeviceSources.Call(attrs, uintptr(unsafe.Pointer(&arr)), uintptr(unsafe.Pointer(&count)))
	if err := Check("MFEnumDeviceSources", hr); err != nil {
		return nil, err
	}
	return takeActivates(arr, count), nil
}

// VideoDevices lists video capture devices. Media Foundation must be
// started and COM initialized on the calling thread.
func VideoDevices() ([]VideoDevice, error) {
	acts, err := enumVideoActivates()
	if err != nil {
		return nil, err
	}
	defer ReleaseAll(acts)

	out := make([]VideoDevice, 0, len(acts))
	for i, a := range acts {
		name, _ := GetString(a, MF_DEVSOURCE_ATTRIBUTE_FRIENDLY_NAME)
		link, _ := GetString(a, MF_DEVSOURCE_ATTRIBUTE_SOURCE_TYPE_VIDCAP_SYMBOLIC_LINK)
		if name == "" {
			name = fmt.Sprintf("Camera %d", i+1)
		}
		out = append(out, VideoDevice{Index: i, Name: name, SymbolicLink: link})
	}
	return out, nil
}

// ActivateVideoDevice creates the IMFMediaSource for the device whose
// symbolic link or list index equals id. An empty id picks the first
// device. ok is false when nothing matches.
func ActivateVideoDevice(id string) (source uintptr, dev VideoDevice, ok bool, err error) {
	acts, err := enumVideoActivates()
	if err != nil {
		return 0, VideoDevice{}, false, err
	}
	defer ReleaseAll(acts)

	pick := -1
	for i, a := range acts {
		link, _ := GetString(a, MF_DEVSOURCE_ATTRIBUTE_SOURCE_TYPE_VIDCAP_SYMBOLIC_LINK)
		if id == "" || link == id || fmt.Sprint(i) == id {
			pick = i
			dev.SymbolicLink = link
			break
		}
	}
	if pick < 0 {
		return 0, VideoDevice{}, false, nil
	}
	dev.Index = pick
	dev.Name, _ = GetString(acts[pick], MF_DEVSOURCE_ATTRIBUTE_FRIENDLY_NAME)

	if _, err := Call(acts[pick], ActivateObject, uintptr(unsafe.Pointer(IID_IMFMediaSource)), uintptr(unsafe.Pointer(&source))); err != nil {
		return 0, dev, true, fmt.Errorf("IMFActivate::ActivateObject: %w", err)
	}
	return source, dev, true, nil
}
