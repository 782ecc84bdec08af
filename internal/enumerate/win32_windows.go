package enumerate

import (
	"fmt"
	"strconv"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/mattias800/snacka-capture/internal/procs"
)

var (
	user32 = windows.NewLazySystemDLL("user32.dll")
	dwmapi = windows.NewLazySystemDLL("dwmapi.dll")

	procEnumDisplayMonitors = user32.NewProc("EnumDisplayMonitors")
	procGetMonitorInfoW     = user32.NewProc("GetMonitorInfoW")
	procGetWindowRect       = user32.NewProc("GetWindowRect")
	procGetWindowLongPtrW   = user32.NewProc("GetWindowLongPtrW")
	procIsIconic            = user32.NewProc("IsIconic")
	procSetProcessDPIAware  = user32.NewProc("SetProcessDPIAware")

	procDwmGetWindowAttribute = dwmapi.NewProc("DwmGetWindowAttribute")
)

const (
	monitorInfoPrimary = 0x1
	gwlExStyle         = -20
	wsExToolWindow     = 0x00000080
	dwmwaCloaked       = 14
)

type monitorInfoEx struct {
	Size    uint32
	Monitor windows.Rect
	Work    windows.Rect
	Flags   uint32
	Device  [32]uint16
}

func init() {
	if procSetProcessDPIAware.Find() == nil {
		procSetProcessDPIAware.Call()
	}
}

var (
	monitorCallback = windows.NewCallback(collectMonitor)
	windowCallback  = windows.NewCallback(collectWindow)
)

type windowScan struct {
	out   []Window
	names map[uint32]string
}

// Displays lists monitors in EnumDisplayMonitors order; the index is the
// id. Coordinates are physical pixels on the virtual desktop.
func Displays() ([]Display, error) {
	var out []Display
	if r, _, err := procEnumDisplayMonitors.Call(0, 0, monitorCallback, uintptr(unsafe.Pointer(&out))); r == 0 {
		return nil, fmt.Errorf("EnumDisplayMonitors: %w", err)
	}
	if len(out) > 0 && !hasPrimary(out) {
		out[0].IsPrimary = true
	}
	return out, nil
}

func collectMonitor(hmon, _ uintptr, _ *windows.Rect, data uintptr) uintptr {
	out := (*[]Display)(unsafe.Pointer(data))
	mi := monitorInfoEx{Size: uint32(unsafe.Sizeof(monitorInfoEx{}))}
	if r, _, _ := procGetMonitorInfoW.Call(hmon, uintptr(unsafe.Pointer(&mi))); r == 0 {
		return 1
	}
	i := len(*out)
	name := windows.UTF16ToString(mi.Device[:])
	if name == "" {
		name = fmt.Sprintf("Display %d", i+1)
	}
	*out = append(*out, Display{
		ID:        fmt.Sprint(i),
		Name:      name,
		Width:     int(mi.Monitor.Right - mi.Monitor.Left),
		Height:    int(mi.Monitor.Bottom - mi.Monitor.Top),
		IsPrimary: mi.Flags&monitorInfoPrimary != 0,
		X:         int(mi.Monitor.Left),
		Y:         int(mi.Monitor.Top),
	})
	return 1
}

// Windows lists visible, titled, uncloaked top-level windows that appear
// in the task switcher. Ids are HWNDs in hex.
func Windows() ([]Window, error) {
	scan := &windowScan{names: make(map[uint32]string)}
	if err := windows.EnumWindows(windowCallback, unsafe.Pointer(scan)); err != nil {
		return nil, fmt.Errorf("EnumWindows: %w", err)
	}
	return scan.out, nil
}

func collectWindow(hwnd windows.HWND, data uintptr) uintptr {
	scan := (*windowScan)(unsafe.Pointer(data))
	if w, ok := describeWindow(hwnd, scan.names); ok {
		scan.out = append(scan.out, w)
	}
	return 1
}

func describeWindow(hwnd windows.HWND, names map[uint32]string) (Window, bool) {
	if !windows.IsWindowVisible(hwnd) {
		return Window{}, false
	}
	if r, _, _ := procIsIconic.Call(uintptr(hwnd)); r != 0 {
		return Window{}, false
	}
	idx := gwlExStyle
	style, _, _ := procGetWindowLongPtrW.Call(uintptr(hwnd), uintptr(idx))
	if style&wsExToolWindow != 0 {
		return Window{}, false
	}
	var cloaked uint32
	if procDwmGetWindowAttribute.Find() == nil {
		procDwmGetWindowAttribute.Call(uintptr(hwnd), dwmwaCloaked, uintptr(unsafe.Pointer(&cloaked)), unsafe.Sizeof(cloaked))
	}
	if cloaked != 0 {
		return Window{}, false
	}

	buf := make([]uint16, 256)
	n, _ := windows.GetWindowText(hwnd, &buf[0], int32(len(buf)))
	if n == 0 {
		return Window{}, false
	}
	var rect windows.Rect
	procGetWindowRect.Call(uintptr(hwnd), uintptr(unsafe.Pointer(&rect)))
	w, h := int(rect.Right-rect.Left), int(rect.Bottom-rect.Top)
	if w <= 0 || h <= 0 {
		return Window{}, false
	}

	var pid uint32
	_, _ = windows.GetWindowThreadProcessId(hwnd, &pid)
	app, ok := names[pid]
	if !ok {
		app = procs.Name(int(pid))
		names[pid] = app
	}
	return Window{
		ID:      strconv.FormatUint(uint64(hwnd), 10),
		Name:    windows.UTF16ToString(buf[:n]),
		AppName: app,
		PID:     int(pid),
		Width:   w,
		Height:  h,
	}, true
}
