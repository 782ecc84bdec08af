package capture

import (
	"fmt"
	"strconv"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/mattias800/snacka-capture/internal/enumerate"
)

var (
	user32 = windows.NewLazySystemDLL("user32.dll")
	gdi32  = windows.NewLazySystemDLL("gdi32.dll")

	procPrintWindow   = user32.NewProc("PrintWindow")
	procIsWindow      = user32.NewProc("IsWindow")
	procIsIconic      = user32.NewProc("IsIconic")
	procGetWindowRect = user32.NewProc("GetWindowRect")

	procCreateDCW              = gdi32.NewProc("CreateDCW")
	procCreateCompatibleDC     = gdi32.NewProc("CreateCompatibleDC")
	procCreateCompatibleBitmap = gdi32.NewProc("CreateCompatibleBitmap")
	procSelectObject           = gdi32.NewProc("SelectObject")
	procBitBlt                 = gdi32.NewProc("BitBlt")
	procDeleteDC               = gdi32.NewProc("DeleteDC")
	procDeleteObject           = gdi32.NewProc("DeleteObject")
	procGetDIBits              = gdi32.NewProc("GetDIBits")
)

const (
	srcCopy             = 0x00CC0020
	captureBlt          = 0x40000000
	biRGB               = 0
	dibRGBColors        = 0
	pwRenderFullContent = 0x2
)

type bitmapInfoHeader struct {
	Size          uint32
	Width         int32
	Height        int32
	Planes        uint16
	BitCount      uint16
	Compression   uint32
	SizeImage     uint32
	XPelsPerMeter int32
	YPelsPerMeter int32
	ClrUsed       uint32
	ClrImportant  uint32
}

type bitmapInfo struct {
	Header bitmapInfoHeader
	Colors [1]uint32
}

var displayDeviceName, _ = windows.UTF16PtrFromString("DISPLAY")

// gdiGrabber copies a monitor rectangle with BitBlt, or a single window
// with PrintWindow, into a reusable top-down 32-bit DIB.
type gdiGrabber struct {
	desc Descriptor
	hwnd uintptr // zero for display capture
	x, y int

	screenDC  uintptr
	memDC     uintptr
	bitmap    uintptr
	oldBitmap uintptr
	bi        bitmapInfo
	width     int
	height    int
	pix       []byte
}

func openDisplay(desc Descriptor) (openFunc, error) {
	index, err := strconv.Atoi(desc.ID)
	if err != nil || index < 0 {
		return nil, fmt.Errorf("%w: display %q", ErrSourceNotFound, desc.ID)
	}
	return func() (grabber, error) {
		displays, err := enumerate.Displays()
		if err != nil {
			return nil, fmt.Errorf("list displays: %w", err)
		}
		if index >= len(displays) {
			return nil, fmt.Errorf("%w: display %d of %d", ErrSourceNotFound, index, len(displays))
		}
		d := displays[index]
		g := &gdiGrabber{desc: desc, x: d.X, y: d.Y}
		if err := g.ensureHandles(d.Width, d.Height); err != nil {
			g.Close()
			return nil, err
		}
		log.Debug("gdi display grabber opened", "display", d.Name, "x", d.X, "y", d.Y, "width", d.Width, "height", d.Height)
		return g, nil
	}, nil
}

func openWindow(desc Descriptor) (openFunc, error) {
	id, err := ParseWindowID(desc.ID)
	if err != nil {
		return nil, err
	}
	return func() (grabber, error) {
		g := &gdiGrabber{desc: desc, hwnd: uintptr(id)}
		w, h, err := g.windowSize()
		if err != nil {
			return nil, err
		}
		if err := g.ensureHandles(w, h); err != nil {
			g.Close()
			return nil, err
		}
		return g, nil
	}, nil
}

func (g *gdiGrabber) windowSize() (int, int, error) {
	if r, _, _ := procIsWindow.Call(g.hwnd); r == 0 {
		return 0, 0, fmt.Errorf("%w: window %s was closed", ErrSourceNotFound, g.desc.ID)
	}
	var rect windows.Rect
	if r, _, _ := procGetWindowRect.Call(g.hwnd, uintptr(unsafe.Pointer(&rect))); r == 0 {
		return 0, 0, fmt.Errorf("%w: GetWindowRect failed", ErrTransient)
	}
	w, h := int(rect.Right-rect.Left), int(rect.Bottom-rect.Top)
	if w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("%w: window %s has no area", ErrTransient, g.desc.ID)
	}
	return w, h, nil
}

func (g *gdiGrabber) ensureHandles(width, height int) error {
	if g.memDC != 0 && g.width == width && g.height == height {
		return nil
	}
	g.releaseHandles()

	hdc, _, _ := procCreateDCW.Call(uintptr(unsafe.Pointer(displayDeviceName)), 0, 0, 0)
	if hdc == 0 {
		return fmt.Errorf("%w: CreateDC(DISPLAY) failed", ErrTransient)
	}
	g.screenDC = hdc

	g.memDC, _, _ = procCreateCompatibleDC.Call(hdc)
	if g.memDC == 0 {
		g.releaseHandles()
		return fmt.Errorf("%w: CreateCompatibleDC failed", ErrTransient)
	}
	g.bitmap, _, _ = procCreateCompatibleBitmap.Call(hdc, uintptr(width), uintptr(height))
	if g.bitmap == 0 {
		g.releaseHandles()
		return fmt.Errorf("%w: CreateCompatibleBitmap %dx%d failed", ErrTransient, width, height)
	}
	g.oldBitmap, _, _ = procSelectObject.Call(g.memDC, g.bitmap)
	if g.oldBitmap == 0 {
		g.releaseHandles()
		return fmt.Errorf("%w: SelectObject failed", ErrTransient)
	}

	g.width, g.height = width, height
	if cap(g.pix) >= width*height*4 {
		g.pix = g.pix[:width*height*4]
	} else {
		g.pix = make([]byte, width*height*4)
	}
	g.bi = bitmapInfo{Header: bitmapInfoHeader{
		Size:        uint32(unsafe.Sizeof(bitmapInfoHeader{})),
		Width:       int32(width),
		Height:      -int32(height), // top-down
		Planes:      1,
		BitCount:    32,
		Compression: biRGB,
	}}
	return nil
}

func (g *gdiGrabber) releaseHandles() {
	if g.oldBitmap != 0 && g.memDC != 0 {
		procSelectObject.Call(g.memDC, g.oldBitmap)
	}
	if g.bitmap != 0 {
		procDeleteObject.Call(g.bitmap)
	}
	if g.memDC != 0 {
		procDeleteDC.Call(g.memDC)
	}
	if g.screenDC != 0 {
		procDeleteDC.Call(g.screenDC)
	}
	g.screenDC, g.memDC, g.bitmap, g.oldBitmap = 0, 0, 0, 0
}

func (g *gdiGrabber) Next() (Image, error) {
	if g.hwnd != 0 {
		if r, _, _ := procIsIconic.Call(g.hwnd); r != 0 {
			return Image{}, fmt.Errorf("%w: window %s is minimized", ErrTransient, g.desc.ID)
		}
		w, h, err := g.windowSize()
		if err != nil {
			return Image{}, err
		}
		if err := g.ensureHandles(w, h); err != nil {
			return Image{}, err
		}
		if r, _, _ := procPrintWindow.Call(g.hwnd, g.memDC, pwRenderFullContent); r == 0 {
			return Image{}, fmt.Errorf("%w: PrintWindow failed", ErrTransient)
		}
	} else {
		if err := g.ensureHandles(g.width, g.height); err != nil {
			return Image{}, err
		}
		r, _, _ := procBitBlt.Call(g.memDC, 0, 0, uintptr(g.width), uintptr(g.height),
			g.screenDC, uintptr(g.x), uintptr(g.y), srcCopy|captureBlt)
		if r == 0 {
			// Secure desktop transitions reject CAPTUREBLT.
			r, _, _ = procBitBlt.Call(g.memDC, 0, 0, uintptr(g.width), uintptr(g.height),
				g.screenDC, uintptr(g.x), uintptr(g.y), srcCopy)
		}
		if r == 0 {
			g.releaseHandles()
			return Image{}, fmt.Errorf("%w: BitBlt failed", ErrTransient)
		}
	}

	r, _, _ := procGetDIBits.Call(g.memDC, g.bitmap, 0, uintptr(g.height),
		uintptr(unsafe.Pointer(&g.pix[0])), uintptr(unsafe.Pointer(&g.bi)), dibRGBColors)
	if r == 0 {
		g.releaseHandles()
		return Image{}, fmt.Errorf("%w: GetDIBits failed", ErrTransient)
	}
	return Image{Pix: g.pix, Width: g.width, Height: g.height, Stride: g.width * 4, Format: PixBGRA}, nil
}

func (g *gdiGrabber) Close() { g.releaseHandles() }
