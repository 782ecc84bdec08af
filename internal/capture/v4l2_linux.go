//go:build linux && (amd64 || arm64)

package capture

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

// V4L2 ioctl requests and structures for 64-bit kernels.
const (
	vidiocQueryCap  = 0x80685600
	vidiocSFmt      = 0xC0D05605
	vidiocReqBufs   = 0xC0145608
	vidiocQueryBuf  = 0xC0585609
	vidiocQBuf      = 0xC058560F
	vidiocDQBuf     = 0xC0585611
	vidiocStreamOn  = 0x40045612
	vidiocStreamOff = 0x40045613
	vidiocSParm     = 0xC0CC5616

	v4l2BufTypeVideoCapture = 1
	v4l2MemoryMmap          = 1
	v4l2FieldNone           = 1

	v4l2CapVideoCapture = 0x00000001
	v4l2CapStreaming    = 0x04000000
	v4l2CapDeviceCaps   = 0x80000000

	v4l2PixFmtYUYV = 0x56595559 // 'YUYV'
	v4l2PixFmtNV12 = 0x3231564E // 'NV12'

	v4l2BufferCount = 4
	v4l2PollMs      = 100
)

// v4l2Preferred is the VIDIOC_S_FMT request order. NV12 needs no
// conversion, YUYV is what nearly every UVC camera offers.
var v4l2Preferred = []uint32{v4l2PixFmtNV12, v4l2PixFmtYUYV}

// negotiatePixelFormat requests each preferred format in turn through
// setFormat and keeps the first answer the converter can read. Drivers
// may answer a request with a different format than the one asked for.
func negotiatePixelFormat(setFormat func(pf uint32) (v4l2PixFormat, bool)) (v4l2PixFormat, bool) {
	for _, pf := range v4l2Preferred {
		got, ok := setFormat(pf)
		if !ok {
			continue
		}
		if got.PixelFormat == v4l2PixFmtNV12 || got.PixelFormat == v4l2PixFmtYUYV {
			return got, true
		}
	}
	return v4l2PixFormat{}, false
}

type v4l2Capability struct {
	Driver       [16]byte
	Card         [32]byte
	BusInfo      [32]byte
	Version      uint32
	Capabilities uint32
	DeviceCaps   uint32
	Reserved     [3]uint32
}

type v4l2PixFormat struct {
	Width        uint32
	Height       uint32
	PixelFormat  uint32
	Field        uint32
	BytesPerLine uint32
	SizeImage    uint32
	Colorspace   uint32
	Priv         uint32
	Flags        uint32
	YcbcrEnc     uint32
	Quantization uint32
	XferFunc     uint32
}

type v4l2Format struct {
	Type uint32
	_    uint32
	Pix  v4l2PixFormat
	_    [200 - 48]byte
}

type v4l2StreamParm struct {
	Type         uint32
	Capability   uint32
	CaptureMode  uint32
	Numerator    uint32
	Denominator  uint32
	ExtendedMode uint32
	ReadBuffers  uint32
	_            [200 - 24]byte
}

type v4l2RequestBuffers struct {
	Count        uint32
	Type         uint32
	Memory       uint32
	Capabilities uint32
	Flags        uint8
	_            [3]uint8
}

type v4l2Buffer struct {
	Index     uint32
	Type      uint32
	BytesUsed uint32
	Flags     uint32
	Field     uint32
	_         uint32
	Timestamp unix.Timeval
	Timecode  [16]byte
	Sequence  uint32
	Memory    uint32
	Offset    uint64
	Length    uint32
	_         uint32
	RequestFD int32
	_         uint32
}

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
		switch errno {
		case 0:
			return nil
		case unix.EINTR:
			continue
		default:
			return errno
		}
	}
}

// CameraDevicePath maps a camera id ("2" or "/dev/video2") to its device
// node.
func CameraDevicePath(id string) string {
	if id == "" {
		return "/dev/video0"
	}
	if strings.HasPrefix(id, "/") {
		return id
	}
	if _, err := strconv.Atoi(id); err == nil {
		return "/dev/video" + id
	}
	return id
}

type v4l2Grabber struct {
	fd      int
	path    string
	format  v4l2PixFormat
	bufs    [][]byte
	pending int // buffer index handed out by the last Next, -1 if none
	polls   []unix.PollFd
}

func openCamera(desc Descriptor) (openFunc, error) {
	path := CameraDevicePath(desc.ID)
	return func() (grabber, error) {
		g := &v4l2Grabber{fd: -1, path: path, pending: -1}
		if err := g.open(desc); err != nil {
			g.Close()
			return nil, err
		}
		return g, nil
	}, nil
}

func (g *v4l2Grabber) open(desc Descriptor) error {
	fd, err := unix.Open(g.path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return v4l2OpenError(g.path, err)
	}
	g.fd = fd

	var caps v4l2Capability
	if err := ioctl(fd, vidiocQueryCap, unsafe.Pointer(&caps)); err != nil {
		return fmt.Errorf("%w: %s is not a V4L2 device: %v", ErrSourceNotFound, g.path, err)
	}
	devCaps := caps.Capabilities
	if devCaps&v4l2CapDeviceCaps != 0 {
		devCaps = caps.DeviceCaps
	}
	if devCaps&v4l2CapVideoCapture == 0 || devCaps&v4l2CapStreaming == 0 {
		return fmt.Errorf("%w: %s cannot stream video", ErrNotSupported, g.path)
	}

	pix, ok := negotiatePixelFormat(func(pf uint32) (v4l2PixFormat, bool) {
		f := v4l2Format{Type: v4l2BufTypeVideoCapture}
		f.Pix = v4l2PixFormat{Width: uint32(desc.Width), Height: uint32(desc.Height), PixelFormat: pf, Field: v4l2FieldNone}
		if err := ioctl(fd, vidiocSFmt, unsafe.Pointer(&f)); err != nil {
			return v4l2PixFormat{}, false
		}
		return f.Pix, true
	})
	if !ok {
		return fmt.Errorf("%w: %s offers neither NV12 nor YUYV", ErrNotSupported, g.path)
	}
	g.format = pix

	parm := v4l2StreamParm{Type: v4l2BufTypeVideoCapture, Numerator: 1, Denominator: uint32(desc.FPS)}
	if err := ioctl(fd, vidiocSParm, unsafe.Pointer(&parm)); err != nil {
		log.Debug("frame rate not accepted", "device", g.path, "fps", desc.FPS, "error", err.Error())
	}

	req := v4l2RequestBuffers{Count: v4l2BufferCount, Type: v4l2BufTypeVideoCapture, Memory: v4l2MemoryMmap}
	if err := ioctl(fd, vidiocReqBufs, unsafe.Pointer(&req)); err != nil {
		return fmt.Errorf("VIDIOC_REQBUFS on %s: %w", g.path, err)
	}
	if req.Count == 0 {
		return fmt.Errorf("%s granted no buffers", g.path)
	}
	for i := uint32(0); i < req.Count; i++ {
		b := v4l2Buffer{Index: i, Type: v4l2BufTypeVideoCapture, Memory: v4l2MemoryMmap}
		if err := ioctl(fd, vidiocQueryBuf, unsafe.Pointer(&b)); err != nil {
			return fmt.Errorf("VIDIOC_QUERYBUF %d: %w", i, err)
		}
		mem, err := unix.Mmap(fd, int64(b.Offset), int(b.Length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			return fmt.Errorf("mmap buffer %d: %w", i, err)
		}
		g.bufs = append(g.bufs, mem)
		if err := ioctl(fd, vidiocQBuf, unsafe.Pointer(&b)); err != nil {
			return fmt.Errorf("VIDIOC_QBUF %d: %w", i, err)
		}
	}

	typ := int32(v4l2BufTypeVideoCapture)
	if err := ioctl(fd, vidiocStreamOn, unsafe.Pointer(&typ)); err != nil {
		return fmt.Errorf("VIDIOC_STREAMON on %s: %w", g.path, err)
	}
	g.polls = []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}

	log.Info("camera opened",
		"device", g.path,
		"card", cString(caps.Card[:]),
		"format", fourCC(g.format.PixelFormat),
		"width", g.format.Width,
		"height", g.format.Height,
		"buffers", len(g.bufs))
	return nil
}

func (g *v4l2Grabber) requeue() error {
	if g.pending < 0 {
		return nil
	}
	b := v4l2Buffer{Index: uint32(g.pending), Type: v4l2BufTypeVideoCapture, Memory: v4l2MemoryMmap}
	g.pending = -1
	return ioctl(g.fd, vidiocQBuf, unsafe.Pointer(&b))
}

func (g *v4l2Grabber) Next() (Image, error) {
	if err := g.requeue(); err != nil {
		return Image{}, g.ioError("VIDIOC_QBUF", err)
	}

	n, err := unix.Poll(g.polls, v4l2PollMs)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return Image{}, errNoFrame
		}
		return Image{}, fmt.Errorf("poll %s: %w", g.path, err)
	}
	if n == 0 {
		return Image{}, errNoFrame
	}
	if g.polls[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 && g.polls[0].Revents&unix.POLLIN == 0 {
		return Image{}, fmt.Errorf("%w: %s disconnected", ErrSourceNotFound, g.path)
	}

	b := v4l2Buffer{Type: v4l2BufTypeVideoCapture, Memory: v4l2MemoryMmap}
	if err := ioctl(g.fd, vidiocDQBuf, unsafe.Pointer(&b)); err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return Image{}, errNoFrame
		}
		return Image{}, g.ioError("VIDIOC_DQBUF", err)
	}
	if int(b.Index) >= len(g.bufs) {
		return Image{}, fmt.Errorf("%w: driver returned buffer %d", ErrTransient, b.Index)
	}
	g.pending = int(b.Index)

	pix := g.bufs[b.Index]
	if b.BytesUsed > 0 && int(b.BytesUsed) <= len(pix) {
		pix = pix[:b.BytesUsed]
	}
	w, h := int(g.format.Width), int(g.format.Height)
	img := Image{Pix: pix, Width: w, Height: h}
	switch g.format.PixelFormat {
	case v4l2PixFmtYUYV:
		img.Format = PixYUYV
		img.Stride = int(g.format.BytesPerLine)
		if img.Stride == 0 {
			img.Stride = w * 2
		}
	case v4l2PixFmtNV12:
		img.Format = PixNV12
		img.Stride = int(g.format.BytesPerLine)
		if img.Stride == 0 {
			img.Stride = w
		}
		img.UVOffset = img.Stride * h
	}
	return img, nil
}

func (g *v4l2Grabber) ioError(op string, err error) error {
	if errors.Is(err, unix.ENODEV) || errors.Is(err, unix.EIO) {
		return fmt.Errorf("%w: %s disconnected: %v", ErrSourceNotFound, g.path, err)
	}
	return fmt.Errorf("%w: %s on %s: %v", ErrTransient, op, g.path, err)
}

func (g *v4l2Grabber) Close() {
	if g.fd >= 0 {
		typ := int32(v4l2BufTypeVideoCapture)
		_ = ioctl(g.fd, vidiocStreamOff, unsafe.Pointer(&typ))
	}
	for _, m := range g.bufs {
		_ = unix.Munmap(m)
	}
	g.bufs = nil
	if g.fd >= 0 {
		_ = unix.Close(g.fd)
		g.fd = -1
	}
}

func v4l2OpenError(path string, err error) error {
	switch {
	case errors.Is(err, unix.ENOENT), errors.Is(err, unix.ENODEV):
		return fmt.Errorf("%w: %s", ErrSourceNotFound, path)
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		return fmt.Errorf("%w: %s", ErrPermissionDenied, path)
	default:
		return fmt.Errorf("open %s: %w", path, err)
	}
}

func cString(b []byte) string {
	if i := strings.IndexByte(string(b), 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func fourCC(v uint32) string {
	return string([]byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)})
}
