package capture

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/go-ole/go-ole"

	"github.com/mattias800/snacka-capture/internal/winapi"
)

// IMFSourceReader and IMFMediaSource methods.
const (
	readerGetCurrentMediaType = 6
	readerSetCurrentMediaType = 7
	readerReadSample          = 9
	mediaSourceShutdown       = 12

	firstVideoStream = 0xFFFFFFFC

	readerFlagError            = 0x00000001
	readerFlagEndOfStream      = 0x00000002
	readerFlagMediaTypeChanged = 0x00000020
)

// mfCameraGrabber reads NV12 samples from a Media Foundation source
// reader in synchronous mode. The reader's video processor converts and
// scales whatever the device offers.
type mfCameraGrabber struct {
	desc     Descriptor
	device   winapi.VideoDevice
	uninit   func()
	shutdown func()
	source   uintptr
	reader   uintptr

	width, height, stride int
	buf                   []byte
}

func openCamera(desc Descriptor) (openFunc, error) {
	return func() (grabber, error) {
		g := &mfCameraGrabber{desc: desc}
		if err := g.open(); err != nil {
			g.Close()
			return nil, err
		}
		return g, nil
	}, nil
}

func (g *mfCameraGrabber) open() error {
	var err error
	if g.uninit, err = winapi.CoInit(); err != nil {
		return err
	}
	if g.shutdown, err = winapi.Startup(); err != nil {
		return err
	}

	source, dev, found, err := winapi.ActivateVideoDevice(g.desc.ID)
	switch {
	case err != nil && errors.Is(err, winapi.E_ACCESSDENIED):
		return fmt.Errorf("%w: camera %s", ErrPermissionDenied, dev.Name)
	case err != nil:
		return fmt.Errorf("activate camera %q: %w", g.desc.ID, err)
	case !found:
		return fmt.Errorf("%w: camera %q", ErrSourceNotFound, g.desc.ID)
	}
	g.source, g.device = source, dev

	attrs, err := winapi.CreateAttributes(1)
	if err != nil {
		return err
	}
	defer winapi.Release(attrs)
	if err := winapi.SetUINT32(attrs, winapi.MF_SOURCE_READER_ENABLE_VIDEO_PROCESSING, 1); err != nil {
		return fmt.Errorf("enable video processing: %w", err)
	}
	if g.reader, err = winapi.CreateSourceReader(g.source, attrs); err != nil {
		return err
	}

	// Ask for NV12 at the output size first, then NV12 at whatever size
	// the device runs at.
	if err := g.setOutputType(true); err != nil {
		log.Debug("camera rejected requested size", "camera", dev.Name, "error", err.Error())
		if err := g.setOutputType(false); err != nil {
			return fmt.Errorf("%w: camera %s cannot deliver NV12: %v", ErrNotSupported, dev.Name, err)
		}
	}
	if err := g.readCurrentType(); err != nil {
		return err
	}
	log.Info("camera opened", "camera", dev.Name, "width", g.width, "height", g.height, "stride", g.stride)
	return nil
}

func (g *mfCameraGrabber) setOutputType(withSize bool) error {
	mt, err := winapi.CreateMediaType()
	if err != nil {
		return err
	}
	defer winapi.Release(mt)
	if err := winapi.SetGUID(mt, winapi.MF_MT_MAJOR_TYPE, winapi.MFMediaType_Video); err != nil {
		return err
	}
	if err := winapi.SetGUID(mt, winapi.MF_MT_SUBTYPE, winapi.MFVideoFormat_NV12); err != nil {
		return err
	}
	if withSize {
		if err := winapi.SetUINT64(mt, winapi.MF_MT_FRAME_SIZE, winapi.Pack64(uint32(g.desc.Width), uint32(g.desc.Height))); err != nil {
			return err
		}
		if err := winapi.SetUINT64(mt, winapi.MF_MT_FRAME_RATE, winapi.Pack64(uint32(g.desc.FPS), 1)); err != nil {
			return err
		}
	}
	_, err = winapi.Call(g.reader, readerSetCurrentMediaType, firstVideoStream, 0, mt)
	return err
}

func (g *mfCameraGrabber) readCurrentType() error {
	var mt uintptr
	if _, err := winapi.Call(g.reader, readerGetCurrentMediaType, firstVideoStream, uintptr(unsafe.Pointer(&mt))); err != nil {
		return fmt.Errorf("IMFSourceReader::GetCurrentMediaType: %w", err)
	}
	defer winapi.Release(mt)

	sub, err := winapi.GetGUID(mt, winapi.MF_MT_SUBTYPE)
	if err != nil {
		return fmt.Errorf("read subtype: %w", err)
	}
	if !ole.IsEqualGUID(&sub, winapi.MFVideoFormat_NV12) {
		return fmt.Errorf("%w: camera delivers %s, not NV12", ErrNotSupported, sub.String())
	}

	size, err := winapi.GetUINT64(mt, winapi.MF_MT_FRAME_SIZE)
	if err != nil {
		return fmt.Errorf("read frame size: %w", err)
	}
	w, h := winapi.Unpack64(size)
	g.width, g.height = int(w), int(h)
	g.stride = g.width
	if s, err := winapi.GetUINT32(mt, winapi.MF_MT_DEFAULT_STRIDE); err == nil && int32(s) != 0 {
		g.stride = int(int32(s))
		if g.stride < 0 {
			g.stride = -g.stride
		}
	}
	return nil
}

func (g *mfCameraGrabber) Next() (Image, error) {
	var actual, flags uint32
	var ts int64
	var sample uintptr
	_, err := winapi.Call(g.reader, readerReadSample, firstVideoStream, 0,
		uintptr(unsafe.Pointer(&actual)),
		uintptr(unsafe.Pointer(&flags)),
		uintptr(unsafe.Pointer(&ts)),
		uintptr(unsafe.Pointer(&sample)))
	if err != nil {
		if errors.Is(err, winapi.MF_E_VIDEO_RECORDING_DEVICE_INVALIDATED) || errors.Is(err, winapi.MF_E_SHUTDOWN) {
			return Image{}, fmt.Errorf("%w: camera %s disconnected", ErrSourceNotFound, g.device.Name)
		}
		return Image{}, fmt.Errorf("%w: ReadSample: %v", ErrTransient, err)
	}
	defer winapi.Release(sample)

	if flags&(readerFlagError|readerFlagEndOfStream) != 0 {
		return Image{}, fmt.Errorf("%w: camera %s stopped streaming", ErrSourceNotFound, g.device.Name)
	}
	if flags&readerFlagMediaTypeChanged != 0 {
		if err := g.readCurrentType(); err != nil {
			return Image{}, fmt.Errorf("%w: %v", ErrTransient, err)
		}
	}
	if sample == 0 {
		return Image{}, errNoFrame
	}

	var buffer uintptr
	if _, err := winapi.Call(sample, winapi.SampleConvertToContiguousBuffer, uintptr(unsafe.Pointer(&buffer))); err != nil {
		return Image{}, fmt.Errorf("%w: ConvertToContiguousBuffer: %v", ErrTransient, err)
	}
	defer winapi.Release(buffer)

	data, unlock, err := winapi.LockBuffer(buffer)
	if err != nil {
		return Image{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	g.buf = append(g.buf[:0], data...)
	unlock()

	img := Image{
		Pix:      g.buf,
		Width:    g.width,
		Height:   g.height,
		Stride:   g.stride,
		UVOffset: g.stride * g.height,
		Format:   PixNV12,
	}
	return img, nil
}

func (g *mfCameraGrabber) Close() {
	winapi.Release(g.reader)
	g.reader = 0
	if g.source != 0 {
		_, _ = winapi.Call(g.source, mediaSourceShutdown)
		winapi.Release(g.source)
		g.source = 0
	}
	if g.shutdown != nil {
		g.shutdown()
		g.shutdown = nil
	}
	if g.uninit != nil {
		g.uninit()
		g.uninit = nil
	}
}
