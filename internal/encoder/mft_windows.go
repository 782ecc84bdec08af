//go:build windows

package encoder

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/mattias800/snacka-capture/internal/winapi"
)

const (
	maxStreamChanges = 5
	maxDrainOutputs  = 64
)

func init() {
	register(factory{name: "mft", probe: probeMFT, open: openMFT})
}

// mftBackend drives a hardware H.264 Media Foundation transform. Every
// COM call runs on the backend's own MTA thread.
type mftBackend struct {
	cfg    Config
	thread *winapi.Thread

	activate  uintptr // IMFActivate, kept for ShutdownObject
	transform uintptr // IMFTransform
	codecAPI  uintptr // ICodecAPI, may be 0
	name      string

	providesSamples bool
	outBufSize      int
	frameDuration   int64 // 100 ns units
	pending         []uint64
}

func probeMFT() error {
	th, err := winapi.NewThread()
	if err != nil {
		return err
	}
	defer th.Close()
	return th.Do(func() error {
		acts, err := hardwareEncoders()
		winapi.ReleaseAll(acts)
		return err
	})
}

func hardwareEncoders() ([]uintptr, error) {
	in := &winapi.TypeInfo{Major: *winapi.MFMediaType_Video, Subtype: *winapi.MFVideoFormat_NV12}
	out := &winapi.TypeInfo{Major: *winapi.MFMediaType_Video, Subtype: *winapi.MFVideoFormat_H264}
	acts, err := winapi.EnumTransforms(winapi.MFT_CATEGORY_VIDEO_ENCODER,
		winapi.MFT_ENUM_FLAG_HARDWARE|winapi.MFT_ENUM_FLAG_SORTANDFILTER, in, out)
	if err != nil {
		return nil, err
	}
	if len(acts) == 0 {
		return nil, errors.New("no hardware H.264 encoder MFT registered")
	}
	return acts, nil
}

func openMFT(cfg Config) (backend, error) {
	th, err := winapi.NewThread()
	if err != nil {
		return nil, err
	}
	b := &mftBackend{
		cfg:           cfg,
		thread:        th,
		frameDuration: 10_000_000 / int64(cfg.FPS),
	}
	if err := th.Do(b.init); err != nil {
		_ = th.Do(func() error { b.release(); return nil })
		th.Close()
		return nil, err
	}
	return b, nil
}

// init activates the first hardware encoder that accepts the stream
// configuration.
func (b *mftBackend) init() error {
	acts, err := hardwareEncoders()
	if err != nil {
		return err
	}
	defer winapi.ReleaseAll(acts)

	var errs []error
	for _, act := range acts {
		name, _ := winapi.GetString(act, winapi.MFT_FRIENDLY_NAME)
		if name == "" {
			name = "hardware MFT"
		}
		transform, err := activateTransform(act)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		b.transform, b.name = transform, name
		if err := b.configure(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			b.release()
			_, _ = winapi.Call(act, winapi.ShutdownObject)
			continue
		}
		winapi.AddRef(act)
		b.activate = act
		log.Debug("media foundation encoder configured",
			"mft", name,
			"providesSamples", b.providesSamples,
			"outputBufferSize", b.outBufSize,
			"codecAPI", b.codecAPI != 0)
		return nil
	}
	return errors.Join(errs...)
}

func activateTransform(act uintptr) (uintptr, error) {
	var transform uintptr
	if _, err := winapi.Call(act, winapi.ActivateObject,
		uintptr(unsafe.Pointer(winapi.IID_IMFTransform)),
		uintptr(unsafe.Pointer(&transform))); err != nil {
		return 0, fmt.Errorf("IMFActivate::ActivateObject: %w", err)
	}
	return transform, nil
}

func (b *mftBackend) configure() error {
	// Hardware transforms are asynchronous and reject configuration until
	// unlocked.
	var attrs uintptr
	if _, err := winapi.Call(b.transform, winapi.TransformGetAttributes, uintptr(unsafe.Pointer(&attrs))); err != nil {
		return fmt.Errorf("IMFTransform::GetAttributes: %w", err)
	}
	unlockErr := winapi.SetUINT32(attrs, winapi.MF_TRANSFORM_ASYNC_UNLOCK, 1)
	if err := winapi.SetUINT32(attrs, winapi.MF_LOW_LATENCY, 1); err != nil {
		log.Debug("MF_LOW_LATENCY not accepted", "mft", b.name, "error", err.Error())
	}
	winapi.Release(attrs)
	if unlockErr != nil {
		return fmt.Errorf("async unlock: %w", unlockErr)
	}

	if api, err := winapi.QueryInterface(b.transform, winapi.IID_ICodecAPI); err == nil {
		b.codecAPI = api
		b.setCodecProperties()
	} else {
		log.Warn("encoder has no ICodecAPI, keyframes cannot be forced", "mft", b.name)
	}

	if err := b.setOutputType(); err != nil {
		return err
	}
	if err := b.setInputType(); err != nil {
		return err
	}

	var info winapi.OutputStreamInfo
	if _, err := winapi.Call(b.transform, winapi.TransformGetOutputStreamInfo, 0, uintptr(unsafe.Pointer(&info))); err == nil {
		b.providesSamples = info.Flags&winapi.MFT_OUTPUT_STREAM_PROVIDES_SAMPLES != 0
		b.outBufSize = int(info.Size)
	}
	if b.outBufSize <= 0 {
		b.outBufSize = b.cfg.frameSize()
	}

	if _, err := winapi.Call(b.transform, winapi.TransformProcessMessage, winapi.MFT_MESSAGE_NOTIFY_BEGIN_STREAMING, 0); err != nil {
		return fmt.Errorf("begin streaming: %w", err)
	}
	if _, err := winapi.Call(b.transform, winapi.TransformProcessMessage, winapi.MFT_MESSAGE_NOTIFY_START_OF_STREAM, 0); err != nil {
		return fmt.Errorf("start of stream: %w", err)
	}
	return nil
}

// setCodecProperties asks for CBR, a GOP of one second and no B-frames.
// Encoders that refuse a property keep their default.
func (b *mftBackend) setCodecProperties() {
	props := []struct {
		name string
		key  *winapi.GUID
		val  uint32
	}{
		{"RateControlMode", winapi.CODECAPI_AVEncCommonRateControlMode, winapi.EAVEncCommonRateControlMode_CBR},
		{"MeanBitRate", winapi.CODECAPI_AVEncCommonMeanBitRate, uint32(b.cfg.BitrateBPS)},
		{"GOPSize", winapi.CODECAPI_AVEncMPVGOPSize, uint32(b.cfg.FPS)},
		{"DefaultBPictureCount", winapi.CODECAPI_AVEncMPVDefaultBPictureCount, 0},
		{"LowLatencyMode", winapi.CODECAPI_AVLowLatencyMode, 1},
	}
	for _, p := range props {
		if err := winapi.SetCodecUINT32(b.codecAPI, p.key, p.val); err != nil {
			log.Debug("codec property not accepted", "mft", b.name, "property", p.name, "error", err.Error())
		}
	}
}

func (b *mftBackend) newVideoType(subtype *winapi.GUID) (uintptr, error) {
	mt, err := winapi.CreateMediaType()
	if err != nil {
		return 0, err
	}
	w, h := uint32(b.cfg.Width), uint32(b.cfg.Height)
	errs := []error{
		winapi.SetGUID(mt, winapi.MF_MT_MAJOR_TYPE, winapi.MFMediaType_Video),
		winapi.SetGUID(mt, winapi.MF_MT_SUBTYPE, subtype),
		winapi.SetUINT32(mt, winapi.MF_MT_INTERLACE_MODE, winapi.MFVideoInterlace_Progressive),
		winapi.SetUINT64(mt, winapi.MF_MT_FRAME_SIZE, winapi.Pack64(w, h)),
		winapi.SetUINT64(mt, winapi.MF_MT_FRAME_RATE, winapi.Pack64(uint32(b.cfg.FPS), 1)),
		winapi.SetUINT64(mt, winapi.MF_MT_PIXEL_ASPECT_RATIO, winapi.Pack64(1, 1)),
	}
	if err := errors.Join(errs...); err != nil {
		winapi.Release(mt)
		return 0, err
	}
	return mt, nil
}

func (b *mftBackend) setOutputType() error {
	mt, err := b.newVideoType(winapi.MFVideoFormat_H264)
	if err != nil {
		return err
	}
	defer winapi.Release(mt)
	if err := errors.Join(
		winapi.SetUINT32(mt, winapi.MF_MT_AVG_BITRATE, uint32(b.cfg.BitrateBPS)),
		winapi.SetUINT32(mt, winapi.MF_MT_MPEG2_PROFILE, winapi.EAVEncH264VProfile_Base),
	); err != nil {
		return err
	}
	if _, err := winapi.Call(b.transform, winapi.TransformSetOutputType, 0, mt, 0); err != nil {
		return fmt.Errorf("IMFTransform::SetOutputType: %w", err)
	}
	return nil
}

func (b *mftBackend) setInputType() error {
	mt, err := b.newVideoType(winapi.MFVideoFormat_NV12)
	if err != nil {
		return err
	}
	defer winapi.Release(mt)
	if err := winapi.SetUINT32(mt, winapi.MF_MT_DEFAULT_STRIDE, uint32(b.cfg.Width)); err != nil {
		return err
	}
	if _, err := winapi.Call(b.transform, winapi.TransformSetInputType, 0, mt, 0); err != nil {
		return fmt.Errorf("IMFTransform::SetInputType: %w", err)
	}
	return nil
}

func (b *mftBackend) Name() string { return "mft (" + b.name + ")" }

func (b *mftBackend) Encode(nv12 []byte, tsMs uint64, forceKeyframe bool) ([]packet, error) {
	var out []packet
	err := b.thread.Do(func() error {
		var err error
		out, err = b.encode(nv12, tsMs, forceKeyframe)
		return err
	})
	return out, err
}

func (b *mftBackend) encode(nv12 []byte, tsMs uint64, forceKeyframe bool) ([]packet, error) {
	if b.transform == 0 {
		return nil, errors.New("transform released")
	}
	if forceKeyframe && b.codecAPI != 0 {
		if err := winapi.SetCodecUINT32(b.codecAPI, winapi.CODECAPI_AVEncVideoForceKeyFrame, 1); err != nil {
			log.Debug("force keyframe not accepted", "mft", b.name, "error", err.Error())
		}
	}

	sample, err := winapi.NewBufferSample(nv12)
	if err != nil {
		return nil, err
	}
	defer winapi.Release(sample)
	_, _ = winapi.Call(sample, winapi.SampleSetTime, uintptr(int64(tsMs)*10_000))
	_, _ = winapi.Call(sample, winapi.SampleSetDuration, uintptr(b.frameDuration))

	var out []packet
	ret, _ := winapi.Call(b.transform, winapi.TransformProcessInput, 0, sample, 0)
	if winapi.HRESULT(uint32(ret)) == winapi.MF_E_NOTACCEPTING {
		drained, err := b.drain()
		out = append(out, drained...)
		if err != nil {
			return out, err
		}
		ret, _ = winapi.Call(b.transform, winapi.TransformProcessInput, 0, sample, 0)
	}
	if err := winapi.Check("IMFTransform::ProcessInput", ret); err != nil {
		return out, err
	}
	b.pending = append(b.pending, tsMs)

	drained, err := b.drain()
	return append(out, drained...), err
}

// drain collects output until the transform asks for more input.
func (b *mftBackend) drain() ([]packet, error) {
	var out []packet
	streamChanges := 0
	for i := 0; i < maxDrainOutputs; i++ {
		var caller uintptr
		odb := winapi.OutputDataBuffer{}
		if !b.providesSamples {
			s, err := b.newOutputSample()
			if err != nil {
				return out, err
			}
			caller = s
			odb.Sample = s
		}

		var status uint32
		ret, _ := winapi.Call(b.transform, winapi.TransformProcessOutput, 0, 1,
			uintptr(unsafe.Pointer(&odb)), uintptr(unsafe.Pointer(&status)))
		hr := winapi.HRESULT(uint32(ret))
		if odb.Events != 0 {
			winapi.Release(odb.Events)
		}

		switch {
		case hr == winapi.MF_E_TRANSFORM_NEED_MORE_INPUT || hr == winapi.E_UNEXPECTED:
			winapi.Release(caller)
			return out, nil
		case hr == winapi.MF_E_TRANSFORM_STREAM_CHANGE:
			winapi.Release(caller)
			streamChanges++
			if streamChanges > maxStreamChanges {
				return out, fmt.Errorf("transform changed its output type %d times", streamChanges)
			}
			b.renegotiateOutput()
			continue
		case hr == winapi.MF_E_BUFFERTOOSMALL:
			winapi.Release(caller)
			b.outBufSize *= 2
			continue
		case hr.Failed():
			winapi.Release(caller)
			return out, &winapi.CallError{Method: "IMFTransform::ProcessOutput", HR: hr}
		}

		result := odb.Sample
		if result == 0 {
			return out, errors.New("ProcessOutput returned no sample")
		}
		pkt, err := b.readSample(result)
		if b.providesSamples {
			winapi.Release(result)
		} else {
			winapi.Release(caller)
		}
		if err != nil {
			return out, err
		}
		if len(pkt.data) > 0 {
			out = append(out, pkt)
		}
	}
	return out, nil
}

func (b *mftBackend) newOutputSample() (uintptr, error) {
	buf, err := winapi.CreateMemoryBuffer(b.outBufSize)
	if err != nil {
		return 0, err
	}
	defer winapi.Release(buf)
	s, err := winapi.CreateSample()
	if err != nil {
		return 0, err
	}
	if _, err := winapi.Call(s, winapi.SampleAddBuffer, buf); err != nil {
		winapi.Release(s)
		return 0, fmt.Errorf("IMFSample::AddBuffer: %w", err)
	}
	return s, nil
}

// renegotiateOutput accepts the transform's preferred output type after a
// stream change and re-reads the buffer requirements.
func (b *mftBackend) renegotiateOutput() {
	var mt uintptr
	if _, err := winapi.Call(b.transform, winapi.TransformGetOutputAvailableType, 0, 0, uintptr(unsafe.Pointer(&mt))); err == nil && mt != 0 {
		_, _ = winapi.Call(b.transform, winapi.TransformSetOutputType, 0, mt, 0)
		winapi.Release(mt)
	}
	var info winapi.OutputStreamInfo
	if _, err := winapi.Call(b.transform, winapi.TransformGetOutputStreamInfo, 0, uintptr(unsafe.Pointer(&info))); err == nil {
		b.providesSamples = info.Flags&winapi.MFT_OUTPUT_STREAM_PROVIDES_SAMPLES != 0
		if int(info.Size) > b.outBufSize {
			b.outBufSize = int(info.Size)
		}
	}
	log.Debug("transform output type renegotiated", "mft", b.name, "providesSamples", b.providesSamples)
}

func (b *mftBackend) readSample(sample uintptr) (packet, error) {
	var p packet
	if len(b.pending) > 0 {
		p.tsMs = b.pending[0]
		b.pending = b.pending[1:]
	}
	var t int64
	if _, err := winapi.Call(sample, winapi.SampleGetTime, uintptr(unsafe.Pointer(&t))); err == nil && t >= 0 {
		p.tsMs = uint64(t / 10_000)
	}

	var contiguous uintptr
	if _, err := winapi.Call(sample, winapi.SampleConvertToContiguousBuffer, uintptr(unsafe.Pointer(&contiguous))); err != nil {
		return p, fmt.Errorf("IMFSample::ConvertToContiguousBuffer: %w", err)
	}
	defer winapi.Release(contiguous)
	data, unlock, err := winapi.LockBuffer(contiguous)
	if err != nil {
		return p, err
	}
	p.data = append([]byte(nil), data...)
	unlock()
	return p, nil
}

func (b *mftBackend) Flush() ([]packet, error) {
	var out []packet
	err := b.thread.Do(func() error {
		if b.transform == 0 {
			return nil
		}
		if _, err := winapi.Call(b.transform, winapi.TransformProcessMessage, winapi.MFT_MESSAGE_NOTIFY_END_OF_STREAM, 0); err != nil {
			log.Debug("end of stream not accepted", "mft", b.name, "error", err.Error())
		}
		if _, err := winapi.Call(b.transform, winapi.TransformProcessMessage, winapi.MFT_MESSAGE_COMMAND_DRAIN, 0); err != nil {
			return fmt.Errorf("drain: %w", err)
		}
		var err error
		out, err = b.drain()
		return err
	})
	return out, err
}

func (b *mftBackend) Close() {
	_ = b.thread.Do(func() error {
		b.release()
		return nil
	})
	b.thread.Close()
}

// release frees every COM object the backend holds. It runs on the
// backend thread and tolerates partial initialization.
func (b *mftBackend) release() {
	if b.transform != 0 {
		_, _ = winapi.Call(b.transform, winapi.TransformProcessMessage, winapi.MFT_MESSAGE_NOTIFY_END_STREAMING, 0)
	}
	winapi.Release(b.codecAPI)
	b.codecAPI = 0
	winapi.Release(b.transform)
	b.transform = 0
	if b.activate != 0 {
		_, _ = winapi.Call(b.activate, winapi.ShutdownObject)
		winapi.Release(b.activate)
		b.activate = 0
	}
}
