//go:build darwin && cgo

package encoder

/*
#cgo LDFLAGS: -framework VideoToolbox -framework CoreMedia -framework CoreVideo -framework CoreFoundation

#include <CoreFoundation/CoreFoundation.h>
#include <CoreMedia/CoreMedia.h>
#include <CoreVideo/CoreVideo.h>
#include <VideoToolbox/VideoToolbox.h>
#include <stdint.h>
#include <stdlib.h>
#include <string.h>

extern void goVTOutput(uintptr_t sourceFrameRefCon, int32_t status, uint32_t infoFlags, CMSampleBufferRef sampleBuffer);

static void vtOutputCallback(void *outputCallbackRefCon,
                             void *sourceFrameRefCon,
                             OSStatus status,
                             VTEncodeInfoFlags infoFlags,
                             CMSampleBufferRef sampleBuffer) {
    goVTOutput((uintptr_t)sourceFrameRefCon, (int32_t)status, (uint32_t)infoFlags, sampleBuffer);
}

// vtCreateSession requires a hardware encoder and NV12 video-range
// IOSurface-backed input buffers.
static OSStatus vtCreateSession(int width, int height, VTCompressionSessionRef *sessionOut) {
    const void *specKeys[] = {
        kVTVideoEncoderSpecification_EnableHardwareAcceleratedVideoEncoder,
        kVTVideoEncoderSpecification_RequireHardwareAcceleratedVideoEncoder,
    };
    const void *specVals[] = { kCFBooleanTrue, kCFBooleanTrue };
    CFDictionaryRef spec = CFDictionaryCreate(kCFAllocatorDefault, specKeys, specVals, 2,
                                              &kCFTypeDictionaryKeyCallBacks,
                                              &kCFTypeDictionaryValueCallBacks);

    int32_t w = width, h = height;
    uint32_t pf = kCVPixelFormatType_420YpCbCr8BiPlanarVideoRange;
    CFNumberRef wNum = CFNumberCreate(kCFAllocatorDefault, kCFNumberSInt32Type, &w);
    CFNumberRef hNum = CFNumberCreate(kCFAllocatorDefault, kCFNumberSInt32Type, &h);
    CFNumberRef pfNum = CFNumberCreate(kCFAllocatorDefault, kCFNumberSInt32Type, &pf);
    CFDictionaryRef ioSurf = CFDictionaryCreate(kCFAllocatorDefault, NULL, NULL, 0,
                                                &kCFTypeDictionaryKeyCallBacks,
                                                &kCFTypeDictionaryValueCallBacks);
    const void *attrKeys[] = {
        kCVPixelBufferPixelFormatTypeKey,
        kCVPixelBufferWidthKey,
        kCVPixelBufferHeightKey,
        kCVPixelBufferIOSurfacePropertiesKey,
    };
    const void *attrVals[] = { pfNum, wNum, hNum, ioSurf };
    CFDictionaryRef attrs = CFDictionaryCreate(kCFAllocatorDefault, attrKeys, attrVals, 4,
                                               &kCFTypeDictionaryKeyCallBacks,
                                               &kCFTypeDictionaryValueCallBacks);
    CFRelease(wNum);
    CFRelease(hNum);
    CFRelease(pfNum);
    CFRelease(ioSurf);

    OSStatus st = VTCompressionSessionCreate(kCFAllocatorDefault, width, height,
                                             kCMVideoCodecType_H264, spec, attrs, NULL,
                                             vtOutputCallback, NULL, sessionOut);
    if (attrs) CFRelease(attrs);
    if (spec) CFRelease(spec);
    return st;
}

static OSStatus vtSetBool(VTCompressionSessionRef s, CFStringRef key, int value) {
    return VTSessionSetProperty(s, key, value ? kCFBooleanTrue : kCFBooleanFalse);
}

static OSStatus vtSetInt(VTCompressionSessionRef s, CFStringRef key, int32_t value) {
    CFNumberRef num = CFNumberCreate(kCFAllocatorDefault, kCFNumberSInt32Type, &value);
    if (!num) return -1;
    OSStatus st = VTSessionSetProperty(s, key, num);
    CFRelease(num);
    return st;
}

static OSStatus vtSetString(VTCompressionSessionRef s, CFStringRef key, CFStringRef value) {
    return VTSessionSetProperty(s, key, value);
}

static OSStatus vtSetDataRateLimits(VTCompressionSessionRef s, int32_t bytesPerSecond, int32_t seconds) {
    CFNumberRef bps = CFNumberCreate(kCFAllocatorDefault, kCFNumberSInt32Type, &bytesPerSecond);
    CFNumberRef sec = CFNumberCreate(kCFAllocatorDefault, kCFNumberSInt32Type, &seconds);
    if (!bps || !sec) {
        if (bps) CFRelease(bps);
        if (sec) CFRelease(sec);
        return -1;
    }
    const void *vals[] = { bps, sec };
    CFArrayRef arr = CFArrayCreate(kCFAllocatorDefault, vals, 2, &kCFTypeArrayCallBacks);
    CFRelease(bps);
    CFRelease(sec);
    if (!arr) return -1;
    OSStatus st = VTSessionSetProperty(s, kVTCompressionPropertyKey_DataRateLimits, arr);
    CFRelease(arr);
    return st;
}

static OSStatus vtEncode(VTCompressionSessionRef s, const uint8_t *nv12, int width, int height,
                         int64_t ptsMs, int64_t durMs, int forceKey, uintptr_t refCon) {
    CVPixelBufferPoolRef pool = VTCompressionSessionGetPixelBufferPool(s);
    if (pool == NULL) return -1;
    CVPixelBufferRef pb = NULL;
    OSStatus st = CVPixelBufferPoolCreatePixelBuffer(kCFAllocatorDefault, pool, &pb);
    if (st != noErr || pb == NULL) return st != noErr ? st : -1;

    CVPixelBufferLockBaseAddress(pb, 0);
    size_t yStride = CVPixelBufferGetBytesPerRowOfPlane(pb, 0);
    uint8_t *dstY = (uint8_t *)CVPixelBufferGetBaseAddressOfPlane(pb, 0);
    for (int y = 0; y < height; y++) {
        memcpy(dstY + (size_t)y * yStride, nv12 + (size_t)y * width, width);
    }
    size_t uvStride = CVPixelBufferGetBytesPerRowOfPlane(pb, 1);
    uint8_t *dstUV = (uint8_t *)CVPixelBufferGetBaseAddressOfPlane(pb, 1);
    const uint8_t *srcUV = nv12 + (size_t)width * height;
    for (int y = 0; y < height / 2; y++) {
        memcpy(dstUV + (size_t)y * uvStride, srcUV + (size_t)y * width, width);
    }
    CVPixelBufferUnlockBaseAddress(pb, 0);

    CFDictionaryRef props = NULL;
    if (forceKey) {
        const void *k[] = { kVTEncodeFrameOptionKey_ForceKeyFrame };
        const void *v[] = { kCFBooleanTrue };
        props = CFDictionaryCreate(kCFAllocatorDefault, k, v, 1,
                                   &kCFTypeDictionaryKeyCallBacks,
                                   &kCFTypeDictionaryValueCallBacks);
    }
    st = VTCompressionSessionEncodeFrame(s, pb, CMTimeMake(ptsMs, 1000), CMTimeMake(durMs, 1000),
                                         props, (void *)refCon, NULL);
    if (props) CFRelease(props);
    CVPixelBufferRelease(pb);
    return st;
}

static OSStatus vtComplete(VTCompressionSessionRef s) {
    return VTCompressionSessionCompleteFrames(s, kCMTimeInvalid);
}

static OSStatus vtPrepare(VTCompressionSessionRef s) {
    return VTCompressionSessionPrepareToEncodeFrames(s);
}

static void vtDestroy(VTCompressionSessionRef s) {
    if (s == NULL) return;
    VTCompressionSessionCompleteFrames(s, kCMTimeInvalid);
    VTCompressionSessionInvalidate(s);
    CFRelease(s);
}

static int vtIsKeyframe(CMSampleBufferRef sample) {
    CFArrayRef att = CMSampleBufferGetSampleAttachmentsArray(sample, false);
    if (att == NULL || CFArrayGetCount(att) == 0) return 1;
    CFDictionaryRef d = (CFDictionaryRef)CFArrayGetValueAtIndex(att, 0);
    if (d == NULL) return 1;
    CFBooleanRef notSync = (CFBooleanRef)CFDictionaryGetValue(d, kCMSampleAttachmentKey_NotSync);
    return notSync == NULL || notSync == kCFBooleanFalse;
}

// vtCopyData copies the length-prefixed NAL units of a sample.
static OSStatus vtCopyData(CMSampleBufferRef sample, uint8_t **out, size_t *outLen) {
    *out = NULL;
    *outLen = 0;
    CMBlockBufferRef bb = CMSampleBufferGetDataBuffer(sample);
    if (bb == NULL) return -1;
    size_t n = CMBlockBufferGetDataLength(bb);
    if (n == 0) return noErr;
    uint8_t *buf = (uint8_t *)malloc(n);
    if (buf == NULL) return -1;
    OSStatus st = CMBlockBufferCopyDataBytes(bb, 0, n, buf);
    if (st != noErr) {
        free(buf);
        return st;
    }
    *out = buf;
    *outLen = n;
    return noErr;
}

// vtParameterSet points at SPS (index 0) or PPS (index 1) inside the
// sample's format description; the memory belongs to the sample.
static OSStatus vtParameterSet(CMSampleBufferRef sample, size_t index, const uint8_t **ptr, size_t *size, int *lengthSize) {
    CMFormatDescriptionRef fmt = CMSampleBufferGetFormatDescription(sample);
    if (fmt == NULL) return -1;
    size_t count = 0;
    return CMVideoFormatDescriptionGetH264ParameterSetAtIndex(fmt, index, ptr, size, &count, lengthSize);
}
*/
import "C"

import (
	"errors"
	"fmt"
	"runtime/cgo"
	"time"
	"unsafe"

	"github.com/mattias800/snacka-capture/internal/h264"
)

const (
	vtEncodeTimeout = 2 * time.Second

	// kVTEncodeInfo_FrameDropped
	vtInfoFrameDropped = 1 << 1
)

func init() {
	register(factory{name: "videotoolbox", probe: probeVideoToolbox, open: openVideoToolbox})
}

type vtRequest struct {
	tsMs uint64
	ch   chan vtResult
}

type vtResult struct {
	pkt     *packet
	err     error
	dropped bool
}

type videoToolboxBackend struct {
	cfg     Config
	session C.VTCompressionSessionRef
}

func probeVideoToolbox() error {
	be, err := openVideoToolbox(Config{Width: 256, Height: 256, FPS: 30, BitrateBPS: 1_000_000})
	if err != nil {
		return err
	}
	be.Close()
	return nil
}

func openVideoToolbox(cfg Config) (backend, error) {
	var session C.VTCompressionSessionRef
	if st := C.vtCreateSession(C.int(cfg.Width), C.int(cfg.Height), &session); st != 0 || session == 0 {
		return nil, fmt.Errorf("VTCompressionSessionCreate: OSStatus=%d", int32(st))
	}

	_ = C.vtSetBool(session, C.kVTCompressionPropertyKey_RealTime, 1)
	if st := C.vtSetBool(session, C.kVTCompressionPropertyKey_AllowFrameReordering, 0); st != 0 {
		C.vtDestroy(session)
		return nil, fmt.Errorf("disable frame reordering: OSStatus=%d", int32(st))
	}
	if st := C.vtSetString(session, C.kVTCompressionPropertyKey_ProfileLevel, C.kVTProfileLevel_H264_Baseline_AutoLevel); st != 0 {
		C.vtDestroy(session)
		return nil, fmt.Errorf("set baseline profile: OSStatus=%d", int32(st))
	}
	_ = C.vtSetString(session, C.kVTCompressionPropertyKey_H264EntropyMode, C.kVTH264EntropyMode_CAVLC)
	_ = C.vtSetInt(session, C.kVTCompressionPropertyKey_AverageBitRate, C.int32_t(cfg.BitrateBPS))
	_ = C.vtSetDataRateLimits(session, C.int32_t(cfg.BitrateBPS/8), 1)
	_ = C.vtSetInt(session, C.kVTCompressionPropertyKey_ExpectedFrameRate, C.int32_t(cfg.FPS))
	_ = C.vtSetInt(session, C.kVTCompressionPropertyKey_MaxKeyFrameInterval, C.int32_t(cfg.FPS))

	if st := C.vtPrepare(session); st != 0 {
		C.vtDestroy(session)
		return nil, fmt.Errorf("VTCompressionSessionPrepareToEncodeFrames: OSStatus=%d", int32(st))
	}
	return &videoToolboxBackend{cfg: cfg, session: session}, nil
}

func (v *videoToolboxBackend) Name() string { return "videotoolbox" }

func (v *videoToolboxBackend) Encode(nv12 []byte, tsMs uint64, forceKeyframe bool) ([]packet, error) {
	if v.session == 0 {
		return nil, errors.New("session closed")
	}
	req := &vtRequest{tsMs: tsMs, ch: make(chan vtResult, 1)}
	h := cgo.NewHandle(req)

	force := C.int(0)
	if forceKeyframe {
		force = 1
	}
	durMs := int64(1000 / v.cfg.FPS)
	st := C.vtEncode(v.session, (*C.uint8_t)(unsafe.Pointer(&nv12[0])),
		C.int(v.cfg.Width), C.int(v.cfg.Height),
		C.int64_t(tsMs), C.int64_t(durMs), force, C.uintptr_t(h))
	if st != 0 {
		h.Delete()
		return nil, fmt.Errorf("VTCompressionSessionEncodeFrame: OSStatus=%d", int32(st))
	}

	select {
	case res := <-req.ch:
		if res.err != nil {
			return nil, res.err
		}
		if res.dropped || res.pkt == nil {
			return nil, nil
		}
		return []packet{*res.pkt}, nil
	case <-time.After(vtEncodeTimeout):
		// The callback still owns the handle and deletes it if it fires.
		return nil, errors.New("encode timed out")
	}
}

// Flush completes pending frames. Encode waits for each frame's callback,
// so nothing is left to return.
func (v *videoToolboxBackend) Flush() ([]packet, error) {
	if v.session == 0 {
		return nil, nil
	}
	if st := C.vtComplete(v.session); st != 0 {
		return nil, fmt.Errorf("VTCompressionSessionCompleteFrames: OSStatus=%d", int32(st))
	}
	return nil, nil
}

func (v *videoToolboxBackend) Close() {
	if v.session != 0 {
		C.vtDestroy(v.session)
		v.session = 0
	}
}

//export goVTOutput
func goVTOutput(sourceFrameRefCon C.uintptr_t, status C.int32_t, infoFlags C.uint32_t, sampleBuffer C.CMSampleBufferRef) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("videotoolbox callback panicked", "panic", fmt.Sprint(r))
		}
	}()
	if sourceFrameRefCon == 0 {
		return
	}
	h := cgo.Handle(uintptr(sourceFrameRefCon))
	req, ok := h.Value().(*vtRequest)
	h.Delete()
	if !ok || req == nil {
		return
	}

	switch {
	case status != 0:
		req.ch <- vtResult{err: fmt.Errorf("output callback: OSStatus=%d", int32(status))}
		return
	case uint32(infoFlags)&vtInfoFrameDropped != 0 || sampleBuffer == 0:
		req.ch <- vtResult{dropped: true}
		return
	}

	var ptr *C.uint8_t
	var n C.size_t
	if st := C.vtCopyData(sampleBuffer, &ptr, &n); st != 0 {
		req.ch <- vtResult{err: fmt.Errorf("copy sample data: OSStatus=%d", int32(st))}
		return
	}
	if ptr == nil {
		req.ch <- vtResult{dropped: true}
		return
	}
	data := C.GoBytes(unsafe.Pointer(ptr), C.int(n))
	C.free(unsafe.Pointer(ptr))

	lengthSize := 4
	if C.vtIsKeyframe(sampleBuffer) != 0 {
		// Parameter sets live in the format description, not in-band.
		var sps, pps *C.uint8_t
		var spsLen, ppsLen C.size_t
		var ls C.int
		if C.vtParameterSet(sampleBuffer, 0, &sps, &spsLen, &ls) == 0 &&
			C.vtParameterSet(sampleBuffer, 1, &pps, &ppsLen, &ls) == 0 {
			if ls > 0 {
				lengthSize = int(ls)
			}
			var pre []byte
			pre = appendLengthPrefixed(pre, C.GoBytes(unsafe.Pointer(sps), C.int(spsLen)), lengthSize)
			pre = appendLengthPrefixed(pre, C.GoBytes(unsafe.Pointer(pps), C.int(ppsLen)), lengthSize)
			data = append(pre, data...)
		}
	}
	req.ch <- vtResult{pkt: &packet{data: data, tsMs: req.tsMs, lengthSize: lengthSize}}
}

func appendLengthPrefixed(dst, nal []byte, lengthSize int) []byte {
	if lengthSize == 4 {
		return h264.AppendAVCC(dst, nal)
	}
	n := len(nal)
	for k := lengthSize - 1; k >= 0; k-- {
		dst = append(dst, byte(n>>(8*k)))
	}
	return append(dst, nal...)
}
