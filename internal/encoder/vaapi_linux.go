//go:build linux && cgo

package encoder

/*
#cgo pkg-config: libva libva-drm

#include <va/va.h>
#include <va/va_drm.h>
#include <fcntl.h>
#include <unistd.h>
#include <stdlib.h>
#include <string.h>

enum {
    VAE_OK = 0,
    VAE_OPEN = 1,
    VAE_INIT = 2,
    VAE_PROFILE = 3,
    VAE_CONFIG = 4,
    VAE_SURFACES = 5,
    VAE_CONTEXT = 6,
    VAE_BUFFER = 7,
    VAE_UPLOAD = 8,
    VAE_RENDER = 9,
    VAE_SYNC = 10,
    VAE_MAP = 11,
    VAE_NOMEM = 12,
};

typedef struct {
    int fd;
    VADisplay dpy;
    int initialized;
    VAConfigID config;
    VAContextID context;
    VASurfaceID surfaces[3]; // source, two reconstructed pictures
    int haveSurfaces;
    VABufferID coded;
    int lowPower;
    unsigned int rateControl;

    int width, height, mbw, mbh;
    int fps, bitrate, gop, level;
    int log2MaxFrameNum, log2MaxPocLsb;
    int cur; // reconstructed slot written by the next picture

    unsigned char* out;
    size_t outCap;
    size_t outLen;
    VAStatus status;
} vaapi_ctx;

static void vaapiClose(vaapi_ctx* c) {
    if (c->dpy != NULL) {
        if (c->coded != VA_INVALID_ID) vaDestroyBuffer(c->dpy, c->coded);
        if (c->context != VA_INVALID_ID) vaDestroyContext(c->dpy, c->context);
        if (c->haveSurfaces) vaDestroySurfaces(c->dpy, c->surfaces, 3);
        if (c->config != VA_INVALID_ID) vaDestroyConfig(c->dpy, c->config);
        if (c->initialized) vaTerminate(c->dpy);
    }
    if (c->fd >= 0) close(c->fd);
    free(c->out);
    memset(c, 0, sizeof(*c));
    c->fd = -1;
    c->config = VA_INVALID_ID;
    c->context = VA_INVALID_ID;
    c->coded = VA_INVALID_ID;
}

static void vaapiReset(vaapi_ctx* c) {
    memset(c, 0, sizeof(*c));
    c->fd = -1;
    c->config = VA_INVALID_ID;
    c->context = VA_INVALID_ID;
    c->coded = VA_INVALID_ID;
}

static int vaapiOpen(vaapi_ctx* c, const char* path, int w, int h, int fps, int bitrate,
                     int level, int log2MaxFrameNum, int log2MaxPocLsb) {
    vaapiReset(c);
    c->width = w;
    c->height = h;
    c->mbw = (w + 15) / 16;
    c->mbh = (h + 15) / 16;
    c->fps = fps;
    c->bitrate = bitrate;
    c->gop = fps;
    c->level = level;
    c->log2MaxFrameNum = log2MaxFrameNum;
    c->log2MaxPocLsb = log2MaxPocLsb;

    c->fd = open(path, O_RDWR | O_CLOEXEC);
    if (c->fd < 0) return VAE_OPEN;
    c->dpy = vaGetDisplayDRM(c->fd);
    if (c->dpy == NULL) return VAE_OPEN;
    int major, minor;
    c->status = vaInitialize(c->dpy, &major, &minor);
    if (c->status != VA_STATUS_SUCCESS) return VAE_INIT;
    c->initialized = 1;

    VAEntrypoint eps[2] = {VAEntrypointEncSlice, VAEntrypointEncSliceLP};
    int found = 0;
    for (int i = 0; i < 2 && !found; i++) {
        VAConfigAttrib q[2];
        q[0].type = VAConfigAttribRTFormat;
        q[1].type = VAConfigAttribRateControl;
        if (vaGetConfigAttributes(c->dpy, VAProfileH264ConstrainedBaseline, eps[i], q, 2) != VA_STATUS_SUCCESS) {
            continue;
        }
        if (q[0].value == VA_ATTRIB_NOT_SUPPORTED || !(q[0].value & VA_RT_FORMAT_YUV420)) continue;

        VAConfigAttrib attrs[2];
        attrs[0].type = VAConfigAttribRTFormat;
        attrs[0].value = VA_RT_FORMAT_YUV420;
        attrs[1].type = VAConfigAttribRateControl;
        if (q[1].value != VA_ATTRIB_NOT_SUPPORTED && (q[1].value & VA_RC_CBR)) {
            attrs[1].value = VA_RC_CBR;
        } else if (q[1].value != VA_ATTRIB_NOT_SUPPORTED && (q[1].value & VA_RC_VBR)) {
            attrs[1].value = VA_RC_VBR;
        } else {
            continue;
        }
        c->status = vaCreateConfig(c->dpy, VAProfileH264ConstrainedBaseline, eps[i], attrs, 2, &c->config);
        if (c->status == VA_STATUS_SUCCESS) {
            found = 1;
            c->lowPower = (eps[i] == VAEntrypointEncSliceLP);
            c->rateControl = attrs[1].value;
        } else {
            c->config = VA_INVALID_ID;
        }
    }
    if (!found) return VAE_PROFILE;

    c->status = vaCreateSurfaces(c->dpy, VA_RT_FORMAT_YUV420, c->mbw * 16, c->mbh * 16,
                                 c->surfaces, 3, NULL, 0);
    if (c->status != VA_STATUS_SUCCESS) return VAE_SURFACES;
    c->haveSurfaces = 1;

    c->status = vaCreateContext(c->dpy, c->config, c->mbw * 16, c->mbh * 16, VA_PROGRESSIVE,
                                c->surfaces, 3, &c->context);
    if (c->status != VA_STATUS_SUCCESS) {
        c->context = VA_INVALID_ID;
        return VAE_CONTEXT;
    }

    unsigned int codedSize = c->mbw * c->mbh * 16 * 16 * 3 / 2 + 4096;
    c->status = vaCreateBuffer(c->dpy, c->context, VAEncCodedBufferType, codedSize, 1, NULL, &c->coded);
    if (c->status != VA_STATUS_SUCCESS) {
        c->coded = VA_INVALID_ID;
        return VAE_BUFFER;
    }
    return VAE_OK;
}

static void copyPlanes(const unsigned char* nv12, int w, int h, unsigned char* base,
                       unsigned int yOff, unsigned int yPitch, unsigned int uvOff, unsigned int uvPitch) {
    for (int y = 0; y < h; y++) {
        memcpy(base + yOff + (size_t)y * yPitch, nv12 + (size_t)y * w, w);
    }
    const unsigned char* uv = nv12 + (size_t)w * h;
    for (int y = 0; y < h / 2; y++) {
        memcpy(base + uvOff + (size_t)y * uvPitch, uv + (size_t)y * w, w);
    }
}

static int vaapiUpload(vaapi_ctx* c, const unsigned char* nv12) {
    VASurfaceID src = c->surfaces[0];
    VAImage img;
    void* p = NULL;

    if (vaDeriveImage(c->dpy, src, &img) == VA_STATUS_SUCCESS) {
        if (img.format.fourcc == VA_FOURCC_NV12 && vaMapBuffer(c->dpy, img.buf, &p) == VA_STATUS_SUCCESS) {
            copyPlanes(nv12, c->width, c->height, (unsigned char*)p,
                       img.offsets[0], img.pitches[0], img.offsets[1], img.pitches[1]);
            vaUnmapBuffer(c->dpy, img.buf);
            vaDestroyImage(c->dpy, img.image_id);
            return VAE_OK;
        }
        vaDestroyImage(c->dpy, img.image_id);
    }

    VAImageFormat fmt;
    memset(&fmt, 0, sizeof(fmt));
    fmt.fourcc = VA_FOURCC_NV12;
    fmt.byte_order = VA_LSB_FIRST;
    fmt.bits_per_pixel = 12;
    c->status = vaCreateImage(c->dpy, &fmt, c->width, c->height, &img);
    if (c->status != VA_STATUS_SUCCESS) return VAE_UPLOAD;
    c->status = vaMapBuffer(c->dpy, img.buf, &p);
    if (c->status != VA_STATUS_SUCCESS) {
        vaDestroyImage(c->dpy, img.image_id);
        return VAE_UPLOAD;
    }
    copyPlanes(nv12, c->width, c->height, (unsigned char*)p,
               img.offsets[0], img.pitches[0], img.offsets[1], img.pitches[1]);
    vaUnmapBuffer(c->dpy, img.buf);
    c->status = vaPutImage(c->dpy, src, img.image_id, 0, 0, c->width, c->height, 0, 0, c->width, c->height);
    vaDestroyImage(c->dpy, img.image_id);
    return c->status == VA_STATUS_SUCCESS ? VAE_OK : VAE_UPLOAD;
}

static int addBuffer(vaapi_ctx* c, VABufferType type, unsigned int size, void* data, VABufferID* ids, int* n) {
    c->status = vaCreateBuffer(c->dpy, c->context, type, size, 1, data, &ids[*n]);
    if (c->status != VA_STATUS_SUCCESS) return VAE_BUFFER;
    (*n)++;
    return VAE_OK;
}

static int addMisc(vaapi_ctx* c, VAEncMiscParameterType type, unsigned int payload, VABufferID* ids, int* n) {
    unsigned int size = sizeof(VAEncMiscParameterBuffer) + payload;
    c->status = vaCreateBuffer(c->dpy, c->context, VAEncMiscParameterBufferType, size, 1, NULL, &ids[*n]);
    if (c->status != VA_STATUS_SUCCESS) return VAE_BUFFER;
    VAEncMiscParameterBuffer* misc = NULL;
    c->status = vaMapBuffer(c->dpy, ids[*n], (void**)&misc);
    if (c->status != VA_STATUS_SUCCESS) {
        vaDestroyBuffer(c->dpy, ids[*n]);
        return VAE_BUFFER;
    }
    memset(misc, 0, size);
    misc->type = type;
    if (type == VAEncMiscParameterTypeRateControl) {
        VAEncMiscParameterRateControl* rc = (VAEncMiscParameterRateControl*)misc->data;
        rc->bits_per_second = c->bitrate;
        rc->target_percentage = 100;
        rc->window_size = 1000;
        rc->initial_qp = 26;
        rc->min_qp = 10;
    } else if (type == VAEncMiscParameterTypeFrameRate) {
        VAEncMiscParameterFrameRate* fr = (VAEncMiscParameterFrameRate*)misc->data;
        fr->framerate = c->fps;
    }
    vaUnmapBuffer(c->dpy, ids[*n]);
    (*n)++;
    return VAE_OK;
}

static void invalidPic(VAPictureH264* p) {
    p->picture_id = VA_INVALID_SURFACE;
    p->frame_idx = 0;
    p->flags = VA_PICTURE_H264_INVALID;
    p->TopFieldOrderCnt = 0;
    p->BottomFieldOrderCnt = 0;
}

// vaapiEncode encodes the uploaded source surface as one IDR or P
// picture referencing only the previous reconstructed picture, then
// copies the coded segments into c->out.
static int vaapiEncode(vaapi_ctx* c, int idr, unsigned int frameNum, unsigned int prevFrameNum,
                       unsigned int poc, unsigned int idrId) {
    VABufferID ids[6];
    int n = 0;
    int rc = VAE_OK;
    VAPictureH264 ref;
    invalidPic(&ref);
    if (!idr) {
        ref.picture_id = c->surfaces[1 + (c->cur ^ 1)];
        ref.frame_idx = prevFrameNum;
        ref.flags = VA_PICTURE_H264_SHORT_TERM_REFERENCE;
        ref.TopFieldOrderCnt = (poc - 1) * 2;
        ref.BottomFieldOrderCnt = (poc - 1) * 2;
    }

    if (idr) {
        VAEncSequenceParameterBufferH264 seq;
        memset(&seq, 0, sizeof(seq));
        seq.seq_parameter_set_id = 0;
        seq.level_idc = c->level;
        seq.intra_period = c->gop;
        seq.intra_idr_period = c->gop;
        seq.ip_period = 1;
        seq.bits_per_second = c->bitrate;
        seq.max_num_ref_frames = 1;
        seq.picture_width_in_mbs = c->mbw;
        seq.picture_height_in_mbs = c->mbh;
        seq.seq_fields.bits.chroma_format_idc = 1;
        seq.seq_fields.bits.frame_mbs_only_flag = 1;
        seq.seq_fields.bits.direct_8x8_inference_flag = 1;
        seq.seq_fields.bits.log2_max_frame_num_minus4 = c->log2MaxFrameNum - 4;
        seq.seq_fields.bits.pic_order_cnt_type = 0;
        seq.seq_fields.bits.log2_max_pic_order_cnt_lsb_minus4 = c->log2MaxPocLsb - 4;
        if (c->mbw * 16 != c->width || c->mbh * 16 != c->height) {
            seq.frame_cropping_flag = 1;
            seq.frame_crop_right_offset = (c->mbw * 16 - c->width) / 2;
            seq.frame_crop_bottom_offset = (c->mbh * 16 - c->height) / 2;
        }
        seq.vui_parameters_present_flag = 1;
        seq.vui_fields.bits.timing_info_present_flag = 1;
        seq.vui_fields.bits.fixed_frame_rate_flag = 1;
        seq.vui_fields.bits.bitstream_restriction_flag = 1;
        seq.vui_fields.bits.motion_vectors_over_pic_boundaries_flag = 1;
        seq.vui_fields.bits.log2_max_mv_length_horizontal = 16;
        seq.vui_fields.bits.log2_max_mv_length_vertical = 16;
        seq.num_units_in_tick = 1;
        seq.time_scale = c->fps * 2;
        if ((rc = addBuffer(c, VAEncSequenceParameterBufferType, sizeof(seq), &seq, ids, &n)) != VAE_OK) goto out;
        if ((rc = addMisc(c, VAEncMiscParameterTypeRateControl, sizeof(VAEncMiscParameterRateControl), ids, &n)) != VAE_OK) goto out;
        if ((rc = addMisc(c, VAEncMiscParameterTypeFrameRate, sizeof(VAEncMiscParameterFrameRate), ids, &n)) != VAE_OK) goto out;
    }

    VAEncPictureParameterBufferH264 pic;
    memset(&pic, 0, sizeof(pic));
    pic.CurrPic.picture_id = c->surfaces[1 + c->cur];
    pic.CurrPic.frame_idx = frameNum;
    pic.CurrPic.flags = 0;
    pic.CurrPic.TopFieldOrderCnt = poc * 2;
    pic.CurrPic.BottomFieldOrderCnt = poc * 2;
    for (int i = 0; i < 16; i++) invalidPic(&pic.ReferenceFrames[i]);
    if (!idr) pic.ReferenceFrames[0] = ref;
    pic.coded_buf = c->coded;
    pic.pic_parameter_set_id = 0;
    pic.seq_parameter_set_id = 0;
    pic.frame_num = frameNum;
    pic.pic_init_qp = 26;
    pic.num_ref_idx_l0_active_minus1 = 0;
    pic.pic_fields.bits.idr_pic_flag = idr ? 1 : 0;
    pic.pic_fields.bits.reference_pic_flag = 1;
    pic.pic_fields.bits.entropy_coding_mode_flag = 0;
    pic.pic_fields.bits.deblocking_filter_control_present_flag = 1;
    if ((rc = addBuffer(c, VAEncPictureParameterBufferType, sizeof(pic), &pic, ids, &n)) != VAE_OK) goto out;

    VAEncSliceParameterBufferH264 sl;
    memset(&sl, 0, sizeof(sl));
    sl.macroblock_address = 0;
    sl.num_macroblocks = c->mbw * c->mbh;
    sl.macroblock_info = VA_INVALID_ID;
    sl.slice_type = idr ? 2 : 0; // I : P
    sl.pic_parameter_set_id = 0;
    sl.idr_pic_id = idrId;
    sl.pic_order_cnt_lsb = (poc * 2) & ((1u << c->log2MaxPocLsb) - 1);
    for (int i = 0; i < 32; i++) {
        invalidPic(&sl.RefPicList0[i]);
        invalidPic(&sl.RefPicList1[i]);
    }
    if (!idr) sl.RefPicList0[0] = ref;
    sl.num_ref_idx_l0_active_minus1 = 0;
    sl.slice_qp_delta = 0;
    sl.disable_deblocking_filter_idc = 0;
    if ((rc = addBuffer(c, VAEncSliceParameterBufferType, sizeof(sl), &sl, ids, &n)) != VAE_OK) goto out;

    c->status = vaBeginPicture(c->dpy, c->context, c->surfaces[0]);
    if (c->status != VA_STATUS_SUCCESS) { rc = VAE_RENDER; goto out; }
    c->status = vaRenderPicture(c->dpy, c->context, ids, n);
    if (c->status != VA_STATUS_SUCCESS) {
        vaEndPicture(c->dpy, c->context);
        rc = VAE_RENDER;
        goto out;
    }
    c->status = vaEndPicture(c->dpy, c->context);
    if (c->status != VA_STATUS_SUCCESS) { rc = VAE_RENDER; goto out; }
    c->status = vaSyncSurface(c->dpy, c->surfaces[0]);
    if (c->status != VA_STATUS_SUCCESS) { rc = VAE_SYNC; goto out; }

    VACodedBufferSegment* seg = NULL;
    c->status = vaMapBuffer(c->dpy, c->coded, (void**)&seg);
    if (c->status != VA_STATUS_SUCCESS) { rc = VAE_MAP; goto out; }
    c->outLen = 0;
    for (; seg != NULL; seg = (VACodedBufferSegment*)seg->next) {
        if (c->outLen + seg->size > c->outCap) {
            size_t cap = (c->outLen + seg->size) * 2;
            unsigned char* grown = realloc(c->out, cap);
            if (grown == NULL) {
                vaUnmapBuffer(c->dpy, c->coded);
                rc = VAE_NOMEM;
                goto out;
            }
            c->out = grown;
            c->outCap = cap;
        }
        memcpy(c->out + c->outLen, seg->buf, seg->size);
        c->outLen += seg->size;
    }
    vaUnmapBuffer(c->dpy, c->coded);
    c->cur ^= 1;

out:
    for (int i = 0; i < n; i++) vaDestroyBuffer(c->dpy, ids[i]);
    return rc;
}
*/
import "C"

import (
	"errors"
	"fmt"
	"os"
	"unsafe"

	"github.com/spf13/afero"

	"github.com/mattias800/snacka-capture/internal/h264"
)

const probeSize = 256

func init() {
	register(factory{name: "vaapi", probe: probeVAAPI, open: openVAAPI})
}

type vaapiBackend struct {
	ctx    *C.vaapi_ctx
	device string
	sps    []byte
	pps    []byte

	frameNum uint32
	poc      uint32
	idrID    uint32
	started  bool
}

func probeVAAPI() error {
	cfg := Config{Width: probeSize, Height: probeSize, FPS: 30, BitrateBPS: 1_000_000}
	be, err := openVAAPI(cfg)
	if err != nil {
		return err
	}
	be.Close()
	return nil
}

// openVAAPI tries every render node until one exposes a Constrained
// Baseline slice encoder.
func openVAAPI(cfg Config) (backend, error) {
	nodes := renderNodes(afero.NewOsFs(), cfg.Device)
	if len(nodes) == 0 {
		return nil, errors.New("no DRM render node under " + driDir)
	}
	sps, err := h264.WriteSPS(cfg.streamParams())
	if err != nil {
		return nil, err
	}

	var errs []error
	for _, node := range nodes {
		be, err := openVAAPINode(node, cfg)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		be.sps = sps
		be.pps = h264.WritePPS()
		return be, nil
	}
	return nil, errors.Join(errs...)
}

func openVAAPINode(node string, cfg Config) (*vaapiBackend, error) {
	if _, err := os.Stat(node); err != nil {
		return nil, err
	}
	ctx := (*C.vaapi_ctx)(C.calloc(1, C.sizeof_vaapi_ctx))
	if ctx == nil {
		return nil, errors.New("out of memory")
	}
	path := C.CString(node)
	defer C.free(unsafe.Pointer(path))

	rc := C.vaapiOpen(ctx, path,
		C.int(cfg.Width), C.int(cfg.Height), C.int(cfg.FPS), C.int(cfg.BitrateBPS),
		C.int(cfg.streamParams().LevelIDC()),
		C.int(h264.Log2MaxFrameNum), C.int(h264.Log2MaxPicOrderCntLsb))
	if rc != C.VAE_OK {
		err := vaapiError(ctx, int(rc), node)
		C.vaapiClose(ctx)
		C.free(unsafe.Pointer(ctx))
		return nil, err
	}

	rcMode := "cbr"
	if ctx.rateControl != C.VA_RC_CBR {
		rcMode = "vbr"
		log.Warn("driver has no CBR rate control, using VBR", "device", node)
	}
	log.Debug("vaapi session opened",
		"device", node,
		"vendor", C.GoString(C.vaQueryVendorString(ctx.dpy)),
		"lowPower", ctx.lowPower != 0,
		"rateControl", rcMode)
	return &vaapiBackend{ctx: ctx, device: node}, nil
}

func (b *vaapiBackend) Name() string { return "vaapi" }

func (b *vaapiBackend) ParameterSets() (sps, pps []byte) { return b.sps, b.pps }

func (b *vaapiBackend) Encode(nv12 []byte, tsMs uint64, forceKeyframe bool) ([]packet, error) {
	if b.ctx == nil {
		return nil, errors.New("session closed")
	}
	idr := forceKeyframe || !b.started
	prevFrameNum := b.frameNum
	if idr {
		if b.started {
			b.idrID = (b.idrID + 1) & 0xFFFF
		}
		b.frameNum, b.poc = 0, 0
	} else {
		b.frameNum = (b.frameNum + 1) & (1<<h264.Log2MaxFrameNum - 1)
		b.poc++
	}
	b.started = true

	if rc := C.vaapiUpload(b.ctx, (*C.uchar)(unsafe.Pointer(&nv12[0]))); rc != C.VAE_OK {
		return nil, vaapiError(b.ctx, int(rc), b.device)
	}
	idrFlag := C.int(0)
	if idr {
		idrFlag = 1
	}
	rc := C.vaapiEncode(b.ctx, idrFlag, C.uint(b.frameNum), C.uint(prevFrameNum), C.uint(b.poc), C.uint(b.idrID))
	if rc != C.VAE_OK {
		// The reference chain is broken; restart it with an IDR.
		b.started = false
		return nil, vaapiError(b.ctx, int(rc), b.device)
	}
	if b.ctx.outLen == 0 {
		return nil, nil
	}
	data := C.GoBytes(unsafe.Pointer(b.ctx.out), C.int(b.ctx.outLen))
	return []packet{{data: data, tsMs: tsMs}}, nil
}

// Flush has nothing to drain: every picture is synced before Encode
// returns.
func (b *vaapiBackend) Flush() ([]packet, error) { return nil, nil }

func (b *vaapiBackend) Close() {
	if b.ctx == nil {
		return
	}
	C.vaapiClose(b.ctx)
	C.free(unsafe.Pointer(b.ctx))
	b.ctx = nil
}

func vaapiError(ctx *C.vaapi_ctx, code int, node string) error {
	status := ""
	if ctx.status != C.VA_STATUS_SUCCESS {
		status = ": " + C.GoString(C.vaErrorStr(ctx.status))
	}
	switch code {
	case C.VAE_OPEN:
		return fmt.Errorf("open %s%s", node, status)
	case C.VAE_INIT:
		return fmt.Errorf("vaInitialize on %s%s", node, status)
	case C.VAE_PROFILE:
		return fmt.Errorf("%s has no H.264 Constrained Baseline encode entrypoint", node)
	case C.VAE_SURFACES:
		return fmt.Errorf("vaCreateSurfaces%s", status)
	case C.VAE_CONTEXT:
		return fmt.Errorf("vaCreateContext%s", status)
	case C.VAE_BUFFER:
		return fmt.Errorf("vaCreateBuffer%s", status)
	case C.VAE_UPLOAD:
		return fmt.Errorf("upload NV12 surface%s", status)
	case C.VAE_RENDER:
		return fmt.Errorf("render picture%s", status)
	case C.VAE_SYNC:
		return fmt.Errorf("vaSyncSurface%s", status)
	case C.VAE_MAP:
		return fmt.Errorf("map coded buffer%s", status)
	case C.VAE_NOMEM:
		return errors.New("out of memory copying coded buffer")
	default:
		return fmt.Errorf("vaapi error %d%s", code, status)
	}
}
