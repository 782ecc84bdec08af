//go:build darwin && cgo

package capture

/*
#cgo CFLAGS: -x objective-c -fobjc-arc
#cgo LDFLAGS: -framework CoreGraphics -framework CoreFoundation -framework Foundation -framework ScreenCaptureKit

#include <CoreGraphics/CoreGraphics.h>
#include <ScreenCaptureKit/ScreenCaptureKit.h>
#include <stdlib.h>
#include <string.h>

enum {
    SCK_OK = 0,
    SCK_NO_CONTENT = 1,
    SCK_NOT_FOUND = 2,
    SCK_GRAB_FAILED = 3,
    SCK_NO_MEMORY = 4,
    SCK_NO_CONTEXT = 5,
};

typedef struct {
    void* filter;   // SCContentFilter, retained
    void* config;   // SCStreamConfiguration, retained
    void* pixels;   // RGBA, bytesPerRow = width * 4
    int width, height;
} sck_ctx;

static SCShareableContent* sckContent(void) {
    __block SCShareableContent* result = nil;
    dispatch_semaphore_t sem = dispatch_semaphore_create(0);
    [SCShareableContent getShareableContentExcludingDesktopWindows:NO
                                             onScreenWindowsOnly:YES
                                             completionHandler:^(SCShareableContent* _Nullable content, NSError* _Nullable err) {
        if (err == nil) result = content;
        dispatch_semaphore_signal(sem);
    }];
    dispatch_semaphore_wait(sem, DISPATCH_TIME_FOREVER);
    return result;
}

static void sckStore(sck_ctx* c, SCContentFilter* filter, int width, int height) {
    SCStreamConfiguration* config = [[SCStreamConfiguration alloc] init];
    config.width = (size_t)width;
    config.height = (size_t)height;
    config.showsCursor = YES;
    c->filter = (__bridge_retained void*)filter;
    c->config = (__bridge_retained void*)config;
}

// kind: 0 display index, 1 window id, 2 application (bundle id or pid).
static int sckOpen(sck_ctx* c, int kind, const char* id, int width, int height) {
    @autoreleasepool {
        SCShareableContent* content = sckContent();
        if (content == nil) return SCK_NO_CONTENT;
        SCContentFilter* filter = nil;

        if (kind == 0) {
            long index = strtol(id, NULL, 10);
            if (index < 0 || index >= (long)content.displays.count) return SCK_NOT_FOUND;
            filter = [[SCContentFilter alloc] initWithDisplay:content.displays[index] excludingWindows:@[]];
        } else if (kind == 1) {
            CGWindowID wid = (CGWindowID)strtoul(id, NULL, 0);
            for (SCWindow* w in content.windows) {
                if (w.windowID == wid) {
                    filter = [[SCContentFilter alloc] initWithDesktopIndependentWindow:w];
                    break;
                }
            }
        } else {
            NSString* want = [NSString stringWithUTF8String:id];
            pid_t pid = (pid_t)strtol(id, NULL, 10);
            SCRunningApplication* app = nil;
            for (SCRunningApplication* a in content.applications) {
                if ([a.bundleIdentifier isEqualToString:want] || (pid > 0 && a.processID == pid)) {
                    app = a;
                    break;
                }
            }
            if (app != nil && content.displays.count > 0) {
                filter = [[SCContentFilter alloc] initWithDisplay:content.displays[0]
                                            includingApplications:@[app]
                                                 exceptingWindows:@[]];
            }
        }
        if (filter == nil) return SCK_NOT_FOUND;
        sckStore(c, filter, width, height);
        c->pixels = malloc((size_t)width * (size_t)height * 4);
        if (c->pixels == NULL) return SCK_NO_MEMORY;
        c->width = width;
        c->height = height;
        return SCK_OK;
    }
}

static int sckGrab(sck_ctx* c) {
    @autoreleasepool {
        SCContentFilter* filter = (__bridge SCContentFilter*)c->filter;
        SCStreamConfiguration* config = (__bridge SCStreamConfiguration*)c->config;
        __block CGImageRef captured = NULL;
        dispatch_semaphore_t sem = dispatch_semaphore_create(0);
        [SCScreenshotManager captureImageWithFilter:filter
                                      configuration:config
                                  completionHandler:^(CGImageRef _Nullable image, NSError* _Nullable error) {
            if (error == nil && image != NULL) captured = CGImageRetain(image);
            dispatch_semaphore_signal(sem);
        }];
        dispatch_semaphore_wait(sem, DISPATCH_TIME_FOREVER);
        if (captured == NULL) return SCK_GRAB_FAILED;

        CGColorSpaceRef cs = CGColorSpaceCreateDeviceRGB();
        CGContextRef ctx = CGBitmapContextCreate(c->pixels, c->width, c->height, 8, c->width * 4, cs,
                                                 kCGImageAlphaPremultipliedLast | kCGBitmapByteOrder32Big);
        CGColorSpaceRelease(cs);
        if (ctx == NULL) {
            CGImageRelease(captured);
            return SCK_NO_CONTEXT;
        }
        CGContextDrawImage(ctx, CGRectMake(0, 0, c->width, c->height), captured);
        CGContextRelease(ctx);
        CGImageRelease(captured);
        return SCK_OK;
    }
}

static void sckClose(sck_ctx* c) {
    if (c->filter != NULL) CFRelease(c->filter);
    if (c->config != NULL) CFRelease(c->config);
    if (c->pixels != NULL) free(c->pixels);
    memset(c, 0, sizeof(*c));
}
*/
import "C"

import (
	"fmt"
	"unsafe"
)

const (
	sckDisplay = 0
	sckWindow  = 1
	sckApp     = 2
)

// sckGrabber takes one ScreenCaptureKit screenshot per tick, rendered at
// the output size into a reusable RGBA buffer.
type sckGrabber struct {
	ctx  *C.sck_ctx
	desc Descriptor
}

func openSCK(kind C.int, desc Descriptor) (openFunc, error) {
	return func() (grabber, error) {
		g := &sckGrabber{ctx: (*C.sck_ctx)(C.calloc(1, C.sizeof_sck_ctx)), desc: desc}
		id := C.CString(desc.ID)
		defer C.free(unsafe.Pointer(id))
		if rc := C.sckOpen(g.ctx, kind, id, C.int(desc.Width), C.int(desc.Height)); rc != C.SCK_OK {
			g.Close()
			return nil, translateSCK(int(rc), desc)
		}
		return g, nil
	}, nil
}

func openDisplay(desc Descriptor) (openFunc, error) { return openSCK(sckDisplay, desc) }
func openWindow(desc Descriptor) (openFunc, error)  { return openSCK(sckWindow, desc) }
func openApp(desc Descriptor) (openFunc, error)     { return openSCK(sckApp, desc) }

func (g *sckGrabber) Next() (Image, error) {
	if rc := C.sckGrab(g.ctx); rc != C.SCK_OK {
		return Image{}, fmt.Errorf("%w: %v", ErrTransient, translateSCK(int(rc), g.desc))
	}
	w, h := int(g.ctx.width), int(g.ctx.height)
	return Image{
		Pix:    unsafe.Slice((*byte)(g.ctx.pixels), w*h*4),
		Width:  w,
		Height: h,
		Stride: w * 4,
		Format: PixRGBA,
	}, nil
}

func (g *sckGrabber) Close() {
	if g.ctx == nil {
		return
	}
	C.sckClose(g.ctx)
	C.free(unsafe.Pointer(g.ctx))
	g.ctx = nil
}

func translateSCK(code int, desc Descriptor) error {
	switch code {
	case C.SCK_NO_CONTENT:
		return fmt.Errorf("%w: Screen Recording access is not granted", ErrPermissionDenied)
	case C.SCK_NOT_FOUND:
		return fmt.Errorf("%w: %s %s", ErrSourceNotFound, desc.Kind, desc.ID)
	case C.SCK_GRAB_FAILED:
		return fmt.Errorf("screenshot failed")
	case C.SCK_NO_MEMORY:
		return fmt.Errorf("out of memory for %dx%d frame", desc.Width, desc.Height)
	case C.SCK_NO_CONTEXT:
		return fmt.Errorf("failed to create bitmap context")
	default:
		return fmt.Errorf("screencapturekit error %d", code)
	}
}
