//go:build linux && cgo

package capture

/*
#cgo LDFLAGS: -lX11 -lXext -lXrandr

#include <X11/Xlib.h>
#include <X11/Xutil.h>
#include <X11/extensions/XShm.h>
#include <X11/extensions/Xrandr.h>
#include <sys/ipc.h>
#include <sys/shm.h>
#include <stdlib.h>
#include <string.h>

enum {
    GRAB_OK = 0,
    GRAB_NO_DISPLAY = 1,
    GRAB_NOT_FOUND = 2,
    GRAB_BAD_DEPTH = 3,
    GRAB_FAILED = 4,
    GRAB_GONE = 5,
    GRAB_HIDDEN = 6,
};

typedef struct {
    Display* dpy;
    Drawable target;
    int isWindow;
    int x, y, width, height;
    int useShm;
    XShmSegmentInfo shm;
    XImage* image;   // shm image, reused
    XImage* plain;   // XGetImage result, freed on the next grab
} grab_ctx;

static int lastXError = 0;

static int grabErrorHandler(Display* d, XErrorEvent* e) {
    lastXError = e->error_code;
    return 0;
}

static void grabFreeImage(grab_ctx* c) {
    if (c->image != NULL) {
        XShmDetach(c->dpy, &c->shm);
        XDestroyImage(c->image);
        shmdt(c->shm.shmaddr);
        shmctl(c->shm.shmid, IPC_RMID, 0);
        c->image = NULL;
    }
    if (c->plain != NULL) {
        XDestroyImage(c->plain);
        c->plain = NULL;
    }
}

static void grabAlloc(grab_ctx* c) {
    int screen = DefaultScreen(c->dpy);
    c->useShm = 0;
    if (!XShmQueryExtension(c->dpy)) {
        return;
    }
    c->image = XShmCreateImage(c->dpy, DefaultVisual(c->dpy, screen), DefaultDepth(c->dpy, screen),
                               ZPixmap, NULL, &c->shm, c->width, c->height);
    if (c->image == NULL) {
        return;
    }
    c->shm.shmid = shmget(IPC_PRIVATE, c->image->bytes_per_line * c->image->height, IPC_CREAT | 0600);
    if (c->shm.shmid < 0) {
        XDestroyImage(c->image);
        c->image = NULL;
        return;
    }
    c->shm.shmaddr = c->image->data = shmat(c->shm.shmid, 0, 0);
    c->shm.readOnly = False;
    if (!XShmAttach(c->dpy, &c->shm)) {
        shmdt(c->shm.shmaddr);
        shmctl(c->shm.shmid, IPC_RMID, 0);
        c->image->data = NULL;
        XDestroyImage(c->image);
        c->image = NULL;
        return;
    }
    XSync(c->dpy, False);
    c->useShm = 1;
}

static int grabOpenDisplay(grab_ctx* c, int index) {
    memset(c, 0, sizeof(*c));
    c->dpy = XOpenDisplay(NULL);
    if (c->dpy == NULL) return GRAB_NO_DISPLAY;
    XSetErrorHandler(grabErrorHandler);

    int screen = DefaultScreen(c->dpy);
    if (DefaultDepth(c->dpy, screen) < 24) return GRAB_BAD_DEPTH;
    Window root = RootWindow(c->dpy, screen);
    c->target = root;

    int n = 0;
    XRRMonitorInfo* mons = XRRGetMonitors(c->dpy, root, True, &n);
    if (mons != NULL && n > 0) {
        if (index < 0 || index >= n) {
            XRRFreeMonitors(mons);
            return GRAB_NOT_FOUND;
        }
        c->x = mons[index].x;
        c->y = mons[index].y;
        c->width = mons[index].width;
        c->height = mons[index].height;
        XRRFreeMonitors(mons);
    } else {
        if (mons != NULL) XRRFreeMonitors(mons);
        if (index != 0) return GRAB_NOT_FOUND;
        c->width = DisplayWidth(c->dpy, screen);
        c->height = DisplayHeight(c->dpy, screen);
    }
    grabAlloc(c);
    return GRAB_OK;
}

static int grabOpenWindow(grab_ctx* c, unsigned long win) {
    memset(c, 0, sizeof(*c));
    c->dpy = XOpenDisplay(NULL);
    if (c->dpy == NULL) return GRAB_NO_DISPLAY;
    XSetErrorHandler(grabErrorHandler);

    XWindowAttributes attr;
    lastXError = 0;
    if (!XGetWindowAttributes(c->dpy, (Window)win, &attr) || lastXError != 0) return GRAB_NOT_FOUND;
    if (attr.depth < 24) return GRAB_BAD_DEPTH;
    c->target = (Window)win;
    c->isWindow = 1;
    c->width = attr.width;
    c->height = attr.height;
    grabAlloc(c);
    return GRAB_OK;
}

static int grabFrame(grab_ctx* c, char** data, int* w, int* h, int* stride) {
    if (c->isWindow) {
        XWindowAttributes attr;
        lastXError = 0;
        if (!XGetWindowAttributes(c->dpy, c->target, &attr) || lastXError != 0) return GRAB_GONE;
        if (attr.map_state != IsViewable) return GRAB_HIDDEN;
        if (attr.width != c->width || attr.height != c->height) {
            grabFreeImage(c);
            c->width = attr.width;
            c->height = attr.height;
            grabAlloc(c);
        }
    }

    XImage* img = NULL;
    lastXError = 0;
    if (c->useShm && c->image != NULL) {
        if (XShmGetImage(c->dpy, c->target, c->image, c->x, c->y, AllPlanes) && lastXError == 0) {
            img = c->image;
        }
    }
    if (img == NULL) {
        if (c->plain != NULL) {
            XDestroyImage(c->plain);
            c->plain = NULL;
        }
        lastXError = 0;
        c->plain = XGetImage(c->dpy, c->target, c->x, c->y, c->width, c->height, AllPlanes, ZPixmap);
        if (c->plain == NULL || lastXError != 0) return GRAB_FAILED;
        img = c->plain;
    }
    if (img->bits_per_pixel != 32) return GRAB_BAD_DEPTH;

    *data = img->data;
    *w = img->width;
    *h = img->height;
    *stride = img->bytes_per_line;
    return GRAB_OK;
}

static void grabClose(grab_ctx* c) {
    if (c->dpy == NULL) return;
    grabFreeImage(c);
    XCloseDisplay(c->dpy);
    c->dpy = NULL;
}
*/
import "C"

import (
	"fmt"
	"strconv"
	"unsafe"
)

// x11Grabber reads a monitor rectangle of the root window or a single
// window through MIT-SHM, falling back to XGetImage. 32-bit ZPixmap data
// on little-endian hosts is BGRX.
type x11Grabber struct {
	ctx  *C.grab_ctx
	desc Descriptor
}

func openDisplay(desc Descriptor) (openFunc, error) {
	index, err := strconv.Atoi(desc.ID)
	if err != nil || index < 0 {
		return nil, fmt.Errorf("%w: display %q", ErrSourceNotFound, desc.ID)
	}
	return func() (grabber, error) {
		g := newX11Grabber(desc)
		if rc := C.grabOpenDisplay(g.ctx, C.int(index)); rc != C.GRAB_OK {
			g.Close()
			return nil, translateX11(int(rc), desc)
		}
		g.logOpened()
		return g, nil
	}, nil
}

func openWindow(desc Descriptor) (openFunc, error) {
	id, err := ParseWindowID(desc.ID)
	if err != nil {
		return nil, err
	}
	return func() (grabber, error) {
		g := newX11Grabber(desc)
		if rc := C.grabOpenWindow(g.ctx, C.ulong(id)); rc != C.GRAB_OK {
			g.Close()
			return nil, translateX11(int(rc), desc)
		}
		g.logOpened()
		return g, nil
	}, nil
}

func newX11Grabber(desc Descriptor) *x11Grabber {
	ctx := (*C.grab_ctx)(C.calloc(1, C.sizeof_grab_ctx))
	return &x11Grabber{ctx: ctx, desc: desc}
}

func (g *x11Grabber) logOpened() {
	log.Debug("x11 grabber opened",
		"source", g.desc.String(),
		"width", int(g.ctx.width),
		"height", int(g.ctx.height),
		"shm", g.ctx.useShm != 0)
}

func (g *x11Grabber) Next() (Image, error) {
	var data *C.char
	var w, h, stride C.int
	switch rc := C.grabFrame(g.ctx, &data, &w, &h, &stride); rc {
	case C.GRAB_OK:
	case C.GRAB_FAILED, C.GRAB_HIDDEN:
		return Image{}, fmt.Errorf("%w: %v", ErrTransient, translateX11(int(rc), g.desc))
	default:
		return Image{}, translateX11(int(rc), g.desc)
	}
	n := int(stride) * int(h)
	return Image{
		Pix:    unsafe.Slice((*byte)(unsafe.Pointer(data)), n),
		Width:  int(w),
		Height: int(h),
		Stride: int(stride),
		Format: PixBGRA,
	}, nil
}

func (g *x11Grabber) Close() {
	if g.ctx == nil {
		return
	}
	C.grabClose(g.ctx)
	C.free(unsafe.Pointer(g.ctx))
	g.ctx = nil
}

func translateX11(code int, desc Descriptor) error {
	switch code {
	case C.GRAB_NO_DISPLAY:
		return fmt.Errorf("%w: cannot open X11 display (is DISPLAY set?)", ErrNotSupported)
	case C.GRAB_NOT_FOUND:
		return fmt.Errorf("%w: %s %s", ErrSourceNotFound, desc.Kind, desc.ID)
	case C.GRAB_BAD_DEPTH:
		return fmt.Errorf("%w: only 24/32-bit visuals can be captured", ErrNotSupported)
	case C.GRAB_FAILED:
		return fmt.Errorf("x11 image grab failed")
	case C.GRAB_GONE:
		return fmt.Errorf("%w: window %s was closed", ErrSourceNotFound, desc.ID)
	case C.GRAB_HIDDEN:
		return fmt.Errorf("window %s is not viewable", desc.ID)
	default:
		return fmt.Errorf("x11 capture error %d", code)
	}
}
