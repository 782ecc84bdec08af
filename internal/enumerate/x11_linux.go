//go:build linux && cgo

package enumerate

/*
#cgo LDFLAGS: -lX11 -lXrandr

#include <X11/Xlib.h>
#include <X11/Xatom.h>
#include <X11/Xutil.h>
#include <X11/extensions/Xrandr.h>
#include <stdlib.h>
#include <string.h>

typedef struct {
    char name[128];
    int x, y, width, height;
    int primary;
} enum_display;

typedef struct {
    unsigned long id;
    char title[256];
    char appName[128];
    long pid;
    int width, height;
} enum_window;

static int ignoreXErrors(Display* d, XErrorEvent* e) { return 0; }

static void copyStr(char* dst, size_t n, const char* src) {
    if (src == NULL) { dst[0] = 0; return; }
    strncpy(dst, src, n - 1);
    dst[n - 1] = 0;
}

// enumDisplays returns the number of monitors written, or -1 when no X
// server is reachable.
static int enumDisplays(enum_display* out, int max) {
    Display* dpy = XOpenDisplay(NULL);
    if (dpy == NULL) return -1;
    Window root = DefaultRootWindow(dpy);

    int n = 0, count = 0;
    XRRMonitorInfo* mons = XRRGetMonitors(dpy, root, True, &n);
    if (mons != NULL && n > 0) {
        for (int i = 0; i < n && count < max; i++) {
            char* name = XGetAtomName(dpy, mons[i].name);
            copyStr(out[count].name, sizeof(out[count].name), name);
            if (name != NULL) XFree(name);
            out[count].x = mons[i].x;
            out[count].y = mons[i].y;
            out[count].width = mons[i].width;
            out[count].height = mons[i].height;
            out[count].primary = mons[i].primary;
            count++;
        }
    } else if (max > 0) {
        int screen = DefaultScreen(dpy);
        copyStr(out[0].name, sizeof(out[0].name), DisplayString(dpy));
        out[0].x = 0;
        out[0].y = 0;
        out[0].width = DisplayWidth(dpy, screen);
        out[0].height = DisplayHeight(dpy, screen);
        out[0].primary = 1;
        count = 1;
    }
    if (mons != NULL) XRRFreeMonitors(mons);
    XCloseDisplay(dpy);
    return count;
}

static unsigned char* getProp(Display* dpy, Window w, Atom prop, Atom type, unsigned long* nitems) {
    Atom actualType;
    int actualFormat;
    unsigned long after;
    unsigned char* data = NULL;
    *nitems = 0;
    if (XGetWindowProperty(dpy, w, prop, 0, 65536, False, type, &actualType, &actualFormat,
                           nitems, &after, &data) != Success) {
        return NULL;
    }
    if (data != NULL && *nitems == 0) {
        XFree(data);
        return NULL;
    }
    return data;
}

// enumWindows lists viewable top-level client windows from the window
// manager's _NET_CLIENT_LIST.
static int enumWindows(enum_window* out, int max) {
    Display* dpy = XOpenDisplay(NULL);
    if (dpy == NULL) return -1;
    XSetErrorHandler(ignoreXErrors);
    Window root = DefaultRootWindow(dpy);

    Atom clientList = XInternAtom(dpy, "_NET_CLIENT_LIST", False);
    Atom wmName = XInternAtom(dpy, "_NET_WM_NAME", False);
    Atom wmPid = XInternAtom(dpy, "_NET_WM_PID", False);
    Atom utf8 = XInternAtom(dpy, "UTF8_STRING", False);

    unsigned long n = 0;
    Window* wins = (Window*)getProp(dpy, root, clientList, XA_WINDOW, &n);
    int count = 0;
    for (unsigned long i = 0; wins != NULL && i < n && count < max; i++) {
        Window w = wins[i];
        XWindowAttributes attr;
        if (!XGetWindowAttributes(dpy, w, &attr) || attr.map_state != IsViewable) continue;

        enum_window* ew = &out[count];
        memset(ew, 0, sizeof(*ew));
        ew->id = w;
        ew->width = attr.width;
        ew->height = attr.height;

        unsigned long len = 0;
        unsigned char* title = getProp(dpy, w, wmName, utf8, &len);
        if (title != NULL) {
            copyStr(ew->title, sizeof(ew->title), (const char*)title);
            XFree(title);
        } else {
            char* legacy = NULL;
            if (XFetchName(dpy, w, &legacy) && legacy != NULL) {
                copyStr(ew->title, sizeof(ew->title), legacy);
                XFree(legacy);
            }
        }
        if (ew->title[0] == 0) continue;

        XClassHint hint;
        if (XGetClassHint(dpy, w, &hint)) {
            copyStr(ew->appName, sizeof(ew->appName), hint.res_class);
            if (hint.res_name) XFree(hint.res_name);
            if (hint.res_class) XFree(hint.res_class);
        }

        unsigned char* pid = getProp(dpy, w, wmPid, XA_CARDINAL, &len);
        if (pid != NULL) {
            ew->pid = *(long*)pid;
            XFree(pid);
        }
        count++;
    }
    if (wins != NULL) XFree(wins);
    XCloseDisplay(dpy);
    return count;
}
*/
import "C"

import (
	"fmt"
	"strconv"
)

const (
	maxDisplays = 16
	maxWindows  = 512
)

// Displays lists XRandR monitors in server order; the index is the id.
func Displays() ([]Display, error) {
	buf := make([]C.enum_display, maxDisplays)
	n := int(C.enumDisplays(&buf[0], C.int(len(buf))))
	if n < 0 {
		return nil, fmt.Errorf("%w: cannot open X11 display", ErrNotSupported)
	}
	out := make([]Display, 0, n)
	for i := 0; i < n; i++ {
		d := buf[i]
		name := C.GoString(&d.name[0])
		if name == "" {
			name = "Display " + strconv.Itoa(i+1)
		}
		out = append(out, Display{
			ID:        strconv.Itoa(i),
			Name:      name,
			Width:     int(d.width),
			Height:    int(d.height),
			IsPrimary: d.primary != 0,
			X:         int(d.x),
			Y:         int(d.y),
		})
	}
	if len(out) > 0 && !hasPrimary(out) {
		out[0].IsPrimary = true
	}
	return out, nil
}

// Windows lists viewable titled client windows. Ids are X11 window ids in
// hex, which capture parses back.
func Windows() ([]Window, error) {
	buf := make([]C.enum_window, maxWindows)
	n := int(C.enumWindows(&buf[0], C.int(len(buf))))
	if n < 0 {
		return nil, fmt.Errorf("%w: cannot open X11 display", ErrNotSupported)
	}
	out := make([]Window, 0, n)
	for i := 0; i < n; i++ {
		w := buf[i]
		out = append(out, Window{
			ID:      strconv.FormatUint(uint64(w.id), 10),
			Name:    C.GoString(&w.title[0]),
			AppName: C.GoString(&w.appName[0]),
			PID:     int(w.pid),
			Width:   int(w.width),
			Height:  int(w.height),
		})
	}
	return out, nil
}
