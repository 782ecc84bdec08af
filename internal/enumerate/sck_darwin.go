//go:build darwin && cgo

package enumerate

/*
#cgo CFLAGS: -x objective-c -fobjc-arc
#cgo LDFLAGS: -framework CoreGraphics -framework Foundation -framework AppKit -framework ScreenCaptureKit

#include <CoreGraphics/CoreGraphics.h>
#include <AppKit/AppKit.h>
#include <ScreenCaptureKit/ScreenCaptureKit.h>
#include <string.h>

typedef struct {
    unsigned int displayID;
    char name[128];
    int width, height;
    int primary;
} sc_display;

typedef struct {
    unsigned int windowID;
    char title[256];
    char appName[128];
    char bundleID[128];
    int pid;
    int width, height;
} sc_window;

static void copyNS(char* dst, size_t n, NSString* s) {
    dst[0] = 0;
    if (s == nil) return;
    strncpy(dst, [s UTF8String], n - 1);
    dst[n - 1] = 0;
}

// fetchContent returns the shareable content, or nil when the Screen
// Recording permission is missing.
static SCShareableContent* fetchContent(void) {
    __block SCShareableContent* result = nil;
    dispatch_semaphore_t sem = dispatch_semaphore_create(0);
    [SCShareableContent getShareableContentExcludingDesktopWindows:YES
                                             onScreenWindowsOnly:YES
                                             completionHandler:^(SCShareableContent* _Nullable content, NSError* _Nullable err) {
        if (err == nil) result = content;
        dispatch_semaphore_signal(sem);
    }];
    dispatch_semaphore_wait(sem, DISPATCH_TIME_FOREVER);
    return result;
}

static int scDisplays(sc_display* out, int max) {
    @autoreleasepool {
        SCShareableContent* content = fetchContent();
        if (content == nil) return -1;
        CGDirectDisplayID mainID = CGMainDisplayID();
        int count = 0;
        for (SCDisplay* d in content.displays) {
            if (count >= max) break;
            sc_display* o = &out[count];
            memset(o, 0, sizeof(*o));
            o->displayID = d.displayID;
            CGFloat scale = 1.0;
            for (NSScreen* screen in [NSScreen screens]) {
                NSNumber* num = screen.deviceDescription[@"NSScreenNumber"];
                if (num && [num unsignedIntValue] == d.displayID) {
                    scale = [screen backingScaleFactor];
                    copyNS(o->name, sizeof(o->name), screen.localizedName);
                    break;
                }
            }
            o->width = (int)(d.width * scale);
            o->height = (int)(d.height * scale);
            o->primary = d.displayID == mainID;
            count++;
        }
        return count;
    }
}

static int scWindows(sc_window* out, int max) {
    @autoreleasepool {
        SCShareableContent* content = fetchContent();
        if (content == nil) return -1;
        int count = 0;
        for (SCWindow* w in content.windows) {
            if (count >= max) break;
            if (w.windowLayer != 0 || w.title.length == 0) continue;
            sc_window* o = &out[count];
            memset(o, 0, sizeof(*o));
            o->windowID = w.windowID;
            copyNS(o->title, sizeof(o->title), w.title);
            if (w.owningApplication != nil) {
                copyNS(o->appName, sizeof(o->appName), w.owningApplication.applicationName);
                copyNS(o->bundleID, sizeof(o->bundleID), w.owningApplication.bundleIdentifier);
                o->pid = w.owningApplication.processID;
            }
            o->width = (int)w.frame.size.width;
            o->height = (int)w.frame.size.height;
            count++;
        }
        return count;
    }
}
*/
import "C"

import (
	"errors"
	"strconv"
)

const (
	maxDisplays = 16
	maxWindows  = 512
)

var errNoScreenRecording = errors.New("shareable content unavailable (Screen Recording permission?)")

// Displays lists ScreenCaptureKit displays in their reported order; the
// index is the id.
func Displays() ([]Display, error) {
	buf := make([]C.sc_display, maxDisplays)
	n := int(C.scDisplays(&buf[0], C.int(len(buf))))
	if n < 0 {
		return nil, errNoScreenRecording
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
		})
	}
	if len(out) > 0 && !hasPrimary(out) {
		out[0].IsPrimary = true
	}
	return out, nil
}

// Windows lists on-screen, titled, normal-layer windows. Ids are decimal
// CGWindowIDs.
func Windows() ([]Window, error) {
	buf := make([]C.sc_window, maxWindows)
	n := int(C.scWindows(&buf[0], C.int(len(buf))))
	if n < 0 {
		return nil, errNoScreenRecording
	}
	out := make([]Window, 0, n)
	for i := 0; i < n; i++ {
		w := buf[i]
		out = append(out, Window{
			ID:       strconv.FormatUint(uint64(w.windowID), 10),
			Name:     C.GoString(&w.title[0]),
			AppName:  C.GoString(&w.appName[0]),
			BundleID: C.GoString(&w.bundleID[0]),
			PID:      int(w.pid),
			Width:    int(w.width),
			Height:   int(w.height),
		})
	}
	return out, nil
}
