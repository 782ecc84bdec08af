//go:build linux

package inhibit

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

const (
	screenSaverName = "org.freedesktop.ScreenSaver"
	screenSaverPath = dbus.ObjectPath("/org/freedesktop/ScreenSaver")
	inhibitMethod   = screenSaverName + ".Inhibit"
	unInhibitMethod = screenSaverName + ".UnInhibit"
)

// caller is the part of dbus.BusObject used here.
type caller interface {
	Call(method string, flags dbus.Flags, args ...any) *dbus.Call
}

func acquire(app, reason string) (func() error, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("inhibit: session bus: %w", err)
	}
	return inhibitOn(conn.Object(screenSaverName, screenSaverPath), app, reason)
}

func inhibitOn(obj caller, app, reason string) (func() error, error) {
	var cookie uint32
	if err := obj.Call(inhibitMethod, 0, app, reason).Store(&cookie); err != nil {
		return nil, fmt.Errorf("inhibit: %s: %w", inhibitMethod, err)
	}
	return func() error {
		if call := obj.Call(unInhibitMethod, 0, cookie); call.Err != nil {
			return fmt.Errorf("inhibit: %s: %w", unInhibitMethod, call.Err)
		}
		return nil
	}, nil
}
