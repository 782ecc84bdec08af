// Package enumerate lists the displays, windows, applications, cameras and
// microphones the host can offer in its source picker.
package enumerate

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/afero"

	"github.com/mattias800/snacka-capture/internal/audio"
	"github.com/mattias800/snacka-capture/internal/logging"
	"github.com/mattias800/snacka-capture/internal/procs"
)

var log = logging.L("enumerate")

// ErrNotSupported is returned by listers the platform does not implement.
var ErrNotSupported = errors.New("enumeration not supported on this platform")

type Display struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	IsPrimary bool   `json:"isPrimary"`

	// Desktop position, used by capture to crop the virtual screen.
	X int `json:"-"`
	Y int `json:"-"`
}

type Window struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	AppName  string `json:"appName"`
	BundleID string `json:"bundleId"`

	PID    int `json:"-"`
	Width  int `json:"-"`
	Height int `json:"-"`
}

type Application struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	BundleID string `json:"bundleId"`
}

type Camera struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Index int    `json:"index"`
}

// Sources is the full picker listing. Every slice is non-nil so the JSON
// form always carries arrays.
type Sources struct {
	Displays     []Display      `json:"displays"`
	Windows      []Window       `json:"windows"`
	Applications []Application  `json:"applications"`
	Cameras      []Camera       `json:"cameras"`
	Microphones  []audio.Device `json:"microphones"`
}

// Enumerator collects Sources. Zero-valued fields fall back to the OS.
type Enumerator struct {
	// FS is used for sysfs device discovery.
	FS afero.Fs

	displays    func() ([]Display, error)
	windows     func() ([]Window, error)
	cameras     func(afero.Fs) ([]Camera, error)
	microphones func() ([]audio.Device, error)
	procName    func(pid int) string
}

func New() *Enumerator {
	return &Enumerator{FS: afero.NewOsFs()}
}

// List gathers every category. A failing category is logged and left
// empty so one broken subsystem does not hide the rest.
func (e *Enumerator) List() *Sources {
	fs := e.FS
	if fs == nil {
		fs = afero.NewOsFs()
	}
	listDisplays, listWindows, listCameras, listMics := e.displays, e.windows, e.cameras, e.microphones
	if listDisplays == nil {
		listDisplays = Displays
	}
	if listWindows == nil {
		listWindows = Windows
	}
	if listCameras == nil {
		listCameras = camerasFS
	}
	if listMics == nil {
		listMics = audio.ListMicrophones
	}

	out := &Sources{}
	var err error

	if out.Displays, err = listDisplays(); err != nil {
		warn("displays", err)
	}
	if out.Windows, err = listWindows(); err != nil {
		warn("windows", err)
	}
	out.Applications = e.applications(out.Windows)
	if out.Cameras, err = listCameras(fs); err != nil {
		warn("cameras", err)
	}
	if out.Microphones, err = listMics(); err != nil {
		warn("microphones", err)
	}

	out.normalize()
	return out
}

func warn(category string, err error) {
	if errors.Is(err, ErrNotSupported) || errors.Is(err, audio.ErrNotSupported) {
		log.Debug("category not available", "category", category)
		return
	}
	log.Warn("enumeration failed", "category", category, "error", err.Error())
}

func hasPrimary(ds []Display) bool {
	for _, d := range ds {
		if d.IsPrimary {
			return true
		}
	}
	return false
}

func (s *Sources) normalize() {
	if s.Displays == nil {
		s.Displays = []Display{}
	}
	if s.Windows == nil {
		s.Windows = []Window{}
	}
	if s.Applications == nil {
		s.Applications = []Application{}
	}
	if s.Cameras == nil {
		s.Cameras = []Camera{}
	}
	if s.Microphones == nil {
		s.Microphones = []audio.Device{}
	}
}

// applications groups windows by owning process. The application id is
// the bundle id when the platform has one, otherwise the PID.
func (e *Enumerator) applications(windows []Window) []Application {
	procName := e.procName
	if procName == nil {
		procName = procs.Name
	}
	seen := make(map[string]bool)
	var apps []Application
	for _, w := range windows {
		id := w.BundleID
		if id == "" {
			if w.PID <= 0 {
				continue
			}
			id = strconv.Itoa(w.PID)
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		name := w.AppName
		if name == "" && w.PID > 0 {
			name = procName(w.PID)
		}
		if name == "" {
			name = id
		}
		apps = append(apps, Application{ID: id, Name: name, BundleID: w.BundleID})
	}
	slices.SortFunc(apps, func(a, b Application) int {
		return cmp.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name))
	})
	return apps
}

// LargestWindow picks the biggest window owned by the application app,
// given as a PID, bundle id or process name.
func LargestWindow(windows []Window, app string) (Window, bool) {
	pid, pidErr := strconv.Atoi(app)
	name := procs.NormalizeExe(app)
	var best Window
	found := false
	for _, w := range windows {
		match := (pidErr == nil && w.PID == pid) ||
			(w.BundleID != "" && w.BundleID == app) ||
			(w.AppName != "" && procs.NormalizeExe(w.AppName) == name)
		if !match {
			continue
		}
		if !found || w.Width*w.Height > best.Width*best.Height {
			best = w
			found = true
		}
	}
	return best, found
}

// WriteJSON writes s as a single JSON document.
func WriteJSON(w io.Writer, s *Sources) error {
	s.normalize()
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

// WriteText writes a human-readable table per category.
func WriteText(w io.Writer, s *Sources) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	section := func(title string, n int) {
		fmt.Fprintf(tw, "%s (%d)\n", title, n)
	}
	section("Displays", len(s.Displays))
	for _, d := range s.Displays {
		primary := ""
		if d.IsPrimary {
			primary = "primary"
		}
		fmt.Fprintf(tw, "  %s\t%s\t%dx%d\t%s\n", d.ID, d.Name, d.Width, d.Height, primary)
	}
	section("Windows", len(s.Windows))
	for _, win := range s.Windows {
		fmt.Fprintf(tw, "  %s\t%s\t%s\n", win.ID, win.Name, win.AppName)
	}
	section("Applications", len(s.Applications))
	for _, a := range s.Applications {
		fmt.Fprintf(tw, "  %s\t%s\n", a.ID, a.Name)
	}
	section("Cameras", len(s.Cameras))
	for _, c := range s.Cameras {
		fmt.Fprintf(tw, "  %s\t%s\n", c.ID, c.Name)
	}
	section("Microphones", len(s.Microphones))
	for _, m := range s.Microphones {
		fmt.Fprintf(tw, "  %s\t%s\n", m.ID, m.Name)
	}
	return tw.Flush()
}
