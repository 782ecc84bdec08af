package enumerate

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/spf13/afero"

	"github.com/mattias800/snacka-capture/internal/audio"
)

func writeFile(t *testing.T, fs afero.Fs, path, content string) {
	t.Helper()
	if err := afero.WriteFile(fs, path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestSysfsCameras(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/sys/class/video4linux/video2/name", "USB Camera\n")
	writeFile(t, fs, "/sys/class/video4linux/video2/index", "0\n")
	writeFile(t, fs, "/sys/class/video4linux/video3/name", "USB Camera\n")
	writeFile(t, fs, "/sys/class/video4linux/video3/index", "1\n")
	writeFile(t, fs, "/sys/class/video4linux/video0/name", "Integrated Webcam\n")
	writeFile(t, fs, "/sys/class/video4linux/v4l-subdev0/name", "sensor\n")
	if err := fs.MkdirAll("/sys/class/video4linux/video7", 0o755); err != nil {
		t.Fatal(err)
	}

	cams, err := SysfsCameras(fs)
	if err != nil {
		t.Fatalf("SysfsCameras: %v", err)
	}
	want := []Camera{
		{ID: "/dev/video0", Name: "Integrated Webcam", Index: 0},
		{ID: "/dev/video2", Name: "USB Camera", Index: 2},
		{ID: "/dev/video7", Name: "video7", Index: 7},
	}
	if len(cams) != len(want) {
		t.Fatalf("got %+v, want %+v", cams, want)
	}
	for i := range want {
		if cams[i] != want[i] {
			t.Fatalf("camera %d = %+v, want %+v", i, cams[i], want[i])
		}
	}
}

func TestSysfsCamerasMissingDir(t *testing.T) {
	cams, err := SysfsCameras(afero.NewMemMapFs())
	if err != nil || cams != nil {
		t.Fatalf("got %v, %v; want nil, nil", cams, err)
	}
}

func fakeEnumerator() *Enumerator {
	return &Enumerator{
		FS: afero.NewMemMapFs(),
		displays: func() ([]Display, error) {
			return []Display{{ID: "0", Name: "eDP-1", Width: 1920, Height: 1080, IsPrimary: true}}, nil
		},
		windows: func() ([]Window, error) {
			return []Window{
				{ID: "1", Name: "Inbox", AppName: "Thunderbird", PID: 40, Width: 800, Height: 600},
				{ID: "2", Name: "Compose", AppName: "Thunderbird", PID: 40, Width: 400, Height: 300},
				{ID: "3", Name: "notes.txt", PID: 77, Width: 500, Height: 500},
				{ID: "4", Name: "orphan"},
			}, nil
		},
		cameras: func(afero.Fs) ([]Camera, error) { return nil, ErrNotSupported },
		microphones: func() ([]audio.Device, error) {
			return nil, errors.New("pulse unavailable")
		},
		procName: func(pid int) string {
			if pid == 77 {
				return "gedit"
			}
			return ""
		},
	}
}

func TestListGroupsApplications(t *testing.T) {
	s := fakeEnumerator().List()

	if len(s.Displays) != 1 || len(s.Windows) != 4 {
		t.Fatalf("displays=%d windows=%d", len(s.Displays), len(s.Windows))
	}
	want := []Application{
		{ID: "77", Name: "gedit"},
		{ID: "40", Name: "Thunderbird"},
	}
	if len(s.Applications) != len(want) {
		t.Fatalf("applications = %+v, want %+v", s.Applications, want)
	}
	for i := range want {
		if s.Applications[i] != want[i] {
			t.Fatalf("application %d = %+v, want %+v", i, s.Applications[i], want[i])
		}
	}
}

func TestWriteJSONNeverNull(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteJSON(&buf, &Sources{}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"displays", "windows", "applications", "cameras", "microphones"} {
		if got := string(doc[key]); got != "[]" {
			t.Fatalf("%s = %s, want []", key, got)
		}
	}
}

func TestWriteJSONShape(t *testing.T) {
	s := fakeEnumerator().List()
	var buf bytes.Buffer
	if err := WriteJSON(&buf, s); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	var doc struct {
		Displays []map[string]any `json:"displays"`
		Windows  []map[string]any `json:"windows"`
	}
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	d := doc.Displays[0]
	for _, key := range []string{"id", "name", "width", "height", "isPrimary"} {
		if _, ok := d[key]; !ok {
			t.Fatalf("display lacks %q: %v", key, d)
		}
	}
	if _, ok := d["X"]; ok {
		t.Fatalf("display leaks desktop position: %v", d)
	}
	w := doc.Windows[0]
	for _, key := range []string{"id", "name", "appName", "bundleId"} {
		if _, ok := w[key]; !ok {
			t.Fatalf("window lacks %q: %v", key, w)
		}
	}
	if _, ok := w["PID"]; ok {
		t.Fatalf("window leaks pid: %v", w)
	}
}

func TestLargestWindow(t *testing.T) {
	windows := []Window{
		{ID: "a", AppName: "Code.exe", PID: 10, Width: 800, Height: 600},
		{ID: "b", AppName: "Code.exe", PID: 10, Width: 1600, Height: 900},
		{ID: "c", AppName: "Slack", BundleID: "com.tinyspeck.slackmacgap", PID: 11, Width: 2000, Height: 1000},
	}
	tests := []struct {
		app    string
		wantID string
		found  bool
	}{
		{"10", "b", true},
		{"code", "b", true},
		{"CODE.EXE", "b", true},
		{"com.tinyspeck.slackmacgap", "c", true},
		{"11", "c", true},
		{"99", "", false},
		{"firefox", "", false},
	}
	for _, tt := range tests {
		w, ok := LargestWindow(windows, tt.app)
		if ok != tt.found || w.ID != tt.wantID {
			t.Fatalf("LargestWindow(%q) = %q, %v; want %q, %v", tt.app, w.ID, ok, tt.wantID, tt.found)
		}
	}
}

func TestWriteText(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteText(&buf, fakeEnumerator().List()); err != nil {
		t.Fatalf("WriteText: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"Displays (1)", "eDP-1", "primary", "Windows (4)", "Applications (2)", "Cameras (0)", "Microphones (0)"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output lacks %q:\n%s", want, out)
		}
	}
}
