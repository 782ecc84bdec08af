package procs

import (
	"os"
	"testing"
)

func TestNormalizeExe(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Discord.exe", "discord"},
		{"firefox", "firefox"},
		{`C:\Program Files\OBS\obs64.EXE`, "obs64"},
		{"/usr/bin/obs", "obs"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeExe(tt.in); got != tt.want {
			t.Errorf("NormalizeExe(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTreeRoot(t *testing.T) {
	ps := []Info{
		{PID: 1, PPID: 0, Name: "init"},
		{PID: 410, PPID: 400, Name: "Discord.exe"},
		{PID: 400, PPID: 1, Name: "Discord.exe"},
		{PID: 420, PPID: 410, Name: "discord"},
		{PID: 900, PPID: 1, Name: "obs64.exe"},
		{PID: 950, PPID: 1, Name: "obs64.exe"},
	}
	tests := []struct {
		name string
		want int32
		ok   bool
	}{
		{"discord", 400, true},
		{"OBS64.exe", 900, true},
		{"spotify", 0, false},
	}
	for _, tt := range tests {
		got, ok := TreeRoot(ps, tt.name)
		if ok != tt.ok || (ok && got != tt.want) {
			t.Errorf("TreeRoot(%q) = %d, %v; want %d, %v", tt.name, got, ok, tt.want, tt.ok)
		}
	}
}

func TestListIncludesSelf(t *testing.T) {
	ps, err := List()
	if err != nil {
		t.Skipf("process listing unavailable: %v", err)
	}
	self := int32(os.Getpid())
	for _, p := range ps {
		if p.PID == self {
			if Name(os.Getpid()) != p.Name {
				t.Fatalf("Name(self) = %q, List says %q", Name(os.Getpid()), p.Name)
			}
			return
		}
	}
	t.Fatalf("own pid %d not listed", self)
}
