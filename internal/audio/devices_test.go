package audio

import (
	"errors"
	"testing"

	"github.com/mattias800/snacka-capture/internal/procs"
)

func TestSelectDevice(t *testing.T) {
	devs := indexDevices([]Device{
		{ID: "alsa_input.usb-mic", Name: "USB Mic"},
		{ID: "1", Name: "Device with numeric id"},
		{ID: "alsa_input.pci", Name: "Built-in"},
	})

	tests := []struct {
		id     string
		wantID string
		wantOK bool
		err    error
	}{
		{id: "", wantOK: false},
		{id: "alsa_input.pci", wantID: "alsa_input.pci", wantOK: true},
		// An exact id match beats the index interpretation.
		{id: "1", wantID: "1", wantOK: true},
		{id: "2", wantID: "alsa_input.pci", wantOK: true},
		{id: "0", wantID: "alsa_input.usb-mic", wantOK: true},
		{id: "7", err: ErrDeviceNotFound},
		{id: "missing", err: ErrDeviceNotFound},
	}
	for _, tt := range tests {
		d, ok, err := selectDevice(devs, tt.id)
		if tt.err != nil {
			if !errors.Is(err, tt.err) {
				t.Fatalf("selectDevice(%q) error = %v, want %v", tt.id, err, tt.err)
			}
			continue
		}
		if err != nil || ok != tt.wantOK || d.ID != tt.wantID {
			t.Fatalf("selectDevice(%q) = %+v, %v, %v; want %q, %v", tt.id, d, ok, err, tt.wantID, tt.wantOK)
		}
	}
}

func TestResolveExclusion(t *testing.T) {
	ps := []procs.Info{
		{PID: 1, PPID: 0, Name: "init"},
		{PID: 400, PPID: 1, Name: "Discord.exe"},
		{PID: 410, PPID: 400, Name: "Discord.exe"},
		{PID: 420, PPID: 410, Name: "discord.exe"},
		{PID: 900, PPID: 1, Name: "obs64.exe"},
	}

	tests := []struct {
		target string
		want   uint32
	}{
		{"1234", 1234},
		{"discord", 400},
		{"Discord.exe", 400},
		{`C:\Program Files\OBS\obs64.exe`, 900},
	}
	for _, tt := range tests {
		got, err := resolveExclusion(tt.target, ps)
		if err != nil {
			t.Fatalf("resolveExclusion(%q): %v", tt.target, err)
		}
		if got != tt.want {
			t.Fatalf("resolveExclusion(%q) = %d, want %d", tt.target, got, tt.want)
		}
	}

	if _, err := resolveExclusion("spotify", ps); err == nil {
		t.Fatal("resolveExclusion of a missing process succeeded")
	}
}
