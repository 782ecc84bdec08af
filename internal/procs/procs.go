// Package procs looks up running processes by PID or executable name. It
// is shared by application capture, source listing and audio exclusion so
// all three agree on what a process name is.
package procs

import (
	"fmt"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// Info is one running process.
type Info struct {
	PID  int32
	PPID int32
	Name string
}

// List snapshots the running processes. Processes whose name cannot be
// read (exited, or owned by another user on some platforms) are skipped.
func List() ([]Info, error) {
	ps, err := process.Processes()
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	out := make([]Info, 0, len(ps))
	for _, p := range ps {
		name, err := p.Name()
		if err != nil {
			continue
		}
		ppid, _ := p.Ppid()
		out = append(out, Info{PID: p.Pid, PPID: ppid, Name: name})
	}
	return out, nil
}

// Name returns the executable name of pid, or "" when it cannot be read.
func Name(pid int) string {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return ""
	}
	name, err := p.Name()
	if err != nil {
		return ""
	}
	return name
}

// NormalizeExe reduces a path or executable name to its lowercased base
// name without ".exe". Both separators are honoured on every platform.
func NormalizeExe(name string) string {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	return strings.TrimSuffix(strings.ToLower(name), ".exe")
}

// TreeRoot returns the lowest PID among processes named name whose parent
// is not itself a match, i.e. the root of the matching process tree.
func TreeRoot(ps []Info, name string) (int32, bool) {
	want := NormalizeExe(name)
	matched := make(map[int32]bool)
	for _, p := range ps {
		if NormalizeExe(p.Name) == want {
			matched[p.PID] = true
		}
	}
	var root int32 = -1
	for _, p := range ps {
		if !matched[p.PID] || matched[p.PPID] {
			continue
		}
		if root < 0 || p.PID < root {
			root = p.PID
		}
	}
	return root, root >= 0
}
