package encoder

import (
	"path"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/afero"
)

const driDir = "/dev/dri"

// renderNodes lists DRM render nodes (renderD128, renderD129, ...) in
// minor number order. An explicit override is tried first.
func renderNodes(fs afero.Fs, override string) []string {
	var out []string
	if override != "" {
		out = append(out, override)
	}
	entries, err := afero.ReadDir(fs, driDir)
	if err != nil {
		return out
	}
	type node struct {
		path  string
		minor int
	}
	var nodes []node
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "renderD") {
			continue
		}
		minor, err := strconv.Atoi(strings.TrimPrefix(name, "renderD"))
		if err != nil {
			continue
		}
		p := path.Join(driDir, name)
		if p == override {
			continue
		}
		nodes = append(nodes, node{p, minor})
	}
	slices.SortFunc(nodes, func(a, b node) int { return a.minor - b.minor })
	for _, n := range nodes {
		out = append(out, n.path)
	}
	return out
}
