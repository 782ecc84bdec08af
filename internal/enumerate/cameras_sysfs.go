package enumerate

import (
	"errors"
	"io/fs"
	"path"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/afero"
)

const video4linuxDir = "/sys/class/video4linux"

// SysfsCameras lists V4L2 capture nodes from sysfs. Metadata nodes (a
// non-zero "index") are skipped so each physical camera appears once.
func SysfsCameras(fsys afero.Fs) ([]Camera, error) {
	entries, err := afero.ReadDir(fsys, video4linuxDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var cams []Camera
	for _, e := range entries {
		name := e.Name()
		num, ok := strings.CutPrefix(name, "video")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(num)
		if err != nil {
			continue
		}
		dir := path.Join(video4linuxDir, name)
		if idx := readTrimmed(fsys, path.Join(dir, "index")); idx != "" && idx != "0" {
			continue
		}
		label := readTrimmed(fsys, path.Join(dir, "name"))
		if label == "" {
			label = name
		}
		cams = append(cams, Camera{ID: "/dev/" + name, Name: label, Index: n})
	}
	slices.SortFunc(cams, func(a, b Camera) int { return a.Index - b.Index })
	return cams, nil
}

func readTrimmed(fsys afero.Fs, p string) string {
	b, err := afero.ReadFile(fsys, p)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}
