package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
)

// RotatingWriter backs --log-file. Once the file would grow past the size
// limit it is renamed to <path>.1, older copies shift up to <path>.N and
// the oldest is dropped. Safe for concurrent use.
type RotatingWriter struct {
	fs    afero.Fs
	path  string
	limit int64
	keep  int

	mu   sync.Mutex
	f    afero.File
	size int64
}

// NewRotatingWriter opens path for appending on the OS filesystem. Zero or
// negative limits fall back to 10 MB and 3 backups.
func NewRotatingWriter(path string, maxSizeMB, maxBackups int) (*RotatingWriter, error) {
	if maxSizeMB <= 0 {
		maxSizeMB = 10
	}
	if maxBackups <= 0 {
		maxBackups = 3
	}
	return openRotating(afero.NewOsFs(), path, int64(maxSizeMB)<<20, maxBackups)
}

func openRotating(fs afero.Fs, path string, limit int64, keep int) (*RotatingWriter, error) {
	if err := fs.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	w := &RotatingWriter{fs: fs, path: path, limit: limit, keep: keep}
	if err := w.reopen(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return 0, os.ErrClosed
	}
	if w.size > 0 && w.size+int64(len(p)) > w.limit {
		if err := w.rotate(); err != nil {
			return 0, fmt.Errorf("rotate %s: %w", w.path, err)
		}
	}
	n, err := w.f.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

func (w *RotatingWriter) reopen() error {
	f, err := w.fs.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	w.f, w.size = f, st.Size()
	return nil
}

// rotate runs with mu held. Missing backups are not an error.
func (w *RotatingWriter) rotate() error {
	w.f.Close()
	w.f = nil

	_ = w.fs.Remove(w.backup(w.keep))
	for i := w.keep - 1; i >= 1; i-- {
		_ = w.fs.Rename(w.backup(i), w.backup(i+1))
	}
	if err := w.fs.Rename(w.path, w.backup(1)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return w.reopen()
}

func (w *RotatingWriter) backup(n int) string { return fmt.Sprintf("%s.%d", w.path, n) }
