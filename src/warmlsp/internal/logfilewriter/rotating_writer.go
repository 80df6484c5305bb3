package logfilewriter

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/uber/warmlsp/src/warmlsp/internal/fs"
)

// _backupSuffix is appended to the log path when the active file is rotated out.
const _backupSuffix = ".1"

// RotatingWriter is an append-only file sink that is renamed to a single ".1" backup
// once it grows past maxSizeBytes, after which a fresh file is started.
type RotatingWriter struct {
	fs           fs.WarmFS
	path         string
	maxSizeBytes int64

	mu   sync.Mutex
	file *os.File
	size int64
}

// NewRotatingWriter opens (or creates) path for appending. A maxSizeBytes of zero disables rotation.
func NewRotatingWriter(fsys fs.WarmFS, path string, maxSizeBytes int64) (*RotatingWriter, error) {
	if err := fsys.MkdirAll(filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}

	w := &RotatingWriter{
		fs:           fsys,
		path:         path,
		maxSizeBytes: maxSizeBytes,
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

// Write appends p, rotating first when p would push the file past the size threshold.
// A single entry is never split across files.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, os.ErrClosed
	}

	if w.maxSizeBytes > 0 && w.size > 0 && w.size+int64(len(p)) > w.maxSizeBytes {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Sync flushes the active file.
func (w *RotatingWriter) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	return w.file.Sync()
}

// Close closes the active file. Later writes fail.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// Path returns the active log file path.
func (w *RotatingWriter) Path() string {
	return w.path
}

func (w *RotatingWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("closing log file: %w", err)
	}
	w.file = nil

	backup := w.path + _backupSuffix
	if exists, _ := w.fs.FileExists(backup); exists {
		if err := w.fs.Remove(backup); err != nil {
			return fmt.Errorf("removing old backup: %w", err)
		}
	}
	if err := w.fs.Rename(w.path, backup); err != nil {
		return fmt.Errorf("rotating log file: %w", err)
	}
	return w.open()
}

func (w *RotatingWriter) open() error {
	f, err := w.fs.OpenAppend(w.path)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	w.file = f
	w.size = info.Size()
	return nil
}
