package fs

import (
	"io/fs"
	"os"

	"go.uber.org/fx"
)

//go:generate mockgen -destination=fsmock/fs_mock.go -package=fsmock . WarmFS

// Module is the Fx module for this package.
var Module = fx.Provide(New)

// WarmFS wraps the filesystem operations used by warmlsp.
type WarmFS interface {
	MkdirAll(path string) error
	DirExists(path string) (bool, error)
	FileExists(path string) (bool, error)
	Stat(name string) (fs.FileInfo, error)
	ReadFile(name string) ([]byte, error)
	WriteFile(name string, data []byte) error
	OpenAppend(name string) (*os.File, error)
	Rename(oldpath, newpath string) error
	Remove(name string) error
}

type fsImpl struct{}

// New creates a new WarmFS.
func New() WarmFS {
	return fsImpl{}
}

// MkdirAll creates a directory and all its parents.
func (fsImpl) MkdirAll(path string) error { return os.MkdirAll(path, os.ModePerm) }

func (fsImpl) DirExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (fsImpl) FileExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return !info.IsDir(), nil
}

func (fsImpl) Stat(name string) (fs.FileInfo, error) {
	return os.Stat(name)
}

func (fsImpl) ReadFile(name string) ([]byte, error) {
	return os.ReadFile(name)
}

// WriteFile writes data to a temporary sibling and renames it into place.
func (fsImpl) WriteFile(name string, data []byte) error {
	tmp := name + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, name)
}

// OpenAppend opens name for appending, creating it if needed.
func (fsImpl) OpenAppend(name string) (*os.File, error) {
	return os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}

func (fsImpl) Rename(oldpath, newpath string) error {
	return os.Rename(oldpath, newpath)
}

func (fsImpl) Remove(name string) error {
	return os.Remove(name)
}
