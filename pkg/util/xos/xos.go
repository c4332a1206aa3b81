// Package xos provides filesystem helpers on top of afero.
package xos

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// Exists reports whether path exists without following a final symlink.
func Exists(fsys afero.Fs, path string) (bool, error) {
	_, err := Lstat(fsys, path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Lstat calls Lstat when fsys supports it and Stat otherwise.
func Lstat(fsys afero.Fs, path string) (fs.FileInfo, error) {
	if lstater, ok := fsys.(afero.Lstater); ok {
		fi, _, err := lstater.LstatIfPossible(path)
		return fi, err
	}
	return fsys.Stat(path)
}

// IsEmptyDir reports whether dir exists and has no entries.
func IsEmptyDir(fsys afero.Fs, dir string) bool {
	f, err := fsys.Open(dir)
	if err != nil {
		return false
	}
	defer f.Close() //nolint:errcheck // read only

	if _, err = f.Readdirnames(1); errors.Is(err, io.EOF) {
		return true
	}
	return false
}

// SyncDir flushes the directory entry table of dir, making renames and
// creations inside it durable. Filesystems without a real directory handle
// are skipped.
func SyncDir(fsys afero.Fs, dir string) error {
	if _, ok := fsys.(*afero.OsFs); !ok {
		return nil
	}
	f, err := os.Open(filepath.Clean(dir))
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck // read only
	return f.Sync()
}
