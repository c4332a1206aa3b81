package cas

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/wuxler/ruartifact/pkg/errdefs"
	"github.com/wuxler/ruartifact/pkg/util/xcontext"
	"github.com/wuxler/ruartifact/pkg/util/xio"
)

type dirPerm struct {
	path string
	perm fs.FileMode
}

// copyTree copies the tree at src into dst keeping permissions and symlinks.
// Directory permissions are applied last so read-only directories can be
// filled first.
func copyTree(ctx context.Context, fsys afero.Fs, src, dst string) error {
	var dirs []dirPerm
	err := afero.Walk(fsys, src, func(path string, fi fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := xcontext.NonBlockingCheck(ctx, "copying tree"); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		mode := fi.Mode()
		switch {
		case mode.IsDir():
			if err := fsys.MkdirAll(target, 0o700); err != nil {
				return err
			}
			dirs = append(dirs, dirPerm{path: target, perm: mode.Perm()})
			return nil
		case mode.IsRegular():
			return copyFile(fsys, path, target, mode.Perm())
		case mode&fs.ModeSymlink != 0:
			link, err := readlink(fsys, path)
			if err != nil {
				return err
			}
			return symlink(fsys, link, target)
		default:
			return errdefs.Newf(errdefs.ErrUnsupported, "unsupported file type %s of %s", mode.Type(), rel)
		}
	})
	if err != nil {
		return err
	}
	for i := len(dirs) - 1; i >= 0; i-- {
		if err := fsys.Chmod(dirs[i].path, dirs[i].perm); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(fsys afero.Fs, src, dst string, perm fs.FileMode) error {
	in, err := fsys.Open(src)
	if err != nil {
		return err
	}
	defer xio.CloseAndSkipError(in)

	out, err := fsys.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, in)
	if err == nil {
		err = out.Sync()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	return fsys.Chmod(dst, perm)
}

// RemoveAll deletes path like afero.Fs.RemoveAll but first makes every
// directory below it writable. Instances may contain read-only directories.
func RemoveAll(fsys afero.Fs, path string) error {
	_ = afero.Walk(fsys, path, func(p string, fi fs.FileInfo, err error) error {
		if err == nil && fi.IsDir() {
			_ = fsys.Chmod(p, fi.Mode().Perm()|0o700)
		}
		return nil
	})
	return fsys.RemoveAll(path)
}
