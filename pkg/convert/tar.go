package convert

import (
	"archive/tar"
	"cmp"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/samber/lo"
	"github.com/spf13/afero"

	"github.com/wuxler/ruartifact/pkg/errdefs"
	"github.com/wuxler/ruartifact/pkg/util/xcontext"
	"github.com/wuxler/ruartifact/pkg/util/xio"
	"github.com/wuxler/ruartifact/pkg/util/xos"
	"github.com/wuxler/ruartifact/pkg/xlog"
)

// RuleTarExtract extracts a possibly compressed tar archive.
const RuleTarExtract = "tar-extract"

const defaultMaxFileSize = 16 * xio.GiB

// NewTarExtractor returns the tar-extract converter on the OS filesystem.
func NewTarExtractor(opts ...Option) *TarExtractor {
	return &TarExtractor{fs: afero.NewOsFs(), opts: makeOptions(opts...)}
}

// TarExtractor extracts regular files, directories, symlinks and hardlinks.
// Entries escaping the destination, directly or through an extracted
// symlink, are rejected.
type TarExtractor struct {
	fs   afero.Fs
	opts Options
}

// WithFs returns a copy of the extractor writing to fsys.
func (x *TarExtractor) WithFs(fsys afero.Fs) *TarExtractor {
	clone := *x
	clone.fs = fsys
	return &clone
}

type extraction struct {
	fs       afero.Fs
	dst      string
	opts     Options
	symlinks map[string]struct{}
	dirs     map[string]fs.FileMode
}

// Convert implements Converter.
func (x *TarExtractor) Convert(ctx context.Context, r io.Reader, dst string) error {
	rc, compression, err := Decompress(xio.NewContextReader(ctx, r), func(o *Options) { *o = x.opts })
	if err != nil {
		return errdefs.NewE(errdefs.ErrInvalidParameter, err)
	}
	defer xio.CloseAndSkipError(rc)
	xlog.C(ctx).Debugf("extracting %s compressed tar archive to %s", compression, dst)

	if err := x.fs.MkdirAll(dst, 0o755); err != nil {
		return errdefs.NewE(errdefs.ErrStorageIO, err)
	}
	ex := &extraction{
		fs:       x.fs,
		dst:      filepath.Clean(dst),
		opts:     x.opts,
		symlinks: map[string]struct{}{},
		dirs:     map[string]fs.FileMode{},
	}
	tr := tar.NewReader(rc)
	count := 0
	for {
		if err := xcontext.NonBlockingCheck(ctx, "extracting tar archive"); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return errdefs.Newf(errdefs.ErrInvalidParameter, "read tar archive: %v", err)
		}
		if err := ex.extract(hdr, tr); err != nil {
			return err
		}
		count++
	}
	if err := ex.applyDirModes(); err != nil {
		return errdefs.NewE(errdefs.ErrStorageIO, err)
	}
	xlog.C(ctx).Debugf("extracted %d entries to %s", count, dst)
	return nil
}

// resolve maps an archive member name to its destination path. The archive
// root resolves to an empty rel.
func (ex *extraction) resolve(name string) (string, string, error) {
	slashed := filepath.ToSlash(name)
	rel := path.Clean(slashed)
	switch {
	case path.IsAbs(slashed), rel == "..", strings.HasPrefix(rel, "../"):
		return "", "", errdefs.Newf(errdefs.ErrInvalidParameter, "tar entry %q escapes the destination", name)
	case rel == ".":
		return "", ex.dst, nil
	}
	for dir := path.Dir(rel); dir != "."; dir = path.Dir(dir) {
		if _, ok := ex.symlinks[dir]; ok {
			return "", "", errdefs.Newf(errdefs.ErrInvalidParameter, "tar entry %q is below symlink %q", name, dir)
		}
	}
	return rel, filepath.Join(ex.dst, filepath.FromSlash(rel)), nil
}

// replace removes a previous non-directory entry at target, later archive
// members win.
func (ex *extraction) replace(rel, target string) error {
	fi, err := xos.Lstat(ex.fs, target)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if fi.IsDir() {
		return errdefs.Newf(errdefs.ErrInvalidParameter, "tar entry %q replaces a directory", rel)
	}
	delete(ex.symlinks, rel)
	return ex.fs.Remove(target)
}

func (ex *extraction) extract(hdr *tar.Header, r io.Reader) error {
	rel, target, err := ex.resolve(hdr.Name)
	if err != nil {
		return err
	}
	if rel == "" {
		// the archive root, only its mode matters
		if hdr.Typeflag == tar.TypeDir {
			ex.dirs[target] = hdr.FileInfo().Mode().Perm()
		}
		return nil
	}
	if err := ex.fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return errdefs.NewE(errdefs.ErrStorageIO, err)
	}
	mode := hdr.FileInfo().Mode().Perm()
	switch hdr.Typeflag {
	case tar.TypeDir:
		if _, ok := ex.symlinks[rel]; ok {
			return errdefs.Newf(errdefs.ErrInvalidParameter, "tar directory %q replaces a symlink", hdr.Name)
		}
		if err := ex.fs.MkdirAll(target, 0o755); err != nil {
			return errdefs.NewE(errdefs.ErrStorageIO, err)
		}
		ex.dirs[target] = mode
	case tar.TypeReg:
		if err := ex.replace(rel, target); err != nil {
			return errdefs.NewE(errdefs.ErrStorageIO, err)
		}
		return ex.writeFile(target, mode, r)
	case tar.TypeSymlink:
		linker, ok := ex.fs.(afero.Linker)
		if !ok {
			return errdefs.Newf(errdefs.ErrUnsupported, "filesystem %s can not create symlinks", ex.fs.Name())
		}
		if err := ex.replace(rel, target); err != nil {
			return errdefs.NewE(errdefs.ErrStorageIO, err)
		}
		if err := linker.SymlinkIfPossible(hdr.Linkname, target); err != nil {
			return errdefs.NewE(errdefs.ErrStorageIO, err)
		}
		ex.symlinks[rel] = struct{}{}
	case tar.TypeLink:
		srcRel, source, err := ex.resolve(hdr.Linkname)
		if err != nil || srcRel == "" || srcRel == rel {
			return errdefs.Newf(errdefs.ErrInvalidParameter, "tar hardlink %q -> %q escapes the destination", hdr.Name, hdr.Linkname)
		}
		if _, ok := ex.symlinks[srcRel]; ok {
			return errdefs.Newf(errdefs.ErrInvalidParameter, "tar hardlink %q points at symlink %q", hdr.Name, hdr.Linkname)
		}
		in, err := ex.fs.Open(source)
		if err != nil {
			return errdefs.NewE(errdefs.ErrInvalidParameter, err)
		}
		defer xio.CloseAndSkipError(in)
		if err := ex.replace(rel, target); err != nil {
			return errdefs.NewE(errdefs.ErrStorageIO, err)
		}
		return ex.writeFile(target, mode, in)
	default:
		return errdefs.Newf(errdefs.ErrUnsupported, "tar entry %q has unsupported type %q", hdr.Name, hdr.Typeflag)
	}
	return nil
}

func (ex *extraction) writeFile(target string, mode fs.FileMode, r io.Reader) error {
	f, err := ex.fs.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return errdefs.NewE(errdefs.ErrStorageIO, err)
	}
	// the limit is exclusive, a file of exactly MaxFileSize bytes fails
	_, err = xio.LimitCopy(f, r, ex.opts.MaxFileSize+1)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = ex.fs.Chmod(target, mode)
	}
	if err != nil {
		return errdefs.NewE(errdefs.ErrStorageIO, err)
	}
	return nil
}

func (ex *extraction) applyDirModes() error {
	// deepest first so read-only parents do not block their children
	paths := lo.Keys(ex.dirs)
	depth := func(p string) int { return strings.Count(p, string(filepath.Separator)) }
	slices.SortFunc(paths, func(a, b string) int {
		return cmp.Compare(depth(b), depth(a))
	})
	for _, p := range paths {
		if err := ex.fs.Chmod(p, ex.dirs[p]); err != nil {
			return err
		}
	}
	return nil
}
