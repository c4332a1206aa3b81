package cas

import (
	"context"
	_ "crypto/sha256" // register digest.SHA256
	"fmt"
	"io"
	"io/fs"
	"path/filepath"

	"github.com/opencontainers/go-digest"
	"github.com/spf13/afero"

	"github.com/wuxler/ruartifact/pkg/errdefs"
	"github.com/wuxler/ruartifact/pkg/util/xcontext"
)

// Algorithm is the digest algorithm instances are addressed with.
const Algorithm = digest.SHA256

// DigestReader returns the digest and the size of everything read from r.
func DigestReader(r io.Reader) (digest.Digest, int64, error) {
	digester := Algorithm.Digester()
	n, err := io.Copy(digester.Hash(), r)
	if err != nil {
		return "", n, err
	}
	return digester.Digest(), n, nil
}

// DigestFile returns the digest of the regular file at path.
func DigestFile(fsys afero.Fs, path string) (digest.Digest, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close() //nolint:errcheck // read only
	dgst, _, err := DigestReader(f)
	return dgst, err
}

// DigestTree returns the digest of the directory tree at dir.
//
// The digest covers a sorted listing with one line per entry below dir:
// directories with their permissions, regular files with their permissions
// and content digest, and symlinks with their target. The permissions and
// name of dir itself are not part of it.
func DigestTree(ctx context.Context, fsys afero.Fs, dir string) (digest.Digest, error) {
	digester := Algorithm.Digester()
	h := digester.Hash()
	err := afero.Walk(fsys, dir, func(path string, fi fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := xcontext.NonBlockingCheck(ctx, "digesting tree"); err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			if !fi.IsDir() {
				return errdefs.Newf(errdefs.ErrInvalidParameter, "tree payload %s is not a directory", dir)
			}
			return nil
		}
		rel = filepath.ToSlash(rel)
		mode := fi.Mode()
		switch {
		case mode.IsDir():
			_, err = fmt.Fprintf(h, "d %04o %q\n", mode.Perm(), rel)
		case mode.IsRegular():
			var fileDigest digest.Digest
			if fileDigest, err = DigestFile(fsys, path); err != nil {
				return err
			}
			_, err = fmt.Fprintf(h, "f %04o %q %s\n", mode.Perm(), rel, fileDigest)
		case mode&fs.ModeSymlink != 0:
			var target string
			if target, err = readlink(fsys, path); err != nil {
				return err
			}
			_, err = fmt.Fprintf(h, "l %q %q\n", rel, target)
		default:
			return errdefs.Newf(errdefs.ErrUnsupported, "unsupported file type %s of %s", mode.Type(), rel)
		}
		return err
	})
	if err != nil {
		return "", err
	}
	return digester.Digest(), nil
}

func readlink(fsys afero.Fs, path string) (string, error) {
	reader, ok := fsys.(afero.LinkReader)
	if !ok {
		return "", errdefs.Newf(errdefs.ErrUnsupported, "filesystem %s can not read symlink %s", fsys.Name(), path)
	}
	return reader.ReadlinkIfPossible(path)
}

func symlink(fsys afero.Fs, target, link string) error {
	linker, ok := fsys.(afero.Linker)
	if !ok {
		return errdefs.Newf(errdefs.ErrUnsupported, "filesystem %s can not create symlink %s", fsys.Name(), link)
	}
	return linker.SymlinkIfPossible(target, link)
}
