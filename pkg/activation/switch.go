// Package activation publishes artifact instances through stable symlinks.
//
// Every artifact of a repository is a symlink {root}/{artifact} with a
// relative target into the content store. Publishing replaces the symlink
// atomically, readers that opened the old target keep their handle.
package activation

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/wuxler/ruartifact/pkg/errdefs"
	"github.com/wuxler/ruartifact/pkg/util/xos"
	"github.com/wuxler/ruartifact/pkg/xlog"
)

// ArtifactsDirName is the directory below the runtime directory exposing
// all repositories.
const ArtifactsDirName = "artifacts"

// Option configures a Switch.
type Option func(*Switch)

// WithLinker replaces the default rename based Linker.
func WithLinker(linker Linker) Option {
	return func(s *Switch) {
		s.linker = linker
	}
}

// New returns the Switch for the repository rooted at root.
func New(fsys afero.Fs, root string, opts ...Option) *Switch {
	s := &Switch{fs: fsys, root: filepath.Clean(root)}
	for _, apply := range opts {
		apply(s)
	}
	if s.linker == nil {
		s.linker = NewLinker(fsys)
	}
	return s
}

// Switch manages the activation symlinks of one repository.
type Switch struct {
	fs     afero.Fs
	root   string
	linker Linker
}

// LinkPath returns the stable path of artifact.
func (s *Switch) LinkPath(artifact string) string {
	return filepath.Join(s.root, artifact)
}

// Publish points the stable path of artifact at storagePath, which must be
// below the repository root. Once the link resolves to storagePath the
// publication is committed and Publish succeeds.
func (s *Switch) Publish(ctx context.Context, artifact, storagePath string) error {
	if err := ValidateName(artifact); err != nil {
		return err
	}
	target, err := filepath.Rel(s.root, storagePath)
	if err != nil || target == "." || strings.HasPrefix(target, "..") {
		return errdefs.Newf(errdefs.ErrInvalidParameter, "storage path %s is outside of %s", storagePath, s.root)
	}
	link := s.LinkPath(artifact)
	if err := s.linker.Relink(target, link); err != nil {
		// a linker may fail after the link was replaced, which commits it
		if resolved, rerr := s.Resolve(artifact); rerr != nil || resolved != filepath.Clean(storagePath) {
			return err
		}
		xlog.C(ctx).Warnf("published %s -> %s despite relink error: %v", link, target, err)
		return nil
	}
	xlog.C(ctx).Infof("published %s -> %s", link, target)
	return nil
}

// Resolve returns the absolute storage path the stable path of artifact
// points at. It fails with errdefs.ErrNotFound for unpublished artifacts.
func (s *Switch) Resolve(artifact string) (string, error) {
	link := s.LinkPath(artifact)
	reader, ok := s.fs.(afero.LinkReader)
	if !ok {
		return "", errdefs.Newf(errdefs.ErrUnsupported, "filesystem %s can not read symlinks", s.fs.Name())
	}
	target, err := reader.ReadlinkIfPossible(link)
	if errors.Is(err, fs.ErrNotExist) {
		return "", errdefs.Newf(errdefs.ErrNotFound, "artifact %s is not published", artifact)
	}
	if err != nil {
		return "", errdefs.NewE(errdefs.ErrStorageIO, err)
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(s.root, target)
	}
	return filepath.Clean(target), nil
}

// Links returns the names of all published artifacts. Hidden entries are
// skipped, the content store and temporary links live there.
func (s *Switch) Links() ([]string, error) {
	entries, err := afero.ReadDir(s.fs, s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, errdefs.NewE(errdefs.ErrStorageIO, err)
	}
	var names []string
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		fi, err := xos.Lstat(s.fs, filepath.Join(s.root, entry.Name()))
		if err != nil {
			return nil, errdefs.NewE(errdefs.ErrStorageIO, err)
		}
		if fi.Mode()&fs.ModeSymlink != 0 {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}

// Sweep removes temporary links left by an interrupted Relink.
func (s *Switch) Sweep(ctx context.Context) error {
	matches, err := afero.Glob(s.fs, filepath.Join(s.root, ".*.tmp"))
	if err != nil {
		return errdefs.NewE(errdefs.ErrStorageIO, err)
	}
	for _, match := range matches {
		fi, err := xos.Lstat(s.fs, match)
		if err != nil || fi.Mode()&fs.ModeSymlink == 0 {
			continue
		}
		if err := s.fs.Remove(match); err != nil {
			return errdefs.NewE(errdefs.ErrStorageIO, err)
		}
		xlog.C(ctx).Debugf("removed stale link %s", match)
	}
	return nil
}

// Expose links {runDir}/artifacts/{name} to the repository root, making
// every artifact reachable as {runDir}/artifacts/{name}/{artifact}.
func (s *Switch) Expose(ctx context.Context, runDir, name string) (string, error) {
	dir := filepath.Join(runDir, ArtifactsDirName)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return "", errdefs.NewE(errdefs.ErrStorageIO, err)
	}
	link := filepath.Join(dir, name)
	if err := s.linker.Relink(s.root, link); err != nil {
		return "", err
	}
	xlog.C(ctx).Debugf("exposed repository %s at %s", name, link)
	return link, nil
}

// ValidateName checks that name can be used as artifact or repository name.
func ValidateName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return errdefs.Newf(errdefs.ErrInvalidParameter, "invalid name %q", name)
	case strings.HasPrefix(name, "."):
		return errdefs.Newf(errdefs.ErrInvalidParameter, "name %q must not start with a dot", name)
	case strings.ContainsAny(name, `/\`):
		return errdefs.Newf(errdefs.ErrInvalidParameter, "name %q must not contain a path separator", name)
	}
	return nil
}
