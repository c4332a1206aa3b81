package activation

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/spf13/afero"

	"github.com/wuxler/ruartifact/pkg/errdefs"
	"github.com/wuxler/ruartifact/pkg/util/xos"
	"github.com/wuxler/ruartifact/pkg/xlog"
)

// Linker atomically points a symlink at a new target.
type Linker interface {
	// Relink makes link resolve to target in one step. Concurrent resolvers
	// see either the old or the new target, never a missing link.
	Relink(target, link string) error
}

// NewLinker returns a Linker creating a temporary symlink next to the link
// and renaming it over the link.
func NewLinker(fsys afero.Fs) Linker {
	return &renameLinker{fs: fsys}
}

type renameLinker struct {
	fs afero.Fs
}

var tmpCounter atomic.Uint64

func (l *renameLinker) Relink(target, link string) error {
	linker, ok := l.fs.(afero.Linker)
	if !ok {
		return errdefs.Newf(errdefs.ErrUnsupported, "filesystem %s can not create symlinks", l.fs.Name())
	}
	dir := filepath.Dir(link)
	tmp := filepath.Join(dir, fmt.Sprintf(".%s.%d-%d.tmp", filepath.Base(link), os.Getpid(), tmpCounter.Add(1)))
	if err := linker.SymlinkIfPossible(target, tmp); err != nil {
		return errdefs.NewE(errdefs.ErrStorageIO, err)
	}
	if err := l.fs.Rename(tmp, link); err != nil {
		_ = l.fs.Remove(tmp)
		return errdefs.NewE(errdefs.ErrStorageIO, err)
	}
	// the rename is the commit point, a failed flush must not undo it
	if err := xos.SyncDir(l.fs, dir); err != nil {
		xlog.Warnf("relinked %s but unable to sync %s: %v", link, dir, err)
	}
	return nil
}
