package install

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"

	"github.com/opencontainers/go-digest"
	"github.com/spf13/afero"

	"github.com/wuxler/ruartifact/pkg/cas"
	"github.com/wuxler/ruartifact/pkg/errdefs"
	"github.com/wuxler/ruartifact/pkg/repository"
	"github.com/wuxler/ruartifact/pkg/util/xio"
	"github.com/wuxler/ruartifact/pkg/xlog"
)

// materialize turns the item into a payload matching the repository kind
// and determines its checksum. The returned cleanup is never nil and must be
// called once the payload is stored.
func (o *Orchestrator) materialize(ctx context.Context, h *repository.Handle, item Item) (cas.Payload, digest.Digest, func(), error) {
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}
	fail := func(err error) (cas.Payload, digest.Digest, func(), error) {
		return nil, "", cleanup, err
	}

	payload := item.Payload
	dgst := item.Digest
	if item.Source != "" {
		if payload != nil {
			return fail(errdefs.Newf(errdefs.ErrInvalidParameter, "item has both a payload and a source"))
		}
		fi, err := h.Fs.Stat(item.Source)
		if err != nil {
			return fail(errdefs.NewE(errdefs.ErrNotFound, err))
		}
		if fi.IsDir() {
			payload = cas.TreePayload{Dir: item.Source}
		} else {
			f, err := h.Fs.Open(item.Source)
			if err != nil {
				return fail(errdefs.NewE(errdefs.ErrStorageIO, err))
			}
			cleanups = append(cleanups, func() { xio.CloseAndSkipError(f) })
			payload = cas.FilePayload{Reader: f}
			if dgst == "" && h.Repository.Kind == repository.KindFile {
				if dgst, err = o.sourceDigest(ctx, h.Fs, item.Source, fi); err != nil {
					return fail(err)
				}
			}
		}
	}
	if payload == nil {
		return fail(errdefs.Newf(errdefs.ErrInvalidParameter, "item without payload"))
	}

	if fp, ok := payload.(cas.FilePayload); ok && h.Repository.Kind == repository.KindTree {
		if h.Converter == nil {
			return fail(errdefs.Newf(errdefs.ErrInvalidParameter, "repository %s takes directory trees and has no conversion rule", h.Repository.Name))
		}
		scratch, err := afero.TempDir(h.Fs, cas.StagingDir(h.Repository.Path), "convert-")
		if err != nil {
			return fail(errdefs.NewE(errdefs.ErrStorageIO, err))
		}
		cleanups = append(cleanups, func() { removeScratch(ctx, h.Fs, scratch) })
		dst := filepath.Join(scratch, "tree")
		if err := h.Converter.Convert(ctx, fp.Reader, dst); err != nil {
			return fail(err)
		}
		payload = cas.TreePayload{Dir: dst}
	}

	switch p := payload.(type) {
	case cas.FilePayload:
		if h.Repository.Kind != repository.KindFile {
			return fail(errdefs.Newf(errdefs.ErrInvalidParameter, "repository %s takes %s", h.Repository.Name, h.Repository.Kind))
		}
		if p.Reader == nil {
			return fail(errdefs.Newf(errdefs.ErrInvalidParameter, "file payload without reader"))
		}
		if dgst != "" {
			break
		}
		spooled, spoolDigest, done, err := spool(ctx, h, p.Reader)
		cleanups = append(cleanups, done)
		if err != nil {
			return fail(err)
		}
		payload, dgst = spooled, spoolDigest
	case cas.TreePayload:
		if h.Repository.Kind != repository.KindTree {
			return fail(errdefs.Newf(errdefs.ErrInvalidParameter, "repository %s takes %s", h.Repository.Name, h.Repository.Kind))
		}
		if dgst != "" {
			break
		}
		var err error
		if dgst, err = cas.DigestTree(ctx, h.Fs, p.Dir); err != nil {
			return fail(err)
		}
	default:
		return fail(errdefs.Newf(errdefs.ErrUnsupported, "payload type %T", payload))
	}
	return payload, dgst, cleanup, nil
}

// sourceDigest returns the checksum of a source file. Retrying an install
// of an unchanged file does not hash it again.
func (o *Orchestrator) sourceDigest(ctx context.Context, fsys afero.Fs, path string, fi fs.FileInfo) (digest.Digest, error) {
	key := fmt.Sprintf("%s|%d|%d", path, fi.Size(), fi.ModTime().UnixNano())
	return o.digests.Load(ctx, key, func(context.Context, string) (digest.Digest, error) {
		dgst, err := cas.DigestFile(fsys, path)
		if err != nil {
			return "", errdefs.NewE(errdefs.ErrStorageIO, err)
		}
		return dgst, nil
	})
}

// spool copies a stream of unknown checksum into the staging directory of
// the repository while hashing it.
func spool(ctx context.Context, h *repository.Handle, r io.Reader) (cas.Payload, digest.Digest, func(), error) {
	f, err := afero.TempFile(h.Fs, cas.StagingDir(h.Repository.Path), "spool-*")
	if err != nil {
		return nil, "", func() {}, errdefs.NewE(errdefs.ErrStorageIO, err)
	}
	done := func() {
		xio.CloseAndSkipError(f)
		removeScratch(ctx, h.Fs, f.Name())
	}
	digester := cas.Algorithm.Digester()
	if _, err := io.Copy(io.MultiWriter(f, digester.Hash()), xio.NewContextReader(ctx, r)); err != nil {
		return nil, "", done, errdefs.NewE(errdefs.ErrStorageIO, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, "", done, errdefs.NewE(errdefs.ErrStorageIO, err)
	}
	return cas.FilePayload{Reader: f}, digester.Digest(), done, nil
}

func removeScratch(ctx context.Context, fsys afero.Fs, path string) {
	if err := cas.RemoveAll(fsys, path); err != nil {
		xlog.C(ctx).Warnf("unable to remove %s: %v", path, err)
	}
}
