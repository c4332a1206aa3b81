package cas

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/opencontainers/go-digest"
	imgspecv1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/spf13/afero"

	"github.com/wuxler/ruartifact/pkg/errdefs"
	"github.com/wuxler/ruartifact/pkg/util/xcontext"
	"github.com/wuxler/ruartifact/pkg/util/xio"
	"github.com/wuxler/ruartifact/pkg/util/xos"
	"github.com/wuxler/ruartifact/pkg/xlog"
)

const (
	objectsDirName = "objects"
	tmpDirName     = "tmp"
	trashDirName   = "trash"

	// AnnotationPath is the descriptor annotation carrying the storage path.
	AnnotationPath = "io.github.wuxler.ruartifact.path"
)

var _ Storage = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used to measure write throughput.
func WithClock(clk clock.Clock) Option {
	return func(s *Store) {
		s.clock = clk
	}
}

// ReadOnly opens the store for inspection only. The layout is not created
// and every modification fails with errdefs.ErrUnsupported.
func ReadOnly() Option {
	return func(s *Store) {
		s.readOnly = true
	}
}

// NewStore creates the store layout below root on fsys:
//
//	{root}/.ruartifact/objects/{algorithm}/{encoded}  committed entries
//	{root}/.ruartifact/tmp/                           staged writes
//	{root}/.ruartifact/trash/                         entries being removed
func NewStore(fsys afero.Fs, root string, opts ...Option) (*Store, error) {
	s := &Store{fs: fsys, root: filepath.Clean(root), clock: clock.New()}
	for _, apply := range opts {
		apply(s)
	}
	if s.readOnly {
		return s, nil
	}
	for _, dir := range []string{s.objectsDir(), s.tmpDir(), s.trashDir()} {
		if err := fsys.MkdirAll(dir, 0o755); err != nil {
			return nil, errdefs.NewE(errdefs.ErrStorageIO, err)
		}
	}
	if _, ok := fsys.(*afero.OsFs); ok {
		keeps, name, err := xos.UnlinkKeepsOpenData(s.root)
		if err != nil {
			xlog.Warnf("unable to inspect filesystem of %s: %v", s.root, err)
		} else if !keeps {
			xlog.Warnf("filesystem %s of %s may not keep removed instances readable for open handles", name, s.root)
		}
	}
	return s, nil
}

// Store is a Storage on an afero filesystem.
type Store struct {
	fs       afero.Fs
	root     string
	clock    clock.Clock
	readOnly bool
}

func (s *Store) checkWritable() error {
	if s.readOnly {
		return errdefs.Newf(errdefs.ErrUnsupported, "store %s is read-only", s.root)
	}
	return nil
}

func (s *Store) metaDir(elems ...string) string {
	return filepath.Join(append([]string{s.root, MetaDirName}, elems...)...)
}

func (s *Store) objectsDir() string { return s.metaDir(objectsDirName) }
func (s *Store) tmpDir() string     { return StagingDir(s.root) }
func (s *Store) trashDir() string   { return s.metaDir(trashDirName) }

// Root returns the repository root the store lives in.
func (s *Store) Root() string { return s.root }

// Path returns {root}/.ruartifact/objects/{algorithm}/{encoded}. The path
// only depends on dgst.
func (s *Store) Path(dgst digest.Digest) string {
	return filepath.Join(s.objectsDir(), dgst.Algorithm().String(), dgst.Encoded())
}

// Contains reports whether an entry for dgst exists.
func (s *Store) Contains(_ context.Context, dgst digest.Digest) (bool, error) {
	if err := dgst.Validate(); err != nil {
		return false, errdefs.Newf(errdefs.ErrInvalidParameter, "invalid digest %q: %v", dgst, err)
	}
	ok, err := xos.Exists(s.fs, s.Path(dgst))
	if err != nil {
		return false, errdefs.NewE(errdefs.ErrStorageIO, err)
	}
	return ok, nil
}

// Stat returns the descriptor of the entry for dgst, its size is the sum of
// all regular file sizes for trees.
func (s *Store) Stat(ctx context.Context, dgst digest.Digest) (imgspecv1.Descriptor, error) {
	path := s.Path(dgst)
	fi, err := xos.Lstat(s.fs, path)
	if errors.Is(err, fs.ErrNotExist) {
		return imgspecv1.Descriptor{}, errdefs.Newf(errdefs.ErrNotFound, "instance %s", dgst)
	}
	if err != nil {
		return imgspecv1.Descriptor{}, errdefs.NewE(errdefs.ErrStorageIO, err)
	}
	desc := imgspecv1.Descriptor{
		MediaType: MediaTypeFile,
		Digest:    dgst,
		Size:      fi.Size(),
		Annotations: map[string]string{
			imgspecv1.AnnotationCreated: fi.ModTime().UTC().Format(time.RFC3339),
			AnnotationPath:              path,
		},
	}
	if fi.IsDir() {
		desc.MediaType = MediaTypeTree
		desc.Size = 0
		err = afero.Walk(s.fs, path, func(_ string, info fs.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if err := xcontext.NonBlockingCheck(ctx); err != nil {
				return err
			}
			if info.Mode().IsRegular() {
				desc.Size += info.Size()
			}
			return nil
		})
		if err != nil {
			return imgspecv1.Descriptor{}, errdefs.NewE(errdefs.ErrStorageIO, err)
		}
	}
	return desc, nil
}

// Put stores payload under dgst. The data is staged, verified against dgst
// and renamed into place, a failure leaves nothing behind.
func (s *Store) Put(ctx context.Context, dgst digest.Digest, payload Payload) (string, error) {
	if err := s.checkWritable(); err != nil {
		return "", err
	}
	if err := dgst.Validate(); err != nil {
		return "", errdefs.Newf(errdefs.ErrInvalidParameter, "invalid digest %q: %v", dgst, err)
	}
	logger := xlog.C(ctx).With("digest", dgst.String())
	path := s.Path(dgst)
	exists, err := xos.Exists(s.fs, path)
	if err != nil {
		return "", errdefs.NewE(errdefs.ErrStorageIO, err)
	}
	if exists {
		logger.Debugf("instance already stored at %s", path)
		return path, nil
	}
	if err := xcontext.NonBlockingCheck(ctx, "storing "+dgst.String()); err != nil {
		return "", err
	}

	var staged string
	switch p := payload.(type) {
	case FilePayload:
		staged, err = s.stageFile(ctx, dgst, p.Reader)
	case TreePayload:
		staged, err = s.stageTree(ctx, dgst, p.Dir)
	default:
		err = errdefs.Newf(errdefs.ErrUnsupported, "payload type %T", payload)
	}
	if err != nil {
		return "", err
	}
	if err := s.commit(staged, path); err != nil {
		return "", err
	}
	logger.Infof("stored %s instance at %s", payload.MediaType(), path)
	return path, nil
}

func (s *Store) stageFile(ctx context.Context, dgst digest.Digest, r io.Reader) (string, error) {
	if r == nil {
		return "", errdefs.Newf(errdefs.ErrInvalidParameter, "file payload without reader")
	}
	f, err := afero.TempFile(s.fs, s.tmpDir(), dgst.Encoded()+"-*")
	if err != nil {
		return "", errdefs.NewE(errdefs.ErrStorageIO, err)
	}
	staged := f.Name()
	digester := dgst.Algorithm().Digester()
	w := xio.NewMeasuredWriter(io.MultiWriter(f, digester.Hash()), s.clock)
	_, err = io.Copy(w, xio.NewContextReader(ctx, r))
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = s.fs.Chmod(staged, 0o644)
	}
	if err != nil {
		s.discard(staged)
		return "", wrapIOError(err)
	}
	if got := digester.Digest(); got != dgst {
		s.discard(staged)
		return "", errdefs.Newf(errdefs.ErrInvalidParameter, "digest mismatch (%s != %s)", got, dgst)
	}
	xlog.C(ctx).Debugf("staged %d bytes in %s (%.0f B/s)", w.Total(), w.Elapsed(), w.BytesPerSecond())
	return staged, nil
}

func (s *Store) stageTree(ctx context.Context, dgst digest.Digest, src string) (string, error) {
	fi, err := s.fs.Stat(src)
	if err != nil {
		return "", errdefs.NewE(errdefs.ErrStorageIO, err)
	}
	if !fi.IsDir() {
		return "", errdefs.Newf(errdefs.ErrInvalidParameter, "tree payload %s is not a directory", src)
	}
	staged, err := afero.TempDir(s.fs, s.tmpDir(), dgst.Encoded()+"-*")
	if err != nil {
		return "", errdefs.NewE(errdefs.ErrStorageIO, err)
	}
	if err := copyTree(ctx, s.fs, src, staged); err != nil {
		s.discard(staged)
		return "", wrapIOError(err)
	}
	got, err := DigestTree(ctx, s.fs, staged)
	if err != nil {
		s.discard(staged)
		return "", wrapIOError(err)
	}
	if got != dgst {
		s.discard(staged)
		return "", errdefs.Newf(errdefs.ErrInvalidParameter, "digest mismatch (%s != %s)", got, dgst)
	}
	return staged, nil
}

// commit renames a staged entry into place. Losing the race against a
// concurrent Put of the same digest is fine, the entries are identical.
func (s *Store) commit(staged, path string) error {
	parent := filepath.Dir(path)
	if err := s.fs.MkdirAll(parent, 0o755); err != nil {
		s.discard(staged)
		return errdefs.NewE(errdefs.ErrStorageIO, err)
	}
	if err := s.fs.Rename(staged, path); err != nil {
		s.discard(staged)
		if ok, _ := xos.Exists(s.fs, path); ok {
			return nil
		}
		return errdefs.NewE(errdefs.ErrStorageIO, err)
	}
	if err := xos.SyncDir(s.fs, parent); err != nil {
		return errdefs.NewE(errdefs.ErrStorageIO, err)
	}
	return nil
}

func (s *Store) discard(path string) {
	if err := RemoveAll(s.fs, path); err != nil {
		xlog.Warnf("unable to discard staged entry %s: %v", path, err)
	}
}

// Remove detaches the entry for dgst by renaming it into the trash and then
// deletes it. Handles opened before keep reading the old data, and a later
// Put of the same digest starts from scratch.
func (s *Store) Remove(ctx context.Context, dgst digest.Digest) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	path := s.Path(dgst)
	exists, err := xos.Exists(s.fs, path)
	if err != nil {
		return errdefs.NewE(errdefs.ErrStorageIO, err)
	}
	if !exists {
		return nil
	}
	hold, err := afero.TempDir(s.fs, s.trashDir(), dgst.Encoded()+"-*")
	if err != nil {
		return errdefs.NewE(errdefs.ErrStorageIO, err)
	}
	if err := s.fs.Rename(path, filepath.Join(hold, "entry")); err != nil {
		_ = s.fs.Remove(hold)
		return errdefs.NewE(errdefs.ErrStorageIO, err)
	}
	if err := xos.SyncDir(s.fs, filepath.Dir(path)); err != nil {
		xlog.C(ctx).Warnf("unable to sync %s: %v", filepath.Dir(path), err)
	}
	if err := RemoveAll(s.fs, hold); err != nil {
		xlog.C(ctx).Warnf("instance %s left in trash: %v", dgst, err)
	}
	xlog.C(ctx).Infof("removed instance %s", dgst)
	return nil
}

// List enumerates the digests of all committed entries. Names which are not
// valid digests are skipped.
func (s *Store) List(ctx context.Context) ([]digest.Digest, error) {
	algs, err := afero.ReadDir(s.fs, s.objectsDir())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, errdefs.NewE(errdefs.ErrStorageIO, err)
	}
	var digests []digest.Digest
	for _, alg := range algs {
		if !alg.IsDir() {
			continue
		}
		entries, err := afero.ReadDir(s.fs, filepath.Join(s.objectsDir(), alg.Name()))
		if err != nil {
			return nil, errdefs.NewE(errdefs.ErrStorageIO, err)
		}
		for _, entry := range entries {
			dgst := digest.NewDigestFromEncoded(digest.Algorithm(alg.Name()), entry.Name())
			if err := dgst.Validate(); err != nil {
				xlog.C(ctx).Warnf("skipping unknown store entry %s/%s: %v", alg.Name(), entry.Name(), err)
				continue
			}
			digests = append(digests, dgst)
		}
	}
	return digests, nil
}

// Sweep deletes leftovers of interrupted writes and removals. It must only
// run while no Put or Remove is in flight.
func (s *Store) Sweep(ctx context.Context) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	var errs []error
	for _, dir := range []string{s.tmpDir(), s.trashDir()} {
		if xos.IsEmptyDir(s.fs, dir) {
			continue
		}
		entries, err := afero.ReadDir(s.fs, dir)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, entry := range entries {
			if err := RemoveAll(s.fs, filepath.Join(dir, entry.Name())); err != nil {
				errs = append(errs, err)
				continue
			}
			xlog.C(ctx).Debugf("swept %s", filepath.Join(filepath.Base(dir), entry.Name()))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return errdefs.NewE(errdefs.ErrStorageIO, err)
	}
	return nil
}

func wrapIOError(err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return errdefs.NewE(errdefs.ErrCanceled, err)
	case errors.Is(err, errdefs.ErrInvalidParameter), errors.Is(err, errdefs.ErrUnsupported):
		return err
	}
	return errdefs.NewE(errdefs.ErrStorageIO, err)
}

// StagingDir returns the directory below root for data on its way into the
// store. It lives on the same filesystem as the objects and is swept on
// startup.
func StagingDir(root string) string {
	return filepath.Join(root, MetaDirName, tmpDirName)
}

// ParsePath returns the digest of the entry stored at path in the store
// below root.
func ParsePath(root, path string) (digest.Digest, error) {
	objects := filepath.Join(filepath.Clean(root), MetaDirName, objectsDirName)
	rel, err := filepath.Rel(objects, filepath.Clean(path))
	if err != nil {
		return "", errdefs.Newf(errdefs.ErrInvalidParameter, "path %s is not in store %s", path, root)
	}
	alg, encoded := filepath.Split(filepath.ToSlash(rel))
	alg = strings.TrimSuffix(filepath.ToSlash(alg), "/")
	if alg == "" || strings.Contains(alg, "/") || strings.HasPrefix(alg, "..") {
		return "", errdefs.Newf(errdefs.ErrInvalidParameter, "path %s is not in store %s", path, root)
	}
	dgst := digest.NewDigestFromEncoded(digest.Algorithm(alg), encoded)
	if err := dgst.Validate(); err != nil {
		return "", errdefs.Newf(errdefs.ErrInvalidParameter, "path %s: %v", path, err)
	}
	return dgst, nil
}
