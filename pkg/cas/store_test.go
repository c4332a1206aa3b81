package cas_test

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wuxler/ruartifact/pkg/cas"
	"github.com/wuxler/ruartifact/pkg/errdefs"
)

func newTestStore(t *testing.T) (*cas.Store, afero.Fs, string) {
	t.Helper()
	fsys := afero.NewOsFs()
	root := t.TempDir()
	store, err := cas.NewStore(fsys, root)
	require.NoError(t, err)
	return store, fsys, root
}

func writeTree(t *testing.T, dir string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "run.sh"), []byte("#!/bin/sh\n"), 0o755))
	require.NoError(t, os.Symlink("sub/run.sh", filepath.Join(dir, "run")))
}

func TestStore_Layout(t *testing.T) {
	store, _, root := newTestStore(t)
	for _, name := range []string{"objects", "tmp", "trash"} {
		assert.DirExists(t, filepath.Join(root, cas.MetaDirName, name))
	}
	dgst := digest.FromString("x")
	assert.Equal(t, filepath.Join(root, ".ruartifact", "objects", "sha256", dgst.Encoded()), store.Path(dgst))
	assert.Equal(t, root, store.Root())
}

func TestStore_PutFile(t *testing.T) {
	ctx := context.Background()
	store, _, root := newTestStore(t)

	content := []byte("firmware v1")
	dgst := digest.FromBytes(content)

	ok, err := store.Contains(ctx, dgst)
	require.NoError(t, err)
	assert.False(t, ok)

	path, err := store.Put(ctx, dgst, cas.FilePayload{Reader: bytes.NewReader(content)})
	require.NoError(t, err)
	assert.Equal(t, store.Path(dgst), path)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	ok, err = store.Contains(ctx, dgst)
	require.NoError(t, err)
	assert.True(t, ok)

	desc, err := store.Stat(ctx, dgst)
	require.NoError(t, err)
	assert.Equal(t, cas.MediaTypeFile, desc.MediaType)
	assert.Equal(t, int64(len(content)), desc.Size)
	assert.Equal(t, path, desc.Annotations[cas.AnnotationPath])

	// storing the same digest again leaves the entry untouched
	again, err := store.Put(ctx, dgst, cas.FilePayload{Reader: strings.NewReader("ignored")})
	require.NoError(t, err)
	assert.Equal(t, path, again)

	entries, err := os.ReadDir(filepath.Join(root, cas.MetaDirName, "tmp"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStore_PutFile_DigestMismatch(t *testing.T) {
	ctx := context.Background()
	store, _, root := newTestStore(t)

	dgst := digest.FromString("expected")
	_, err := store.Put(ctx, dgst, cas.FilePayload{Reader: strings.NewReader("actual")})
	require.ErrorIs(t, err, errdefs.ErrInvalidParameter)

	assert.NoFileExists(t, store.Path(dgst))
	entries, err := os.ReadDir(filepath.Join(root, cas.MetaDirName, "tmp"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStore_Put_InvalidDigest(t *testing.T) {
	store, _, _ := newTestStore(t)
	_, err := store.Put(context.Background(), "sha256:nothex", cas.FilePayload{Reader: strings.NewReader("")})
	assert.ErrorIs(t, err, errdefs.ErrInvalidParameter)
}

func TestStore_Put_Canceled(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dgst := digest.FromString("data")
	_, err := store.Put(ctx, dgst, cas.FilePayload{Reader: strings.NewReader("data")})
	require.ErrorIs(t, err, errdefs.ErrCanceled)
	assert.NoFileExists(t, store.Path(dgst))
}

func TestStore_PutTree(t *testing.T) {
	ctx := context.Background()
	store, fsys, _ := newTestStore(t)

	src := t.TempDir()
	writeTree(t, src)
	dgst, err := cas.DigestTree(ctx, fsys, src)
	require.NoError(t, err)

	path, err := store.Put(ctx, dgst, cas.TreePayload{Dir: src})
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(path, "sub", "run.sh"))
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\n", string(got))

	fi, err := os.Stat(filepath.Join(path, "sub", "run.sh"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), fi.Mode().Perm())

	target, err := os.Readlink(filepath.Join(path, "run"))
	require.NoError(t, err)
	assert.Equal(t, "sub/run.sh", target)

	stored, err := cas.DigestTree(ctx, fsys, path)
	require.NoError(t, err)
	assert.Equal(t, dgst, stored)

	desc, err := store.Stat(ctx, dgst)
	require.NoError(t, err)
	assert.Equal(t, cas.MediaTypeTree, desc.MediaType)
	assert.Equal(t, int64(len("a")+len("#!/bin/sh\n")), desc.Size)
}

func TestDigestTree_Sensitivity(t *testing.T) {
	ctx := context.Background()
	fsys := afero.NewOsFs()

	dir := t.TempDir()
	writeTree(t, dir)
	base, err := cas.DigestTree(ctx, fsys, dir)
	require.NoError(t, err)

	// the name and mode of the root itself do not count
	require.NoError(t, os.Chmod(dir, 0o700))
	same, err := cas.DigestTree(ctx, fsys, dir)
	require.NoError(t, err)
	assert.Equal(t, base, same)

	require.NoError(t, os.Chmod(filepath.Join(dir, "a.txt"), 0o600))
	changed, err := cas.DigestTree(ctx, fsys, dir)
	require.NoError(t, err)
	assert.NotEqual(t, base, changed)
}

func TestStore_Remove_OpenHandleSurvives(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t)

	content := []byte("still readable")
	dgst := digest.FromBytes(content)
	path, err := store.Put(ctx, dgst, cas.FilePayload{Reader: bytes.NewReader(content)})
	require.NoError(t, err)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, store.Remove(ctx, dgst))
	assert.NoFileExists(t, path)

	got, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	// removing twice is a no-op
	require.NoError(t, store.Remove(ctx, dgst))
}

func TestStore_Remove_ReadOnlyTree(t *testing.T) {
	ctx := context.Background()
	store, fsys, root := newTestStore(t)

	src := t.TempDir()
	writeTree(t, src)
	require.NoError(t, os.Chmod(filepath.Join(src, "sub"), 0o555))
	t.Cleanup(func() { _ = os.Chmod(filepath.Join(src, "sub"), 0o755) })

	dgst, err := cas.DigestTree(ctx, fsys, src)
	require.NoError(t, err)
	_, err = store.Put(ctx, dgst, cas.TreePayload{Dir: src})
	require.NoError(t, err)

	require.NoError(t, store.Remove(ctx, dgst))
	assert.NoDirExists(t, store.Path(dgst))
	entries, err := os.ReadDir(filepath.Join(root, cas.MetaDirName, "trash"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStore_ListAndSweep(t *testing.T) {
	ctx := context.Background()
	store, _, root := newTestStore(t)

	var want []digest.Digest
	for _, s := range []string{"one", "two"} {
		dgst := digest.FromString(s)
		_, err := store.Put(ctx, dgst, cas.FilePayload{Reader: strings.NewReader(s)})
		require.NoError(t, err)
		want = append(want, dgst)
	}
	// garbage which is not a digest
	require.NoError(t, os.WriteFile(filepath.Join(root, cas.MetaDirName, "objects", "sha256", "junk"), nil, 0o644))

	got, err := store.List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, want, got)

	leftover := filepath.Join(root, cas.MetaDirName, "tmp", "interrupted")
	require.NoError(t, os.MkdirAll(leftover, 0o755))
	require.NoError(t, store.Sweep(ctx))
	assert.NoDirExists(t, leftover)
}

func TestParsePath(t *testing.T) {
	store, _, root := newTestStore(t)
	dgst := digest.FromString("x")

	got, err := cas.ParsePath(root, store.Path(dgst))
	require.NoError(t, err)
	assert.Equal(t, dgst, got)

	for _, path := range []string{
		filepath.Join(root, "artifact-1"),
		filepath.Join(root, cas.MetaDirName, "objects", "sha256"),
		filepath.Join(root, cas.MetaDirName, "objects", "sha256", "nothex"),
		filepath.Join(root, cas.MetaDirName, "objects", "sha256", dgst.Encoded(), "nested"),
	} {
		_, err := cas.ParsePath(root, path)
		assert.ErrorIs(t, err, errdefs.ErrInvalidParameter, path)
	}
	assert.Equal(t, filepath.Join(root, cas.MetaDirName, "tmp"), cas.StagingDir(root))
}

func TestStore_ReadOnly(t *testing.T) {
	ctx := context.Background()
	store, fsys, root := newTestStore(t)
	dgst := digest.FromString("content-a")
	_, err := store.Put(ctx, dgst, cas.FilePayload{Reader: strings.NewReader("content-a")})
	require.NoError(t, err)

	ro, err := cas.NewStore(fsys, root, cas.ReadOnly())
	require.NoError(t, err)
	ok, err := ro.Contains(ctx, dgst)
	require.NoError(t, err)
	assert.True(t, ok)
	desc, err := ro.Stat(ctx, dgst)
	require.NoError(t, err)
	assert.Equal(t, cas.MediaTypeFile, desc.MediaType)
	assert.Equal(t, int64(len("content-a")), desc.Size)

	other := digest.FromString("content-b")
	_, err = ro.Put(ctx, other, cas.FilePayload{Reader: strings.NewReader("content-b")})
	assert.ErrorIs(t, err, errdefs.ErrUnsupported)
	assert.ErrorIs(t, ro.Remove(ctx, dgst), errdefs.ErrUnsupported)
	assert.ErrorIs(t, ro.Sweep(ctx), errdefs.ErrUnsupported)

	// the layout is not created below a missing root
	missing := filepath.Join(t.TempDir(), "missing")
	_, err = cas.NewStore(fsys, missing, cas.ReadOnly())
	require.NoError(t, err)
	assert.NoDirExists(t, missing)
}
