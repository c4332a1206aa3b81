package gc_test

import (
	"context"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gomock "go.uber.org/mock/gomock"

	"github.com/wuxler/ruartifact/pkg/cas/mocks"
	"github.com/wuxler/ruartifact/pkg/errdefs"
	"github.com/wuxler/ruartifact/pkg/gc"
	"github.com/wuxler/ruartifact/pkg/tracker"
)

var (
	dgstA = digest.FromString("content-a")
	dgstB = digest.FromString("content-b")
	dgstC = digest.FromString("content-c")
)

// newTracker returns a tracker with artifact-1 active on dgstB and the
// unreferenced instance dgstA.
func newTracker(t *testing.T) *tracker.Tracker {
	t.Helper()
	ctx := context.Background()
	tr := tracker.New("files")
	require.NoError(t, tr.Register(ctx, "artifact-1", dgstA, "/a"))
	require.NoError(t, tr.Register(ctx, "artifact-1", dgstB, "/b"))
	require.NoError(t, tr.AddReference(ctx, "artifact-1", dgstB, tracker.RefActive))
	_, err := tr.SetActive(ctx, "artifact-1", dgstB)
	require.NoError(t, err)
	return tr
}

func collect(ctx context.Context, c *gc.Collector, tr *tracker.Tracker, artifact string) ([]digest.Digest, error) {
	var removed []digest.Digest
	err := tr.Update(ctx, artifact, func(tx *tracker.Txn) error {
		var err error
		removed, err = c.Collect(ctx, tx)
		return err
	})
	return removed, err
}

func TestCollect(t *testing.T) {
	ctx := context.Background()
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	store := mocks.NewMockStorage(mockCtrl)
	store.EXPECT().Remove(gomock.Any(), dgstA).Return(nil).Times(1)

	tr := newTracker(t)
	c := gc.New(store)

	removed, err := collect(ctx, c, tr, "artifact-1")
	require.NoError(t, err)
	assert.Equal(t, []digest.Digest{dgstA}, removed)

	a, err := tr.Get("artifact-1")
	require.NoError(t, err)
	require.Len(t, a.Instances, 1)
	assert.Equal(t, dgstB, a.Instances[0].Checksum)

	// redundant collection is a no-op
	removed, err = collect(ctx, c, tr, "artifact-1")
	require.NoError(t, err)
	assert.Empty(t, removed)
}

func TestCollect_ActiveWithoutReferences(t *testing.T) {
	ctx := context.Background()
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	store := mocks.NewMockStorage(mockCtrl)
	tr := newTracker(t)
	require.NoError(t, tr.RemoveReference(ctx, "artifact-1", dgstB, tracker.RefActive))

	_, err := collect(ctx, gc.New(store), tr, "artifact-1")
	require.ErrorIs(t, err, errdefs.ErrConsistency)

	// the artifact refuses further mutation and kept its instances
	require.ErrorIs(t, tr.AddReference(ctx, "artifact-1", dgstB, tracker.RefActive), errdefs.ErrConsistency)
	a, err := tr.Get("artifact-1")
	require.NoError(t, err)
	assert.Len(t, a.Instances, 2)
}

func TestCollect_RemoveFailureKeepsInstance(t *testing.T) {
	ctx := context.Background()
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	store := mocks.NewMockStorage(mockCtrl)
	store.EXPECT().Remove(gomock.Any(), dgstA).Return(errdefs.ErrStorageIO)

	tr := newTracker(t)
	removed, err := collect(ctx, gc.New(store), tr, "artifact-1")
	require.ErrorIs(t, err, errdefs.ErrStorageIO)
	assert.Empty(t, removed)

	a, err := tr.Get("artifact-1")
	require.NoError(t, err)
	assert.Len(t, a.Instances, 2)
	assert.NoError(t, tr.Poisoned("artifact-1"))
}

func TestCollect_Isolation(t *testing.T) {
	ctx := context.Background()
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	store := mocks.NewMockStorage(mockCtrl)
	store.EXPECT().Remove(gomock.Any(), dgstA).Return(nil)

	tr := newTracker(t)
	require.NoError(t, tr.Register(ctx, "artifact-2", dgstC, "/c"))

	_, err := collect(ctx, gc.New(store), tr, "artifact-1")
	require.NoError(t, err)

	a, err := tr.Get("artifact-2")
	require.NoError(t, err)
	assert.Len(t, a.Instances, 1)
}

func TestCollectAll(t *testing.T) {
	ctx := context.Background()
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	store := mocks.NewMockStorage(mockCtrl)
	store.EXPECT().Remove(gomock.Any(), dgstA).Return(nil)
	store.EXPECT().Remove(gomock.Any(), dgstC).Return(nil)

	tr := newTracker(t)
	require.NoError(t, tr.Register(ctx, "artifact-2", dgstC, "/c"))

	removed, err := gc.New(store).CollectAll(ctx, tr)
	require.NoError(t, err)
	assert.Equal(t, map[string][]digest.Digest{
		"artifact-1": {dgstA},
		"artifact-2": {dgstC},
	}, removed)
}

func TestCollectOrphans(t *testing.T) {
	ctx := context.Background()
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	orphan := digest.FromString("orphan")
	store := mocks.NewMockStorage(mockCtrl)
	store.EXPECT().List(gomock.Any()).Return([]digest.Digest{dgstA, dgstB, orphan}, nil)
	store.EXPECT().Remove(gomock.Any(), orphan).Return(nil)

	tr := newTracker(t)
	removed, err := gc.New(store).CollectOrphans(ctx, tr)
	require.NoError(t, err)
	assert.Equal(t, []digest.Digest{orphan}, removed)
}
