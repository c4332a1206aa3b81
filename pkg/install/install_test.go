package install_test

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gomock "go.uber.org/mock/gomock"

	"github.com/wuxler/ruartifact/pkg/activation"
	"github.com/wuxler/ruartifact/pkg/cas"
	"github.com/wuxler/ruartifact/pkg/cas/mocks"
	"github.com/wuxler/ruartifact/pkg/convert"
	"github.com/wuxler/ruartifact/pkg/errdefs"
	"github.com/wuxler/ruartifact/pkg/gc"
	"github.com/wuxler/ruartifact/pkg/install"
	"github.com/wuxler/ruartifact/pkg/repository"
	"github.com/wuxler/ruartifact/pkg/tracker"
	"github.com/wuxler/ruartifact/pkg/util/xcache"
)

type fixture struct {
	manager *repository.Manager
	runDir  string
	files   string
	trees   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	base := t.TempDir()
	f := &fixture{
		runDir: filepath.Join(base, "run"),
		files:  filepath.Join(base, "repos", "files"),
		trees:  filepath.Join(base, "repos", "trees"),
	}
	m, err := repository.Open(context.Background(), []repository.Repository{
		{Name: "files", Path: f.files, Kind: repository.KindFile},
		{Name: "trees", Path: f.trees, Kind: repository.KindTree, Convert: convert.RuleTarExtract},
	}, repository.WithRunDir(f.runDir), repository.WithCompatible("Test Config"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	f.manager = m
	return f
}

func fileItem(repo, artifact, content string) install.Item {
	return install.Item{
		Repository: repo,
		Artifact:   artifact,
		Payload:    cas.FilePayload{Reader: strings.NewReader(content)},
	}
}

func treeItem(t *testing.T, repo, artifact string, files map[string]string) install.Item {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.MkdirAll(filepath.Dir(filepath.Join(dir, name)), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return install.Item{Repository: repo, Artifact: artifact, Payload: cas.TreePayload{Dir: dir}}
}

func mustInstall(t *testing.T, o *install.Orchestrator, items ...install.Item) *install.Result {
	t.Helper()
	result, err := o.Install(context.Background(), install.Transaction{Items: items})
	require.NoError(t, err)
	require.NoError(t, result.Err())
	return result
}

func readArtifact(t *testing.T, f *fixture, repo, artifact string) string {
	t.Helper()
	content, err := os.ReadFile(filepath.Join(f.runDir, "artifacts", repo, artifact))
	require.NoError(t, err)
	return string(content)
}

func artifactStatus(t *testing.T, f *fixture, repo, artifact string) *tracker.Artifact {
	t.Helper()
	status := f.manager.Status()
	rs := status.Repository(repo)
	require.NotNil(t, rs)
	return rs.Artifact(artifact)
}

func TestInstall_ScenarioA(t *testing.T) {
	f := newFixture(t)
	o := install.New(f.manager)
	result := mustInstall(t, o, fileItem("files", "artifact-1", "content-a"))
	require.Len(t, result.Items, 1)
	assert.Equal(t, digest.FromString("content-a"), result.Items[0].Digest)
	assert.Empty(t, result.Items[0].Previous)

	a := artifactStatus(t, f, "files", "artifact-1")
	require.NotNil(t, a)
	require.Len(t, a.Instances, 1)
	assert.Equal(t, digest.FromString("content-a"), a.Instances[0].Checksum)
	assert.Equal(t, []string{tracker.RefActive}, a.Instances[0].References)
	assert.Equal(t, a.Instances[0].Checksum, a.Active)
	assert.Equal(t, cas.MediaTypeFile, a.Instances[0].MediaType)
	assert.Equal(t, int64(len("content-a")), a.Instances[0].Size)

	assert.Equal(t, "content-a", readArtifact(t, f, "files", "artifact-1"))
	content, err := os.ReadFile(filepath.Join(f.files, "artifact-1"))
	require.NoError(t, err)
	assert.Equal(t, "content-a", string(content))
}

func TestInstall_ScenarioB(t *testing.T) {
	f := newFixture(t)
	o := install.New(f.manager)
	first := mustInstall(t, o, fileItem("files", "artifact-1", "content-a"))
	second := mustInstall(t, o, fileItem("files", "artifact-1", "content-b"))

	assert.Equal(t, first.Items[0].Digest, second.Items[0].Previous)
	assert.Equal(t, []digest.Digest{first.Items[0].Digest}, second.Items[0].Collected)
	assert.NoFileExists(t, first.Items[0].Path)

	a := artifactStatus(t, f, "files", "artifact-1")
	require.Len(t, a.Instances, 1)
	assert.Equal(t, digest.FromString("content-b"), a.Instances[0].Checksum)
	assert.Equal(t, []string{tracker.RefActive}, a.Instances[0].References)
	assert.Equal(t, "content-b", readArtifact(t, f, "files", "artifact-1"))
}

func TestInstall_ScenarioC(t *testing.T) {
	f := newFixture(t)
	o := install.New(f.manager)
	mustInstall(t, o, fileItem("files", "artifact-1", "content-a"))
	before := artifactStatus(t, f, "files", "artifact-1")

	mustInstall(t, o, fileItem("files", "artifact-2", "content-b"))

	assert.Equal(t, before, artifactStatus(t, f, "files", "artifact-1"))
	assert.Equal(t, "content-a", readArtifact(t, f, "files", "artifact-1"))
	assert.Equal(t, "content-b", readArtifact(t, f, "files", "artifact-2"))
	status := f.manager.Status()
	assert.Len(t, status.Repository("files").Artifacts, 2)
}

func TestInstall_ScenarioD(t *testing.T) {
	f := newFixture(t)
	o := install.New(f.manager)
	mustInstall(t, o, treeItem(t, "trees", "artifact-1", map[string]string{"file-a": "a"}))
	assert.FileExists(t, filepath.Join(f.runDir, "artifacts", "trees", "artifact-1", "file-a"))

	mustInstall(t, o, treeItem(t, "trees", "artifact-1", map[string]string{"file-b": "b"}))
	assert.NoFileExists(t, filepath.Join(f.runDir, "artifacts", "trees", "artifact-1", "file-a"))
	assert.Equal(t, "b", readArtifact(t, f, "trees", "artifact-1/file-b"))

	a := artifactStatus(t, f, "trees", "artifact-1")
	assert.Len(t, a.Instances, 1)
}

func TestInstall_ScenarioE(t *testing.T) {
	f := newFixture(t)
	o := install.New(f.manager)
	mustInstall(t, o, fileItem("files", "artifact-1", "content-a"))
	filesBefore := artifactStatus(t, f, "files", "artifact-1")

	mustInstall(t, o, treeItem(t, "trees", "artifact-1", map[string]string{"file-a": "a"}))
	assert.Equal(t, filesBefore, artifactStatus(t, f, "files", "artifact-1"))
	treesBefore := artifactStatus(t, f, "trees", "artifact-1")

	mustInstall(t, o, fileItem("files", "artifact-1", "content-b"))
	assert.Equal(t, treesBefore, artifactStatus(t, f, "trees", "artifact-1"))
}

func TestInstall_Idempotent(t *testing.T) {
	f := newFixture(t)
	o := install.New(f.manager)
	first := mustInstall(t, o, fileItem("files", "artifact-1", "content-a"))
	second := mustInstall(t, o, fileItem("files", "artifact-1", "content-a"))

	assert.Equal(t, first.Items[0].Path, second.Items[0].Path)
	assert.Empty(t, second.Items[0].Collected)
	a := artifactStatus(t, f, "files", "artifact-1")
	require.Len(t, a.Instances, 1)
	assert.Equal(t, []string{tracker.RefActive}, a.Instances[0].References)
}

func TestInstall_SharedContent(t *testing.T) {
	f := newFixture(t)
	o := install.New(f.manager)
	mustInstall(t, o,
		fileItem("files", "artifact-1", "same"),
		fileItem("files", "artifact-2", "same"),
	)
	// replacing artifact-1 must keep the content of artifact-2
	mustInstall(t, o, fileItem("files", "artifact-1", "other"))
	assert.Equal(t, "same", readArtifact(t, f, "files", "artifact-2"))
}

func TestInstall_OpenHandleSurvives(t *testing.T) {
	f := newFixture(t)
	o := install.New(f.manager)
	mustInstall(t, o, fileItem("files", "artifact-1", "content-a"))

	fh, err := os.Open(filepath.Join(f.runDir, "artifacts", "files", "artifact-1"))
	require.NoError(t, err)
	defer fh.Close()

	result := mustInstall(t, o, fileItem("files", "artifact-1", "content-b"))
	require.Len(t, result.Items[0].Collected, 1)

	content, err := io.ReadAll(fh)
	require.NoError(t, err)
	assert.Equal(t, "content-a", string(content))
}

func TestInstall_TreeOpenHandleSurvives(t *testing.T) {
	f := newFixture(t)
	o := install.New(f.manager)
	mustInstall(t, o, treeItem(t, "trees", "artifact-1", map[string]string{"data/file-a": "old"}))

	fh, err := os.Open(filepath.Join(f.runDir, "artifacts", "trees", "artifact-1", "data", "file-a"))
	require.NoError(t, err)
	defer fh.Close()

	mustInstall(t, o, treeItem(t, "trees", "artifact-1", map[string]string{"data/file-a": "new"}))

	content, err := io.ReadAll(fh)
	require.NoError(t, err)
	assert.Equal(t, "old", string(content))
	assert.Equal(t, "new", readArtifact(t, f, "trees", "artifact-1/data/file-a"))
}

func TestInstall_Conversion(t *testing.T) {
	f := newFixture(t)
	o := install.New(f.manager)

	var archive bytes.Buffer
	gz := gzip.NewWriter(&archive)
	tw := tar.NewWriter(gz)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "bin/tool", Typeflag: tar.TypeReg, Mode: 0o755, Size: 4}))
	_, err := tw.Write([]byte("tool"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	mustInstall(t, o, install.Item{
		Repository: "trees",
		Artifact:   "artifact-1",
		Payload:    cas.FilePayload{Reader: &archive},
	})
	assert.Equal(t, "tool", readArtifact(t, f, "trees", "artifact-1/bin/tool"))

	entries, err := os.ReadDir(cas.StagingDir(f.trees))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestInstall_SourceWithDigestCache(t *testing.T) {
	f := newFixture(t)
	o := install.New(f.manager, install.WithDigestCache(xcache.NewMemory[digest.Digest](16, 0)))

	src := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, os.WriteFile(src, []byte("from source"), 0o644))

	for i := 0; i < 2; i++ {
		result := mustInstall(t, o, install.Item{Repository: "files", Artifact: "artifact-1", Source: src})
		assert.Equal(t, digest.FromString("from source"), result.Items[0].Digest)
	}
	assert.Equal(t, "from source", readArtifact(t, f, "files", "artifact-1"))
}

func TestInstall_ExternalReferences(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := install.New(f.manager)
	item := fileItem("files", "artifact-1", "content-a")
	item.References = []string{"manifest:main"}
	first := mustInstall(t, o, item)

	// the declared instance survives its replacement
	mustInstall(t, o, fileItem("files", "artifact-1", "content-b"))
	a := artifactStatus(t, f, "files", "artifact-1")
	require.Len(t, a.Instances, 2)
	assert.Equal(t, []string{"manifest:main"}, a.Instance(first.Items[0].Digest).References)

	require.NoError(t, f.manager.RemoveReference(ctx, "files", "artifact-1", first.Items[0].Digest, "manifest:main"))
	a = artifactStatus(t, f, "files", "artifact-1")
	assert.Len(t, a.Instances, 1)
	assert.NoFileExists(t, first.Items[0].Path)
}

func TestInstall_ItemIsolation(t *testing.T) {
	f := newFixture(t)
	o := install.New(f.manager)

	result, err := o.Install(context.Background(), install.Transaction{Items: []install.Item{
		fileItem("files", "artifact-1", "content-a"),
		fileItem("missing", "artifact-1", "content-a"),
		fileItem("trees", "artifact-2", "not a tar archive"),
	}})
	require.NoError(t, err)
	require.Len(t, result.Failed(), 2)

	assert.NoError(t, result.Items[0].Err)
	assert.Equal(t, "content-a", readArtifact(t, f, "files", "artifact-1"))

	var stepErr *errdefs.StepError
	require.ErrorAs(t, result.Items[1].Err, &stepErr)
	assert.Equal(t, "missing", stepErr.Repository)
	assert.Equal(t, errdefs.StepStore, stepErr.Step)
	assert.ErrorIs(t, result.Items[1].Err, errdefs.ErrNotFound)

	require.ErrorAs(t, result.Items[2].Err, &stepErr)
	assert.Equal(t, errdefs.StepConvert, stepErr.Step)
	assert.Nil(t, artifactStatus(t, f, "trees", "artifact-2"))
}

func TestInstall_AllOrNothing(t *testing.T) {
	f := newFixture(t)
	o := install.New(f.manager)

	result, err := o.Install(context.Background(), install.Transaction{
		AllOrNothing: true,
		Items: []install.Item{
			fileItem("files", "artifact-1", "content-a"),
			fileItem("files", "../bad", "content-b"),
		},
	})
	require.ErrorIs(t, err, errdefs.ErrCanceled)
	require.ErrorIs(t, err, errdefs.ErrInvalidParameter)
	assert.Len(t, result.Failed(), 2)

	_, err = f.manager.Resolve("files", "artifact-1")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)

	// the stored instance is kept unreferenced for a later collection
	a := artifactStatus(t, f, "files", "artifact-1")
	require.Len(t, a.Instances, 1)
	assert.Empty(t, a.Instances[0].References)
	assert.Empty(t, a.Active)

	results, err := f.manager.Collect(context.Background())
	require.NoError(t, err)
	assert.Len(t, results[0].Instances["artifact-1"], 1)
}

func TestInstall_Canceled(t *testing.T) {
	f := newFixture(t)
	o := install.New(f.manager)
	mustInstall(t, o, fileItem("files", "artifact-1", "content-a"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := o.Install(ctx, install.Transaction{Items: []install.Item{fileItem("files", "artifact-1", "content-b")}})
	require.ErrorIs(t, err, errdefs.ErrCanceled)
	assert.Equal(t, "content-a", readArtifact(t, f, "files", "artifact-1"))

	a := artifactStatus(t, f, "files", "artifact-1")
	require.Len(t, a.Instances, 1)
	assert.Equal(t, []string{tracker.RefActive}, a.Instances[0].References)
}

func TestInstall_InvalidTransaction(t *testing.T) {
	f := newFixture(t)
	o := install.New(f.manager)

	_, err := o.Install(context.Background(), install.Transaction{})
	assert.ErrorIs(t, err, errdefs.ErrInvalidParameter)

	_, err = o.Install(context.Background(), install.Transaction{Items: []install.Item{
		fileItem("files", "artifact-1", "a"),
		fileItem("files", "artifact-1", "b"),
	}})
	assert.ErrorIs(t, err, errdefs.ErrInvalidParameter)

	result, err := o.Install(context.Background(), install.Transaction{Items: []install.Item{
		treeItem(t, "files", "artifact-1", map[string]string{"x": "x"}),
	}})
	require.NoError(t, err)
	assert.ErrorIs(t, result.Err(), errdefs.ErrInvalidParameter)
}

func TestInstall_Progress(t *testing.T) {
	f := newFixture(t)
	var (
		mu      sync.Mutex
		updates []install.Progress
	)
	o := install.New(f.manager, install.WithProgress(func(p install.Progress) {
		mu.Lock()
		defer mu.Unlock()
		updates = append(updates, p)
	}))
	assert.Equal(t, install.Progress{}, o.Progress())

	mustInstall(t, o,
		fileItem("files", "artifact-1", "content-a"),
		fileItem("files", "artifact-2", "content-b"),
	)

	require.NotEmpty(t, updates)
	assert.Equal(t, install.Progress{Percentage: 0, Message: "Installing", Depth: 1}, updates[0])
	assert.Equal(t, install.Progress{Percentage: 100, Message: "Installing done.", Depth: 1}, updates[len(updates)-1])
	assert.Equal(t, updates[len(updates)-1], o.Progress())
	for i := 1; i < len(updates); i++ {
		assert.GreaterOrEqual(t, updates[i].Percentage, updates[i-1].Percentage)
	}

	_, err := o.Install(context.Background(), install.Transaction{Items: []install.Item{fileItem("missing", "x", "x")}})
	require.NoError(t, err)
	assert.Equal(t, install.Progress{Percentage: 100, Message: "Installing failed.", Depth: 1}, o.Progress())
}

type handles map[string]*repository.Handle

func (h handles) Get(name string) (*repository.Handle, error) {
	if handle, ok := h[name]; ok {
		return handle, nil
	}
	return nil, errdefs.Newf(errdefs.ErrNotFound, "repository %q", name)
}

func newHandle(t *testing.T, name string, store cas.Storage, opts ...activation.Option) *repository.Handle {
	t.Helper()
	root := t.TempDir()
	fsys := afero.NewOsFs()
	if store == nil {
		var err error
		store, err = cas.NewStore(fsys, root)
		require.NoError(t, err)
	}
	return &repository.Handle{
		Repository: repository.Repository{Name: name, Path: root, Kind: repository.KindFile},
		Fs:         fsys,
		Store:      store,
		Tracker:    tracker.New(name),
		Switch:     activation.New(fsys, root, opts...),
		Collector:  gc.New(store),
	}
}

func TestInstall_StoreFailure(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	dgst := digest.FromString("content-a")
	store := mocks.NewMockStorage(mockCtrl)
	store.EXPECT().Put(gomock.Any(), dgst, gomock.Any()).Return("", errdefs.ErrStorageIO)

	broken := newHandle(t, "broken", store)
	healthy := newHandle(t, "healthy", nil)
	o := install.New(handles{"broken": broken, "healthy": healthy})

	items := []install.Item{
		fileItem("broken", "artifact-1", "content-a"),
		fileItem("healthy", "artifact-1", "content-a"),
	}
	items[0].Digest = dgst
	result, err := o.Install(context.Background(), install.Transaction{Items: items})
	require.NoError(t, err)

	var stepErr *errdefs.StepError
	require.ErrorAs(t, result.Items[0].Err, &stepErr)
	assert.Equal(t, errdefs.StepStore, stepErr.Step)
	assert.ErrorIs(t, result.Items[0].Err, errdefs.ErrStorageIO)
	_, err = broken.Tracker.Get("artifact-1")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)

	assert.NoError(t, result.Items[1].Err)
	assert.Equal(t, dgst, healthy.Tracker.Active("artifact-1"))
}

type failingLinker struct{}

func (failingLinker) Relink(_, _ string) error { return errdefs.ErrStorageIO }

func TestInstall_PublishFailureKeepsPrevious(t *testing.T) {
	ctx := context.Background()
	h := newHandle(t, "files", nil)
	o := install.New(handles{"files": h})
	first := mustInstall(t, o, fileItem("files", "artifact-1", "content-a"))

	h.Switch = activation.New(h.Fs, h.Repository.Path, activation.WithLinker(failingLinker{}))
	result, err := o.Install(ctx, install.Transaction{Items: []install.Item{fileItem("files", "artifact-1", "content-b")}})
	require.NoError(t, err)

	var stepErr *errdefs.StepError
	require.ErrorAs(t, result.Items[0].Err, &stepErr)
	assert.Equal(t, errdefs.StepPublish, stepErr.Step)

	a, err := h.Tracker.Get("artifact-1")
	require.NoError(t, err)
	assert.Equal(t, first.Items[0].Digest, a.Active)
	require.Len(t, a.Instances, 2)
	assert.Equal(t, []string{tracker.RefActive}, a.Instance(first.Items[0].Digest).References)
	assert.Empty(t, a.Instance(digest.FromString("content-b")).References)

	content, err := os.ReadFile(h.Switch.LinkPath("artifact-1"))
	require.NoError(t, err)
	assert.Equal(t, "content-a", string(content))
}

// committedLinker replaces the link and then fails, like a directory sync
// error after the rename.
type committedLinker struct {
	activation.Linker
}

func (l committedLinker) Relink(target, link string) error {
	if err := l.Linker.Relink(target, link); err != nil {
		return err
	}
	return errdefs.NewE(errdefs.ErrStorageIO, errors.New("sync dir: input/output error"))
}

func TestInstall_RelinkErrorAfterCommit(t *testing.T) {
	h := newHandle(t, "files", nil)
	o := install.New(handles{"files": h})
	mustInstall(t, o, fileItem("files", "artifact-1", "content-a"))

	h.Switch = activation.New(h.Fs, h.Repository.Path, activation.WithLinker(committedLinker{activation.NewLinker(h.Fs)}))
	result := mustInstall(t, o, fileItem("files", "artifact-1", "content-b"))
	second := digest.FromString("content-b")
	assert.Equal(t, second, result.Items[0].Digest)
	assert.Equal(t, []digest.Digest{digest.FromString("content-a")}, result.Items[0].Collected)

	a, err := h.Tracker.Get("artifact-1")
	require.NoError(t, err)
	assert.Equal(t, second, a.Active)
	require.Len(t, a.Instances, 1)
	assert.Equal(t, []string{tracker.RefActive}, a.Instances[0].References)

	content, err := os.ReadFile(h.Switch.LinkPath("artifact-1"))
	require.NoError(t, err)
	assert.Equal(t, "content-b", string(content))
}

// TestInstall_ConcurrentSnapshots checks that status snapshots taken while
// an artifact is reinstalled always show exactly one referenced active
// instance.
func TestInstall_ConcurrentSnapshots(t *testing.T) {
	f := newFixture(t)
	o := install.New(f.manager)
	mustInstall(t, o, fileItem("files", "artifact-1", "content-0"))

	done := make(chan struct{})
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		problems []string
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				a := f.manager.Status().Repository("files").Artifact("artifact-1")
				var problem string
				switch {
				case a == nil:
					problem = "artifact missing"
				case a.Active == "":
					problem = "no active instance"
				case a.Instance(a.Active) == nil:
					problem = fmt.Sprintf("active instance %s not listed", a.Active)
				case !slices.Contains(a.Instance(a.Active).References, tracker.RefActive):
					problem = fmt.Sprintf("active instance %s is not referenced", a.Active)
				default:
					active := 0
					for _, inst := range a.Instances {
						if slices.Contains(inst.References, tracker.RefActive) {
							active++
						}
					}
					if active != 1 {
						problem = fmt.Sprintf("%d instances referenced as active", active)
					}
				}
				if problem != "" {
					mu.Lock()
					problems = append(problems, problem)
					mu.Unlock()
				}
			}
		}()
	}

	for i := 1; i <= 20; i++ {
		mustInstall(t, o, fileItem("files", "artifact-1", fmt.Sprintf("content-%d", i)))
		assert.Equal(t, fmt.Sprintf("content-%d", i), readArtifact(t, f, "files", "artifact-1"))
	}
	close(done)
	wg.Wait()
	assert.Empty(t, problems)
}

func TestInstall_CollectFailureIsNotFatal(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	root := t.TempDir()
	real, err := cas.NewStore(afero.NewOsFs(), root)
	require.NoError(t, err)

	store := mocks.NewMockStorage(mockCtrl)
	store.EXPECT().Put(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(real.Put).Times(2)
	store.EXPECT().Stat(gomock.Any(), gomock.Any()).DoAndReturn(real.Stat).Times(2)
	store.EXPECT().Remove(gomock.Any(), digest.FromString("content-a")).Return(errdefs.ErrStorageIO)

	h := newHandle(t, "files", store)
	h.Repository.Path = root
	h.Switch = activation.New(h.Fs, root)
	o := install.New(handles{"files": h})

	mustInstall(t, o, fileItem("files", "artifact-1", "content-a"))
	result := mustInstall(t, o, fileItem("files", "artifact-1", "content-b"))
	assert.Empty(t, result.Items[0].Collected)

	a, err := h.Tracker.Get("artifact-1")
	require.NoError(t, err)
	assert.Len(t, a.Instances, 2)
	assert.NoError(t, h.Tracker.Poisoned("artifact-1"))
}
