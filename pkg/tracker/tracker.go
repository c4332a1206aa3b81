// Package tracker records which instances exist per artifact of a
// repository, which of them is active, and who references them.
//
// The tracker is a derived index. The activation symlinks and the content
// store are the durable truth, the persisted state only saves work on the
// next startup.
package tracker

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/opencontainers/go-digest"
	imgspecv1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/samber/lo"
	"github.com/smallnest/deepcopy"
	"github.com/spf13/afero"

	"github.com/wuxler/ruartifact/pkg/errdefs"
	"github.com/wuxler/ruartifact/pkg/xlog"
)

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock sets the clock instance creation times are taken from.
func WithClock(clk clock.Clock) Option {
	return func(t *Tracker) {
		t.clock = clk
	}
}

// WithStateFile persists the tracker to path on fsys after every committed
// mutation.
func WithStateFile(fsys afero.Fs, path string) Option {
	return func(t *Tracker) {
		t.fs = fsys
		t.statePath = path
	}
}

// WithReadOnly makes the tracker a follower of a state file written by
// another process. Every mutation fails and Save does nothing.
func WithReadOnly() Option {
	return func(t *Tracker) {
		t.readOnly = true
	}
}

// New returns an empty tracker for the repository.
func New(repository string, opts ...Option) *Tracker {
	t := &Tracker{
		repository: repository,
		artifacts:  xsync.NewMapOf[string, *entry](),
		clock:      clock.New(),
	}
	for _, apply := range opts {
		apply(t)
	}
	return t
}

// Tracker is the instance index of one repository. Mutations of one artifact
// are serialized, different artifacts proceed concurrently.
type Tracker struct {
	repository string
	artifacts  *xsync.MapOf[string, *entry]
	owners     owners
	clock      clock.Clock

	fs        afero.Fs
	statePath string
	saveMu    sync.Mutex
	readOnly  bool
}

type entry struct {
	mu       sync.RWMutex
	data     Artifact
	poisoned error
}

func (t *Tracker) loadOrCreate(artifact string) *entry {
	e, _ := t.artifacts.LoadOrCompute(artifact, func() *entry {
		return &entry{data: Artifact{Name: artifact}}
	})
	return e
}

func (t *Tracker) load(artifact string) (*entry, error) {
	e, ok := t.artifacts.Load(artifact)
	if !ok {
		return nil, errdefs.NewE(errdefs.ErrNotFound,
			errdefs.Newf(errdefs.ErrUnknownInstance, "artifact %s/%s is not tracked", t.repository, artifact))
	}
	return e, nil
}

// Repository returns the name of the tracked repository.
func (t *Tracker) Repository() string { return t.repository }

// Update runs fn with exclusive access to the tracked artifact. Unknown
// artifacts fail with errdefs.ErrNotFound and errdefs.ErrUnknownInstance.
// fn failing with errdefs.ErrConsistency poisons the artifact, every later
// update of it fails.
func (t *Tracker) Update(ctx context.Context, artifact string, fn func(tx *Txn) error) error {
	if t.readOnly {
		return t.errReadOnly()
	}
	e, err := t.load(artifact)
	if err != nil {
		return err
	}
	return t.update(ctx, e, fn)
}

// Upsert is Update creating the artifact on first use. Only paths adding
// instances use it.
func (t *Tracker) Upsert(ctx context.Context, artifact string, fn func(tx *Txn) error) error {
	if t.readOnly {
		return t.errReadOnly()
	}
	return t.update(ctx, t.loadOrCreate(artifact), fn)
}

func (t *Tracker) errReadOnly() error {
	return errdefs.Newf(errdefs.ErrUnsupported, "tracker of repository %s is read-only", t.repository)
}

func (t *Tracker) update(ctx context.Context, e *entry, fn func(tx *Txn) error) error {
	artifact := e.data.Name
	e.mu.Lock()
	if e.poisoned != nil {
		e.mu.Unlock()
		return errdefs.NewE(errdefs.ErrConsistency, e.poisoned)
	}
	tx := &Txn{tracker: t, entry: e}
	err := fn(tx)
	tx.entry = nil
	if errors.Is(err, errdefs.ErrConsistency) {
		e.poisoned = err
		e.data.Error = err.Error()
		tx.dirty = true
		xlog.C(ctx).Error("artifact poisoned, refusing further mutation", "repository", t.repository, "artifact", artifact, "error", err)
	}
	e.mu.Unlock()

	if tx.dirty {
		if serr := t.Save(ctx); serr != nil {
			return errors.Join(err, serr)
		}
	}
	return err
}

// View runs fn with shared access to artifact.
func (t *Tracker) View(artifact string, fn func(a *Artifact) error) error {
	e, ok := t.artifacts.Load(artifact)
	if !ok {
		return errdefs.Newf(errdefs.ErrNotFound, "artifact %s/%s", t.repository, artifact)
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return fn(&e.data)
}

// Register adds dgst stored at path to the instances of artifact.
func (t *Tracker) Register(ctx context.Context, artifact string, dgst digest.Digest, path string) error {
	return t.Upsert(ctx, artifact, func(tx *Txn) error {
		tx.Register(dgst, path)
		return nil
	})
}

// AddReference adds ref to the reference set of the instance dgst.
func (t *Tracker) AddReference(ctx context.Context, artifact string, dgst digest.Digest, ref string) error {
	return t.Update(ctx, artifact, func(tx *Txn) error {
		return tx.AddReference(dgst, ref)
	})
}

// RemoveReference removes ref from the reference set of the instance dgst.
func (t *Tracker) RemoveReference(ctx context.Context, artifact string, dgst digest.Digest, ref string) error {
	return t.Update(ctx, artifact, func(tx *Txn) error {
		return tx.RemoveReference(dgst, ref)
	})
}

// SetActive makes dgst the active instance of artifact and returns the
// previously active one. References are left untouched.
func (t *Tracker) SetActive(ctx context.Context, artifact string, dgst digest.Digest) (previous digest.Digest, err error) {
	err = t.Update(ctx, artifact, func(tx *Txn) error {
		previous, err = tx.SetActive(dgst)
		return err
	})
	return previous, err
}

// Active returns the active instance of artifact, empty if there is none.
func (t *Tracker) Active(artifact string) digest.Digest {
	var active digest.Digest
	_ = t.View(artifact, func(a *Artifact) error {
		active = a.Active
		return nil
	})
	return active
}

// Artifacts returns the sorted names of all tracked artifacts.
func (t *Tracker) Artifacts() []string {
	var names []string
	t.artifacts.Range(func(name string, _ *entry) bool {
		names = append(names, name)
		return true
	})
	slices.Sort(names)
	return names
}

// Get returns a copy of artifact.
func (t *Tracker) Get(artifact string) (Artifact, error) {
	var out Artifact
	err := t.View(artifact, func(a *Artifact) error {
		out = deepcopy.Copy(*a)
		return nil
	})
	return out, err
}

// Snapshot returns a copy of every artifact. Each artifact is copied under
// its own read lock, so an artifact is never observed mid-update and
// unrelated installs are not blocked.
func (t *Tracker) Snapshot() []Artifact {
	return lo.FilterMap(t.Artifacts(), func(name string, _ int) (Artifact, bool) {
		a, err := t.Get(name)
		return a, err == nil
	})
}

// Poisoned returns the consistency error artifact was poisoned with.
func (t *Tracker) Poisoned(artifact string) error {
	e, ok := t.artifacts.Load(artifact)
	if !ok {
		return nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.poisoned
}

// Txn is exclusive access to one artifact handed out by Tracker.Update. It
// must not be used after the update function returned.
type Txn struct {
	tracker *Tracker
	entry   *entry
	dirty   bool
}

// Repository returns the name of the repository of the artifact.
func (tx *Txn) Repository() string { return tx.tracker.repository }

// Name returns the artifact name.
func (tx *Txn) Name() string { return tx.entry.data.Name }

// Artifact returns the artifact being updated. Changes must go through the
// Txn methods.
func (tx *Txn) Artifact() *Artifact { return &tx.entry.data }

// Active returns the active instance, empty if there is none.
func (tx *Txn) Active() digest.Digest { return tx.entry.data.Active }

// Register adds dgst stored at path if absent. It returns true if the
// instance is new.
func (tx *Txn) Register(dgst digest.Digest, path string) bool {
	a := &tx.entry.data
	tx.tracker.owners.add(dgst, a.Name)
	if i := a.Instance(dgst); i != nil {
		if i.Path != path && path != "" {
			i.Path = path
			tx.dirty = true
		}
		return false
	}
	a.Instances = append(a.Instances, Instance{
		Checksum:   dgst,
		Path:       path,
		References: []string{},
		Created:    tx.tracker.clock.Now().UTC(),
	})
	tx.dirty = true
	return true
}

// Describe records the media type and size of the stored content desc
// points at.
func (tx *Txn) Describe(desc imgspecv1.Descriptor) error {
	i, err := tx.instance(desc.Digest)
	if err != nil {
		return err
	}
	if i.MediaType != desc.MediaType || i.Size != desc.Size {
		i.MediaType, i.Size = desc.MediaType, desc.Size
		tx.dirty = true
	}
	return nil
}

// AddReference adds ref to the reference set of dgst.
func (tx *Txn) AddReference(dgst digest.Digest, ref string) error {
	i, err := tx.instance(dgst)
	if err != nil {
		return err
	}
	if i.addReference(ref) {
		tx.dirty = true
	}
	return nil
}

// RemoveReference removes ref from the reference set of dgst. Removing a
// reference which is not held is a no-op.
func (tx *Txn) RemoveReference(dgst digest.Digest, ref string) error {
	i, err := tx.instance(dgst)
	if err != nil {
		return err
	}
	if i.removeReference(ref) {
		tx.dirty = true
	}
	return nil
}

// SetActive makes dgst the active instance and returns the previous one.
func (tx *Txn) SetActive(dgst digest.Digest) (digest.Digest, error) {
	if _, err := tx.instance(dgst); err != nil {
		return "", err
	}
	previous := tx.entry.data.Active
	if previous != dgst {
		tx.entry.data.Active = dgst
		tx.dirty = true
	}
	return previous, nil
}

// ClearActive forgets the active instance.
func (tx *Txn) ClearActive() {
	if tx.entry.data.Active != "" {
		tx.entry.data.Active = ""
		tx.dirty = true
	}
}

// Drop forgets the instance dgst without touching its content. Dropping
// the active instance fails with errdefs.ErrConsistency.
func (tx *Txn) Drop(dgst digest.Digest) error {
	if err := tx.checkInactive(dgst); err != nil {
		return err
	}
	_ = tx.tracker.owners.release(dgst, tx.entry.data.Name, nil)
	tx.forget(dgst)
	return nil
}

// Collect forgets the unreferenced instance dgst and calls remove if no
// other artifact of the repository shares its content. The instance is kept
// if remove fails.
func (tx *Txn) Collect(dgst digest.Digest, remove func() error) error {
	if err := tx.checkInactive(dgst); err != nil {
		return err
	}
	i, err := tx.instance(dgst)
	if err != nil {
		return err
	}
	if len(i.References) > 0 {
		return errdefs.Newf(errdefs.ErrInvalidParameter, "instance %s of %s/%s is referenced by %v",
			dgst, tx.Repository(), tx.entry.data.Name, i.References)
	}
	if err := tx.tracker.owners.release(dgst, tx.entry.data.Name, remove); err != nil {
		return err
	}
	tx.forget(dgst)
	return nil
}

func (tx *Txn) checkInactive(dgst digest.Digest) error {
	if tx.entry.data.Active == dgst {
		return errdefs.Newf(errdefs.ErrConsistency, "removing active instance %s of %s/%s",
			dgst, tx.Repository(), tx.entry.data.Name)
	}
	return nil
}

func (tx *Txn) forget(dgst digest.Digest) {
	a := &tx.entry.data
	n := len(a.Instances)
	a.Instances = slices.DeleteFunc(a.Instances, func(i Instance) bool { return i.Checksum == dgst })
	if len(a.Instances) != n {
		tx.dirty = true
	}
}

func (tx *Txn) instance(dgst digest.Digest) (*Instance, error) {
	if i := tx.entry.data.Instance(dgst); i != nil {
		return i, nil
	}
	return nil, errdefs.Newf(errdefs.ErrUnknownInstance, "instance %s of %s/%s", dgst, tx.Repository(), tx.entry.data.Name)
}
