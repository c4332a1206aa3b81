// Package repository owns the artifact repositories of the system: their
// content stores, instance trackers and activation switches.
//
// A Manager is created once at startup with Open and torn down with Close.
// Open reconciles every repository, the activation symlinks on disk are the
// source of truth for what is active and the tracker is repaired to match.
// A read-write Manager holds an exclusive lock on every repository until it
// is closed, so only one process mutates a repository at a time. Read-only
// Managers take no lock and follow the persisted state with Reload.
package repository

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/opencontainers/go-digest"
	"github.com/spf13/afero"

	"github.com/wuxler/ruartifact/pkg/activation"
	"github.com/wuxler/ruartifact/pkg/cas"
	"github.com/wuxler/ruartifact/pkg/convert"
	"github.com/wuxler/ruartifact/pkg/errdefs"
	"github.com/wuxler/ruartifact/pkg/gc"
	"github.com/wuxler/ruartifact/pkg/tracker"
	"github.com/wuxler/ruartifact/pkg/util/xos"
	"github.com/wuxler/ruartifact/pkg/xlog"
)

// DefaultStateFileName is the tracker state file below the store directory
// of each repository.
const DefaultStateFileName = "state.yaml"

// LockFileName is the file below the store directory of each repository
// read-write Managers lock.
const LockFileName = "lock"

// Handle bundles the components serving one repository.
type Handle struct {
	Repository Repository
	Fs         afero.Fs
	Store      cas.Storage
	Tracker    *tracker.Tracker
	Switch     *activation.Switch
	Collector  *gc.Collector
	// Converter is nil for repositories without conversion rule.
	Converter convert.Converter
}

// Options configures Open.
type Options struct {
	Fs            afero.Fs
	Clock         clock.Clock
	Compatible    string
	RunDir        string
	StateFileName string
	Converters    *convert.Registry
	ReadOnly      bool
}

// Option sets Options.
type Option func(*Options)

// WithFs sets the filesystem, the OS filesystem by default.
func WithFs(fsys afero.Fs) Option {
	return func(o *Options) { o.Fs = fsys }
}

// WithClock sets the clock instance timestamps are taken from.
func WithClock(clk clock.Clock) Option {
	return func(o *Options) { o.Clock = clk }
}

// WithCompatible sets the compatible string reported by Status.
func WithCompatible(compatible string) Option {
	return func(o *Options) { o.Compatible = compatible }
}

// WithRunDir exposes every repository below {dir}/artifacts.
func WithRunDir(dir string) Option {
	return func(o *Options) { o.RunDir = dir }
}

// WithStateFileName overrides DefaultStateFileName.
func WithStateFileName(name string) Option {
	return func(o *Options) { o.StateFileName = name }
}

// WithConverters sets the registry conversion rules are looked up in,
// convert.Default() otherwise.
func WithConverters(registry *convert.Registry) Option {
	return func(o *Options) { o.Converters = registry }
}

// WithReadOnly opens the repositories for inspection. Nothing is locked,
// repaired or written, and every mutation fails with errdefs.ErrUnsupported.
func WithReadOnly() Option {
	return func(o *Options) { o.ReadOnly = true }
}

// Manager is the registry of all configured repositories.
type Manager struct {
	opts  Options
	order []string
	locks []*xos.FileLock

	mu      sync.RWMutex
	handles map[string]*Handle
}

// Open creates the components of every repository and reconciles them with
// what is on disk. A read-write Open waits until ctx is done for other
// processes holding the repositories. Artifacts found inconsistent are
// poisoned and reported in the status, they do not fail Open.
func Open(ctx context.Context, repos []Repository, opts ...Option) (_ *Manager, err error) {
	o := Options{StateFileName: DefaultStateFileName}
	for _, apply := range opts {
		apply(&o)
	}
	if o.Fs == nil {
		o.Fs = afero.NewOsFs()
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Converters == nil {
		o.Converters = convert.Default()
	}
	if err := ValidateAll(repos); err != nil {
		return nil, err
	}

	m := &Manager{opts: o, handles: map[string]*Handle{}}
	defer func() {
		if err != nil {
			_ = m.unlock()
		}
	}()
	for _, repo := range repos {
		h, err := m.newHandle(repo)
		if err != nil {
			return nil, err
		}
		m.order = append(m.order, repo.Name)
		m.handles[repo.Name] = h
	}
	if o.ReadOnly {
		for _, name := range m.order {
			if err := loadState(xlog.WithContext(ctx, "repository", name), m.handles[name].Tracker); err != nil {
				return nil, err
			}
		}
		return m, nil
	}
	for _, name := range m.order {
		h := m.handles[name]
		lock, err := xos.Lock(ctx, o.Fs, filepath.Join(h.Repository.Path, cas.MetaDirName, LockFileName))
		if err != nil {
			if ctx.Err() != nil {
				return nil, errdefs.Newf(errdefs.ErrCanceled, "repository %s is locked by another process: %v", name, err)
			}
			return nil, errdefs.NewE(errdefs.ErrStorageIO, err)
		}
		m.locks = append(m.locks, lock)
	}
	for _, name := range m.order {
		h := m.handles[name]
		logCtx := xlog.WithContext(ctx, "repository", name)
		if err := m.reconcile(logCtx, h); err != nil {
			return nil, err
		}
		if o.RunDir != "" {
			if _, err := h.Switch.Expose(logCtx, o.RunDir, name); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Manager) newHandle(repo Repository) (*Handle, error) {
	fsys := m.opts.Fs
	storeOpts := []cas.Option{cas.WithClock(m.opts.Clock)}
	if m.opts.ReadOnly {
		storeOpts = append(storeOpts, cas.ReadOnly())
	} else if err := fsys.MkdirAll(repo.Path, 0o755); err != nil {
		return nil, errdefs.NewE(errdefs.ErrStorageIO, err)
	}
	store, err := cas.NewStore(fsys, repo.Path, storeOpts...)
	if err != nil {
		return nil, err
	}
	h := &Handle{
		Repository: repo,
		Fs:         fsys,
		Store:      store,
		Tracker:    m.newTracker(repo),
		Switch:     activation.New(fsys, repo.Path),
		Collector:  gc.New(store),
	}
	if repo.Convert != "" {
		if h.Converter, err = m.opts.Converters.Get(repo.Convert); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func (m *Manager) newTracker(repo Repository) *tracker.Tracker {
	opts := []tracker.Option{
		tracker.WithClock(m.opts.Clock),
		tracker.WithStateFile(m.opts.Fs, filepath.Join(repo.Path, cas.MetaDirName, m.opts.StateFileName)),
	}
	if m.opts.ReadOnly {
		opts = append(opts, tracker.WithReadOnly())
	}
	return tracker.New(repo.Name, opts...)
}

// ReadOnly reports whether the Manager was opened with WithReadOnly.
func (m *Manager) ReadOnly() bool { return m.opts.ReadOnly }

// Reload re-reads the persisted state of every repository of a read-only
// Manager. Snapshots taken concurrently see either the old or the new state.
func (m *Manager) Reload(ctx context.Context) error {
	if !m.opts.ReadOnly {
		return errdefs.Newf(errdefs.ErrUnsupported, "reloading a read-write manager")
	}
	handles := make(map[string]*Handle, len(m.order))
	for _, name := range m.order {
		h, err := m.Get(name)
		if err != nil {
			return err
		}
		fresh := *h
		fresh.Tracker = m.newTracker(h.Repository)
		if err := loadState(xlog.WithContext(ctx, "repository", name), fresh.Tracker); err != nil {
			return err
		}
		handles[name] = &fresh
	}
	m.mu.Lock()
	m.handles = handles
	m.mu.Unlock()
	return nil
}

// Compatible returns the compatible string of the system.
func (m *Manager) Compatible() string { return m.opts.Compatible }

// Names returns the repository names in configuration order.
func (m *Manager) Names() []string {
	return append([]string(nil), m.order...)
}

// Get returns the handle of the named repository.
func (m *Manager) Get(name string) (*Handle, error) {
	m.mu.RLock()
	h, ok := m.handles[name]
	m.mu.RUnlock()
	if !ok {
		return nil, errdefs.Newf(errdefs.ErrNotFound, "repository %q", name)
	}
	return h, nil
}

// Status returns a snapshot of all repositories. Each artifact is copied
// under its own read lock.
func (m *Manager) Status() Status {
	m.mu.RLock()
	handles := m.handles
	m.mu.RUnlock()
	status := Status{Compatible: m.opts.Compatible, Repositories: []RepositoryStatus{}}
	for _, name := range m.order {
		h := handles[name]
		artifacts := h.Tracker.Snapshot()
		if artifacts == nil {
			artifacts = []tracker.Artifact{}
		}
		status.Repositories = append(status.Repositories, RepositoryStatus{
			Name:        name,
			Type:        h.Repository.Kind,
			Path:        h.Repository.Path,
			Description: h.Repository.Description,
			Artifacts:   artifacts,
		})
	}
	return status
}

// Resolve returns the storage path the stable path of artifact points at.
func (m *Manager) Resolve(repository, artifact string) (string, error) {
	h, err := m.Get(repository)
	if err != nil {
		return "", err
	}
	return h.Switch.Resolve(artifact)
}

// AddReference declares holder as user of the instance dgst of artifact.
func (m *Manager) AddReference(ctx context.Context, repository, artifact string, dgst digest.Digest, holder string) error {
	if err := validateHolder(holder); err != nil {
		return err
	}
	h, err := m.Get(repository)
	if err != nil {
		return err
	}
	return h.Tracker.AddReference(ctx, artifact, dgst, holder)
}

// RemoveReference withdraws the declaration of holder and collects the
// instance if nobody references it anymore.
func (m *Manager) RemoveReference(ctx context.Context, repository, artifact string, dgst digest.Digest, holder string) error {
	if err := validateHolder(holder); err != nil {
		return err
	}
	h, err := m.Get(repository)
	if err != nil {
		return err
	}
	return h.Tracker.Update(ctx, artifact, func(tx *tracker.Txn) error {
		if err := tx.RemoveReference(dgst, holder); err != nil {
			return err
		}
		_, err := h.Collector.Collect(ctx, tx)
		return err
	})
}

func validateHolder(holder string) error {
	if holder == "" || holder == tracker.RefActive || strings.HasPrefix(holder, tracker.RefInstallPrefix) {
		return errdefs.Newf(errdefs.ErrInvalidParameter, "reference holder %q is reserved", holder)
	}
	return nil
}

// CollectResult lists what Collect removed per repository.
type CollectResult struct {
	Repository string
	Instances  map[string][]digest.Digest
	Orphans    []digest.Digest
}

// Collect runs a full collection pass over every repository.
func (m *Manager) Collect(ctx context.Context) ([]CollectResult, error) {
	if m.opts.ReadOnly {
		return nil, errdefs.Newf(errdefs.ErrUnsupported, "collecting through a read-only manager")
	}
	var (
		results []CollectResult
		errs    []error
	)
	for _, name := range m.order {
		h := m.handles[name]
		logCtx := xlog.WithContext(ctx, "repository", name)
		res := CollectResult{Repository: name}
		var err error
		if res.Instances, err = h.Collector.CollectAll(logCtx, h.Tracker); err != nil {
			errs = append(errs, err)
		}
		if res.Orphans, err = h.Collector.CollectOrphans(logCtx, h.Tracker); err != nil {
			errs = append(errs, err)
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

// Close persists the state of every repository and releases the locks.
// Read-only Managers write nothing.
func (m *Manager) Close(ctx context.Context) error {
	var errs []error
	for _, name := range m.order {
		h, err := m.Get(name)
		if err == nil {
			err = h.Tracker.Save(ctx)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, m.unlock())
	return errors.Join(errs...)
}

func (m *Manager) unlock() error {
	var errs []error
	for _, lock := range m.locks {
		errs = append(errs, lock.Unlock())
	}
	m.locks = nil
	return errors.Join(errs...)
}
