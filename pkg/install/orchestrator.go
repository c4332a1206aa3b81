// Package install runs install transactions: every artifact payload is
// stored, registered, published and the instances it replaced are
// collected.
//
// Storing runs in parallel across items. Publication and collection of an
// artifact happen under its tracker lock, so status readers never see it
// with two or zero active instances. Once an item is published it is
// committed, cancellation is only honoured before.
package install

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/opencontainers/go-digest"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/wuxler/ruartifact/pkg/activation"
	"github.com/wuxler/ruartifact/pkg/errdefs"
	"github.com/wuxler/ruartifact/pkg/repository"
	"github.com/wuxler/ruartifact/pkg/tracker"
	"github.com/wuxler/ruartifact/pkg/util/xcache"
	"github.com/wuxler/ruartifact/pkg/xlog"
)

const (
	defaultParallelism = 4
	digestCacheSize    = 256
	digestCacheTTL     = time.Hour
)

// Repositories looks up repositories by name. *repository.Manager
// implements it.
type Repositories interface {
	Get(name string) (*repository.Handle, error)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithProgress sets the function receiving progress updates.
func WithProgress(fn ProgressFunc) Option {
	return func(o *Orchestrator) {
		o.reporter.notify = fn
	}
}

// WithParallelism bounds the number of items stored concurrently.
func WithParallelism(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.parallelism = n
		}
	}
}

// WithDigestCache sets the cache of source file checksums. A nil cache
// disables caching.
func WithDigestCache(cache xcache.Cache[digest.Digest]) Option {
	return func(o *Orchestrator) {
		if cache == nil {
			cache = xcache.NewDiscard[digest.Digest]()
		}
		o.digests = cache
	}
}

// WithClock sets the clock transaction ids are derived from.
func WithClock(clk clock.Clock) Option {
	return func(o *Orchestrator) {
		o.clock = clk
	}
}

// New returns an Orchestrator installing into repos.
func New(repos Repositories, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		repos:       repos,
		reporter:    NewReporter(nil),
		parallelism: defaultParallelism,
		digests:     xcache.NewMemory[digest.Digest](digestCacheSize, digestCacheTTL),
		clock:       clock.New(),
		locks:       xsync.NewMapOf[string, *sync.Mutex](),
	}
	for _, apply := range opts {
		apply(o)
	}
	return o
}

// Orchestrator runs install transactions. Transactions touching the same
// repository are serialized.
type Orchestrator struct {
	repos       Repositories
	reporter    *Reporter
	parallelism int
	digests     xcache.Cache[digest.Digest]
	clock       clock.Clock
	locks       *xsync.MapOf[string, *sync.Mutex]
	seq         atomic.Uint64
}

// Progress returns the progress of the running or last transaction.
func (o *Orchestrator) Progress() Progress {
	return o.reporter.Current()
}

type prepared struct {
	handle *repository.Handle
	item   Item
	digest digest.Digest
	path   string
}

// Install runs tx. Item failures are reported in the result and do not
// affect other items. The returned error is only set if the transaction as a
// whole did not run: it is invalid, it was canceled before publication or an
// item of an AllOrNothing transaction failed.
func (o *Orchestrator) Install(ctx context.Context, tx Transaction) (*Result, error) {
	if err := validate(tx); err != nil {
		return nil, err
	}
	id := tx.ID
	if id == "" {
		id = fmt.Sprintf("%d-%d", o.clock.Now().UnixNano(), o.seq.Add(1))
	}
	ref := tracker.InstallRef(id)
	ctx = xlog.WithContext(ctx, "transaction", id)
	logger := xlog.C(ctx)

	unlock := o.lock(lo.Map(tx.Items, func(item Item, _ int) string { return item.Repository }))
	defer unlock()

	logger.Infof("installing %d artifacts", len(tx.Items))
	result := &Result{ID: id, Items: make([]ItemResult, len(tx.Items))}
	root := o.reporter.Begin("Installing", 2)

	// (a)-(c): store, register and hold a pending reference
	prep := root.Begin("Storing artifacts", len(tx.Items))
	items := make([]*prepared, len(tx.Items))
	var g errgroup.Group
	g.SetLimit(o.parallelism)
	for i := range tx.Items {
		g.Go(func() error {
			items[i], result.Items[i] = o.prepare(ctx, prep, ref, tx.Items[i])
			return nil
		})
	}
	_ = g.Wait()
	prepErr := result.Err()
	prep.End(prepErr)

	var abort error
	switch {
	case ctx.Err() != nil:
		abort = errdefs.NewE(errdefs.ErrCanceled, ctx.Err())
	case tx.AllOrNothing && prepErr != nil:
		abort = errdefs.Newf(errdefs.ErrCanceled, "transaction %s aborted, an item failed", id)
	}
	if abort != nil {
		o.release(ctx, ref, items, result, abort)
		root.End(abort)
		logger.Warnf("installation aborted: %v", abort)
		if prepErr != nil {
			return result, errors.Join(abort, prepErr)
		}
		return result, abort
	}

	// (d)-(f): publish, move the active reference and collect
	act := root.Begin("Activating artifacts", len(lo.Compact(items)))
	for i, p := range items {
		if p != nil {
			o.activate(ctx, act, ref, p, &result.Items[i])
		}
	}
	err := result.Err()
	act.End(err)
	root.End(err)
	if err != nil {
		logger.Warnf("installation finished with %d failed artifacts", len(result.Failed()))
	} else {
		logger.Infof("installation done")
	}
	return result, nil
}

func validate(tx Transaction) error {
	if len(tx.Items) == 0 {
		return errdefs.Newf(errdefs.ErrInvalidParameter, "transaction without items")
	}
	seen := map[string]struct{}{}
	for _, item := range tx.Items {
		key := item.Repository + "/" + item.Artifact
		if _, ok := seen[key]; ok {
			return errdefs.Newf(errdefs.ErrInvalidParameter, "artifact %s is installed twice", key)
		}
		seen[key] = struct{}{}
	}
	return nil
}

// lock acquires the install locks of all repositories in a fixed order.
func (o *Orchestrator) lock(repositories []string) func() {
	names := lo.Uniq(repositories)
	slices.Sort(names)
	mus := make([]*sync.Mutex, 0, len(names))
	for _, name := range names {
		mu, _ := o.locks.LoadOrCompute(name, func() *sync.Mutex { return &sync.Mutex{} })
		mu.Lock()
		mus = append(mus, mu)
	}
	return func() {
		for i := len(mus) - 1; i >= 0; i-- {
			mus[i].Unlock()
		}
	}
}

func (o *Orchestrator) prepare(ctx context.Context, parent *Step, ref string, item Item) (*prepared, ItemResult) {
	res := ItemResult{Repository: item.Repository, Artifact: item.Artifact}
	ctx = xlog.WithArtifact(ctx, item.Repository, item.Artifact)
	step := parent.Begin(fmt.Sprintf("Storing %s/%s", item.Repository, item.Artifact), 0)
	fail := func(s errdefs.Step, err error) (*prepared, ItemResult) {
		res.Err = errdefs.NewStepError(item.Repository, item.Artifact, s, err)
		step.End(res.Err)
		xlog.C(ctx).Error("storing artifact failed", "error", res.Err)
		return nil, res
	}

	h, err := o.repos.Get(item.Repository)
	if err != nil {
		return fail(errdefs.StepStore, err)
	}
	if err := activation.ValidateName(item.Artifact); err != nil {
		return fail(errdefs.StepStore, err)
	}
	payload, dgst, cleanup, err := o.materialize(ctx, h, item)
	defer cleanup()
	if err != nil {
		return fail(errdefs.StepConvert, err)
	}
	res.Digest = dgst

	h.Tracker.Claim(item.Artifact, dgst)
	path, err := h.Store.Put(ctx, dgst, payload)
	if err != nil {
		h.Tracker.Unclaim(item.Artifact, dgst)
		return fail(errdefs.StepStore, err)
	}
	res.Path = path
	desc, err := h.Store.Stat(ctx, dgst)
	if err != nil {
		h.Tracker.Unclaim(item.Artifact, dgst)
		return fail(errdefs.StepStore, err)
	}

	err = h.Tracker.Upsert(ctx, item.Artifact, func(tx *tracker.Txn) error {
		tx.Register(dgst, path)
		if err := tx.Describe(desc); err != nil {
			return err
		}
		for _, holder := range append([]string{ref}, item.References...) {
			if err := tx.AddReference(dgst, holder); err != nil {
				return errdefs.NewStepError(item.Repository, item.Artifact, errdefs.StepReference, err)
			}
		}
		return nil
	})
	if err != nil {
		h.Tracker.Unclaim(item.Artifact, dgst)
		var stepErr *errdefs.StepError
		if errors.As(err, &stepErr) {
			return fail(stepErr.Step, stepErr.Err)
		}
		return fail(errdefs.StepRegister, err)
	}
	step.End(nil)
	xlog.C(ctx).Infof("stored instance %s at %s", dgst, path)
	return &prepared{handle: h, item: item, digest: dgst, path: path}, res
}

// release drops the pending references of prepared items of an aborted
// transaction. Their instances are left for a later collection.
func (o *Orchestrator) release(ctx context.Context, ref string, items []*prepared, result *Result, cause error) {
	for i, p := range items {
		if p == nil {
			continue
		}
		if err := p.handle.Tracker.RemoveReference(ctx, p.item.Artifact, p.digest, ref); err != nil {
			xlog.C(ctx).Warnf("unable to release pending reference of %s/%s: %v", p.item.Repository, p.item.Artifact, err)
		}
		result.Items[i].Err = errdefs.NewStepError(p.item.Repository, p.item.Artifact, errdefs.StepPublish, cause)
	}
}

func (o *Orchestrator) activate(ctx context.Context, parent *Step, ref string, p *prepared, res *ItemResult) {
	repo, artifact := p.item.Repository, p.item.Artifact
	ctx = xlog.WithArtifact(ctx, repo, artifact)
	logger := xlog.C(ctx)
	step := parent.Begin(fmt.Sprintf("Activating %s/%s", repo, artifact), 0)
	h := p.handle

	err := h.Tracker.Update(ctx, artifact, func(tx *tracker.Txn) error {
		if err := ctx.Err(); err != nil {
			_ = tx.RemoveReference(p.digest, ref)
			return errdefs.NewStepError(repo, artifact, errdefs.StepPublish, errdefs.NewE(errdefs.ErrCanceled, err))
		}
		previous := tx.Active()
		if err := h.Switch.Publish(ctx, artifact, p.path); err != nil {
			_ = tx.RemoveReference(p.digest, ref)
			return errdefs.NewStepError(repo, artifact, errdefs.StepPublish, err)
		}

		// committed, the activation symlink is the truth from here on
		ctx := context.WithoutCancel(ctx)
		res.Previous = previous
		if err := moveActive(tx, previous, p.digest, ref); err != nil {
			logger.Errorf("tracker diverged from published instance %s: %v", p.digest, err)
			return errdefs.NewStepError(repo, artifact, errdefs.StepActivate, errdefs.NewE(errdefs.ErrConsistency, err))
		}
		collected, err := h.Collector.Collect(ctx, tx)
		res.Collected = collected
		if errors.Is(err, errdefs.ErrConsistency) {
			return errdefs.NewStepError(repo, artifact, errdefs.StepCollect, err)
		}
		if err != nil {
			logger.Warnf("instances left for a later collection: %v", err)
		}
		return nil
	})
	if err != nil {
		var stepErr *errdefs.StepError
		if !errors.As(err, &stepErr) {
			err = errdefs.NewStepError(repo, artifact, errdefs.StepActivate, err)
		}
		res.Err = err
		step.End(err)
		logger.Error("activating artifact failed", "error", err)
		return
	}
	step.End(nil)
	logger.Infof("activated instance %s (previous %q)", p.digest, res.Previous)
}

// moveActive makes dgst the active instance and moves the active reference
// onto it, replacing the pending reference.
func moveActive(tx *tracker.Txn, previous, dgst digest.Digest, ref string) error {
	if _, err := tx.SetActive(dgst); err != nil {
		return err
	}
	if err := tx.AddReference(dgst, tracker.RefActive); err != nil {
		return err
	}
	if err := tx.RemoveReference(dgst, ref); err != nil {
		return err
	}
	if previous == "" || previous == dgst {
		return nil
	}
	err := tx.RemoveReference(previous, tracker.RefActive)
	if errors.Is(err, errdefs.ErrUnknownInstance) {
		return nil
	}
	return err
}
