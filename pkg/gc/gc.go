// Package gc reclaims instances nobody references anymore.
package gc

import (
	"context"
	"errors"

	"github.com/opencontainers/go-digest"

	"github.com/wuxler/ruartifact/pkg/cas"
	"github.com/wuxler/ruartifact/pkg/errdefs"
	"github.com/wuxler/ruartifact/pkg/tracker"
	"github.com/wuxler/ruartifact/pkg/xlog"
)

// New returns a Collector removing content from store.
func New(store cas.Storage) *Collector {
	return &Collector{store: store}
}

// Collector removes unreferenced instances from the tracker and the store.
type Collector struct {
	store cas.Storage
}

// Collect removes every unreferenced instance of the artifact tx holds. The
// active instance must carry a reference, an unreferenced or untracked
// active instance is an invariant violation reported as
// errdefs.ErrConsistency and nothing is removed.
//
// Instances whose content could not be removed stay tracked for a later
// pass. Collecting an artifact without garbage is a no-op.
func (c *Collector) Collect(ctx context.Context, tx *tracker.Txn) ([]digest.Digest, error) {
	a := tx.Artifact()
	if a.Active != "" {
		active := a.Instance(a.Active)
		if active == nil {
			return nil, errdefs.Newf(errdefs.ErrConsistency, "active instance %s of %s/%s is not tracked",
				a.Active, tx.Repository(), a.Name)
		}
		if len(active.References) == 0 {
			return nil, errdefs.Newf(errdefs.ErrConsistency, "active instance %s of %s/%s has no references",
				a.Active, tx.Repository(), a.Name)
		}
	}

	logger := xlog.C(ctx)
	var (
		removed []digest.Digest
		errs    []error
	)
	for _, dgst := range a.Unreferenced() {
		err := tx.Collect(dgst, func() error {
			return c.store.Remove(ctx, dgst)
		})
		if err != nil {
			logger.Warnf("unable to collect instance %s of %s/%s: %v", dgst, tx.Repository(), a.Name, err)
			errs = append(errs, err)
			continue
		}
		logger.Infof("collected instance %s of %s/%s", dgst, tx.Repository(), a.Name)
		removed = append(removed, dgst)
	}
	return removed, errors.Join(errs...)
}

// CollectAll collects every artifact of tr, each under its own lock. It
// returns the removed instances per artifact.
func (c *Collector) CollectAll(ctx context.Context, tr *tracker.Tracker) (map[string][]digest.Digest, error) {
	result := map[string][]digest.Digest{}
	var errs []error
	for _, name := range tr.Artifacts() {
		err := tr.Update(ctx, name, func(tx *tracker.Txn) error {
			removed, err := c.Collect(ctx, tx)
			if len(removed) > 0 {
				result[name] = removed
			}
			return err
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	return result, errors.Join(errs...)
}

// CollectOrphans removes store entries no artifact of tr owns. They are
// left behind by interrupted installs or a lost tracker state.
func (c *Collector) CollectOrphans(ctx context.Context, tr *tracker.Tracker) ([]digest.Digest, error) {
	digests, err := c.store.List(ctx)
	if err != nil {
		return nil, err
	}
	var (
		removed []digest.Digest
		errs    []error
	)
	for _, dgst := range digests {
		called, err := tr.RemoveUnowned(dgst, func() error {
			return c.store.Remove(ctx, dgst)
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if called {
			xlog.C(ctx).Infof("collected orphaned instance %s of %s", dgst, tr.Repository())
			removed = append(removed, dgst)
		}
	}
	return removed, errors.Join(errs...)
}
