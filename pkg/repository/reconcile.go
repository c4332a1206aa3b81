package repository

import (
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/wuxler/ruartifact/pkg/cas"
	"github.com/wuxler/ruartifact/pkg/errdefs"
	"github.com/wuxler/ruartifact/pkg/tracker"
	"github.com/wuxler/ruartifact/pkg/xlog"
)

type sweeper interface {
	Sweep(ctx context.Context) error
}

// loadState loads the persisted state of t. Only IO errors fail, an
// unusable state file leaves t empty.
func loadState(ctx context.Context, t *tracker.Tracker) error {
	if err := t.Load(ctx); err != nil {
		if errors.Is(err, errdefs.ErrStorageIO) {
			return err
		}
		xlog.C(ctx).Warnf("ignoring unusable state, rebuilding from disk: %v", err)
	}
	return nil
}

// reconcile repairs the tracker of h after a restart. Interrupted
// transactions leave pending references, unpublished instances and a
// tracker lagging behind the activation symlinks, all of which is fixed
// here. Inconsistencies which can not be repaired poison the artifact.
func (m *Manager) reconcile(ctx context.Context, h *Handle) error {
	logger := xlog.C(ctx)
	if err := loadState(ctx, h.Tracker); err != nil {
		return err
	}
	if err := h.Switch.Sweep(ctx); err != nil {
		return err
	}
	if s, ok := h.Store.(sweeper); ok {
		if err := s.Sweep(ctx); err != nil {
			return err
		}
	}

	links, err := h.Switch.Links()
	if err != nil {
		return err
	}
	var errs []error
	for _, name := range links {
		if err := m.reconcileArtifact(ctx, h, name, true); err != nil {
			errs = append(errs, err)
		}
	}
	for _, name := range h.Tracker.Artifacts() {
		if slices.Contains(links, name) {
			continue
		}
		if err := m.reconcileArtifact(ctx, h, name, false); err != nil {
			errs = append(errs, err)
		}
	}

	if _, err := h.Collector.CollectAll(ctx, h.Tracker); err != nil {
		errs = append(errs, err)
	}
	if _, err := h.Collector.CollectOrphans(ctx, h.Tracker); err != nil {
		errs = append(errs, err)
	}
	if err := h.Tracker.Save(ctx); err != nil {
		errs = append(errs, err)
	}

	// poisoned artifacts are reported through the status
	errs = slices.DeleteFunc(errs, func(err error) bool {
		if errors.Is(err, errdefs.ErrConsistency) {
			logger.Error("inconsistent artifact", "error", err)
			return true
		}
		return false
	})
	return errors.Join(errs...)
}

func (m *Manager) reconcileArtifact(ctx context.Context, h *Handle, name string, linked bool) error {
	ctx = xlog.WithArtifact(ctx, h.Repository.Name, name)
	var active digest.Digest
	var linkErr error
	if linked {
		active, linkErr = m.linkedInstance(ctx, h, name)
	}
	existing := map[digest.Digest]bool{}

	return h.Tracker.Upsert(ctx, name, func(tx *tracker.Txn) error {
		if linkErr != nil {
			return linkErr
		}
		for _, i := range tx.Artifact().Instances {
			ok, err := h.Store.Contains(ctx, i.Checksum)
			if err != nil {
				return err
			}
			existing[i.Checksum] = ok
		}

		if active != "" {
			tx.Register(active, h.Store.Path(active))
			if tx.Artifact().Instance(active).MediaType == "" {
				desc, err := h.Store.Stat(ctx, active)
				if err != nil {
					return err
				}
				if err := tx.Describe(desc); err != nil {
					return err
				}
			}
			previous, err := tx.SetActive(active)
			if err != nil {
				return err
			}
			if previous != active {
				xlog.C(ctx).Warnf("repaired active instance %q -> %s", previous, active)
			}
		} else if tx.Active() != "" {
			xlog.C(ctx).Warnf("artifact is not published, forgetting active instance %s", tx.Active())
			tx.ClearActive()
		}

		for _, i := range slices.Clone(tx.Artifact().Instances) {
			for _, ref := range slices.Clone(i.References) {
				stale := strings.HasPrefix(ref, tracker.RefInstallPrefix) ||
					(ref == tracker.RefActive && i.Checksum != active)
				if !stale {
					continue
				}
				if err := tx.RemoveReference(i.Checksum, ref); err != nil {
					return err
				}
				xlog.C(ctx).Infof("dropped stale reference %s of %s", ref, i.Checksum)
			}
			if i.Checksum != active && !existing[i.Checksum] {
				if err := tx.Drop(i.Checksum); err != nil {
					return err
				}
				xlog.C(ctx).Warnf("dropped instance %s without content", i.Checksum)
			}
		}
		if active != "" {
			return tx.AddReference(active, tracker.RefActive)
		}
		return nil
	})
}

// linkedInstance returns the instance the activation symlink of name points
// at. A link into nowhere is a consistency error.
func (m *Manager) linkedInstance(ctx context.Context, h *Handle, name string) (digest.Digest, error) {
	target, err := h.Switch.Resolve(name)
	if err != nil {
		return "", err
	}
	dgst, err := cas.ParsePath(h.Repository.Path, target)
	if err != nil {
		return "", errdefs.NewE(errdefs.ErrConsistency, err)
	}
	ok, err := h.Store.Contains(ctx, dgst)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errdefs.Newf(errdefs.ErrConsistency, "artifact %s/%s points at missing instance %s",
			h.Repository.Name, name, dgst)
	}
	return dgst, nil
}
