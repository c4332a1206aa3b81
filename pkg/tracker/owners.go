package tracker

import (
	"sync"

	"github.com/opencontainers/go-digest"
)

// owners records which artifacts of the repository use a store entry.
// Artifacts sharing content share the entry, it is only removed once the
// last of them let go. The mutex is a leaf lock, it is never held while
// acquiring an artifact lock.
type owners struct {
	mu sync.Mutex
	m  map[digest.Digest]map[string]struct{}
}

func (o *owners) add(dgst digest.Digest, artifact string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.addLocked(dgst, artifact)
}

func (o *owners) addLocked(dgst digest.Digest, artifact string) {
	if o.m == nil {
		o.m = map[digest.Digest]map[string]struct{}{}
	}
	set, ok := o.m[dgst]
	if !ok {
		set = map[string]struct{}{}
		o.m[dgst] = set
	}
	set[artifact] = struct{}{}
}

// release drops the ownership of artifact and calls remove if nobody else
// owns dgst. A failing remove restores the ownership.
func (o *owners) release(dgst digest.Digest, artifact string, remove func() error) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if set, ok := o.m[dgst]; ok {
		delete(set, artifact)
		if len(set) > 0 {
			return nil
		}
		delete(o.m, dgst)
	}
	if remove == nil {
		return nil
	}
	if err := remove(); err != nil {
		o.addLocked(dgst, artifact)
		return err
	}
	return nil
}

func (o *owners) removeUnowned(dgst digest.Digest, remove func() error) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.m[dgst]) > 0 {
		return false, nil
	}
	return true, remove()
}

func (o *owners) reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.m = nil
}

// Claim marks dgst as used by artifact before its content is stored, so a
// concurrent collection of another artifact sharing the content does not
// remove it between storing and registering.
func (t *Tracker) Claim(artifact string, dgst digest.Digest) {
	t.owners.add(dgst, artifact)
}

// Unclaim drops a claim of artifact on dgst which never got registered.
// The store entry stays for the orphan collection.
func (t *Tracker) Unclaim(artifact string, dgst digest.Digest) {
	e, ok := t.artifacts.Load(artifact)
	if ok {
		e.mu.RLock()
		registered := e.data.Instance(dgst) != nil
		e.mu.RUnlock()
		if registered {
			return
		}
	}
	_ = t.owners.release(dgst, artifact, nil)
}

// RemoveUnowned calls remove unless an artifact owns dgst and reports
// whether remove was called. New claims wait for it to finish.
func (t *Tracker) RemoveUnowned(dgst digest.Digest, remove func() error) (bool, error) {
	return t.owners.removeUnowned(dgst, remove)
}
