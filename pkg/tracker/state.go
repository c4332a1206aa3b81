package tracker

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/wuxler/ruartifact/pkg/errdefs"
	"github.com/wuxler/ruartifact/pkg/util/xos"
	"github.com/wuxler/ruartifact/pkg/xlog"
)

// stateVersion is bumped on incompatible changes of the state file.
const stateVersion = 1

type stateFile struct {
	Version    int        `yaml:"version"`
	Repository string     `yaml:"repository"`
	Artifacts  []Artifact `yaml:"artifacts"`
}

// Save writes the state file atomically. It is a no-op without a state file
// and for read-only trackers.
func (t *Tracker) Save(ctx context.Context) error {
	if t.readOnly || t.fs == nil || t.statePath == "" {
		return nil
	}
	t.saveMu.Lock()
	defer t.saveMu.Unlock()

	data, err := yaml.Marshal(stateFile{
		Version:    stateVersion,
		Repository: t.repository,
		Artifacts:  t.Snapshot(),
	})
	if err != nil {
		return errdefs.NewE(errdefs.ErrStorageIO, err)
	}
	if err := writeFileAtomic(t.fs, t.statePath, data); err != nil {
		return errdefs.NewE(errdefs.ErrStorageIO, err)
	}
	xlog.C(ctx).Debugf("saved state of repository %s to %s", t.repository, t.statePath)
	return nil
}

// Load replaces the tracked artifacts with the content of the state file.
// A missing state file leaves the tracker empty.
func (t *Tracker) Load(ctx context.Context) error {
	if t.fs == nil || t.statePath == "" {
		return nil
	}
	data, err := afero.ReadFile(t.fs, t.statePath)
	if errors.Is(err, fs.ErrNotExist) {
		xlog.C(ctx).Debugf("no state file %s", t.statePath)
		return nil
	}
	if err != nil {
		return errdefs.NewE(errdefs.ErrStorageIO, err)
	}
	var state stateFile
	if err := yaml.Unmarshal(data, &state); err != nil {
		return errdefs.Newf(errdefs.ErrInvalidParameter, "parse state file %s: %v", t.statePath, err)
	}
	if state.Version != stateVersion {
		return errdefs.Newf(errdefs.ErrUnsupported, "state file %s has version %d", t.statePath, state.Version)
	}
	if state.Repository != "" && state.Repository != t.repository {
		return errdefs.Newf(errdefs.ErrInvalidParameter, "state file %s belongs to repository %q", t.statePath, state.Repository)
	}

	t.artifacts.Clear()
	t.owners.reset()
	for _, a := range state.Artifacts {
		for i := range a.Instances {
			if a.Instances[i].References == nil {
				a.Instances[i].References = []string{}
			}
			t.owners.add(a.Instances[i].Checksum, a.Name)
		}
		t.artifacts.Store(a.Name, &entry{data: a})
	}
	xlog.C(ctx).Infof("loaded %d artifacts of repository %s", len(state.Artifacts), t.repository)
	return nil
}

func writeFileAtomic(fsys afero.Fs, path string, data []byte) error {
	dir := filepath.Dir(path)
	f, err := afero.TempFile(fsys, dir, "."+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	_, err = f.Write(data)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = fsys.Rename(tmp, path)
	}
	if err != nil {
		_ = fsys.Remove(tmp)
		return err
	}
	if err := xos.SyncDir(fsys, dir); err != nil {
		xlog.Warnf("unable to sync %s: %v", dir, err)
	}
	return nil
}
