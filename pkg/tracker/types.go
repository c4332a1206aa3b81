package tracker

import (
	"slices"
	"time"

	"github.com/opencontainers/go-digest"
)

const (
	// RefActive is the reference held by the live activation pointer.
	RefActive = "active"
	// RefInstallPrefix prefixes references held by pending activations.
	RefInstallPrefix = "install/"
)

// InstallRef returns the reference id of the pending activation of the
// install transaction txid.
func InstallRef(txid string) string {
	return RefInstallPrefix + txid
}

// Artifact is the view of one artifact with all of its retained instances.
type Artifact struct {
	Name      string        `json:"name" yaml:"name"`
	Active    digest.Digest `json:"active,omitempty" yaml:"active,omitempty"`
	Instances []Instance    `json:"instances" yaml:"instances"`
	Error     string        `json:"error,omitempty" yaml:"-"`
}

// Instance is one stored version of an artifact.
type Instance struct {
	Checksum   digest.Digest `json:"checksum" yaml:"checksum"`
	Path       string        `json:"path" yaml:"path"`
	MediaType  string        `json:"media-type,omitempty" yaml:"media-type,omitempty"`
	Size       int64         `json:"size,omitempty" yaml:"size,omitempty"`
	References []string      `json:"references" yaml:"references"`
	Created    time.Time     `json:"created" yaml:"created"`
}

// IsActive reports whether the instance is what the activation pointer of
// a resolves to.
func (a *Artifact) IsActive(i *Instance) bool {
	return a.Active != "" && a.Active == i.Checksum
}

// Instance returns the instance with checksum dgst or nil.
func (a *Artifact) Instance(dgst digest.Digest) *Instance {
	for i := range a.Instances {
		if a.Instances[i].Checksum == dgst {
			return &a.Instances[i]
		}
	}
	return nil
}

// Unreferenced returns the checksums of all instances with an empty
// reference set.
func (a *Artifact) Unreferenced() []digest.Digest {
	var out []digest.Digest
	for _, i := range a.Instances {
		if len(i.References) == 0 {
			out = append(out, i.Checksum)
		}
	}
	return out
}

// HasReference reports whether ref is in the reference set.
func (i *Instance) HasReference(ref string) bool {
	_, found := slices.BinarySearch(i.References, ref)
	return found
}

func (i *Instance) addReference(ref string) bool {
	pos, found := slices.BinarySearch(i.References, ref)
	if found {
		return false
	}
	i.References = slices.Insert(i.References, pos, ref)
	return true
}

func (i *Instance) removeReference(ref string) bool {
	pos, found := slices.BinarySearch(i.References, ref)
	if !found {
		return false
	}
	i.References = slices.Delete(i.References, pos, pos+1)
	return true
}
