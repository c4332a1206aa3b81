// Package cas stores artifact payloads content-addressably below a
// repository root.
//
// Entries are never rewritten in place. A new entry is staged next to the
// object directory and renamed into place, and removal renames the entry
// into a trash directory before deleting it. Both rely on the filesystem
// keeping unlinked data alive for already open handles, so consumers that
// opened an instance keep reading consistent data after it was collected.
package cas

import (
	"context"
	"io"

	"github.com/opencontainers/go-digest"
	imgspecv1 "github.com/opencontainers/image-spec/specs-go/v1"
)

//go:generate mockgen -destination=./mocks/mock_storage.go -package=mocks github.com/wuxler/ruartifact/pkg/cas Storage

const (
	// MediaTypeFile is the media type of single-file instances.
	MediaTypeFile = "application/vnd.ruartifact.file.v1"
	// MediaTypeTree is the media type of directory-tree instances.
	MediaTypeTree = "application/vnd.ruartifact.tree.v1"

	// MetaDirName is the directory below a repository root holding the store.
	MetaDirName = ".ruartifact"
)

// Storage is the interface for a Content Addressable Storage of artifact
// instances.
type Storage interface {
	// Root returns the repository root the store lives in.
	Root() string
	// Path returns the storage path of dgst, whether it exists or not.
	Path(dgst digest.Digest) string
	// Contains reports whether an entry for dgst exists.
	Contains(ctx context.Context, dgst digest.Digest) (bool, error)
	// Stat returns the descriptor of the entry for dgst.
	Stat(ctx context.Context, dgst digest.Digest) (imgspecv1.Descriptor, error)
	// Put stores payload under dgst and returns its storage path. Storing a
	// digest which is already present returns the existing path untouched.
	Put(ctx context.Context, dgst digest.Digest, payload Payload) (string, error)
	// Remove deletes the entry for dgst. Removing a missing entry is a no-op.
	Remove(ctx context.Context, dgst digest.Digest) error
	// List enumerates the digests of all entries.
	List(ctx context.Context) ([]digest.Digest, error)
}

// Payload is the content handed over for one artifact instance.
type Payload interface {
	// MediaType returns MediaTypeFile or MediaTypeTree.
	MediaType() string
}

// FilePayload is a single-file payload read from a byte stream.
type FilePayload struct {
	Reader io.Reader
}

// MediaType implements Payload.
func (FilePayload) MediaType() string { return MediaTypeFile }

// TreePayload is a fully materialized directory tree.
type TreePayload struct {
	Dir string
}

// MediaType implements Payload.
func (TreePayload) MediaType() string { return MediaTypeTree }
