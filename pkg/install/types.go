package install

import (
	"errors"

	"github.com/opencontainers/go-digest"

	"github.com/wuxler/ruartifact/pkg/cas"
)

// Item is one artifact payload of a transaction.
type Item struct {
	Repository string
	Artifact   string
	// Payload is the content. Either Payload or Source must be set.
	Payload cas.Payload
	// Source is the path of a file or directory holding the content.
	Source string
	// Digest is the expected checksum of the content, computed if empty.
	Digest digest.Digest
	// References are additional holders declared for the new instance.
	References []string
}

// Transaction delivers the artifacts of one update.
type Transaction struct {
	// ID names the pending references of the transaction, generated if empty.
	ID    string
	Items []Item
	// AllOrNothing aborts the whole transaction if any item fails before
	// publication. No item is published then.
	AllOrNothing bool
}

// ItemResult is the outcome of one item.
type ItemResult struct {
	Repository string
	Artifact   string
	Digest     digest.Digest
	Path       string
	// Previous is the instance active before the transaction.
	Previous digest.Digest
	// Collected lists the instances removed after activation.
	Collected []digest.Digest
	// Err is a *errdefs.StepError naming the failed step.
	Err error
}

// Activated reports whether the item got published.
func (r *ItemResult) Activated() bool {
	return r.Err == nil
}

// Result is the outcome of a transaction.
type Result struct {
	ID    string
	Items []ItemResult
}

// Err joins the errors of all failed items.
func (r *Result) Err() error {
	var errs []error
	for _, item := range r.Items {
		if item.Err != nil {
			errs = append(errs, item.Err)
		}
	}
	return errors.Join(errs...)
}

// Failed returns the results of all failed items.
func (r *Result) Failed() []ItemResult {
	var failed []ItemResult
	for _, item := range r.Items {
		if item.Err != nil {
			failed = append(failed, item)
		}
	}
	return failed
}
