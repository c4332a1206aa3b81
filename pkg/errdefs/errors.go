package errdefs

import "errors"

var (
	// ErrNotFound signals that the requested object doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidParameter signals that the user input is invalid.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrAlreadyExists signals that resources is already exists.
	ErrAlreadyExists = errors.New("already exists")

	// ErrCanceled signals that the action was canceled.
	ErrCanceled = errors.New("canceled")

	// ErrUnsupported indicates that the action was not supported.
	ErrUnsupported = errors.New("unsupported")

	// ErrStorageIO signals that reading or writing artifact data on disk failed,
	// for example because the disk is full or permissions are wrong. The install
	// of the affected artifact is aborted and may be retried.
	ErrStorageIO = errors.New("storage io error")

	// ErrUnknownInstance signals that a reference or activation was requested
	// for a checksum that has never been registered for the artifact. It is a
	// programming or data error and must not be retried.
	ErrUnknownInstance = errors.New("unknown instance")

	// ErrConsistency signals an invariant violation, such as an installed
	// artifact without active instance or a collection targeting the active
	// instance. The affected artifact refuses further mutation.
	ErrConsistency = errors.New("consistency error")
)
