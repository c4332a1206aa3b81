// Package xio provides io helpers shared by the storage and conversion code.
package xio

import (
	"context"
	"errors"
	"fmt"
	"io"
)

const (
	_   = iota
	KiB = 1 << (10 * iota)
	MiB
	GiB
)

// ReadAtMost reads up to n bytes from r. A short read is not an error unless
// nothing at all could be read.
func ReadAtMost(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	read, err := io.ReadFull(r, buf)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = nil
	}
	return buf[:read], err
}

// LimitCopy copies at most limit bytes from r to w and fails when the limit
// is hit. This protects against decompression bomb attacks.
func LimitCopy(w io.Writer, r io.Reader, limit int64) (int64, error) {
	written, err := io.Copy(w, io.LimitReader(r, limit))
	if err != nil {
		return written, err
	}
	if written >= limit {
		return written, fmt.Errorf("size to read limit hit (potential decompression bomb attack): %d", limit)
	}
	return written, nil
}

// NewContextReader returns a reader failing with the context error once ctx
// is done.
func NewContextReader(ctx context.Context, r io.Reader) io.Reader {
	return &contextReader{ctx: ctx, r: r}
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}

// CloseAndSkipError closes c ignoring the error, for deferred closes of
// read-only handles.
func CloseAndSkipError(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

// WrapReader turns r into an io.ReadCloser calling closer on Close. The
// io.WriterTo fast path of r is kept.
func WrapReader(r io.Reader, closer func() error) io.ReadCloser {
	rc := readCloser{Reader: r, closer: closer}
	if _, ok := r.(io.WriterTo); ok {
		return writerToReadCloser{rc}
	}
	return rc
}

type readCloser struct {
	io.Reader
	closer func() error
}

func (r readCloser) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer()
}

type writerToReadCloser struct {
	readCloser
}

func (r writerToReadCloser) WriteTo(w io.Writer) (int64, error) {
	return r.Reader.(io.WriterTo).WriteTo(w)
}
