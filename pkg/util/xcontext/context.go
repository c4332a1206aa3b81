// Package xcontext provides context helpers.
package xcontext

import (
	"context"
	"fmt"
	"strings"

	"github.com/wuxler/ruartifact/pkg/errdefs"
)

// NonBlockingCheck returns errdefs.ErrCanceled joined with the context error,
// prefixed with msgs, if ctx is already done. It never blocks.
func NonBlockingCheck(ctx context.Context, msgs ...string) error {
	select {
	case <-ctx.Done():
		err := ctx.Err()
		if len(msgs) > 0 {
			err = fmt.Errorf("%s: %w", strings.Join(msgs, ": "), err)
		}
		return errdefs.NewE(errdefs.ErrCanceled, err)
	default:
		return nil
	}
}
