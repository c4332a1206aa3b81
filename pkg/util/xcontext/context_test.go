package xcontext_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wuxler/ruartifact/pkg/errdefs"
	"github.com/wuxler/ruartifact/pkg/util/xcontext"
)

func TestNonBlockingCheck(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	assert.NoError(t, xcontext.NonBlockingCheck(ctx, "copy"))

	cancel()
	err := xcontext.NonBlockingCheck(ctx, "copy", "tree")
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, errdefs.ErrCanceled)
	assert.Contains(t, err.Error(), "copy: tree")
	assert.ErrorIs(t, xcontext.NonBlockingCheck(ctx), context.Canceled)
}
