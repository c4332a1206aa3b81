package xio

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapReader(t *testing.T) {
	closed := 0
	closer := func() error {
		closed++
		return nil
	}

	t.Run("writer to", func(t *testing.T) {
		rc := WrapReader(strings.NewReader("content"), closer)
		_, ok := rc.(io.WriterTo)
		assert.True(t, ok)

		buf := &bytes.Buffer{}
		_, err := io.Copy(buf, rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		assert.Equal(t, "content", buf.String())
	})

	t.Run("plain reader", func(t *testing.T) {
		rc := WrapReader(io.LimitReader(strings.NewReader("content"), 3), closer)
		_, ok := rc.(io.WriterTo)
		assert.False(t, ok)

		got, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		assert.Equal(t, "con", string(got))
	})

	assert.Equal(t, 2, closed)
	assert.NoError(t, WrapReader(strings.NewReader(""), nil).Close())
}
