package homedir

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpand(t *testing.T) {
	t.Setenv("HOME", "/home/tester")

	testcases := []struct {
		path string
		want string
	}{
		{path: "", want: ""},
		{path: "/etc/system.yaml", want: "/etc/system.yaml"},
		{path: "relative", want: "relative"},
		{path: "~", want: "/home/tester"},
		{path: "~/firmware.bin", want: "/home/tester/firmware.bin"},
	}
	for _, tc := range testcases {
		got, err := Expand(tc.path)
		require.NoError(t, err, tc.path)
		assert.Equal(t, tc.want, got, tc.path)
	}

	_, err := Expand("~other/file")
	assert.Error(t, err)
}

func TestAbs(t *testing.T) {
	t.Setenv("HOME", "/home/tester")

	got, err := Abs("~/a/../b")
	require.NoError(t, err)
	assert.Equal(t, "/home/tester/b", got)

	got, err = Abs("payload")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(got))
}
