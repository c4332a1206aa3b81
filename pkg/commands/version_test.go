package commands

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"
)

func runVersion(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := &cli.Command{
		Name:     "ruart",
		Writer:   &out,
		Commands: []*cli.Command{NewVersionCommand().ToCLI()},
	}
	err := app.Run(context.Background(), append([]string{"ruart", "version"}, args...))
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := runVersion(t)
	require.NoError(t, err)
	assert.Contains(t, out, "Application : ruart")

	out, err = runVersion(t, "--format", "json")
	require.NoError(t, err)
	assert.Contains(t, out, `"version"`)

	_, err = runVersion(t, "extra")
	assert.Error(t, err)
}

func TestVersionCommand_Compatible(t *testing.T) {
	cfg := filepath.Join(t.TempDir(), "system.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte(`compatible: Test Config
repositories:
  - name: files
    path: `+filepath.Join(t.TempDir(), "files")+`
    type: files
log:
  level: error
`), 0o644))

	out, err := runVersion(t, "--compatible", "--config", cfg)
	require.NoError(t, err)
	assert.Equal(t, "Test Config\n", out)

	out, err = runVersion(t, "--compatible", "--config", cfg, "--format", "json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"compatible":"Test Config"}`, out)

	_, err = runVersion(t, "--compatible", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
