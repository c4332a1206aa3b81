// Package config loads the system configuration of the artifact repositories.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"

	"github.com/wuxler/ruartifact/pkg/errdefs"
	"github.com/wuxler/ruartifact/pkg/repository"
	"github.com/wuxler/ruartifact/pkg/xlog"
)

const (
	// DefaultPath is the configuration file read when none is given.
	DefaultPath = "/etc/ruartifact/system.yaml"
	// DefaultRunDir is where repositories are exposed at runtime.
	DefaultRunDir = "/run/ruartifact"

	EnvRunDir   = "RUART_RUN_DIR"
	EnvLogLevel = "RUART_LOG_LEVEL"
	EnvLogJSON  = "RUART_LOG_JSON"
)

// Config is the system configuration.
type Config struct {
	// Compatible identifies the system, it is reported in the status.
	Compatible   string                  `yaml:"compatible"`
	Artifacts    Artifacts               `yaml:"artifacts"`
	Repositories []repository.Repository `yaml:"repositories"`
	Log          Log                     `yaml:"log"`
}

// Artifacts configures the runtime layout shared by all repositories.
type Artifacts struct {
	RunDir        string `yaml:"run-dir"`
	StateFileName string `yaml:"state-file-name,omitempty"`
}

// Log configures the default logger.
type Log struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
	Path   string `yaml:"path,omitempty"`
	// MaxSize is the size in MB at which the log file is rotated.
	MaxSize    int  `yaml:"max-size,omitempty"`
	MaxBackups int  `yaml:"max-backups,omitempty"`
	Compress   bool `yaml:"compress,omitempty"`
}

// New returns a Config with default values.
func New() *Config {
	return &Config{
		Artifacts: Artifacts{RunDir: DefaultRunDir},
		Log:       Log{Level: "info", Format: "text"},
	}
}

// Load reads the configuration file at path, applies the environment
// overrides and validates the result.
func Load(fsys afero.Fs, path string) (*Config, error) {
	data, err := afero.ReadFile(fsys, path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errdefs.Newf(errdefs.ErrNotFound, "configuration file %s", path)
		}
		return nil, err
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("configuration file %s: %w", path, err)
	}
	if err := c.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("configuration file %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes a YAML configuration on top of the defaults. Unknown keys
// are rejected.
func Parse(data []byte) (*Config, error) {
	c := New()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return nil, errdefs.NewE(errdefs.ErrInvalidParameter, err)
	}
	for i := range c.Repositories {
		kind, err := repository.ParseKind(string(c.Repositories[i].Kind))
		if err != nil {
			return nil, fmt.Errorf("repository %s: %w", c.Repositories[i].Name, err)
		}
		c.Repositories[i].Kind = kind
	}
	return c, nil
}

// ApplyEnv overrides settings from the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvRunDir); ok && v != "" {
		c.Artifacts.RunDir = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Log.Level = v
	}
	if v, ok := lookup(EnvLogJSON); ok && v != "" {
		asJSON, err := cast.ToBoolE(v)
		if err != nil {
			return errdefs.Newf(errdefs.ErrInvalidParameter, "%s: %v", EnvLogJSON, err)
		}
		c.Log.Format = "text"
		if asJSON {
			c.Log.Format = "json"
		}
	}
	return nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if len(c.Repositories) == 0 {
		return errdefs.Newf(errdefs.ErrInvalidParameter, "no repositories configured")
	}
	if err := repository.ValidateAll(c.Repositories); err != nil {
		return err
	}
	if c.Artifacts.RunDir != "" && !filepath.IsAbs(c.Artifacts.RunDir) {
		return errdefs.Newf(errdefs.ErrInvalidParameter, "run-dir %q is not absolute", c.Artifacts.RunDir)
	}
	if name := c.Artifacts.StateFileName; name != "" && (strings.ContainsRune(name, filepath.Separator) || name == "." || name == "..") {
		return errdefs.Newf(errdefs.ErrInvalidParameter, "state-file-name %q must be a plain file name", name)
	}
	if _, err := xlog.ParseLevel(c.Log.Level); err != nil {
		return errdefs.NewE(errdefs.ErrInvalidParameter, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return errdefs.Newf(errdefs.ErrInvalidParameter, "unknown log format %q", c.Log.Format)
	}
	return nil
}

// RepositoryOptions returns the options opening the configured repositories.
func (c *Config) RepositoryOptions() []repository.Option {
	opts := []repository.Option{
		repository.WithCompatible(c.Compatible),
		repository.WithRunDir(c.Artifacts.RunDir),
	}
	if c.Artifacts.StateFileName != "" {
		opts = append(opts, repository.WithStateFileName(c.Artifacts.StateFileName))
	}
	return opts
}

// LogConfig returns the logger configuration.
func (c *Config) LogConfig() xlog.Config {
	lc := xlog.NewConfig()
	if lvl, err := xlog.ParseLevel(c.Log.Level); err == nil {
		lc.Level = lvl
	}
	lc.StdFormat = c.Log.Format
	lc.Path = c.Log.Path
	if c.Log.MaxSize > 0 {
		lc.MaxSize = c.Log.MaxSize
	}
	lc.MaxBackups = c.Log.MaxBackups
	lc.Compress = c.Log.Compress
	return lc
}
