package options

import (
	"context"

	"github.com/spf13/afero"
	"github.com/urfave/cli/v3"

	"github.com/wuxler/ruartifact/pkg/config"
	"github.com/wuxler/ruartifact/pkg/repository"
	"github.com/wuxler/ruartifact/pkg/util/homedir"
	"github.com/wuxler/ruartifact/pkg/xlog"
)

// NewCommon returns a *Common with default values.
func NewCommon() *Common {
	return &Common{
		ConfigFile: config.DefaultPath,
		fs:         afero.NewOsFs(),
	}
}

// Common are options that are common to all commands touching the
// repositories.
type Common struct {
	ConfigFile string `json:"config,omitempty" yaml:"config,omitempty"`
	Debug      bool   `json:"debug,omitempty" yaml:"debug,omitempty"`

	fs afero.Fs
}

// Flags returns the []cli.Flag related to current options.
func (o *Common) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Aliases:     []string{"c"},
			Usage:       "system configuration file",
			Sources:     cli.EnvVars("RUART_CONFIG"),
			Value:       o.ConfigFile,
			Destination: &o.ConfigFile,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Aliases:     []string{"d"},
			Sources:     cli.EnvVars("RUART_DEBUG"),
			Usage:       "enable debug mode",
			Destination: &o.Debug,
		},
	}
}

// LoadConfig reads the configuration and installs the default logger it
// describes.
func (o *Common) LoadConfig() (*config.Config, error) {
	path, err := homedir.Expand(o.ConfigFile)
	if err != nil {
		return nil, err
	}
	c, err := config.Load(o.fs, path)
	if err != nil {
		return nil, err
	}
	if o.Debug {
		c.Log.Level = "debug"
	}
	xlog.Configure(c.LogConfig())
	return c, nil
}

// OpenManager loads the configuration and opens all repositories. opts are
// applied after the configured options, e.g. repository.WithReadOnly for
// commands only inspecting the repositories.
func (o *Common) OpenManager(ctx context.Context, opts ...repository.Option) (*repository.Manager, error) {
	c, err := o.LoadConfig()
	if err != nil {
		return nil, err
	}
	return repository.Open(ctx, c.Repositories, append(c.RepositoryOptions(), opts...)...)
}
