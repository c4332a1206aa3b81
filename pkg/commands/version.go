package commands

import (
	"context"

	"github.com/urfave/cli/v3"

	"github.com/wuxler/ruartifact/pkg/appinfo"
	"github.com/wuxler/ruartifact/pkg/cmdhelper"
	"github.com/wuxler/ruartifact/pkg/commands/internal/options"
)

// NewVersionCommand returns a version command.
func NewVersionCommand() *VersionCommand {
	return &VersionCommand{
		Common: options.NewCommon(),
		Format: cmdhelper.FormatText,
	}
}

// VersionCommand prints the build information of ruart or the compatible
// string of the configured system.
type VersionCommand struct {
	Common     *options.Common
	Short      bool
	Compatible bool
	Format     string
}

// ToCLI returns a *cli.Command.
func (c *VersionCommand) ToCLI() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show the ruart build and the system it is configured for",
		UsageText: `ruart version [OPTIONS]

# Show the build information
$ ruart version

# Show the build information as json
$ ruart version --format json

# Show the compatible string of the system configuration
$ ruart version --compatible --config /etc/ruart/system.yaml
`,
		Flags:  c.Flags(),
		Before: cmdhelper.BeforeFunc(cmdhelper.NoArgs()),
		Action: c.Run,
	}
}

// Run implements *cli.Command Action function.
func (c *VersionCommand) Run(_ context.Context, cmd *cli.Command) error {
	if c.Compatible {
		cfg, err := c.Common.LoadConfig()
		if err != nil {
			return err
		}
		if ok, err := cmdhelper.WriteStructured(cmd.Writer, c.Format, map[string]string{"compatible": cfg.Compatible}); ok {
			return err
		}
		cmdhelper.Fprintf(cmd.Writer, "%s", cfg.Compatible)
		return nil
	}
	return appinfo.NewVersionWriter(appinfo.GetVersion()).
		SetShort(c.Short).
		SetFormat(c.Format).
		SetAppName(cmd.Root().Name).
		Write(cmd.Writer)
}

// Flags returns a list of cli flags of the commands.
func (c *VersionCommand) Flags() []cli.Flag {
	flags := []cli.Flag{
		&cli.BoolFlag{
			Name:        "short",
			Aliases:     []string{"s"},
			Usage:       "print the version number only",
			Value:       c.Short,
			Destination: &c.Short,
		},
		&cli.BoolFlag{
			Name:        "compatible",
			Usage:       "print the compatible string of the system configuration",
			Destination: &c.Compatible,
		},
		&cli.StringFlag{
			Name:        "format",
			Aliases:     []string{"f"},
			Usage:       `output format, oneof ["text", "json", "yaml"]`,
			Value:       c.Format,
			Destination: &c.Format,
			Validator:   cmdhelper.ValidateFormat,
		},
	}
	return append(flags, c.Common.Flags()...)
}
