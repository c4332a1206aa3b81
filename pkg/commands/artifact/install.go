package artifact

import (
	"context"
	"fmt"
	"strings"

	"github.com/opencontainers/go-digest"
	"github.com/urfave/cli/v3"

	"github.com/wuxler/ruartifact/pkg/cmdhelper"
	"github.com/wuxler/ruartifact/pkg/commands/internal/options"
	"github.com/wuxler/ruartifact/pkg/install"
	"github.com/wuxler/ruartifact/pkg/util/homedir"
)

// NewInstallCommand returns an InstallCommand with default values.
func NewInstallCommand() *InstallCommand {
	return &InstallCommand{
		Common: options.NewCommon(),
	}
}

// InstallCommand installs a file or directory as new instance of an
// artifact and activates it.
type InstallCommand struct {
	Common *options.Common

	Repository string
	Artifact   string
	Checksum   string
	References []string
	Quiet      bool
}

// ToCLI transforms to a *cli.Command.
func (c *InstallCommand) ToCLI() *cli.Command {
	return &cli.Command{
		Name:  "install",
		Usage: "Install a file or directory as the active instance of an artifact",
		UsageText: `ruart install [OPTIONS] PATH

# Install a single file
$ ruart install --repository files --artifact firmware ./firmware.bin

# Install a packaged tree into a repository with conversion rule
$ ruart install -r containers -a app ./app.tar.gz

# Keep the instance while the named holder uses it
$ ruart install -r files -a firmware --reference manifest:main ./firmware.bin
`,
		ArgsUsage: "PATH",
		Flags:     c.Flags(),
		Before:    cmdhelper.BeforeFunc(cmdhelper.Chain(cmdhelper.ExactArgs(1), c.Validate)),
		Action:    c.Run,
	}
}

// Flags defines the flags related to the current command.
func (c *InstallCommand) Flags() []cli.Flag {
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "repository",
			Aliases:     []string{"r"},
			Usage:       "target repository",
			Required:    true,
			Destination: &c.Repository,
		},
		&cli.StringFlag{
			Name:        "artifact",
			Aliases:     []string{"a"},
			Usage:       "artifact name",
			Required:    true,
			Destination: &c.Artifact,
		},
		&cli.StringFlag{
			Name:        "checksum",
			Usage:       "expected checksum of the payload, e.g. sha256:...",
			Destination: &c.Checksum,
		},
		&cli.StringSliceFlag{
			Name:        "reference",
			Usage:       "holder to reference the installed instance with",
			Destination: &c.References,
		},
		&cli.BoolFlag{
			Name:        "quiet",
			Aliases:     []string{"q"},
			Usage:       "do not print progress",
			Destination: &c.Quiet,
		},
	}
	flags = append(flags, c.Common.Flags()...)
	return flags
}

// Validate validates commands flags.
func (c *InstallCommand) Validate(_ context.Context, _ *cli.Command) error {
	if c.Checksum != "" {
		if _, err := digest.Parse(c.Checksum); err != nil {
			return fmt.Errorf("invalid --checksum %q: %w", c.Checksum, err)
		}
	}
	return nil
}

// Run is the main function for the current command
func (c *InstallCommand) Run(ctx context.Context, cmd *cli.Command) error {
	source, err := homedir.Abs(cmd.Args().First())
	if err != nil {
		return err
	}
	m, err := c.Common.OpenManager(ctx)
	if err != nil {
		return err
	}
	defer m.Close(ctx) //nolint:errcheck // state is saved on every change

	var opts []install.Option
	if !c.Quiet {
		opts = append(opts, install.WithProgress(func(p install.Progress) {
			cmdhelper.Fprintf(cmd.Writer, "[%3d%%] %s%s", p.Percentage, strings.Repeat("  ", max(p.Depth-1, 0)), p.Message)
		}))
	}
	o := install.New(m, opts...)
	result, err := o.Install(ctx, install.Transaction{Items: []install.Item{{
		Repository: c.Repository,
		Artifact:   c.Artifact,
		Source:     source,
		Digest:     digest.Digest(c.Checksum),
		References: c.References,
	}}})
	if err != nil {
		return err
	}
	for _, item := range result.Items {
		if item.Err != nil {
			continue
		}
		cmdhelper.Fprintf(cmd.Writer, "Installed %s/%s %s", item.Repository, item.Artifact, item.Digest)
		if item.Previous != "" && item.Previous != item.Digest {
			cmdhelper.Fprintf(cmd.Writer, "Replaced %s, collected %d instances", item.Previous, len(item.Collected))
		}
	}
	return result.Err()
}
