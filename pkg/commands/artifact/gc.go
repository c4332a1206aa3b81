package artifact

import (
	"context"
	"errors"

	"github.com/manifoldco/promptui"
	"github.com/urfave/cli/v3"

	"github.com/wuxler/ruartifact/pkg/cmdhelper"
	"github.com/wuxler/ruartifact/pkg/commands/internal/options"
)

// NewGCCommand returns a GCCommand with default values.
func NewGCCommand() *GCCommand {
	return &GCCommand{
		Common: options.NewCommon(),
	}
}

// GCCommand removes every unreferenced instance and orphaned store entry.
type GCCommand struct {
	Common *options.Common
	Yes    bool
}

// ToCLI transforms to a *cli.Command.
func (c *GCCommand) ToCLI() *cli.Command {
	return &cli.Command{
		Name:    "gc",
		Aliases: []string{"prune"},
		Usage:   "Remove unreferenced instances from all repositories",
		UsageText: `ruart gc [OPTIONS]

# Collect after confirmation
$ ruart gc

# Collect without asking
$ ruart gc --yes
`,
		Flags:  c.Flags(),
		Before: cmdhelper.BeforeFunc(cmdhelper.NoArgs()),
		Action: c.Run,
	}
}

// Flags defines the flags related to the current command.
func (c *GCCommand) Flags() []cli.Flag {
	flags := []cli.Flag{
		&cli.BoolFlag{
			Name:        "yes",
			Aliases:     []string{"y"},
			Usage:       "do not ask for confirmation",
			Sources:     cli.EnvVars("RUART_GC_YES"),
			Destination: &c.Yes,
		},
	}
	flags = append(flags, c.Common.Flags()...)
	return flags
}

// Run is the main function for the current command
func (c *GCCommand) Run(ctx context.Context, cmd *cli.Command) error {
	if !c.Yes {
		prompt := promptui.Prompt{
			Label:     "Remove all unreferenced instances",
			IsConfirm: true,
		}
		if _, err := prompt.Run(); err != nil {
			if errors.Is(err, promptui.ErrAbort) {
				cmdhelper.Fprintf(cmd.Writer, "Aborted")
				return nil
			}
			return err
		}
	}

	m, err := c.Common.OpenManager(ctx)
	if err != nil {
		return err
	}
	defer m.Close(ctx) //nolint:errcheck // state is saved on every change

	results, err := m.Collect(ctx)
	for _, res := range results {
		for artifact, digests := range res.Instances {
			for _, dgst := range digests {
				cmdhelper.Fprintf(cmd.Writer, "Removed %s/%s %s", res.Repository, artifact, dgst)
			}
		}
		for _, dgst := range res.Orphans {
			cmdhelper.Fprintf(cmd.Writer, "Removed orphan %s/%s", res.Repository, dgst)
		}
	}
	return err
}
