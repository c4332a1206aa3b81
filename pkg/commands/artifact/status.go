// Package artifact provides the commands operating on the artifact
// repositories.
package artifact

import (
	"context"
	"io"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/wuxler/ruartifact/pkg/cmdhelper"
	"github.com/wuxler/ruartifact/pkg/commands/internal/options"
	"github.com/wuxler/ruartifact/pkg/repository"
)

// NewStatusCommand returns a StatusCommand with default values.
func NewStatusCommand() *StatusCommand {
	return &StatusCommand{
		Common: options.NewCommon(),
		Format: cmdhelper.FormatText,
	}
}

// StatusCommand prints the artifacts of all repositories.
type StatusCommand struct {
	Common     *options.Common
	Format     string
	Repository string
}

// ToCLI transforms to a *cli.Command.
func (c *StatusCommand) ToCLI() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show the artifacts and instances of the repositories",
		UsageText: `ruart status [OPTIONS]

# Show all repositories
$ ruart status

# Show one repository as json
$ ruart status --repository files --format json
`,
		Flags:  c.Flags(),
		Before: cmdhelper.BeforeFunc(cmdhelper.NoArgs()),
		Action: c.Run,
	}
}

// Flags defines the flags related to the current command.
func (c *StatusCommand) Flags() []cli.Flag {
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "format",
			Aliases:     []string{"f"},
			Usage:       `output format, oneof ["text", "json", "yaml"]`,
			Value:       c.Format,
			Destination: &c.Format,
			Validator:   cmdhelper.ValidateFormat,
		},
		&cli.StringFlag{
			Name:        "repository",
			Aliases:     []string{"r"},
			Usage:       "only show the named repository",
			Destination: &c.Repository,
		},
	}
	flags = append(flags, c.Common.Flags()...)
	return flags
}

// Run is the main function for the current command
func (c *StatusCommand) Run(ctx context.Context, cmd *cli.Command) error {
	m, err := c.Common.OpenManager(ctx, repository.WithReadOnly())
	if err != nil {
		return err
	}
	defer m.Close(ctx) //nolint:errcheck // read only

	status := m.Status()
	if c.Repository != "" {
		if _, err := m.Get(c.Repository); err != nil {
			return err
		}
		rs := status.Repository(c.Repository)
		status.Repositories = []repository.RepositoryStatus{*rs}
	}
	return WriteStatus(cmd.Writer, c.Format, status)
}

// WriteStatus renders status in format.
func WriteStatus(w io.Writer, format string, status repository.Status) error {
	if ok, err := cmdhelper.WriteStructured(w, format, status); ok {
		return err
	}
	if status.Compatible != "" {
		cmdhelper.Fprintf(w, "Compatible: %s", status.Compatible)
	}
	for _, rs := range status.Repositories {
		cmdhelper.Fprintf(w, "[%s] type=%s path=%s", rs.Name, rs.Type, rs.Path)
		if len(rs.Artifacts) == 0 {
			cmdhelper.Fprintf(w, "  (no artifacts)")
		}
		for _, a := range rs.Artifacts {
			active := string(a.Active)
			if active == "" {
				active = "-"
			}
			cmdhelper.Fprintf(w, "  %s active=%s", a.Name, active)
			if a.Error != "" {
				cmdhelper.Fprintf(w, "    error: %s", a.Error)
			}
			for _, i := range a.Instances {
				marker := " "
				if i.Checksum == a.Active {
					marker = "*"
				}
				cmdhelper.Fprintf(w, "   %s %s created=%s references=[%s]", marker, i.Checksum,
					i.Created.UTC().Format("2006-01-02T15:04:05Z"), strings.Join(i.References, ","))
			}
		}
	}
	return nil
}
