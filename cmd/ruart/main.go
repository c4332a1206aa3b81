// Package main is the entry of the application.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/wuxler/ruartifact/pkg/cmdhelper"
	"github.com/wuxler/ruartifact/pkg/commands"
	"github.com/wuxler/ruartifact/pkg/commands/artifact"
	"github.com/wuxler/ruartifact/pkg/commands/server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := cli.Command{
		Name:                  "ruart",
		Usage:                 "ruart manages versioned artifacts outside the update slots",
		Suggest:               true,
		EnableShellCompletion: true,
		HideVersion:           true,
		HideHelpCommand:       true,
		Commands: []*cli.Command{
			commands.NewVersionCommand().ToCLI(),
			artifact.NewStatusCommand().ToCLI(),
			artifact.NewInstallCommand().ToCLI(),
			artifact.NewGCCommand().ToCLI(),
			server.New().ToCLI(),
		},
		ExitErrHandler: func(ctx context.Context, c *cli.Command, err error) {
			cli.HandleExitCoder(err)
			cmdhelper.Fprintf(c.ErrWriter, "Error: %+v\n", err)
			os.Exit(1)
		},
	}
	//nolint:errcheck // already checked in root command ExitErrHandler
	_ = app.Run(ctx, os.Args)
}
