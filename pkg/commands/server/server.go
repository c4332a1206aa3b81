// Package server provides the command serving the repository status over
// HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v3"

	"github.com/wuxler/ruartifact/pkg/cmdhelper"
	"github.com/wuxler/ruartifact/pkg/commands/internal/options"
	"github.com/wuxler/ruartifact/pkg/errdefs"
	"github.com/wuxler/ruartifact/pkg/repository"
	"github.com/wuxler/ruartifact/pkg/xlog"
)

// New creates a new ServerCommand.
func New() *Command {
	return &Command{
		Common:        options.NewCommon(),
		ServerOptions: options.NewServerOptions(),
	}
}

// Command is a command to start the server.
type Command struct {
	Common        *options.Common
	ServerOptions *options.ServerOptions
}

// ToCLI transforms to a *cli.Command.
func (c *Command) ToCLI() *cli.Command {
	return &cli.Command{
		Name:    "server",
		Aliases: []string{"srv"},
		Usage:   "Serve the repository status over HTTP",
		UsageText: `ruart server [OPTIONS]

# Serve on the default address 127.0.0.1:8080
$ ruart server

# Serve with custom port
$ ruart server --port 9000
`,
		Flags:  c.Flags(),
		Before: cmdhelper.BeforeFunc(cmdhelper.NoArgs()),
		Action: c.Run,
	}
}

// Flags defines the flags related to the current command.
func (c *Command) Flags() []cli.Flag {
	flags := []cli.Flag{}
	flags = append(flags, c.ServerOptions.Flags()...)
	flags = append(flags, c.Common.Flags()...)
	return flags
}

// Run is the main function for the current command
func (c *Command) Run(ctx context.Context, cmd *cli.Command) error {
	m, err := c.Common.OpenManager(ctx, repository.WithReadOnly())
	if err != nil {
		return err
	}
	defer m.Close(context.WithoutCancel(ctx)) //nolint:errcheck // read only

	address := c.ServerOptions.Address()
	xlog.C(ctx).Infof("Starting server %s", address)

	srv := &http.Server{
		Addr:              address,
		Handler:           NewRouter(m),
		ReadHeaderTimeout: 10 * time.Second, //nolint:mnd // read header timeout
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			xlog.C(ctx).Error("Server error", "error", err)
		}
	}()

	cmdhelper.Fprintf(cmd.Writer, "Server started at http://%s", address)
	cmdhelper.Fprintf(cmd.Writer, "Press Ctrl+C to stop the server")

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.ServerOptions.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		xlog.C(ctx).Error("Server shutdown failed", "error", err)
		return err
	}
	xlog.C(ctx).Info("Server stopped")
	return nil
}

// NewRouter returns the read-only status API of m. A read-only m is
// reloaded on every API request, following the installs of other
// processes.
func NewRouter(m *repository.Manager) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	api := router.Group("/api/v1")
	if m.ReadOnly() {
		api.Use(func(c *gin.Context) {
			if err := m.Reload(c.Request.Context()); err != nil {
				abort(c, err)
				return
			}
			c.Next()
		})
	}
	api.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, m.Status())
	})
	api.GET("/repositories/:repository", func(c *gin.Context) {
		name := c.Param("repository")
		if _, err := m.Get(name); err != nil {
			abort(c, err)
			return
		}
		status := m.Status()
		c.JSON(http.StatusOK, status.Repository(name))
	})
	api.GET("/repositories/:repository/artifacts/:artifact", func(c *gin.Context) {
		name, artifact := c.Param("repository"), c.Param("artifact")
		if _, err := m.Get(name); err != nil {
			abort(c, err)
			return
		}
		status := m.Status()
		a := status.Repository(name).Artifact(artifact)
		if a == nil {
			abort(c, errdefs.Newf(errdefs.ErrNotFound, "artifact %s/%s", name, artifact))
			return
		}
		c.JSON(http.StatusOK, a)
	})
	return router
}

func abort(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	if errors.Is(err, errdefs.ErrNotFound) {
		code = http.StatusNotFound
	}
	c.AbortWithStatusJSON(code, gin.H{"error": err.Error()})
}
