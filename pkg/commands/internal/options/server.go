package options

import (
	"net"
	"strconv"
	"time"

	"github.com/urfave/cli/v3"
)

const (
	// ServerFlagCategory is the category of the server flags.
	ServerFlagCategory = "[Server]"

	// DefaultServerPort is the default port of the status server.
	DefaultServerPort int64 = 8080

	// DefaultServerHost is the default host of the status server, the
	// status is only served locally.
	DefaultServerHost = "127.0.0.1"

	// DefaultShutdownTimeout bounds the graceful shutdown.
	DefaultShutdownTimeout = 5 * time.Second
)

// NewServerOptions returns a new *ServerOptions with default values.
func NewServerOptions() *ServerOptions {
	return &ServerOptions{
		Port:            DefaultServerPort,
		Host:            DefaultServerHost,
		ShutdownTimeout: DefaultShutdownTimeout,
	}
}

// ServerOptions defines the options for the status server.
type ServerOptions struct {
	Port            int64
	Host            string
	ShutdownTimeout time.Duration
}

// Flags returns the []cli.Flag related to current options.
func (o *ServerOptions) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:        "port",
			Aliases:     []string{"p"},
			Usage:       "port to listen on",
			Sources:     cli.EnvVars("RUART_SERVER_PORT"),
			Value:       o.Port,
			Destination: &o.Port,
			Category:    ServerFlagCategory,
		},
		&cli.StringFlag{
			Name:        "host",
			Usage:       "host to listen on",
			Sources:     cli.EnvVars("RUART_SERVER_HOST"),
			Value:       o.Host,
			Destination: &o.Host,
			Category:    ServerFlagCategory,
		},
		&cli.DurationFlag{
			Name:        "shutdown-timeout",
			Usage:       "time to wait for pending requests on shutdown",
			Value:       o.ShutdownTimeout,
			Destination: &o.ShutdownTimeout,
			Category:    ServerFlagCategory,
		},
	}
}

// Address returns the server address format as host:port.
func (o *ServerOptions) Address() string {
	return net.JoinHostPort(o.Host, strconv.FormatInt(o.Port, 10))
}
