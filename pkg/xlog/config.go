package xlog

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// NewConfig returns the default logging configuration.
func NewConfig() Config {
	return Config{
		Level:        slog.LevelInfo,
		AddSource:    false,
		AttrReplacer: NormalizeSourceAttrReplacer(),
		StdFormat:    "text",
		StdWriter:    os.Stderr,
		MaxSize:      10,
	}
}

// Config configures the handlers built for a Logger.
type Config struct {
	// Level is the minimum level emitted, LevelInfo by default.
	Level slog.Level
	// AddSource adds the source file and line to each record.
	AddSource bool
	// AttrReplacer rewrites attributes before they are emitted.
	AttrReplacer AttrReplacer

	// StdFormat is the console format, one of ["text", "json"].
	StdFormat string
	// StdWriter receives console output, os.Stderr by default.
	StdWriter io.Writer

	// Path is the log file path. Empty disables file output.
	Path string
	// MaxSize is the size in MB at which the log file is rotated.
	MaxSize int
	// MaxAge is the number of days rotated files are kept, 0 keeps them forever.
	MaxAge int
	// MaxBackups is the number of rotated files kept, 0 keeps all of them.
	MaxBackups int
	// Compress gzips rotated files.
	Compress bool
}

// BuildHandler creates a new slog.Handler with config.
func (c *Config) BuildHandler() slog.Handler {
	opts := c.buildHandlerOptions()
	if c.StdFormat == "json" {
		writer := c.StdWriter
		if fw := c.buildFileWriter(); fw != nil {
			writer = io.MultiWriter(c.StdWriter, fw)
		}
		return NewLeveledHandlerCreator(JSONHandlerCreator)(writer, opts)
	}

	handlers := []slog.Handler{
		NewLeveledHandlerCreator(TextHandlerCreator)(c.StdWriter, opts),
	}
	// the file always receives json records, whatever the console format is
	if fw := c.buildFileWriter(); fw != nil {
		handlers = append(handlers, NewLeveledHandlerCreator(JSONHandlerCreator)(fw, opts))
	}
	return MultiHandler(handlers...)
}

func (c *Config) buildFileWriter() io.Writer {
	if c.Path == "" {
		return nil
	}
	return &lumberjack.Logger{
		Filename:   c.Path,
		MaxSize:    c.MaxSize,
		MaxAge:     c.MaxAge,
		MaxBackups: c.MaxBackups,
		Compress:   c.Compress,
	}
}

func (c *Config) buildHandlerOptions() *slog.HandlerOptions {
	return &slog.HandlerOptions{
		AddSource:   c.AddSource,
		Level:       c.Level,
		ReplaceAttr: c.AttrReplacer,
	}
}
