// Package xlog extends log/slog with printf helpers, dynamic levels, file
// rotation and context propagation.
//
// Components log through the Logger carried by their context, see C. The
// default Logger is used by code without a context at hand.
package xlog

import (
	"sync/atomic"
)

var defaultLogger atomic.Pointer[Logger]

func init() {
	defaultLogger.Store(New(NewConfig()))
}

// Default returns the default Logger.
func Default() *Logger { return defaultLogger.Load() }

// SetDefault makes l the default Logger.
func SetDefault(l *Logger) {
	defaultLogger.Store(l)
}

// Configure builds a Logger from c and makes it the default.
func Configure(c Config) *Logger {
	l := New(c)
	SetDefault(l)
	return l
}

// Warnf calls Logger.Warnf on the default logger.
func Warnf(format string, args ...any) {
	Default().AddCallerSkip(1).Warnf(format, args...)
}
