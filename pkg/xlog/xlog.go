// Package xlog extends log/slog with some features.
package xlog

import "sync/atomic"

var defaultLogger atomic.Value

func init() {
	defaultLogger.Store(New(NewConfig()))
}

// Default returns the default Logger.
func Default() *Logger { return defaultLogger.Load().(*Logger) }

// SetDefault makes l the default Logger.
func SetDefault(l *Logger) {
	defaultLogger.Store(l)
}
