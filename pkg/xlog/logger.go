package xlog

import (
	"context"
	"log/slog"
	"runtime"
	"time"
)

// skip [runtime.Callers, Logger.log, the log-level method that called it]
const callerSkip = 3

// New creates a new Logger with the Handler that c builds; it panics if that
// Handler is nil.
func New(c Config) *Logger {
	h := c.BuildHandler()
	if h == nil {
		panic("nil Handler")
	}
	return &Logger{handler: h}
}

// Logger extends slog.Handler with the level methods the push core's event
// sink adapter and CLI commands call.
type Logger struct {
	handler slog.Handler
}

// Handler returns l's Handler.
func (l *Logger) Handler() slog.Handler { return l.handler }

// EnabledContext reports whether l emits log records at the given context and level.
func (l *Logger) EnabledContext(ctx context.Context, level slog.Level) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	return l.Handler().Enabled(ctx, level)
}

// Log emits a log record with the current time and the given level and message.
//
// The attribute arguments are processed as follows:
//   - If an argument is an Attr, it is used as is.
//   - If an argument is a string and this is not the last argument,
//     the following argument is treated as the value and the two are combined
//     into an Attr.
//   - Otherwise, the argument is treated as a value with key "!BADKEY".
func (l *Logger) Log(ctx context.Context, level slog.Level, msg string, args ...any) {
	l.log(ctx, level, msg, args...)
}

// Debug logs at LevelDebug.
func (l *Logger) Debug(msg string, args ...any) {
	l.log(context.Background(), slog.LevelDebug, msg, args...)
}

// Info logs at LevelInfo.
func (l *Logger) Info(msg string, args ...any) {
	l.log(context.Background(), slog.LevelInfo, msg, args...)
}

// Warn logs at LevelWarn.
func (l *Logger) Warn(msg string, args ...any) {
	l.log(context.Background(), slog.LevelWarn, msg, args...)
}

// Error logs at LevelError.
func (l *Logger) Error(msg string, args ...any) {
	l.log(context.Background(), slog.LevelError, msg, args...)
}

// log is the low-level logging method. It must always be called directly by
// an exported logging method, because it uses a fixed call depth to obtain
// the pc.
func (l *Logger) log(ctx context.Context, level slog.Level, msg string, args ...any) {
	if !l.EnabledContext(ctx, level) {
		return
	}
	var pcs [1]uintptr
	runtime.Callers(callerSkip, pcs[:])
	r := slog.NewRecord(time.Now(), level, msg, pcs[0])
	r.Add(args...)
	if ctx == nil {
		ctx = context.Background()
	}
	_ = l.Handler().Handle(ctx, r) //nolint:errcheck
}
