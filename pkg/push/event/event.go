// Package event defines the sink interface push components emit progress
// through, and a span helper for timing step bodies.
package event

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// Sink receives human-readable progress events from the push core. Events
// from a single step are delivered in program order; events across
// concurrent steps are not ordered relative to each other.
type Sink interface {
	Log(level slog.Level, msg string, args ...any)
	Progress(unit string, total, done int64)
	TimerSpan(name string, start, end time.Time)
}

// NopSink discards every event; useful as a default for callers that don't
// care about progress.
type NopSink struct{}

func (NopSink) Log(slog.Level, string, ...any)         {}
func (NopSink) Progress(string, int64, int64)          {}
func (NopSink) TimerSpan(string, time.Time, time.Time) {}

type spanKey struct{}

// SpanID returns the correlation id of the span currently active in ctx, or
// an empty string if none.
func SpanID(ctx context.Context) string {
	id, _ := ctx.Value(spanKey{}).(string)
	return id
}

// Span runs fn under a new correlation id, recording a TimerSpan on sink
// bounded by clk-sourced start/end timestamps once fn returns. The error
// from fn is returned unchanged; a span is still recorded on failure so
// retried/failed attempts are visible in timing data.
func Span(ctx context.Context, clk clock.Clock, sink Sink, name string, fn func(ctx context.Context) error) error {
	id := uuid.New().String()
	ctx = context.WithValue(ctx, spanKey{}, id)

	start := clk.Now()
	err := fn(ctx)
	end := clk.Now()

	sink.TimerSpan(name+" "+id, start, end)
	return err
}
