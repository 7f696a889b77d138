package xlog

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/samber/lo"
)

// HandlerCreator is a function type to create slog.Handler.
type HandlerCreator func(w io.Writer, opts *slog.HandlerOptions) slog.Handler

var (
	// JSONHandlerCreator wraps slog.NewJSONHandler as HandlerCreator
	JSONHandlerCreator HandlerCreator = func(w io.Writer, opts *slog.HandlerOptions) slog.Handler {
		return slog.NewJSONHandler(w, opts)
	}
	// TextHandlerCreator wraps slog.NewTextHandler as HandlerCreator
	TextHandlerCreator HandlerCreator = func(w io.Writer, opts *slog.HandlerOptions) slog.Handler {
		return slog.NewTextHandler(w, opts)
	}
)

// MultiHandler distributes records to multiple slog.Handler, used to write
// the console handler and the rotated file handler from one log call.
func MultiHandler(handlers ...slog.Handler) slog.Handler {
	return &multiHandler{handlers: handlers}
}

type multiHandler struct {
	handlers []slog.Handler
}

// Enabled implements slog.Handler
func (h *multiHandler) Enabled(ctx context.Context, l slog.Level) bool {
	for i := range h.handlers {
		if h.handlers[i].Enabled(ctx, l) {
			return true
		}
	}

	return false
}

// Handle implements slog.Handler. A panicking sub-handler (e.g. a file
// handler hitting a closed filesystem) does not stop delivery to the rest.
func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for i := range h.handlers {
		if h.handlers[i].Enabled(ctx, r.Level) {
			err := try(func() error {
				return h.handlers[i].Handle(ctx, r.Clone())
			})
			if err != nil {
				return err
			}
		}
	}

	return nil
}

// WithAttrs implements slog.Handler
func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handers := lo.Map(h.handlers, func(h slog.Handler, _ int) slog.Handler {
		return h.WithAttrs(attrs)
	})
	return MultiHandler(handers...)
}

// WithGroup implements slog.Handler
func (h *multiHandler) WithGroup(name string) slog.Handler {
	handers := lo.Map(h.handlers, func(h slog.Handler, _ int) slog.Handler {
		return h.WithGroup(name)
	})
	return MultiHandler(handers...)
}

func try(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
