package logger

import (
	"context"
	"io"
	"log/slog"
)

var levelColors = map[slog.Level]string{
	slog.LevelDebug: "\033[36m", // cyan
	slog.LevelInfo:  "\033[32m", // green
	slog.LevelWarn:  "\033[33m", // yellow
	slog.LevelError: "\033[31m", // red
}

// ColorTextHandler is a slog.TextHandler that prefixes each message with a
// colored level name. The level and (optionally) time attributes are dropped
// from the key=value tail since the prefix already carries them.
type ColorTextHandler struct {
	*slog.TextHandler
}

// NewColorTextHandler creates a new ColorTextHandler.
func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions, showTime bool) *ColorTextHandler {
	o := slog.HandlerOptions{}
	if opts != nil {
		o = *opts
	}
	next := o.ReplaceAttr
	o.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
		if len(groups) == 0 {
			if a.Key == slog.LevelKey || (!showTime && a.Key == slog.TimeKey) {
				return slog.Attr{}
			}
		}
		if next != nil {
			return next(groups, a)
		}
		return a
	}
	return &ColorTextHandler{TextHandler: slog.NewTextHandler(w, &o)}
}

// Handle implements slog.Handler
func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	color, ok := levelColors[r.Level]
	if !ok {
		color = "\033[0m"
	}
	r.Message = color + r.Level.String() + "\033[0m  " + r.Message
	return h.TextHandler.Handle(ctx, r)
}
