package log

import (
	"context"
	"io"
	"log/slog"
	"os"
)

type slogKeyT struct{}

var slogKey slogKeyT

// ContextHandler adds attributes stored in a context by ContextAttrs to every record.
type ContextHandler struct {
	slog.Handler
}

func NewContextHandler(handler slog.Handler) ContextHandler {
	return ContextHandler{
		Handler: handler,
	}
}

func (h ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if a, ok := ctx.Value(slogKey).([]slog.Attr); ok {
		r.AddAttrs(a...)
	}

	return h.Handler.Handle(ctx, r)
}

func (h ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h ContextHandler) WithGroup(name string) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithGroup(name)}
}

func ContextAttrs(ctx context.Context, attrs ...slog.Attr) context.Context {
	a, ok := ctx.Value(slogKey).([]slog.Attr)
	if !ok || a == nil {
		a = make([]slog.Attr, 0, len(attrs))
	} else {
		a = append([]slog.Attr(nil), a...)
	}
	a = append(a, attrs...)
	return context.WithValue(ctx, slogKey, a)
}

// New returns a JSON logger writing to w, stderr if w is nil
func New(verbose bool, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	base := slog.NewJSONHandler(w, &slog.HandlerOptions{
		AddSource: false,
		Level:     Level(verbose),
	})
	ctxHandler := NewContextHandler(base)
	return slog.New(ctxHandler)
}

func Level(verbose bool) slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// FilterLevel translates a slog level into the numeric log filter level
// passed to tools on their command line. Higher means more verbose.
func FilterLevel(level slog.Level) int {
	switch {
	case level <= slog.LevelDebug:
		return 4
	case level <= slog.LevelInfo:
		return 3
	case level <= slog.LevelWarn:
		return 2
	default:
		return 1
	}
}

// SlogLevel is the inverse of FilterLevel.
func SlogLevel(filter int) slog.Level {
	switch {
	case filter >= 4:
		return slog.LevelDebug
	case filter == 3:
		return slog.LevelInfo
	case filter == 2:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}
