package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

var level = new(slog.LevelVar) // shared by every handler built by Init

// Options selects the global logger's output.
type Options struct {
	Level  string    // "debug", "info", "warn", "error"; default "info"
	Format string    // "text" or "json"; default "text"
	Output io.Writer // default os.Stderr
}

// Init configures the global slog logger. Call once at startup.
func Init(opts Options) {
	parseLevel(opts.Level)

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	hopts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(opts.Format, "json") {
		handler = slog.NewJSONHandler(out, hopts)
	} else {
		handler = slog.NewTextHandler(out, hopts)
	}
	slog.SetDefault(slog.New(handler))
}

// For returns a logger tagged with the given component name. It resolves
// slog.Default() on every record, so package-level loggers follow Init and
// CaptureForTest.
func For(component string) *slog.Logger {
	return slog.New(&componentHandler{component: component})
}

// SetLevel changes the log level at runtime.
func SetLevel(l slog.Level) {
	level.Set(l)
}

// Level returns the current log level.
func Level() slog.Level {
	return level.Level()
}

func parseLevel(s string) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn", "warning":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
}

// componentHandler forwards records to the current default handler with a
// "component" attribute, replaying any With/WithGroup calls in order.
type componentHandler struct {
	component string
	wrap      []func(slog.Handler) slog.Handler
}

func (h *componentHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return slog.Default().Handler().Enabled(ctx, l)
}

func (h *componentHandler) Handle(ctx context.Context, r slog.Record) error {
	next := slog.Default().Handler().WithAttrs([]slog.Attr{slog.String("component", h.component)})
	for _, w := range h.wrap {
		next = w(next)
	}
	return next.Handle(ctx, r)
}

func (h *componentHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	return h.with(func(next slog.Handler) slog.Handler { return next.WithAttrs(attrs) })
}

func (h *componentHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return h.with(func(next slog.Handler) slog.Handler { return next.WithGroup(name) })
}

func (h *componentHandler) with(w func(slog.Handler) slog.Handler) *componentHandler {
	wrap := make([]func(slog.Handler) slog.Handler, 0, len(h.wrap)+1)
	wrap = append(wrap, h.wrap...)
	return &componentHandler{component: h.component, wrap: append(wrap, w)}
}
