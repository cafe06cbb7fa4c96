// Package plog is the process-wide logger. Records at INFO and below go
// to stdout and warnings and errors go to stderr, each line in slog's
// key=value text form. The zero configuration logs at INFO; config and
// flags adjust it once at startup through SetLevel and SetQuiet.
package plog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// LevelNotice sits between DEBUG and INFO and carries per-operation
// progress that would drown INFO on large runs.
const (
	LevelDebug  = slog.LevelDebug
	LevelNotice = slog.Level(-2)
	LevelInfo   = slog.LevelInfo
	LevelWarn   = slog.LevelWarn
	LevelError  = slog.LevelError
)

var (
	minLevel = new(slog.LevelVar)
	quiet    atomic.Bool
	current  atomic.Pointer[slog.Logger]
)

func init() {
	current.Store(newSplitLogger())
}

// levelNames supplies display names for the levels slog does not know.
var levelNames = map[slog.Level]string{
	LevelNotice: "NOTICE",
}

func replaceLevel(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if level, ok := a.Value.Any().(slog.Level); ok {
		if name, ok := levelNames[level]; ok {
			a.Value = slog.StringValue(name)
		}
	}
	return a
}

// routeHandler splits a record stream at a threshold level. Records
// below the threshold go to one handler, the rest to the other.
type routeHandler struct {
	threshold slog.Level
	below     slog.Handler
	atOrAbove slog.Handler
}

func (h *routeHandler) pick(level slog.Level) slog.Handler {
	if level >= h.threshold {
		return h.atOrAbove
	}
	return h.below
}

func (h *routeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.pick(level).Enabled(ctx, level)
}

func (h *routeHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.pick(r.Level).Handle(ctx, r)
}

func (h *routeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &routeHandler{
		threshold: h.threshold,
		below:     h.below.WithAttrs(attrs),
		atOrAbove: h.atOrAbove.WithAttrs(attrs),
	}
}

func (h *routeHandler) WithGroup(name string) slog.Handler {
	return &routeHandler{
		threshold: h.threshold,
		below:     h.below.WithGroup(name),
		atOrAbove: h.atOrAbove.WithGroup(name),
	}
}

// newSplitLogger builds the default stdout/stderr split. The stderr
// side has a fixed WARN floor, so problems surface no matter where the
// stdout level is set.
func newSplitLogger() *slog.Logger {
	return slog.New(&routeHandler{
		threshold: LevelWarn,
		below: slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       minLevel,
			ReplaceAttr: replaceLevel,
		}),
		atOrAbove: slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: LevelWarn,
		}),
	})
}

// SetOutput redirects all records to a single writer, primarily for
// tests. Quiet mode is lifted so the capture sees every level the
// current minimum admits.
func SetOutput(w io.Writer) {
	quiet.Store(false)
	current.Store(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       minLevel,
		ReplaceAttr: replaceLevel,
	})))
}

// SetLevel adjusts the minimum level written to stdout. The stderr side
// keeps its WARN floor, so warnings and errors are always written.
func SetLevel(level slog.Level) {
	minLevel.Set(level)
}

// SetQuiet drops everything below WARN when enabled, leaving only
// problems on stderr.
func SetQuiet(on bool) {
	quiet.Store(on)
}

// IsQuiet reports whether quiet mode is enabled.
func IsQuiet() bool {
	return quiet.Load()
}

// LevelFromString parses a level name as written in the config file and
// on the command line. The empty string means INFO.
func LevelFromString(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "notice":
		return LevelNotice, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// emit is the single write path for the package-level helpers.
func emit(level slog.Level, msg string, args []any) {
	if level < LevelWarn && quiet.Load() {
		return
	}
	current.Load().Log(context.Background(), level, msg, args...)
}

// Debug logs internal detail useful when chasing a problem.
func Debug(msg string, args ...any) { emit(LevelDebug, msg, args) }

// Notice logs per-operation progress.
func Notice(msg string, args ...any) { emit(LevelNotice, msg, args) }

// Info logs run-level milestones.
func Info(msg string, args ...any) { emit(LevelInfo, msg, args) }

// Warn logs a problem the run works around.
func Warn(msg string, args ...any) { emit(LevelWarn, msg, args) }

// Error logs a failure that ends something.
func Error(msg string, args ...any) { emit(LevelError, msg, args) }
