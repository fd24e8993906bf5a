// Package logger is a thin slog wrapper: printf-style helpers for component
// logs plus run-scoped structured loggers.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

var (
	levelVar slog.LevelVar
	current  atomic.Pointer[slog.Logger]
)

func init() {
	levelVar.Set(slog.LevelInfo)
	SetOutput(os.Stdout)
}

// runHandler 自动附加 ctx 中的 run_id。
type runHandler struct{ slog.Handler }

func (h runHandler) Handle(ctx context.Context, r slog.Record) error {
	if id := RunID(ctx); id != "" {
		r.AddAttrs(slog.String("run_id", id))
	}
	return h.Handler.Handle(ctx, r)
}

func (h runHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return runHandler{h.Handler.WithAttrs(attrs)}
}

func (h runHandler) WithGroup(name string) slog.Handler {
	return runHandler{h.Handler.WithGroup(name)}
}

// SetOutput redirects all logs; nil means stdout.
func SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: &levelVar})
	current.Store(slog.New(runHandler{h}))
}

func SetLevel(level string) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		levelVar.Set(slog.LevelDebug)
	case "warn", "warning":
		levelVar.Set(slog.LevelWarn)
	case "error":
		levelVar.Set(slog.LevelError)
	default:
		levelVar.Set(slog.LevelInfo)
	}
}

func active() *slog.Logger { return current.Load() }

// Run returns a structured logger bound to a run id, for stage-level events
// that need to be grepped per run.
func Run(runID string) *slog.Logger {
	return active().With(slog.String("run_id", runID))
}

type runKey struct{}

// WithRunID attaches the run id to ctx so adapters deep in the call chain can
// tag their logs.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runKey{}, runID)
}

// RunID returns the run id carried by ctx, or "".
func RunID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(runKey{}).(string)
	return id
}

// Ctxf logs at level with the run id taken from ctx.
func Ctxf(ctx context.Context, level slog.Level, format string, v ...any) {
	if ctx == nil {
		ctx = context.Background()
	}
	active().Log(ctx, level, fmt.Sprintf(format, v...))
}

func Debugf(format string, v ...any) { Ctxf(context.Background(), slog.LevelDebug, format, v...) }

func Infof(format string, v ...any) { Ctxf(context.Background(), slog.LevelInfo, format, v...) }

func Warnf(format string, v ...any) { Ctxf(context.Background(), slog.LevelWarn, format, v...) }

func Errorf(format string, v ...any) { Ctxf(context.Background(), slog.LevelError, format, v...) }

// MaskSecret keeps only the last 4 characters of a credential.
func MaskSecret(secret string) string {
	secret = strings.TrimSpace(secret)
	switch {
	case secret == "":
		return ""
	case len(secret) <= 4:
		return "****"
	default:
		return "****" + secret[len(secret)-4:]
	}
}
