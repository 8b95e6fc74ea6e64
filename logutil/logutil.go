// Package logutil configures slog for the command line and adds a TRACE
// level below DEBUG for per-tensor shape dumps.
package logutil

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"time"
)

const LevelTrace slog.Level = slog.LevelDebug - 4

// NewLogger returns a text logger at level that prints short source file
// names and labels LevelTrace records as TRACE.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		AddSource:   true,
		ReplaceAttr: replaceAttr,
	}))
}

func replaceAttr(_ []string, attr slog.Attr) slog.Attr {
	switch attr.Key {
	case slog.LevelKey:
		if attr.Value.Any().(slog.Level) == LevelTrace {
			attr.Value = slog.StringValue("TRACE")
		}
	case slog.SourceKey:
		if src, ok := attr.Value.Any().(*slog.Source); ok {
			src.File = filepath.Base(src.File)
		}
	}
	return attr
}

// Level maps a verbosity count to a log level: 0 is INFO, 1 is DEBUG and
// anything higher is TRACE.
func Level(verbosity int) slog.Level {
	switch {
	case verbosity <= 0:
		return slog.LevelInfo
	case verbosity == 1:
		return slog.LevelDebug
	default:
		return LevelTrace
	}
}

type skipKey struct{}

// Trace logs at LevelTrace with the caller as source.
func Trace(msg string, args ...any) {
	TraceContext(context.WithValue(context.Background(), skipKey{}, 1), msg, args...)
}

func TraceContext(ctx context.Context, msg string, args ...any) {
	logger := slog.Default()
	if !logger.Enabled(ctx, LevelTrace) {
		return
	}
	skip, _ := ctx.Value(skipKey{}).(int)
	pc, _, _, _ := runtime.Caller(1 + skip)
	r := slog.NewRecord(time.Now(), LevelTrace, msg, pc)
	r.Add(args...)
	logger.Handler().Handle(ctx, r)
}
