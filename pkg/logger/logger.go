// Package logger is the structured logging layer of Sagaweave, built on
// log/slog. Saga components receive a Logger; call sites without a handle
// use the swappable process-wide logger. Context-aware methods enrich
// records with the trace and span IDs of the surrounding span, so log lines
// and traces can be joined on trace_id.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"

	"go.opentelemetry.io/otel/trace"
)

// Level is the minimum severity a record needs to be emitted.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// String returns the wire form of the level.
func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	default:
		return "unknown"
	}
}

// ParseLevel parses a level string. Unknown strings default to info.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return DebugLevel
	case "info":
		return InfoLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// Config selects the level, format ("json" or "text") and output
// ("stdout", "stderr" or a file path) of a logger.
type Config struct {
	Level  Level
	Format string
	Output string
}

// Logger is the logging interface saga components depend on.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	// The context variants add trace_id and span_id when ctx carries a
	// valid span.
	DebugContext(ctx context.Context, msg string, args ...any)
	InfoContext(ctx context.Context, msg string, args ...any)
	WarnContext(ctx context.Context, msg string, args ...any)
	ErrorContext(ctx context.Context, msg string, args ...any)

	With(args ...any) Logger
	SetLevel(level Level)
	Level() Level

	// Close flushes and releases file-backed outputs. Stdout and stderr
	// loggers close to a no-op.
	Close() error
}

type slogLogger struct {
	inner    *slog.Logger
	levelVar *slog.LevelVar
	closer   io.Closer
}

// New builds a Logger from cfg. A nil cfg yields an info-level JSON logger
// on stdout. Unwritable file outputs fall back to stdout rather than
// failing startup.
func New(cfg *Config) Logger {
	if cfg == nil {
		cfg = &Config{Level: InfoLevel, Format: "json", Output: "stdout"}
	}

	levelVar := &slog.LevelVar{}
	levelVar.Set(toSlogLevel(cfg.Level))

	sink, closer := openSink(cfg.Output)
	opts := &slog.HandlerOptions{
		Level:       levelVar,
		AddSource:   true,
		ReplaceAttr: renameCoreAttrs,
	}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(sink, opts)
	} else {
		handler = slog.NewJSONHandler(sink, opts)
	}

	return &slogLogger{
		inner:    slog.New(handler),
		levelVar: levelVar,
		closer:   closer,
	}
}

func openSink(output string) (io.Writer, io.Closer) {
	switch output {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return os.Stdout, nil
		}
		return f, f
	}
}

func toSlogLevel(l Level) slog.Level {
	switch l {
	case DebugLevel:
		return slog.LevelDebug
	case WarnLevel:
		return slog.LevelWarn
	case ErrorLevel:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func fromSlogLevel(l slog.Level) Level {
	switch {
	case l <= slog.LevelDebug:
		return DebugLevel
	case l <= slog.LevelInfo:
		return InfoLevel
	case l <= slog.LevelWarn:
		return WarnLevel
	default:
		return ErrorLevel
	}
}

// renameCoreAttrs aligns slog's record keys with the rest of the wire
// vocabulary ("message", "level").
func renameCoreAttrs(groups []string, a slog.Attr) slog.Attr {
	switch a.Key {
	case slog.MessageKey:
		a.Key = "message"
	case slog.LevelKey:
		a.Key = "level"
	}
	return a
}

func (l *slogLogger) Debug(msg string, args ...any) { l.inner.Debug(msg, args...) }
func (l *slogLogger) Info(msg string, args ...any)  { l.inner.Info(msg, args...) }
func (l *slogLogger) Warn(msg string, args ...any)  { l.inner.Warn(msg, args...) }
func (l *slogLogger) Error(msg string, args ...any) { l.inner.Error(msg, args...) }

func (l *slogLogger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.inner.DebugContext(ctx, msg, withTraceFields(ctx, args)...)
}

func (l *slogLogger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.inner.InfoContext(ctx, msg, withTraceFields(ctx, args)...)
}

func (l *slogLogger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.inner.WarnContext(ctx, msg, withTraceFields(ctx, args)...)
}

func (l *slogLogger) ErrorContext(ctx context.Context, msg string, args ...any) {
	l.inner.ErrorContext(ctx, msg, withTraceFields(ctx, args)...)
}

// With returns a logger with args bound to every record. Derived loggers
// share the parent's level and never own the output.
func (l *slogLogger) With(args ...any) Logger {
	return &slogLogger{
		inner:    l.inner.With(args...),
		levelVar: l.levelVar,
	}
}

// SetLevel changes the level at runtime. The config watcher uses it to
// apply hot-reloaded log levels.
func (l *slogLogger) SetLevel(level Level) {
	l.levelVar.Set(toSlogLevel(level))
}

func (l *slogLogger) Level() Level {
	return fromSlogLevel(l.levelVar.Level())
}

func (l *slogLogger) Close() error {
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

func withTraceFields(ctx context.Context, args []any) []any {
	if ctx == nil {
		return args
	}
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return args
	}
	return append(args,
		"trace_id", spanCtx.TraceID().String(),
		"span_id", spanCtx.SpanID().String(),
	)
}

var (
	globalMu sync.RWMutex
	global   Logger = New(&Config{Level: InfoLevel, Format: "text", Output: "stdout"})
)

// Global returns the process-wide logger.
func Global() Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return global
}

// SetGlobal replaces the process-wide logger. main wires the configured
// logger here during startup.
func SetGlobal(l Logger) {
	if l == nil {
		return
	}
	globalMu.Lock()
	global = l
	globalMu.Unlock()
}

// SetLevel changes the level of the process-wide logger.
func SetLevel(level Level) {
	Global().SetLevel(level)
}

// Package-level helpers logging through the process-wide logger.

func Debug(msg string, args ...any) { Global().Debug(msg, args...) }
func Info(msg string, args ...any)  { Global().Info(msg, args...) }
func Warn(msg string, args ...any)  { Global().Warn(msg, args...) }
func Error(msg string, args ...any) { Global().Error(msg, args...) }
