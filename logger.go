package rtpart

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/hupe1980/rtpart/model"
)

// Logger wraps slog.Logger with partition-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
func NewJSONLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return NewLogger(slog.NewTextHandler(io.Discard, nil))
}

// WithComponent adds the component name.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("component", name),
	}
}

// WithPartition adds the partition id.
func (l *Logger) WithPartition(pid model.PartitionID) *Logger {
	return &Logger{
		Logger: l.Logger.With("partition", pid.String()),
	}
}

// WithVersion adds the target version.
func (l *Logger) WithVersion(v model.IncVersion) *Logger {
	return &Logger{
		Logger: l.Logger.With("version", v),
	}
}

// LogDeploy logs the outcome of a deploy.
func (l *Logger) LogDeploy(ctx context.Context, v model.IncVersion, st model.DeployStatus, d time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "deploy failed",
			"version", v,
			"status", st,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "deploy completed",
		"version", v,
		"duration", d,
	)
}

// LogLoad logs the outcome of a full or incremental load.
func (l *Logger) LogLoad(ctx context.Context, kind string, v model.IncVersion, st model.TableStatus, d time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "load failed",
			"kind", kind,
			"version", v,
			"status", st,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "load completed",
		"kind", kind,
		"version", v,
		"duration", d,
	)
}

// LogUnload logs an unload.
func (l *Logger) LogUnload(ctx context.Context, outstanding int64, err error) {
	if err != nil {
		l.WarnContext(ctx, "unload completed with error",
			"outstanding_snapshots", outstanding,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "unload completed",
		"outstanding_snapshots", outstanding,
	)
}

// LogCommit logs a commit.
func (l *Logger) LogCommit(ctx context.Context, ok bool, v model.TableVersion) {
	if !ok {
		l.WarnContext(ctx, "commit failed")
		return
	}
	l.DebugContext(ctx, "commit completed",
		"version", v.VersionID,
		"locator", v.Meta.Locator,
	)
}
