package tierheap

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with tierheap-specific context.
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
	return &Logger{Logger: slog.New(handler)}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
func NewJSONLogger(level slog.Level) *Logger {
	return &Logger{Logger: slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))}
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return &Logger{Logger: slog.New(slog.DiscardHandler)}
}

// WithTx adds a transaction id field to the logger.
func (l *Logger) WithTx(id uint64) *Logger {
	return &Logger{Logger: l.Logger.With("tx", id)}
}

// WithSource adds a source id field to the logger.
func (l *Logger) WithSource(id uint16) *Logger {
	return &Logger{Logger: l.Logger.With("source", id)}
}

// LogCommit logs a commit outcome.
func (l *Logger) LogCommit(ctx context.Context, txID, version uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "commit failed",
			"tx", txID,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "commit completed",
			"tx", txID,
			"version", version,
		)
	}
}

// LogEviction logs a batch of evicted extents.
func (l *Logger) LogEviction(ctx context.Context, extents int, bytes int64) {
	l.DebugContext(ctx, "extents evicted",
		"extents", extents,
		"bytes", bytes,
	)
}

// LogCompaction logs a completed or failed extent compaction.
func (l *Logger) LogCompaction(ctx context.Context, moved int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "compaction failed",
			"moved", moved,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "compaction completed",
			"moved", moved,
		)
	}
}

// LogRecovery logs a log replay outcome.
func (l *Logger) LogRecovery(ctx context.Context, transactions int, lastCommit uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "recovery failed",
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "recovery completed",
			"transactions", transactions,
			"last_commit", lastCommit,
		)
	}
}

// LogOpen logs a heap open.
func (l *Logger) LogOpen(ctx context.Context, dir string, sources int) {
	l.InfoContext(ctx, "heap opened",
		"dir", dir,
		"sources", sources,
	)
}

// LogClose logs a heap close.
func (l *Logger) LogClose(ctx context.Context, err error) {
	if err != nil {
		l.ErrorContext(ctx, "heap close failed", "error", err)
	} else {
		l.InfoContext(ctx, "heap closed")
	}
}
