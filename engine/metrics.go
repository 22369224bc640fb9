package engine

import "context"

// MetricsObserver receives background-worker events. The monitoring
// package provides an implementation backed by VictoriaMetrics
// counters.
type MetricsObserver interface {
	// OnEviction is called for each evicted extent with its byte count.
	OnEviction(bytes int)

	// OnCompaction is called when an extent compaction completes.
	OnCompaction()
}

// NoopMetricsObserver is a no-op implementation of MetricsObserver.
type NoopMetricsObserver struct{}

func (NoopMetricsObserver) OnEviction(bytes int) {}
func (NoopMetricsObserver) OnCompaction()        {}

// Logger is the narrow logging surface the engine emits through. The
// root package's Logger satisfies it, so the heap's structured
// operation loggers receive commit, eviction and compaction events from
// where they happen.
type Logger interface {
	// Warn logs a background-worker anomaly.
	Warn(msg string, args ...any)

	// LogCommit logs a commit outcome.
	LogCommit(ctx context.Context, txID, version uint64, err error)

	// LogEviction logs a batch of evicted extents.
	LogEviction(ctx context.Context, extents int, bytes int64)

	// LogCompaction logs a completed or failed extent compaction.
	LogCompaction(ctx context.Context, moved int, err error)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any)                              {}
func (noopLogger) LogCommit(context.Context, uint64, uint64, error) {}
func (noopLogger) LogEviction(context.Context, int, int64)          {}
func (noopLogger) LogCompaction(context.Context, int, error)        {}
