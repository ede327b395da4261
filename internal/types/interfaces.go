package types

import (
	"context"
)

// Persistence is the log/session store fed by the orchestrator.
type Persistence interface {
	// AppendLogBatch stores a session's turn log. Backends may decline
	// batches that do not contain a TERMINATED record.
	AppendLogBatch(ctx context.Context, batch LogBatch) (BatchReceipt, error)
	// UpsertSessionSummary is idempotent per session. An empty
	// VerificationCode keeps the stored one.
	UpsertSessionSummary(ctx context.Context, summary SessionSummary) error
}

// HealthProber reports whether the backing store is usable.
type HealthProber interface {
	Health(ctx context.Context) (HealthReport, error)
}

// LogReader reads stored sessions back for export.
type LogReader interface {
	LoadLogBatch(ctx context.Context, sessionID string) (LogBatch, error)
	LoadSessionSummary(ctx context.Context, sessionID string) (SessionSummary, error)
}

// Store is everything a persistence backend offers.
type Store interface {
	Persistence
	HealthProber
	LogReader
	Close() error
}
