// Package store persists tutoring sessions: the per-session summary row with
// its verification code, and the full turn log once a session terminates.
//
// Three backends share the same semantics:
//   - sqlite: a local database file (modernc.org/sqlite, no cgo)
//   - firestore: a sessions collection with a log_entries subcollection
//   - memory: process-local, for development and tests
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lateraltutor/internal/config"
	"lateraltutor/internal/types"
)

// ErrNotFound is returned when a session has never been stored.
var ErrNotFound = errors.New("session not found")

// ErrInvalidBatch is returned for a batch or summary without a session id.
var ErrInvalidBatch = errors.New("session id is required")

// Receipt messages reported back to callers of AppendLogBatch.
const (
	MessageStored     = "Full conversation stored"
	MessageInProgress = "Conversation in progress, not stored yet"
)

// Stage label of the log entry recording an issued verification code.
const captchaStage = "CAPTCHA"

// captchaText is the text of the log entry recording an issued code.
func captchaText(code string) string { return "CAPTCHA_CODE:" + code }

// Open builds the backend selected by cfg.
func Open(ctx context.Context, cfg config.StorageConfig) (types.Store, error) {
	switch cfg.Backend {
	case "sqlite":
		return NewSQLiteStore(cfg.DatabasePath)
	case "firestore":
		return NewFirestoreStore(ctx, cfg.ProjectID, cfg.DatabaseID)
	case "memory", "":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func inProgress(batch types.LogBatch) types.BatchReceipt {
	return types.BatchReceipt{Stored: false, Count: len(batch.LogEntries), Message: MessageInProgress}
}

func stored(batch types.LogBatch) types.BatchReceipt {
	return types.BatchReceipt{Stored: true, Count: len(batch.LogEntries), Message: MessageStored}
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseStamp(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
