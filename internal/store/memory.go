package store

import (
	"context"
	"sync"
	"time"

	"lateraltutor/internal/types"
)

type memorySession struct {
	summary types.SessionSummary
	batch   *types.LogBatch
	codes   []string // verification codes already recorded
}

// MemoryStore is an in-memory backend.
// It is NOT persistent and is only suitable for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memorySession
	now      func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*memorySession), now: time.Now}
}

func (s *MemoryStore) session(id string) *memorySession {
	sess, ok := s.sessions[id]
	if !ok {
		sess = &memorySession{summary: types.SessionSummary{SessionID: id}}
		s.sessions[id] = sess
	}
	return sess
}

// AppendLogBatch keeps a copy of a terminated batch.
func (s *MemoryStore) AppendLogBatch(ctx context.Context, batch types.LogBatch) (types.BatchReceipt, error) {
	if batch.SessionID == "" {
		return types.BatchReceipt{}, ErrInvalidBatch
	}
	if !batch.Terminated() {
		return inProgress(batch), nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := batch
	cp.LogEntries = append([]types.LogRecord(nil), batch.LogEntries...)
	sess := s.session(batch.SessionID)
	sess.batch = &cp
	sess.summary.Terminated = true
	sess.summary.UpdatedAt = s.now()
	if sess.summary.StartedAt.IsZero() {
		sess.summary.StartedAt = batch.StartedAt
	}
	return stored(batch), nil
}

// UpsertSessionSummary merges summary into the stored one.
func (s *MemoryStore) UpsertSessionSummary(ctx context.Context, summary types.SessionSummary) error {
	if summary.SessionID == "" {
		return ErrInvalidBatch
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.session(summary.SessionID)
	if sess.summary.StartedAt.IsZero() {
		sess.summary.StartedAt = summary.StartedAt
	}
	sess.summary.Terminated = sess.summary.Terminated || summary.Terminated
	sess.summary.UpdatedAt = summary.UpdatedAt
	if sess.summary.UpdatedAt.IsZero() {
		sess.summary.UpdatedAt = s.now()
	}
	if code := summary.VerificationCode; code != "" {
		sess.summary.VerificationCode = code
		seen := false
		for _, c := range sess.codes {
			seen = seen || c == code
		}
		if !seen {
			sess.codes = append(sess.codes, code)
		}
	}
	return nil
}

// LoadSessionSummary returns the merged summary.
func (s *MemoryStore) LoadSessionSummary(ctx context.Context, sessionID string) (types.SessionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return types.SessionSummary{}, ErrNotFound
	}
	return sess.summary, nil
}

// LoadLogBatch returns the stored batch, or an empty one when only the
// summary has been written.
func (s *MemoryStore) LoadLogBatch(ctx context.Context, sessionID string) (types.LogBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return types.LogBatch{}, ErrNotFound
	}
	if sess.batch == nil {
		return types.LogBatch{SessionID: sessionID, StartedAt: sess.summary.StartedAt}, nil
	}
	cp := *sess.batch
	cp.LogEntries = append([]types.LogRecord(nil), sess.batch.LogEntries...)
	return cp, nil
}

// Health reports row counts in the same shape as the SQLite backend.
func (s *MemoryStore) Health(ctx context.Context) (types.HealthReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := 0
	for _, sess := range s.sessions {
		entries += len(sess.codes)
		if sess.batch != nil {
			entries += len(sess.batch.LogEntries)
		}
	}
	return types.HealthReport{
		Backend: "memory",
		Tables:  map[string]int{"sessions": len(s.sessions), "log_entries": entries},
	}, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
