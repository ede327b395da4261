package dialogue

import (
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"lateraltutor/internal/types"
)

// Session is the per-session handle. All dialogue state lives here; sessions
// share nothing with each other.
type Session struct {
	ID        string
	StartedAt time.Time
	Scenario  types.Scenario

	// gate admits one turn at a time; a second caller is refused, not queued.
	gate *semaphore.Weighted

	system string // rendered instruction for this scenario

	mu           sync.RWMutex
	state        State
	history      []types.Turn
	log          []types.LogRecord
	code         string
	verification SyncState
	flush        SyncState

	wg sync.WaitGroup
}

func newSession(id string, startedAt time.Time, scenario types.Scenario, system string) *Session {
	return &Session{
		ID:           id,
		StartedAt:    startedAt,
		Scenario:     scenario,
		gate:         semaphore.NewWeighted(1),
		system:       system,
		state:        InitialState(),
		verification: SyncState{Status: SyncIdle},
		flush:        SyncState{Status: SyncIdle},
	}
}

// Snapshot is a consistent copy of the session for display.
type Snapshot struct {
	SessionID        string       `json:"session_id"`
	StartedAt        time.Time    `json:"started_at"`
	Stage            types.Stage  `json:"stage"`
	Progress         int          `json:"progress"`
	OffTopicCount    int          `json:"off_topic_count"`
	Terminated       bool         `json:"terminated"`
	VerificationCode string       `json:"verification_code,omitempty"`
	Verification     SyncState    `json:"verification"`
	LogFlush         SyncState    `json:"log_flush"`
	History          []types.Turn `json:"history"`
	LogEntries       int          `json:"log_entries"`
}

// Snapshot returns a copy of the session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := make([]types.Turn, len(s.history))
	copy(history, s.history)
	return Snapshot{
		SessionID:        s.ID,
		StartedAt:        s.StartedAt,
		Stage:            s.state.Stage,
		Progress:         s.state.Progress(),
		OffTopicCount:    s.state.OffTopicCount,
		Terminated:       s.state.Terminated,
		VerificationCode: s.code,
		Verification:     s.verification,
		LogFlush:         s.flush,
		History:          history,
		LogEntries:       len(s.log),
	}
}

// State returns the current dialogue state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Terminated reports whether the session has ended.
func (s *Session) Terminated() bool {
	return s.State().Terminated
}

// LogBatch returns the full turn log in the shape the persistence
// collaborator accepts.
func (s *Session) LogBatch() types.LogBatch {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := make([]types.LogRecord, len(s.log))
	copy(entries, s.log)
	return types.LogBatch{
		SessionID:  s.ID,
		StartedAt:  s.StartedAt,
		Scenario:   s.Scenario,
		LogEntries: entries,
	}
}

// Settled reports whether the session has ended and neither push is
// pending or failed.
func (s *Session) Settled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Terminated && s.verification.settled() && s.flush.settled()
}

// Wait blocks until background persistence pushes have finished.
func (s *Session) Wait() {
	s.wg.Wait()
}

func (s *Session) historyCopy() []types.Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Turn, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Session) appendLocked(turn *types.Turn, rec types.LogRecord) {
	if turn != nil {
		s.history = append(s.history, *turn)
	}
	s.log = append(s.log, rec)
}

func (s *Session) setVerification(st SyncState) {
	s.mu.Lock()
	s.verification = st
	s.mu.Unlock()
}

func (s *Session) setFlush(st SyncState) {
	s.mu.Lock()
	s.flush = st
	s.mu.Unlock()
}
