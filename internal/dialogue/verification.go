package dialogue

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"lateraltutor/internal/logging"
)

// NewVerificationCode returns a random 4-digit code (1000-9999).
func NewVerificationCode() string {
	return fmt.Sprintf("%d", 1000+rand.IntN(9000))
}

// SyncStatus is the state of one asynchronous persistence push.
type SyncStatus string

const (
	SyncIdle    SyncStatus = "idle"
	SyncPending SyncStatus = "syncing"
	SyncDone    SyncStatus = "success"
	SyncFailed  SyncStatus = "error"
	SyncSkipped SyncStatus = "skipped" // no persistence configured
)

// SyncState is what the host shows for a push: status plus last error.
type SyncState struct {
	Status   SyncStatus `json:"status"`
	Error    string     `json:"error,omitempty"`
	Attempts int        `json:"attempts"`
}

// Retriable reports whether the user may retry the push.
func (s SyncState) Retriable() bool { return s.Status == SyncFailed }

func (s SyncState) settled() bool { return s.Status == SyncDone || s.Status == SyncSkipped }

// pushWithRetry calls push up to attempts times, waiting delay between tries.
// It returns the number of attempts made and the last error.
func pushWithRetry(ctx context.Context, what string, attempts int, delay time.Duration, push func(context.Context) error) (int, error) {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for n := 1; n <= attempts; n++ {
		if err = push(ctx); err == nil {
			return n, nil
		}
		logging.DialogueWarn("%s sync attempt %d/%d failed: %v", what, n, attempts, err)
		if n == attempts {
			return n, err
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return n, ctx.Err()
		case <-t.C:
		}
	}
	return attempts, err
}
