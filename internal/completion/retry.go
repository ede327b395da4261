package completion

import (
	"context"
	"math/rand/v2"
	"time"

	"lateraltutor/internal/logging"
)

// Outcome is the classification of a single attempt.
type Outcome int

const (
	OutcomeSuccess   Outcome = iota
	OutcomeRetryable         // rate limited, try again after the backoff delay
	OutcomeFatal             // surface immediately
)

// Result is what one attempt produced.
type Result struct {
	Text    string
	Outcome Outcome
	Err     *Error
}

func success(text string) Result { return Result{Text: text, Outcome: OutcomeSuccess} }

func retryable(e *Error) Result { return Result{Outcome: OutcomeRetryable, Err: e} }

func fatal(e *Error) Result { return Result{Outcome: OutcomeFatal, Err: e} }

// Backoff is a fixed delay plus uniform jitter.
type Backoff struct {
	Base   time.Duration
	Jitter time.Duration
	// Int64N draws the jitter; defaults to math/rand/v2.
	Int64N func(n int64) int64
}

// Delay returns the wait before attempt n+1 (n starts at 1).
func (b Backoff) Delay(n int) time.Duration {
	d := b.Base
	if b.Jitter > 0 {
		draw := b.Int64N
		if draw == nil {
			draw = rand.Int64N
		}
		d += time.Duration(draw(int64(b.Jitter)))
	}
	return d
}

// Retrier drives attempts sequentially over a backoff schedule.
type Retrier struct {
	MaxAttempts int
	Backoff     Backoff
	// Sleep waits between attempts; tests replace it to record delays.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetrier makes 3 attempts spaced 2-3 seconds apart.
func DefaultRetrier() Retrier {
	return Retrier{
		MaxAttempts: 3,
		Backoff:     Backoff{Base: 2 * time.Second, Jitter: time.Second},
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do runs attempt until it succeeds, fails fatally, or the attempt budget is
// spent. Exhausting the budget on retryable results yields KindCongested.
func (r Retrier) Do(ctx context.Context, attempt func(ctx context.Context, n int) Result) (string, error) {
	maxAttempts := r.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	sleep := r.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var last *Error
	for n := 1; n <= maxAttempts; n++ {
		res := attempt(ctx, n)
		switch res.Outcome {
		case OutcomeSuccess:
			return res.Text, nil
		case OutcomeFatal:
			res.Err.Attempts = n
			return "", res.Err
		}

		last = res.Err
		if n == maxAttempts {
			break
		}
		delay := r.Backoff.Delay(n)
		logging.CompletionWarn("Rate limited (attempt %d/%d), retrying in %v", n, maxAttempts, delay)
		if err := sleep(ctx, delay); err != nil {
			return "", &Error{Kind: KindTransport, Attempts: n, Err: err}
		}
	}

	congested := &Error{Kind: KindCongested, Status: 429, Attempts: maxAttempts}
	if last != nil {
		congested.Status = last.Status
		congested.Detail = last.Detail
		congested.Err = last
	}
	logging.CompletionError("Giving up after %d rate-limited attempts", maxAttempts)
	return "", congested
}
