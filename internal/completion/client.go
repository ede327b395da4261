// Package completion talks to the LLM completion service. It builds the
// multi-turn request, runs the rate-limit retry loop, and classifies failures
// so the dialogue can tell congestion from bad credentials.
package completion

import (
	"context"
	"strings"
	"time"

	"lateraltutor/internal/logging"
)

// Completer returns the raw assistant text for a request.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Backend performs a single attempt against one provider.
type Backend interface {
	Attempt(ctx context.Context, msgs []Message) Result
	Model() string
}

// Options configures a Client.
type Options struct {
	System         string // system instruction, injected once per request
	Retry          Retrier
	MaxWebChars    int
	AttemptTimeout time.Duration
}

// Client implements Completer over a Backend.
type Client struct {
	backend     Backend
	system      string
	retry       Retrier
	maxWebChars int
	timeout     time.Duration
}

// NewClient creates a client. Zero options fall back to defaults.
func NewClient(backend Backend, opts Options) *Client {
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = DefaultRetrier()
	}
	if opts.MaxWebChars <= 0 {
		opts.MaxWebChars = DefaultMaxWebChars
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 120 * time.Second
	}
	return &Client{
		backend:     backend,
		system:      opts.System,
		retry:       opts.Retry,
		maxWebChars: opts.MaxWebChars,
		timeout:     opts.AttemptTimeout,
	}
}

// Model reports the backend model name.
func (c *Client) Model() string { return c.backend.Model() }

// Complete sends the request. An empty reply comes back as "{}" so
// normalization always has something to work on.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	system := c.system
	if req.System != "" {
		system = req.System
	}
	msgs := BuildMessages(system, req, c.maxWebChars)
	logging.CompletionDebug("Complete: model=%s messages=%d stage=%s image=%v web=%d",
		c.backend.Model(), len(msgs), req.Stage, req.UserImage != nil, len(req.WebContent))

	timer := logging.StartTimer(logging.CategoryCompletion, "complete")
	text, err := c.retry.Do(ctx, func(ctx context.Context, n int) Result {
		actx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		return c.backend.Attempt(actx, msgs)
	})
	timer.Stop()
	if err != nil {
		return "", err
	}

	if strings.TrimSpace(text) == "" {
		logging.CompletionWarn("Empty completion payload, substituting {}")
		return "{}", nil
	}
	return text, nil
}
