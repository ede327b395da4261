package completion

import (
	"errors"
	"fmt"
)

// Kind classifies a completion failure.
type Kind int

const (
	KindAPI        Kind = iota // non-success status other than rate limit or credentials
	KindCongested              // rate limited on every attempt
	KindCredential             // bad key or exhausted quota
	KindTransport              // network failure before a status was received
)

func (k Kind) String() string {
	switch k {
	case KindCongested:
		return "congested"
	case KindCredential:
		return "credential"
	case KindTransport:
		return "transport"
	default:
		return "api"
	}
}

// diagnosticLimit caps provider-supplied text carried in errors.
const diagnosticLimit = 100

// Error is a classified completion failure.
type Error struct {
	Kind     Kind
	Status   int    // HTTP status, 0 for transport failures
	Detail   string // provider diagnostic text, truncated
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindCongested:
		return fmt.Sprintf("completion service congested after %d attempts", e.Attempts)
	case KindCredential:
		return fmt.Sprintf("completion credentials rejected (status %d): %s", e.Status, e.Detail)
	case KindTransport:
		return fmt.Sprintf("completion request failed: %v", e.Err)
	default:
		return fmt.Sprintf("API request failed with status %d: %s", e.Status, e.Detail)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the classification of err, if it is a completion error.
func KindOf(err error) (Kind, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return 0, false
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
