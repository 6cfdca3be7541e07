package ratelimiter

import (
	"context"
)

// Request is one inbound call to be admitted or rejected.
type Request struct {
	OperationName    string
	SessionRole      string
	SessionVariables map[string]string
	// Headers holds the caller's headers keyed by lower-cased name.
	Headers map[string]string
}

// Outcome is the verdict of a single decision.
type Outcome uint32

const (
	Allow Outcome = iota
	DenyRateLimit
	DenyUnavailable
	Error
)

var outcomeStrings = map[Outcome]string{
	Allow:           "allow",
	DenyRateLimit:   "deny_rate_limit",
	DenyUnavailable: "deny_unavailable",
	Error:           "error",
}

func (o Outcome) String() string {
	if s, ok := outcomeStrings[o]; ok {
		return s
	}
	return "unknown"
}

// Decision is produced fresh for every request and never persisted.
type Decision struct {
	Outcome Outcome
	Key     string

	// Evaluated is set when the window counter ran; ObservedCount is only
	// meaningful then.
	Evaluated     bool
	ObservedCount int64

	Limit         int64
	WindowSeconds int64

	// Fallback is set when the store was not ready and the configured
	// fallback mode decided the outcome.
	Fallback bool
	// Excluded is set when the session role bypassed counting.
	Excluded bool
}

// Remaining returns how many more requests the key may make in the current window.
func (d Decision) Remaining() int64 {
	if !d.Evaluated {
		return 0
	}
	remaining := d.Limit - d.ObservedCount
	if d.Outcome == Allow {
		remaining--
	}
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Decider decides whether a request is admitted. The returned error is
// non-nil only when the outcome is Error.
type Decider interface {
	Decide(ctx context.Context, req *Request) (Decision, error)
}

// WindowCounter atomically expires, counts and conditionally records an
// attempt for key, returning the count observed before recording.
type WindowCounter interface {
	Evaluate(ctx context.Context, key string, limit, now, windowSeconds int64, requestID string) (int64, error)
}

// Availability reports whether the shared store may be used.
type Availability interface {
	IsReady() bool
	MarkUnavailable(err error)
}
