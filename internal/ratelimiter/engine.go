package ratelimiter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hasura/engine-plugin-rate-limit/internal/ratelimiter/algorithm"
)

var (
	// ErrInvalidRequest is returned for a nil request.
	ErrInvalidRequest = errors.New("invalid rate limit request")
	// ErrInternal wraps a panic recovered while deciding.
	ErrInternal = errors.New("internal rate limit failure")
)

// ensure that the redis sliding window log satisfies WindowCounter
var _ WindowCounter = &algorithm.SlidingWindowLog{}

// ensure that Engine satisfies the Decider interface
var _ Decider = &Engine{}

// Engine decides requests against a Policy. It holds no per-request state:
// every call is independent given the shared store, so one Engine serves all
// concurrent requests without locking.
type Engine struct {
	policy   Policy
	excluded map[string]struct{}
	counter  WindowCounter
	monitor  Availability
	timeNow  func() time.Time
	newID    func() string
	timeout  time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the time source used for window scores.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.timeNow = now }
}

// WithIDGenerator sets the generator of per-attempt log members.
func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) { e.newID = newID }
}

// WithTimeout bounds every store call. Zero leaves the caller's context as is.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

// NewEngine validates the policy and returns an Engine counting with counter
// and consulting monitor before every evaluation.
func NewEngine(policy Policy, counter WindowCounter, monitor Availability, opts ...Option) (*Engine, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if counter == nil {
		return nil, fmt.Errorf("window counter is required")
	}
	if monitor == nil {
		return nil, fmt.Errorf("availability monitor is required")
	}

	policy = policy.clone()
	excluded := make(map[string]struct{}, len(policy.ExcludedRoles))
	for _, role := range policy.ExcludedRoles {
		excluded[role] = struct{}{}
	}

	e := &Engine{
		policy:   policy,
		excluded: excluded,
		counter:  counter,
		monitor:  monitor,
		timeNow:  time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Policy returns a copy of the engine's policy.
func (e *Engine) Policy() Policy {
	return e.policy.clone()
}

// Decide runs the decision states in order, stopping at the first match:
// store not ready (fallback mode), excluded role (allow without counting),
// and window evaluation. Failures other than a lost connection yield an
// Error decision together with a non-nil error.
func (e *Engine) Decide(ctx context.Context, req *Request) (d Decision, err error) {
	defer func() {
		if r := recover(); r != nil {
			d = e.decision(Error)
			err = fmt.Errorf("%w: %v", ErrInternal, r)
		}
	}()

	if !e.monitor.IsReady() {
		return e.fallback(), nil
	}

	if req == nil {
		return e.decision(Error), ErrInvalidRequest
	}

	if _, ok := e.excluded[req.SessionRole]; ok {
		d = e.decision(Allow)
		d.Excluded = true
		return d, nil
	}

	return e.evaluate(ctx, req)
}

func (e *Engine) evaluate(ctx context.Context, req *Request) (Decision, error) {
	key := BuildKey(e.policy.KeyFields, req)
	now := e.timeNow().Unix()
	requestID := e.newID()

	storeCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		storeCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	count, err := e.counter.Evaluate(storeCtx, key, e.policy.Limit, now, e.policy.WindowSeconds, requestID)
	if err != nil {
		// a caller that gave up or ran out of time says nothing about the store
		if ctx.Err() == nil && IsConnectionError(err) {
			e.monitor.MarkUnavailable(err)
			d := e.fallback()
			d.Key = key
			return d, nil
		}
		d := e.decision(Error)
		d.Key = key
		return d, fmt.Errorf("evaluate rate limit for key %q: %w", key, err)
	}
	if count < 0 {
		d := e.decision(Error)
		d.Key = key
		return d, fmt.Errorf("evaluate rate limit for key %q: %w: negative count %d", key, algorithm.ErrUnexpectedReply, count)
	}

	outcome := Allow
	if count >= e.policy.Limit {
		outcome = DenyRateLimit
	}
	d := e.decision(outcome)
	d.Key = key
	d.Evaluated = true
	d.ObservedCount = count
	return d, nil
}

func (e *Engine) fallback() Decision {
	outcome := DenyUnavailable
	if e.policy.FallbackMode == FallbackAllow {
		outcome = Allow
	}
	d := e.decision(outcome)
	d.Fallback = true
	return d
}

func (e *Engine) decision(outcome Outcome) Decision {
	return Decision{
		Outcome:       outcome,
		Limit:         e.policy.Limit,
		WindowSeconds: e.policy.WindowSeconds,
	}
}
