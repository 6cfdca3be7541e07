package ratelimiter

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPolicy is returned by Policy.Validate.
var ErrInvalidPolicy = errors.New("invalid rate limit policy")

// FallbackMode decides requests while the shared store is not ready.
type FallbackMode string

const (
	FallbackAllow FallbackMode = "allow"
	FallbackDeny  FallbackMode = "deny"
)

// ParseFallbackMode accepts "allow" or "deny" in any case.
func ParseFallbackMode(s string) (FallbackMode, error) {
	switch mode := FallbackMode(strings.ToLower(strings.TrimSpace(s))); mode {
	case FallbackAllow, FallbackDeny:
		return mode, nil
	default:
		return "", fmt.Errorf("%w: unknown fallback mode %q", ErrInvalidPolicy, s)
	}
}

// KeyFields lists the request attributes composing a rate-limit key. Order
// matters: reordering the names changes every key and so re-partitions quotas.
type KeyFields struct {
	HeaderNames          []string `json:"from_headers"`
	SessionVariableNames []string `json:"from_session_variables"`
}

// Policy is loaded once at startup and shared read-only by all requests.
type Policy struct {
	Limit         int64
	WindowSeconds int64
	ExcludedRoles []string
	KeyFields     KeyFields
	FallbackMode  FallbackMode
}

// Validate checks the policy invariants.
func (p Policy) Validate() error {
	if p.Limit <= 0 {
		return fmt.Errorf("%w: limit must be positive, got %d", ErrInvalidPolicy, p.Limit)
	}
	if p.WindowSeconds <= 0 {
		return fmt.Errorf("%w: window seconds must be positive, got %d", ErrInvalidPolicy, p.WindowSeconds)
	}
	if _, err := ParseFallbackMode(string(p.FallbackMode)); err != nil {
		return err
	}
	for _, name := range p.KeyFields.HeaderNames {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("%w: empty header name in key fields", ErrInvalidPolicy)
		}
	}
	for _, name := range p.KeyFields.SessionVariableNames {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("%w: empty session variable name in key fields", ErrInvalidPolicy)
		}
	}
	return nil
}

func (p Policy) clone() Policy {
	c := p
	c.ExcludedRoles = append([]string(nil), p.ExcludedRoles...)
	c.KeyFields.HeaderNames = append([]string(nil), p.KeyFields.HeaderNames...)
	c.KeyFields.SessionVariableNames = append([]string(nil), p.KeyFields.SessionVariableNames...)
	return c
}
