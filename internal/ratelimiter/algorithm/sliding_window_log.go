package algorithm

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// ErrUnexpectedReply is returned when the store answers the window script with
// anything other than an integer count.
var ErrUnexpectedReply = errors.New("unexpected reply from sliding window script")

//go:embed sliding_window_log.lua
var slidingWindowLogSource string

var slidingWindowLogScript = redis.NewScript(slidingWindowLogSource)

// SlidingWindowLog keeps one sorted-set member per admitted attempt, scored by
// the attempt's unix second. Expiry, counting and the conditional insert run as
// a single Lua script, so callers sharing a key never interleave.
type SlidingWindowLog struct {
	client    redis.Scripter
	keyPrefix string // key prefix for window logs
}

// NewSlidingWindowLog creates a SlidingWindowLog storing its logs under keyPrefix.
func NewSlidingWindowLog(client redis.Scripter, keyPrefix string) *SlidingWindowLog {
	return &SlidingWindowLog{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

// Key returns the store key used for the given rate-limit key.
func (l *SlidingWindowLog) Key(key string) string {
	return l.keyPrefix + key
}

// Evaluate purges entries scored at or below now-windowSeconds, counts what is
// left and, only when that count is below limit, records requestID at now and
// refreshes the key ttl. The returned count is the one observed before the
// insert; the caller admits the attempt iff it is below limit.
func (l *SlidingWindowLog) Evaluate(ctx context.Context, key string, limit, now, windowSeconds int64, requestID string) (int64, error) {
	reply, err := slidingWindowLogScript.Run(ctx, l.client, []string{l.Key(key)},
		limit,             // ARGV[1]
		now,               // ARGV[2]
		now-windowSeconds, // ARGV[3]
		windowSeconds,     // ARGV[4]
		requestID,         // ARGV[5]
	).Result()
	if err != nil {
		return 0, err
	}

	switch v := reply.(type) {
	case int64:
		return v, nil
	case string:
		// some proxies hand integer replies back as bulk strings
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrUnexpectedReply, v)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%w: %T", ErrUnexpectedReply, reply)
	}
}
