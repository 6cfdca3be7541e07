package ratelimiter

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type loggingDecider struct {
	next   Decider
	logger *zap.Logger
	// a store outage would otherwise log one warning per request
	unavailable *rate.Sometimes
}

// WithLogging wraps next so every decision is logged with its outcome, key,
// observed count and latency. Fallback decisions log a warning at most once
// every ten seconds.
func WithLogging(next Decider, logger *zap.Logger) Decider {
	return &loggingDecider{
		next:        next,
		logger:      logger,
		unavailable: &rate.Sometimes{Interval: 10 * time.Second},
	}
}

func (l *loggingDecider) Decide(ctx context.Context, req *Request) (Decision, error) {
	start := time.Now()
	d, err := l.next.Decide(ctx, req)
	elapsed := time.Since(start)

	fields := []zap.Field{
		zap.Stringer("outcome", d.Outcome),
		zap.String("key", d.Key),
		zap.Duration("latency", elapsed),
	}
	if req != nil {
		fields = append(fields, zap.String("role", req.SessionRole))
		if req.OperationName != "" {
			fields = append(fields, zap.String("operation", req.OperationName))
		}
	}
	if d.Evaluated {
		fields = append(fields, zap.Int64("observedCount", d.ObservedCount), zap.Int64("limit", d.Limit))
	}

	switch {
	case err != nil:
		l.logger.Error("Failed to decide rate limit", append(fields, zap.Error(err))...)
	case d.Fallback:
		l.unavailable.Do(func() {
			l.logger.Warn("Store unavailable, applying fallback mode", fields...)
		})
	case d.Outcome == DenyRateLimit:
		l.logger.Info("Rate limit exceeded", fields...)
	default:
		l.logger.Debug("Rate limit decision", fields...)
	}
	return d, err
}
