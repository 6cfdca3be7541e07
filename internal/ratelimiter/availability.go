package ratelimiter

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hasura/engine-plugin-rate-limit/internal/log"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// StoreState is the connection state of the shared store.
type StoreState int32

const (
	StateConnecting StoreState = iota
	StateReady
	StateUnavailable
)

var storeStateStrings = map[StoreState]string{
	StateConnecting:  "connecting",
	StateReady:       "ready",
	StateUnavailable: "unavailable",
}

func (s StoreState) String() string {
	if str, ok := storeStateStrings[s]; ok {
		return str
	}
	return "unknown"
}

// ensure that Monitor satisfies the Availability interface
var _ Availability = &Monitor{}

// Monitor tracks the shared store connection. It is written by connection
// events and read by every decision; reads are a single atomic load.
type Monitor struct {
	state atomic.Int32
}

// NewMonitor returns a Monitor in the connecting state.
func NewMonitor() *Monitor {
	m := &Monitor{}
	m.state.Store(int32(StateConnecting))
	return m
}

// State returns the current connection state.
func (m *Monitor) State() StoreState {
	return StoreState(m.state.Load())
}

// IsReady reports whether the store may be used.
func (m *Monitor) IsReady() bool {
	return m.State() == StateReady
}

// MarkConnecting records a new connection that has not completed its
// handshake. It only leaves the unavailable state: a fresh pool connection
// must not pull a ready store back to connecting.
func (m *Monitor) MarkConnecting() {
	if m.state.CompareAndSwap(int32(StateUnavailable), int32(StateConnecting)) {
		log.Logger().Info("Store connection state changed",
			zap.Stringer("from", StateUnavailable), zap.Stringer("to", StateConnecting))
	}
}

// MarkReady records that the store answered a command.
func (m *Monitor) MarkReady() {
	if prev := StoreState(m.state.Swap(int32(StateReady))); prev != StateReady {
		log.Logger().Info("Store connection state changed",
			zap.Stringer("from", prev), zap.Stringer("to", StateReady))
	}
}

// MarkUnavailable records a connection failure.
func (m *Monitor) MarkUnavailable(err error) {
	if prev := StoreState(m.state.Swap(int32(StateUnavailable))); prev != StateUnavailable {
		log.Logger().Warn("Store connection state changed",
			zap.Stringer("from", prev), zap.Stringer("to", StateUnavailable), zap.Error(err))
	}
}

// Watch probes the store immediately and then every interval until ctx is
// done, so a recovered store becomes ready without waiting for traffic.
func (m *Monitor) Watch(ctx context.Context, interval, timeout time.Duration, probe func(context.Context) error) {
	check := func() {
		probeCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := probe(probeCtx); err != nil {
			if ctx.Err() == nil {
				m.MarkUnavailable(err)
			}
			return
		}
		m.MarkReady()
	}

	check()
	if interval <= 0 {
		return
	}

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			check()
		}
	}
}

// RedisHook returns a go-redis hook feeding connection events into m: a failed
// dial marks the store unavailable, a successful dial is a connect event, and
// any command answered by the server marks it ready.
func (m *Monitor) RedisHook() redis.Hook {
	return monitorHook{m}
}

type monitorHook struct {
	m *Monitor
}

func (h monitorHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := next(ctx, network, addr)
		if err != nil {
			h.m.MarkUnavailable(err)
			return nil, err
		}
		h.m.MarkConnecting()
		return conn, nil
	}
}

func (h monitorHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		err := next(ctx, cmd)
		h.observe(ctx, err)
		return err
	}
}

func (h monitorHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		err := next(ctx, cmds)
		h.observe(ctx, err)
		return err
	}
}

// observe leaves the state alone when the command's own context ended: the
// owner of that context decides whether it was the store's fault.
func (h monitorHook) observe(ctx context.Context, err error) {
	switch {
	case err == nil, isReplyError(err):
		h.m.MarkReady()
	case ctx.Err() != nil:
	case IsConnectionError(err):
		h.m.MarkUnavailable(err)
	}
}

func isReplyError(err error) bool {
	var replyErr redis.Error
	return errors.As(err, &replyErr)
}

// IsConnectionError reports whether err means the store could not be reached
// or did not answer in time, as opposed to the store answering with an error.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, redis.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
