package algorithm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLog(t *testing.T) (*SlidingWindowLog, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewSlidingWindowLog(client, "rate_limit:"), server
}

type attempt struct {
	now  int64
	want int64
}

func TestSlidingWindowLog_Evaluate(t *testing.T) {
	var tests = []struct {
		name     string
		limit    int64
		window   int64
		attempts []attempt
		members  int
	}{
		{
			name:   "counts prior attempts and resets after the window",
			limit:  3,
			window: 60,
			attempts: []attempt{
				{now: 0, want: 0},
				{now: 0, want: 1},
				{now: 0, want: 2},
				{now: 0, want: 3},
				{now: 61, want: 0},
			},
			members: 1,
		},
		{
			name:   "entries scored exactly at the window start are purged",
			limit:  5,
			window: 60,
			attempts: []attempt{
				{now: 100, want: 0},
				{now: 159, want: 1},
				{now: 160, want: 1},
			},
			members: 2,
		},
		{
			name:   "sliding window keeps the newer half",
			limit:  2,
			window: 10,
			attempts: []attempt{
				{now: 0, want: 0},
				{now: 5, want: 1},
				{now: 9, want: 2},
				{now: 11, want: 1},
			},
			members: 2,
		},
		{
			name:   "denied attempts are not recorded",
			limit:  2,
			window: 60,
			attempts: []attempt{
				{now: 10, want: 0},
				{now: 11, want: 1},
				{now: 12, want: 2},
				{now: 13, want: 2},
				{now: 14, want: 2},
			},
			members: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log, server := newTestLog(t)
			ctx := context.Background()

			for i, a := range tt.attempts {
				got, err := log.Evaluate(ctx, "user", tt.limit, a.now, tt.window, uuid.NewString())
				require.NoError(t, err)
				assert.Equal(t, a.want, got, "attempt %d at t=%d", i+1, a.now)
			}

			members, err := server.ZMembers(log.Key("user"))
			require.NoError(t, err)
			assert.Len(t, members, tt.members)
		})
	}
}

func TestSlidingWindowLog_TTL(t *testing.T) {
	log, server := newTestLog(t)
	ctx := context.Background()
	key := log.Key("user")

	for i := int64(0); i < 3; i++ {
		count, err := log.Evaluate(ctx, "user", 3, 0, 60, uuid.NewString())
		require.NoError(t, err)
		assert.Equal(t, i, count)
	}
	assert.Equal(t, 60*time.Second, server.TTL(key))

	server.FastForward(20 * time.Second)

	// a denied attempt must neither insert nor refresh the ttl
	count, err := log.Evaluate(ctx, "user", 3, 20, 60, uuid.NewString())
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
	assert.Equal(t, 40*time.Second, server.TTL(key))

	members, err := server.ZMembers(key)
	require.NoError(t, err)
	assert.Len(t, members, 3)

	// the store reclaims idle keys once the ttl runs out
	server.FastForward(41 * time.Second)
	assert.False(t, server.Exists(key))
}

func TestSlidingWindowLog_AdmittedAttemptRefreshesTTL(t *testing.T) {
	log, server := newTestLog(t)
	ctx := context.Background()

	_, err := log.Evaluate(ctx, "user", 3, 0, 60, uuid.NewString())
	require.NoError(t, err)

	server.FastForward(30 * time.Second)

	_, err = log.Evaluate(ctx, "user", 3, 30, 60, uuid.NewString())
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, server.TTL(log.Key("user")))
}

func TestSlidingWindowLog_UsesKeyPrefix(t *testing.T) {
	log, server := newTestLog(t)

	_, err := log.Evaluate(context.Background(), "x-user-id:42", 1, 0, 60, uuid.NewString())
	require.NoError(t, err)

	assert.True(t, server.Exists("rate_limit:x-user-id:42"))
	assert.False(t, server.Exists("x-user-id:42"))
}

func TestSlidingWindowLog_KeysAreIndependent(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()

	count, err := log.Evaluate(ctx, "a", 1, 0, 60, uuid.NewString())
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	count, err = log.Evaluate(ctx, "b", 1, 0, 60, uuid.NewString())
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	count, err = log.Evaluate(ctx, "a", 1, 0, 60, uuid.NewString())
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestSlidingWindowLog_WrongType(t *testing.T) {
	log, server := newTestLog(t)
	require.NoError(t, server.Set(log.Key("user"), "not a sorted set"))

	_, err := log.Evaluate(context.Background(), "user", 1, 0, 60, uuid.NewString())
	assert.Error(t, err)
}

func TestSlidingWindowLog_ConcurrentAdmission(t *testing.T) {
	log, server := newTestLog(t)
	ctx := context.Background()

	const (
		limit   = 10
		callers = 50
	)

	var admitted atomic.Int64
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			count, err := log.Evaluate(ctx, "shared", limit, 0, 60, fmt.Sprintf("req-%d", i))
			if assert.NoError(t, err) && count < limit {
				admitted.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(limit), admitted.Load())
	members, err := server.ZMembers(log.Key("shared"))
	require.NoError(t, err)
	assert.Len(t, members, limit)
}
