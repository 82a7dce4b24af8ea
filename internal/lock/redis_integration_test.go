//go:build integration

package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"
)

func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()

	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	opts, err := redis.ParseURL(uri)
	require.NoError(t, err)

	client := redis.NewClient(opts)
	t.Cleanup(func() {
		_ = client.Close()
	})
	return client
}

func TestRedisLock(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	client := newRedisClient(t)
	l := NewRedisLock(client, time.Minute, zap.NewNop())
	ctx := context.Background()

	t.Run("exclusive", func(t *testing.T) {
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			inside  int
			maxSeen int
		)
		for range 5 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				unlock, err := l.Lock(ctx, "donation:1")
				if !assert.NoError(t, err) {
					return
				}
				defer unlock()

				mu.Lock()
				inside++
				maxSeen = max(maxSeen, inside)
				mu.Unlock()

				time.Sleep(10 * time.Millisecond)

				mu.Lock()
				inside--
				mu.Unlock()
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, maxSeen)
	})

	t.Run("release does not remove foreign owner", func(t *testing.T) {
		short := NewRedisLock(client, 50*time.Millisecond, zap.NewNop())
		unlock, err := short.Lock(ctx, "donation:2")
		require.NoError(t, err)

		time.Sleep(100 * time.Millisecond)
		unlockOther, err := l.Lock(ctx, "donation:2")
		require.NoError(t, err)

		unlock()
		exists, err := client.Exists(ctx, lockPrefix+"donation:2").Result()
		require.NoError(t, err)
		assert.Equal(t, int64(1), exists)

		unlockOther()
	})

	t.Run("cancelled wait", func(t *testing.T) {
		unlock, err := l.Lock(ctx, "donation:3")
		require.NoError(t, err)
		defer unlock()

		waitCtx, cancel := context.WithTimeout(ctx, 60*time.Millisecond)
		defer cancel()
		_, err = l.Lock(waitCtx, "donation:3")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}
