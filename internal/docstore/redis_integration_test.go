//go:build integration

package docstore

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/mmeshcher/donation-ledger/internal/model"
)

var errPipelineDown = errors.New("pipeline unavailable")

// failingPipelines пропускает одиночные команды и отказывает во всех конвейерах.
type failingPipelines struct{}

func (failingPipelines) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return next(ctx, network, addr)
	}
}

func (failingPipelines) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		return next(ctx, cmd)
	}
}

func (failingPipelines) ProcessPipelineHook(redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		return errPipelineDown
	}
}

func startRedis(t *testing.T) string {
	t.Helper()

	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	return uri
}

func TestRedisStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	s, err := NewRedis(ctx, startRedis(t))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})

	runStoreContract(t, func(t *testing.T) store {
		require.NoError(t, s.Client().FlushDB(context.Background()).Err())
		return s
	})
}

func TestRedisStore_CreateApplicationRollsBackOnIndexFailure(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	s, err := NewRedis(ctx, startRedis(t))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})

	client, ok := s.Client().(*redis.Client)
	require.True(t, ok)
	client.AddHook(failingPipelines{})

	a := testApplication("a1", "ngo-1", "b1", time.Now())
	err = s.CreateApplication(ctx, a)
	require.ErrorIs(t, err, errPipelineDown)

	_, err = s.Application(ctx, a.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)

	exists, err := client.Exists(ctx, applicationKey(a.ID)).Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
}
