package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const lockPrefix = "dl:lock:"

// releaseScript удаляет ключ, только если он всё ещё принадлежит владельцу токена.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLock — блокировка по ключу между экземплярами сервиса. Ключ живёт не дольше ttl,
// поэтому упавший владелец не блокирует пожертвование навсегда.
type RedisLock struct {
	client redis.UniversalClient
	ttl    time.Duration
	poll   time.Duration
	logger *zap.Logger
}

// NewRedisLock создаёт блокировку поверх клиента Redis.
func NewRedisLock(client redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *RedisLock {
	return &RedisLock{
		client: client,
		ttl:    ttl,
		poll:   25 * time.Millisecond,
		logger: logger,
	}
}

// Lock опрашивает SET NX до успеха или отмены контекста.
func (l *RedisLock) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := lockPrefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("lock %s: %w", key, ctx.Err())
			}
			return nil, fmt.Errorf("lock %s: %w", key, err)
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("lock %s: %w", key, ctx.Err())
		case <-ticker.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(ctx, key, redisKey, token) })
	}, nil
}

func (l *RedisLock) release(ctx context.Context, key, redisKey, token string) {
	// Освобождаем даже после отмены контекста вызывающего.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	n, err := releaseScript.Run(ctx, l.client, []string{redisKey}, token).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		l.logger.Error("Failed to release lock", zap.String("key", key), zap.Error(err))
		return
	}
	if n == 0 {
		l.logger.Warn("Lock expired before release", zap.String("key", key), zap.Duration("ttl", l.ttl))
	}
}
