package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultStream — имя потока событий реестра.
const DefaultStream = "dl:events:ledger"

// RedisStream публикует события в Redis Stream командой XADD.
type RedisStream struct {
	client redis.UniversalClient
	stream string
	maxLen int64
}

// NewRedisStream создаёт публикатор. Поток обрезается примерно до maxLen записей.
func NewRedisStream(client redis.UniversalClient, stream string, maxLen int64) *RedisStream {
	return &RedisStream{client: client, stream: stream, maxLen: maxLen}
}

// Publish добавляет событие в поток.
func (p *RedisStream) Publish(ctx context.Context, e Event) error {
	payload, err := encode(e)
	if err != nil {
		return err
	}
	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: p.maxLen > 0,
		Values: map[string]any{
			"kind":    string(e.Kind),
			"key":     e.key(),
			"payload": payload,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return nil
}

// Close не закрывает общий клиент.
func (p *RedisStream) Close() error {
	return nil
}

// RedisSubscriber читает поток через группу потребителей и подтверждает обработанные события.
type RedisSubscriber struct {
	client   redis.UniversalClient
	stream   string
	group    string
	consumer string
	block    time.Duration
	logger   *zap.Logger
}

// NewRedisSubscriber создаёт подписчика группы group.
func NewRedisSubscriber(client redis.UniversalClient, stream, group, consumer string, logger *zap.Logger) *RedisSubscriber {
	return &RedisSubscriber{
		client:   client,
		stream:   stream,
		group:    group,
		consumer: consumer,
		block:    2 * time.Second,
		logger:   logger,
	}
}

// Run создаёт группу при необходимости и обрабатывает события до отмены контекста.
// Неподтверждённые события остаются в pending-списке группы, пропущенное восстановит Repairer.
func (s *RedisSubscriber) Run(ctx context.Context, h Handler) error {
	err := s.client.XGroupCreateMkStream(ctx, s.stream, s.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}

	for {
		streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.group,
			Consumer: s.consumer,
			Streams:  []string{s.stream, ">"},
			Count:    16,
			Block:    s.block,
		}).Result()

		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			s.logger.Warn("Failed to read event stream", zap.String("stream", s.stream), zap.Error(err))
			if !sleep(ctx, time.Second) {
				return nil
			}
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				s.handle(ctx, msg, h)
			}
		}
	}
}

func (s *RedisSubscriber) handle(ctx context.Context, msg redis.XMessage, h Handler) {
	raw, ok := msg.Values["payload"].(string)
	if !ok {
		s.logger.Error("Event without payload", zap.String("id", msg.ID))
		s.ack(ctx, msg.ID)
		return
	}
	e, err := decode([]byte(raw))
	if err != nil {
		s.logger.Error("Malformed event", zap.String("id", msg.ID), zap.Error(err))
		s.ack(ctx, msg.ID)
		return
	}
	if err := h(ctx, e); err != nil {
		s.logger.Warn("Event handler failed",
			zap.String("id", msg.ID),
			zap.String("kind", string(e.Kind)),
			zap.Error(err),
		)
		return
	}
	s.ack(ctx, msg.ID)
}

func (s *RedisSubscriber) ack(ctx context.Context, id string) {
	if err := s.client.XAck(ctx, s.stream, s.group, id).Err(); err != nil {
		s.logger.Warn("Failed to ack event", zap.String("id", id), zap.Error(err))
	}
}

// Close не закрывает общий клиент.
func (s *RedisSubscriber) Close() error {
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
