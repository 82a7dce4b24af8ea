package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// DefaultTopic — топик событий реестра.
const DefaultTopic = "donation-ledger.events"

// Kafka публикует события в топик. Ключ сообщения — идентификатор пожертвования.
type Kafka struct {
	writer *kafka.Writer
}

// NewKafka создаёт публикатор для брокеров brokers.
func NewKafka(brokers []string, topic string) *Kafka {
	return &Kafka{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
			RequiredAcks:           kafka.RequireAll,
			BatchTimeout:           10 * time.Millisecond,
		},
	}
}

// Publish записывает событие и ждёт подтверждения брокеров.
func (p *Kafka) Publish(ctx context.Context, e Event) error {
	payload, err := encode(e)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(e.key()),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(e.Kind)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

// Close сбрасывает буфер и закрывает соединения.
func (p *Kafka) Close() error {
	return p.writer.Close()
}

// KafkaSubscriber читает топик в группе потребителей и фиксирует смещение после обработки.
type KafkaSubscriber struct {
	reader *kafka.Reader
	logger *zap.Logger
}

// NewKafkaSubscriber создаёт подписчика группы group.
func NewKafkaSubscriber(brokers []string, topic, group string, logger *zap.Logger) *KafkaSubscriber {
	return &KafkaSubscriber{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers: brokers,
			Topic:   topic,
			GroupID: group,
		}),
		logger: logger,
	}
}

// Run обрабатывает сообщения до отмены контекста. Смещение не фиксируется, пока обработчик возвращает ошибку.
func (s *KafkaSubscriber) Run(ctx context.Context, h Handler) error {
	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("kafka fetch: %w", err)
		}

		e, err := decode(msg.Value)
		if err != nil {
			s.logger.Error("Malformed event", zap.Int64("offset", msg.Offset), zap.Error(err))
			s.commit(ctx, msg)
			continue
		}

		for {
			err := h(ctx, e)
			if err == nil {
				break
			}
			s.logger.Warn("Event handler failed",
				zap.Int64("offset", msg.Offset),
				zap.String("kind", string(e.Kind)),
				zap.Error(err),
			)
			if !sleep(ctx, time.Second) {
				return nil
			}
		}
		s.commit(ctx, msg)
	}
}

func (s *KafkaSubscriber) commit(ctx context.Context, msg kafka.Message) {
	if err := s.reader.CommitMessages(ctx, msg); err != nil {
		s.logger.Warn("Failed to commit offset", zap.Int64("offset", msg.Offset), zap.Error(err))
	}
}

// Close закрывает reader.
func (s *KafkaSubscriber) Close() error {
	return s.reader.Close()
}
