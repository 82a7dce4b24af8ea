// Package main запускает HTTP-сервер сервиса распределения пожертвований.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/donation-ledger/internal/amount"
	"github.com/mmeshcher/donation-ledger/internal/config"
	"github.com/mmeshcher/donation-ledger/internal/docstore"
	"github.com/mmeshcher/donation-ledger/internal/events"
	"github.com/mmeshcher/donation-ledger/internal/handler"
	"github.com/mmeshcher/donation-ledger/internal/ledger"
	"github.com/mmeshcher/donation-ledger/internal/lock"
	"github.com/mmeshcher/donation-ledger/internal/metrics"
	"github.com/mmeshcher/donation-ledger/internal/middleware"
	"github.com/mmeshcher/donation-ledger/internal/service"
)

const consumerGroup = "donation-ledger-repair"

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	var ledgerImpl service.Ledger
	if cfg.DatabaseURI != "" {
		pg, err := ledger.NewPostgres(cfg.DatabaseURI)
		if err != nil {
			sugar.Fatalw("ledger initialization error", "error", err.Error())
		}
		ledgerImpl = pg
	} else {
		sugar.Warn("DATABASE_URI is empty, using in-memory ledger")
		ledgerImpl = ledger.NewMemory()
	}

	opts := []service.Option{
		service.WithMetrics(m),
		service.WithEpsilon(cfg.CompletionEpsilon),
	}

	var (
		store       service.Store
		redisClient redis.UniversalClient
	)
	if cfg.RedisURL != "" {
		rs, err := docstore.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			sugar.Fatalw("workflow store initialization error", "error", err.Error())
		}
		store = rs
		redisClient = rs.Client()
		opts = append(opts, service.WithLocker(lock.NewRedisLock(redisClient, cfg.LockTTL, logger)))
	} else {
		sugar.Warn("REDIS_URL is empty, using in-memory workflow store and locks")
		store = docstore.NewMemory()
	}

	publisher, subscriber := eventBus(cfg, redisClient, logger)
	opts = append(opts, service.WithPublisher(publisher))

	svc := service.NewService(ledgerImpl, store, logger, opts...)
	defer func() {
		if err := svc.Close(); err != nil {
			sugar.Warnw("close service error", "error", err)
		}
	}()

	if cfg.AdminLogin != "" {
		if err := svc.EnsureAdmin(ctx, cfg.AdminLogin, cfg.AdminPassword); err != nil {
			sugar.Fatalw("admin bootstrap error", "error", err.Error())
		}
	}

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, logger, authMiddleware, amount.NewConverter(cfg.AmountDecimals), handler.WithMetrics(m, reg))

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	// Фоновое восстановление заявок по реестру
	g.Go(func() error {
		return svc.RunRepair(ctx, cfg.RepairInterval)
	})

	if subscriber != nil {
		g.Go(func() error {
			defer subscriber.Close()
			return subscriber.Run(ctx, svc.HandleEvent)
		})
	}

	g.Go(func() error {
		sugar.Infow("starting donation ledger server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Errorw("application terminated with error", "error", err)
	}
}

// eventBus выбирает транспорт событий реестра: Kafka, если заданы брокеры, иначе поток Redis.
// Без обоих транспортов события не публикуются, заявки догоняет только периодическое восстановление.
func eventBus(cfg *config.Config, client redis.UniversalClient, logger *zap.Logger) (events.Publisher, events.Subscriber) {
	if brokers := cfg.Brokers(); len(brokers) > 0 {
		logger.Info("Publishing ledger events to kafka", zap.Strings("brokers", brokers))
		return events.NewKafka(brokers, events.DefaultTopic),
			events.NewKafkaSubscriber(brokers, events.DefaultTopic, consumerGroup, logger)
	}

	if client != nil {
		consumer, err := os.Hostname()
		if err != nil || consumer == "" {
			consumer = "donation-ledger"
		}
		logger.Info("Publishing ledger events to redis stream", zap.String("stream", events.DefaultStream))
		return events.NewRedisStream(client, events.DefaultStream, 100_000),
			events.NewRedisSubscriber(client, events.DefaultStream, consumerGroup, consumer, logger)
	}

	return events.Nop{}, nil
}
