// Package service реализует бизнес-логику сервиса распределения пожертвований:
// реестр кампаний, пожертвования, распределения, заявки бенефициаров, роли и сверку.
//
// Реестр (Ledger) и хранилище заявок (Store) — независимые системы записи без общей транзакции.
// Распределение выполняется как сага: атомарное увеличение AmountUsed в реестре —
// единственная точка линеаризации, обновление заявки идемпотентно и повторяемо.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/mmeshcher/donation-ledger/internal/events"
	"github.com/mmeshcher/donation-ledger/internal/lock"
	"github.com/mmeshcher/donation-ledger/internal/metrics"
	"github.com/mmeshcher/donation-ledger/internal/model"
)

// Ledger описывает реестр кампаний, пожертвований и распределений.
type Ledger interface {
	Close() error
	CreateCampaign(ctx context.Context, c model.Campaign) (model.Campaign, error)
	DeactivateCampaign(ctx context.Context, id int64) error
	Donate(ctx context.Context, campaignID int64, donorID string, amount int64) (model.Donation, error)
	DistributeFunds(ctx context.Context, d model.Distribution) (model.Distribution, error)
	Campaign(ctx context.Context, id int64) (model.Campaign, error)
	Campaigns(ctx context.Context) ([]model.Campaign, error)
	Donation(ctx context.Context, id int64) (model.Donation, error)
	DonationsByCampaign(ctx context.Context, campaignID int64) ([]model.Donation, error)
	DonationsByDonor(ctx context.Context, donorID string) ([]model.Donation, error)
	DistributionsByCampaign(ctx context.Context, campaignID int64) ([]model.Distribution, error)
	DistributionsByDonation(ctx context.Context, donationID int64) ([]model.Distribution, error)
	DistributionsAfter(ctx context.Context, afterID int64, limit int) ([]model.Distribution, error)
}

// Store описывает хранилище пользователей и заявок. Обновляется только один документ за вызов.
type Store interface {
	Close() error
	CreateUser(ctx context.Context, u model.User) error
	User(ctx context.Context, id string) (model.User, error)
	UserByLogin(ctx context.Context, login string) (model.User, error)
	UsersByRole(ctx context.Context, role model.Role) ([]model.User, error)
	UpdateRole(ctx context.Context, id string, from, to model.Role) (model.User, error)
	CreateApplication(ctx context.Context, a model.Application) error
	Application(ctx context.Context, id string) (model.Application, error)
	Applications(ctx context.Context, f model.ApplicationFilter) ([]model.Application, error)
	UpdateApplicationStatus(ctx context.Context, id string, from, to model.ApplicationStatus) (model.Application, error)
	ApplyDistribution(ctx context.Context, d model.Distribution) (model.Application, bool, error)
}

// Service содержит бизнес-логику сервиса.
type Service struct {
	ledger    Ledger
	store     Store
	locker    lock.Locker
	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    *zap.Logger

	epsilon           int64
	bcryptCost        int
	projectionTimeout time.Duration
	projectionBackoff func() retry.Backoff
	repairCommitLag   time.Duration
	now               func() time.Time

	repair repairState
}

// Option настраивает сервис.
type Option func(*Service)

// WithLocker задаёт блокировку распределений по пожертвованию.
func WithLocker(l lock.Locker) Option {
	return func(s *Service) { s.locker = l }
}

// WithPublisher задаёт публикатор событий реестра.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithMetrics задаёт метрики.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithEpsilon задаёт допуск завершения пожертвования в минимальных единицах.
func WithEpsilon(eps int64) Option {
	return func(s *Service) { s.epsilon = eps }
}

// WithBcryptCost задаёт стоимость bcrypt. В тестах используется bcrypt.MinCost.
func WithBcryptCost(cost int) Option {
	return func(s *Service) { s.bcryptCost = cost }
}

// WithProjectionBackoff задаёт стратегию повторов обновления заявки после распределения.
func WithProjectionBackoff(b func() retry.Backoff) Option {
	return func(s *Service) { s.projectionBackoff = b }
}

// WithRepairCommitLag задаёт, сколько распределение считается незафиксированным для позиции восстановления.
func WithRepairCommitLag(d time.Duration) Option {
	return func(s *Service) { s.repairCommitLag = d }
}

// NewService создаёт сервис поверх реестра и хранилища заявок.
func NewService(ledger Ledger, store Store, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		ledger:            ledger,
		store:             store,
		locker:            lock.NewKeyedMutex(),
		publisher:         events.Nop{},
		logger:            logger,
		epsilon:           1,
		bcryptCost:        bcrypt.DefaultCost,
		projectionTimeout: 30 * time.Second,
		projectionBackoff: defaultProjectionBackoff,
		repairCommitLag:   2 * time.Minute,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New(prometheus.NewRegistry())
	}
	return s
}

func defaultProjectionBackoff() retry.Backoff {
	b := retry.NewExponential(50 * time.Millisecond)
	b = retry.WithCappedDuration(2*time.Second, b)
	return retry.WithMaxRetries(6, b)
}

// Epsilon возвращает допуск завершения пожертвования.
func (s *Service) Epsilon() int64 {
	return s.epsilon
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	var errs []error
	if s.publisher != nil {
		errs = append(errs, s.publisher.Close())
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.ledger != nil {
		errs = append(errs, s.ledger.Close())
	}
	return errors.Join(errs...)
}

func (s *Service) publish(ctx context.Context, e events.Event) {
	if err := s.publisher.Publish(ctx, e); err != nil {
		s.logger.Warn("Failed to publish ledger event",
			zap.String("kind", string(e.Kind)),
			zap.Int64("donationID", e.DonationID),
			zap.Error(err),
		)
	}
}
