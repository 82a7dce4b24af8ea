package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/mmeshcher/donation-ledger/internal/events"
	"github.com/mmeshcher/donation-ledger/internal/metrics"
	"github.com/mmeshcher/donation-ledger/internal/model"
	"github.com/mmeshcher/donation-ledger/internal/validation"
)

// DistributionRequest — запрос NGO на перевод части пожертвования по одобренной заявке.
type DistributionRequest struct {
	DonationID    int64
	ApplicationID string
	Amount        int64
}

func donationLockKey(id int64) string {
	return "donation:" + strconv.FormatInt(id, 10)
}

// Distribute переводит часть пожертвования бенефициару одобренной заявки.
//
// Все локальные проверки выполняются до вызова реестра. Увеличение AmountUsed в реестре
// атомарно и повторно проверяет остаток, поэтому перерасход невозможен даже без общей блокировки.
// После записи в реестр заявка обновляется с повторами; если обновить её не удалось,
// возвращается записанное распределение и ошибка ErrReconciliationMismatch, а заявку
// догонит фоновое восстановление. Изменение реестра никогда не повторяется.
func (s *Service) Distribute(ctx context.Context, callerID string, req DistributionRequest) (model.Distribution, error) {
	dist, err := s.distribute(ctx, callerID, req)
	switch {
	case err == nil:
		s.metrics.ObserveDistribution(metrics.ResultOK, dist.Amount)
	case errors.Is(err, model.ErrReconciliationMismatch):
		s.metrics.ObserveDistribution(metrics.ResultPending, dist.Amount)
	case isRejection(err):
		s.metrics.ObserveDistribution(metrics.ResultRejected, req.Amount)
	default:
		s.metrics.ObserveDistribution(metrics.ResultError, req.Amount)
	}
	return dist, err
}

func isRejection(err error) bool {
	for _, target := range []error{
		model.ErrRoleDenied,
		model.ErrApplicationNotApproved,
		model.ErrInvalidAddress,
		model.ErrInsufficientBalance,
		model.ErrNotFound,
		model.ErrInvalidInput,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (s *Service) distribute(ctx context.Context, callerID string, req DistributionRequest) (model.Distribution, error) {
	ngo, err := s.RequireRole(ctx, callerID, model.RoleNGO)
	if err != nil {
		return model.Distribution{}, err
	}

	donation, err := s.ledger.Donation(ctx, req.DonationID)
	if err != nil {
		return model.Distribution{}, err
	}
	campaign, err := s.ledger.Campaign(ctx, donation.CampaignID)
	if err != nil {
		return model.Distribution{}, err
	}
	if campaign.OwnerID != ngo.ID {
		return model.Distribution{}, fmt.Errorf("campaign %d is owned by another NGO: %w", campaign.ID, model.ErrRoleDenied)
	}

	app, err := s.store.Application(ctx, req.ApplicationID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return model.Distribution{}, fmt.Errorf("application %s: %w", req.ApplicationID, model.ErrApplicationNotApproved)
		}
		return model.Distribution{}, err
	}
	if app.NGOID != ngo.ID || !app.Status.Fundable() {
		return model.Distribution{}, fmt.Errorf("application %s is %s: %w", app.ID, app.Status, model.ErrApplicationNotApproved)
	}
	if !validation.IsValidWalletAddress(app.BeneficiaryWallet) {
		return model.Distribution{}, fmt.Errorf("application %s wallet %q: %w", app.ID, app.BeneficiaryWallet, model.ErrInvalidAddress)
	}
	if req.Amount <= 0 {
		return model.Distribution{}, fmt.Errorf("amount %d: %w", req.Amount, model.ErrInsufficientBalance)
	}

	unlock, err := s.locker.Lock(ctx, donationLockKey(donation.ID))
	if err != nil {
		return model.Distribution{}, err
	}
	defer unlock()

	// Остаток перечитывается под блокировкой: другой вызов мог распределить часть пожертвования.
	donation, err = s.ledger.Donation(ctx, donation.ID)
	if err != nil {
		return model.Distribution{}, err
	}
	if req.Amount > donation.Available() {
		return model.Distribution{}, fmt.Errorf("donation %d has %d available, requested %d: %w",
			donation.ID, donation.Available(), req.Amount, model.ErrInsufficientBalance)
	}

	started := time.Now()
	dist, err := s.ledger.DistributeFunds(ctx, model.Distribution{
		DonationID:         donation.ID,
		CampaignID:         donation.CampaignID,
		ApplicationID:      app.ID,
		BeneficiaryAddress: validation.NormalizeWalletAddress(app.BeneficiaryWallet),
		Amount:             req.Amount,
	})
	s.metrics.ObserveLedgerCall("distribute", started)
	if err != nil {
		if dist.ID != 0 {
			// Реестр записал распределение, но вызывающий перестал ждать подтверждения.
			s.logger.Warn("Ledger call abandoned after the distribution landed",
				zap.Int64("distributionID", dist.ID),
				zap.Int64("donationID", dist.DonationID),
				zap.Error(err),
			)
			s.afterLedger(ctx, dist)
			return dist, err
		}
		s.logger.Warn("Distribution rejected by ledger",
			zap.Int64("donationID", donation.ID),
			zap.String("applicationID", app.ID),
			zap.Int64("amount", req.Amount),
			zap.Error(err),
		)
		return model.Distribution{}, err
	}

	s.logger.Info("Funds distributed",
		zap.Int64("distributionID", dist.ID),
		zap.Int64("donationID", dist.DonationID),
		zap.String("applicationID", dist.ApplicationID),
		zap.Int64("amount", dist.Amount),
	)

	if err := s.afterLedger(ctx, dist); err != nil {
		return dist, fmt.Errorf("%w: distribution %d recorded, application %s pending repair: %w",
			model.ErrReconciliationMismatch, dist.ID, dist.ApplicationID, err)
	}
	return dist, nil
}

// afterLedger публикует событие и отражает распределение в заявке.
// Работает и после отмены контекста вызывающего: распределение уже записано.
func (s *Service) afterLedger(ctx context.Context, dist model.Distribution) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.projectionTimeout)
	defer cancel()

	s.publish(ctx, events.FundsDistributed(dist))

	if err := s.project(ctx, dist); err != nil {
		s.logger.Error("Application projection failed, left for repair",
			zap.Int64("distributionID", dist.ID),
			zap.String("applicationID", dist.ApplicationID),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// project применяет распределение к заявке с повторами. Повтор безопасен: ключ идемпотентности — ID распределения.
func (s *Service) project(ctx context.Context, dist model.Distribution) error {
	attempt := 0
	return retry.Do(ctx, s.projectionBackoff(), func(ctx context.Context) error {
		if attempt > 0 {
			s.metrics.IncrementProjectionRetries()
		}
		attempt++

		_, _, err := s.store.ApplyDistribution(ctx, dist)
		if err == nil {
			return nil
		}
		if errors.Is(err, model.ErrNotFound) || errors.Is(err, model.ErrInvalidTransition) {
			return err
		}
		return retry.RetryableError(err)
	})
}
