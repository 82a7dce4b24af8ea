package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/donation-ledger/internal/events"
	"github.com/mmeshcher/donation-ledger/internal/model"
)

const repairBatchSize = 100

// repairState хранит позицию восстановления: все распределения с ID <= cursor уже отражены в заявках.
type repairState struct {
	mu     sync.Mutex
	cursor int64
}

// RunRepair периодически переигрывает распределения реестра в заявки до отмены контекста.
func (s *Service) RunRepair(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.RepairOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("Projection repair pass failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RepairOnce проходит распределения после сохранённой позиции и применяет их к заявкам.
// Возвращает число заявок, которые действительно изменились. Повторный проход ничего не меняет.
//
// ID распределений выдаёт последовательность, и транзакции фиксируются не в порядке ID:
// строка с меньшим ID может стать видимой позже строки с большим. Поэтому позиция сдвигается
// только по непрерывному префиксу строк старше repairCommitLag; более свежие строки
// применяются, но перечитываются на следующих проходах.
func (s *Service) RepairOnce(ctx context.Context) (int, error) {
	s.repair.mu.Lock()
	defer s.repair.mu.Unlock()

	horizon := s.now().Add(-s.repairCommitLag)
	settled := true
	scan := s.repair.cursor
	repaired := 0
	for {
		page, err := s.ledger.DistributionsAfter(ctx, scan, repairBatchSize)
		if err != nil {
			return repaired, err
		}
		if len(page) == 0 {
			return repaired, nil
		}

		for _, d := range page {
			applied, err := s.applyFromLedger(ctx, d)
			if err != nil {
				return repaired, fmt.Errorf("distribution %d: %w", d.ID, err)
			}
			if applied {
				repaired++
			}
			scan = d.ID

			if settled && d.CreatedAt.Before(horizon) {
				s.repair.cursor = d.ID
			} else {
				settled = false
			}
		}

		if len(page) < repairBatchSize {
			return repaired, nil
		}
	}
}

// applyFromLedger применяет распределение к заявке. Распределение без заявки или к заявке,
// которая не может его принять, — расхождение: оно журналируется и пропускается, реестр не меняется.
func (s *Service) applyFromLedger(ctx context.Context, d model.Distribution) (bool, error) {
	a, applied, err := s.store.ApplyDistribution(ctx, d)
	switch {
	case errors.Is(err, model.ErrNotFound):
		s.metrics.IncrementMismatch("distribution_without_application")
		s.logger.Error("Distribution references a missing application",
			zap.Int64("distributionID", d.ID),
			zap.String("applicationID", d.ApplicationID),
		)
		return false, nil
	case errors.Is(err, model.ErrInvalidTransition):
		s.metrics.IncrementMismatch("distribution_to_unfundable_application")
		s.logger.Error("Distribution references an application that cannot be funded",
			zap.Int64("distributionID", d.ID),
			zap.String("applicationID", d.ApplicationID),
			zap.Error(err),
		)
		return false, nil
	case err != nil:
		return false, err
	}

	if applied {
		s.metrics.IncrementRepaired()
		s.logger.Info("Application projection repaired",
			zap.Int64("distributionID", d.ID),
			zap.String("applicationID", a.ID),
		)
	}
	return applied, nil
}

// HandleEvent применяет события реестра. Событие FundsDistributed только указывает на запись:
// в заявку попадает распределение, прочитанное из реестра, а событие без записи считается расхождением.
// Повторная доставка безопасна.
func (s *Service) HandleEvent(ctx context.Context, e events.Event) error {
	switch e.Kind {
	case events.KindFundsDistributed:
		d, ok, err := s.ledgerDistribution(ctx, e)
		if err != nil {
			return err
		}
		if !ok {
			s.metrics.IncrementMismatch("unknown_distribution_event")
			s.logger.Error("Distribution event does not match the ledger",
				zap.Int64("distributionID", e.DistributionID),
				zap.Int64("donationID", e.DonationID),
				zap.String("applicationID", e.ApplicationID),
				zap.Int64("amount", e.Amount),
			)
			return nil
		}
		_, err = s.applyFromLedger(ctx, d)
		return err
	case events.KindDonationReceived:
		s.logger.Debug("Donation event received", zap.Int64("donationID", e.DonationID), zap.Int64("amount", e.Amount))
		return nil
	default:
		s.logger.Warn("Unknown event kind", zap.String("kind", string(e.Kind)))
		return nil
	}
}

// ledgerDistribution ищет в реестре распределение, совпадающее с событием по ID, заявке и сумме.
func (s *Service) ledgerDistribution(ctx context.Context, e events.Event) (model.Distribution, bool, error) {
	if e.DistributionID <= 0 || e.ApplicationID == "" {
		return model.Distribution{}, false, nil
	}

	dists, err := s.ledger.DistributionsByDonation(ctx, e.DonationID)
	if errors.Is(err, model.ErrNotFound) {
		return model.Distribution{}, false, nil
	}
	if err != nil {
		return model.Distribution{}, false, fmt.Errorf("load distributions of donation %d: %w", e.DonationID, err)
	}

	want := e.Distribution()
	for _, d := range dists {
		if d.ID == want.ID && d.ApplicationID == want.ApplicationID && d.Amount == want.Amount {
			return d, true, nil
		}
	}
	return model.Distribution{}, false, nil
}
