package service

import (
	"context"
	"fmt"
	"iter"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/donation-ledger/internal/events"
	"github.com/mmeshcher/donation-ledger/internal/model"
)

// RecordDonation записывает пожертвование в активную кампанию.
// Ошибка реестра возвращается как есть, повторной отправки нет.
func (s *Service) RecordDonation(ctx context.Context, callerID string, campaignID int64, amount int64) (model.Donation, error) {
	if amount <= 0 {
		return model.Donation{}, fmt.Errorf("amount %d: %w", amount, model.ErrInvalidAmount)
	}

	donor, err := s.store.User(ctx, callerID)
	if err != nil {
		return model.Donation{}, err
	}

	started := time.Now()
	d, err := s.ledger.Donate(ctx, campaignID, donor.ID, amount)
	s.metrics.ObserveLedgerCall("donate", started)
	if err != nil {
		s.logger.Warn("Donation failed",
			zap.Int64("campaignID", campaignID),
			zap.String("donorID", donor.ID),
			zap.Error(err),
		)
		return model.Donation{}, err
	}

	s.metrics.ObserveDonation(d.Amount)
	s.publish(ctx, events.DonationReceived(d))
	s.logger.Info("Donation recorded",
		zap.Int64("donationID", d.ID),
		zap.Int64("campaignID", d.CampaignID),
		zap.Int64("amount", d.Amount),
	)
	return d, nil
}

// AvailableBalance возвращает нераспределённый остаток пожертвования.
func (s *Service) AvailableBalance(ctx context.Context, donationID int64) (int64, error) {
	d, err := s.ledger.Donation(ctx, donationID)
	if err != nil {
		return 0, err
	}
	return d.Available(), nil
}

// Donation возвращает пожертвование из реестра.
func (s *Service) Donation(ctx context.Context, id int64) (model.Donation, error) {
	return s.ledger.Donation(ctx, id)
}

// DonationsForCampaign возвращает пожертвования кампании по возрастанию идентификатора.
func (s *Service) DonationsForCampaign(ctx context.Context, campaignID int64) iter.Seq2[model.Donation, error] {
	return donations(func() ([]model.Donation, error) {
		return s.ledger.DonationsByCampaign(ctx, campaignID)
	})
}

// DonationsForDonor возвращает пожертвования донора по возрастанию идентификатора.
func (s *Service) DonationsForDonor(ctx context.Context, donorID string) iter.Seq2[model.Donation, error] {
	return donations(func() ([]model.Donation, error) {
		return s.ledger.DonationsByDonor(ctx, donorID)
	})
}

func donations(load func() ([]model.Donation, error)) iter.Seq2[model.Donation, error] {
	return func(yield func(model.Donation, error) bool) {
		list, err := load()
		if err != nil {
			yield(model.Donation{}, err)
			return
		}
		for _, d := range list {
			if !yield(d, nil) {
				return
			}
		}
	}
}
