package service

import (
	"context"
	"fmt"
	"iter"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/donation-ledger/internal/model"
	"github.com/mmeshcher/donation-ledger/internal/validation"
)

// CreateCampaign создаёт кампанию от имени NGO.
func (s *Service) CreateCampaign(ctx context.Context, callerID, title, description string, goal int64) (model.Campaign, error) {
	if goal <= 0 {
		return model.Campaign{}, fmt.Errorf("goal must be positive: %w", model.ErrInvalidInput)
	}
	if validation.IsBlank(title) || validation.IsBlank(description) {
		return model.Campaign{}, fmt.Errorf("title and description are required: %w", model.ErrInvalidInput)
	}

	owner, err := s.RequireRole(ctx, callerID, model.RoleNGO)
	if err != nil {
		return model.Campaign{}, err
	}

	started := time.Now()
	c, err := s.ledger.CreateCampaign(ctx, model.Campaign{
		OwnerID:     owner.ID,
		Title:       title,
		Description: description,
		Goal:        goal,
	})
	s.metrics.ObserveLedgerCall("create_campaign", started)
	if err != nil {
		return model.Campaign{}, err
	}

	s.logger.Info("Campaign created", zap.Int64("campaignID", c.ID), zap.String("ownerID", owner.ID))
	return c, nil
}

// DeactivateCampaign выключает кампанию. Доступно только администратору; повторный вызов ничего не меняет.
// Распределения по уже полученным пожертвованиям продолжают работать.
func (s *Service) DeactivateCampaign(ctx context.Context, callerID string, campaignID int64) error {
	if _, err := s.RequireRole(ctx, callerID, model.RoleAdmin); err != nil {
		return err
	}

	started := time.Now()
	err := s.ledger.DeactivateCampaign(ctx, campaignID)
	s.metrics.ObserveLedgerCall("deactivate_campaign", started)
	if err != nil {
		return err
	}

	s.logger.Info("Campaign deactivated", zap.Int64("campaignID", campaignID), zap.String("adminID", callerID))
	return nil
}

// Campaign возвращает кампанию из реестра.
func (s *Service) Campaign(ctx context.Context, id int64) (model.Campaign, error) {
	return s.ledger.Campaign(ctx, id)
}

// CampaignsByOwner возвращает кампании владельца в порядке возрастания идентификатора.
// Последовательность ленивая: каждый проход заново читает реестр.
func (s *Service) CampaignsByOwner(ctx context.Context, ownerID string) iter.Seq2[model.Campaign, error] {
	return s.campaigns(ctx, func(c model.Campaign) bool { return c.OwnerID == ownerID })
}

// ActiveCampaigns возвращает активные кампании.
func (s *Service) ActiveCampaigns(ctx context.Context) iter.Seq2[model.Campaign, error] {
	return s.campaigns(ctx, func(c model.Campaign) bool { return c.Active })
}

func (s *Service) campaigns(ctx context.Context, keep func(model.Campaign) bool) iter.Seq2[model.Campaign, error] {
	return func(yield func(model.Campaign, error) bool) {
		campaigns, err := s.ledger.Campaigns(ctx)
		if err != nil {
			yield(model.Campaign{}, err)
			return
		}
		for _, c := range campaigns {
			if !keep(c) {
				continue
			}
			if !yield(c, nil) {
				return
			}
		}
	}
}

// Collect собирает последовательность в срез, останавливаясь на первой ошибке.
func Collect[T any](seq iter.Seq2[T, error]) ([]T, error) {
	var res []T
	for v, err := range seq {
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, nil
}
