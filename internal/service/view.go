package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/donation-ledger/internal/model"
	"github.com/mmeshcher/donation-ledger/internal/reconcile"
)

// ScopeKind — область представления сверки.
type ScopeKind int

const (
	ScopeCampaign ScopeKind = iota + 1
	ScopeDonor
	ScopeNGO
)

// Scope задаёт область сверки: кампанию, донора или NGO.
type Scope struct {
	Kind       ScopeKind
	CampaignID int64
	UserID     string
}

// CampaignScope — область одной кампании.
func CampaignScope(id int64) Scope { return Scope{Kind: ScopeCampaign, CampaignID: id} }

// DonorScope — область пожертвований донора.
func DonorScope(id string) Scope { return Scope{Kind: ScopeDonor, UserID: id} }

// NGOScope — область кампаний и заявок NGO.
func NGOScope(id string) Scope { return Scope{Kind: ScopeNGO, UserID: id} }

// View строит представление сверки для области. Снимок всегда читается из реестра заново,
// ни одно хранилище не изменяется. Расхождения попадают в представление, журнал и метрики.
func (s *Service) View(ctx context.Context, scope Scope) (reconcile.View, error) {
	snap, err := s.snapshot(ctx, scope)
	if err != nil {
		return reconcile.View{}, err
	}
	v := reconcile.Build(snap, s.epsilon)

	// Пожертвования и распределения читаются разными запросами, и между ними могло
	// появиться новое распределение. Такое расхождение перепроверяется по свежему снимку.
	if v.HasMismatch(reconcile.MismatchDistributionSum) {
		snap, err = s.snapshot(ctx, scope)
		if err != nil {
			return reconcile.View{}, err
		}
		v = reconcile.Build(snap, s.epsilon)
	}

	for _, m := range v.Mismatches {
		s.metrics.IncrementMismatch(string(m.Kind))
		s.logger.Error("Reconciliation mismatch",
			zap.String("kind", string(m.Kind)),
			zap.Int64("donationID", m.DonationID),
			zap.String("applicationID", m.ApplicationID),
			zap.String("detail", m.Detail),
		)
	}
	return v, nil
}

// CampaignView строит представление сверки по кампании. Оно раскрывает данные бенефициаров,
// поэтому доступно только NGO-владельцу кампании и администратору.
func (s *Service) CampaignView(ctx context.Context, callerID string, campaignID int64) (reconcile.View, error) {
	caller, err := s.RequireRole(ctx, callerID, model.RoleNGO, model.RoleAdmin)
	if err != nil {
		return reconcile.View{}, err
	}

	c, err := s.ledger.Campaign(ctx, campaignID)
	if err != nil {
		return reconcile.View{}, err
	}
	if caller.Role == model.RoleNGO && c.OwnerID != caller.ID {
		return reconcile.View{}, fmt.Errorf("campaign %d belongs to another NGO: %w", campaignID, model.ErrRoleDenied)
	}

	return s.View(ctx, CampaignScope(campaignID))
}

func (s *Service) snapshot(ctx context.Context, scope Scope) (reconcile.Snapshot, error) {
	switch scope.Kind {
	case ScopeCampaign:
		return s.campaignSnapshot(ctx, scope.CampaignID)
	case ScopeDonor:
		return s.donorSnapshot(ctx, scope.UserID)
	case ScopeNGO:
		return s.ngoSnapshot(ctx, scope.UserID)
	default:
		return reconcile.Snapshot{}, fmt.Errorf("scope %d: %w", scope.Kind, model.ErrInvalidInput)
	}
}

func (s *Service) campaignSnapshot(ctx context.Context, campaignID int64) (reconcile.Snapshot, error) {
	c, err := s.ledger.Campaign(ctx, campaignID)
	if err != nil {
		return reconcile.Snapshot{}, err
	}
	donations, err := s.ledger.DonationsByCampaign(ctx, campaignID)
	if err != nil {
		return reconcile.Snapshot{}, err
	}
	distributions, err := s.ledger.DistributionsByCampaign(ctx, campaignID)
	if err != nil {
		return reconcile.Snapshot{}, err
	}

	referenced := make(map[string]struct{}, len(distributions))
	for _, d := range distributions {
		referenced[d.ApplicationID] = struct{}{}
	}
	apps, err := s.store.Applications(ctx, model.ApplicationFilter{NGOID: c.OwnerID})
	if err != nil {
		return reconcile.Snapshot{}, err
	}
	var linked []model.Application
	for _, a := range apps {
		if _, ok := referenced[a.ID]; ok {
			linked = append(linked, a)
		}
	}

	return reconcile.Snapshot{
		Campaigns:     []model.Campaign{c},
		Donations:     donations,
		Distributions: distributions,
		Applications:  linked,
	}, nil
}

func (s *Service) donorSnapshot(ctx context.Context, donorID string) (reconcile.Snapshot, error) {
	donations, err := s.ledger.DonationsByDonor(ctx, donorID)
	if err != nil {
		return reconcile.Snapshot{}, err
	}

	snap := reconcile.Snapshot{Donations: donations}
	seen := make(map[int64]struct{})
	for _, d := range donations {
		dists, err := s.ledger.DistributionsByDonation(ctx, d.ID)
		if err != nil {
			return reconcile.Snapshot{}, err
		}
		snap.Distributions = append(snap.Distributions, dists...)

		if _, ok := seen[d.CampaignID]; ok {
			continue
		}
		seen[d.CampaignID] = struct{}{}
		c, err := s.ledger.Campaign(ctx, d.CampaignID)
		if err != nil {
			return reconcile.Snapshot{}, err
		}
		snap.Campaigns = append(snap.Campaigns, c)
	}
	return snap, nil
}

func (s *Service) ngoSnapshot(ctx context.Context, ngoID string) (reconcile.Snapshot, error) {
	campaigns, err := Collect(s.CampaignsByOwner(ctx, ngoID))
	if err != nil {
		return reconcile.Snapshot{}, err
	}

	// Распределения по заявкам NGO возможны только из её кампаний, поэтому снимок полон.
	snap := reconcile.Snapshot{Campaigns: campaigns, CoversApplications: true}
	for _, c := range campaigns {
		donations, err := s.ledger.DonationsByCampaign(ctx, c.ID)
		if err != nil {
			return reconcile.Snapshot{}, err
		}
		dists, err := s.ledger.DistributionsByCampaign(ctx, c.ID)
		if err != nil {
			return reconcile.Snapshot{}, err
		}
		snap.Donations = append(snap.Donations, donations...)
		snap.Distributions = append(snap.Distributions, dists...)
	}

	snap.Applications, err = s.store.Applications(ctx, model.ApplicationFilter{NGOID: ngoID})
	if err != nil {
		return reconcile.Snapshot{}, err
	}
	return snap, nil
}
