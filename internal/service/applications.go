package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/donation-ledger/internal/model"
	"github.com/mmeshcher/donation-ledger/internal/validation"
)

// ApplicationRequest — данные новой заявки бенефициара.
type ApplicationRequest struct {
	NGOID  string
	Title  string
	Story  string
	Wallet string
}

// SubmitApplication создаёт заявку бенефициара в статусе Pending.
// Адрес кошелька берётся из заявки или из профиля бенефициара и проверяется до сохранения.
func (s *Service) SubmitApplication(ctx context.Context, callerID string, req ApplicationRequest) (model.Application, error) {
	if validation.IsBlank(req.Title) || validation.IsBlank(req.Story) {
		return model.Application{}, fmt.Errorf("title and story are required: %w", model.ErrInvalidInput)
	}

	beneficiary, err := s.RequireRole(ctx, callerID, model.RoleBeneficiary)
	if err != nil {
		return model.Application{}, err
	}

	wallet := strings.TrimSpace(req.Wallet)
	if wallet == "" {
		wallet = beneficiary.WalletAddress
	}
	if !validation.IsValidWalletAddress(wallet) {
		return model.Application{}, fmt.Errorf("wallet %q: %w", wallet, model.ErrInvalidAddress)
	}

	ngo, err := s.store.User(ctx, req.NGOID)
	if err != nil {
		return model.Application{}, err
	}
	if ngo.Role != model.RoleNGO {
		return model.Application{}, fmt.Errorf("user %s is not an approved NGO: %w", ngo.ID, model.ErrInvalidInput)
	}

	now := s.now().UTC()
	a := model.Application{
		ID:                uuid.NewString(),
		BeneficiaryID:     beneficiary.ID,
		BeneficiaryName:   displayName(beneficiary),
		BeneficiaryWallet: validation.NormalizeWalletAddress(wallet),
		NGOID:             ngo.ID,
		NGOName:           displayName(ngo),
		Title:             strings.TrimSpace(req.Title),
		Story:             strings.TrimSpace(req.Story),
		Status:            model.ApplicationPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.CreateApplication(ctx, a); err != nil {
		return model.Application{}, err
	}

	s.logger.Info("Application submitted", zap.String("applicationID", a.ID), zap.String("ngoID", a.NGOID))
	return a, nil
}

func displayName(u model.User) string {
	if u.FullName != "" {
		return u.FullName
	}
	return u.Login
}

// ApproveApplication одобряет заявку. Доступно только NGO, которой адресована заявка, и только из Pending.
func (s *Service) ApproveApplication(ctx context.Context, callerID, applicationID string) (model.Application, error) {
	return s.decide(ctx, callerID, applicationID, model.ApplicationApproved)
}

// RejectApplication отклоняет заявку.
func (s *Service) RejectApplication(ctx context.Context, callerID, applicationID string) (model.Application, error) {
	return s.decide(ctx, callerID, applicationID, model.ApplicationRejected)
}

func (s *Service) decide(ctx context.Context, callerID, applicationID string, to model.ApplicationStatus) (model.Application, error) {
	if _, err := s.RequireRole(ctx, callerID, model.RoleNGO); err != nil {
		return model.Application{}, err
	}

	a, err := s.store.Application(ctx, applicationID)
	if err != nil {
		return model.Application{}, err
	}
	if a.NGOID != callerID {
		return model.Application{}, fmt.Errorf("application %s belongs to another NGO: %w", applicationID, model.ErrRoleDenied)
	}
	if !a.Status.CanDecide() {
		return model.Application{}, fmt.Errorf("application %s is %s: %w", applicationID, a.Status, model.ErrInvalidTransition)
	}

	a, err = s.store.UpdateApplicationStatus(ctx, applicationID, model.ApplicationPending, to)
	if err != nil {
		return model.Application{}, err
	}

	s.logger.Info("Application decided",
		zap.String("applicationID", applicationID),
		zap.String("status", string(to)),
		zap.String("ngoID", callerID),
	)
	return a, nil
}

// Application возвращает заявку, если вызывающий — её бенефициар или NGO.
func (s *Service) Application(ctx context.Context, callerID, applicationID string) (model.Application, error) {
	a, err := s.store.Application(ctx, applicationID)
	if err != nil {
		return model.Application{}, err
	}
	if a.NGOID != callerID && a.BeneficiaryID != callerID {
		return model.Application{}, fmt.Errorf("application %s: %w", applicationID, model.ErrRoleDenied)
	}
	return a, nil
}

// ApplicationsFor возвращает заявки вызывающего: адресованные NGO или поданные бенефициаром.
// status фильтрует заявки, пустой статус означает все.
func (s *Service) ApplicationsFor(ctx context.Context, callerID string, status model.ApplicationStatus) ([]model.Application, error) {
	u, err := s.RequireRole(ctx, callerID, model.RoleNGO, model.RoleBeneficiary)
	if err != nil {
		return nil, err
	}

	f := model.ApplicationFilter{Status: status}
	if u.Role == model.RoleNGO {
		f.NGOID = u.ID
	} else {
		f.BeneficiaryID = u.ID
	}
	return s.store.Applications(ctx, f)
}
