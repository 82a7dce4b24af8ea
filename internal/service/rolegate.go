package service

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/mmeshcher/donation-ledger/internal/model"
)

// RequireRole перечитывает роль вызывающего из хранилища и проверяет, что она входит в roles.
// Кэш ролей не используется: повышение или понижение роли действует со следующего вызова.
func (s *Service) RequireRole(ctx context.Context, callerID string, roles ...model.Role) (model.User, error) {
	u, err := s.store.User(ctx, callerID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return model.User{}, fmt.Errorf("unknown caller %s: %w", callerID, model.ErrRoleDenied)
		}
		return model.User{}, err
	}
	if !slices.Contains(roles, u.Role) {
		return model.User{}, fmt.Errorf("caller %s has role %s: %w", callerID, u.Role, model.ErrRoleDenied)
	}
	return u, nil
}

// PromoteToNGO переводит пользователя из PendingNGO в NGO. Доступно только администратору.
func (s *Service) PromoteToNGO(ctx context.Context, callerID, userID string) (model.User, error) {
	if _, err := s.RequireRole(ctx, callerID, model.RoleAdmin); err != nil {
		return model.User{}, err
	}

	u, err := s.store.UpdateRole(ctx, userID, model.RolePendingNGO, model.RoleNGO)
	if err != nil {
		return model.User{}, err
	}

	s.logger.Info("NGO approved", zap.String("userID", userID), zap.String("adminID", callerID))
	return u, nil
}

// PendingNGOs возвращает заявки NGO, ожидающие одобрения. Доступно только администратору.
func (s *Service) PendingNGOs(ctx context.Context, callerID string) ([]model.User, error) {
	if _, err := s.RequireRole(ctx, callerID, model.RoleAdmin); err != nil {
		return nil, err
	}
	return s.store.UsersByRole(ctx, model.RolePendingNGO)
}

// ApprovedNGOs возвращает одобренные NGO, которым бенефициары могут подавать заявки.
func (s *Service) ApprovedNGOs(ctx context.Context) ([]model.User, error) {
	return s.store.UsersByRole(ctx, model.RoleNGO)
}
