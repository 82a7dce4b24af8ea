package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/mmeshcher/donation-ledger/internal/model"
	"github.com/mmeshcher/donation-ledger/internal/validation"
)

// Registration — данные регистрации пользователя.
type Registration struct {
	Login         string
	Password      string
	FullName      string
	Role          model.Role
	WalletAddress string
}

// RegisterUser регистрирует пользователя. Регистрация NGO создаёт пользователя с ролью PendingNGO,
// роль NGO выдаёт только администратор.
func (s *Service) RegisterUser(ctx context.Context, r Registration) (model.User, error) {
	login := strings.TrimSpace(r.Login)
	if login == "" || r.Password == "" {
		return model.User{}, fmt.Errorf("login and password are required: %w", model.ErrInvalidInput)
	}

	role := r.Role
	switch role {
	case "":
		role = model.RoleDonor
	case model.RoleNGO:
		role = model.RolePendingNGO
	case model.RoleDonor, model.RolePendingNGO, model.RoleBeneficiary:
	default:
		return model.User{}, fmt.Errorf("role %q: %w", r.Role, model.ErrInvalidInput)
	}

	wallet := strings.TrimSpace(r.WalletAddress)
	if wallet != "" {
		if !validation.IsValidWalletAddress(wallet) {
			return model.User{}, fmt.Errorf("wallet %q: %w", wallet, model.ErrInvalidAddress)
		}
		wallet = validation.NormalizeWalletAddress(wallet)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(r.Password), s.bcryptCost)
	if err != nil {
		return model.User{}, fmt.Errorf("hash password: %w", err)
	}

	u := model.User{
		ID:            uuid.NewString(),
		Login:         login,
		FullName:      strings.TrimSpace(r.FullName),
		PasswordHash:  hash,
		Role:          role,
		WalletAddress: wallet,
		CreatedAt:     s.now().UTC(),
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return model.User{}, err
	}

	s.logger.Info("User registered", zap.String("userID", u.ID), zap.String("role", string(u.Role)))
	return u, nil
}

// AuthenticateUser проверяет логин и пароль и возвращает пользователя.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string) (model.User, error) {
	u, err := s.store.UserByLogin(ctx, strings.TrimSpace(login))
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return model.User{}, model.ErrInvalidCredentials
		}
		return model.User{}, err
	}

	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)); err != nil {
		return model.User{}, model.ErrInvalidCredentials
	}
	return u, nil
}

// User возвращает пользователя по идентификатору.
func (s *Service) User(ctx context.Context, id string) (model.User, error) {
	return s.store.User(ctx, id)
}

// EnsureAdmin создаёт учётную запись администратора, если её ещё нет.
func (s *Service) EnsureAdmin(ctx context.Context, login, password string) error {
	existing, err := s.store.UserByLogin(ctx, login)
	switch {
	case err == nil && existing.Role == model.RoleAdmin:
		return nil
	case err == nil:
		return fmt.Errorf("login %s is taken by a %s: %w", login, existing.Role, model.ErrUserExists)
	case !errors.Is(err, model.ErrNotFound):
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	u := model.User{
		ID:           uuid.NewString(),
		Login:        login,
		FullName:     "Administrator",
		PasswordHash: hash,
		Role:         model.RoleAdmin,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return err
	}

	s.logger.Info("Admin account created", zap.String("login", login))
	return nil
}
