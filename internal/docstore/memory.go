// Package docstore содержит хранилище заявок и ролей пользователей: документ на сущность,
// фильтры по равенству полей и обновления одного документа без транзакций между документами.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/mmeshcher/donation-ledger/internal/model"
)

// errNoChange сообщает, что обновление документа не требуется.
var errNoChange = errors.New("no change")

// Memory хранит документы в памяти процесса.
type Memory struct {
	mu           sync.RWMutex
	users        map[string]model.User
	logins       map[string]string
	applications map[string]model.Application
	now          func() time.Time
}

// NewMemory создаёт пустое хранилище.
func NewMemory() *Memory {
	return &Memory{
		users:        make(map[string]model.User),
		logins:       make(map[string]string),
		applications: make(map[string]model.Application),
		now:          time.Now,
	}
}

// Close ничего не делает.
func (m *Memory) Close() error {
	return nil
}

// CreateUser сохраняет пользователя. Логин уникален.
func (m *Memory) CreateUser(_ context.Context, u model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.logins[u.Login]; ok {
		return fmt.Errorf("%w: %s", model.ErrUserExists, u.Login)
	}
	if _, ok := m.users[u.ID]; ok {
		return fmt.Errorf("%w: %s", model.ErrUserExists, u.ID)
	}
	m.users[u.ID] = u
	m.logins[u.Login] = u.ID
	return nil
}

// User возвращает пользователя по идентификатору.
func (m *Memory) User(_ context.Context, id string) (model.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return model.User{}, fmt.Errorf("user %s: %w", id, model.ErrNotFound)
	}
	return u, nil
}

// UserByLogin возвращает пользователя по логину.
func (m *Memory) UserByLogin(ctx context.Context, login string) (model.User, error) {
	m.mu.RLock()
	id, ok := m.logins[login]
	m.mu.RUnlock()
	if !ok {
		return model.User{}, fmt.Errorf("user %s: %w", login, model.ErrNotFound)
	}
	return m.User(ctx, id)
}

// UsersByRole возвращает пользователей с указанной ролью, упорядоченных по дате создания.
func (m *Memory) UsersByRole(_ context.Context, role model.Role) ([]model.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var res []model.User
	for _, u := range m.users {
		if u.Role == role {
			res = append(res, u)
		}
	}
	sortUsers(res)
	return res, nil
}

// UpdateRole меняет роль, только если текущая роль равна from.
func (m *Memory) UpdateRole(_ context.Context, id string, from, to model.Role) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return model.User{}, fmt.Errorf("user %s: %w", id, model.ErrNotFound)
	}
	if u.Role != from {
		return model.User{}, fmt.Errorf("user %s has role %s: %w", id, u.Role, model.ErrInvalidTransition)
	}
	u.Role = to
	m.users[id] = u
	return u, nil
}

// CreateApplication сохраняет новую заявку.
func (m *Memory) CreateApplication(_ context.Context, a model.Application) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.applications[a.ID]; ok {
		return fmt.Errorf("application %s: %w", a.ID, model.ErrInvalidInput)
	}
	m.applications[a.ID] = cloneApplication(a)
	return nil
}

// Application возвращает заявку по идентификатору.
func (m *Memory) Application(_ context.Context, id string) (model.Application, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.applications[id]
	if !ok {
		return model.Application{}, fmt.Errorf("application %s: %w", id, model.ErrNotFound)
	}
	return cloneApplication(a), nil
}

// Applications возвращает заявки, подходящие под фильтр.
func (m *Memory) Applications(_ context.Context, f model.ApplicationFilter) ([]model.Application, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var res []model.Application
	for _, a := range m.applications {
		if f.Match(a) {
			res = append(res, cloneApplication(a))
		}
	}
	sortApplications(res)
	return res, nil
}

// UpdateApplicationStatus меняет статус, только если текущий статус равен from.
func (m *Memory) UpdateApplicationStatus(_ context.Context, id string, from, to model.ApplicationStatus) (model.Application, error) {
	a, _, err := m.update(id, func(a *model.Application) error {
		return transition(a, from, to)
	})
	return a, err
}

// ApplyDistribution отражает распределение в заявке. Повторное применение того же распределения ничего не меняет.
func (m *Memory) ApplyDistribution(_ context.Context, d model.Distribution) (model.Application, bool, error) {
	return m.update(d.ApplicationID, func(a *model.Application) error {
		return applyDistribution(a, d)
	})
}

func (m *Memory) update(id string, fn func(*model.Application) error) (model.Application, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.applications[id]
	if !ok {
		return model.Application{}, false, fmt.Errorf("application %s: %w", id, model.ErrNotFound)
	}
	a = cloneApplication(a)
	if err := fn(&a); err != nil {
		if errors.Is(err, errNoChange) {
			return a, false, nil
		}
		return model.Application{}, false, err
	}
	a.UpdatedAt = m.now()
	m.applications[id] = a
	return cloneApplication(a), true, nil
}

func transition(a *model.Application, from, to model.ApplicationStatus) error {
	if a.Status != from {
		return fmt.Errorf("application %s is %s: %w", a.ID, a.Status, model.ErrInvalidTransition)
	}
	a.Status = to
	return nil
}

// applyDistribution — проекция распределения: Funded, ссылка на пожертвование, ключ идемпотентности.
// Распределение принимает только одобренная или уже профинансированная заявка.
func applyDistribution(a *model.Application, d model.Distribution) error {
	if a.HasDistribution(d.ID) {
		return errNoChange
	}
	if !a.Status.Fundable() {
		return fmt.Errorf("application %s is %s, distribution %d: %w", a.ID, a.Status, d.ID, model.ErrInvalidTransition)
	}
	donationID := d.DonationID
	a.Status = model.ApplicationFunded
	a.LinkedDonationID = &donationID
	a.DistributionIDs = append(a.DistributionIDs, d.ID)
	return nil
}

func cloneApplication(a model.Application) model.Application {
	a.DistributionIDs = slices.Clone(a.DistributionIDs)
	if a.LinkedDonationID != nil {
		v := *a.LinkedDonationID
		a.LinkedDonationID = &v
	}
	return a
}

func sortUsers(users []model.User) {
	sort.Slice(users, func(i, j int) bool {
		if users[i].CreatedAt.Equal(users[j].CreatedAt) {
			return users[i].ID < users[j].ID
		}
		return users[i].CreatedAt.Before(users[j].CreatedAt)
	})
}

func sortApplications(apps []model.Application) {
	sort.Slice(apps, func(i, j int) bool {
		if apps[i].CreatedAt.Equal(apps[j].CreatedAt) {
			return apps[i].ID < apps[j].ID
		}
		return apps[i].CreatedAt.Before(apps[j].CreatedAt)
	})
}
