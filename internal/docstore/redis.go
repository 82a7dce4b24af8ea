package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mmeshcher/donation-ledger/internal/model"
)

const (
	keyPrefix       = "dl:"
	maxWatchRetries = 16
)

func userKey(id string) string { return keyPrefix + "user:" + id }
func loginKey(login string) string { return keyPrefix + "login:" + login }
func roleKey(r model.Role) string { return keyPrefix + "users:role:" + string(r) }
func applicationKey(id string) string { return keyPrefix + "app:" + id }

func applicationsAllKey() string {
	return keyPrefix + "apps:all"
}

func applicationsByNGOKey(id string) string {
	return keyPrefix + "apps:ngo:" + id
}

func applicationsByBeneficiaryKey(id string) string {
	return keyPrefix + "apps:beneficiary:" + id
}

func applicationsByStatusKey(s model.ApplicationStatus) string {
	return keyPrefix + "apps:status:" + string(s)
}

// Redis хранит документы в Redis: JSON-документ на ключ и множества как индексы по равенству.
// Условные обновления выполняются через WATCH/MULTI на ключе документа.
type Redis struct {
	client redis.UniversalClient
	now    func() time.Time
}

// NewRedis подключается к Redis по URL вида redis://host:port/db.
func NewRedis(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisWithClient(client), nil
}

// NewRedisWithClient оборачивает готовый клиент.
func NewRedisWithClient(client redis.UniversalClient) *Redis {
	return &Redis{client: client, now: time.Now}
}

// Client возвращает клиент Redis для общих компонентов (блокировки, события).
func (s *Redis) Client() redis.UniversalClient {
	return s.client
}

// Close закрывает соединение.
func (s *Redis) Close() error {
	return s.client.Close()
}

// CreateUser сохраняет пользователя. Уникальность логина обеспечивается SETNX.
func (s *Redis) CreateUser(ctx context.Context, u model.User) error {
	ok, err := s.client.SetNX(ctx, loginKey(u.Login), u.ID, 0).Result()
	if err != nil {
		return fmt.Errorf("reserve login: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrUserExists, u.Login)
	}

	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, userKey(u.ID), data, 0)
		pipe.SAdd(ctx, roleKey(u.Role), u.ID)
		return nil
	})
	if err != nil {
		s.client.Del(ctx, loginKey(u.Login))
		return fmt.Errorf("save user: %w", err)
	}
	return nil
}

// User возвращает пользователя по идентификатору.
func (s *Redis) User(ctx context.Context, id string) (model.User, error) {
	var u model.User
	if err := s.getJSON(ctx, userKey(id), &u); err != nil {
		return model.User{}, fmt.Errorf("user %s: %w", id, err)
	}
	return u, nil
}

// UserByLogin возвращает пользователя по логину.
func (s *Redis) UserByLogin(ctx context.Context, login string) (model.User, error) {
	id, err := s.client.Get(ctx, loginKey(login)).Result()
	if errors.Is(err, redis.Nil) {
		return model.User{}, fmt.Errorf("user %s: %w", login, model.ErrNotFound)
	}
	if err != nil {
		return model.User{}, fmt.Errorf("get login: %w", err)
	}
	return s.User(ctx, id)
}

// UsersByRole возвращает пользователей с указанной ролью.
func (s *Redis) UsersByRole(ctx context.Context, role model.Role) ([]model.User, error) {
	ids, err := s.client.SMembers(ctx, roleKey(role)).Result()
	if err != nil {
		return nil, fmt.Errorf("role index: %w", err)
	}
	users, err := loadMany[model.User](ctx, s.client, ids, userKey)
	if err != nil {
		return nil, err
	}

	res := users[:0]
	for _, u := range users {
		if u.Role == role {
			res = append(res, u)
		}
	}
	sortUsers(res)
	return res, nil
}

// UpdateRole меняет роль, только если текущая роль равна from.
func (s *Redis) UpdateRole(ctx context.Context, id string, from, to model.Role) (model.User, error) {
	key := userKey(id)
	var out model.User

	txf := func(tx *redis.Tx) error {
		var u model.User
		if err := getJSON(ctx, tx, key, &u); err != nil {
			return fmt.Errorf("user %s: %w", id, err)
		}
		if u.Role != from {
			return fmt.Errorf("user %s has role %s: %w", id, u.Role, model.ErrInvalidTransition)
		}
		u.Role = to
		data, err := json.Marshal(u)
		if err != nil {
			return fmt.Errorf("marshal user: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.SRem(ctx, roleKey(from), id)
			pipe.SAdd(ctx, roleKey(to), id)
			return nil
		})
		out = u
		return err
	}

	if err := s.watch(ctx, txf, key); err != nil {
		return model.User{}, err
	}
	return out, nil
}

// CreateApplication сохраняет заявку и её индексы. Если индексы записать не удалось, документ удаляется.
func (s *Redis) CreateApplication(ctx context.Context, a model.Application) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal application: %w", err)
	}
	ok, err := s.client.SetNX(ctx, applicationKey(a.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("save application: %w", err)
	}
	if !ok {
		return fmt.Errorf("application %s: %w", a.ID, model.ErrInvalidInput)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, applicationsAllKey(), a.ID)
		pipe.SAdd(ctx, applicationsByNGOKey(a.NGOID), a.ID)
		pipe.SAdd(ctx, applicationsByBeneficiaryKey(a.BeneficiaryID), a.ID)
		pipe.SAdd(ctx, applicationsByStatusKey(a.Status), a.ID)
		return nil
	})
	if err != nil {
		s.client.Del(ctx, applicationKey(a.ID))
		return fmt.Errorf("index application: %w", err)
	}
	return nil
}

// Application возвращает заявку по идентификатору.
func (s *Redis) Application(ctx context.Context, id string) (model.Application, error) {
	var a model.Application
	if err := s.getJSON(ctx, applicationKey(id), &a); err != nil {
		return model.Application{}, fmt.Errorf("application %s: %w", id, err)
	}
	return a, nil
}

// Applications пересекает индексы фильтра и перепроверяет документы, так как документ — источник истины.
func (s *Redis) Applications(ctx context.Context, f model.ApplicationFilter) ([]model.Application, error) {
	keys := []string{applicationsAllKey()}
	if f.NGOID != "" {
		keys = append(keys, applicationsByNGOKey(f.NGOID))
	}
	if f.BeneficiaryID != "" {
		keys = append(keys, applicationsByBeneficiaryKey(f.BeneficiaryID))
	}
	if f.Status != "" {
		keys = append(keys, applicationsByStatusKey(f.Status))
	}

	ids, err := s.client.SInter(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("application index: %w", err)
	}
	apps, err := loadMany[model.Application](ctx, s.client, ids, applicationKey)
	if err != nil {
		return nil, err
	}

	res := apps[:0]
	for _, a := range apps {
		if f.Match(a) {
			res = append(res, a)
		}
	}
	sortApplications(res)
	return res, nil
}

// UpdateApplicationStatus меняет статус, только если текущий статус равен from.
func (s *Redis) UpdateApplicationStatus(ctx context.Context, id string, from, to model.ApplicationStatus) (model.Application, error) {
	a, _, err := s.update(ctx, id, func(a *model.Application) error {
		return transition(a, from, to)
	})
	return a, err
}

// ApplyDistribution отражает распределение в заявке идемпотентно по идентификатору распределения.
func (s *Redis) ApplyDistribution(ctx context.Context, d model.Distribution) (model.Application, bool, error) {
	return s.update(ctx, d.ApplicationID, func(a *model.Application) error {
		return applyDistribution(a, d)
	})
}

func (s *Redis) update(ctx context.Context, id string, fn func(*model.Application) error) (model.Application, bool, error) {
	key := applicationKey(id)
	var (
		out     model.Application
		changed bool
	)

	txf := func(tx *redis.Tx) error {
		var a model.Application
		if err := getJSON(ctx, tx, key, &a); err != nil {
			return fmt.Errorf("application %s: %w", id, err)
		}
		prev := a.Status
		if err := fn(&a); err != nil {
			if errors.Is(err, errNoChange) {
				out, changed = a, false
				return nil
			}
			return err
		}
		a.UpdatedAt = s.now()
		data, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("marshal application: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if prev != a.Status {
				pipe.SRem(ctx, applicationsByStatusKey(prev), id)
				pipe.SAdd(ctx, applicationsByStatusKey(a.Status), id)
			}
			return nil
		})
		out, changed = a, true
		return err
	}

	if err := s.watch(ctx, txf, key); err != nil {
		return model.Application{}, false, err
	}
	return out, changed, nil
}

// watch повторяет оптимистичную транзакцию, пока ключ меняется конкурентно.
func (s *Redis) watch(ctx context.Context, txf func(*redis.Tx) error, key string) error {
	for range maxWatchRetries {
		err := s.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("update %s: too much contention", key)
}

func (s *Redis) getJSON(ctx context.Context, key string, v any) error {
	return getJSON(ctx, s.client, key, v)
}

func getJSON(ctx context.Context, c redis.Cmdable, key string, v any) error {
	raw, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func loadMany[T any](ctx context.Context, c redis.Cmdable, ids []string, key func(string) string) ([]T, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = key(id)
	}

	vals, err := c.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget: %w", err)
	}
	res := make([]T, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var item T
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			return nil, fmt.Errorf("decode %s: %w", keys[i], err)
		}
		res = append(res, item)
	}
	return res, nil
}
