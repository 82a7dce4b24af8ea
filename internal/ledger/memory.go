package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mmeshcher/donation-ledger/internal/model"
)

// Memory — реестр в памяти процесса для разработки и тестов.
// Изменение применяется сразу, затем вызов ждёт finality. Если вызывающий
// прерывает ожидание, изменение уже записано, как и у настоящего реестра.
type Memory struct {
	mu            sync.RWMutex
	campaigns     []model.Campaign
	donations     []model.Donation
	distributions []model.Distribution
	finality      time.Duration
	now           func() time.Time
}

// MemoryOption настраивает реестр в памяти.
type MemoryOption func(*Memory)

// WithFinality задаёт задержку подтверждения изменяющих вызовов.
func WithFinality(d time.Duration) MemoryOption {
	return func(m *Memory) {
		m.finality = d
	}
}

// NewMemory создаёт пустой реестр в памяти.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Close ничего не делает и нужен для совместимости с Postgres.
func (m *Memory) Close() error {
	return nil
}

func (m *Memory) awaitFinality(ctx context.Context) error {
	if m.finality <= 0 {
		return nil
	}
	timer := time.NewTimer(m.finality)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("await finality: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// CreateCampaign добавляет кампанию.
func (m *Memory) CreateCampaign(ctx context.Context, c model.Campaign) (model.Campaign, error) {
	if c.Goal <= 0 {
		return model.Campaign{}, fmt.Errorf("goal: %w", model.ErrInvalidInput)
	}

	m.mu.Lock()
	c.ID = int64(len(m.campaigns) + 1)
	c.AmountRaised = 0
	c.Active = true
	c.CreatedAt = m.now()
	m.campaigns = append(m.campaigns, c)
	m.mu.Unlock()

	return c, m.awaitFinality(ctx)
}

// DeactivateCampaign выключает кампанию.
func (m *Memory) DeactivateCampaign(ctx context.Context, id int64) error {
	m.mu.Lock()
	if id <= 0 || id > int64(len(m.campaigns)) {
		m.mu.Unlock()
		return fmt.Errorf("campaign %d: %w", id, model.ErrNotFound)
	}
	m.campaigns[id-1].Active = false
	m.mu.Unlock()

	return m.awaitFinality(ctx)
}

// Donate добавляет пожертвование и увеличивает собранную сумму кампании.
func (m *Memory) Donate(ctx context.Context, campaignID int64, donorID string, amount int64) (model.Donation, error) {
	m.mu.Lock()
	if campaignID <= 0 || campaignID > int64(len(m.campaigns)) {
		m.mu.Unlock()
		return model.Donation{}, fmt.Errorf("campaign %d: %w", campaignID, model.ErrNotFound)
	}
	c := &m.campaigns[campaignID-1]
	if !c.Active {
		m.mu.Unlock()
		return model.Donation{}, fmt.Errorf("campaign %d: %w", campaignID, model.ErrCampaignInactive)
	}

	d := model.Donation{
		ID:         int64(len(m.donations) + 1),
		CampaignID: campaignID,
		DonorID:    donorID,
		Amount:     amount,
		CreatedAt:  m.now(),
	}
	m.donations = append(m.donations, d)
	c.AmountRaised += amount
	m.mu.Unlock()

	return d, m.awaitFinality(ctx)
}

// DistributeFunds атомарно увеличивает использованную сумму и добавляет распределение.
func (m *Memory) DistributeFunds(ctx context.Context, d model.Distribution) (model.Distribution, error) {
	m.mu.Lock()
	if d.DonationID <= 0 || d.DonationID > int64(len(m.donations)) {
		m.mu.Unlock()
		return model.Distribution{}, fmt.Errorf("donation %d: %w", d.DonationID, model.ErrNotFound)
	}
	donation := &m.donations[d.DonationID-1]
	if donation.CampaignID != d.CampaignID {
		m.mu.Unlock()
		return model.Distribution{}, fmt.Errorf("donation %d belongs to campaign %d: %w", d.DonationID, donation.CampaignID, model.ErrInvalidInput)
	}
	if d.Amount <= 0 || donation.AmountUsed+d.Amount > donation.Amount {
		m.mu.Unlock()
		return model.Distribution{}, fmt.Errorf("donation %d: %w", d.DonationID, model.ErrInsufficientBalance)
	}

	donation.AmountUsed += d.Amount
	d.ID = int64(len(m.distributions) + 1)
	d.CreatedAt = m.now()
	m.distributions = append(m.distributions, d)
	m.mu.Unlock()

	return d, m.awaitFinality(ctx)
}

// Campaign возвращает кампанию по идентификатору.
func (m *Memory) Campaign(_ context.Context, id int64) (model.Campaign, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id <= 0 || id > int64(len(m.campaigns)) {
		return model.Campaign{}, fmt.Errorf("campaign %d: %w", id, model.ErrNotFound)
	}
	return m.campaigns[id-1], nil
}

// Campaigns возвращает копию списка кампаний.
func (m *Memory) Campaigns(_ context.Context) ([]model.Campaign, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.Campaign(nil), m.campaigns...), nil
}

// Donation возвращает пожертвование по идентификатору.
func (m *Memory) Donation(_ context.Context, id int64) (model.Donation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id <= 0 || id > int64(len(m.donations)) {
		return model.Donation{}, fmt.Errorf("donation %d: %w", id, model.ErrNotFound)
	}
	return m.donations[id-1], nil
}

// DonationsByCampaign возвращает пожертвования кампании.
func (m *Memory) DonationsByCampaign(_ context.Context, campaignID int64) ([]model.Donation, error) {
	return m.filterDonations(func(d model.Donation) bool { return d.CampaignID == campaignID }), nil
}

// DonationsByDonor возвращает пожертвования донора.
func (m *Memory) DonationsByDonor(_ context.Context, donorID string) ([]model.Donation, error) {
	return m.filterDonations(func(d model.Donation) bool { return d.DonorID == donorID }), nil
}

func (m *Memory) filterDonations(keep func(model.Donation) bool) []model.Donation {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var res []model.Donation
	for _, d := range m.donations {
		if keep(d) {
			res = append(res, d)
		}
	}
	return res
}

// DistributionsByCampaign возвращает распределения по кампании.
func (m *Memory) DistributionsByCampaign(_ context.Context, campaignID int64) ([]model.Distribution, error) {
	return m.filterDistributions(func(d model.Distribution) bool { return d.CampaignID == campaignID }), nil
}

// DistributionsByDonation возвращает распределения одного пожертвования.
func (m *Memory) DistributionsByDonation(_ context.Context, donationID int64) ([]model.Distribution, error) {
	return m.filterDistributions(func(d model.Distribution) bool { return d.DonationID == donationID }), nil
}

// DistributionsAfter возвращает страницу распределений с идентификатором больше afterID.
func (m *Memory) DistributionsAfter(_ context.Context, afterID int64, limit int) ([]model.Distribution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if afterID < 0 {
		afterID = 0
	}
	if afterID >= int64(len(m.distributions)) {
		return nil, nil
	}
	page := m.distributions[afterID:]
	if limit > 0 && len(page) > limit {
		page = page[:limit]
	}
	return append([]model.Distribution(nil), page...), nil
}

func (m *Memory) filterDistributions(keep func(model.Distribution) bool) []model.Distribution {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var res []model.Distribution
	for _, d := range m.distributions {
		if keep(d) {
			res = append(res, d)
		}
	}
	return res
}
