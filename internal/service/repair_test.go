package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/donation-ledger/internal/events"
	"github.com/mmeshcher/donation-ledger/internal/model"
)

// hidingLedger скрывает часть распределений из DistributionsAfter,
// как незафиксированные транзакции с уже выданными ID.
type hidingLedger struct {
	Ledger

	mu     sync.Mutex
	hidden map[int64]bool
}

func (l *hidingLedger) DistributionsAfter(ctx context.Context, afterID int64, limit int) ([]model.Distribution, error) {
	page, err := l.Ledger.DistributionsAfter(ctx, afterID, limit)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	visible := page[:0]
	for _, d := range page {
		if !l.hidden[d.ID] {
			visible = append(visible, d)
		}
	}
	return visible, nil
}

func (l *hidingLedger) reveal(id int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.hidden, id)
}

// ledgerOnly записывает распределение в реестр, не трогая заявку.
func (f *fixture) ledgerOnly(t *testing.T, d model.Donation, app model.Application, amount int64) model.Distribution {
	t.Helper()
	dist, err := f.ledger.Memory.DistributeFunds(context.Background(), model.Distribution{
		DonationID:         d.ID,
		CampaignID:         d.CampaignID,
		ApplicationID:      app.ID,
		BeneficiaryAddress: app.BeneficiaryWallet,
		Amount:             amount,
	})
	require.NoError(t, err)
	return dist
}

func TestRepairOnce_LateVisibleDistribution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, d := f.fundedDonation(t, 10)
	app1 := f.approvedApplication(t)
	app2 := f.approvedApplication(t)

	dist1 := f.ledgerOnly(t, d, app1, 3)
	dist2 := f.ledgerOnly(t, d, app2, 4)
	require.Less(t, dist1.ID, dist2.ID)

	hl := &hidingLedger{Ledger: f.ledger, hidden: map[int64]bool{dist1.ID: true}}
	svc := NewService(hl, f.store, zap.NewNop())

	repaired, err := svc.RepairOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, repaired)
	assert.Zero(t, svc.repair.cursor, "recent rows must not move the cursor")

	got, err := f.store.Application(ctx, app1.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ApplicationApproved, got.Status)

	hl.reveal(dist1.ID)
	repaired, err = svc.RepairOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, repaired)

	got, err = f.store.Application(ctx, app1.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ApplicationFunded, got.Status)
	assert.Equal(t, []int64{dist1.ID}, got.DistributionIDs)

	got, err = f.store.Application(ctx, app2.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{dist2.ID}, got.DistributionIDs)
}

func TestRepairOnce_CursorStopsAtRecentRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, d := f.fundedDonation(t, 10)
	app1 := f.approvedApplication(t)
	app2 := f.approvedApplication(t)
	app3 := f.approvedApplication(t)

	f.ledgerOnly(t, d, app1, 1)
	dist2 := f.ledgerOnly(t, d, app2, 1)

	f.svc.now = func() time.Time { return time.Now().Add(time.Hour) }
	repaired, err := f.svc.RepairOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, repaired)
	assert.Equal(t, dist2.ID, f.svc.repair.cursor)

	f.svc.now = time.Now
	f.ledgerOnly(t, d, app3, 1)
	repaired, err = f.svc.RepairOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, repaired)
	assert.Equal(t, dist2.ID, f.svc.repair.cursor)

	repaired, err = f.svc.RepairOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, repaired)
}

func TestRepairOnce_UnfundableApplication(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, d := f.fundedDonation(t, 10)
	app := f.pendingApplication(t)
	_, err := f.svc.RejectApplication(ctx, f.ngo.ID, app.ID)
	require.NoError(t, err)

	f.ledgerOnly(t, d, app, 5)
	repaired, err := f.svc.RepairOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, repaired)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Mismatches.WithLabelValues("distribution_to_unfundable_application")))

	got, err := f.store.Application(ctx, app.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ApplicationRejected, got.Status)
	assert.Empty(t, got.DistributionIDs)
}

func TestHandleEvent_UnknownDistribution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, d := f.fundedDonation(t, 10)
	rejected := f.pendingApplication(t)
	_, err := f.svc.RejectApplication(ctx, f.ngo.ID, rejected.ID)
	require.NoError(t, err)

	forged := events.FundsDistributed(model.Distribution{
		ID:            999,
		DonationID:    d.ID,
		CampaignID:    c.ID,
		ApplicationID: rejected.ID,
		Amount:        5,
	})
	require.NoError(t, f.svc.HandleEvent(ctx, forged))

	got, err := f.store.Application(ctx, rejected.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ApplicationRejected, got.Status)
	assert.Empty(t, got.DistributionIDs)
	assert.Nil(t, got.LinkedDonationID)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Mismatches.WithLabelValues("unknown_distribution_event")))
}

func TestHandleEvent_AppliesLedgerRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, d := f.fundedDonation(t, 10)
	app := f.approvedApplication(t)
	dist := f.ledgerOnly(t, d, app, 4)

	tampered := events.FundsDistributed(dist)
	tampered.Amount = 9
	require.NoError(t, f.svc.HandleEvent(ctx, tampered))

	got, err := f.store.Application(ctx, app.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ApplicationApproved, got.Status, "amount differs from the ledger")

	require.NoError(t, f.svc.HandleEvent(ctx, events.FundsDistributed(dist)))
	got, err = f.store.Application(ctx, app.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ApplicationFunded, got.Status)
	assert.Equal(t, []int64{dist.ID}, got.DistributionIDs)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Mismatches.WithLabelValues("unknown_distribution_event")))
}
