package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sethvargo/go-retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/mmeshcher/donation-ledger/internal/docstore"
	"github.com/mmeshcher/donation-ledger/internal/ledger"
	"github.com/mmeshcher/donation-ledger/internal/metrics"
	"github.com/mmeshcher/donation-ledger/internal/model"
)

const beneficiaryWallet = "0x00000000000000000000000000000000000000b1"

// countingLedger считает вызовы DistributeFunds.
type countingLedger struct {
	*ledger.Memory
	distributeCalls atomic.Int32
}

func (l *countingLedger) DistributeFunds(ctx context.Context, d model.Distribution) (model.Distribution, error) {
	l.distributeCalls.Add(1)
	return l.Memory.DistributeFunds(ctx, d)
}

// flakyStore отказывает в ApplyDistribution, пока failures > 0.
type flakyStore struct {
	*docstore.Memory
	failures atomic.Int32
}

var errStoreDown = errors.New("store unavailable")

func (s *flakyStore) ApplyDistribution(ctx context.Context, d model.Distribution) (model.Application, bool, error) {
	if s.failures.Load() > 0 {
		s.failures.Add(-1)
		return model.Application{}, false, errStoreDown
	}
	return s.Memory.ApplyDistribution(ctx, d)
}

type fixture struct {
	svc     *Service
	ledger  *countingLedger
	store   *flakyStore
	metrics *metrics.Metrics

	admin       model.User
	ngo         model.User
	donor       model.User
	beneficiary model.User
}

func fastBackoff() retry.Backoff {
	return retry.WithMaxRetries(3, retry.NewConstant(time.Millisecond))
}

func newFixture(t *testing.T, ledgerOpts ...ledger.MemoryOption) *fixture {
	t.Helper()

	f := &fixture{
		ledger:  &countingLedger{Memory: ledger.NewMemory(ledgerOpts...)},
		store:   &flakyStore{Memory: docstore.NewMemory()},
		metrics: metrics.New(prometheus.NewRegistry()),
	}
	f.svc = NewService(f.ledger, f.store, zap.NewNop(),
		WithMetrics(f.metrics),
		WithBcryptCost(bcrypt.MinCost),
		WithProjectionBackoff(fastBackoff),
	)

	ctx := context.Background()
	require.NoError(t, f.svc.EnsureAdmin(ctx, "admin", "admin-pass"))
	admin, err := f.store.UserByLogin(ctx, "admin")
	require.NoError(t, err)
	f.admin = admin

	f.ngo = f.register(t, "helpers", model.RoleNGO, "")
	f.ngo, err = f.svc.PromoteToNGO(ctx, f.admin.ID, f.ngo.ID)
	require.NoError(t, err)

	f.donor = f.register(t, "alice", model.RoleDonor, "")
	f.beneficiary = f.register(t, "bob", model.RoleBeneficiary, beneficiaryWallet)
	return f
}

func (f *fixture) register(t *testing.T, login string, role model.Role, wallet string) model.User {
	t.Helper()
	u, err := f.svc.RegisterUser(context.Background(), Registration{
		Login:         login,
		Password:      login + "-pass",
		FullName:      login,
		Role:          role,
		WalletAddress: wallet,
	})
	require.NoError(t, err)
	return u
}

// fundedDonation создаёт кампанию NGO и пожертвование donor на amount.
func (f *fixture) fundedDonation(t *testing.T, amount int64) (model.Campaign, model.Donation) {
	t.Helper()
	ctx := context.Background()

	c, err := f.svc.CreateCampaign(ctx, f.ngo.ID, "Clean water", "Wells for the village", 1000)
	require.NoError(t, err)
	d, err := f.svc.RecordDonation(ctx, f.donor.ID, c.ID, amount)
	require.NoError(t, err)
	return c, d
}

// approvedApplication подаёт заявку бенефициара и одобряет её.
func (f *fixture) approvedApplication(t *testing.T) model.Application {
	t.Helper()
	a := f.pendingApplication(t)
	a, err := f.svc.ApproveApplication(context.Background(), f.ngo.ID, a.ID)
	require.NoError(t, err)
	return a
}

func (f *fixture) pendingApplication(t *testing.T) model.Application {
	t.Helper()
	a, err := f.svc.SubmitApplication(context.Background(), f.beneficiary.ID, ApplicationRequest{
		NGOID: f.ngo.ID,
		Title: "School fees",
		Story: "Two terms of tuition",
	})
	require.NoError(t, err)
	return a
}

func TestRegisterUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("ngo sign-up waits for approval", func(t *testing.T) {
		u := f.register(t, "new-ngo", model.RoleNGO, "")
		assert.Equal(t, model.RolePendingNGO, u.Role)
	})

	t.Run("duplicate login", func(t *testing.T) {
		_, err := f.svc.RegisterUser(ctx, Registration{Login: "alice", Password: "x"})
		assert.ErrorIs(t, err, model.ErrUserExists)
	})

	t.Run("admin role cannot be requested", func(t *testing.T) {
		_, err := f.svc.RegisterUser(ctx, Registration{Login: "root", Password: "x", Role: model.RoleAdmin})
		assert.ErrorIs(t, err, model.ErrInvalidInput)
	})

	t.Run("invalid wallet", func(t *testing.T) {
		_, err := f.svc.RegisterUser(ctx, Registration{Login: "carol", Password: "x", Role: model.RoleBeneficiary, WalletAddress: "0x123"})
		assert.ErrorIs(t, err, model.ErrInvalidAddress)
	})

	t.Run("blank credentials", func(t *testing.T) {
		_, err := f.svc.RegisterUser(ctx, Registration{Login: " ", Password: "x"})
		assert.ErrorIs(t, err, model.ErrInvalidInput)
	})
}

func TestAuthenticateUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	u, err := f.svc.AuthenticateUser(ctx, "alice", "alice-pass")
	require.NoError(t, err)
	assert.Equal(t, f.donor.ID, u.ID)

	_, err = f.svc.AuthenticateUser(ctx, "alice", "wrong")
	assert.ErrorIs(t, err, model.ErrInvalidCredentials)

	_, err = f.svc.AuthenticateUser(ctx, "nobody", "x")
	assert.ErrorIs(t, err, model.ErrInvalidCredentials)
}

func TestEnsureAdmin_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.EnsureAdmin(ctx, "admin", "admin-pass"))
	admins, err := f.store.UsersByRole(ctx, model.RoleAdmin)
	require.NoError(t, err)
	assert.Len(t, admins, 1)

	assert.ErrorIs(t, f.svc.EnsureAdmin(ctx, "alice", "x"), model.ErrUserExists)
}

func TestPromoteToNGO(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pending := f.register(t, "pending-ngo", model.RoleNGO, "")

	t.Run("donor cannot promote", func(t *testing.T) {
		_, err := f.svc.PromoteToNGO(ctx, f.donor.ID, pending.ID)
		assert.ErrorIs(t, err, model.ErrRoleDenied)

		u, err := f.svc.User(ctx, pending.ID)
		require.NoError(t, err)
		assert.Equal(t, model.RolePendingNGO, u.Role)
	})

	t.Run("only pending ngo can be promoted", func(t *testing.T) {
		_, err := f.svc.PromoteToNGO(ctx, f.admin.ID, f.donor.ID)
		assert.ErrorIs(t, err, model.ErrInvalidTransition)
	})

	t.Run("lists follow the promotion", func(t *testing.T) {
		list, err := f.svc.PendingNGOs(ctx, f.admin.ID)
		require.NoError(t, err)
		require.Len(t, list, 1)

		_, err = f.svc.PromoteToNGO(ctx, f.admin.ID, pending.ID)
		require.NoError(t, err)

		list, err = f.svc.PendingNGOs(ctx, f.admin.ID)
		require.NoError(t, err)
		assert.Empty(t, list)

		approved, err := f.svc.ApprovedNGOs(ctx)
		require.NoError(t, err)
		assert.Len(t, approved, 2)
	})

	t.Run("pending list is admin only", func(t *testing.T) {
		_, err := f.svc.PendingNGOs(ctx, f.ngo.ID)
		assert.ErrorIs(t, err, model.ErrRoleDenied)
	})
}

func TestCreateCampaign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		caller  func() string
		title   string
		goal    int64
		wantErr error
	}{
		{name: "ngo", caller: func() string { return f.ngo.ID }, title: "Water", goal: 100},
		{name: "zero goal", caller: func() string { return f.ngo.ID }, title: "Water", goal: 0, wantErr: model.ErrInvalidInput},
		{name: "blank title", caller: func() string { return f.ngo.ID }, title: "  ", goal: 100, wantErr: model.ErrInvalidInput},
		{name: "donor", caller: func() string { return f.donor.ID }, title: "Water", goal: 100, wantErr: model.ErrRoleDenied},
		{name: "unknown caller", caller: func() string { return "ghost" }, title: "Water", goal: 100, wantErr: model.ErrRoleDenied},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := f.svc.CreateCampaign(ctx, tt.caller(), tt.title, "Wells", tt.goal)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.True(t, c.Active)
			assert.Zero(t, c.AmountRaised)
			assert.Equal(t, f.ngo.ID, c.OwnerID)
		})
	}
}

func TestCreateCampaign_RoleIsReadOnEveryCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pending := f.register(t, "late-ngo", model.RoleNGO, "")

	_, err := f.svc.CreateCampaign(ctx, pending.ID, "Food", "Meals", 10)
	require.ErrorIs(t, err, model.ErrRoleDenied)

	_, err = f.svc.PromoteToNGO(ctx, f.admin.ID, pending.ID)
	require.NoError(t, err)

	_, err = f.svc.CreateCampaign(ctx, pending.ID, "Food", "Meals", 10)
	assert.NoError(t, err)
}

func TestDeactivateCampaign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, d := f.fundedDonation(t, 10)
	app := f.approvedApplication(t)

	assert.ErrorIs(t, f.svc.DeactivateCampaign(ctx, f.ngo.ID, c.ID), model.ErrRoleDenied)
	require.NoError(t, f.svc.DeactivateCampaign(ctx, f.admin.ID, c.ID))
	require.NoError(t, f.svc.DeactivateCampaign(ctx, f.admin.ID, c.ID))

	_, err := f.svc.RecordDonation(ctx, f.donor.ID, c.ID, 5)
	assert.ErrorIs(t, err, model.ErrCampaignInactive)

	_, err = f.svc.Distribute(ctx, f.ngo.ID, DistributionRequest{DonationID: d.ID, ApplicationID: app.ID, Amount: 3})
	assert.NoError(t, err)

	active, err := Collect(f.svc.ActiveCampaigns(ctx))
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestRecordDonation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, _ := f.fundedDonation(t, 10)

	_, err := f.svc.RecordDonation(ctx, f.donor.ID, c.ID, 0)
	assert.ErrorIs(t, err, model.ErrInvalidAmount)

	_, err = f.svc.RecordDonation(ctx, f.donor.ID, 999, 5)
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = f.svc.RecordDonation(ctx, f.donor.ID, c.ID, 5)
	require.NoError(t, err)

	got, err := f.svc.Campaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(15), got.AmountRaised)
}

func TestSequences_AreLazyAndRestartable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, _ := f.fundedDonation(t, 10)

	seq := f.svc.DonationsForCampaign(ctx, c.ID)
	first, err := Collect(seq)
	require.NoError(t, err)
	require.Len(t, first, 1)

	_, err = f.svc.RecordDonation(ctx, f.donor.ID, c.ID, 7)
	require.NoError(t, err)

	second, err := Collect(seq)
	require.NoError(t, err)
	require.Len(t, second, 2)
	assert.Less(t, second[0].ID, second[1].ID)

	count := 0
	for range f.svc.DonationsForDonor(ctx, f.donor.ID) {
		count++
		break
	}
	assert.Equal(t, 1, count)

	owned, err := Collect(f.svc.CampaignsByOwner(ctx, f.ngo.ID))
	require.NoError(t, err)
	assert.Len(t, owned, 1)

	none, err := Collect(f.svc.CampaignsByOwner(ctx, f.donor.ID))
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestApplicationWorkflow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	other := f.register(t, "other-ngo", model.RoleNGO, "")
	_, err := f.svc.PromoteToNGO(ctx, f.admin.ID, other.ID)
	require.NoError(t, err)

	t.Run("submit validates input", func(t *testing.T) {
		_, err := f.svc.SubmitApplication(ctx, f.beneficiary.ID, ApplicationRequest{NGOID: f.ngo.ID, Title: "", Story: "x"})
		assert.ErrorIs(t, err, model.ErrInvalidInput)

		_, err = f.svc.SubmitApplication(ctx, f.beneficiary.ID, ApplicationRequest{NGOID: f.ngo.ID, Title: "t", Story: "s", Wallet: "not-an-address"})
		assert.ErrorIs(t, err, model.ErrInvalidAddress)

		_, err = f.svc.SubmitApplication(ctx, f.beneficiary.ID, ApplicationRequest{NGOID: f.donor.ID, Title: "t", Story: "s"})
		assert.ErrorIs(t, err, model.ErrInvalidInput)

		_, err = f.svc.SubmitApplication(ctx, f.donor.ID, ApplicationRequest{NGOID: f.ngo.ID, Title: "t", Story: "s"})
		assert.ErrorIs(t, err, model.ErrRoleDenied)
	})

	t.Run("only the addressed ngo decides", func(t *testing.T) {
		a := f.pendingApplication(t)
		assert.Equal(t, model.ApplicationPending, a.Status)
		assert.Equal(t, "bob", a.BeneficiaryName)

		_, err := f.svc.ApproveApplication(ctx, other.ID, a.ID)
		assert.ErrorIs(t, err, model.ErrRoleDenied)

		a, err = f.svc.RejectApplication(ctx, f.ngo.ID, a.ID)
		require.NoError(t, err)
		assert.Equal(t, model.ApplicationRejected, a.Status)

		_, err = f.svc.ApproveApplication(ctx, f.ngo.ID, a.ID)
		assert.ErrorIs(t, err, model.ErrInvalidTransition)
	})

	t.Run("listing by caller role", func(t *testing.T) {
		approved := f.approvedApplication(t)

		mine, err := f.svc.ApplicationsFor(ctx, f.beneficiary.ID, "")
		require.NoError(t, err)
		assert.Len(t, mine, 2)

		forNGO, err := f.svc.ApplicationsFor(ctx, f.ngo.ID, model.ApplicationApproved)
		require.NoError(t, err)
		require.Len(t, forNGO, 1)
		assert.Equal(t, approved.ID, forNGO[0].ID)

		_, err = f.svc.ApplicationsFor(ctx, f.donor.ID, "")
		assert.ErrorIs(t, err, model.ErrRoleDenied)

		_, err = f.svc.Application(ctx, other.ID, approved.ID)
		assert.ErrorIs(t, err, model.ErrRoleDenied)
	})
}
