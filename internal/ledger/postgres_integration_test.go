//go:build integration

package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/mmeshcher/donation-ledger/internal/model"
)

type PostgresLedgerSuite struct {
	suite.Suite
	container *tcpostgres.PostgresContainer
	ledger    *Postgres
}

func TestPostgresLedgerSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresLedgerSuite))
}

func (s *PostgresLedgerSuite) SetupSuite() {
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("ledger"),
		tcpostgres.WithUsername("ledger"),
		tcpostgres.WithPassword("ledger"),
		tcpostgres.BasicWaitStrategies(),
	)
	s.Require().NoError(err)
	s.container = container

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	s.Require().NoError(err)

	s.ledger, err = NewPostgres(dsn)
	s.Require().NoError(err)
}

func (s *PostgresLedgerSuite) TearDownSuite() {
	if s.ledger != nil {
		_ = s.ledger.Close()
	}
	if s.container != nil {
		_ = s.container.Terminate(context.Background())
	}
}

func (s *PostgresLedgerSuite) SetupTest() {
	_, err := s.ledger.pool.Exec(context.Background(),
		`TRUNCATE distributions, donations, campaigns RESTART IDENTITY CASCADE`)
	s.Require().NoError(err)
}

func (s *PostgresLedgerSuite) seed(amount int64) (model.Campaign, model.Donation) {
	ctx := context.Background()
	c, err := s.ledger.CreateCampaign(ctx, model.Campaign{OwnerID: "ngo", Title: "Water", Description: "Wells", Goal: 100})
	s.Require().NoError(err)
	d, err := s.ledger.Donate(ctx, c.ID, "donor", amount)
	s.Require().NoError(err)
	return c, d
}

func (s *PostgresLedgerSuite) TestDonateIncrementsAmountRaised() {
	c, _ := s.seed(10)

	got, err := s.ledger.Campaign(context.Background(), c.ID)
	s.Require().NoError(err)
	s.Equal(int64(10), got.AmountRaised)
	s.True(got.Active)
}

func (s *PostgresLedgerSuite) TestDonateToInactiveCampaign() {
	c, _ := s.seed(10)
	s.Require().NoError(s.ledger.DeactivateCampaign(context.Background(), c.ID))

	_, err := s.ledger.Donate(context.Background(), c.ID, "donor", 1)
	s.ErrorIs(err, model.ErrCampaignInactive)
}

func (s *PostgresLedgerSuite) TestDistributeOverdrawRejected() {
	c, d := s.seed(10)

	_, err := s.ledger.DistributeFunds(context.Background(), model.Distribution{
		DonationID: d.ID, CampaignID: c.ID, ApplicationID: "app", BeneficiaryAddress: "0xabc", Amount: 11,
	})
	s.ErrorIs(err, model.ErrInsufficientBalance)

	_, err = s.ledger.DistributeFunds(context.Background(), model.Distribution{
		DonationID: 999, CampaignID: c.ID, ApplicationID: "app", BeneficiaryAddress: "0xabc", Amount: 1,
	})
	s.ErrorIs(err, model.ErrNotFound)
}

// TestConcurrentDistributions проверяет, что условный UPDATE является точкой линеаризации.
func (s *PostgresLedgerSuite) TestConcurrentDistributions() {
	c, d := s.seed(10)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	var succeeded atomic.Int32
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ledger.DistributeFunds(ctx, model.Distribution{
				DonationID: d.ID, CampaignID: c.ID, ApplicationID: "app", BeneficiaryAddress: "0xabc", Amount: 6,
			})
			if err == nil {
				succeeded.Add(1)
				return
			}
			if !errors.Is(err, model.ErrInsufficientBalance) {
				s.T().Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), succeeded.Load())

	got, err := s.ledger.Donation(ctx, d.ID)
	s.Require().NoError(err)
	s.Equal(int64(6), got.AmountUsed)

	dists, err := s.ledger.DistributionsByDonation(ctx, d.ID)
	s.Require().NoError(err)
	s.Require().Len(dists, 1)
	s.Equal(int64(6), dists[0].Amount)
}
