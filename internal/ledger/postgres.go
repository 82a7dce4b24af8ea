// Package ledger содержит реализации реестра кампаний, пожертвований и распределений.
package ledger

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/donation-ledger/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Postgres хранит реестр в PostgreSQL. Записи о распределениях только добавляются.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres создаёт реестр и применяет миграции схемы.
func NewPostgres(dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	l := &Postgres{pool: pool}

	if err := l.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return l, nil
}

func (l *Postgres) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(l.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет только чтения. Изменения реестра не повторяются никогда:
// повторная отправка может привести к двойному списанию.
func (l *Postgres) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 1 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if !isTransient(err) || i == len(delays) {
			break
		}

		timer := time.NewTimer(delays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure ||
			pgErr.Code == pgerrcode.DeadlockDetected ||
			pgerrcode.IsConnectionException(pgErr.Code)
	}
	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// unavailable помечает сбои соединения и таймауты как недоступность реестра.
func unavailable(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || isTransient(err) {
		return fmt.Errorf("%s: %w: %w", op, model.ErrLedgerUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Close закрывает пул соединений с БД.
func (l *Postgres) Close() error {
	l.pool.Close()
	return nil
}

// CreateCampaign добавляет кампанию с нулевой собранной суммой.
func (l *Postgres) CreateCampaign(ctx context.Context, c model.Campaign) (model.Campaign, error) {
	err := l.pool.QueryRow(ctx,
		`INSERT INTO campaigns (owner_id, title, description, goal)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, amount_raised, active, created_at`,
		c.OwnerID, c.Title, c.Description, c.Goal,
	).Scan(&c.ID, &c.AmountRaised, &c.Active, &c.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.CheckViolation {
			return model.Campaign{}, fmt.Errorf("%w: %s", model.ErrInvalidInput, pgErr.ConstraintName)
		}
		return model.Campaign{}, unavailable("create campaign", err)
	}
	return c, nil
}

// DeactivateCampaign выключает кампанию. Повторная деактивация не является ошибкой.
func (l *Postgres) DeactivateCampaign(ctx context.Context, id int64) error {
	cmdTag, err := l.pool.Exec(ctx, `UPDATE campaigns SET active = FALSE WHERE id = $1`, id)
	if err != nil {
		return unavailable("deactivate campaign", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("campaign %d: %w", id, model.ErrNotFound)
	}
	return nil
}

// Donate добавляет пожертвование и в той же транзакции увеличивает собранную сумму кампании.
// Блокировка строки кампании упорядочивает пожертвования с её деактивацией.
func (l *Postgres) Donate(ctx context.Context, campaignID int64, donorID string, amount int64) (model.Donation, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return model.Donation{}, unavailable("begin tx", err)
	}
	defer tx.Rollback(ctx)

	var active bool
	err = tx.QueryRow(ctx, `SELECT active FROM campaigns WHERE id = $1 FOR UPDATE`, campaignID).Scan(&active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Donation{}, fmt.Errorf("campaign %d: %w", campaignID, model.ErrNotFound)
		}
		return model.Donation{}, unavailable("lock campaign", err)
	}
	if !active {
		return model.Donation{}, fmt.Errorf("campaign %d: %w", campaignID, model.ErrCampaignInactive)
	}

	d := model.Donation{CampaignID: campaignID, DonorID: donorID, Amount: amount}
	err = tx.QueryRow(ctx,
		`INSERT INTO donations (campaign_id, donor_id, amount)
		 VALUES ($1, $2, $3)
		 RETURNING id, amount_used, created_at`,
		campaignID, donorID, amount,
	).Scan(&d.ID, &d.AmountUsed, &d.CreatedAt)
	if err != nil {
		return model.Donation{}, unavailable("insert donation", err)
	}

	_, err = tx.Exec(ctx, `UPDATE campaigns SET amount_raised = amount_raised + $2 WHERE id = $1`, campaignID, amount)
	if err != nil {
		return model.Donation{}, unavailable("update amount raised", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Donation{}, unavailable("commit tx", err)
	}

	return d, nil
}

// DistributeFunds атомарно увеличивает использованную сумму пожертвования и добавляет запись о распределении.
// Условие amount_used + n <= amount проверяется в самом UPDATE, поэтому конкурентные вызовы не превышают остаток.
func (l *Postgres) DistributeFunds(ctx context.Context, d model.Distribution) (model.Distribution, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return model.Distribution{}, unavailable("begin tx", err)
	}
	defer tx.Rollback(ctx)

	var campaignID int64
	err = tx.QueryRow(ctx,
		`UPDATE donations
		 SET amount_used = amount_used + $2
		 WHERE id = $1 AND amount_used + $2 <= amount
		 RETURNING campaign_id`,
		d.DonationID, d.Amount,
	).Scan(&campaignID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Distribution{}, l.explainRejectedIncrement(ctx, tx, d.DonationID)
		}
		return model.Distribution{}, unavailable("increment amount used", err)
	}
	if campaignID != d.CampaignID {
		return model.Distribution{}, fmt.Errorf("donation %d belongs to campaign %d: %w", d.DonationID, campaignID, model.ErrInvalidInput)
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO distributions (donation_id, campaign_id, application_id, beneficiary_address, amount)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		d.DonationID, d.CampaignID, d.ApplicationID, d.BeneficiaryAddress, d.Amount,
	).Scan(&d.ID, &d.CreatedAt)
	if err != nil {
		return model.Distribution{}, unavailable("insert distribution", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Distribution{}, unavailable("commit tx", err)
	}

	return d, nil
}

func (l *Postgres) explainRejectedIncrement(ctx context.Context, tx pgx.Tx, donationID int64) error {
	var exists bool
	err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM donations WHERE id = $1)`, donationID).Scan(&exists)
	if err != nil {
		return unavailable("check donation", err)
	}
	if !exists {
		return fmt.Errorf("donation %d: %w", donationID, model.ErrNotFound)
	}
	return fmt.Errorf("donation %d: %w", donationID, model.ErrInsufficientBalance)
}

type scanner interface {
	Scan(dest ...any) error
}

const campaignColumns = `id, owner_id, title, description, goal, amount_raised, active, created_at`

func scanCampaign(row scanner) (model.Campaign, error) {
	var c model.Campaign
	err := row.Scan(&c.ID, &c.OwnerID, &c.Title, &c.Description, &c.Goal, &c.AmountRaised, &c.Active, &c.CreatedAt)
	return c, err
}

const donationColumns = `id, campaign_id, donor_id, amount, amount_used, created_at`

func scanDonation(row scanner) (model.Donation, error) {
	var d model.Donation
	err := row.Scan(&d.ID, &d.CampaignID, &d.DonorID, &d.Amount, &d.AmountUsed, &d.CreatedAt)
	return d, err
}

const distributionColumns = `id, donation_id, campaign_id, application_id, beneficiary_address, amount, created_at`

func scanDistribution(row scanner) (model.Distribution, error) {
	var d model.Distribution
	err := row.Scan(&d.ID, &d.DonationID, &d.CampaignID, &d.ApplicationID, &d.BeneficiaryAddress, &d.Amount, &d.CreatedAt)
	return d, err
}

// queryAll выполняет запрос с повторами и собирает строки через scan.
func queryAll[T any](ctx context.Context, l *Postgres, op string, scan func(scanner) (T, error), sql string, args ...any) ([]T, error) {
	var res []T
	err := l.withRetry(ctx, func() error {
		res = nil
		rows, err := l.pool.Query(ctx, sql, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			v, err := scan(rows)
			if err != nil {
				return fmt.Errorf("scan: %w", err)
			}
			res = append(res, v)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, unavailable(op, err)
	}
	return res, nil
}

// queryOne выполняет запрос одной строки с повторами.
func queryOne[T any](ctx context.Context, l *Postgres, op string, scan func(scanner) (T, error), sql string, args ...any) (T, error) {
	var res T
	err := l.withRetry(ctx, func() error {
		var err error
		res, err = scan(l.pool.QueryRow(ctx, sql, args...))
		return err
	})
	if err != nil {
		var zero T
		if errors.Is(err, pgx.ErrNoRows) {
			return zero, fmt.Errorf("%s: %w", op, model.ErrNotFound)
		}
		return zero, unavailable(op, err)
	}
	return res, nil
}

// Campaign возвращает кампанию по идентификатору.
func (l *Postgres) Campaign(ctx context.Context, id int64) (model.Campaign, error) {
	return queryOne(ctx, l, "select campaign", scanCampaign,
		`SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)
}

// Campaigns возвращает все кампании в порядке создания.
func (l *Postgres) Campaigns(ctx context.Context) ([]model.Campaign, error) {
	return queryAll(ctx, l, "select campaigns", scanCampaign,
		`SELECT `+campaignColumns+` FROM campaigns ORDER BY id`)
}

// Donation возвращает пожертвование по идентификатору.
func (l *Postgres) Donation(ctx context.Context, id int64) (model.Donation, error) {
	return queryOne(ctx, l, "select donation", scanDonation,
		`SELECT `+donationColumns+` FROM donations WHERE id = $1`, id)
}

// DonationsByCampaign возвращает пожертвования кампании по возрастанию идентификатора.
func (l *Postgres) DonationsByCampaign(ctx context.Context, campaignID int64) ([]model.Donation, error) {
	return queryAll(ctx, l, "select donations by campaign", scanDonation,
		`SELECT `+donationColumns+` FROM donations WHERE campaign_id = $1 ORDER BY id`, campaignID)
}

// DonationsByDonor возвращает пожертвования донора по возрастанию идентификатора.
func (l *Postgres) DonationsByDonor(ctx context.Context, donorID string) ([]model.Donation, error) {
	return queryAll(ctx, l, "select donations by donor", scanDonation,
		`SELECT `+donationColumns+` FROM donations WHERE donor_id = $1 ORDER BY id`, donorID)
}

// DistributionsByCampaign возвращает распределения по кампании.
func (l *Postgres) DistributionsByCampaign(ctx context.Context, campaignID int64) ([]model.Distribution, error) {
	return queryAll(ctx, l, "select distributions by campaign", scanDistribution,
		`SELECT `+distributionColumns+` FROM distributions WHERE campaign_id = $1 ORDER BY id`, campaignID)
}

// DistributionsByDonation возвращает распределения одного пожертвования.
func (l *Postgres) DistributionsByDonation(ctx context.Context, donationID int64) ([]model.Distribution, error) {
	return queryAll(ctx, l, "select distributions by donation", scanDistribution,
		`SELECT `+distributionColumns+` FROM distributions WHERE donation_id = $1 ORDER BY id`, donationID)
}

// DistributionsAfter возвращает страницу распределений с идентификатором больше afterID.
func (l *Postgres) DistributionsAfter(ctx context.Context, afterID int64, limit int) ([]model.Distribution, error) {
	return queryAll(ctx, l, "select distributions page", scanDistribution,
		`SELECT `+distributionColumns+` FROM distributions WHERE id > $1 ORDER BY id LIMIT $2`, afterID, limit)
}
