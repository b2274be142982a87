package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/dripline/internal/numbers"
)

const numberColumns = `number, COALESCE(market, ''), active, daily_limit, COALESCE(timezone, ''),
	sent_today, remaining_today, delivered_today, failed_today, opt_outs_today,
	sent_total, delivered_total, failed_total, opt_outs_total,
	quota_day, last_used_at, created_at, updated_at`

// NumberRepository is the Postgres numbers.Store. Quota consumption and
// the daily reset are single conditional UPDATEs, so concurrent dispatch
// processes cannot oversell a number's daily limit.
type NumberRepository struct {
	db     *DB
	logger *zap.Logger
}

func NewNumberRepository(db *DB, logger *zap.Logger) *NumberRepository {
	return &NumberRepository{db: db, logger: logger}
}

func scanNumber(row pgx.Row) (*numbers.Number, error) {
	var (
		n        numbers.Number
		lastUsed *time.Time
	)
	err := row.Scan(
		&n.Number, &n.Market, &n.Active, &n.DailyLimit, &n.Timezone,
		&n.SentToday, &n.RemainingToday, &n.DeliveredToday, &n.FailedToday, &n.OptOutsToday,
		&n.SentTotal, &n.DeliveredTotal, &n.FailedTotal, &n.OptOutsTotal,
		&n.QuotaDay, &lastUsed, &n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	n.LastUsedAt = derefTime(lastUsed)
	return &n, nil
}

func (r *NumberRepository) List(ctx context.Context, market string) ([]*numbers.Number, error) {
	query := `SELECT ` + numberColumns + ` FROM sending_numbers`
	var args []any
	if market != "" {
		query += ` WHERE market = $1`
		args = append(args, market)
	}
	query += ` ORDER BY number`

	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sending numbers: %w", err)
	}
	defer rows.Close()

	var out []*numbers.Number
	for rows.Next() {
		n, err := scanNumber(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sending number: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (r *NumberRepository) Get(ctx context.Context, number string) (*numbers.Number, error) {
	n, err := scanNumber(r.db.Pool().QueryRow(ctx,
		`SELECT `+numberColumns+` FROM sending_numbers WHERE number = $1`, number))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", numbers.ErrNotFound, number)
	}
	if err != nil {
		return nil, fmt.Errorf("query sending number: %w", err)
	}
	return n, nil
}

func (r *NumberRepository) Upsert(ctx context.Context, n *numbers.Number) error {
	query := `
		INSERT INTO sending_numbers (number, market, active, daily_limit, timezone, remaining_today)
		VALUES ($1, $2, $3, $4, $5, $4)
		ON CONFLICT (number) DO UPDATE SET
			market = EXCLUDED.market,
			active = EXCLUDED.active,
			daily_limit = EXCLUDED.daily_limit,
			timezone = EXCLUDED.timezone,
			remaining_today = GREATEST(0, EXCLUDED.daily_limit - sending_numbers.sent_today),
			updated_at = NOW()
	`
	_, err := r.db.Pool().Exec(ctx, query,
		n.Number, nullString(n.Market), n.Active, n.DailyLimit, nullString(n.Timezone))
	if err != nil {
		return fmt.Errorf("upsert sending number: %w", err)
	}

	r.logger.Info("sending number provisioned",
		zap.String("number", n.Number),
		zap.String("market", n.Market),
		zap.Int("daily_limit", n.DailyLimit),
		zap.Bool("active", n.Active),
	)
	return nil
}

func (r *NumberRepository) ResetDay(ctx context.Context, number, day string) (bool, error) {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE sending_numbers SET
			quota_day = $2,
			sent_today = 0,
			delivered_today = 0,
			failed_today = 0,
			opt_outs_today = 0,
			remaining_today = daily_limit,
			updated_at = NOW()
		WHERE number = $1 AND quota_day <> $2
	`, number, day)
	if err != nil {
		return false, fmt.Errorf("reset sending number day: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	if _, err := r.Get(ctx, number); err != nil {
		return false, err
	}
	return false, nil
}

func (r *NumberRepository) Consume(ctx context.Context, number, day string, at time.Time) (bool, error) {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE sending_numbers SET
			sent_today = sent_today + 1,
			sent_total = sent_total + 1,
			remaining_today = remaining_today - 1,
			last_used_at = $3,
			updated_at = $3
		WHERE number = $1 AND active AND quota_day = $2 AND remaining_today > 0
	`, number, day, at.UTC())
	if err != nil {
		return false, fmt.Errorf("consume sending number quota: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *NumberRepository) Release(ctx context.Context, number, day string) error {
	_, err := r.db.Pool().Exec(ctx, `
		UPDATE sending_numbers SET
			sent_today = sent_today - 1,
			sent_total = sent_total - 1,
			remaining_today = GREATEST(daily_limit - sent_today + 1, 0),
			updated_at = NOW()
		WHERE number = $1 AND quota_day = $2 AND sent_today > 0
	`, number, day)
	if err != nil {
		return fmt.Errorf("release sending number quota: %w", err)
	}
	return nil
}

func (r *NumberRepository) Increment(ctx context.Context, number string, counter numbers.Counter) error {
	var set string
	switch counter {
	case numbers.CounterDelivered:
		set = "delivered_today = delivered_today + 1, delivered_total = delivered_total + 1"
	case numbers.CounterFailed:
		set = "failed_today = failed_today + 1, failed_total = failed_total + 1"
	case numbers.CounterOptOut:
		set = "opt_outs_today = opt_outs_today + 1, opt_outs_total = opt_outs_total + 1"
	default:
		return fmt.Errorf("unknown counter %q", counter)
	}

	tag, err := r.db.Pool().Exec(ctx,
		`UPDATE sending_numbers SET `+set+`, updated_at = NOW() WHERE number = $1`, number)
	if err != nil {
		return fmt.Errorf("increment %s: %w", counter, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", numbers.ErrNotFound, number)
	}
	return nil
}
