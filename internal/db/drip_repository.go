package db

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/dripline/internal/drip"
)

const itemColumns = `id, phone, COALESCE(from_number, ''), COALESCE(market, ''),
	COALESCE(campaign_id, ''), COALESCE(template_id, ''), COALESCE(prospect_id, ''),
	message_body, status, next_send_at, retry_count, COALESCE(last_error, ''),
	COALESCE(provider_message_id, ''), sent_at, created_at, updated_at`

// DripRepository is the Postgres drip.Store. Every status change is a
// compare-and-swap on the status column.
type DripRepository struct {
	db     *DB
	logger *zap.Logger
}

func NewDripRepository(db *DB, logger *zap.Logger) *DripRepository {
	return &DripRepository{db: db, logger: logger}
}

func scanItem(row pgx.Row) (*drip.Item, error) {
	var (
		it     drip.Item
		status string
		sentAt *time.Time
	)
	err := row.Scan(
		&it.ID, &it.Phone, &it.FromNumber, &it.Market,
		&it.CampaignID, &it.TemplateID, &it.ProspectID,
		&it.Body, &status, &it.NextSendAt, &it.RetryCount, &it.LastError,
		&it.ProviderMessageID, &sentAt, &it.CreatedAt, &it.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	it.Status = drip.Status(status)
	it.SentAt = derefTime(sentAt)
	it.NextSendAt = it.NextSendAt.UTC()
	return &it, nil
}

func scanItems(rows pgx.Rows) ([]*drip.Item, error) {
	defer rows.Close()

	var items []*drip.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan drip item: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate drip items: %w", err)
	}
	return items, nil
}

func (r *DripRepository) Create(ctx context.Context, item *drip.Item) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}

	query := `
		INSERT INTO drip_items (
			id, phone, from_number, market, campaign_id, template_id, prospect_id,
			message_body, status, next_send_at, retry_count
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		item.ID, item.Phone, nullString(item.FromNumber), nullString(item.Market),
		nullString(item.CampaignID), nullString(item.TemplateID), nullString(item.ProspectID),
		item.Body, string(item.Status), item.NextSendAt.UTC(), item.RetryCount,
	).Scan(&item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		r.logger.Error("failed to create drip item", zap.Error(err), zap.String("item_id", item.ID))
		return fmt.Errorf("insert drip item: %w", err)
	}
	return nil
}

func (r *DripRepository) Get(ctx context.Context, id string) (*drip.Item, error) {
	it, err := scanItem(r.db.Pool().QueryRow(ctx,
		`SELECT `+itemColumns+` FROM drip_items WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", drip.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query drip item: %w", err)
	}
	return it, nil
}

// Claim flips due READY rows to SENDING in one statement. SKIP LOCKED lets
// concurrent claimers split the backlog instead of blocking on each other.
func (r *DripRepository) Claim(ctx context.Context, now time.Time, limit int) ([]*drip.Item, error) {
	query := `
		UPDATE drip_items
		SET status = 'SENDING', updated_at = NOW()
		WHERE id IN (
			SELECT id FROM drip_items
			WHERE status = 'READY' AND next_send_at <= $1
			ORDER BY next_send_at ASC, id ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + itemColumns

	rows, err := r.db.Pool().Query(ctx, query, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("claim drip items: %w", err)
	}
	items, err := scanItems(rows)
	if err != nil {
		return nil, err
	}

	// RETURNING order is unspecified.
	sort.Slice(items, func(i, j int) bool {
		if !items[i].NextSendAt.Equal(items[j].NextSendAt) {
			return items[i].NextSendAt.Before(items[j].NextSendAt)
		}
		return items[i].ID < items[j].ID
	})
	return items, nil
}

func (r *DripRepository) Transition(ctx context.Context, id string, from drip.Status, u drip.Update) (*drip.Item, error) {
	sets := []string{"status = $3", "updated_at = NOW()"}
	args := []any{id, string(from), string(u.Status)}

	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if u.NextSendAt != nil {
		add("next_send_at", u.NextSendAt.UTC())
	}
	if u.FromNumber != nil {
		add("from_number", nullString(*u.FromNumber))
	}
	if u.RetryCount != nil {
		add("retry_count", *u.RetryCount)
	}
	if u.LastError != nil {
		add("last_error", nullString(*u.LastError))
	}
	if u.ProviderMessageID != nil {
		add("provider_message_id", nullString(*u.ProviderMessageID))
	}
	if u.SentAt != nil {
		add("sent_at", nullTime(*u.SentAt))
	}

	query := fmt.Sprintf(`UPDATE drip_items SET %s WHERE id = $1 AND status = $2 RETURNING %s`,
		strings.Join(sets, ", "), itemColumns)

	it, err := scanItem(r.db.Pool().QueryRow(ctx, query, args...))
	if err == nil {
		return it, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("transition drip item %s: %w", id, err)
	}

	// No row matched: distinguish a missing item from a lost race.
	var current string
	err = r.db.Pool().QueryRow(ctx, `SELECT status FROM drip_items WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", drip.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query drip item status: %w", err)
	}
	return nil, fmt.Errorf("%w: %s is %s, expected %s", drip.ErrConflict, id, current, from)
}

func (r *DripRepository) ListDue(ctx context.Context, statuses []drip.Status, now time.Time, limit int) ([]*drip.Item, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}

	query := `SELECT ` + itemColumns + ` FROM drip_items
		WHERE status = ANY($1) AND next_send_at <= $2
		ORDER BY next_send_at ASC, id ASC`
	args := []any{names, now.UTC()}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}

	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list due drip items: %w", err)
	}
	return scanItems(rows)
}

func (r *DripRepository) FindByProviderMessageID(ctx context.Context, providerMessageID string) (*drip.Item, error) {
	if providerMessageID == "" {
		return nil, fmt.Errorf("%w: empty provider message id", drip.ErrNotFound)
	}

	it, err := scanItem(r.db.Pool().QueryRow(ctx,
		`SELECT `+itemColumns+` FROM drip_items WHERE provider_message_id = $1`, providerMessageID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: provider message %s", drip.ErrNotFound, providerMessageID)
	}
	if err != nil {
		return nil, fmt.Errorf("query drip item by provider id: %w", err)
	}
	return it, nil
}

func (r *DripRepository) ListByPhone(ctx context.Context, phone string) ([]*drip.Item, error) {
	rows, err := r.db.Pool().Query(ctx,
		`SELECT `+itemColumns+` FROM drip_items WHERE phone = $1 ORDER BY next_send_at ASC, id ASC`, phone)
	if err != nil {
		return nil, fmt.Errorf("list drip items by phone: %w", err)
	}
	return scanItems(rows)
}

func (r *DripRepository) CountByStatus(ctx context.Context) (map[drip.Status]int, error) {
	rows, err := r.db.Pool().Query(ctx, `SELECT status, COUNT(*) FROM drip_items GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count drip items: %w", err)
	}
	defer rows.Close()

	counts := make(map[drip.Status]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[drip.Status(status)] = n
	}
	return counts, rows.Err()
}
