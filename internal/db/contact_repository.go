package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/dripline/internal/webhook"
)

// ContactRepository stores inbound conversations and opt-outs.
type ContactRepository struct {
	db     *DB
	logger *zap.Logger
}

func NewContactRepository(db *DB, logger *zap.Logger) *ContactRepository {
	return &ContactRepository{db: db, logger: logger}
}

// RecordConversation inserts c. A repeat of the same provider message id is
// dropped by the unique index.
func (r *ContactRepository) RecordConversation(ctx context.Context, c *webhook.Conversation) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}

	tag, err := r.db.Pool().Exec(ctx, `
		INSERT INTO conversations (id, phone, to_number, body, intent, provider_message_id, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (provider_message_id) WHERE provider_message_id IS NOT NULL DO NOTHING
	`, c.ID, c.Phone, nullString(c.ToNumber), c.Body, c.Intent, nullString(c.ProviderMessageID), c.ReceivedAt.UTC())
	if err != nil {
		r.logger.Error("failed to record conversation", zap.Error(err))
		return fmt.Errorf("insert conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		r.logger.Debug("conversation already recorded",
			zap.String("provider_message_id", c.ProviderMessageID),
		)
	}
	return nil
}

// RecordOptOut keeps the first opt-out per phone.
func (r *ContactRepository) RecordOptOut(ctx context.Context, o webhook.OptOut) error {
	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO opt_outs (phone, number, reason, opted_out_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (phone) DO NOTHING
	`, o.Phone, nullString(o.Number), o.Reason, o.OptedOutAt.UTC())
	if err != nil {
		return fmt.Errorf("insert opt-out: %w", err)
	}
	return nil
}

func (r *ContactRepository) IsOptedOut(ctx context.Context, phone string) (bool, error) {
	var exists bool
	err := r.db.Pool().QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM opt_outs WHERE phone = $1)`, phone).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query opt-out: %w", err)
	}
	return exists, nil
}
