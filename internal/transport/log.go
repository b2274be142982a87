package transport

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/dripline/internal/phone"
)

// LogTransport accepts every message and only logs it. Used in development
// and for dry runs.
type LogTransport struct {
	logger *zap.Logger
}

func NewLogTransport(logger *zap.Logger) *LogTransport {
	return &LogTransport{logger: logger}
}

func (l *LogTransport) Name() string {
	return "log"
}

func (l *LogTransport) Send(ctx context.Context, msg Message) (string, error) {
	if err := validate(msg); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	id := "LOG" + uuid.NewString()
	l.logger.Info("sms send (log transport)",
		zap.String("message_id", id),
		zap.String("from", msg.From),
		zap.String("to", phone.Last4(msg.To)),
		zap.Int("body_length", len(msg.Body)),
		zap.String("idempotency_key", msg.IdempotencyKey),
	)
	return id, nil
}
