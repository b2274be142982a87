// Package events publishes dispatch outcomes to external observers.
// Sinks are best-effort: a failed publish is logged and never changes
// queue state.
package events

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Kind is the result of one dispatch attempt.
type Kind string

const (
	KindSent      Kind = "sent"
	KindRetry     Kind = "retry"
	KindFailed    Kind = "failed"
	KindDeferred  Kind = "deferred"
	KindThrottled Kind = "throttled"

	// KindError means an attempt was made but its result could not be
	// written back to the queue.
	KindError Kind = "error"
)

// Outcome is one dispatch-outcome record.
type Outcome struct {
	ItemID            string    `json:"item_id"`
	Kind              Kind      `json:"outcome"`
	Status            string    `json:"status"`
	FromNumber        string    `json:"from_number,omitempty"`
	Market            string    `json:"market,omitempty"`
	CampaignID        string    `json:"campaign_id,omitempty"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	RetryCount        int       `json:"retry_count"`
	Reason            string    `json:"reason,omitempty"`
	NextSendAt        time.Time `json:"next_send_at,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// Sink receives outcomes.
type Sink interface {
	Publish(ctx context.Context, o Outcome) error
	Close() error
}

// Multi fans an outcome out to every sink. Errors are joined; one failing
// sink does not stop the others.
type Multi struct {
	sinks []Sink
}

func NewMulti(sinks ...Sink) *Multi {
	return &Multi{sinks: sinks}
}

func (m *Multi) Publish(ctx context.Context, o Outcome) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Publish(ctx, o); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Multi) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Multi) Len() int {
	return len(m.sinks)
}

// LogSink writes outcomes to the structured log.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (l *LogSink) Publish(_ context.Context, o Outcome) error {
	fields := []zap.Field{
		zap.String("item_id", o.ItemID),
		zap.String("outcome", string(o.Kind)),
		zap.String("status", o.Status),
		zap.String("from_number", o.FromNumber),
		zap.Int("retry_count", o.RetryCount),
	}
	if o.Reason != "" {
		fields = append(fields, zap.String("reason", o.Reason))
	}
	if !o.NextSendAt.IsZero() {
		fields = append(fields, zap.Time("next_send_at", o.NextSendAt))
	}
	l.logger.Info("dispatch outcome", fields...)
	return nil
}

func (l *LogSink) Close() error { return nil }
