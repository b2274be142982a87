// Package webhook ingests provider callbacks: inbound replies and delivery
// receipts. Every event is deduplicated before it touches the queue.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/dripline/internal/drip"
	"github.com/lalithlochan/dripline/internal/numbers"
	"github.com/lalithlochan/dripline/internal/phone"
	"github.com/lalithlochan/dripline/internal/retry"
)

// Result of ingesting one event.
type Result string

const (
	ResultProcessed Result = "processed"
	ResultDuplicate Result = "duplicate"
	ResultIgnored   Result = "ignored"
	ResultUnmatched Result = "unmatched"
)

// Deduper is an atomic check-and-set over event keys.
type Deduper interface {
	Seen(ctx context.Context, key string) (bool, error)
	Forget(ctx context.Context, key string) error
}

// Queue is the part of the drip queue the ingestor writes to.
type Queue interface {
	FindByProviderMessageID(ctx context.Context, providerMessageID string) (*drip.Item, error)
	MarkDelivered(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, reason string) error
	MarkDNC(ctx context.Context, phone string) (int, error)
}

// Counters records per-number delivery events.
type Counters interface {
	Record(ctx context.Context, number string, counter numbers.Counter) error
}

type Ingestor struct {
	dedupe     Deduper
	queue      Queue
	counters   Counters
	contacts   ContactStore
	classifier Classifier
	now        func() time.Time
	logger     *zap.Logger
}

func NewIngestor(dedupe Deduper, queue Queue, counters Counters, contacts ContactStore, classifier Classifier, logger *zap.Logger) *Ingestor {
	if classifier == nil {
		classifier = RuleClassifier{}
	}
	return &Ingestor{
		dedupe:     dedupe,
		queue:      queue,
		counters:   counters,
		contacts:   contacts,
		classifier: classifier,
		now:        time.Now,
		logger:     logger,
	}
}

// InboundOutcome describes what an inbound message did.
type InboundOutcome struct {
	Result         Result
	Intent         string
	OptedOut       bool
	ItemsCancelled int
}

// HandleInbound records a reply and, for opt-outs, stops every pending send
// to the sender.
func (in *Ingestor) HandleInbound(ctx context.Context, msg Inbound) (InboundOutcome, error) {
	from, err := phone.Normalize(msg.From)
	if err != nil {
		return InboundOutcome{}, fmt.Errorf("%w: from: %v", ErrInvalidPayload, err)
	}
	to, _ := phone.Normalize(msg.To)

	key := ""
	if msg.MessageID != "" {
		key = "inbound:" + msg.MessageID
		dup, err := in.dedupe.Seen(ctx, key)
		if err != nil {
			return InboundOutcome{}, fmt.Errorf("dedupe inbound: %w", err)
		}
		if dup {
			in.logger.Debug("duplicate inbound message", zap.String("message_id", msg.MessageID))
			return InboundOutcome{Result: ResultDuplicate}, nil
		}
	} else {
		in.logger.Warn("inbound message without provider id, not deduplicated",
			zap.String("from", phone.Last4(from)),
		)
	}

	out, err := in.processInbound(ctx, msg, from, to)
	if err != nil {
		in.forget(ctx, key)
		return InboundOutcome{}, err
	}
	return out, nil
}

func (in *Ingestor) processInbound(ctx context.Context, msg Inbound, from, to string) (InboundOutcome, error) {
	now := in.now().UTC()
	verdict := in.classifier.Classify(ctx, msg.Body)

	conv := &Conversation{
		Phone:             from,
		ToNumber:          to,
		Body:              msg.Body,
		Intent:            verdict.Intent,
		ProviderMessageID: msg.MessageID,
		ReceivedAt:        now,
	}
	if err := in.contacts.RecordConversation(ctx, conv); err != nil {
		return InboundOutcome{}, fmt.Errorf("record conversation: %w", err)
	}

	out := InboundOutcome{Result: ResultProcessed, Intent: verdict.Intent}
	if !verdict.ShouldOptOut {
		in.logger.Info("inbound message recorded",
			zap.String("from", phone.Last4(from)),
			zap.String("intent", verdict.Intent),
		)
		return out, nil
	}

	cancelled, err := in.queue.MarkDNC(ctx, from)
	if err != nil {
		return InboundOutcome{}, fmt.Errorf("mark do-not-contact: %w", err)
	}
	if err := in.contacts.RecordOptOut(ctx, OptOut{
		Phone:      from,
		Number:     to,
		Reason:     verdict.Intent,
		OptedOutAt: now,
	}); err != nil {
		return InboundOutcome{}, fmt.Errorf("record opt-out: %w", err)
	}
	if to != "" {
		if err := in.counters.Record(ctx, to, numbers.CounterOptOut); err != nil && !errors.Is(err, numbers.ErrNotFound) {
			return InboundOutcome{}, fmt.Errorf("count opt-out: %w", err)
		}
	}

	in.logger.Info("recipient opted out",
		zap.String("from", phone.Last4(from)),
		zap.String("intent", verdict.Intent),
		zap.Int("items_cancelled", cancelled),
	)
	out.OptedOut = true
	out.ItemsCancelled = cancelled
	return out, nil
}

// HandleReceipt applies a delivery status callback to the matching item.
// Receipts are keyed by message id and normalized status, so "sent" then
// "delivered" for one message are distinct events while a redelivery of
// either is dropped.
func (in *Ingestor) HandleReceipt(ctx context.Context, r Receipt) (Result, error) {
	state := NormalizeStatus(r.Status)
	switch state {
	case DeliveryPending, DeliverySent:
		return ResultIgnored, nil
	case DeliveryUnknown:
		in.logger.Warn("unknown delivery status", zap.String("status", r.Status), zap.String("message_id", r.MessageID))
		return ResultIgnored, nil
	}

	key := fmt.Sprintf("receipt:%s:%s", r.MessageID, state)
	dup, err := in.dedupe.Seen(ctx, key)
	if err != nil {
		return "", fmt.Errorf("dedupe receipt: %w", err)
	}
	if dup {
		in.logger.Debug("duplicate delivery receipt", zap.String("key", key))
		return ResultDuplicate, nil
	}

	res, err := in.applyReceipt(ctx, r, state)
	if err != nil || res == ResultUnmatched {
		// Let the provider's redelivery try again, e.g. when the receipt
		// beat our own MarkSent write.
		in.forget(ctx, key)
	}
	return res, err
}

func (in *Ingestor) applyReceipt(ctx context.Context, r Receipt, state DeliveryState) (Result, error) {
	item, err := in.queue.FindByProviderMessageID(ctx, r.MessageID)
	if errors.Is(err, drip.ErrNotFound) {
		in.logger.Warn("delivery receipt for unknown message", zap.String("message_id", r.MessageID))
		return ResultUnmatched, nil
	}
	if err != nil {
		return "", fmt.Errorf("find item for receipt: %w", err)
	}

	var counter numbers.Counter
	switch state {
	case DeliveryDelivered:
		err = in.queue.MarkDelivered(ctx, item.ID)
		counter = numbers.CounterDelivered
	case DeliveryFailed:
		reason := "delivery failed"
		if r.Error != "" {
			reason = retry.Truncate("delivery failed: " + r.Error)
		}
		err = in.queue.MarkFailed(ctx, item.ID, reason)
		counter = numbers.CounterFailed
	}

	if errors.Is(err, drip.ErrInvalidTransition) {
		in.logger.Info("delivery receipt does not apply to item state",
			zap.String("item_id", item.ID),
			zap.String("status", string(item.Status)),
			zap.String("receipt", string(state)),
		)
		return ResultIgnored, nil
	}
	if err != nil {
		return "", fmt.Errorf("apply receipt to %s: %w", item.ID, err)
	}

	if err := in.counters.Record(ctx, item.FromNumber, counter); err != nil && !errors.Is(err, numbers.ErrNotFound) {
		// The status change is already durable; a lost counter bump is
		// not worth reprocessing the receipt.
		in.logger.Error("failed to record delivery counter",
			zap.String("number", item.FromNumber),
			zap.String("counter", string(counter)),
			zap.Error(err),
		)
	}

	in.logger.Info("delivery receipt applied",
		zap.String("item_id", item.ID),
		zap.String("message_id", r.MessageID),
		zap.String("receipt", string(state)),
	)
	return ResultProcessed, nil
}

func (in *Ingestor) forget(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := in.dedupe.Forget(ctx, key); err != nil {
		in.logger.Warn("failed to release idempotency key", zap.String("key", key), zap.Error(err))
	}
}
