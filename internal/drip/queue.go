package drip

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/dripline/internal/phone"
)

// casAttempts bounds read-modify-write retries after ErrConflict.
const casAttempts = 3

// QuietHours pushes a proposed send time out of the quiet window.
type QuietHours interface {
	NextAllowed(now time.Time) time.Time
}

type Config struct {
	MaxRetries int
	Quiet      QuietHours       // nil disables quiet-hours deferral at enqueue
	Now        func() time.Time // defaults to time.Now
}

// Queue is the only writer of drip items. All mutations go through status
// compare-and-swap on the Store.
type Queue struct {
	store      Store
	quiet      QuietHours
	maxRetries int
	now        func() time.Time
	logger     *zap.Logger
}

func NewQueue(store Store, cfg Config, logger *zap.Logger) *Queue {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Queue{
		store:      store,
		quiet:      cfg.Quiet,
		maxRetries: cfg.MaxRetries,
		now:        cfg.Now,
		logger:     logger,
	}
}

// EnqueueRequest is the caller-supplied part of a new item.
type EnqueueRequest struct {
	Phone      string    `json:"phone"`
	Body       string    `json:"message_body"`
	FromNumber string    `json:"from_number,omitempty"`
	Market     string    `json:"market,omitempty"`
	CampaignID string    `json:"campaign_id,omitempty"`
	TemplateID string    `json:"template_id,omitempty"`
	ProspectID string    `json:"prospect_id,omitempty"`
	SendAt     time.Time `json:"send_at,omitempty"`
}

// Enqueue validates req and persists a QUEUED item. The initial NextSendAt
// is max(now, SendAt) pushed past quiet hours.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	to, err := phone.Normalize(req.Phone)
	if err != nil {
		return "", &ValidationError{Field: "phone", Err: err}
	}

	body := strings.TrimSpace(req.Body)
	if body == "" {
		return "", &ValidationError{Field: "message_body", Err: errors.New("must not be empty")}
	}

	var from string
	if req.FromNumber != "" {
		from, err = phone.Normalize(req.FromNumber)
		if err != nil {
			return "", &ValidationError{Field: "from_number", Err: err}
		}
	}

	now := q.now().UTC()
	sendAt := now
	if req.SendAt.After(now) {
		sendAt = req.SendAt.UTC()
	}
	if q.quiet != nil {
		sendAt = q.quiet.NextAllowed(sendAt).UTC()
	}

	item := &Item{
		Phone:      to,
		FromNumber: from,
		Market:     strings.TrimSpace(req.Market),
		CampaignID: req.CampaignID,
		TemplateID: req.TemplateID,
		ProspectID: req.ProspectID,
		Body:       body,
		Status:     StatusQueued,
		NextSendAt: sendAt,
	}

	if err := q.store.Create(ctx, item); err != nil {
		return "", fmt.Errorf("create drip item: %w", err)
	}

	q.logger.Info("drip item enqueued",
		zap.String("item_id", item.ID),
		zap.String("phone", phone.Last4(to)),
		zap.String("market", item.Market),
		zap.Time("next_send_at", sendAt),
	)

	return item.ID, nil
}

func (q *Queue) Get(ctx context.Context, id string) (*Item, error) {
	return q.store.Get(ctx, id)
}

func (q *Queue) FindByProviderMessageID(ctx context.Context, providerMessageID string) (*Item, error) {
	return q.store.FindByProviderMessageID(ctx, providerMessageID)
}

func (q *Queue) ListByPhone(ctx context.Context, phone string) ([]*Item, error) {
	return q.store.ListByPhone(ctx, phone)
}

func (q *Queue) CountByStatus(ctx context.Context) (map[Status]int, error) {
	return q.store.CountByStatus(ctx)
}

// ClaimReady atomically moves up to limit due READY items to SENDING.
func (q *Queue) ClaimReady(ctx context.Context, limit int) ([]*Item, error) {
	if limit <= 0 {
		return nil, nil
	}
	items, err := q.store.Claim(ctx, q.now().UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("claim ready items: %w", err)
	}
	return items, nil
}

// PromoteResult counts what Promote changed.
type PromoteResult struct {
	Ready     int
	Exhausted int
}

// Promote moves due QUEUED, RETRY and THROTTLED items to READY. RETRY items
// whose budget is already spent go to FAILED instead.
func (q *Queue) Promote(ctx context.Context, limit int) (PromoteResult, error) {
	var res PromoteResult

	due, err := q.store.ListDue(ctx, []Status{StatusQueued, StatusRetry, StatusThrottled}, q.now().UTC(), limit)
	if err != nil {
		return res, fmt.Errorf("list due items: %w", err)
	}

	for _, it := range due {
		target := StatusReady
		u := Update{Status: StatusReady}
		if it.Status == StatusRetry && it.RetryCount >= q.maxRetries {
			target = StatusFailed
			u = Update{Status: StatusFailed}
		}

		_, err := q.store.Transition(ctx, it.ID, it.Status, u)
		switch {
		case errors.Is(err, ErrConflict):
			// Someone else moved it; nothing to do.
			continue
		case err != nil:
			return res, fmt.Errorf("promote item %s: %w", it.ID, err)
		}

		if target == StatusReady {
			res.Ready++
		} else {
			res.Exhausted++
		}
	}

	return res, nil
}

// AssignNumber records the sending number on a claimed item. An item keeps
// its first number for every later attempt.
func (q *Queue) AssignNumber(ctx context.Context, id, number string) error {
	_, err := q.apply(ctx, id, func(it *Item) (*Update, error) {
		if it.FromNumber == number {
			return nil, nil
		}
		if it.Status != StatusSending {
			return nil, invalidTransition(id, it.Status, StatusSending)
		}
		if it.FromNumber != "" {
			return nil, fmt.Errorf("%w: item %s already bound to %s", ErrInvalidTransition, id, it.FromNumber)
		}
		return &Update{Status: StatusSending, FromNumber: &number}, nil
	})
	return err
}

// MarkSent records provider acceptance. Repeating it with the same provider
// message id is a no-op.
func (q *Queue) MarkSent(ctx context.Context, id, providerMessageID string) error {
	_, err := q.apply(ctx, id, func(it *Item) (*Update, error) {
		if it.ProviderMessageID == providerMessageID &&
			(it.Status == StatusSent || it.Status == StatusDelivered || it.Status == StatusFailed) {
			return nil, nil
		}
		if !CanTransition(it.Status, StatusSent) {
			return nil, invalidTransition(id, it.Status, StatusSent)
		}
		now := q.now().UTC()
		empty := ""
		return &Update{
			Status:            StatusSent,
			ProviderMessageID: &providerMessageID,
			SentAt:            &now,
			LastError:         &empty,
		}, nil
	})
	return err
}

// MarkRetry records a transient failure. The retry count always advances by
// one; once it reaches the budget the item goes to FAILED instead of RETRY.
// Returns the status the item ended in.
func (q *Queue) MarkRetry(ctx context.Context, id string, nextSendAt time.Time, reason string) (Status, error) {
	it, err := q.apply(ctx, id, func(it *Item) (*Update, error) {
		if it.Status == StatusRetry || it.Status == StatusFailed {
			return nil, nil
		}
		if it.Status != StatusSending {
			return nil, invalidTransition(id, it.Status, StatusRetry)
		}

		count := it.RetryCount + 1
		u := &Update{Status: StatusRetry, RetryCount: &count, LastError: &reason}
		if count >= q.maxRetries {
			u.Status = StatusFailed
			return u, nil
		}

		next := nextSendAt.UTC()
		if !next.After(q.now()) {
			next = q.now().UTC().Add(time.Second)
		}
		u.NextSendAt = &next
		return u, nil
	})
	if err != nil {
		return "", err
	}
	return it.Status, nil
}

// MarkFailed is terminal. Repeating it is a no-op.
func (q *Queue) MarkFailed(ctx context.Context, id, reason string) error {
	_, err := q.apply(ctx, id, func(it *Item) (*Update, error) {
		if it.Status == StatusFailed {
			return nil, nil
		}
		if !CanTransition(it.Status, StatusFailed) {
			return nil, invalidTransition(id, it.Status, StatusFailed)
		}
		return &Update{Status: StatusFailed, LastError: &reason}, nil
	})
	return err
}

// MarkDelivered is terminal. Repeating it is a no-op.
func (q *Queue) MarkDelivered(ctx context.Context, id string) error {
	_, err := q.apply(ctx, id, func(it *Item) (*Update, error) {
		if it.Status == StatusDelivered {
			return nil, nil
		}
		if !CanTransition(it.Status, StatusDelivered) {
			return nil, invalidTransition(id, it.Status, StatusDelivered)
		}
		return &Update{Status: StatusDelivered}, nil
	})
	return err
}

// Release hands a claimed item back to READY, to be picked up at nextSendAt.
func (q *Queue) Release(ctx context.Context, id string, nextSendAt time.Time, reason string) error {
	return q.park(ctx, id, StatusReady, nextSendAt, reason)
}

// Throttle parks a claimed item in THROTTLED until nextSendAt.
func (q *Queue) Throttle(ctx context.Context, id string, nextSendAt time.Time, reason string) error {
	return q.park(ctx, id, StatusThrottled, nextSendAt, reason)
}

func (q *Queue) park(ctx context.Context, id string, target Status, nextSendAt time.Time, reason string) error {
	_, err := q.apply(ctx, id, func(it *Item) (*Update, error) {
		if it.Status != StatusSending {
			return nil, invalidTransition(id, it.Status, target)
		}
		next := nextSendAt.UTC()
		return &Update{Status: target, NextSendAt: &next, LastError: &reason}, nil
	})
	return err
}

// MarkDNC moves every non-terminal item for phone to DNC and returns how
// many changed.
func (q *Queue) MarkDNC(ctx context.Context, phone string) (int, error) {
	items, err := q.store.ListByPhone(ctx, phone)
	if err != nil {
		return 0, fmt.Errorf("list items for phone: %w", err)
	}

	reason := "recipient opted out"
	changed := 0
	for _, it := range items {
		if it.Status.Terminal() {
			continue
		}
		_, err := q.apply(ctx, it.ID, func(cur *Item) (*Update, error) {
			if cur.Status.Terminal() {
				return nil, nil
			}
			return &Update{Status: StatusDNC, LastError: &reason}, nil
		})
		if err != nil {
			return changed, err
		}
		changed++
	}

	if changed > 0 {
		q.logger.Info("drip items marked do-not-contact",
			zap.String("phone", phone),
			zap.Int("count", changed),
		)
	}
	return changed, nil
}

// apply runs a read-modify-write against the store, re-reading on
// ErrConflict. fn returns nil to signal a no-op.
func (q *Queue) apply(ctx context.Context, id string, fn func(it *Item) (*Update, error)) (*Item, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		it, err := q.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		u, err := fn(it)
		if err != nil {
			return nil, err
		}
		if u == nil {
			return it, nil
		}

		updated, err := q.store.Transition(ctx, id, it.Status, *u)
		if errors.Is(err, ErrConflict) {
			q.logger.Debug("drip item changed concurrently, retrying",
				zap.String("item_id", id),
				zap.Int("attempt", attempt+1),
			)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("update drip item %s: %w", id, err)
		}
		return updated, nil
	}

	return nil, fmt.Errorf("%w: item %s after %d attempts", ErrConflict, id, casAttempts)
}
