package drip

import (
	"context"
	"time"
)

// Store is the persistence contract behind Queue. Implementations must make
// Claim and Transition atomic with respect to concurrent callers.
type Store interface {
	// Create persists a new item and assigns its ID.
	Create(ctx context.Context, item *Item) error

	Get(ctx context.Context, id string) (*Item, error)

	// Claim moves up to limit READY items with NextSendAt <= now to SENDING
	// and returns them ordered by NextSendAt, then ID.
	Claim(ctx context.Context, now time.Time, limit int) ([]*Item, error)

	// Transition applies u only if the item's status is still from.
	// Returns ErrConflict when the status has changed underneath the caller.
	Transition(ctx context.Context, id string, from Status, u Update) (*Item, error)

	// ListDue returns items in any of statuses with NextSendAt <= now,
	// oldest first.
	ListDue(ctx context.Context, statuses []Status, now time.Time, limit int) ([]*Item, error)

	FindByProviderMessageID(ctx context.Context, providerMessageID string) (*Item, error)

	ListByPhone(ctx context.Context, phone string) ([]*Item, error)

	CountByStatus(ctx context.Context) (map[Status]int, error)
}
