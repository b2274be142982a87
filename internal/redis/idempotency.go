package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// DefaultEventTTL covers provider webhook redelivery windows.
	DefaultEventTTL = 72 * time.Hour

	// RequestTTL applies to Idempotency-Key headers on the enqueue API.
	RequestTTL = 24 * time.Hour

	// processingTTL is the lock duration while a request is being processed.
	processingTTL = 5 * time.Minute

	processingMarker = "processing"
)

// ErrDuplicateEvent means the key was already recorded and unexpired.
// Ingestion short-circuits and treats it as success.
var ErrDuplicateEvent = errors.New("duplicate event: idempotency key already seen")

// RequestResult is the cached response for an idempotent API request.
type RequestResult struct {
	ItemID     string `json:"item_id"`
	StatusCode int    `json:"status_code"`
	CreatedAt  int64  `json:"created_at"`
}

// IdempotencyStore records event keys with a TTL using SET NX, so that
// concurrent callers with the same key see exactly one first sighting.
type IdempotencyStore struct {
	client *Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewIdempotencyStore creates a store whose event keys expire after ttl.
func NewIdempotencyStore(client *Client, ttl time.Duration, logger *zap.Logger) *IdempotencyStore {
	if ttl <= 0 {
		ttl = DefaultEventTTL
	}
	return &IdempotencyStore{
		client: client,
		ttl:    ttl,
		logger: logger,
	}
}

func (s *IdempotencyStore) eventKey(key string) string {
	return s.client.key("idem", "event", key)
}

func (s *IdempotencyStore) requestKey(scope, key string) string {
	return s.client.key("idem", "request", scope, key)
}

// Seen reports whether key was already recorded. On first sight it records
// key and returns false.
func (s *IdempotencyStore) Seen(ctx context.Context, key string) (bool, error) {
	set, err := s.client.rdb.SetNX(ctx, s.eventKey(key), time.Now().Unix(), s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	if !set {
		s.logger.Debug("duplicate event", zap.String("key", key))
	}
	return !set, nil
}

// Claim is Seen expressed as an error: ErrDuplicateEvent on repeat sight.
func (s *IdempotencyStore) Claim(ctx context.Context, key string) error {
	seen, err := s.Seen(ctx, key)
	if err != nil {
		return err
	}
	if seen {
		return ErrDuplicateEvent
	}
	return nil
}

// Forget removes key so a redelivery is processed again. Called when
// processing failed after the key was recorded.
func (s *IdempotencyStore) Forget(ctx context.Context, key string) error {
	if err := s.client.rdb.Del(ctx, s.eventKey(key)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// CheckRequest retrieves a cached API response.
// Returns (nil, nil) if the key doesn't exist, (result, nil) if found,
// or ErrDuplicateEvent if the key is currently being processed.
func (s *IdempotencyStore) CheckRequest(ctx context.Context, scope, key string) (*RequestResult, error) {
	val, err := s.client.rdb.Get(ctx, s.requestKey(scope, key)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	if val == processingMarker {
		return nil, ErrDuplicateEvent
	}

	var result RequestResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		s.logger.Error("failed to unmarshal idempotency result", zap.Error(err))
		return nil, fmt.Errorf("invalid cached result: %w", err)
	}
	return &result, nil
}

// ReserveRequest acquires the processing lock for an API request key.
func (s *IdempotencyStore) ReserveRequest(ctx context.Context, scope, key string) (bool, error) {
	set, err := s.client.rdb.SetNX(ctx, s.requestKey(scope, key), processingMarker, processingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	return set, nil
}

// CheckOrReserveRequest returns a cached result if present, otherwise
// reserves the key. Returns (nil, nil) when the caller now owns the key.
func (s *IdempotencyStore) CheckOrReserveRequest(ctx context.Context, scope, key string) (*RequestResult, error) {
	result, err := s.CheckRequest(ctx, scope, key)
	if err != nil || result != nil {
		return result, err
	}

	reserved, err := s.ReserveRequest(ctx, scope, key)
	if err != nil {
		return nil, err
	}
	if !reserved {
		return nil, ErrDuplicateEvent
	}
	return nil, nil
}

// StoreRequest saves the response of a processed request.
func (s *IdempotencyStore) StoreRequest(ctx context.Context, scope, key string, result *RequestResult) error {
	if result.CreatedAt == 0 {
		result.CreatedAt = time.Now().Unix()
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := s.client.rdb.Set(ctx, s.requestKey(scope, key), data, RequestTTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// ReleaseRequest drops a reservation after a failed request.
func (s *IdempotencyStore) ReleaseRequest(ctx context.Context, scope, key string) error {
	return s.client.rdb.Del(ctx, s.requestKey(scope, key)).Err()
}
