package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func TestClient_Key(t *testing.T) {
	tests := []struct {
		ns    string
		parts []string
		want  string
	}{
		{"dripline", []string{"ratelimit", "global"}, "dripline:ratelimit:global"},
		{"staging", []string{"idem", "event", "receipt:SM1:delivered"}, "staging:idem:event:receipt:SM1:delivered"},
		{"", []string{"bucket", "+15550000001"}, "bucket:+15550000001"},
	}
	for _, tt := range tests {
		c := &Client{ns: tt.ns}
		if got := c.key(tt.parts...); got != tt.want {
			t.Errorf("key(%q, %v) = %q, want %q", tt.ns, tt.parts, got, tt.want)
		}
	}
}

func TestClient_NamespacedKeysInRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	client := NewFromClient(rdb, zap.NewNop())
	ctx := context.Background()

	limiter := NewRateLimiter(client, zap.NewNop(), RateLimitConfig{Limit: 5, Window: time.Minute})
	if _, err := limiter.Reserve(ctx, "global", 2); err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	bucket := NewTokenBucket(client, 0, zap.NewNop())
	if _, _, err := bucket.Take(ctx, "+15550000001", 60); err != nil {
		t.Fatalf("Take() error = %v", err)
	}
	store := NewIdempotencyStore(client, time.Hour, zap.NewNop())
	if _, err := store.Seen(ctx, "receipt:SM1:delivered"); err != nil {
		t.Fatalf("Seen() error = %v", err)
	}

	for _, k := range []string{
		"dripline:ratelimit:global",
		"dripline:bucket:+15550000001",
		"dripline:idem:event:receipt:SM1:delivered",
	} {
		if !mr.Exists(k) {
			t.Errorf("key %q not written; have %v", k, mr.Keys())
		}
	}
}
