package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// ReplayGuard implements ports.ReplayGuard using Redis SET NX. One marker per
// request id with a TTL equal to the signature window: by the time the marker
// expires, the signature itself can no longer pass the timestamp check.
type ReplayGuard struct {
	client *goredis.Client
	prefix string
}

// NewReplayGuard creates a Redis-backed replay guard.
func NewReplayGuard(client *goredis.Client) *ReplayGuard {
	return &ReplayGuard{
		client: client,
		prefix: "replay:",
	}
}

// CheckAndSet atomically tests and sets the marker for requestID.
// Returns true if the request id is new, false if this is a duplicate delivery.
func (g *ReplayGuard) CheckAndSet(ctx context.Context, requestID string, ttl time.Duration) (bool, error) {
	key := g.prefix + requestID
	result, err := g.client.SetArgs(ctx, key, 1, goredis.SetArgs{
		Mode: "NX",
		TTL:  ttl,
	}).Result()
	if err != nil {
		if err == goredis.Nil {
			// Key already exists — duplicate delivery.
			return false, nil
		}
		return false, fmt.Errorf("redis replay check: %w", err)
	}
	return result == "OK", nil
}
