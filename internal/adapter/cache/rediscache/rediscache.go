// Package rediscache mirrors published response-cache entries to Redis so
// that sibling orchestrator replicas can share results. Only settled
// results are stored; in-flight markers and job state stay process-local.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "aiorch:cache:"

// Mirror implements cache.Mirror over a Redis client.
type Mirror struct {
	rdb *redis.Client
}

// New connects a mirror to the given Redis address.
func New(addr string) *Mirror {
	return &Mirror{rdb: redis.NewClient(&redis.Options{Addr: addr})}
}

// NewWithClient wraps an existing client. Tests use this with miniredis.
func NewWithClient(rdb *redis.Client) *Mirror {
	return &Mirror{rdb: rdb}
}

// Ping verifies connectivity for readiness checks.
func (m *Mirror) Ping(ctx context.Context) error {
	return m.rdb.Ping(ctx).Err()
}

// Get fetches a mirrored result. A missing key is not an error.
func (m *Mirror) Get(ctx context.Context, fingerprint string) (json.RawMessage, bool, error) {
	raw, err := m.rdb.Get(ctx, keyPrefix+fingerprint).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("op=rediscache.Get: %w", err)
	}
	if !json.Valid(raw) {
		// A corrupt value is treated as a miss; it will be overwritten
		// on the next publish.
		return nil, false, nil
	}
	return json.RawMessage(raw), true, nil
}

// Set stores a result with the entry's TTL.
func (m *Mirror) Set(ctx context.Context, fingerprint string, result json.RawMessage, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := m.rdb.Set(ctx, keyPrefix+fingerprint, []byte(result), ttl).Err(); err != nil {
		return fmt.Errorf("op=rediscache.Set: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (m *Mirror) Close() error { return m.rdb.Close() }
