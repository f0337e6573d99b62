// Package cache stores routing decisions so a repeated prompt skips the
// classifier round trip.
//
// Two backends are available:
//   - RedisCache: shared by every gateway replica.
//   - MemoryCache: in-process TTL cache for single-instance deployments.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

const keyPrefix = "route:v1:"

// Cache is a byte-oriented TTL store. Implementations never fail a request:
// a backend error reads as a miss.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// DecisionKey derives the cache key for a classified message.
func DecisionKey(message string) string {
	sum := sha256.Sum256([]byte(message))
	return keyPrefix + hex.EncodeToString(sum[:])
}
