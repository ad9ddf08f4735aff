// Package cache provides the aggregate-result cache used by the
// query/retrieve services. Instance counts and modalities-in-study are
// group-by passes over the document store; their results change only when
// an instance is stored, so they cache well.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrCacheMiss is returned when a key is not present.
var ErrCacheMiss = errors.New("cache miss")

// Cache is the backend-agnostic cache surface. Redis serves it in
// production; the in-memory implementation backs tests and single-node
// deployments without Redis.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Invalidate removes every key matching pattern ("prefix*" or exact).
	Invalidate(ctx context.Context, pattern string) error
	Close() error
}
