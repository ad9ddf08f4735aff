package store

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/lamyj/dopamine/internal/cache"
)

const aggregatePrefix = "agg:"

// CachedStore caches Count and Distinct results, the group-by passes
// behind instance counts and modalities-in-study. Inserting an instance
// invalidates every cached aggregate. Query and Insert pass through.
type CachedStore struct {
	Store
	cache cache.Cache
	ttl   time.Duration
}

// NewCachedStore wraps inner with an aggregate cache.
func NewCachedStore(inner Store, c cache.Cache, ttl time.Duration) *CachedStore {
	return &CachedStore{Store: inner, cache: c, ttl: ttl}
}

func (s *CachedStore) Insert(ctx context.Context, doc bson.D) error {
	if err := s.Store.Insert(ctx, doc); err != nil {
		return err
	}
	if err := s.cache.Invalidate(ctx, aggregatePrefix+"*"); err != nil {
		// Stale aggregates expire with the TTL; the store is already
		// consistent.
		log.Warn().Err(err).Msg("aggregate cache invalidation failed")
	}
	return nil
}

func (s *CachedStore) Count(ctx context.Context, filter bson.M) (int64, error) {
	key := aggregateKey("count", "", filter)
	if raw, err := s.cache.Get(ctx, key); err == nil {
		if n, err := strconv.ParseInt(string(raw), 10, 64); err == nil {
			return n, nil
		}
	}
	n, err := s.Store.Count(ctx, filter)
	if err != nil {
		return 0, err
	}
	s.put(ctx, key, []byte(strconv.FormatInt(n, 10)))
	return n, nil
}

func (s *CachedStore) Distinct(ctx context.Context, field string, filter bson.M) ([]string, error) {
	key := aggregateKey("distinct", field, filter)
	if raw, err := s.cache.Get(ctx, key); err == nil {
		if len(raw) == 0 {
			return nil, nil
		}
		return strings.Split(string(raw), "\x00"), nil
	}
	values, err := s.Store.Distinct(ctx, field, filter)
	if err != nil {
		return nil, err
	}
	s.put(ctx, key, []byte(strings.Join(values, "\x00")))
	return values, nil
}

func (s *CachedStore) put(ctx context.Context, key string, value []byte) {
	if err := s.cache.Set(ctx, key, value, s.ttl); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("aggregate cache write failed")
	}
}

// aggregateKey derives a stable key from the filter. Aggregate filters are
// single-field equality matches, so marshalling them is deterministic.
func aggregateKey(op, field string, filter bson.M) string {
	raw, err := bson.Marshal(filter)
	if err != nil {
		raw = []byte(op + field)
	}
	sum := sha1.Sum(raw)
	return aggregatePrefix + op + ":" + field + ":" + hex.EncodeToString(sum[:])
}
