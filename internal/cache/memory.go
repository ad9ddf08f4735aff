package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryCache is a process-local Cache with TTL eviction.
type MemoryCache struct {
	mu   sync.RWMutex
	data map[string]memoryItem
	done chan struct{}
}

type memoryItem struct {
	value   []byte
	expires time.Time
}

// NewMemoryCache starts an in-memory cache with a background sweeper.
func NewMemoryCache() *MemoryCache {
	m := &MemoryCache{
		data: make(map[string]memoryItem),
		done: make(chan struct{}),
	}
	go m.sweep()
	return m
}

func (m *MemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.data[key]
	if !ok || time.Now().After(item.expires) {
		return nil, ErrCacheMiss
	}
	return item.value, nil
}

func (m *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = memoryItem{value: value, expires: time.Now().Add(ttl)}
	return nil
}

// Invalidate supports exact keys and a trailing-star prefix pattern, the
// only two shapes the services use.
func (m *MemoryCache) Invalidate(_ context.Context, pattern string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		for key := range m.data {
			if strings.HasPrefix(key, prefix) {
				delete(m.data, key)
			}
		}
		return nil
	}
	delete(m.data, pattern)
	return nil
}

func (m *MemoryCache) Close() error {
	close(m.done)
	return nil
}

func (m *MemoryCache) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			m.mu.Lock()
			for key, item := range m.data {
				if now.After(item.expires) {
					delete(m.data, key)
				}
			}
			m.mu.Unlock()
		case <-m.done:
			return
		}
	}
}
