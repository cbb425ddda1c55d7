// Package cache is a process-local key/value cache with per-key TTL and hash values.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Store is the cache surface used by the routing and refresh components.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
}

type entry struct {
	value     string
	expiresAt time.Time
}

// Memory is a thread-safe in-memory Store. Hash values never expire.
type Memory struct {
	mu      sync.RWMutex
	values  map[string]entry
	hashes  map[string]map[string]string
	now     func() time.Time
	stopCh  chan struct{}
	stopped sync.Once
	log     zerolog.Logger

	hits   int64
	misses int64
}

// New creates a cache and starts a goroutine that sweeps expired keys every interval.
func New(cleanupInterval time.Duration, log zerolog.Logger) *Memory {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	m := &Memory{
		values: make(map[string]entry),
		hashes: make(map[string]map[string]string),
		now:    time.Now,
		stopCh: make(chan struct{}),
		log:    log.With().Str("component", "cache").Logger(),
	}
	go m.cleanup(cleanupInterval)
	return m
}

func (m *Memory) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.values[key]
	if !ok || !m.now().Before(e.expiresAt) {
		m.misses++
		return "", false, nil
	}
	m.hits++
	return e.value, true, nil
}

func (m *Memory) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.values[key] = entry{value: value, expiresAt: m.now().Add(ttl)}
	return nil
}

// HSet merges fields into the hash at key.
func (m *Memory) HSet(ctx context.Context, key string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string, len(fields))
		m.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

// HGetAll returns a copy of the hash at key, or an empty map.
func (m *Memory) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]string, len(m.hashes[key]))
	for k, v := range m.hashes[key] {
		out[k] = v
	}
	return out, nil
}

// Stats returns hit and miss counts for Get.
func (m *Memory) Stats() (hits, misses int64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hits, m.misses
}

func (m *Memory) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.values)
}

func (m *Memory) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.removeExpired()
		}
	}
}

func (m *Memory) removeExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for k, e := range m.values {
		if !now.Before(e.expiresAt) {
			delete(m.values, k)
			removed++
		}
	}
	if removed > 0 {
		m.log.Debug().Int("removed", removed).Msg("swept expired cache entries")
	}
}

// Close stops the cleanup goroutine. It is safe to call more than once.
func (m *Memory) Close() {
	m.stopped.Do(func() { close(m.stopCh) })
}
