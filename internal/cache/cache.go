package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrMiss is returned by a Durable tier when a key is absent.
var ErrMiss = errors.New("cache: miss")

// Durable is the persistent tier of the cache. Entries are opaque bytes; the
// expiry lives inside the envelope the Cache writes.
type Durable interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type envelope struct {
	Value     json.RawMessage `json:"value"`
	ExpiresAt int64           `json:"expires_at"`
}

type memEntry struct {
	value     json.RawMessage
	expiresAt time.Time
}

// Cache is a two-tier TTL cache: a process-lifetime memory map in front of
// an optional durable tier. There is no size bound.
type Cache struct {
	mu      sync.RWMutex
	mem     map[string]memEntry
	durable Durable
	now     func() time.Time
	logger  zerolog.Logger
}

// Option customises a Cache.
type Option func(*Cache)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New builds a cache. durable may be nil for a memory-only cache.
func New(durable Durable, logger zerolog.Logger, opts ...Option) *Cache {
	c := &Cache{
		mem:     make(map[string]memEntry),
		durable: durable,
		now:     time.Now,
		logger:  logger.With().Str("component", "rate_cache").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Set stores value under key in both tiers.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	expiresAt := c.now().Add(ttl)

	c.mu.Lock()
	c.mem[key] = memEntry{value: raw, expiresAt: expiresAt}
	c.mu.Unlock()

	if c.durable == nil {
		return nil
	}
	payload, err := json.Marshal(envelope{Value: raw, ExpiresAt: expiresAt.UnixMilli()})
	if err != nil {
		return err
	}
	if err := c.durable.Set(ctx, key, payload, ttl); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("durable cache write failed")
		return err
	}
	return nil
}

// Get decodes the cached value for key into dst. It reports false on a
// miss, an expired entry, or an undecodable one; it never panics.
func (c *Cache) Get(ctx context.Context, key string, dst any) bool {
	raw, ok := c.lookup(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("discarding undecodable cache entry")
		c.evict(ctx, key)
		return false
	}
	return true
}

// IsValid reports whether key holds an unexpired entry.
func (c *Cache) IsValid(ctx context.Context, key string) bool {
	_, ok := c.lookup(ctx, key)
	return ok
}

// Delete removes key from both tiers.
func (c *Cache) Delete(ctx context.Context, key string) {
	c.evict(ctx, key)
}

func (c *Cache) lookup(ctx context.Context, key string) (json.RawMessage, bool) {
	now := c.now()

	c.mu.RLock()
	entry, ok := c.mem[key]
	c.mu.RUnlock()
	if ok {
		if now.Before(entry.expiresAt) {
			return entry.value, true
		}
		c.mu.Lock()
		if cur, still := c.mem[key]; still && !now.Before(cur.expiresAt) {
			delete(c.mem, key)
		}
		c.mu.Unlock()
	}

	if c.durable == nil {
		return nil, false
	}

	payload, err := c.durable.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			c.logger.Warn().Err(err).Str("key", key).Msg("durable cache read failed")
		}
		return nil, false
	}

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		c.evictDurable(ctx, key)
		return nil, false
	}
	expiresAt := time.UnixMilli(env.ExpiresAt)
	if !now.Before(expiresAt) {
		c.evictDurable(ctx, key)
		return nil, false
	}

	c.mu.Lock()
	c.mem[key] = memEntry{value: env.Value, expiresAt: expiresAt}
	c.mu.Unlock()
	return env.Value, true
}

func (c *Cache) evict(ctx context.Context, key string) {
	c.mu.Lock()
	delete(c.mem, key)
	c.mu.Unlock()
	c.evictDurable(ctx, key)
}

func (c *Cache) evictDurable(ctx context.Context, key string) {
	if c.durable == nil {
		return
	}
	if err := c.durable.Delete(ctx, key); err != nil && !errors.Is(err, ErrMiss) {
		c.logger.Debug().Err(err).Str("key", key).Msg("durable cache evict failed")
	}
}
