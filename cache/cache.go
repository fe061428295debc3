package cache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

// DefaultTTL applies when no WithTTL option is given.
const DefaultTTL = 600000 * time.Millisecond

// Option customizes a Cache.
type Option func(*Cache)

// WithTTL sets the default time-to-live applied by Set. Negative values clamp
// to zero, which means entries never expire.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		c.ttl = clampTTL(ttl)
	}
}

// WithLogger reports backend failures to logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics records hit/miss/set/delete counters.
func WithMetrics(m *Metrics) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

// Cache scopes a Backend to a single space and owns TTL policy for it.
// It is safe for concurrent use.
type Cache struct {
	backend Backend
	space   string

	mu  sync.RWMutex
	ttl time.Duration

	logger  *slog.Logger
	metrics *Metrics
}

// New binds backend to space, creating the space when it does not exist yet.
func New(ctx context.Context, backend Backend, space string, opts ...Option) (*Cache, error) {
	if backend == nil {
		return nil, errors.New("cache: backend is nil")
	}
	c := &Cache{
		backend: backend,
		space:   space,
		ttl:     DefaultTTL,
		logger:  discardLogger,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.logger = c.logger.With("namespace", space)
	if err := backend.AddSpace(ctx, space); err != nil {
		return nil, err
	}
	return c, nil
}

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func clampTTL(ttl time.Duration) time.Duration {
	if ttl < 0 {
		return 0
	}
	return ttl
}

// Space returns the name of the space this Cache is bound to.
func (c *Cache) Space() string { return c.space }

// Backend exposes the storage this Cache writes through.
func (c *Cache) Backend() Backend { return c.backend }

// TTL returns the current default time-to-live.
func (c *Cache) TTL() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ttl
}

// SetTTL changes the default time-to-live for subsequent writes.
func (c *Cache) SetTTL(ttl time.Duration) {
	c.mu.Lock()
	c.ttl = clampTTL(ttl)
	c.mu.Unlock()
}

// Get returns the live value stored under key. The boolean is false when the
// key is missing or has expired.
func (c *Cache) Get(ctx context.Context, key string) (Value, bool, error) {
	v, ok, err := c.backend.Get(ctx, c.space, key)
	if err != nil {
		c.fail(ctx, "get", key, err)
		return Value{}, false, err
	}
	if ok {
		c.metrics.hit(c.space)
	} else {
		c.metrics.miss(c.space)
	}
	return v, ok, nil
}

// Set stores value under key with the default time-to-live.
func (c *Cache) Set(ctx context.Context, key string, value Value) error {
	return c.SetWithTTL(ctx, key, value, c.TTL())
}

// SetWithTTL stores value under key with an explicit time-to-live. Zero or a
// negative ttl stores the entry without expiry.
func (c *Cache) SetWithTTL(ctx context.Context, key string, value Value, ttl time.Duration) error {
	if !value.IsValid() {
		return ErrInvalidKind
	}
	if err := c.backend.Set(ctx, c.space, key, value, clampTTL(ttl)); err != nil {
		c.fail(ctx, "set", key, err)
		return err
	}
	c.metrics.set(c.space)
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.backend.Delete(ctx, c.space, key); err != nil {
		c.fail(ctx, "delete", key, err)
		return err
	}
	c.metrics.delete(c.space)
	return nil
}

// Has reports whether key is present in storage, without checking expiry.
func (c *Cache) Has(ctx context.Context, key string) (bool, error) {
	ok, err := c.backend.Has(ctx, c.space, key)
	if err != nil {
		c.fail(ctx, "has", key, err)
	}
	return ok, err
}

// Size returns the number of stored entries.
func (c *Cache) Size(ctx context.Context) (int, error) {
	n, err := c.backend.Size(ctx, c.space)
	if err != nil {
		c.fail(ctx, "size", "", err)
	}
	return n, err
}

// Keys returns the stored keys in ascending order.
func (c *Cache) Keys(ctx context.Context) ([]string, error) {
	keys, err := c.backend.Keys(ctx, c.space)
	if err != nil {
		c.fail(ctx, "keys", "", err)
	}
	return keys, err
}

// ForEach visits every entry the backend yields for this space.
func (c *Cache) ForEach(ctx context.Context, fn func(key string, value Value) error) error {
	return c.backend.ForEach(ctx, c.space, fn)
}

// Snapshot returns the live entries of the space. Each key is read through Get
// so expired entries are purged rather than returned.
func (c *Cache) Snapshot(ctx context.Context) (map[string]Value, error) {
	keys, err := c.Keys(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Value, len(keys))
	for _, key := range keys {
		v, ok, err := c.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			out[key] = v
		}
	}
	return out, nil
}

// Next returns the stored key following after in byte order, for walking a
// space without listing it. An empty after starts from the first key.
func (c *Cache) Next(ctx context.Context, after string) (string, bool, error) {
	key, ok, err := NextKey(ctx, c.backend, c.space, after)
	if err != nil {
		c.fail(ctx, "next", after, err)
	}
	return key, ok, err
}

// Clear removes every entry while keeping the space. Backends without an
// in-place clear have the space dropped and recreated.
func (c *Cache) Clear(ctx context.Context) error {
	if cl, ok := c.backend.(SpaceClearer); ok {
		if err := cl.Clear(ctx, c.space); err != nil {
			c.fail(ctx, "clear", "", err)
			return err
		}
		return nil
	}
	if err := c.backend.DeleteSpace(ctx, c.space); err != nil {
		c.fail(ctx, "clear", "", err)
		return err
	}
	return c.backend.AddSpace(ctx, c.space)
}

// Destroy drops the space and everything in it. The Cache must not be used
// afterwards.
func (c *Cache) Destroy(ctx context.Context) error {
	if err := c.backend.DeleteSpace(ctx, c.space); err != nil {
		c.fail(ctx, "destroy", "", err)
		return err
	}
	return nil
}

func (c *Cache) fail(ctx context.Context, op, key string, err error) {
	c.metrics.failure(c.space)
	c.logger.ErrorContext(ctx, "cache operation failed", "op", op, "key", key, "error", err)
}
