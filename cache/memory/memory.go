// Package memory implements cache.Backend with volatile per-space maps.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/chrisbrine/ncache/cache"
)

const backendName = "memory"

type entry struct {
	value  cache.Value
	expire time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the time source used for expiry.
func WithClock(now cache.Clock) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Store keeps one map per space. Expired entries are reclaimed lazily by the
// reads that observe them; there is no background sweep.
type Store struct {
	mu     sync.RWMutex
	spaces map[string]map[string]entry
	now    cache.Clock
	closed bool
}

var (
	_ cache.Backend      = (*Store)(nil)
	_ cache.SpaceRenamer = (*Store)(nil)
	_ cache.SpaceClearer = (*Store)(nil)
	_ cache.KeyCursor    = (*Store)(nil)
	_ cache.SpaceCursor  = (*Store)(nil)
)

// New creates an empty in-memory Store.
func New(opts ...Option) *Store {
	s := &Store{spaces: make(map[string]map[string]entry), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// space must be called with s.mu held.
func (s *Store) space(op, space, key string) (map[string]entry, error) {
	if s.closed {
		return nil, cache.NewStorageError(backendName, op, space, key, cache.ErrClosed)
	}
	m, ok := s.spaces[space]
	if !ok {
		return nil, cache.NewStorageError(backendName, op, space, key, cache.ErrSpaceNotFound)
	}
	return m, nil
}

func (s *Store) Get(ctx context.Context, space, key string) (cache.Value, bool, error) {
	if err := cache.CtxErr(ctx); err != nil {
		return cache.Value{}, false, err
	}

	s.mu.RLock()
	m, err := s.space("get", space, key)
	if err != nil {
		s.mu.RUnlock()
		return cache.Value{}, false, err
	}
	e, ok := m[key]
	s.mu.RUnlock()

	if !ok {
		return cache.Value{}, false, nil
	}
	if !cache.Expired(s.now(), e.expire) {
		return e.value, true, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	m, err = s.space("get", space, key)
	if err != nil {
		return cache.Value{}, false, err
	}
	// Re-check: a writer may have refreshed the entry before we got the lock.
	e, ok = m[key]
	if !ok {
		return cache.Value{}, false, nil
	}
	if cache.Expired(s.now(), e.expire) {
		delete(m, key)
		return cache.Value{}, false, nil
	}
	return e.value, true, nil
}

func (s *Store) Set(ctx context.Context, space, key string, value cache.Value, ttl time.Duration) error {
	if err := cache.CtxErr(ctx); err != nil {
		return err
	}
	if !value.IsValid() {
		return cache.NewStorageError(backendName, "set", space, key, cache.ErrInvalidKind)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.space("set", space, key)
	if err != nil {
		return err
	}
	m[key] = entry{value: value, expire: cache.ExpireAt(s.now(), ttl)}
	return nil
}

func (s *Store) Delete(ctx context.Context, space, key string) error {
	if err := cache.CtxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.space("delete", space, key)
	if err != nil {
		return err
	}
	delete(m, key)
	return nil
}

func (s *Store) Has(ctx context.Context, space, key string) (bool, error) {
	if err := cache.CtxErr(ctx); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, err := s.space("has", space, key)
	if err != nil {
		return false, err
	}
	_, ok := m[key]
	return ok, nil
}

func (s *Store) Size(ctx context.Context, space string) (int, error) {
	if err := cache.CtxErr(ctx); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, err := s.space("size", space, "")
	if err != nil {
		return 0, err
	}
	return len(m), nil
}

// live purges expired entries of space and returns the survivors sorted by key.
func (s *Store) live(op, space string) ([]string, []cache.Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.space(op, space, "")
	if err != nil {
		return nil, nil, err
	}
	now := s.now()
	keys := make([]string, 0, len(m))
	for k, e := range m {
		if cache.Expired(now, e.expire) {
			delete(m, k)
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	values := make([]cache.Value, len(keys))
	for i, k := range keys {
		values[i] = m[k].value
	}
	return keys, values, nil
}

// Keys returns the live keys of space; expired entries are purged on the way.
func (s *Store) Keys(ctx context.Context, space string) ([]string, error) {
	if err := cache.CtxErr(ctx); err != nil {
		return nil, err
	}
	keys, _, err := s.live("keys", space)
	return keys, err
}

// ForEach visits live entries in key order. The callback runs without the
// store lock held, so it may call back into the Store.
func (s *Store) ForEach(ctx context.Context, space string, fn func(string, cache.Value) error) error {
	if err := cache.CtxErr(ctx); err != nil {
		return err
	}
	keys, values, err := s.live("foreach", space)
	if err != nil {
		return err
	}
	for i, k := range keys {
		if err := fn(k, values[i]); err != nil {
			return err
		}
	}
	return nil
}

// Clear removes every entry of space but keeps the space itself.
func (s *Store) Clear(ctx context.Context, space string) error {
	if err := cache.CtxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.space("clear", space, ""); err != nil {
		return err
	}
	s.spaces[space] = make(map[string]entry)
	return nil
}

// RenameSpace moves the entries of from under to.
func (s *Store) RenameSpace(ctx context.Context, from, to string) error {
	if err := cache.CtxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.space("renamespace", from, "")
	if err != nil {
		return err
	}
	if _, ok := s.spaces[to]; ok {
		return cache.NewStorageError(backendName, "renamespace", to, "", cache.ErrSpaceExists)
	}
	s.spaces[to] = m
	delete(s.spaces, from)
	return nil
}

// NextKey scans space for the smallest key above after, expired or not.
func (s *Store) NextKey(ctx context.Context, space, after string) (string, bool, error) {
	if err := cache.CtxErr(ctx); err != nil {
		return "", false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, err := s.space("nextkey", space, after)
	if err != nil {
		return "", false, err
	}
	var (
		next  string
		found bool
	)
	for k := range m {
		if k > after && (!found || k < next) {
			next, found = k, true
		}
	}
	return next, found, nil
}

func (s *Store) NextSpace(ctx context.Context, after string) (string, bool, error) {
	if err := cache.CtxErr(ctx); err != nil {
		return "", false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", false, cache.NewStorageError(backendName, "nextspace", "", "", cache.ErrClosed)
	}
	var (
		next  string
		found bool
	)
	for name := range s.spaces {
		if name > after && (!found || name < next) {
			next, found = name, true
		}
	}
	return next, found, nil
}

func (s *Store) AddSpace(ctx context.Context, space string) error {
	if err := cache.CtxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return cache.NewStorageError(backendName, "addspace", space, "", cache.ErrClosed)
	}
	if _, ok := s.spaces[space]; !ok {
		s.spaces[space] = make(map[string]entry)
	}
	return nil
}

func (s *Store) DeleteSpace(ctx context.Context, space string) error {
	if err := cache.CtxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return cache.NewStorageError(backendName, "deletespace", space, "", cache.ErrClosed)
	}
	delete(s.spaces, space)
	return nil
}

func (s *Store) HasSpace(ctx context.Context, space string) (bool, error) {
	if err := cache.CtxErr(ctx); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, cache.NewStorageError(backendName, "hasspace", space, "", cache.ErrClosed)
	}
	_, ok := s.spaces[space]
	return ok, nil
}

func (s *Store) KeysSpaces(ctx context.Context) ([]string, error) {
	if err := cache.CtxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, cache.NewStorageError(backendName, "keysspaces", "", "", cache.ErrClosed)
	}
	names := make([]string, 0, len(s.spaces))
	for name := range s.spaces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) SizeSpaces(ctx context.Context) (int, error) {
	if err := cache.CtxErr(ctx); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, cache.NewStorageError(backendName, "sizespaces", "", "", cache.ErrClosed)
	}
	return len(s.spaces), nil
}

func (s *Store) ForEachSpace(ctx context.Context, fn func(string) error) error {
	names, err := s.KeysSpaces(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := fn(name); err != nil {
			return err
		}
	}
	return nil
}

// Close drops all data. Further calls fail with cache.ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.spaces = make(map[string]map[string]entry)
	return nil
}
