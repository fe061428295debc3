// Package redis implements cache.Backend over the Redis RESP protocol. Each
// space is a hash at <prefix>space:<name>; the set <prefix>spaces records
// which spaces exist, so an empty space survives Redis dropping empty hashes.
package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/chrisbrine/ncache/cache"
	"github.com/chrisbrine/ncache/internal/record"
	"github.com/chrisbrine/ncache/internal/registry"
)

const backendName = "redis"

// setScript writes a field only if the space is registered.
const setScript = `if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 0 then return 0 end
redis.call('HSET', KEYS[2], ARGV[2], ARGV[3])
return 1`

// purgeScript deletes a field only if it still holds the observed payload.
const purgeScript = `if redis.call('HGET', KEYS[1], ARGV[1]) == ARGV[2] then
return redis.call('HDEL', KEYS[1], ARGV[1])
end
return 0`

// renameScript moves a space's hash and membership. It returns -1 when the
// source is not registered and -2 when the target already is.
const renameScript = `if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 0 then return -1 end
if redis.call('SISMEMBER', KEYS[1], ARGV[2]) == 1 then return -2 end
redis.call('DEL', KEYS[3])
if redis.call('EXISTS', KEYS[2]) == 1 then redis.call('RENAME', KEYS[2], KEYS[3]) end
redis.call('SREM', KEYS[1], ARGV[1])
redis.call('SADD', KEYS[1], ARGV[2])
return 1`

// clearScript empties a registered space, keeping its membership.
const clearScript = `if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 0 then return 0 end
redis.call('DEL', KEYS[2])
return 1`

var stores registry.Registry[identity, *Store]

// Store is a Redis-backed cache.Backend. Connections are dialed lazily and
// pooled.
type Store struct {
	opts   Options
	pool   chan *conn
	closed atomic.Bool
}

var (
	_ cache.Backend      = (*Store)(nil)
	_ cache.SpaceRenamer = (*Store)(nil)
	_ cache.SpaceClearer = (*Store)(nil)
)

// NewStore returns the Store for the server, database and prefix in opts.
// Callers asking for the same triple share one Store and its pool; the other
// options of later callers are ignored.
func NewStore(opts Options) *Store {
	cfg := opts.withDefaults()
	s, _, _ := stores.GetOrCreate(cfg.identity(), func() (*Store, error) {
		return &Store{opts: cfg, pool: make(chan *conn, cfg.PoolSize)}, nil
	})
	return s
}

// Options returns the effective options.
func (s *Store) Options() Options { return s.opts }

func (s *Store) spacesKey() string { return s.opts.Prefix + "spaces" }

func (s *Store) hashKey(space string) string { return s.opts.Prefix + "space:" + space }

func (s *Store) check(ctx context.Context, op, space, key string) error {
	if s.closed.Load() {
		return cache.NewStorageError(backendName, op, space, key, cache.ErrClosed)
	}
	return cache.CtxErr(ctx)
}

// scoped runs cmd after confirming space exists, in one round-trip, and
// returns cmd's reply.
func (s *Store) scoped(ctx context.Context, op, space, key string, cmd ...string) (any, error) {
	replies, err := s.pipe(ctx, []string{"SISMEMBER", s.spacesKey(), space}, cmd)
	if err != nil {
		return nil, cache.NewStorageError(backendName, op, space, key, err)
	}
	member, err := asInt(replies[0])
	if err != nil {
		return nil, cache.NewStorageError(backendName, op, space, key, err)
	}
	if member == 0 {
		return nil, cache.NewStorageError(backendName, op, space, key, cache.ErrSpaceNotFound)
	}
	return replies[1], nil
}

func (s *Store) Get(ctx context.Context, space, key string) (cache.Value, bool, error) {
	if err := s.check(ctx, "get", space, key); err != nil {
		return cache.Value{}, false, err
	}
	resp, err := s.scoped(ctx, "get", space, key, "HGET", s.hashKey(space), key)
	if err != nil {
		return cache.Value{}, false, err
	}
	if resp == nil {
		return cache.Value{}, false, nil
	}
	raw, ok := resp.([]byte)
	if !ok {
		return cache.Value{}, false, cache.NewStorageError(backendName, "get", space, key,
			fmt.Errorf("redis: unexpected HGET response %T", resp))
	}
	rec, err := record.Unmarshal(raw)
	if err != nil {
		return cache.Value{}, false, cache.NewStorageError(backendName, "get", space, key, err)
	}
	if cache.Expired(s.opts.Now(), rec.ExpireAt()) {
		_, err := s.do(ctx, "EVAL", purgeScript, "1", s.hashKey(space), key, string(raw))
		return cache.Value{}, false, cache.NewStorageError(backendName, "get", space, key, err)
	}
	v, err := rec.Value()
	if err != nil {
		return cache.Value{}, false, cache.NewStorageError(backendName, "get", space, key, err)
	}
	return v, true, nil
}

func (s *Store) Set(ctx context.Context, space, key string, value cache.Value, ttl time.Duration) error {
	if err := s.check(ctx, "set", space, key); err != nil {
		return err
	}
	raw, err := record.Marshal(value, cache.ExpireAt(s.opts.Now(), ttl))
	if err != nil {
		return cache.NewStorageError(backendName, "set", space, key, err)
	}
	resp, err := s.do(ctx, "EVAL", setScript, "2", s.spacesKey(), s.hashKey(space), space, key, string(raw))
	if err != nil {
		return cache.NewStorageError(backendName, "set", space, key, err)
	}
	written, err := asInt(resp)
	if err != nil {
		return cache.NewStorageError(backendName, "set", space, key, err)
	}
	if written == 0 {
		return cache.NewStorageError(backendName, "set", space, key, cache.ErrSpaceNotFound)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, space, key string) error {
	if err := s.check(ctx, "delete", space, key); err != nil {
		return err
	}
	_, err := s.scoped(ctx, "delete", space, key, "HDEL", s.hashKey(space), key)
	return err
}

func (s *Store) Has(ctx context.Context, space, key string) (bool, error) {
	if err := s.check(ctx, "has", space, key); err != nil {
		return false, err
	}
	resp, err := s.scoped(ctx, "has", space, key, "HEXISTS", s.hashKey(space), key)
	if err != nil {
		return false, err
	}
	n, err := asInt(resp)
	if err != nil {
		return false, cache.NewStorageError(backendName, "has", space, key, err)
	}
	return n == 1, nil
}

func (s *Store) Size(ctx context.Context, space string) (int, error) {
	if err := s.check(ctx, "size", space, ""); err != nil {
		return 0, err
	}
	resp, err := s.scoped(ctx, "size", space, "", "HLEN", s.hashKey(space))
	if err != nil {
		return 0, err
	}
	n, err := asInt(resp)
	if err != nil {
		return 0, cache.NewStorageError(backendName, "size", space, "", err)
	}
	return int(n), nil
}

// Keys returns every stored key in byte order, expired or not.
func (s *Store) Keys(ctx context.Context, space string) ([]string, error) {
	if err := s.check(ctx, "keys", space, ""); err != nil {
		return nil, err
	}
	resp, err := s.scoped(ctx, "keys", space, "", "HKEYS", s.hashKey(space))
	if err != nil {
		return nil, err
	}
	keys, err := asStrings(resp)
	if err != nil {
		return nil, cache.NewStorageError(backendName, "keys", space, "", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// ForEach visits stored entries in key order without checking expiry.
func (s *Store) ForEach(ctx context.Context, space string, fn func(string, cache.Value) error) error {
	if err := s.check(ctx, "foreach", space, ""); err != nil {
		return err
	}
	resp, err := s.scoped(ctx, "foreach", space, "", "HGETALL", s.hashKey(space))
	if err != nil {
		return err
	}
	flat, err := asStrings(resp)
	if err != nil || len(flat)%2 != 0 {
		if err == nil {
			err = fmt.Errorf("redis: odd HGETALL reply length %d", len(flat))
		}
		return cache.NewStorageError(backendName, "foreach", space, "", err)
	}
	entries := make(map[string]cache.Value, len(flat)/2)
	keys := make([]string, 0, len(flat)/2)
	for i := 0; i < len(flat); i += 2 {
		rec, err := record.Unmarshal([]byte(flat[i+1]))
		if err != nil {
			return cache.NewStorageError(backendName, "foreach", space, flat[i], err)
		}
		v, err := rec.Value()
		if err != nil {
			return cache.NewStorageError(backendName, "foreach", space, flat[i], err)
		}
		keys = append(keys, flat[i])
		entries[flat[i]] = v
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := fn(k, entries[k]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) AddSpace(ctx context.Context, space string) error {
	if err := s.check(ctx, "addspace", space, ""); err != nil {
		return err
	}
	_, err := s.do(ctx, "SADD", s.spacesKey(), space)
	return cache.NewStorageError(backendName, "addspace", space, "", err)
}

func (s *Store) DeleteSpace(ctx context.Context, space string) error {
	if err := s.check(ctx, "deletespace", space, ""); err != nil {
		return err
	}
	_, err := s.pipe(ctx,
		[]string{"SREM", s.spacesKey(), space},
		[]string{"DEL", s.hashKey(space)},
	)
	return cache.NewStorageError(backendName, "deletespace", space, "", err)
}

// RenameSpace moves from to to atomically on the server.
func (s *Store) RenameSpace(ctx context.Context, from, to string) error {
	if err := s.check(ctx, "renamespace", from, ""); err != nil {
		return err
	}
	resp, err := s.do(ctx, "EVAL", renameScript, "3",
		s.spacesKey(), s.hashKey(from), s.hashKey(to), from, to)
	if err != nil {
		return cache.NewStorageError(backendName, "renamespace", from, "", err)
	}
	n, err := asInt(resp)
	switch {
	case err != nil:
		return cache.NewStorageError(backendName, "renamespace", from, "", err)
	case n == -1:
		return cache.NewStorageError(backendName, "renamespace", from, "", cache.ErrSpaceNotFound)
	case n == -2:
		return cache.NewStorageError(backendName, "renamespace", to, "", cache.ErrSpaceExists)
	}
	return nil
}

func (s *Store) Clear(ctx context.Context, space string) error {
	if err := s.check(ctx, "clear", space, ""); err != nil {
		return err
	}
	resp, err := s.do(ctx, "EVAL", clearScript, "2", s.spacesKey(), s.hashKey(space), space)
	if err != nil {
		return cache.NewStorageError(backendName, "clear", space, "", err)
	}
	n, err := asInt(resp)
	if err == nil && n == 0 {
		err = cache.ErrSpaceNotFound
	}
	return cache.NewStorageError(backendName, "clear", space, "", err)
}

func (s *Store) HasSpace(ctx context.Context, space string) (bool, error) {
	if err := s.check(ctx, "hasspace", space, ""); err != nil {
		return false, err
	}
	resp, err := s.do(ctx, "SISMEMBER", s.spacesKey(), space)
	if err != nil {
		return false, cache.NewStorageError(backendName, "hasspace", space, "", err)
	}
	n, err := asInt(resp)
	if err != nil {
		return false, cache.NewStorageError(backendName, "hasspace", space, "", err)
	}
	return n == 1, nil
}

func (s *Store) KeysSpaces(ctx context.Context) ([]string, error) {
	if err := s.check(ctx, "keysspaces", "", ""); err != nil {
		return nil, err
	}
	resp, err := s.do(ctx, "SMEMBERS", s.spacesKey())
	if err != nil {
		return nil, cache.NewStorageError(backendName, "keysspaces", "", "", err)
	}
	names, err := asStrings(resp)
	if err != nil {
		return nil, cache.NewStorageError(backendName, "keysspaces", "", "", err)
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) SizeSpaces(ctx context.Context) (int, error) {
	if err := s.check(ctx, "sizespaces", "", ""); err != nil {
		return 0, err
	}
	resp, err := s.do(ctx, "SCARD", s.spacesKey())
	if err != nil {
		return 0, cache.NewStorageError(backendName, "sizespaces", "", "", err)
	}
	n, err := asInt(resp)
	if err != nil {
		return 0, cache.NewStorageError(backendName, "sizespaces", "", "", err)
	}
	return int(n), nil
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

// Close drops pooled connections and unregisters the Store. Data stays on the
// server; a later NewStore with the same identity starts a fresh pool.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	stores.RemoveFunc(func(_ identity, v *Store) bool { return v == s })
	s.drain()
	return nil
}

// String identifies the store in logs.
func (s *Store) String() string {
	return "redis://" + s.opts.Addr + "/" + strconv.Itoa(s.opts.DB) + "?prefix=" + s.opts.Prefix
}
