// Package boltstore implements cache.Backend on a bbolt file, one bucket per
// space. Entries are msgpack envelopes carrying kind, data and expiry.
package boltstore

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"
	bolterrors "go.etcd.io/bbolt/errors"

	"github.com/chrisbrine/ncache/cache"
	"github.com/chrisbrine/ncache/internal/record"
	"github.com/chrisbrine/ncache/internal/registry"
)

const backendName = "bolt"

// handle is one open file. bbolt holds an exclusive file lock, so a process
// keeps a single handle per path and every Store on that path shares it.
type handle struct {
	path   string
	db     *bolt.DB
	closed atomic.Bool
	once   sync.Once
}

type instanceKey struct {
	path   string
	prefix string
}

var (
	handles registry.Registry[string, *handle]
	stores  registry.Registry[instanceKey, *Store]
)

// Options configures Open.
type Options struct {
	// Prefix is prepended to every space's bucket name.
	Prefix string
	// Timeout bounds the wait for the file lock.
	Timeout time.Duration
	Now     cache.Clock
}

type Option func(*Options)

func WithPrefix(prefix string) Option {
	return func(o *Options) {
		o.Prefix = prefix
	}
}

func WithTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.Timeout = d
		}
	}
}

// WithClock overrides the time source used for expiry.
func WithClock(now cache.Clock) Option {
	return func(o *Options) {
		if now != nil {
			o.Now = now
		}
	}
}

func defaultOptions() Options {
	return Options{Timeout: time.Second, Now: time.Now}
}

// Store is a bbolt-backed cache.Backend bound to one file and bucket prefix.
type Store struct {
	prefix string
	h      *handle
	now    cache.Clock
}

var (
	_ cache.Backend      = (*Store)(nil)
	_ cache.SpaceRenamer = (*Store)(nil)
	_ cache.SpaceClearer = (*Store)(nil)
	_ cache.KeyCursor    = (*Store)(nil)
	_ cache.SpaceCursor  = (*Store)(nil)
)

// Open returns the Store for path and prefix, opening the file on first use.
// Timeout and clock only apply when the Store is first built.
func Open(path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, &cache.ConfigurationError{Field: "path", Reason: "required"}
	}
	cfg := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	key := filepath.Clean(path)
	if abs, err := filepath.Abs(key); err == nil {
		key = abs
	}
	ik := instanceKey{path: key, prefix: cfg.Prefix}
	for {
		s, _, err := stores.GetOrCreate(ik, func() (*Store, error) {
			h, err := liveHandle(key, cfg.Timeout)
			if err != nil {
				return nil, err
			}
			return &Store{prefix: cfg.Prefix, h: h, now: cfg.Now}, nil
		})
		if err != nil {
			return nil, err
		}
		if !s.h.closed.Load() {
			return s, nil
		}
		// Close is between marking the handle and unregistering it.
		stores.RemoveFunc(func(_ instanceKey, st *Store) bool { return st == s })
	}
}

func liveHandle(path string, timeout time.Duration) (*handle, error) {
	for {
		h, _, err := handles.GetOrCreate(path, func() (*handle, error) {
			db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: timeout})
			if err != nil {
				return nil, cache.NewStorageError(backendName, "open", "", "", err)
			}
			return &handle{path: path, db: db}, nil
		})
		if err != nil || !h.closed.Load() {
			return h, err
		}
		handles.RemoveFunc(func(_ string, v *handle) bool { return v == h })
	}
}

// Path returns the absolute database file path.
func (s *Store) Path() string { return s.h.path }

func (s *Store) name(space string) []byte { return []byte(s.prefix + space) }

func (s *Store) check(ctx context.Context, op, space, key string) error {
	if s.h.closed.Load() {
		return cache.NewStorageError(backendName, op, space, key, cache.ErrClosed)
	}
	return cache.CtxErr(ctx)
}

// bucket returns the space's bucket or ErrSpaceNotFound.
func (s *Store) bucket(tx *bolt.Tx, space string) (*bolt.Bucket, error) {
	b := tx.Bucket(s.name(space))
	if b == nil {
		return nil, cache.ErrSpaceNotFound
	}
	return b, nil
}

func (s *Store) Get(ctx context.Context, space, key string) (cache.Value, bool, error) {
	if err := s.check(ctx, "get", space, key); err != nil {
		return cache.Value{}, false, err
	}
	var raw []byte
	err := s.h.db.View(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx, space)
		if err != nil {
			return err
		}
		if v := b.Get([]byte(key)); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return cache.Value{}, false, cache.NewStorageError(backendName, "get", space, key, err)
	}
	if raw == nil {
		return cache.Value{}, false, nil
	}
	rec, err := record.Unmarshal(raw)
	if err != nil {
		return cache.Value{}, false, cache.NewStorageError(backendName, "get", space, key, err)
	}
	if cache.Expired(s.now(), rec.ExpireAt()) {
		err := s.h.db.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket(s.name(space))
			if b == nil {
				return nil
			}
			// Only purge what we observed; a concurrent Set wins.
			if cur := b.Get([]byte(key)); cur != nil && bytes.Equal(cur, raw) {
				return b.Delete([]byte(key))
			}
			return nil
		})
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
	raw, err := record.Marshal(value, cache.ExpireAt(s.now(), ttl))
	if err != nil {
		return cache.NewStorageError(backendName, "set", space, key, err)
	}
	err = s.h.db.Update(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx, space)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), raw)
	})
	return cache.NewStorageError(backendName, "set", space, key, err)
}

func (s *Store) Delete(ctx context.Context, space, key string) error {
	if err := s.check(ctx, "delete", space, key); err != nil {
		return err
	}
	err := s.h.db.Update(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx, space)
		if err != nil {
			return err
		}
		return b.Delete([]byte(key))
	})
	return cache.NewStorageError(backendName, "delete", space, key, err)
}

func (s *Store) Has(ctx context.Context, space, key string) (bool, error) {
	if err := s.check(ctx, "has", space, key); err != nil {
		return false, err
	}
	var ok bool
	err := s.h.db.View(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx, space)
		if err != nil {
			return err
		}
		ok = b.Get([]byte(key)) != nil
		return nil
	})
	return ok, cache.NewStorageError(backendName, "has", space, key, err)
}

func (s *Store) Size(ctx context.Context, space string) (int, error) {
	if err := s.check(ctx, "size", space, ""); err != nil {
		return 0, err
	}
	var n int
	err := s.h.db.View(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx, space)
		if err != nil {
			return err
		}
		n = b.Stats().KeyN
		return nil
	})
	return n, cache.NewStorageError(backendName, "size", space, "", err)
}

// Keys returns every stored key in byte order, expired or not.
func (s *Store) Keys(ctx context.Context, space string) ([]string, error) {
	if err := s.check(ctx, "keys", space, ""); err != nil {
		return nil, err
	}
	keys := []string{}
	err := s.h.db.View(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx, space)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, cache.NewStorageError(backendName, "keys", space, "", err)
	}
	return keys, nil
}

// ForEach visits stored entries in key order without checking expiry. The
// bucket is read inside one transaction and fn runs after it ends, so fn may
// write to the Store.
func (s *Store) ForEach(ctx context.Context, space string, fn func(string, cache.Value) error) error {
	if err := s.check(ctx, "foreach", space, ""); err != nil {
		return err
	}
	var (
		keys   []string
		values []cache.Value
	)
	err := s.h.db.View(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx, space)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, raw []byte) error {
			rec, err := record.Unmarshal(raw)
			if err != nil {
				return err
			}
			v, err := rec.Value()
			if err != nil {
				return err
			}
			keys = append(keys, string(k))
			values = append(values, v)
			return nil
		})
	})
	if err != nil {
		return cache.NewStorageError(backendName, "foreach", space, "", err)
	}
	for i, k := range keys {
		if err := fn(k, values[i]); err != nil {
			return err
		}
	}
	return nil
}

// NextKey seeks the bucket cursor to the first key above after.
func (s *Store) NextKey(ctx context.Context, space, after string) (string, bool, error) {
	if err := s.check(ctx, "nextkey", space, after); err != nil {
		return "", false, err
	}
	var next []byte
	err := s.h.db.View(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx, space)
		if err != nil {
			return err
		}
		c := b.Cursor()
		k, _ := c.Seek([]byte(after))
		if k != nil && string(k) == after {
			k, _ = c.Next()
		}
		next = bytes.Clone(k)
		return nil
	})
	if err != nil {
		return "", false, cache.NewStorageError(backendName, "nextkey", space, after, err)
	}
	return string(next), next != nil, nil
}

// NextSpace walks the root cursor within the prefix.
func (s *Store) NextSpace(ctx context.Context, after string) (string, bool, error) {
	if err := s.check(ctx, "nextspace", "", ""); err != nil {
		return "", false, err
	}
	var (
		next  string
		found bool
	)
	err := s.h.db.View(func(tx *bolt.Tx) error {
		c := tx.Cursor()
		seek := s.name(after)
		k, _ := c.Seek(seek)
		if k != nil && bytes.Equal(k, seek) {
			k, _ = c.Next()
		}
		if space, ok := strings.CutPrefix(string(k), s.prefix); k != nil && ok && space != "" {
			next, found = space, true
		}
		return nil
	})
	if err != nil {
		return "", false, cache.NewStorageError(backendName, "nextspace", "", "", err)
	}
	return next, found, nil
}

// Clear replaces the space's bucket with an empty one.
func (s *Store) Clear(ctx context.Context, space string) error {
	if err := s.check(ctx, "clear", space, ""); err != nil {
		return err
	}
	err := s.h.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(s.name(space)); err != nil {
			if errors.Is(err, bolterrors.ErrBucketNotFound) {
				return cache.ErrSpaceNotFound
			}
			return err
		}
		_, err := tx.CreateBucket(s.name(space))
		return err
	})
	return cache.NewStorageError(backendName, "clear", space, "", err)
}

// RenameSpace copies the bucket under the new name and drops the old one in a
// single transaction. Envelopes are copied verbatim, expiry included.
func (s *Store) RenameSpace(ctx context.Context, from, to string) error {
	if err := s.check(ctx, "renamespace", from, ""); err != nil {
		return err
	}
	err := s.h.db.Update(func(tx *bolt.Tx) error {
		src, err := s.bucket(tx, from)
		if err != nil {
			return err
		}
		dst, err := tx.CreateBucket(s.name(to))
		if errors.Is(err, bolterrors.ErrBucketExists) {
			return cache.ErrSpaceExists
		}
		if err != nil {
			return err
		}
		if err := src.ForEach(func(k, v []byte) error {
			return dst.Put(bytes.Clone(k), bytes.Clone(v))
		}); err != nil {
			return err
		}
		return tx.DeleteBucket(s.name(from))
	})
	return cache.NewStorageError(backendName, "renamespace", from, "", err)
}

func (s *Store) AddSpace(ctx context.Context, space string) error {
	if err := s.check(ctx, "addspace", space, ""); err != nil {
		return err
	}
	err := s.h.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(s.name(space))
		return err
	})
	return cache.NewStorageError(backendName, "addspace", space, "", err)
}

func (s *Store) DeleteSpace(ctx context.Context, space string) error {
	if err := s.check(ctx, "deletespace", space, ""); err != nil {
		return err
	}
	err := s.h.db.Update(func(tx *bolt.Tx) error {
		err := tx.DeleteBucket(s.name(space))
		if errors.Is(err, bolterrors.ErrBucketNotFound) {
			return nil
		}
		return err
	})
	return cache.NewStorageError(backendName, "deletespace", space, "", err)
}

func (s *Store) HasSpace(ctx context.Context, space string) (bool, error) {
	if err := s.check(ctx, "hasspace", space, ""); err != nil {
		return false, err
	}
	var ok bool
	err := s.h.db.View(func(tx *bolt.Tx) error {
		ok = tx.Bucket(s.name(space)) != nil
		return nil
	})
	return ok, cache.NewStorageError(backendName, "hasspace", space, "", err)
}

// KeysSpaces lists buckets carrying the prefix, in byte order.
func (s *Store) KeysSpaces(ctx context.Context) ([]string, error) {
	if err := s.check(ctx, "keysspaces", "", ""); err != nil {
		return nil, err
	}
	names := []string{}
	err := s.h.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			if space, ok := strings.CutPrefix(string(name), s.prefix); ok && space != "" {
				names = append(names, space)
			}
			return nil
		})
	})
	if err != nil {
		return nil, cache.NewStorageError(backendName, "keysspaces", "", "", err)
	}
	return names, nil
}

func (s *Store) SizeSpaces(ctx context.Context) (int, error) {
	names, err := s.KeysSpaces(ctx)
	return len(names), err
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

// Close releases the file and forgets every Store sharing it. The path may be
// opened again afterwards.
func (s *Store) Close() error {
	return s.h.close()
}

func (h *handle) close() error {
	var err error
	h.once.Do(func() {
		h.closed.Store(true)
		stores.RemoveFunc(func(_ instanceKey, st *Store) bool { return st.h == h })
		handles.RemoveFunc(func(_ string, v *handle) bool { return v == h })
		err = cache.NewStorageError(backendName, "close", "", "", h.db.Close())
	})
	return err
}
