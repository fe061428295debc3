// Package sqlstore implements cache.Backend on SQL tables, one table per space.
// Locators beginning with postgres:// (or carrying a host= DSN) are served by
// lib/pq; everything else is a SQLite path served by modernc.org/sqlite.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chrisbrine/ncache/cache"
	"github.com/chrisbrine/ncache/internal/registry"
)

const backendName = "sqlstore"

// conn is one shared database handle. Every Store opened on the same locator
// uses the same conn.
type conn struct {
	locator string
	db      *sql.DB
	dialect dialect
	closed  atomic.Bool
	once    sync.Once
}

var (
	connections registry.Registry[string, *conn]
	stores      registry.Registry[Config, *Store]
)

// Option customizes a Store. Options only apply when Open constructs a new
// instance; a reused instance keeps the options it was built with.
type Option func(*Store)

// WithClock overrides the time source used for expiry.
func WithClock(now cache.Clock) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Store is a persisted backend bound to one connection and one table prefix.
type Store struct {
	cfg  Config
	conn *conn
	now  cache.Clock
}

var (
	_ cache.Backend      = (*Store)(nil)
	_ cache.SpaceRenamer = (*Store)(nil)
	_ cache.SpaceClearer = (*Store)(nil)
	_ cache.KeyCursor    = (*Store)(nil)
)

// Open returns the Store for cfg, creating the connection and instance on first
// use. Equal configurations yield the same *Store until it is closed; a closed
// instance still registered by a Close in progress is never handed out.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	cfg = cfg.Normalize()
	d, err := cfg.dialect()
	if err != nil {
		return nil, err
	}
	for {
		s, _, err := stores.GetOrCreate(cfg, func() (*Store, error) {
			c, err := liveConn(ctx, cfg.Locator, d)
			if err != nil {
				return nil, cache.NewStorageError(backendName, "open", "", "", err)
			}
			s := &Store{cfg: cfg, conn: c, now: time.Now}
			for _, opt := range opts {
				if opt != nil {
					opt(s)
				}
			}
			return s, nil
		})
		if err != nil {
			return nil, err
		}
		if !s.conn.closed.Load() {
			return s, nil
		}
		stores.RemoveFunc(func(_ Config, st *Store) bool { return st == s })
	}
}

// liveConn returns the shared connection for locator, replacing one that is
// already closed.
func liveConn(ctx context.Context, locator string, d dialect) (*conn, error) {
	for {
		c, _, err := connections.GetOrCreate(locator, func() (*conn, error) {
			db, err := d.open(ctx, locator)
			if err != nil {
				return nil, err
			}
			return &conn{locator: locator, db: db, dialect: d}, nil
		})
		if err != nil || !c.closed.Load() {
			return c, err
		}
		connections.RemoveFunc(func(_ string, v *conn) bool { return v == c })
	}
}

// Connections reports the number of open shared database handles.
func Connections() int { return connections.Len() }

// Instances reports the number of live Store instances.
func Instances() int { return stores.Len() }

// Config returns the normalized configuration the Store was opened with.
func (s *Store) Config() Config { return s.cfg }

// Dialect names the SQL engine serving the Store.
func (s *Store) Dialect() string { return s.conn.dialect.name() }

func (s *Store) table(space string) string { return s.cfg.TablePrefix + space }

// stmt renders query for space. Placeholders are rewritten before the quoted
// table name is inserted so identifiers never reach bind.
func (s *Store) stmt(query, space string) string {
	d := s.conn.dialect
	return fmt.Sprintf(d.bind(query), d.quote(s.table(space)))
}

// check guards every operation against a closed connection and a done context.
func (s *Store) check(ctx context.Context, op, space, key string) error {
	if s.conn.closed.Load() {
		return cache.NewStorageError(backendName, op, space, key, cache.ErrClosed)
	}
	return cache.CtxErr(ctx)
}

func (s *Store) fail(op, space, key string, err error) error {
	if s.conn.dialect.missingTable(err) {
		err = fmt.Errorf("%w: %v", cache.ErrSpaceNotFound, err)
	}
	return cache.NewStorageError(backendName, op, space, key, err)
}

func (s *Store) Get(ctx context.Context, space, key string) (cache.Value, bool, error) {
	if err := s.check(ctx, "get", space, key); err != nil {
		return cache.Value{}, false, err
	}
	var (
		text   string
		expire int64
		kind   string
	)
	err := s.conn.db.QueryRowContext(ctx,
		s.stmt(`SELECT value, expire, type FROM %s WHERE name = ?`, space), key,
	).Scan(&text, &expire, &kind)
	if errors.Is(err, sql.ErrNoRows) {
		return cache.Value{}, false, nil
	}
	if err != nil {
		return cache.Value{}, false, s.fail("get", space, key, err)
	}

	if cache.Expired(s.now(), cache.FromExpireMillis(expire)) {
		// Guard on expire so a concurrent rewrite of the key survives.
		_, err := s.conn.db.ExecContext(ctx,
			s.stmt(`DELETE FROM %s WHERE name = ? AND expire = ?`, space), key, expire)
		if err != nil {
			return cache.Value{}, false, s.fail("get", space, key, err)
		}
		return cache.Value{}, false, nil
	}

	k, err := cache.ParseKind(kind)
	if err != nil {
		return cache.Value{}, false, s.fail("get", space, key, err)
	}
	v, err := cache.Decode(k, text)
	if err != nil {
		return cache.Value{}, false, s.fail("get", space, key, err)
	}
	return v, true, nil
}

func (s *Store) Set(ctx context.Context, space, key string, value cache.Value, ttl time.Duration) error {
	if err := s.check(ctx, "set", space, key); err != nil {
		return err
	}
	kind, text, err := cache.Encode(value)
	if err != nil {
		return cache.NewStorageError(backendName, "set", space, key, err)
	}
	expire := cache.ExpireMillis(cache.ExpireAt(s.now(), ttl))
	_, err = s.conn.db.ExecContext(ctx, s.stmt(`INSERT INTO %s (space, name, value, expire, type)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			space = excluded.space,
			value = excluded.value,
			expire = excluded.expire,
			type = excluded.type`, space),
		space, key, text, expire, kind.String())
	return s.fail("set", space, key, err)
}

func (s *Store) Delete(ctx context.Context, space, key string) error {
	if err := s.check(ctx, "delete", space, key); err != nil {
		return err
	}
	_, err := s.conn.db.ExecContext(ctx, s.stmt(`DELETE FROM %s WHERE name = ?`, space), key)
	return s.fail("delete", space, key, err)
}

func (s *Store) Has(ctx context.Context, space, key string) (bool, error) {
	if err := s.check(ctx, "has", space, key); err != nil {
		return false, err
	}
	var n int
	err := s.conn.db.QueryRowContext(ctx,
		s.stmt(`SELECT COUNT(*) FROM %s WHERE name = ?`, space), key,
	).Scan(&n)
	if err != nil {
		return false, s.fail("has", space, key, err)
	}
	return n > 0, nil
}

func (s *Store) Size(ctx context.Context, space string) (int, error) {
	if err := s.check(ctx, "size", space, ""); err != nil {
		return 0, err
	}
	var n int
	if err := s.conn.db.QueryRowContext(ctx, s.stmt(`SELECT COUNT(*) FROM %s`, space)).Scan(&n); err != nil {
		return 0, s.fail("size", space, "", err)
	}
	return n, nil
}

// Keys returns every stored key of space, expired or not, in byte order.
func (s *Store) Keys(ctx context.Context, space string) ([]string, error) {
	if err := s.check(ctx, "keys", space, ""); err != nil {
		return nil, err
	}
	rows, err := s.conn.db.QueryContext(ctx, s.stmt(`SELECT name FROM %s`, space))
	if err != nil {
		return nil, s.fail("keys", space, "", err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, s.fail("keys", space, "", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("keys", space, "", err)
	}
	// Collation differs per engine; sort here for one ordering everywhere.
	sort.Strings(keys)
	return keys, nil
}

type row struct {
	key   string
	value cache.Value
}

// ForEach visits every stored entry in key order without checking expiry. Rows
// are read fully before fn runs, so fn may call back into the Store even on a
// single-connection pool.
func (s *Store) ForEach(ctx context.Context, space string, fn func(string, cache.Value) error) error {
	if err := s.check(ctx, "foreach", space, ""); err != nil {
		return err
	}
	entries, err := s.scan(ctx, space)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := fn(e.key, e.value); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) scan(ctx context.Context, space string) ([]row, error) {
	rows, err := s.conn.db.QueryContext(ctx, s.stmt(`SELECT name, value, type FROM %s`, space))
	if err != nil {
		return nil, s.fail("foreach", space, "", err)
	}
	defer rows.Close()

	var out []row
	for rows.Next() {
		var name, text, kind string
		if err := rows.Scan(&name, &text, &kind); err != nil {
			return nil, s.fail("foreach", space, "", err)
		}
		k, err := cache.ParseKind(kind)
		if err != nil {
			return nil, s.fail("foreach", space, name, err)
		}
		v, err := cache.Decode(k, text)
		if err != nil {
			return nil, s.fail("foreach", space, name, err)
		}
		out = append(out, row{key: name, value: v})
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("foreach", space, "", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out, nil
}

// NextKey seeks the first key above after in byte order.
func (s *Store) NextKey(ctx context.Context, space, after string) (string, bool, error) {
	if err := s.check(ctx, "nextkey", space, after); err != nil {
		return "", false, err
	}
	col := s.conn.dialect.bytewise("name")
	var key string
	err := s.conn.db.QueryRowContext(ctx,
		s.stmt(`SELECT name FROM %s WHERE `+col+` > ? ORDER BY `+col+` LIMIT 1`, space), after,
	).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, s.fail("nextkey", space, after, err)
	}
	return key, true, nil
}

// Clear deletes every row of the space's table.
func (s *Store) Clear(ctx context.Context, space string) error {
	if err := s.check(ctx, "clear", space, ""); err != nil {
		return err
	}
	_, err := s.conn.db.ExecContext(ctx, s.stmt(`DELETE FROM %s`, space))
	return s.fail("clear", space, "", err)
}

// RenameSpace renames the space's table and rewrites the space column, in one
// transaction.
func (s *Store) RenameSpace(ctx context.Context, from, to string) error {
	if err := s.check(ctx, "renamespace", from, ""); err != nil {
		return err
	}
	tx, err := s.conn.db.BeginTx(ctx, nil)
	if err != nil {
		return cache.NewStorageError(backendName, "renamespace", from, "", err)
	}
	defer func() { _ = tx.Rollback() }()

	exists := func(space string) (bool, error) {
		var n int
		err := tx.QueryRowContext(ctx, s.conn.dialect.tableExists(), s.table(space)).Scan(&n)
		return n > 0, err
	}
	ok, err := exists(from)
	if err == nil && !ok {
		err = cache.ErrSpaceNotFound
	}
	if err != nil {
		return cache.NewStorageError(backendName, "renamespace", from, "", err)
	}
	if ok, err = exists(to); err == nil && ok {
		err = cache.ErrSpaceExists
	}
	if err != nil {
		return cache.NewStorageError(backendName, "renamespace", to, "", err)
	}

	d := s.conn.dialect
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %s RENAME TO %s`,
		d.quote(s.table(from)), d.quote(s.table(to)))); err != nil {
		return cache.NewStorageError(backendName, "renamespace", from, "", err)
	}
	if _, err := tx.ExecContext(ctx, s.stmt(`UPDATE %s SET space = ?`, to), to); err != nil {
		return cache.NewStorageError(backendName, "renamespace", to, "", err)
	}
	return cache.NewStorageError(backendName, "renamespace", from, "", tx.Commit())
}

func (s *Store) AddSpace(ctx context.Context, space string) error {
	if err := s.check(ctx, "addspace", space, ""); err != nil {
		return err
	}
	err := s.conn.dialect.createTable(ctx, s.conn.db, s.table(space))
	return cache.NewStorageError(backendName, "addspace", space, "", err)
}

// DeleteSpace drops the space's table.
func (s *Store) DeleteSpace(ctx context.Context, space string) error {
	if err := s.check(ctx, "deletespace", space, ""); err != nil {
		return err
	}
	_, err := s.conn.db.ExecContext(ctx, s.stmt(`DROP TABLE IF EXISTS %s`, space))
	return cache.NewStorageError(backendName, "deletespace", space, "", err)
}

// HasSpace consults the catalog, so an empty space still exists.
func (s *Store) HasSpace(ctx context.Context, space string) (bool, error) {
	if err := s.check(ctx, "hasspace", space, ""); err != nil {
		return false, err
	}
	var n int
	err := s.conn.db.QueryRowContext(ctx, s.conn.dialect.tableExists(), s.table(space)).Scan(&n)
	if err != nil {
		return false, cache.NewStorageError(backendName, "hasspace", space, "", err)
	}
	return n > 0, nil
}

// KeysSpaces lists tables carrying the Store's prefix, prefix stripped.
func (s *Store) KeysSpaces(ctx context.Context) ([]string, error) {
	if err := s.check(ctx, "keysspaces", "", ""); err != nil {
		return nil, err
	}
	rows, err := s.conn.db.QueryContext(ctx, s.conn.dialect.listTables())
	if err != nil {
		return nil, cache.NewStorageError(backendName, "keysspaces", "", "", err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var table string
		if err := rows.Scan(&table); err != nil {
			return nil, cache.NewStorageError(backendName, "keysspaces", "", "", err)
		}
		space, ok := strings.CutPrefix(table, s.cfg.TablePrefix)
		if !ok || space == "" {
			continue
		}
		names = append(names, space)
	}
	if err := rows.Err(); err != nil {
		return nil, cache.NewStorageError(backendName, "keysspaces", "", "", err)
	}
	sort.Strings(names)
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

// Close closes the shared connection and forgets every Store that used it.
// Other holders of those Stores see cache.ErrClosed from then on. A later Open
// with the same configuration builds a fresh connection.
func (s *Store) Close() error {
	return s.conn.close()
}

func (c *conn) close() error {
	var err error
	c.once.Do(func() {
		c.closed.Store(true)
		stores.RemoveFunc(func(_ Config, st *Store) bool { return st.conn == c })
		connections.RemoveFunc(func(_ string, v *conn) bool { return v == c })
		if cerr := c.db.Close(); cerr != nil {
			err = cache.NewStorageError(backendName, "close", "", "", cerr)
		}
	})
	return err
}
