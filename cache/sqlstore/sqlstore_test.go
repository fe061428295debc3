package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/chrisbrine/ncache/cache"
	"github.com/chrisbrine/ncache/cache/backendtest"
	testpg "github.com/chrisbrine/ncache/internal/testutil/postgrescontainer"
)

var integration bool

func TestMain(m *testing.M) {
	if err := testpg.Setup(); err != nil {
		fmt.Println("postgres integration tests skipped:", err)
	} else {
		integration = true
	}
	code := m.Run()
	if integration {
		_ = testpg.Teardown()
	}
	os.Exit(code)
}

func openTemp(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{Locator: filepath.Join(t.TempDir(), "cache.db")}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestContractSQLite(t *testing.T) {
	backendtest.Run(t, func(t *testing.T, clock cache.Clock) cache.Backend {
		return openTemp(t, WithClock(clock))
	})
}

var prefixSeq atomic.Int64

func TestContractPostgres(t *testing.T) {
	if !integration {
		t.Skip("postgres container unavailable")
	}
	backendtest.Run(t, func(t *testing.T, clock cache.Clock) cache.Backend {
		cfg := Config{
			Locator:     testpg.DSN(),
			TablePrefix: fmt.Sprintf("t%d_%d_", time.Now().UnixNano(), prefixSeq.Add(1)),
		}
		s, err := Open(context.Background(), cfg, WithClock(clock))
		require.NoError(t, err)
		assert.Equal(t, "postgres", s.Dialect())
		t.Cleanup(func() {
			ctx := context.Background()
			_ = s.ForEachSpace(ctx, func(space string) error { return s.DeleteSpace(ctx, space) })
		})
		return s
	})
}

func TestOpenReusesInstanceAndConnection(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")
	conns := Connections()

	a, err := Open(ctx, Config{Locator: path, TablePrefix: "app_"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	b, err := Open(ctx, Config{Locator: path + "/.", TablePrefix: "app_"}.Normalize())
	require.NoError(t, err)
	assert.Same(t, a, b, "equal configurations must resolve to one instance")

	other, err := Open(ctx, Config{Locator: path, TablePrefix: "other_"})
	require.NoError(t, err)
	assert.NotSame(t, a, other)
	assert.Equal(t, conns+1, Connections(), "one connection per locator")

	require.NoError(t, a.AddSpace(ctx, "ns"))
	require.NoError(t, a.Set(ctx, "ns", "k", cache.String("v"), 0))
	v, ok, err := b.Get(ctx, "ns", "k")
	require.NoError(t, err)
	require.True(t, ok)
	s, _ := v.AsString()
	assert.Equal(t, "v", s)

	spaces, err := other.KeysSpaces(ctx)
	require.NoError(t, err)
	assert.Empty(t, spaces, "prefixes partition the database")
}

func TestCloseInvalidatesSharingInstances(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "close.db")
	a, err := Open(ctx, Config{Locator: path})
	require.NoError(t, err)
	b, err := Open(ctx, Config{Locator: path, TablePrefix: "p_"})
	require.NoError(t, err)
	require.NoError(t, a.AddSpace(ctx, "ns"))
	require.NoError(t, a.Set(ctx, "ns", "k", cache.Number(7), 0))

	require.NoError(t, a.Close())
	_, err = b.Size(ctx, "ns")
	assert.ErrorIs(t, err, cache.ErrClosed, "instances sharing the connection are closed too")

	reopened, err := Open(ctx, Config{Locator: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })
	assert.NotSame(t, a, reopened)
	v, ok, err := reopened.Get(ctx, "ns", "k")
	require.NoError(t, err)
	require.True(t, ok, "data persists across reconnects")
	n, _ := v.AsNumber()
	assert.Equal(t, 7.0, n)
}

func TestOpenSkipsClosingInstance(t *testing.T) {
	ctx := context.Background()
	cfg := Config{Locator: filepath.Join(t.TempDir(), "closing.db")}
	stale, err := Open(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = stale.conn.db.Close() })

	// A Close that has marked the connection but not yet unregistered it.
	stale.conn.closed.Store(true)

	fresh, err := Open(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fresh.Close() })
	assert.NotSame(t, stale, fresh)
	assert.NotSame(t, stale.conn, fresh.conn)
	require.NoError(t, fresh.AddSpace(ctx, "ns"))

	again, err := Open(ctx, cfg)
	require.NoError(t, err)
	assert.Same(t, fresh, again)
}

func TestRenameRewritesSpaceColumn(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	require.NoError(t, s.AddSpace(ctx, "from"))
	require.NoError(t, s.Set(ctx, "from", "k", cache.String("v"), 0))
	require.NoError(t, s.RenameSpace(ctx, "from", "to"))

	var space string
	require.NoError(t, s.conn.db.QueryRowContext(ctx, s.stmt(`SELECT space FROM %s`, "to")).Scan(&space))
	assert.Equal(t, "to", space)

	// The old name is free again.
	require.NoError(t, s.AddSpace(ctx, "from"))
	n, err := s.Size(ctx, "from")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMemoryLocator(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, Config{TablePrefix: "memtest_"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	assert.Equal(t, DefaultLocator, s.Config().Locator)
	assert.Equal(t, "sqlite", s.Dialect())

	require.NoError(t, s.AddSpace(ctx, "a"))
	require.NoError(t, s.Set(ctx, "a", "k", cache.Bool(false), 0))
	v, ok, err := s.Get(ctx, "a", "k")
	require.NoError(t, err)
	require.True(t, ok)
	b, isBool := v.AsBool()
	assert.True(t, isBool)
	assert.False(t, b)
}

func TestAwkwardSpaceNames(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	for _, space := range []string{`we"ird`, "with space", "q?mark", "drop table x;--"} {
		require.NoError(t, s.AddSpace(ctx, space), space)
		require.NoError(t, s.Set(ctx, space, "k", cache.String(space), 0), space)
		v, ok, err := s.Get(ctx, space, "k")
		require.NoError(t, err, space)
		require.True(t, ok, space)
		got, _ := v.AsString()
		assert.Equal(t, space, got)
	}
	names, err := s.KeysSpaces(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{`we"ird`, "with space", "q?mark", "drop table x;--"}, names)
}

func TestForEachCallbackMayReenter(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	require.NoError(t, s.AddSpace(ctx, "ns"))
	for _, k := range []string{"a", "b"} {
		require.NoError(t, s.Set(ctx, "ns", k, cache.Number(1), 0))
	}
	err := s.ForEach(ctx, "ns", func(key string, _ cache.Value) error {
		return s.Delete(ctx, "ns", key)
	})
	require.NoError(t, err)
	n, err := s.Size(ctx, "ns")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUnsupportedScheme(t *testing.T) {
	_, err := Open(context.Background(), Config{Locator: "mysql://localhost/cache"})
	var cfgErr *cache.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "locator", cfgErr.Field)
}

func TestConfigDialect(t *testing.T) {
	cases := []struct {
		locator string
		want    string
	}{
		{"postgres://u:p@localhost/db", "postgres"},
		{"POSTGRESQL://localhost/db", "postgres"},
		{"host=localhost dbname=cache sslmode=disable", "postgres"},
		{"/var/lib/ncache.db", "sqlite"},
		{"file:cache.db?cache=shared", "sqlite"},
		{":memory:", "sqlite"},
	}
	for _, tc := range cases {
		d, err := Config{Locator: tc.locator}.dialect()
		require.NoError(t, err, tc.locator)
		assert.Equal(t, tc.want, d.name(), tc.locator)
	}
}

func TestPostgresBind(t *testing.T) {
	got := postgresDialect{}.bind("SELECT a FROM %s WHERE x = ? AND y = ?")
	assert.Equal(t, "SELECT a FROM %s WHERE x = $1 AND y = $2", got)
}

func TestConfigShorthand(t *testing.T) {
	var fromYAML struct {
		Store Config `yaml:"store"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("store: /tmp/cache.db\n"), &fromYAML))
	assert.Equal(t, Config{Locator: "/tmp/cache.db"}, fromYAML.Store)

	require.NoError(t, yaml.Unmarshal([]byte("store:\n  locator: /tmp/x.db\n  table_prefix: app_\n"), &fromYAML))
	assert.Equal(t, Config{Locator: "/tmp/x.db", TablePrefix: "app_"}, fromYAML.Store)

	var fromJSON Config
	require.NoError(t, json.Unmarshal([]byte(`"postgres://localhost/db"`), &fromJSON))
	assert.Equal(t, "postgres://localhost/db", fromJSON.Locator)
	require.NoError(t, json.Unmarshal([]byte(`{"locator":"a.db","table_prefix":"p_"}`), &fromJSON))
	assert.Equal(t, Config{Locator: "a.db", TablePrefix: "p_"}, fromJSON)

	assert.Equal(t, DefaultLocator, Config{}.Normalize().Locator)
	assert.Equal(t, "dir/a.db", Config{Locator: " dir//a.db "}.Normalize().Locator)
}
