package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/chrisbrine/ncache/cache"
	"github.com/chrisbrine/ncache/cache/boltstore"
	"github.com/chrisbrine/ncache/cache/memory"
	"github.com/chrisbrine/ncache/cache/redis"
	"github.com/chrisbrine/ncache/cache/sqlstore"
)

func TestResolved(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want Driver
	}{
		{"zero", Config{}, DriverMemory},
		{"locator implies sql", Config{SQL: sqlstore.Config{Locator: "a.db"}}, DriverSQL},
		{"bolt path implies bolt", Config{Bolt: BoltConfig{Path: "a.bolt"}}, DriverBolt},
		{"sqlite alias", Config{Driver: "SQLite"}, DriverSQL},
		{"postgres alias", Config{Driver: "postgres"}, DriverSQL},
		{"explicit redis", Config{Driver: DriverRedis}, DriverRedis},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.cfg.Resolved())
		})
	}
}

func TestValidate(t *testing.T) {
	var cfgErr *cache.ConfigurationError
	require.ErrorAs(t, Config{Driver: "cassandra"}.Validate(), &cfgErr)
	assert.Equal(t, "storage.driver", cfgErr.Field)
	require.ErrorAs(t, Config{Driver: DriverBolt}.Validate(), &cfgErr)
	assert.NoError(t, Config{}.Validate())
}

func TestOpenDrivers(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	mr := miniredis.RunT(t)

	b, err := Open(ctx, Config{})
	require.NoError(t, err)
	assert.IsType(t, &memory.Store{}, b)

	b, err = Open(ctx, Config{SQL: sqlstore.Config{Locator: filepath.Join(dir, "c.db")}})
	require.NoError(t, err)
	assert.IsType(t, &sqlstore.Store{}, b)
	t.Cleanup(func() { _ = b.Close() })

	bolt, err := Open(ctx, Config{Bolt: BoltConfig{Path: filepath.Join(dir, "c.bolt")}})
	require.NoError(t, err)
	assert.IsType(t, &boltstore.Store{}, bolt)
	t.Cleanup(func() { _ = bolt.Close() })

	r, err := Open(ctx, Config{Driver: DriverRedis, Redis: redis.Options{Addr: mr.Addr()}})
	require.NoError(t, err)
	assert.IsType(t, &redis.Store{}, r)
	t.Cleanup(func() { _ = r.Close() })
	require.NoError(t, r.AddSpace(ctx, "ns"))
}

func TestOpenSameConfigTwice(t *testing.T) {
	ctx := context.Background()
	cfg := Config{SQL: sqlstore.Config{Locator: filepath.Join(t.TempDir(), "same.db"), TablePrefix: "p_"}}
	a, err := Open(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	b, err := Open(ctx, cfg)
	require.NoError(t, err)
	assert.Same(t, a, b)
}

func TestYAML(t *testing.T) {
	var cfg Config
	doc := `
driver: sql
sql: postgres://cache:secret@db/cache?sslmode=disable
redis:
  addr: 10.0.0.1:6379
  read_timeout: 3s
`
	require.NoError(t, yaml.Unmarshal([]byte(doc), &cfg))
	assert.Equal(t, DriverSQL, cfg.Resolved())
	assert.Equal(t, "postgres://cache:secret@db/cache?sslmode=disable", cfg.SQL.Locator)
	assert.Equal(t, "10.0.0.1:6379", cfg.Redis.Addr)
	assert.Equal(t, "3s", cfg.Redis.ReadTimeout.String())
}
