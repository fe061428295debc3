package namespace

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrisbrine/ncache/cache"
	"github.com/chrisbrine/ncache/cache/backendtest"
	"github.com/chrisbrine/ncache/cache/memory"
	"github.com/chrisbrine/ncache/cache/sqlstore"
	"github.com/chrisbrine/ncache/storage"
)

type backendCase struct {
	name string
	open func(t *testing.T, clock cache.Clock) cache.Backend
}

var backends = []backendCase{
	{"memory", func(t *testing.T, clock cache.Clock) cache.Backend {
		return memory.New(memory.WithClock(clock))
	}},
	{"sqlite", func(t *testing.T, clock cache.Clock) cache.Backend {
		s, err := sqlstore.Open(context.Background(),
			sqlstore.Config{Locator: filepath.Join(t.TempDir(), "ns.db")}, sqlstore.WithClock(clock))
		require.NoError(t, err)
		return s
	}},
}

func newManager(t *testing.T, cfg Config, b cache.Backend) *Manager {
	t.Helper()
	m, err := New(context.Background(), cfg, WithBackend(b))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestExampleScenario(t *testing.T) {
	for _, bc := range backends {
		t.Run(bc.name, func(t *testing.T) {
			ctx := context.Background()
			clock := backendtest.NewClock()
			m := newManager(t, Config{Default: "default", TTL: 1000 * time.Millisecond}, bc.open(t, clock.Now))

			ok, err := m.Set(ctx, "default", "a", cache.Number(42))
			require.NoError(t, err)
			require.True(t, ok)

			v, found, err := m.Get(ctx, "default", "a")
			require.NoError(t, err)
			require.True(t, found)
			n, _ := v.AsNumber()
			assert.Equal(t, 42.0, n)

			clock.Advance(1100 * time.Millisecond)

			_, found, err = m.Get(ctx, "default", "a")
			require.NoError(t, err)
			assert.False(t, found)

			size, err := m.Size(ctx, "default")
			require.NoError(t, err)
			assert.Zero(t, size)
		})
	}
}

func TestAutoVivification(t *testing.T) {
	for _, bc := range backends {
		t.Run(bc.name, func(t *testing.T) {
			ctx := context.Background()
			b := bc.open(t, time.Now)
			m := newManager(t, Config{}, b)

			ok, err := m.Set(ctx, "new-ns", "k", cache.String("v"))
			require.NoError(t, err)
			require.True(t, ok)
			has, err := m.Has(ctx, "new-ns")
			require.NoError(t, err)
			assert.True(t, has)

			_, found, err := m.Get(ctx, "never", "k")
			require.NoError(t, err)
			assert.False(t, found)
			require.NoError(t, m.Delete(ctx, "never", "k"))

			has, err = m.Has(ctx, "never")
			require.NoError(t, err)
			assert.False(t, has)
			exists, err := b.HasSpace(ctx, "never")
			require.NoError(t, err)
			assert.False(t, exists, "reads and deletes must not create the namespace")
		})
	}
}

func TestProtectedDenial(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	m := newManager(t, Config{Namespaces: []string{"allowed"}, Protected: true}, b)

	ok, err := m.Set(ctx, "x", "k", cache.String("v"))
	require.NoError(t, err)
	assert.False(t, ok, "denied writes report false, not an error")

	has, err := m.Has(ctx, "x")
	require.NoError(t, err)
	assert.False(t, has)
	exists, err := b.HasSpace(ctx, "x")
	require.NoError(t, err)
	assert.False(t, exists)

	ok, err = m.Set(ctx, "allowed", "k", cache.String("v"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"allowed", "default"}, m.Active(), "listed namespaces are created eagerly")
}

func TestProtectedIgnoresUnlistedStorage(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	require.NoError(t, b.AddSpace(ctx, "legacy"))
	require.NoError(t, b.Set(ctx, "legacy", "k", cache.String("old"), 0))

	m := newManager(t, Config{Protected: true}, b)
	_, found, err := m.Get(ctx, "legacy", "k")
	require.NoError(t, err)
	assert.False(t, found)

	names, err := m.Namespaces(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"default"}, names)
}

func TestExistingSpaceActivatesOnRead(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	require.NoError(t, b.AddSpace(ctx, "pre"))
	require.NoError(t, b.Set(ctx, "pre", "k", cache.Bool(true), 0))

	m := newManager(t, Config{}, b)
	v, found, err := m.Get(ctx, "pre", "k")
	require.NoError(t, err)
	require.True(t, found)
	got, _ := v.AsBool()
	assert.True(t, got)
	assert.Contains(t, m.Active(), "pre")
}

func TestAdd(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, Config{Protected: true}, memory.New())

	c, err := m.Add(ctx, "extra")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "extra", c.Space())
	assert.True(t, m.Config().Allows("extra"))

	ok, err := m.Set(ctx, "extra", "k", cache.Number(1))
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = m.Add(ctx, "")
	var cfgErr *cache.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestConcurrentResolveYieldsOneCache(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, Config{}, memory.New())

	const workers = 64
	got := make([]*cache.Cache, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			policy := CreateIfAllowed
			if i%2 == 0 {
				policy = MustExist
			}
			c, err := m.resolve(ctx, "race", policy)
			if err != nil {
				t.Errorf("resolve() error = %v", err)
				return
			}
			got[i] = c
		}(i)
	}
	wg.Wait()

	var first *cache.Cache
	for _, c := range got {
		if c == nil {
			continue
		}
		if first == nil {
			first = c
		}
		assert.Same(t, first, c, "two caches for one namespace")
	}
	require.NotNil(t, first)
	c, ok, err := m.Namespace(ctx, "race")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Same(t, first, c)
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	m := newManager(t, Config{Namespaces: []string{"keep", "drop"}}, b)

	_, err := m.Remove(ctx, "default")
	require.ErrorIs(t, err, ErrDefaultNamespace)

	_, err = m.Set(ctx, "drop", "k", cache.String("v"))
	require.NoError(t, err)
	removed, err := m.Remove(ctx, "drop")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.NotContains(t, m.Active(), "drop")
	assert.False(t, m.Config().Allows("drop"))
	exists, err := b.HasSpace(ctx, "drop")
	require.NoError(t, err)
	assert.False(t, exists, "storage is dropped")

	removed, err = m.Remove(ctx, "drop")
	require.NoError(t, err)
	assert.False(t, removed)

	// Re-creating starts empty.
	_, err = m.Set(ctx, "drop", "other", cache.String("v"))
	require.NoError(t, err)
	keys, err := m.Keys(ctx, "drop")
	require.NoError(t, err)
	assert.Equal(t, []string{"other"}, keys)
}

func TestSetConfigReconciles(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	m := newManager(t, Config{Namespaces: []string{"a", "b"}, Protected: true, TTL: time.Minute}, b)
	_, err := m.Set(ctx, "b", "k", cache.String("kept"))
	require.NoError(t, err)

	require.NoError(t, m.SetConfig(ctx, Config{Namespaces: []string{"a", "c"}, Protected: true, TTL: time.Hour}))

	assert.Equal(t, []string{"a", "c", "default"}, m.Active())
	_, found, err := m.Get(ctx, "b", "k")
	require.NoError(t, err)
	assert.False(t, found, "detached namespace is denied")
	exists, err := b.HasSpace(ctx, "b")
	require.NoError(t, err)
	assert.True(t, exists, "detaching keeps storage")

	c, ok, err := m.Namespace(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Hour, c.TTL())

	require.NoError(t, m.SetConfig(ctx, Config{Namespaces: []string{"b"}, Protected: true}))
	v, found, err := m.Get(ctx, "b", "k")
	require.NoError(t, err)
	require.True(t, found, "re-listing restores the namespace with its data")
	s, _ := v.AsString()
	assert.Equal(t, "kept", s)
	assert.Equal(t, cache.DefaultTTL, m.Config().TTL)
}

func TestSetConfigKeepsDefaultListed(t *testing.T) {
	m := newManager(t, Config{}, memory.New())
	require.NoError(t, m.SetConfig(context.Background(), Config{Default: "main", Namespaces: []string{"x"}}))
	cfg := m.Config()
	assert.Equal(t, "main", m.Default())
	assert.Equal(t, []string{"main", "x"}, cfg.Namespaces)
	assert.False(t, m.Protected())
}

func TestSnapshot(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, Config{TTL: NoExpiry}, memory.New())
	_, err := m.Set(ctx, "default", "a", cache.Number(1))
	require.NoError(t, err)
	_, err = m.Set(ctx, "other", "b", cache.String("x"))
	require.NoError(t, err)

	snap, err := m.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snap, 2)
	assert.Equal(t, cache.Number(1), snap["default"]["a"])
	assert.Equal(t, cache.String("x"), snap["other"]["b"])

	var visited []string
	require.NoError(t, m.ForEach(func(name string, _ *cache.Cache) error {
		visited = append(visited, name)
		return nil
	}))
	assert.Equal(t, []string{"default", "other"}, visited)
	assert.Equal(t, 2, m.Len())
}

func TestSetWithTTLOverridesDefault(t *testing.T) {
	ctx := context.Background()
	clock := backendtest.NewClock()
	m := newManager(t, Config{TTL: time.Hour}, memory.New(memory.WithClock(clock.Now)))

	_, err := m.SetWithTTL(ctx, "default", "short", cache.String("v"), time.Second)
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, found, err := m.Get(ctx, "default", "short")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	m, err := New(ctx, Config{})
	require.NoError(t, err)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, _, err = m.Get(ctx, "default", "k")
	assert.ErrorIs(t, err, cache.ErrClosed)
	_, err = m.Set(ctx, "default", "k", cache.Bool(true))
	assert.ErrorIs(t, err, cache.ErrClosed)
	_, err = m.Namespaces(ctx)
	assert.ErrorIs(t, err, cache.ErrClosed)
}

func TestWithStorage(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "managed.db")
	m, err := New(ctx, Config{}, WithStorage(storage.Config{SQL: sqlstore.Config{Locator: path}}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	assert.IsType(t, &sqlstore.Store{}, m.Backend())

	_, err = New(ctx, Config{}, WithStorage(storage.Config{Driver: "nope"}))
	var cfgErr *cache.ConfigurationError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestMetrics(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m, err := New(ctx, Config{}, WithMetrics(reg))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	_, err = m.Set(ctx, "one", "k", cache.String("v"))
	require.NoError(t, err)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.active))

	_, _, err = m.Get(ctx, "one", "k")
	require.NoError(t, err)
	_, _, err = m.Get(ctx, "one", "missing")
	require.NoError(t, err)

	count, err := testutil.GatherAndCount(reg, "ncache_cache_hits_total", "ncache_cache_misses_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// A second manager on the same registry reuses the collectors.
	m2, err := New(ctx, Config{}, WithMetrics(reg))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m2.Close() })
}
