package namespace

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrisbrine/ncache/cache"
	"github.com/chrisbrine/ncache/cache/backendtest"
	"github.com/chrisbrine/ncache/cache/memory"
)

// gatedBackend parks the first AddSpace of one space until release is closed.
// With afterCreate the space is created before parking.
type gatedBackend struct {
	*memory.Store
	space       string
	afterCreate bool
	entered     chan struct{}
	release     chan struct{}
	once        sync.Once
}

func newGated(space string, afterCreate bool) *gatedBackend {
	return &gatedBackend{
		Store:       memory.New(),
		space:       space,
		afterCreate: afterCreate,
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
}

func (g *gatedBackend) AddSpace(ctx context.Context, space string) error {
	if space != g.space {
		return g.Store.AddSpace(ctx, space)
	}
	if g.afterCreate {
		if err := g.Store.AddSpace(ctx, space); err != nil {
			return err
		}
	}
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	if g.afterCreate {
		return nil
	}
	return g.Store.AddSpace(ctx, space)
}

func TestRemoveDuringActivation(t *testing.T) {
	ctx := context.Background()
	b := newGated("x", true)
	m := newManager(t, Config{}, b)

	type result struct {
		ok  bool
		err error
	}
	done := make(chan result, 1)
	go func() {
		ok, err := m.Set(ctx, "x", "k", cache.String("v"))
		done <- result{ok, err}
	}()

	<-b.entered
	removed, err := m.Remove(ctx, "x")
	require.NoError(t, err)
	assert.True(t, removed)
	close(b.release)

	r := <-done
	require.NoError(t, r.err, "an activation overtaken by Remove starts over")
	assert.True(t, r.ok)

	ok, err := m.Set(ctx, "x", "k2", cache.String("v2"))
	require.NoError(t, err)
	assert.True(t, ok)
	for _, key := range []string{"k", "k2"} {
		_, found, err := m.Get(ctx, "x", key)
		require.NoError(t, err)
		assert.True(t, found, key)
	}
}

func TestCanceledCallerDoesNotFailSharedActivation(t *testing.T) {
	b := newGated("shared", false)
	m := newManager(t, Config{}, b)

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := m.Set(first, "shared", "a", cache.Number(1))
		firstErr <- err
	}()
	<-b.entered

	secondErr := make(chan error, 1)
	go func() {
		_, err := m.Set(context.Background(), "shared", "b", cache.Number(2))
		secondErr <- err
	}()
	// Give the second caller time to join the activation in flight.
	time.Sleep(20 * time.Millisecond)

	cancel()
	require.ErrorIs(t, <-firstErr, context.Canceled)
	close(b.release)
	require.NoError(t, <-secondErr)

	_, found, err := m.Get(context.Background(), "shared", "b")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestMove(t *testing.T) {
	for _, bc := range backends {
		t.Run(bc.name, func(t *testing.T) {
			ctx := context.Background()
			clock := backendtest.NewClock()
			b := bc.open(t, clock.Now)
			m := newManager(t, Config{Namespaces: []string{"old"}, TTL: time.Minute}, b)

			_, err := m.Set(ctx, "old", "k", cache.String("v"))
			require.NoError(t, err)
			_, err = m.SetWithTTL(ctx, "old", "brief", cache.Number(1), time.Second)
			require.NoError(t, err)

			moved, err := m.Move(ctx, "old", "new")
			require.NoError(t, err)
			require.True(t, moved)

			assert.NotContains(t, m.Active(), "old")
			assert.False(t, m.Config().Allows("old"))
			assert.True(t, m.Config().Allows("new"))
			has, err := m.Has(ctx, "old")
			require.NoError(t, err)
			assert.False(t, has)

			v, found, err := m.Get(ctx, "new", "k")
			require.NoError(t, err)
			require.True(t, found)
			s, _ := v.AsString()
			assert.Equal(t, "v", s)

			clock.Advance(time.Second)
			_, found, err = m.Get(ctx, "new", "brief")
			require.NoError(t, err)
			assert.False(t, found, "moved entries keep their expiry")

			// The old name is free and starts empty.
			_, err = m.Set(ctx, "old", "fresh", cache.Bool(true))
			require.NoError(t, err)
			keys, err := m.Keys(ctx, "old")
			require.NoError(t, err)
			assert.Equal(t, []string{"fresh"}, keys)
		})
	}
}

func TestMoveRejects(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, Config{Namespaces: []string{"a", "b"}}, memory.New())

	_, err := m.Move(ctx, "default", "elsewhere")
	require.ErrorIs(t, err, ErrDefaultNamespace)

	_, err = m.Move(ctx, "a", "b")
	require.ErrorIs(t, err, cache.ErrSpaceExists)
	assert.True(t, m.Config().Allows("a"), "a failed move changes nothing")

	moved, err := m.Move(ctx, "ghost", "c")
	require.NoError(t, err)
	assert.False(t, moved)

	moved, err = m.Move(ctx, "a", "a")
	require.NoError(t, err)
	assert.True(t, moved)

	_, err = m.Move(ctx, "a", "")
	var cfgErr *cache.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}

func TestMoveProtected(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	require.NoError(t, b.AddSpace(ctx, "hidden"))
	m := newManager(t, Config{Namespaces: []string{"listed"}, Protected: true}, b)

	moved, err := m.Move(ctx, "hidden", "visible")
	require.NoError(t, err)
	assert.False(t, moved, "unlisted namespaces cannot be moved")

	moved, err = m.Move(ctx, "listed", "renamed")
	require.NoError(t, err)
	require.True(t, moved)
	ok, err := m.Set(ctx, "renamed", "k", cache.Number(1))
	require.NoError(t, err)
	assert.True(t, ok, "the target joins the allow-list")
	ok, err = m.Set(ctx, "listed", "k", cache.Number(1))
	require.NoError(t, err)
	assert.False(t, ok, "the source leaves it")
}

func TestCursorsAndForEachAll(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	require.NoError(t, b.AddSpace(ctx, "unlisted"))
	m := newManager(t, Config{Namespaces: []string{"one", "two"}, Protected: true}, b)
	for ns, keys := range map[string][]string{"one": {"b", "a"}, "two": {"z"}} {
		for _, k := range keys {
			_, err := m.Set(ctx, ns, k, cache.String(ns+"/"+k))
			require.NoError(t, err)
		}
	}

	var spaces []string
	for name, ok, err := m.NextNamespace(ctx, ""); ok || err != nil; name, ok, err = m.NextNamespace(ctx, name) {
		require.NoError(t, err)
		spaces = append(spaces, name)
	}
	assert.Equal(t, []string{"default", "one", "two"}, spaces, "unlisted storage is skipped")

	next, ok, err := m.Next(ctx, "one", "")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", next)
	_, ok, err = m.Next(ctx, "one", "b")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = m.Next(ctx, "missing", "")
	require.NoError(t, err)
	assert.False(t, ok)

	var visited []string
	require.NoError(t, m.ForEachAll(ctx, func(ns, key string, v cache.Value) error {
		s, _ := v.AsString()
		visited = append(visited, ns+":"+key+"="+s)
		return nil
	}))
	assert.Equal(t, []string{"one:a=one/a", "one:b=one/b", "two:z=two/z"}, visited)
}
