// Package backendtest holds the behavioural suite every cache.Backend must pass.
package backendtest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrisbrine/ncache/cache"
)

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a Clock at a fixed millisecond-aligned instant.
func NewClock() *Clock {
	return &Clock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Factory builds a fresh, empty backend reading time from clock.
type Factory func(t *testing.T, clock cache.Clock) cache.Backend

// Run executes the contract suite against backends built by newBackend.
func Run(t *testing.T, newBackend Factory) {
	t.Helper()
	tests := []struct {
		name string
		fn   func(*testing.T, cache.Backend, *Clock)
	}{
		{"RoundTripKinds", testRoundTripKinds},
		{"ZeroTTLNeverExpires", testZeroTTLNeverExpires},
		{"ExpiryBoundary", testExpiryBoundary},
		{"HasIgnoresTTL", testHasIgnoresTTL},
		{"DeleteIdempotent", testDeleteIdempotent},
		{"Upsert", testUpsert},
		{"KeysAndForEach", testKeysAndForEach},
		{"ForEachStops", testForEachStops},
		{"SpaceLifecycle", testSpaceLifecycle},
		{"SpacesIsolated", testSpacesIsolated},
		{"MissingSpace", testMissingSpace},
		{"RenameSpace", testRenameSpace},
		{"ClearSpace", testClearSpace},
		{"Cursor", testCursor},
		{"ContextCanceled", testContextCanceled},
		{"Close", testClose},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := NewClock()
			b := newBackend(t, clock.Now)
			tt.fn(t, b, clock)
		})
	}
}

func mustAddSpace(t *testing.T, b cache.Backend, space string) {
	t.Helper()
	require.NoError(t, b.AddSpace(context.Background(), space))
}

func testRoundTripKinds(t *testing.T, b cache.Backend, _ *Clock) {
	ctx := context.Background()
	mustAddSpace(t, b, "kinds")

	values := map[string]cache.Value{
		"s":     cache.String("hello, world"),
		"empty": cache.String(""),
		"n":     cache.Number(42),
		"f":     cache.Number(-3.25),
		"t":     cache.Bool(true),
		"false": cache.Bool(false),
		"obj": cache.Object(map[string]any{
			"name":   "alice",
			"age":    30.0,
			"admin":  false,
			"tags":   []any{"a", "b"},
			"nested": map[string]any{"deep": map[string]any{"x": 1.5}},
		}),
		"list": cache.Object([]any{1.0, "two", true}),
	}
	for k, v := range values {
		require.NoError(t, b.Set(ctx, "kinds", k, v, 0), k)
	}
	for k, want := range values {
		got, ok, err := b.Get(ctx, "kinds", k)
		require.NoError(t, err, k)
		require.True(t, ok, k)
		assert.Equal(t, want.Kind(), got.Kind(), k)
		if diff := cmp.Diff(want.Interface(), got.Interface()); diff != "" {
			t.Fatalf("%s mismatch (-want +got):\n%s", k, diff)
		}
	}
}

func testZeroTTLNeverExpires(t *testing.T, b cache.Backend, clock *Clock) {
	ctx := context.Background()
	mustAddSpace(t, b, "forever")
	require.NoError(t, b.Set(ctx, "forever", "k", cache.String("v"), 0))

	clock.Advance(100 * 365 * 24 * time.Hour)

	got, ok, err := b.Get(ctx, "forever", "k")
	require.NoError(t, err)
	require.True(t, ok)
	s, _ := got.AsString()
	assert.Equal(t, "v", s)
}

func testExpiryBoundary(t *testing.T, b cache.Backend, clock *Clock) {
	ctx := context.Background()
	mustAddSpace(t, b, "ttl")
	require.NoError(t, b.Set(ctx, "ttl", "k", cache.Number(1), time.Second))
	require.NoError(t, b.Set(ctx, "ttl", "other", cache.Number(2), 0))

	clock.Advance(999 * time.Millisecond)
	_, ok, err := b.Get(ctx, "ttl", "k")
	require.NoError(t, err)
	assert.True(t, ok, "entry must be live before its ttl elapses")

	clock.Advance(time.Millisecond)
	_, ok, err = b.Get(ctx, "ttl", "k")
	require.NoError(t, err)
	assert.False(t, ok, "entry must be absent once its ttl elapses")

	has, err := b.Has(ctx, "ttl", "k")
	require.NoError(t, err)
	assert.False(t, has, "expired read must purge the entry")

	n, err := b.Size(ctx, "ttl")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func testHasIgnoresTTL(t *testing.T, b cache.Backend, clock *Clock) {
	ctx := context.Background()
	mustAddSpace(t, b, "raw")
	require.NoError(t, b.Set(ctx, "raw", "k", cache.String("v"), time.Millisecond))
	clock.Advance(time.Second)

	has, err := b.Has(ctx, "raw", "k")
	require.NoError(t, err)
	assert.True(t, has, "Has reports raw storage state")

	n, err := b.Size(ctx, "raw")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "Size counts unpurged entries")
}

func testDeleteIdempotent(t *testing.T, b cache.Backend, _ *Clock) {
	ctx := context.Background()
	mustAddSpace(t, b, "del")
	require.NoError(t, b.Delete(ctx, "del", "missing"))

	require.NoError(t, b.Set(ctx, "del", "k", cache.Bool(true), 0))
	require.NoError(t, b.Delete(ctx, "del", "k"))
	require.NoError(t, b.Delete(ctx, "del", "k"))

	_, ok, err := b.Get(ctx, "del", "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testUpsert(t *testing.T, b cache.Backend, clock *Clock) {
	ctx := context.Background()
	mustAddSpace(t, b, "up")
	require.NoError(t, b.Set(ctx, "up", "k", cache.String("first"), time.Second))
	require.NoError(t, b.Set(ctx, "up", "k", cache.Number(2), 0))

	clock.Advance(time.Hour)
	got, ok, err := b.Get(ctx, "up", "k")
	require.NoError(t, err)
	require.True(t, ok, "rewrite without ttl must clear the old expiry")
	n, isNum := got.AsNumber()
	require.True(t, isNum)
	assert.Equal(t, 2.0, n)

	size, err := b.Size(ctx, "up")
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}

func testKeysAndForEach(t *testing.T, b cache.Backend, _ *Clock) {
	ctx := context.Background()
	mustAddSpace(t, b, "enum")
	for _, k := range []string{"charlie", "alpha", "bravo"} {
		require.NoError(t, b.Set(ctx, "enum", k, cache.String(k+"-value"), 0))
	}

	keys, err := b.Keys(ctx, "enum")
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "bravo", "charlie"}, keys)

	seen := map[string]string{}
	err = b.ForEach(ctx, "enum", func(key string, v cache.Value) error {
		s, _ := v.AsString()
		seen[key] = s
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"alpha":   "alpha-value",
		"bravo":   "bravo-value",
		"charlie": "charlie-value",
	}, seen)
}

func testForEachStops(t *testing.T, b cache.Backend, _ *Clock) {
	ctx := context.Background()
	mustAddSpace(t, b, "stop")
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, b.Set(ctx, "stop", k, cache.Number(1), 0))
	}
	stop := errors.New("stop")
	visits := 0
	err := b.ForEach(ctx, "stop", func(string, cache.Value) error {
		visits++
		return stop
	})
	require.ErrorIs(t, err, stop)
	assert.Equal(t, 1, visits)
}

func testSpaceLifecycle(t *testing.T, b cache.Backend, _ *Clock) {
	ctx := context.Background()

	ok, err := b.HasSpace(ctx, "beta")
	require.NoError(t, err)
	assert.False(t, ok)

	mustAddSpace(t, b, "beta")
	mustAddSpace(t, b, "alpha")
	mustAddSpace(t, b, "beta")

	ok, err = b.HasSpace(ctx, "beta")
	require.NoError(t, err)
	assert.True(t, ok, "an empty space still exists")

	names, err := b.KeysSpaces(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, names)

	n, err := b.SizeSpaces(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var visited []string
	require.NoError(t, b.ForEachSpace(ctx, func(space string) error {
		visited = append(visited, space)
		return nil
	}))
	assert.Equal(t, []string{"alpha", "beta"}, visited)

	require.NoError(t, b.Set(ctx, "beta", "k", cache.String("v"), 0))
	require.NoError(t, b.DeleteSpace(ctx, "beta"))
	require.NoError(t, b.DeleteSpace(ctx, "beta"))

	ok, err = b.HasSpace(ctx, "beta")
	require.NoError(t, err)
	assert.False(t, ok)

	mustAddSpace(t, b, "beta")
	size, err := b.Size(ctx, "beta")
	require.NoError(t, err)
	assert.Zero(t, size, "a recreated space starts empty")
}

func testSpacesIsolated(t *testing.T, b cache.Backend, _ *Clock) {
	ctx := context.Background()
	mustAddSpace(t, b, "one")
	mustAddSpace(t, b, "two")
	require.NoError(t, b.Set(ctx, "one", "k", cache.String("from-one"), 0))

	_, ok, err := b.Get(ctx, "two", "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Set(ctx, "two", "k", cache.String("from-two"), 0))
	got, ok, err := b.Get(ctx, "one", "k")
	require.NoError(t, err)
	require.True(t, ok)
	s, _ := got.AsString()
	assert.Equal(t, "from-one", s)
}

func testMissingSpace(t *testing.T, b cache.Backend, _ *Clock) {
	ctx := context.Background()

	_, _, err := b.Get(ctx, "ghost", "k")
	assertSpaceNotFound(t, err)
	assertSpaceNotFound(t, b.Set(ctx, "ghost", "k", cache.String("v"), 0))
	_, err = b.Size(ctx, "ghost")
	assertSpaceNotFound(t, err)

	ok, err := b.HasSpace(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, ok, "failed operations must not create the space")
}

func testRenameSpace(t *testing.T, b cache.Backend, clock *Clock) {
	ctx := context.Background()
	_, ok := b.(cache.SpaceRenamer)
	require.True(t, ok, "%T must rename spaces", b)

	mustAddSpace(t, b, "old")
	mustAddSpace(t, b, "taken")
	require.NoError(t, b.Set(ctx, "old", "forever", cache.Number(1), 0))
	require.NoError(t, b.Set(ctx, "old", "brief", cache.Number(2), time.Second))

	require.ErrorIs(t, cache.RenameSpace(ctx, b, "old", "taken"), cache.ErrSpaceExists)
	assertSpaceNotFound(t, cache.RenameSpace(ctx, b, "ghost", "new"))

	require.NoError(t, cache.RenameSpace(ctx, b, "old", "new"))
	ok, err := b.HasSpace(ctx, "old")
	require.NoError(t, err)
	assert.False(t, ok)

	names, err := b.KeysSpaces(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"new", "taken"}, names)

	keys, err := b.Keys(ctx, "new")
	require.NoError(t, err)
	assert.Equal(t, []string{"brief", "forever"}, keys)

	clock.Advance(time.Second)
	_, ok, err = b.Get(ctx, "new", "brief")
	require.NoError(t, err)
	assert.False(t, ok, "expiry travels with the entry")
	_, ok, err = b.Get(ctx, "new", "forever")
	require.NoError(t, err)
	assert.True(t, ok)
}

func testClearSpace(t *testing.T, b cache.Backend, _ *Clock) {
	ctx := context.Background()
	cl, ok := b.(cache.SpaceClearer)
	require.True(t, ok, "%T must clear spaces in place", b)

	mustAddSpace(t, b, "full")
	mustAddSpace(t, b, "other")
	require.NoError(t, b.Set(ctx, "full", "k", cache.Bool(true), 0))
	require.NoError(t, b.Set(ctx, "other", "k", cache.Bool(true), 0))
	require.NoError(t, cl.Clear(ctx, "full"))

	ok, err := b.HasSpace(ctx, "full")
	require.NoError(t, err)
	assert.True(t, ok, "a cleared space still exists")
	n, err := b.Size(ctx, "full")
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = b.Size(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assertSpaceNotFound(t, cl.Clear(ctx, "ghost"))
}

func testCursor(t *testing.T, b cache.Backend, _ *Clock) {
	ctx := context.Background()
	mustAddSpace(t, b, "s2")
	mustAddSpace(t, b, "s1")
	for _, k := range []string{"b", "a", "c"} {
		require.NoError(t, b.Set(ctx, "s1", k, cache.String(k), 0))
	}

	var keys []string
	for key := ""; ; {
		next, ok, err := cache.NextKey(ctx, b, "s1", key)
		require.NoError(t, err)
		if !ok {
			break
		}
		keys = append(keys, next)
		key = next
	}
	assert.Equal(t, []string{"a", "b", "c"}, keys)

	next, ok, err := cache.NextKey(ctx, b, "s1", "aa")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "b", next)

	_, ok, err = cache.NextKey(ctx, b, "s2", "")
	require.NoError(t, err)
	assert.False(t, ok, "empty space has no first key")

	_, _, err = cache.NextKey(ctx, b, "ghost", "")
	assertSpaceNotFound(t, err)

	space, ok, err := cache.NextSpace(ctx, b, "")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "s1", space)
	space, ok, err = cache.NextSpace(ctx, b, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "s2", space)
	_, ok, err = cache.NextSpace(ctx, b, "s2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func assertSpaceNotFound(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	assert.ErrorIs(t, err, cache.ErrSpaceNotFound)
	assert.True(t, cache.IsStorageError(err), "expected StorageError, got %T", err)
}

func testContextCanceled(t *testing.T, b cache.Backend, _ *Clock) {
	mustAddSpace(t, b, "ctx")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Set(ctx, "ctx", "k", cache.String("v"), 0)
	require.ErrorIs(t, err, context.Canceled)
}

func testClose(t *testing.T, b cache.Backend, _ *Clock) {
	ctx := context.Background()
	mustAddSpace(t, b, "closing")
	require.NoError(t, b.Close())
	require.NoError(t, b.Close(), "Close must be idempotent")

	_, _, err := b.Get(ctx, "closing", "k")
	require.ErrorIs(t, err, cache.ErrClosed)
}
