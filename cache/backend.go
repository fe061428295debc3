package cache

import (
	"context"
	"time"
)

// Backend is the storage contract shared by every implementation. A space is
// an isolated set of entries; a Cache scopes one Backend to one space.
//
// Get is the only read that enforces expiry: an expired entry is deleted and
// reported as absent. Has, Size and the raw enumerations report storage state
// as-is, so an expired-but-unread entry still counts.
type Backend interface {
	Get(ctx context.Context, space, key string) (Value, bool, error)
	Set(ctx context.Context, space, key string, value Value, ttl time.Duration) error
	Delete(ctx context.Context, space, key string) error
	Has(ctx context.Context, space, key string) (bool, error)
	Size(ctx context.Context, space string) (int, error)
	Keys(ctx context.Context, space string) ([]string, error)
	ForEach(ctx context.Context, space string, fn func(key string, value Value) error) error

	AddSpace(ctx context.Context, space string) error
	DeleteSpace(ctx context.Context, space string) error
	HasSpace(ctx context.Context, space string) (bool, error)
	KeysSpaces(ctx context.Context) ([]string, error)
	SizeSpaces(ctx context.Context) (int, error)
	ForEachSpace(ctx context.Context, fn func(space string) error) error

	Close() error
}

// Clock returns the current time. Backends take one so tests can control expiry.
type Clock func() time.Time

// ExpireAt converts a ttl into the absolute expiry persisted with an entry.
// A non-positive ttl never expires and yields the zero time.
func ExpireAt(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

// Expired reports whether an entry with the given expiry is dead at now. An
// entry is dead from the instant it reaches its expiry.
func Expired(now, expireAt time.Time) bool {
	return !expireAt.IsZero() && !now.Before(expireAt)
}

// ExpireMillis is the epoch-millisecond form of an expiry, 0 meaning never.
func ExpireMillis(expireAt time.Time) int64 {
	if expireAt.IsZero() {
		return 0
	}
	return expireAt.UnixMilli()
}

// FromExpireMillis reverses ExpireMillis.
func FromExpireMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// CtxErr returns the context error without blocking.
func CtxErr(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
