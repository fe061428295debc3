package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// ErrSpaceExists is returned when a rename targets a space that is present.
var ErrSpaceExists = errors.New("cache: space already exists")

// SpaceRenamer is implemented by backends that can rehome a space and its
// entries under a new name. RenameSpace fails with ErrSpaceNotFound when from is
// missing and with ErrSpaceExists when to is present. Entries keep their expiry.
type SpaceRenamer interface {
	RenameSpace(ctx context.Context, from, to string) error
}

// SpaceClearer is implemented by backends that can empty a space in place.
type SpaceClearer interface {
	Clear(ctx context.Context, space string) error
}

// KeyCursor is implemented by backends that can seek the key following after
// without listing the space.
type KeyCursor interface {
	NextKey(ctx context.Context, space, after string) (string, bool, error)
}

// SpaceCursor is the space-level counterpart of KeyCursor.
type SpaceCursor interface {
	NextSpace(ctx context.Context, after string) (string, bool, error)
}

// RenameSpace renames from to to on b. Renaming a space onto itself only
// checks that it exists.
func RenameSpace(ctx context.Context, b Backend, from, to string) error {
	if from == "" || to == "" {
		return &ConfigurationError{Field: "space", Reason: "empty name"}
	}
	if from == to {
		ok, err := b.HasSpace(ctx, from)
		if err == nil && !ok {
			err = ErrSpaceNotFound
		}
		return err
	}
	r, ok := b.(SpaceRenamer)
	if !ok {
		return fmt.Errorf("cache: %T cannot rename spaces: %w", b, errors.ErrUnsupported)
	}
	return r.RenameSpace(ctx, from, to)
}

// NextKey returns the smallest stored key of space greater than after, in byte
// order. An empty after yields the first key. Like Keys it does not check expiry.
func NextKey(ctx context.Context, b Backend, space, after string) (string, bool, error) {
	if c, ok := b.(KeyCursor); ok {
		return c.NextKey(ctx, space, after)
	}
	keys, err := b.Keys(ctx, space)
	if err != nil {
		return "", false, err
	}
	return following(keys, after)
}

// NextSpace returns the smallest space name greater than after.
func NextSpace(ctx context.Context, b Backend, after string) (string, bool, error) {
	if c, ok := b.(SpaceCursor); ok {
		return c.NextSpace(ctx, after)
	}
	names, err := b.KeysSpaces(ctx)
	if err != nil {
		return "", false, err
	}
	return following(names, after)
}

func following(names []string, after string) (string, bool, error) {
	sort.Strings(names)
	i := sort.Search(len(names), func(i int) bool { return names[i] > after })
	if i == len(names) {
		return "", false, nil
	}
	return names[i], true, nil
}
