package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrKeyMismatch = errors.New("auth: api key does not match")
	ErrInvalidHash = errors.New("auth: invalid api key hash")
	ErrEmptyKey    = errors.New("auth: api key is empty")
)

// DefaultCost is the bcrypt cost used by HashKey when none is given.
const DefaultCost = 12

// maxRemembered bounds the digest memo kept by a KeySet.
const maxRemembered = 256

// HashKey returns the bcrypt hash of plain suitable for a KeySet. A cost
// outside bcrypt's accepted range falls back to DefaultCost.
func HashKey(plain string, cost int) (string, error) {
	if strings.TrimSpace(plain) == "" {
		return "", ErrEmptyKey
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = DefaultCost
	}
	secret := []byte(plain)
	defer clearBytes(secret)
	hashed, err := bcrypt.GenerateFromPassword(secret, cost)
	if err != nil {
		return "", fmt.Errorf("auth: bcrypt hash failed: %w", err)
	}
	return string(hashed), nil
}

// GenerateKey returns a random URL-safe key built from length random bytes.
func GenerateKey(length int) (string, error) {
	if length <= 0 {
		length = 32
	}
	b := make([]byte, length)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("auth: failed to generate key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// KeyVerifier checks a raw key presented by a client and reports which
// configured key it matched.
type KeyVerifier interface {
	Verify(ctx context.Context, raw string) (int, error)
}

// KeySet verifies keys against a fixed list of bcrypt hashes. Keys that
// verified once are remembered by their SHA-256 digest.
type KeySet struct {
	hashes [][]byte

	mu         sync.Mutex
	remembered map[[sha256.Size]byte]int
}

// NewKeySet parses the given bcrypt hashes. Blank entries are ignored.
func NewKeySet(hashes ...string) (*KeySet, error) {
	ks := &KeySet{remembered: make(map[[sha256.Size]byte]int)}
	for i, h := range hashes {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		if _, err := bcrypt.Cost([]byte(h)); err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrInvalidHash, i, err)
		}
		ks.hashes = append(ks.hashes, []byte(h))
	}
	return ks, nil
}

// Len reports how many hashes the set holds.
func (k *KeySet) Len() int {
	if k == nil {
		return 0
	}
	return len(k.hashes)
}

// Verify returns the index of the hash matching raw.
func (k *KeySet) Verify(ctx context.Context, raw string) (int, error) {
	if err := contextError(ctx); err != nil {
		return -1, err
	}
	if raw == "" {
		return -1, ErrEmptyKey
	}
	digest := sha256.Sum256([]byte(raw))

	k.mu.Lock()
	idx, ok := k.remembered[digest]
	k.mu.Unlock()
	if ok {
		return idx, nil
	}

	secret := []byte(raw)
	defer clearBytes(secret)
	for i, h := range k.hashes {
		if err := contextError(ctx); err != nil {
			return -1, err
		}
		err := bcrypt.CompareHashAndPassword(h, secret)
		if err == nil {
			k.remember(digest, i)
			return i, nil
		}
		if !errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return -1, fmt.Errorf("auth: bcrypt compare failed: %w", err)
		}
	}
	return -1, ErrKeyMismatch
}

func (k *KeySet) remember(digest [sha256.Size]byte, idx int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.remembered) >= maxRemembered {
		clear(k.remembered)
	}
	k.remembered[digest] = idx
}

func contextError(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	return ctx.Err()
}

func clearBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
