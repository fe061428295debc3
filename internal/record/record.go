// Package record is the binary envelope the key-value backends store per entry.
package record

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/chrisbrine/ncache/cache"
)

// Record keeps the kind next to the serialized value so reads rebuild the
// original variant. Expire is epoch milliseconds, 0 meaning never.
type Record struct {
	Kind   string `msgpack:"k"`
	Data   string `msgpack:"d"`
	Expire int64  `msgpack:"e"`
}

// Marshal encodes value with its absolute expiry.
func Marshal(value cache.Value, expireAt time.Time) ([]byte, error) {
	kind, data, err := cache.Encode(value)
	if err != nil {
		return nil, err
	}
	return msgpack.Marshal(Record{Kind: kind.String(), Data: data, Expire: cache.ExpireMillis(expireAt)})
}

// Unmarshal decodes an envelope produced by Marshal.
func Unmarshal(raw []byte) (Record, error) {
	var rec Record
	if err := msgpack.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("record: decode: %w", err)
	}
	return rec, nil
}

// ExpireAt returns the absolute expiry, zero when the record never expires.
func (r Record) ExpireAt() time.Time { return cache.FromExpireMillis(r.Expire) }

// Value rebuilds the stored value.
func (r Record) Value() (cache.Value, error) {
	kind, err := cache.ParseKind(r.Kind)
	if err != nil {
		return cache.Value{}, err
	}
	return cache.Decode(kind, r.Data)
}
