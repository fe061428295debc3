package redis

import (
	"time"

	"github.com/chrisbrine/ncache/cache"
)

// DefaultPrefix namespaces every key the store writes.
const DefaultPrefix = "ncache:"

// Options controls how the Redis cache store connects to the server.
type Options struct {
	Addr         string        `yaml:"addr" json:"addr"`
	Password     string        `yaml:"password" json:"password"`
	DB           int           `yaml:"db" json:"db"`
	Prefix       string        `yaml:"prefix" json:"prefix"`
	DialTimeout  time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	PoolSize     int           `yaml:"pool_size" json:"pool_size"`

	// Now is the expiry clock. Entries carry their own expiry so TTL stays
	// consistent with the other backends instead of relying on server PX.
	Now cache.Clock `yaml:"-" json:"-"`
}

func (o Options) withDefaults() Options {
	if o.Addr == "" {
		o.Addr = "127.0.0.1:6379"
	}
	if o.Prefix == "" {
		o.Prefix = DefaultPrefix
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 2 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 2 * time.Second
	}
	if o.DB < 0 {
		o.DB = 0
	}
	if o.PoolSize <= 0 {
		o.PoolSize = 8
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// identity is what makes two Options refer to the same stored data.
type identity struct {
	addr   string
	db     int
	prefix string
}

func (o Options) identity() identity {
	return identity{addr: o.Addr, db: o.DB, prefix: o.Prefix}
}
