// Package storage selects and opens a cache.Backend from configuration.
package storage

import (
	"context"
	"strings"

	"github.com/chrisbrine/ncache/cache"
	"github.com/chrisbrine/ncache/cache/boltstore"
	"github.com/chrisbrine/ncache/cache/memory"
	"github.com/chrisbrine/ncache/cache/redis"
	"github.com/chrisbrine/ncache/cache/sqlstore"
)

// Driver names a backend implementation.
type Driver string

const (
	DriverMemory Driver = "memory"
	DriverSQL    Driver = "sql"
	DriverBolt   Driver = "bolt"
	DriverRedis  Driver = "redis"
)

// BoltConfig locates a bbolt file.
type BoltConfig struct {
	Path   string `yaml:"path" json:"path"`
	Prefix string `yaml:"prefix" json:"prefix"`
}

// Config picks a driver and carries that driver's settings. The zero Config is
// the in-memory backend; a non-empty SQL locator alone selects the SQL driver.
type Config struct {
	Driver Driver          `yaml:"driver" json:"driver"`
	SQL    sqlstore.Config `yaml:"sql" json:"sql"`
	Bolt   BoltConfig      `yaml:"bolt" json:"bolt"`
	Redis  redis.Options   `yaml:"redis" json:"redis"`
}

// Resolved returns the driver Open will use.
func (c Config) Resolved() Driver {
	d := Driver(strings.ToLower(strings.TrimSpace(string(c.Driver))))
	if d == "" {
		switch {
		case c.SQL.Locator != "":
			return DriverSQL
		case c.Bolt.Path != "":
			return DriverBolt
		}
		return DriverMemory
	}
	if d == "sqlite" || d == "postgres" {
		return DriverSQL
	}
	return d
}

// Validate reports configuration errors without opening anything.
func (c Config) Validate() error {
	switch c.Resolved() {
	case DriverMemory, DriverSQL, DriverRedis:
		return nil
	case DriverBolt:
		if c.Bolt.Path == "" {
			return &cache.ConfigurationError{Field: "storage.bolt.path", Reason: "required for the bolt driver"}
		}
		return nil
	default:
		return &cache.ConfigurationError{Field: "storage.driver", Value: string(c.Driver), Reason: "unknown driver"}
	}
}

// Open builds the backend described by cfg. Persisted drivers share their
// connections process-wide, so opening the same configuration twice yields
// the same backend.
func Open(ctx context.Context, cfg Config) (cache.Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Resolved() {
	case DriverSQL:
		return sqlstore.Open(ctx, cfg.SQL)
	case DriverBolt:
		return boltstore.Open(cfg.Bolt.Path, boltstore.WithPrefix(cfg.Bolt.Prefix))
	case DriverRedis:
		return redis.NewStore(cfg.Redis), nil
	default:
		return memory.New(), nil
	}
}
