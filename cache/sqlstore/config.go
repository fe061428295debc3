package sqlstore

import (
	"encoding/json"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/chrisbrine/ncache/cache"
	"github.com/chrisbrine/ncache/db/sql/postgres"
	"github.com/chrisbrine/ncache/db/sql/sqlite"
)

// DefaultLocator is an in-memory database. Two stores share it only when their
// configuration is identical.
const DefaultLocator = sqlite.MemoryPath

// Config identifies a persisted store. Structurally equal configurations
// resolve to the same Store and connection.
type Config struct {
	// Locator is a sqlite path / file: URI, ":memory:", or a PostgreSQL URL or
	// key=value DSN.
	Locator string `yaml:"locator" json:"locator"`
	// TablePrefix is prepended to every space's table name so several logical
	// deployments can share one database.
	TablePrefix string `yaml:"table_prefix" json:"table_prefix"`
}

// Normalize fills defaults and canonicalizes plain file paths.
func (c Config) Normalize() Config {
	c.Locator = strings.TrimSpace(c.Locator)
	if c.Locator == "" {
		c.Locator = DefaultLocator
	}
	if isPlainPath(c.Locator) {
		c.Locator = filepath.Clean(c.Locator)
	}
	return c
}

func isPlainPath(loc string) bool {
	return loc != sqlite.MemoryPath && !strings.Contains(loc, ":") && !strings.Contains(loc, "=")
}

// UnmarshalYAML accepts either a bare locator string or a mapping.
func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*c = Config{Locator: node.Value}
		return nil
	}
	type plain Config
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*c = Config(p)
	return nil
}

// UnmarshalJSON accepts either a bare locator string or an object.
func (c *Config) UnmarshalJSON(data []byte) error {
	var loc string
	if err := json.Unmarshal(data, &loc); err == nil {
		*c = Config{Locator: loc}
		return nil
	}
	type plain Config
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*c = Config(p)
	return nil
}

func (c Config) dialect() (dialect, error) {
	loc := c.Locator
	switch {
	case postgres.IsDSN(loc):
		return postgresDialect{}, nil
	case strings.Contains(loc, "://"):
		return nil, &cache.ConfigurationError{Field: "locator", Value: loc, Reason: "unsupported scheme"}
	}
	return sqliteDialect{}, nil
}
