package namespace

import (
	"encoding/json"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chrisbrine/ncache/cache"
)

// DefaultNamespace is used when Config.Default is empty.
const DefaultNamespace = "default"

// NoExpiry as Config.TTL stores entries without a time-to-live. A zero TTL
// selects cache.DefaultTTL instead.
const NoExpiry time.Duration = -1

// Config drives a Manager. The file form spells TTL as integer milliseconds
// under ttl_ms, where 0 means entries never expire.
type Config struct {
	// Namespaces is the ordered allow-list. Listed namespaces are created
	// eagerly; in protected mode nothing else can be created or activated.
	Namespaces []string
	Default    string
	Protected  bool
	TTL        time.Duration
}

// Normalize fills defaults, drops duplicate and empty names and makes sure the
// default namespace is listed.
func (c Config) Normalize() Config {
	if c.Default == "" {
		c.Default = DefaultNamespace
	}
	switch {
	case c.TTL == 0:
		c.TTL = cache.DefaultTTL
	case c.TTL < 0:
		c.TTL = NoExpiry
	}
	seen := map[string]bool{c.Default: true}
	names := []string{c.Default}
	for _, name := range c.Namespaces {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	c.Namespaces = names
	return c
}

// Allows reports whether name is on the allow-list.
func (c Config) Allows(name string) bool {
	if name == c.Default {
		return true
	}
	for _, n := range c.Namespaces {
		if n == name {
			return true
		}
	}
	return false
}

// permits reports whether the manager may activate or create name.
func (c Config) permits(name string) bool {
	return !c.Protected || c.Allows(name)
}

type wireConfig struct {
	Namespaces []string `yaml:"namespaces,omitempty" json:"namespaces,omitempty"`
	Default    string   `yaml:"default,omitempty" json:"default,omitempty"`
	Protected  bool     `yaml:"protected" json:"protected"`
	TTLMillis  *int64   `yaml:"ttl_ms,omitempty" json:"ttl_ms,omitempty"`
}

func (c Config) wire() wireConfig {
	w := wireConfig{Namespaces: c.Namespaces, Default: c.Default, Protected: c.Protected}
	if c.TTL != 0 {
		ms := c.TTL.Milliseconds()
		if c.TTL < 0 {
			ms = 0
		}
		w.TTLMillis = &ms
	}
	return w
}

func (w wireConfig) config() Config {
	c := Config{Namespaces: w.Namespaces, Default: w.Default, Protected: w.Protected}
	if w.TTLMillis != nil {
		if *w.TTLMillis <= 0 {
			c.TTL = NoExpiry
		} else {
			c.TTL = time.Duration(*w.TTLMillis) * time.Millisecond
		}
	}
	return c
}

func (c Config) MarshalYAML() (any, error) { return c.wire(), nil }

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	var w wireConfig
	if err := node.Decode(&w); err != nil {
		return err
	}
	*c = w.config()
	return nil
}

func (c Config) MarshalJSON() ([]byte, error) { return json.Marshal(c.wire()) }

func (c *Config) UnmarshalJSON(data []byte) error {
	var w wireConfig
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*c = w.config()
	return nil
}
