// Package config loads the YAML configuration of the ncached binary.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chrisbrine/ncache/auth"
	"github.com/chrisbrine/ncache/cache"
	"github.com/chrisbrine/ncache/httpx"
	"github.com/chrisbrine/ncache/namespace"
	"github.com/chrisbrine/ncache/storage"
)

// EnvPrefix prefixes the environment overrides, e.g. NCACHE_ADDR.
const EnvPrefix = "NCACHE"

// DefaultAddr is the listen address when none is configured.
const DefaultAddr = ":8080"

// Config is the top-level file layout.
type Config struct {
	Addr      string           `yaml:"addr"`
	Log       LogConfig        `yaml:"log"`
	HTTP      HTTPConfig       `yaml:"http"`
	Auth      AuthConfig       `yaml:"auth"`
	Namespace namespace.Config `yaml:"namespace"`
	Storage   storage.Config   `yaml:"storage"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type HTTPConfig struct {
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// BodyLimit caps request bodies in echo notation, e.g. "1M".
	BodyLimit   string   `yaml:"body_limit"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// AuthConfig lists the bcrypt hashes of accepted API keys. An empty list
// disables authentication.
type AuthConfig struct {
	APIKeys []string `yaml:"api_keys"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Addr: DefaultAddr,
		Log:  LogConfig{Level: "info", Format: "json"},
		HTTP: HTTPConfig{
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 5 * time.Second,
			BodyLimit:       httpx.DefaultBodyLimit,
		},
		Namespace: namespace.Config{
			Default: namespace.DefaultNamespace,
			TTL:     cache.DefaultTTL,
		},
	}
}

// Parse decodes data over the defaults. Unknown fields are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}
	return cfg, nil
}

// Load reads path, falling back to $NCACHE_CONFIG and then to the defaults,
// applies environment overrides and validates the result.
func Load(path string) (Config, error) {
	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if cfg, err = Parse(data); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if val := os.Getenv(EnvPrefix + "_ADDR"); val != "" {
		c.Addr = val
	}
	if val := os.Getenv(EnvPrefix + "_LOG_LEVEL"); val != "" {
		c.Log.Level = val
	}
	if val := os.Getenv(EnvPrefix + "_API_KEYS"); val != "" {
		c.Auth.APIKeys = strings.Split(val, ",")
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return &cache.ConfigurationError{Field: "addr", Reason: "must not be empty"}
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "json", "text":
	default:
		return &cache.ConfigurationError{Field: "log.format", Value: c.Log.Format, Reason: "want json or text"}
	}
	if c.HTTP.ReadTimeout < 0 || c.HTTP.WriteTimeout < 0 || c.HTTP.ShutdownTimeout < 0 {
		return &cache.ConfigurationError{Field: "http", Reason: "timeouts must not be negative"}
	}
	if _, err := auth.NewKeySet(c.Auth.APIKeys...); err != nil {
		return fmt.Errorf("config: auth.api_keys: %w", err)
	}
	return c.Storage.Validate()
}

// Keys builds the key set for the server, nil when authentication is off.
func (c Config) Keys() (*auth.KeySet, error) {
	keys, err := auth.NewKeySet(c.Auth.APIKeys...)
	if err != nil {
		return nil, err
	}
	if keys.Len() == 0 {
		return nil, nil
	}
	return keys, nil
}

// ParseLevel maps a level name onto slog. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, &cache.ConfigurationError{Field: "log.level", Value: s, Reason: "unknown level"}
	}
	return level, nil
}

// Logger builds the process logger writing to w.
func (c Config) Logger(w io.Writer) *slog.Logger {
	level, _ := ParseLevel(c.Log.Level)
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Log.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
