// Package sqlite opens embedded SQLite databases through modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// MemoryPath is the path of a private in-memory database.
const MemoryPath = ":memory:"

var ErrMissingPath = errors.New("sqlite: path is required")

// Options configures how the database file is opened.
type Options struct {
	Path        string
	BusyTimeout time.Duration
	JournalWAL  bool
}

type Option func(*Options)

// WithPath sets the database file path, a file: URI or MemoryPath.
func WithPath(path string) Option {
	return func(o *Options) {
		if path != "" {
			o.Path = path
		}
	}
}

// WithBusyTimeout controls how long a statement waits on a locked database.
func WithBusyTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.BusyTimeout = d
		}
	}
}

// WithWAL switches file databases to write-ahead logging.
func WithWAL(enabled bool) Option {
	return func(o *Options) {
		o.JournalWAL = enabled
	}
}

func defaultOptions() Options {
	return Options{BusyTimeout: 5 * time.Second}
}

// Open opens the database with a single pooled connection. SQLite serializes
// writers anyway, and an in-memory database only exists on the connection that
// created it, so the pool must never grow or recycle that connection.
func Open(ctx context.Context, opts ...Option) (*sql.DB, error) {
	cfg := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.Path == "" {
		return nil, ErrMissingPath
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	pragmas := []string{fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds())}
	if cfg.JournalWAL && !IsMemory(cfg.Path) {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, stmt := range pragmas {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", stmt, err)
		}
	}
	return db, nil
}

// IsMemory reports whether path names an in-memory database.
func IsMemory(path string) bool {
	return path == MemoryPath || strings.Contains(path, "mode=memory") || strings.HasPrefix(path, "file::memory:")
}

// QuoteIdentifier quotes name for use as a table or column identifier.
func QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// IsNoSuchTable reports whether err was raised for a missing table.
func IsNoSuchTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}
