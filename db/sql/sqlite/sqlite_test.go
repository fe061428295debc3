package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(context.Background()); !errors.Is(err, ErrMissingPath) {
		t.Fatalf("Open() error = %v, want ErrMissingPath", err)
	}
}

func TestMemoryDatabaseSurvivesAcrossStatements(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, WithPath(MemoryPath))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, "CREATE TABLE hits (id INTEGER PRIMARY KEY)"); err != nil {
		t.Fatalf("create error = %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := db.ExecContext(ctx, "INSERT INTO hits DEFAULT VALUES"); err != nil {
			t.Fatalf("insert error = %v", err)
		}
	}
	var n int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM hits").Scan(&n); err != nil {
		t.Fatalf("count error = %v", err)
	}
	if n != 3 {
		t.Fatalf("count = %d, want 3", n)
	}
}

func TestNoSuchTable(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, WithPath(filepath.Join(t.TempDir(), "wal.db")), WithWAL(true))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close()

	_, err = db.ExecContext(ctx, "SELECT * FROM "+QuoteIdentifier("missing"))
	if !IsNoSuchTable(err) {
		t.Fatalf("expected no such table error, got %v", err)
	}
}

func TestQuoteIdentifier(t *testing.T) {
	if got := QuoteIdentifier(`a"b`); got != `"a""b"` {
		t.Fatalf("QuoteIdentifier() = %s", got)
	}
}

func TestIsMemory(t *testing.T) {
	cases := []struct {
		path string
		want bool
	}{
		{":memory:", true},
		{"file::memory:?cache=shared", true},
		{"file:test.db?mode=memory", true},
		{"/var/lib/ncache/cache.db", false},
		{"file:/var/lib/ncache/c.db", false},
	}
	for _, tc := range cases {
		if got := IsMemory(tc.path); got != tc.want {
			t.Fatalf("IsMemory(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}
}
