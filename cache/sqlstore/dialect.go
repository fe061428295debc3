package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/chrisbrine/ncache/db/sql/postgres"
	"github.com/chrisbrine/ncache/db/sql/sqlite"
)

// dialect is the narrow surface the store needs from an engine: connecting,
// quoting, statement text and catalog queries.
type dialect interface {
	name() string
	open(ctx context.Context, locator string) (*sql.DB, error)
	quote(ident string) string
	// bind rewrites ? placeholders into the engine's native form.
	bind(query string) string
	createTable(ctx context.Context, db *sql.DB, table string) error
	// listTables selects the names of user tables, one column.
	listTables() string
	// tableExists counts user tables named by the single placeholder.
	tableExists() string
	missingTable(err error) bool
	// bytewise makes comparisons and ordering on col follow byte order.
	bytewise(col string) string
}

type sqliteDialect struct{}

func (sqliteDialect) name() string { return "sqlite" }

func (sqliteDialect) open(ctx context.Context, locator string) (*sql.DB, error) {
	return sqlite.Open(ctx, sqlite.WithPath(locator), sqlite.WithWAL(true))
}

func (sqliteDialect) quote(ident string) string { return sqlite.QuoteIdentifier(ident) }

func (sqliteDialect) bind(query string) string { return query }

func (d sqliteDialect) createTable(ctx context.Context, db *sql.DB, table string) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id INTEGER PRIMARY KEY,
		space TEXT NOT NULL,
		name TEXT NOT NULL UNIQUE,
		value TEXT NOT NULL,
		expire INTEGER NOT NULL DEFAULT 0,
		type TEXT NOT NULL
	)`, d.quote(table))
	_, err := db.ExecContext(ctx, stmt)
	return err
}

func (sqliteDialect) listTables() string {
	return `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite\_%' ESCAPE '\'`
}

func (sqliteDialect) tableExists() string {
	return `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`
}

func (sqliteDialect) missingTable(err error) bool { return sqlite.IsNoSuchTable(err) }

// bytewise is a no-op: SQLite's default BINARY collation is byte order.
func (sqliteDialect) bytewise(col string) string { return col }

type postgresDialect struct{}

func (postgresDialect) name() string { return "postgres" }

func (postgresDialect) open(ctx context.Context, locator string) (*sql.DB, error) {
	return postgres.Open(ctx, postgres.WithDSN(locator))
}

func (postgresDialect) quote(ident string) string { return postgres.QuoteIdentifier(ident) }

func (postgresDialect) bind(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (postgresDialect) createTable(ctx context.Context, db *sql.DB, table string) error {
	return postgres.CreateTable(ctx, db, table,
		"id BIGSERIAL PRIMARY KEY",
		"space TEXT NOT NULL",
		"name TEXT NOT NULL UNIQUE",
		"value TEXT NOT NULL",
		"expire BIGINT NOT NULL DEFAULT 0",
		"type TEXT NOT NULL",
	)
}

func (postgresDialect) listTables() string {
	return `SELECT tablename FROM pg_catalog.pg_tables WHERE schemaname = current_schema()`
}

func (postgresDialect) tableExists() string {
	return `SELECT COUNT(*) FROM pg_catalog.pg_tables WHERE schemaname = current_schema() AND tablename = $1`
}

func (postgresDialect) missingTable(err error) bool { return postgres.IsUndefinedTable(err) }

func (postgresDialect) bytewise(col string) string { return col + ` COLLATE "C"` }
