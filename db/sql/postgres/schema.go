package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// CreateTable creates table with the given column definitions unless it
// exists. Callers in any process are serialized on a transaction-scoped
// advisory lock keyed by the table name.
func CreateTable(ctx context.Context, db *sql.DB, table string, columns ...string) (err error) {
	if db == nil {
		return errors.New("postgres: db is nil")
	}
	if table == "" || len(columns) == 0 {
		return errors.New("postgres: create table: name and columns are required")
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: create table %s: %w", table, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, table); err != nil {
		return fmt.Errorf("postgres: create table %s: lock: %w", table, err)
	}
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", QuoteIdentifier(table), strings.Join(columns, ",\n\t"))
	if _, err = tx.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("postgres: create table %s: %w", table, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("postgres: create table %s: commit: %w", table, err)
	}
	return nil
}
