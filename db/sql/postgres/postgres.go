package postgres

import (
	"errors"

	"github.com/lib/pq"
)

const codeUndefinedTable = "42P01"

// QuoteIdentifier quotes name for use as a table or column identifier.
func QuoteIdentifier(name string) string { return pq.QuoteIdentifier(name) }

// IsUndefinedTable reports whether err was raised for a missing relation.
func IsUndefinedTable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == codeUndefinedTable
	}
	return false
}
