package postgres

import (
	"errors"
	"strconv"

	"github.com/jackc/pgx/v5/pgconn"
)

// pgUniqueViolation is the PostgreSQL SQLSTATE for a unique-index
// violation (23505).
const pgUniqueViolation = "23505"

// isUniqueViolation reports whether err is a pgconn.PgError carrying the
// unique_violation SQLSTATE.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return false
}

// itoa renders n as a decimal string, used for building positional SQL
// placeholders ($N) where fmt.Sprintf would be overkill.
func itoa(n int) string {
	return strconv.Itoa(n)
}
