package pg

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"gestloc.io/internal/lease"
)

// Postgres error codes that indicate the schema does not match what the code
// expects (usually a migration that was never applied).
const (
	codeUndefinedColumn   = "42703"
	codeUndefinedTable    = "42P01"
	codeNotNullViolation  = "23502"
	codeForeignKey        = "23503"
	codeUniqueViolation   = "23505"
	codeCheckViolation    = "23514"
	codeInvalidTextEnum   = "22P02"
)

// classify maps driver errors onto the domain error taxonomy so callers can
// distinguish a missing row from a schema problem. Constraint failures carry a
// human-readable hint instead of a generic failure.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return lease.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUndefinedColumn, codeUndefinedTable:
			return fmt.Errorf("%w: %s — schema out of date, run `migrate up` (%s)",
				lease.ErrConstraintViolation, pgErr.Message, pgErr.Code)
		case codeNotNullViolation, codeForeignKey, codeUniqueViolation, codeCheckViolation, codeInvalidTextEnum:
			return fmt.Errorf("%w: %s (%s)", lease.ErrConstraintViolation, pgErr.Message, pgErr.Code)
		}
	}
	return err
}
