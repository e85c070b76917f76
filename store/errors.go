package store

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/minetest/contentdb-sub001/migration"
)

// classifyPG maps PostgreSQL SQLSTATE codes onto the migration error
// taxonomy. Unrecognized errors are returned unchanged.
func classifyPG(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "42701": // duplicate_column
		return &migration.ConflictError{Object: "column", Err: err}
	case "42P07": // duplicate_table
		return &migration.ConflictError{Object: "relation", Err: err}
	case "42710": // duplicate_object
		return &migration.ConflictError{Object: "object", Err: err}
	case "42703": // undefined_column
		return &migration.MissingObjectError{Object: "column", Err: err}
	case "42P01": // undefined_table
		return &migration.MissingObjectError{Object: "relation", Err: err}
	case "42704": // undefined_object
		return &migration.MissingObjectError{Object: "object", Err: err}
	case "23505", "23514", "23503", "23502": // unique, check, foreign key, not null
		return &migration.ConstraintViolationError{Constraint: pgErr.ConstraintName, Detail: pgErr.Message, Err: err}
	}
	return err
}

// classifySQLite does the same for SQLite, whose driver reports problems
// through the error message.
func classifySQLite(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "duplicate column name"):
		return &migration.ConflictError{Object: "column", Err: err}
	case strings.Contains(msg, "already exists"):
		return &migration.ConflictError{Object: "object", Err: err}
	case strings.Contains(msg, "no such column"):
		return &migration.MissingObjectError{Object: "column", Err: err}
	case strings.Contains(msg, "no such table"):
		return &migration.MissingObjectError{Object: "table", Err: err}
	case strings.Contains(msg, "no such index"), strings.Contains(msg, "no such trigger"):
		return &migration.MissingObjectError{Object: "object", Err: err}
	case strings.Contains(msg, "constraint failed"):
		return &migration.ConstraintViolationError{Detail: msg, Err: err}
	}
	return err
}

// classifiedRow classifies the error its Scan returns.
type classifiedRow struct {
	row      migration.Row
	classify func(error) error
}

func (r classifiedRow) Scan(dest ...any) error { return r.classify(r.row.Scan(dest...)) }
