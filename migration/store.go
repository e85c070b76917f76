package migration

import (
	"context"

	sq "github.com/Masterminds/squirrel"
)

// Row is a single result row.
type Row interface {
	Scan(dest ...any) error
}

// Querier executes statements. It is satisfied by a Store (autocommit) and
// by a Tx.
type Querier interface {
	// Exec runs a statement and returns the number of rows it affected.
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	// QueryRow runs a query expected to return one row.
	QueryRow(ctx context.Context, query string, args ...any) Row
}

// Tx is an open transaction scope.
type Tx interface {
	Querier
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Store is the backing store being migrated. It also holds the applied
// state. Implementations classify driver errors into ConflictError,
// MissingObjectError and ConstraintViolationError where they can.
type Store interface {
	Querier
	Begin(ctx context.Context) (Tx, error)
	Dialect() Dialect
}

// Statement is one SQL statement with its arguments.
type Statement struct {
	SQL  string
	Args []any
}

// Dialect compiles operations for one storage engine.
type Dialect interface {
	// Name identifies the engine, e.g. "postgres".
	Name() string

	// Placeholder is the bind parameter format for built queries.
	Placeholder() sq.PlaceholderFormat

	// BreaksTransaction reports whether op must run outside any open
	// transaction.
	BreaksTransaction(op Operation) bool

	// Prepare checks op against the current schema through q and compiles
	// it into statements. Existence problems are reported as
	// ConflictError or MissingObjectError before anything runs.
	Prepare(ctx context.Context, q Querier, op Operation) ([]Statement, error)
}

// run prepares op and executes its statements through q.
func run(ctx context.Context, d Dialect, q Querier, op Operation) error {
	stmts, err := d.Prepare(ctx, q, op)
	if err != nil {
		return err
	}
	for _, s := range stmts {
		if _, err := q.Exec(ctx, s.SQL, s.Args...); err != nil {
			return err
		}
	}
	return nil
}
