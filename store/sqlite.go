package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/minetest/contentdb-sub001/migration"
)

// SQLitePragmas are appended to file DSNs: WAL for concurrent readers, a
// busy timeout so a second writer waits briefly instead of failing, and
// foreign key enforcement.
const SQLitePragmas = "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"

// SQLiteDSN returns a DSN for the database file at path with SQLitePragmas.
// ":memory:" is returned unchanged.
func SQLiteDSN(path string) string {
	if path == ":memory:" || strings.Contains(path, "_pragma=") {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return "file:" + strings.TrimPrefix(path, "file:") + sep + SQLitePragmas
}

// SQLiteStore implements migration.Store on SQLite through database/sql.
// It keeps a single connection: SQLite allows one writer, and an in-memory
// database exists only on the connection that created it.
type SQLiteStore struct {
	db      *sqlx.DB
	dialect *SQLiteDialect
}

// OpenSQLite opens the SQLite database named by dsn.
func OpenSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", SQLiteDSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return NewSQLiteStore(db), nil
}

// NewSQLiteStore wraps an open database.
func NewSQLiteStore(db *sqlx.DB) *SQLiteStore {
	return &SQLiteStore{db: db, dialect: &SQLiteDialect{}}
}

// DB returns the underlying database.
func (s *SQLiteStore) DB() *sqlx.DB { return s.db }

// Dialect implements migration.Store.
func (s *SQLiteStore) Dialect() migration.Dialect { return s.dialect }

// Exec implements migration.Querier.
func (s *SQLiteStore) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	return sqliteExec(ctx, s.db, query, args...)
}

// QueryRow implements migration.Querier.
func (s *SQLiteStore) QueryRow(ctx context.Context, query string, args ...any) migration.Row {
	return classifiedRow{s.db.QueryRowContext(ctx, query, args...), classifySQLite}
}

// Begin implements migration.Store.
func (s *SQLiteStore) Begin(ctx context.Context) (migration.Tx, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin sqlite tx: %w", err)
	}
	return &sqliteTx{tx: tx}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

type sqliteTx struct {
	tx *sqlx.Tx
}

func (t *sqliteTx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	return sqliteExec(ctx, t.tx, query, args...)
}

func (t *sqliteTx) QueryRow(ctx context.Context, query string, args ...any) migration.Row {
	return classifiedRow{t.tx.QueryRowContext(ctx, query, args...), classifySQLite}
}

func (t *sqliteTx) Commit(context.Context) error { return t.tx.Commit() }

func (t *sqliteTx) Rollback(context.Context) error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

func sqliteExec(ctx context.Context, e sqlx.ExecerContext, query string, args ...any) (int64, error) {
	res, err := e.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, classifySQLite(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}
