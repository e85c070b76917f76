package store

import (
	"context"
	"fmt"

	"github.com/minetest/contentdb-sub001/migration"
)

// Backend is a migration.Store that can describe its schema and be closed.
type Backend interface {
	migration.Store
	Snapshot(ctx context.Context) (*Snapshot, error)
	Close() error
}

var (
	_ Backend = (*PGStore)(nil)
	_ Backend = (*SQLiteStore)(nil)
)

// Open connects to the backing store named by driver: "postgres" (or
// "pgx") or "sqlite". maxConns only applies to PostgreSQL.
func Open(ctx context.Context, driver, dsn string, maxConns int32) (Backend, error) {
	switch driver {
	case "postgres", "pgx":
		return NewPGStore(ctx, PGConfig{URL: dsn, MaxConns: maxConns})
	case "sqlite", "sqlite3":
		return OpenSQLite(dsn)
	}
	return nil, fmt.Errorf("unknown database driver %q", driver)
}
