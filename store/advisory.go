package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/minetest/contentdb-sub001/migration"
)

// AdvisoryLock implements migration.Locker using PostgreSQL session advisory
// locks. The key string is hashed to int64 with migration.LockID. The lock
// lives on a connection taken out of the pool for as long as it is held, so
// it is released by the server if the process dies.
type AdvisoryLock struct {
	pool *pgxpool.Pool
}

// NewAdvisoryLock creates an AdvisoryLock over pool.
func NewAdvisoryLock(pool *pgxpool.Pool) *AdvisoryLock {
	return &AdvisoryLock{pool: pool}
}

// TryAcquire implements migration.Locker.
func (l *AdvisoryLock) TryAcquire(ctx context.Context, key string) (func(context.Context) error, error) {
	lockID := migration.LockID(key)

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("advisory lock: get conn: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", lockID).Scan(&acquired); err != nil {
		conn.Release()
		return nil, fmt.Errorf("advisory lock: try acquire %q: %w", key, err)
	}
	if !acquired {
		conn.Release()
		return nil, &migration.LockHeldError{Holder: fmt.Sprintf("advisory lock %d", lockID)}
	}

	var once sync.Once
	return func(ctx context.Context) error {
		var err error
		once.Do(func() {
			defer conn.Release()
			if _, uerr := conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", lockID); uerr != nil {
				err = fmt.Errorf("advisory lock: release %q: %w", key, uerr)
			}
		})
		return err
	}, nil
}
