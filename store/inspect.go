package store

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/minetest/contentdb-sub001/migration"
)

// count runs a COUNT query built by b and returns the result.
func count(ctx context.Context, q migration.Querier, b sq.SelectBuilder) (int, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return 0, err
	}
	var n int
	if err := q.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("inspect schema: %w", err)
	}
	return n, nil
}

func exists(ctx context.Context, q migration.Querier, b sq.SelectBuilder) (bool, error) {
	n, err := count(ctx, q, b)
	return n > 0, err
}

// inspector answers existence questions for one engine's catalog.
type inspector interface {
	table(ctx context.Context, q migration.Querier, table string) (bool, error)
	column(ctx context.Context, q migration.Querier, table, column string) (bool, error)
}

func requireTable(ctx context.Context, in inspector, q migration.Querier, table string) error {
	ok, err := in.table(ctx, q, table)
	if err != nil {
		return err
	}
	if !ok {
		return &migration.MissingObjectError{Object: "table", Name: table}
	}
	return nil
}

func requireColumns(ctx context.Context, in inspector, q migration.Querier, table string, columns ...string) error {
	if err := requireTable(ctx, in, q, table); err != nil {
		return err
	}
	for _, c := range columns {
		ok, err := in.column(ctx, q, table, c)
		if err != nil {
			return err
		}
		if !ok {
			return &migration.MissingObjectError{Object: "column", Name: table + "." + c}
		}
	}
	return nil
}

func forbidColumn(ctx context.Context, in inspector, q migration.Querier, table, column string) error {
	ok, err := in.column(ctx, q, table, column)
	if err != nil {
		return err
	}
	if ok {
		return &migration.ConflictError{Object: "column", Name: table + "." + column}
	}
	return nil
}

func stmt(format string, a ...any) migration.Statement {
	return migration.Statement{SQL: fmt.Sprintf(format, a...)}
}
