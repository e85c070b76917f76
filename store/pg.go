package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/minetest/contentdb-sub001/migration"
)

// PGConfig holds PostgreSQL connection configuration.
type PGConfig struct {
	URL      string `yaml:"url" json:"url"`
	MaxConns int32  `yaml:"max_conns" json:"max_conns"`
	MinConns int32  `yaml:"min_conns" json:"min_conns"`

	// SearchPath, when set, selects the schema the store migrates.
	SearchPath string `yaml:"search_path" json:"search_path"`
}

// PGStore implements migration.Store on a pgxpool.Pool.
type PGStore struct {
	pool    *pgxpool.Pool
	dialect *PGDialect
}

// NewPGStore connects to PostgreSQL and returns a PGStore.
func NewPGStore(ctx context.Context, cfg PGConfig) (*PGStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse pg config: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.SearchPath != "" {
		poolCfg.ConnConfig.RuntimeParams["search_path"] = cfg.SearchPath
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}
	return &PGStore{pool: pool, dialect: &PGDialect{}}, nil
}

// Pool returns the underlying pgxpool.Pool.
func (s *PGStore) Pool() *pgxpool.Pool { return s.pool }

// Dialect implements migration.Store.
func (s *PGStore) Dialect() migration.Dialect { return s.dialect }

// Exec implements migration.Querier.
func (s *PGStore) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, classifyPG(err)
	}
	return tag.RowsAffected(), nil
}

// QueryRow implements migration.Querier.
func (s *PGStore) QueryRow(ctx context.Context, query string, args ...any) migration.Row {
	return classifiedRow{s.pool.QueryRow(ctx, query, args...), classifyPG}
}

// Begin implements migration.Store.
func (s *PGStore) Begin(ctx context.Context) (migration.Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin pg tx: %w", err)
	}
	return &pgTx{tx: tx}, nil
}

// Close closes the connection pool.
func (s *PGStore) Close() error {
	s.pool.Close()
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := t.tx.Exec(ctx, query, args...)
	if err != nil {
		return 0, classifyPG(err)
	}
	return tag.RowsAffected(), nil
}

func (t *pgTx) QueryRow(ctx context.Context, query string, args ...any) migration.Row {
	return classifiedRow{t.tx.QueryRow(ctx, query, args...), classifyPG}
}

func (t *pgTx) Commit(ctx context.Context) error { return classifyPG(t.tx.Commit(ctx)) }

func (t *pgTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}
