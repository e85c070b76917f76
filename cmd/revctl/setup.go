package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"

	"github.com/minetest/contentdb-sub001/config"
	"github.com/minetest/contentdb-sub001/migration"
	"github.com/minetest/contentdb-sub001/observability/tracing"
	"github.com/minetest/contentdb-sub001/store"
)

// options are the flags shared by commands that read the configuration.
type options struct {
	config    string
	driver    string
	dsn       string
	revisions string
	logLevel  string
}

func addOptions(fs *flag.FlagSet) *options {
	o := &options{}
	fs.StringVar(&o.config, "config", os.Getenv("REVCTL_CONFIG"), "Path to the revctl YAML config file")
	fs.StringVar(&o.driver, "driver", "", "Database driver: postgres or sqlite")
	fs.StringVar(&o.dsn, "dsn", "", "PostgreSQL connection URL or SQLite database path")
	fs.StringVar(&o.revisions, "revisions", "", "Directory holding revision files")
	fs.StringVar(&o.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	return o
}

// load resolves the configuration: defaults, then the file, then REVCTL_*
// variables, then flags.
func (o *options) load() (*config.Config, error) {
	cfg := config.Default()
	if o.config != "" {
		var err error
		if cfg, err = config.LoadFromFile(o.config); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if o.driver != "" {
		cfg.Database.Driver = o.driver
	}
	if o.dsn != "" {
		cfg.Database.DSN = o.dsn
	}
	if o.revisions != "" {
		cfg.Revisions = o.revisions
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	return cfg, nil
}

func newLogger(c config.LogConfig) (*slog.Logger, error) {
	level, err := c.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
}

// loadGraph builds the revision graph from cfg's revision directory.
func loadGraph(cfg *config.Config) (*migration.Graph, error) {
	g, err := migration.LoadGraph(os.DirFS(cfg.Revisions))
	if err != nil {
		return nil, fmt.Errorf("load revisions from %s: %w", cfg.Revisions, err)
	}
	return g, nil
}

// runtime holds what a store command needs. Close releases it all.
type runtime struct {
	cfg     *config.Config
	logger  *slog.Logger
	backend store.Backend
	engine  *migration.Engine
	metrics *migration.Metrics
	closers []func(context.Context) error
}

// open validates the configuration and connects everything a store
// command needs: logger, revision graph, backend, outer lock, metrics and
// tracing.
func (o *options) open(ctx context.Context) (_ *runtime, err error) {
	cfg, err := o.load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, err
	}
	graph, err := loadGraph(cfg)
	if err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			err = multierr.Append(err, rt.Close(ctx))
		}
	}()

	backend, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN, cfg.Database.MaxConns)
	if err != nil {
		return nil, err
	}
	rt.backend = backend
	rt.closers = append(rt.closers, func(context.Context) error { return backend.Close() })

	opts := []migration.Option{migration.WithLogger(logger)}

	switch cfg.LockMode() {
	case config.LockAdvisory:
		pg, ok := backend.(*store.PGStore)
		if !ok {
			return nil, fmt.Errorf("advisory locking needs a postgres database, not %s", cfg.Database.Driver)
		}
		opts = append(opts, migration.WithLocker(store.NewAdvisoryLock(pg.Pool()), cfg.Lock.Key))
	case config.LockRedis:
		ttl, err := cfg.Lock.RedisTTL()
		if err != nil {
			return nil, err
		}
		client := redis.NewClient(&redis.Options{Addr: cfg.Lock.RedisAddr})
		rt.closers = append(rt.closers, func(context.Context) error { return client.Close() })
		opts = append(opts, migration.WithLocker(migration.NewRedisLock(client, ttl), cfg.Lock.Key))
	}

	if cfg.Metrics.Textfile != "" {
		rt.metrics = migration.NewMetrics("revctl")
		opts = append(opts, migration.WithMetrics(rt.metrics))
	}

	tcfg := tracing.DefaultConfig()
	tcfg.Endpoint = cfg.Tracing.Endpoint
	tcfg.ServiceName = cfg.Tracing.ServiceName
	tcfg.ServiceVersion = version
	tcfg.Insecure = cfg.Tracing.Insecure
	if cfg.Tracing.SampleRate > 0 {
		tcfg.SampleRate = cfg.Tracing.SampleRate
	}
	provider, err := tracing.NewProvider(ctx, tcfg)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, provider.Shutdown)
	opts = append(opts, migration.WithTracer(tracing.NewMigrationTracer(provider.Tracer())))

	rt.engine = migration.NewEngine(graph, backend, opts...)
	return rt, nil
}

// Close writes the metrics textfile, if configured, and releases
// connections in reverse order of acquisition.
func (r *runtime) Close(ctx context.Context) error {
	var err error
	if r.metrics != nil {
		if e := r.metrics.WriteTextfile(r.cfg.Metrics.Textfile); e != nil {
			err = multierr.Append(err, fmt.Errorf("write metrics textfile: %w", e))
		}
	}
	for i := len(r.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, r.closers[i](context.WithoutCancel(ctx)))
	}
	r.closers = nil
	return err
}
