package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "revctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  driver: sqlite
  dsn: /var/lib/contentdb/content.db
revisions: ./db/revisions
lock:
  mode: redis
  redis_addr: localhost:6379
  ttl: 30m
log:
  level: debug
  format: json
metrics:
  textfile: /var/lib/node_exporter/revctl.prom
`), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, "sqlite", cfg.Database.Driver)
	require.Equal(t, int32(4), cfg.Database.MaxConns, "unset keys keep their defaults")
	require.Equal(t, "./db/revisions", cfg.Revisions)
	require.Equal(t, "/var/lib/node_exporter/revctl.prom", cfg.Metrics.Textfile)
	require.Equal(t, "revctl", cfg.Tracing.ServiceName)
	require.False(t, cfg.IsPostgres())

	ttl, err := cfg.Lock.RedisTTL()
	require.NoError(t, err)
	require.Equal(t, 30*time.Minute, ttl)

	level, err := cfg.Log.SlogLevel()
	require.NoError(t, err)
	require.Equal(t, slog.LevelDebug, level)
}

func TestParse(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)

	_, err = Parse([]byte("database:\n  drvier: postgres\n"))
	require.ErrorContains(t, err, "drvier")

	_, err = LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "failed to read config file")
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("REVCTL_DATABASE_DRIVER", "sqlite")
	t.Setenv("REVCTL_DATABASE_DSN", ":memory:")
	t.Setenv("REVCTL_REVISIONS", "/srv/revisions")
	t.Setenv("REVCTL_LOCK_MODE", "")
	t.Setenv("REVCTL_LOG_LEVEL", "warn")
	t.Setenv("REVCTL_DATABASE_MAX_CONNS", "9")

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv())
	require.Equal(t, "sqlite", cfg.Database.Driver)
	require.Equal(t, ":memory:", cfg.Database.DSN)
	require.Equal(t, "/srv/revisions", cfg.Revisions)
	require.Empty(t, cfg.Lock.Mode, "empty variables are ignored")
	require.Equal(t, "warn", cfg.Log.Level)
	require.Equal(t, int32(9), cfg.Database.MaxConns)

	t.Setenv("REVCTL_DATABASE_MAX_CONNS", "many")
	require.ErrorContains(t, Default().ApplyEnv(), "REVCTL_DATABASE_MAX_CONNS")
}

func TestLockMode(t *testing.T) {
	cfg := Default()
	require.Equal(t, LockAdvisory, cfg.LockMode(), "postgres defaults to advisory locking")
	cfg.Database.Driver = "sqlite"
	require.Equal(t, LockState, cfg.LockMode())
	cfg.Lock.Mode = LockRedis
	require.Equal(t, LockRedis, cfg.LockMode())
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Database.DSN = "postgres://localhost/contentdb"
		return cfg
	}
	require.NoError(t, valid().Validate())

	tests := map[string]struct {
		mutate func(*Config)
		want   string
	}{
		"driver":            {func(c *Config) { c.Database.Driver = "mysql" }, `unknown driver "mysql"`},
		"dsn":               {func(c *Config) { c.Database.DSN = "" }, "database.dsn is required"},
		"max conns":         {func(c *Config) { c.Database.MaxConns = -1 }, "database.max_conns"},
		"revisions":         {func(c *Config) { c.Revisions = "" }, "revisions directory is required"},
		"lock mode":         {func(c *Config) { c.Lock.Mode = "flock" }, `unknown mode "flock"`},
		"redis addr":        {func(c *Config) { c.Lock.Mode = LockRedis }, "lock.redis_addr is required"},
		"redis ttl":         {func(c *Config) { c.Lock.TTL = "soon" }, "lock.ttl"},
		"level":             {func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		"format":            {func(c *Config) { c.Log.Format = "xml" }, `unknown format "xml"`},
		"advisory":          {func(c *Config) { c.Database.Driver, c.Lock.Mode = "sqlite", LockAdvisory }, "requires a postgres database"},
		"advisory one conn": {func(c *Config) { c.Database.MaxConns = 1 }, "at least 2 with advisory locking"},
		"sample rate":       {func(c *Config) { c.Tracing.SampleRate = 1.5 }, "tracing.sample_rate"},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			require.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}
