package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// Lock modes.
const (
	LockState    = "state"
	LockAdvisory = "advisory"
	LockRedis    = "redis"
)

// DatabaseConfig names the store being migrated.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns,omitempty"`
}

// LockConfig selects the single-writer guard. The applied-state lock is
// always taken; advisory and redis add an outer lock in front of it. An
// empty mode means advisory on PostgreSQL and state otherwise.
type LockConfig struct {
	Mode      string `yaml:"mode"`
	Key       string `yaml:"key,omitempty"`
	RedisAddr string `yaml:"redis_addr,omitempty"`
	// TTL bounds how long a crashed holder blocks the redis lock, as a Go
	// duration string.
	TTL string `yaml:"ttl,omitempty"`
}

// RedisTTL parses TTL. Zero means the lock's default.
func (l LockConfig) RedisTTL() (time.Duration, error) {
	if l.TTL == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(l.TTL)
	if err != nil {
		return 0, fmt.Errorf("lock.ttl: %w", err)
	}
	return d, nil
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig configures metrics export.
type MetricsConfig struct {
	// Textfile is written after every mutating command when set.
	Textfile string `yaml:"textfile,omitempty"`
}

// TracingConfig configures span export. An empty endpoint disables it.
type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint,omitempty"`
	ServiceName string  `yaml:"service_name,omitempty"`
	Insecure    bool    `yaml:"insecure,omitempty"`
	SampleRate  float64 `yaml:"sample_rate,omitempty"`
}

// Config is the revctl configuration file.
type Config struct {
	Database  DatabaseConfig `yaml:"database"`
	Revisions string         `yaml:"revisions"`
	Lock      LockConfig     `yaml:"lock"`
	Log       LogConfig      `yaml:"log"`
	Metrics   MetricsConfig  `yaml:"metrics"`
	Tracing   TracingConfig  `yaml:"tracing"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Database:  DatabaseConfig{Driver: "postgres", MaxConns: 4},
		Revisions: "./migrations",
		Log:       LogConfig{Level: "info", Format: "text"},
		Tracing:   TracingConfig{ServiceName: "revctl"},
	}
}

// LoadFromFile loads a configuration file over the defaults. Unknown keys
// are errors.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a configuration document over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	// An empty document leaves the defaults.
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from REVCTL_* environment variables.
func (c *Config) ApplyEnv() error {
	for name, dst := range map[string]*string{
		"REVCTL_DATABASE_DRIVER": &c.Database.Driver,
		"REVCTL_DATABASE_DSN":    &c.Database.DSN,
		"REVCTL_REVISIONS":       &c.Revisions,
		"REVCTL_LOCK_MODE":       &c.Lock.Mode,
		"REVCTL_LOG_LEVEL":       &c.Log.Level,
	} {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("REVCTL_DATABASE_MAX_CONNS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return fmt.Errorf("REVCTL_DATABASE_MAX_CONNS: %w", err)
		}
		c.Database.MaxConns = int32(n)
	}
	return nil
}

// LockMode returns the configured lock mode, resolving an empty one by
// driver.
func (c *Config) LockMode() string {
	switch {
	case c.Lock.Mode != "":
		return c.Lock.Mode
	case c.IsPostgres():
		return LockAdvisory
	}
	return LockState
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	var errs error
	switch c.Database.Driver {
	case "postgres", "pgx", "sqlite", "sqlite3":
	default:
		errs = multierr.Append(errs, fmt.Errorf("database.driver: unknown driver %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = multierr.Append(errs, errors.New("database.dsn is required"))
	}
	if c.Revisions == "" {
		errs = multierr.Append(errs, errors.New("revisions directory is required"))
	}
	if c.Database.MaxConns < 0 {
		errs = multierr.Append(errs, fmt.Errorf("database.max_conns: %d is negative", c.Database.MaxConns))
	}
	mode := c.LockMode()
	switch mode {
	case LockState:
	case LockAdvisory:
		// The advisory lock pins one pooled connection for the whole run.
		if c.Database.MaxConns == 1 {
			errs = multierr.Append(errs, errors.New("database.max_conns must be at least 2 with advisory locking"))
		}
	case LockRedis:
		if c.Lock.RedisAddr == "" {
			errs = multierr.Append(errs, errors.New("lock.redis_addr is required for redis locking"))
		}
	default:
		errs = multierr.Append(errs, fmt.Errorf("lock.mode: unknown mode %q", c.Lock.Mode))
	}
	if mode == LockAdvisory && !c.IsPostgres() {
		errs = multierr.Append(errs, errors.New("lock.mode advisory requires a postgres database"))
	}
	if _, err := c.Lock.RedisTTL(); err != nil {
		errs = multierr.Append(errs, err)
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = multierr.Append(errs, err)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		errs = multierr.Append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	if r := c.Tracing.SampleRate; r < 0 || r > 1 {
		errs = multierr.Append(errs, fmt.Errorf("tracing.sample_rate: %v is outside [0, 1]", r))
	}
	return errs
}

// IsPostgres reports whether the database is PostgreSQL.
func (c *Config) IsPostgres() bool {
	return c.Database.Driver == "postgres" || c.Database.Driver == "pgx"
}

// SlogLevel parses the configured level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if l.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}
