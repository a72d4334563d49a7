// Package config loads service settings from defaults, an optional TOML
// file, a .env file and MICROLEND_* environment variables, in that order of
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const envPrefix = "MICROLEND_"

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Server  ServerConfig  `toml:"server"`
	Store   StoreConfig   `toml:"store"`
	Auth    AuthConfig    `toml:"auth"`
	Log     LogConfig     `toml:"log"`
	Metrics MetricsConfig `toml:"metrics"`
	Lending LendingConfig `toml:"lending"`
}

type ServerConfig struct {
	Addr            string        `toml:"addr"`
	ReadTimeout     time.Duration `toml:"read_timeout"`
	WriteTimeout    time.Duration `toml:"write_timeout"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
}

type StoreConfig struct {
	Driver   string         `toml:"driver"`
	SQLite   SQLiteConfig   `toml:"sqlite"`
	Postgres PostgresConfig `toml:"postgres"`
}

type SQLiteConfig struct {
	Path string `toml:"path"`
}

type PostgresConfig struct {
	DSN             string        `toml:"dsn"`
	MaxConns        int32         `toml:"max_conns"`
	MinConns        int32         `toml:"min_conns"`
	MaxConnLifetime time.Duration `toml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `toml:"max_conn_idle_time"`
	ConnectRetries  int           `toml:"connect_retries"`
}

// AuthConfig holds the shared secret used to verify HS256 bearer tokens.
type AuthConfig struct {
	JWTSecret string `toml:"jwt_secret"`
	Issuer    string `toml:"issuer"`
}

type LogConfig struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

// LendingConfig bounds loan applications. Decimal values are written as
// strings in the TOML file, e.g. annual_rate = "12.5".
type LendingConfig struct {
	AnnualRate    decimal.Decimal `toml:"annual_rate"`
	MinAmount     decimal.Decimal `toml:"min_amount"`
	MaxAmount     decimal.Decimal `toml:"max_amount"`
	MinTermMonths int             `toml:"min_term_months"`
	MaxTermMonths int             `toml:"max_term_months"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Driver: DriverSQLite,
			SQLite: SQLiteConfig{Path: "microlend.db"},
			Postgres: PostgresConfig{
				MaxConns:        10,
				MinConns:        1,
				MaxConnLifetime: time.Hour,
				MaxConnIdleTime: 30 * time.Minute,
				ConnectRetries:  5,
			},
		},
		Log:     LogConfig{Level: "info"},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
		Lending: LendingConfig{
			AnnualRate:    decimal.NewFromInt(12),
			MinAmount:     decimal.NewFromInt(1000),
			MaxAmount:     decimal.NewFromInt(1000000),
			MinTermMonths: 1,
			MaxTermMonths: 60,
		},
	}
}

// Load builds the configuration. path may be empty, in which case only the
// defaults and the environment apply. A missing .env file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type lookupFunc func(key string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(envPrefix + key); ok {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(envPrefix + key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(envPrefix + key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = d
		}
	}
	decimalVal := func(key string, dst *decimal.Decimal) {
		if v, ok := lookup(envPrefix + key); ok {
			d, err := decimal.NewFromString(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = d
		}
	}
	int32Val := func(key string, dst *int32) {
		if v, ok := lookup(envPrefix + key); ok {
			n, err := strconv.ParseInt(v, 10, 32)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = int32(n)
		}
	}

	str("HTTP_ADDR", &c.Server.Addr)
	duration("HTTP_READ_TIMEOUT", &c.Server.ReadTimeout)
	duration("HTTP_WRITE_TIMEOUT", &c.Server.WriteTimeout)
	duration("SHUTDOWN_TIMEOUT", &c.Server.ShutdownTimeout)
	str("STORE_DRIVER", &c.Store.Driver)
	str("SQLITE_PATH", &c.Store.SQLite.Path)
	str("POSTGRES_DSN", &c.Store.Postgres.DSN)
	int32Val("POSTGRES_MAX_CONNS", &c.Store.Postgres.MaxConns)
	int32Val("POSTGRES_MIN_CONNS", &c.Store.Postgres.MinConns)
	str("JWT_SECRET", &c.Auth.JWTSecret)
	str("JWT_ISSUER", &c.Auth.Issuer)
	str("LOG_LEVEL", &c.Log.Level)
	boolean("LOG_DEVELOPMENT", &c.Log.Development)
	boolean("METRICS_ENABLED", &c.Metrics.Enabled)
	decimalVal("LENDING_ANNUAL_RATE", &c.Lending.AnnualRate)
	decimalVal("LENDING_MIN_AMOUNT", &c.Lending.MinAmount)
	decimalVal("LENDING_MAX_AMOUNT", &c.Lending.MaxAmount)

	return errors.Join(errs...)
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server address is required"))
	}
	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.SQLite.Path == "" {
			errs = append(errs, errors.New("sqlite path is required for the sqlite driver"))
		}
	case DriverPostgres:
		if c.Store.Postgres.DSN == "" {
			errs = append(errs, errors.New("postgres dsn is required for the postgres driver"))
		}
		if c.Store.Postgres.MaxConns < 1 {
			errs = append(errs, fmt.Errorf("postgres max_conns must be positive, got %d", c.Store.Postgres.MaxConns))
		}
		if c.Store.Postgres.MinConns > c.Store.Postgres.MaxConns {
			errs = append(errs, errors.New("postgres min_conns exceeds max_conns"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}
	if len(c.Auth.JWTSecret) < 32 {
		errs = append(errs, errors.New("jwt secret must be at least 32 bytes"))
	}
	if _, err := zap.ParseAtomicLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log level: %w", err))
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		errs = append(errs, fmt.Errorf("metrics path must start with /, got %q", c.Metrics.Path))
	}
	if c.Lending.AnnualRate.IsNegative() {
		errs = append(errs, fmt.Errorf("lending annual_rate must not be negative, got %s", c.Lending.AnnualRate))
	}
	if !c.Lending.MinAmount.IsPositive() || c.Lending.MaxAmount.LessThan(c.Lending.MinAmount) {
		errs = append(errs, fmt.Errorf("lending amount bounds [%s, %s] are invalid", c.Lending.MinAmount, c.Lending.MaxAmount))
	}
	if c.Lending.MinTermMonths < 1 || c.Lending.MaxTermMonths < c.Lending.MinTermMonths {
		errs = append(errs, fmt.Errorf("lending term bounds [%d, %d] are invalid", c.Lending.MinTermMonths, c.Lending.MaxTermMonths))
	}
	return errors.Join(errs...)
}

// NewLogger builds the process logger: JSON in production, console output
// in development mode.
func (c LogConfig) NewLogger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}
