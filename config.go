package naturalquery

import (
	"fmt"
	"time"

	"github.com/hashicorp/hcl"
)

// DefaultDriver is the database/sql driver registered by pgx's stdlib package.
const DefaultDriver = "pgx"

// Config defines how an Executor opens and uses its connection pool.
type Config struct {
	// Driver is the database/sql driver name. If empty, DefaultDriver is used.
	Driver string
	// DSN is the connection string handed to the driver.
	DSN string
	// MaxOpenConns limits open connections. If = 0, database/sql's default
	// (unlimited) is kept.
	MaxOpenConns int
	// MaxIdleConns limits idle connections. If = 0, database/sql's default is kept.
	MaxIdleConns int
	// ConnMaxLifetime bounds how long a connection may be reused.
	ConnMaxLifetime time.Duration
	// LogSQL logs every statement at debug level.
	LogSQL bool
	// LogArgs includes (redacted) arguments in statement logs.
	LogArgs bool
	// SlowQuery logs statements slower than this at warn level. 0 disables it.
	SlowQuery time.Duration
	// MaxLogSQLLen truncates logged statements. If <= 0, 2048 is used.
	MaxLogSQLLen int
}

// fileConfig is the HCL shape of Config; durations are Go duration strings.
type fileConfig struct {
	Driver          string `hcl:"driver"`
	DSN             string `hcl:"dsn"`
	MaxOpenConns    int    `hcl:"max_open_conns"`
	MaxIdleConns    int    `hcl:"max_idle_conns"`
	ConnMaxLifetime string `hcl:"conn_max_lifetime"`
	LogSQL          bool   `hcl:"log_sql"`
	LogArgs         bool   `hcl:"log_args"`
	SlowQuery       string `hcl:"slow_query"`
	MaxLogSQLLen    int    `hcl:"max_log_sql_len"`
}

// ParseConfig decodes an HCL configuration such as:
//
//	driver            = "pgx"
//	dsn               = "postgres://app@localhost/app"
//	max_open_conns    = 10
//	conn_max_lifetime = "5m"
//	slow_query        = "200ms"
func ParseConfig(src string) (Config, error) {
	var fc fileConfig
	if err := hcl.Decode(&fc, src); err != nil {
		return Config{}, fmt.Errorf("naturalquery: parse config: %w", err)
	}

	c := Config{
		Driver:       fc.Driver,
		DSN:          fc.DSN,
		MaxOpenConns: fc.MaxOpenConns,
		MaxIdleConns: fc.MaxIdleConns,
		LogSQL:       fc.LogSQL,
		LogArgs:      fc.LogArgs,
		MaxLogSQLLen: fc.MaxLogSQLLen,
	}
	var err error
	if c.ConnMaxLifetime, err = parseDuration("conn_max_lifetime", fc.ConnMaxLifetime); err != nil {
		return Config{}, err
	}
	if c.SlowQuery, err = parseDuration("slow_query", fc.SlowQuery); err != nil {
		return Config{}, err
	}
	return defaultConfig(c), nil
}

func parseDuration(key, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("naturalquery: parse config: %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("naturalquery: parse config: %s must not be negative", key)
	}
	return d, nil
}

// defaultConfig fills unspecified fields with defaults.
func defaultConfig(c Config) Config {
	if c.Driver == "" {
		c.Driver = DefaultDriver
	}
	if c.MaxLogSQLLen <= 0 {
		c.MaxLogSQLLen = 2048
	}
	return c
}
