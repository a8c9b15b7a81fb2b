// Package config loads the statesyncd configuration from a YAML file, an
// optional .env file and STATESYNC_* environment variables, in that order
// of precedence from lowest to highest.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/c0deZ3R0/go-state-sync/bus"
	"github.com/c0deZ3R0/go-state-sync/logging"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "STATESYNC_"

type Config struct {
	Server struct {
		Addr            string        `yaml:"addr"`
		EventsPath      string        `yaml:"events_path"`
		MaxRequestSize  int64         `yaml:"max_request_size"`
		Compression     bool          `yaml:"compression"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Storage struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
		Table  string `yaml:"table"`
		SQLite struct {
			EnableWAL bool `yaml:"enable_wal"`
		} `yaml:"sqlite"`
		Postgres struct {
			MaxOpenConns    int           `yaml:"max_open_conns"`
			MaxIdleConns    int           `yaml:"max_idle_conns"`
			ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
		} `yaml:"postgres"`
		Redis struct {
			Addr   string `yaml:"addr"`
			DB     int    `yaml:"db"`
			Prefix string `yaml:"prefix"`
		} `yaml:"redis"`
	} `yaml:"storage"`

	Bus struct {
		NATS struct {
			URL     string `yaml:"url"`
			Subject string `yaml:"subject"`
			Name    string `yaml:"name"`
		} `yaml:"nats"`
	} `yaml:"bus"`

	Client struct {
		ServerURL      string        `yaml:"server_url"`
		BackoffInitial time.Duration `yaml:"backoff_initial"`
		BackoffMax     time.Duration `yaml:"backoff_max"`
	} `yaml:"client"`

	Logging logging.Config `yaml:"logging"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"metrics"`
}

// Default returns a configuration that runs an in-memory backend on
// :8080.
func Default() *Config {
	c := &Config{Logging: logging.DefaultConfig}
	c.setDefaults()
	return c
}

func (c *Config) setDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.EventsPath == "" {
		c.Server.EventsPath = "/events"
	}
	if c.Server.MaxRequestSize == 0 {
		c.Server.MaxRequestSize = 1 << 20
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverMemory
	}
	if c.Storage.Table == "" {
		c.Storage.Table = "topic_state"
	}
	if c.Storage.Redis.Prefix == "" {
		c.Storage.Redis.Prefix = "statesync:"
	}
	if c.Bus.NATS.Subject == "" {
		c.Bus.NATS.Subject = bus.EventName
	}
	if c.Bus.NATS.Name == "" {
		c.Bus.NATS.Name = "statesyncd"
	}
	if c.Client.ServerURL == "" {
		c.Client.ServerURL = "http://localhost:8080"
	}
	if c.Client.BackoffInitial == 0 {
		c.Client.BackoffInitial = 200 * time.Millisecond
	}
	if c.Client.BackoffMax == 0 {
		c.Client.BackoffMax = 10 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = logging.DefaultConfig.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = logging.DefaultConfig.Format
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// LoadEnvFile loads KEY=VALUE pairs from the given .env files into the
// process environment without overriding variables that are already set.
// Missing files are ignored.
func LoadEnvFile(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads the YAML file at path (skipped when path is empty), applies
// defaults and environment overrides and validates the result.
func Load(path string) (*Config, error) {
	c := &Config{}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, c); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	c.Logging = logging.ApplyEnv(c.Logging)
	c.setDefaults()
	if err := c.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func getEnvStr(key string) (string, bool) {
	v := os.Getenv(EnvPrefix + key)
	return v, v != ""
}

func getEnvInt(key string) (int, bool, error) {
	s, ok := getEnvStr(key)
	if !ok {
		return 0, false, nil
	}
	i, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, false, fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
	}
	return i, true, nil
}

func getEnvBool(key string) (bool, bool, error) {
	s, ok := getEnvStr(key)
	if !ok {
		return false, false, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	if err != nil {
		return false, false, fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
	}
	return b, true, nil
}

func getEnvDur(key string) (time.Duration, bool, error) {
	s, ok := getEnvStr(key)
	if !ok {
		return 0, false, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, false, fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
	}
	return d, true, nil
}

func (c *Config) applyEnvOverrides() error {
	strs := map[string]*string{
		"SERVER_ADDR":          &c.Server.Addr,
		"SERVER_EVENTS_PATH":   &c.Server.EventsPath,
		"STORAGE_DRIVER":       &c.Storage.Driver,
		"STORAGE_DSN":          &c.Storage.DSN,
		"STORAGE_TABLE":        &c.Storage.Table,
		"STORAGE_REDIS_ADDR":   &c.Storage.Redis.Addr,
		"STORAGE_REDIS_PREFIX": &c.Storage.Redis.Prefix,
		"NATS_URL":             &c.Bus.NATS.URL,
		"NATS_SUBJECT":         &c.Bus.NATS.Subject,
		"NATS_NAME":            &c.Bus.NATS.Name,
		"CLIENT_SERVER_URL":    &c.Client.ServerURL,
		"METRICS_PATH":         &c.Metrics.Path,
	}
	for key, dst := range strs {
		if v, ok := getEnvStr(key); ok {
			*dst = v
		}
	}
	c.Storage.Driver = strings.ToLower(c.Storage.Driver)

	ints := map[string]*int{
		"STORAGE_REDIS_DB":                &c.Storage.Redis.DB,
		"STORAGE_POSTGRES_MAX_OPEN_CONNS": &c.Storage.Postgres.MaxOpenConns,
		"STORAGE_POSTGRES_MAX_IDLE_CONNS": &c.Storage.Postgres.MaxIdleConns,
	}
	for key, dst := range ints {
		v, ok, err := getEnvInt(key)
		if err != nil {
			return err
		}
		if ok {
			*dst = v
		}
	}

	bools := map[string]*bool{
		"SERVER_COMPRESSION": &c.Server.Compression,
		"STORAGE_SQLITE_WAL": &c.Storage.SQLite.EnableWAL,
		"METRICS_ENABLED":    &c.Metrics.Enabled,
	}
	for key, dst := range bools {
		v, ok, err := getEnvBool(key)
		if err != nil {
			return err
		}
		if ok {
			*dst = v
		}
	}

	durs := map[string]*time.Duration{
		"SERVER_SHUTDOWN_TIMEOUT":            &c.Server.ShutdownTimeout,
		"STORAGE_POSTGRES_CONN_MAX_LIFETIME": &c.Storage.Postgres.ConnMaxLifetime,
		"CLIENT_BACKOFF_INITIAL":             &c.Client.BackoffInitial,
		"CLIENT_BACKOFF_MAX":                 &c.Client.BackoffMax,
	}
	for key, dst := range durs {
		v, ok, err := getEnvDur(key)
		if err != nil {
			return err
		}
		if ok {
			*dst = v
		}
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the %s driver", c.Storage.Driver)
		}
	case DriverRedis:
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage.redis.addr is required for the redis driver")
		}
		if c.Storage.Redis.DB < 0 {
			return fmt.Errorf("storage.redis.db must not be negative")
		}
	default:
		return fmt.Errorf("storage.driver %q is not one of memory, sqlite, postgres, redis", c.Storage.Driver)
	}

	if !strings.HasPrefix(c.Server.EventsPath, "/") {
		return fmt.Errorf("server.events_path %q must start with /", c.Server.EventsPath)
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path %q must start with /", c.Metrics.Path)
	}
	if c.Metrics.Enabled && c.Metrics.Path == c.Server.EventsPath {
		return fmt.Errorf("metrics.path and server.events_path must differ")
	}
	if c.Server.MaxRequestSize <= 0 {
		return fmt.Errorf("server.max_request_size must be positive")
	}
	if c.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("server.shutdown_timeout must not be negative")
	}
	if c.Client.BackoffInitial <= 0 {
		return fmt.Errorf("client.backoff_initial must be positive")
	}
	if c.Client.BackoffMax < c.Client.BackoffInitial {
		return fmt.Errorf("client.backoff_max (%s) is shorter than client.backoff_initial (%s)",
			c.Client.BackoffMax, c.Client.BackoffInitial)
	}
	if c.Bus.NATS.URL != "" && c.Bus.NATS.Subject == "" {
		return fmt.Errorf("bus.nats.subject is required when bus.nats.url is set")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}
	return nil
}
