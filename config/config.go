// Package config loads sagad configuration from an optional file and
// SAGAFLOW_* environment variables.
//
// Environment variables take precedence over the file, and the file over the
// built-in defaults:
//
//	cfg, err := config.Load("/etc/sagaflow/sagad.yaml")
//	if err != nil {
//		return err
//	}
//	if err := cfg.Validate(); err != nil {
//		return err
//	}
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverMongo    = "mongo"
)

// ErrInvalid is returned by Validate.
var ErrInvalid = errors.New("invalid configuration")

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`   // debug, info, warn or error
	Format string `mapstructure:"format" yaml:"format"` // text or json
}

type HTTPConfig struct {
	Addr        string `mapstructure:"addr" yaml:"addr"`
	AdminHeader string `mapstructure:"admin_header" yaml:"admin_header"` // Header carrying the admin identity
}

type StoreConfig struct {
	Driver        string `mapstructure:"driver" yaml:"driver"`
	DSN           string `mapstructure:"dsn" yaml:"dsn"` // Secret: PostgreSQL connection string
	Table         string `mapstructure:"table" yaml:"table"`
	RedisAddr     string `mapstructure:"redis_addr" yaml:"redis_addr"`
	Prefix        string `mapstructure:"prefix" yaml:"prefix"` // Redis key prefix
	MongoURI      string `mapstructure:"mongo_uri" yaml:"mongo_uri"` // Secret: may embed credentials
	MongoDatabase string `mapstructure:"mongo_database" yaml:"mongo_database"`
}

type NATSConfig struct {
	URL     string `mapstructure:"url" yaml:"url"` // Empty disables the payment trigger
	Subject string `mapstructure:"subject" yaml:"subject"`
	Queue   string `mapstructure:"queue" yaml:"queue"`
}

type RecoveryConfig struct {
	Interval                time.Duration `mapstructure:"interval" yaml:"interval"`
	StaleAfter              time.Duration `mapstructure:"stale_after" yaml:"stale_after"`
	MaxCompensationAttempts int           `mapstructure:"max_compensation_attempts" yaml:"max_compensation_attempts"`
	BatchSize               int           `mapstructure:"batch_size" yaml:"batch_size"`
	Rate                    float64       `mapstructure:"rate" yaml:"rate"` // Sweep actions per second
	RetryTransient          bool          `mapstructure:"retry_transient" yaml:"retry_transient"`
}

type CoordinatorConfig struct {
	StepTimeout     time.Duration `mapstructure:"step_timeout" yaml:"step_timeout"` // Zero means no timeout
	PersistAttempts uint          `mapstructure:"persist_attempts" yaml:"persist_attempts"`
}

// Config is the sagad configuration.
type Config struct {
	Log         LogConfig         `mapstructure:"log" yaml:"log"`
	HTTP        HTTPConfig        `mapstructure:"http" yaml:"http"`
	Store       StoreConfig       `mapstructure:"store" yaml:"store"`
	NATS        NATSConfig        `mapstructure:"nats" yaml:"nats"`
	Recovery    RecoveryConfig    `mapstructure:"recovery" yaml:"recovery"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator" yaml:"coordinator"`
}

// Load reads the configuration file at filePath, if it exists, and applies
// environment overrides on top. An empty path loads defaults and environment
// only.
func Load(filePath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if err := bindEnvs(v); err != nil {
		return nil, err
	}

	if filePath != "" {
		v.SetConfigFile(filePath)
		if _, err := os.Stat(filePath); !errors.Is(err, fs.ErrNotExist) {
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read %s: %w", filePath, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return cfg, nil
}

var defaults = map[string]any{
	"log.level":                          "info",
	"log.format":                         "text",
	"http.addr":                          ":8080",
	"http.admin_header":                  "X-Admin-User",
	"store.driver":                       DriverMemory,
	"store.table":                        "saga_executions",
	"store.prefix":                       "saga:",
	"store.mongo_database":               "sagaflow",
	"nats.subject":                       "payment.completed",
	"nats.queue":                         "sagaflow",
	"recovery.interval":                  time.Minute,
	"recovery.stale_after":               15 * time.Minute,
	"recovery.max_compensation_attempts": 3,
	"recovery.batch_size":                100,
	"recovery.rate":                      10.0,
	"recovery.retry_transient":           false,
	"coordinator.step_timeout":           time.Duration(0),
	"coordinator.persist_attempts":       3,
}

func setDefaults(v *viper.Viper) {
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

var (
	// envBindings maps each config key to the environment variables that
	// override it, in order of precedence.
	envBindings = map[string][]string{
		"log.level":                          {"SAGAFLOW_LOG_LEVEL"},
		"log.format":                         {"SAGAFLOW_LOG_FORMAT"},
		"http.addr":                          {"SAGAFLOW_HTTP_ADDR"},
		"http.admin_header":                  {"SAGAFLOW_HTTP_ADMIN_HEADER"},
		"store.driver":                       {"SAGAFLOW_STORE_DRIVER"},
		"store.dsn":                          {"SAGAFLOW_STORE_DSN", "DATABASE_URL"},
		"store.table":                        {"SAGAFLOW_STORE_TABLE"},
		"store.redis_addr":                   {"SAGAFLOW_STORE_REDIS_ADDR", "REDIS_ADDR"},
		"store.prefix":                       {"SAGAFLOW_STORE_PREFIX"},
		"store.mongo_uri":                    {"SAGAFLOW_STORE_MONGO_URI", "MONGO_URI"},
		"store.mongo_database":               {"SAGAFLOW_STORE_MONGO_DATABASE"},
		"nats.url":                           {"SAGAFLOW_NATS_URL", "NATS_URL"},
		"nats.subject":                       {"SAGAFLOW_NATS_SUBJECT"},
		"nats.queue":                         {"SAGAFLOW_NATS_QUEUE"},
		"recovery.interval":                  {"SAGAFLOW_RECOVERY_INTERVAL"},
		"recovery.stale_after":               {"SAGAFLOW_RECOVERY_STALE_AFTER"},
		"recovery.max_compensation_attempts": {"SAGAFLOW_RECOVERY_MAX_COMPENSATION_ATTEMPTS"},
		"recovery.batch_size":                {"SAGAFLOW_RECOVERY_BATCH_SIZE"},
		"recovery.rate":                      {"SAGAFLOW_RECOVERY_RATE"},
		"recovery.retry_transient":           {"SAGAFLOW_RECOVERY_RETRY_TRANSIENT"},
		"coordinator.step_timeout":           {"SAGAFLOW_COORDINATOR_STEP_TIMEOUT"},
		"coordinator.persist_attempts":       {"SAGAFLOW_COORDINATOR_PERSIST_ATTEMPTS"},
	}
)

func bindEnvs(v *viper.Viper) error {
	for key, envs := range envBindings {
		inputs := slices.Insert(slices.Clone(envs), 0, key)

		if err := v.BindEnv(inputs...); err != nil {
			return err
		}
	}

	return nil
}

// Validate checks the configuration for values sagad cannot run with.
func (c *Config) Validate() error {
	var errs []error

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level: unknown level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	if c.HTTP.AdminHeader == "" {
		errs = append(errs, errors.New("http.admin_header: required"))
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn: required for postgres"))
		}
	case DriverRedis:
		if c.Store.RedisAddr == "" {
			errs = append(errs, errors.New("store.redis_addr: required for redis"))
		}
	case DriverMongo:
		if c.Store.MongoURI == "" {
			errs = append(errs, errors.New("store.mongo_uri: required for mongo"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver))
	}

	if c.Recovery.Interval <= 0 {
		errs = append(errs, errors.New("recovery.interval: must be positive"))
	}
	if c.Recovery.StaleAfter <= 0 {
		errs = append(errs, errors.New("recovery.stale_after: must be positive"))
	}
	if c.Recovery.MaxCompensationAttempts <= 0 {
		errs = append(errs, errors.New("recovery.max_compensation_attempts: must be positive"))
	}
	if c.Recovery.BatchSize <= 0 {
		errs = append(errs, errors.New("recovery.batch_size: must be positive"))
	}
	if c.Recovery.Rate <= 0 {
		errs = append(errs, errors.New("recovery.rate: must be positive"))
	}
	if c.Coordinator.StepTimeout < 0 {
		errs = append(errs, errors.New("coordinator.step_timeout: must not be negative"))
	}
	if c.Coordinator.PersistAttempts == 0 {
		errs = append(errs, errors.New("coordinator.persist_attempts: must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}
