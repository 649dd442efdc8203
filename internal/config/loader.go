package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "BOOKING_"

// Config captures the booking service settings.
type Config struct {
	LogLevel      string              `yaml:"log_level"`
	HTTP          HTTPConfig          `yaml:"http"`
	Database      DatabaseConfig      `yaml:"database"`
	Worker        WorkerConfig        `yaml:"worker"`
	Delivery      DeliveryConfig      `yaml:"delivery"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Recurrence    RecurrenceConfig    `yaml:"recurrence"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	StreamBuffer    int           `yaml:"stream_buffer"`
	StreamHeartbeat time.Duration `yaml:"stream_heartbeat"`
}

type DatabaseConfig struct {
	Dialect      string `yaml:"dialect"`
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// WorkerConfig mirrors outbox.Config; zero values fall back to the worker defaults.
type WorkerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	PollInterval time.Duration `yaml:"poll_interval"`
	ProcessLimit int           `yaml:"process_limit"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
	Lease        time.Duration `yaml:"lease"`
	Retention    time.Duration `yaml:"retention"`
	LockKey      int64         `yaml:"lock_key"`
}

type DeliveryConfig struct {
	// SpoolDir enables the file spool transport; empty logs envelopes instead.
	SpoolDir string `yaml:"spool_dir"`
}

type NotificationsConfig struct {
	MaxRetries int `yaml:"max_retries"`
}

type RecurrenceConfig struct {
	MaxSpanDays int `yaml:"max_span_days"`
}

// Default returns the configuration used when neither a file nor the
// environment says otherwise.
func Default() Config {
	return Config{
		LogLevel: "info",
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
			StreamBuffer:    32,
			StreamHeartbeat: 25 * time.Second,
		},
		Database: DatabaseConfig{
			Dialect: "sqlite",
			DSN:     "booking.db",
		},
		Worker: WorkerConfig{
			Enabled: true,
			LockKey: 7_420_001,
		},
		Notifications: NotificationsConfig{MaxRetries: 5},
		Recurrence:    RecurrenceConfig{MaxSpanDays: 366},
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path, and BOOKING_* environment overrides, in that order. Every missing or
// invalid key is reported in a single error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path = strings.TrimSpace(path); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	env := envReader{}
	env.str("LOG_LEVEL", &cfg.LogLevel)
	env.str("HTTP_ADDR", &cfg.HTTP.Addr)
	env.duration("HTTP_SHUTDOWN_TIMEOUT", &cfg.HTTP.ShutdownTimeout)
	env.integer("HTTP_STREAM_BUFFER", &cfg.HTTP.StreamBuffer)
	env.duration("HTTP_STREAM_HEARTBEAT", &cfg.HTTP.StreamHeartbeat)
	env.str("DB_DIALECT", &cfg.Database.Dialect)
	env.str("DB_DSN", &cfg.Database.DSN)
	env.integer("DB_MAX_OPEN_CONNS", &cfg.Database.MaxOpenConns)
	env.boolean("WORKER_ENABLED", &cfg.Worker.Enabled)
	env.duration("WORKER_POLL_INTERVAL", &cfg.Worker.PollInterval)
	env.integer("WORKER_PROCESS_LIMIT", &cfg.Worker.ProcessLimit)
	env.duration("WORKER_RETRY_DELAY", &cfg.Worker.RetryDelay)
	env.duration("WORKER_LEASE", &cfg.Worker.Lease)
	env.duration("WORKER_RETENTION", &cfg.Worker.Retention)
	env.integer64("WORKER_LOCK_KEY", &cfg.Worker.LockKey)
	env.str("DELIVERY_SPOOL_DIR", &cfg.Delivery.SpoolDir)
	env.integer("NOTIFICATIONS_MAX_RETRIES", &cfg.Notifications.MaxRetries)
	env.integer("RECURRENCE_MAX_SPAN_DAYS", &cfg.Recurrence.MaxSpanDays)

	missing, invalid := cfg.validate()
	invalid = append(env.invalid, invalid...)

	var errs []error
	if len(missing) > 0 {
		errs = append(errs, fmt.Errorf("config: missing required values: %s", strings.Join(missing, ", ")))
	}
	if len(invalid) > 0 {
		errs = append(errs, fmt.Errorf("config: invalid values: %s", strings.Join(invalid, ", ")))
	}
	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	return cfg, nil
}

func (c Config) validate() (missing, invalid []string) {
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		missing = append(missing, EnvPrefix+"HTTP_ADDR")
	}
	switch strings.ToLower(strings.TrimSpace(c.Database.Dialect)) {
	case "sqlite", "sqlite3", "postgres", "postgresql", "pq":
	default:
		invalid = append(invalid, EnvPrefix+"DB_DIALECT")
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		missing = append(missing, EnvPrefix+"DB_DSN")
	}
	if c.Notifications.MaxRetries < 0 || c.Notifications.MaxRetries > 100 {
		invalid = append(invalid, EnvPrefix+"NOTIFICATIONS_MAX_RETRIES")
	}
	if c.Recurrence.MaxSpanDays < 0 {
		invalid = append(invalid, EnvPrefix+"RECURRENCE_MAX_SPAN_DAYS")
	}
	if c.Worker.ProcessLimit < 0 {
		invalid = append(invalid, EnvPrefix+"WORKER_PROCESS_LIMIT")
	}
	if c.HTTP.StreamBuffer < 0 {
		invalid = append(invalid, EnvPrefix+"HTTP_STREAM_BUFFER")
	}
	if _, ok := parseLevel(c.LogLevel); !ok {
		invalid = append(invalid, EnvPrefix+"LOG_LEVEL")
	}
	return missing, invalid
}

// SlogLevel converts LogLevel for slog handlers. Unknown values map to info.
func (c Config) SlogLevel() slog.Level {
	level, _ := parseLevel(c.LogLevel)
	return level
}

func parseLevel(value string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug, true
	case "", "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}
	return slog.LevelInfo, false
}

type envReader struct {
	invalid []string
}

func (r *envReader) lookup(key string) (string, bool) {
	value, ok := os.LookupEnv(EnvPrefix + key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

func (r *envReader) str(key string, dst *string) {
	if value, ok := r.lookup(key); ok {
		*dst = value
	}
}

func (r *envReader) integer(key string, dst *int) {
	value, ok := r.lookup(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		r.invalid = append(r.invalid, EnvPrefix+key)
		return
	}
	*dst = n
}

func (r *envReader) integer64(key string, dst *int64) {
	value, ok := r.lookup(key)
	if !ok {
		return
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		r.invalid = append(r.invalid, EnvPrefix+key)
		return
	}
	*dst = n
}

func (r *envReader) boolean(key string, dst *bool) {
	value, ok := r.lookup(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		r.invalid = append(r.invalid, EnvPrefix+key)
		return
	}
	*dst = b
}

func (r *envReader) duration(key string, dst *time.Duration) {
	value, ok := r.lookup(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		r.invalid = append(r.invalid, EnvPrefix+key)
		return
	}
	*dst = d
}
