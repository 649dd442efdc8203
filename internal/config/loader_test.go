package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var envKeys = []string{
	"LOG_LEVEL", "HTTP_ADDR", "HTTP_SHUTDOWN_TIMEOUT", "HTTP_STREAM_BUFFER", "HTTP_STREAM_HEARTBEAT",
	"DB_DIALECT", "DB_DSN", "DB_MAX_OPEN_CONNS",
	"WORKER_ENABLED", "WORKER_POLL_INTERVAL", "WORKER_PROCESS_LIMIT", "WORKER_RETRY_DELAY",
	"WORKER_LEASE", "WORKER_RETENTION", "WORKER_LOCK_KEY",
	"DELIVERY_SPOOL_DIR", "NOTIFICATIONS_MAX_RETRIES", "RECURRENCE_MAX_SPAN_DAYS",
}

// clearEnv blanks every override for the duration of the test. Empty values
// are ignored by the loader.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range envKeys {
		t.Setenv(EnvPrefix+key, "")
	}
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "booking.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoader(t *testing.T) {
	t.Run("applies defaults when nothing is set", func(t *testing.T) {
		clearEnv(t)

		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load returned error: %v", err)
		}
		if cfg.HTTP.Addr != ":8080" {
			t.Fatalf("expected default addr :8080, got %q", cfg.HTTP.Addr)
		}
		if cfg.Database.Dialect != "sqlite" || cfg.Database.DSN != "booking.db" {
			t.Fatalf("unexpected database defaults %+v", cfg.Database)
		}
		if !cfg.Worker.Enabled || cfg.Notifications.MaxRetries != 5 {
			t.Fatalf("unexpected defaults %+v", cfg)
		}
	})

	t.Run("file values are overridden by the environment", func(t *testing.T) {
		clearEnv(t)
		path := writeFile(t, `
log_level: debug
http:
  addr: ":9090"
  stream_heartbeat: 10s
database:
  dialect: postgres
  dsn: postgres://booking@db/booking?sslmode=disable
worker:
  enabled: false
  poll_interval: 2s
  process_limit: 20
  retention: 48h
delivery:
  spool_dir: /var/spool/booking
`)
		t.Setenv(EnvPrefix+"HTTP_ADDR", ":7070")
		t.Setenv(EnvPrefix+"WORKER_RETRY_DELAY", "30s")
		t.Setenv(EnvPrefix+"NOTIFICATIONS_MAX_RETRIES", "8")

		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load returned error: %v", err)
		}
		if cfg.HTTP.Addr != ":7070" {
			t.Fatalf("expected env to win over file, got %q", cfg.HTTP.Addr)
		}
		if cfg.HTTP.StreamHeartbeat != 10*time.Second || cfg.HTTP.StreamBuffer != 32 {
			t.Fatalf("unexpected http config %+v", cfg.HTTP)
		}
		if cfg.Database.Dialect != "postgres" || !strings.HasPrefix(cfg.Database.DSN, "postgres://") {
			t.Fatalf("unexpected database config %+v", cfg.Database)
		}
		if cfg.Worker.Enabled || cfg.Worker.PollInterval != 2*time.Second || cfg.Worker.ProcessLimit != 20 {
			t.Fatalf("unexpected worker config %+v", cfg.Worker)
		}
		if cfg.Worker.RetryDelay != 30*time.Second || cfg.Worker.Retention != 48*time.Hour {
			t.Fatalf("unexpected worker timings %+v", cfg.Worker)
		}
		if cfg.Delivery.SpoolDir != "/var/spool/booking" || cfg.Notifications.MaxRetries != 8 {
			t.Fatalf("unexpected delivery config %+v %+v", cfg.Delivery, cfg.Notifications)
		}
		if cfg.SlogLevel().String() != "DEBUG" {
			t.Fatalf("expected debug level, got %s", cfg.SlogLevel())
		}
	})

	t.Run("reports every invalid and missing key together", func(t *testing.T) {
		clearEnv(t)
		path := writeFile(t, "database:\n  dsn: \"\"\n")
		t.Setenv(EnvPrefix+"HTTP_STREAM_BUFFER", "lots")
		t.Setenv(EnvPrefix+"WORKER_POLL_INTERVAL", "-5s")
		t.Setenv(EnvPrefix+"DB_DIALECT", "oracle")
		t.Setenv(EnvPrefix+"NOTIFICATIONS_MAX_RETRIES", "500")

		_, err := Load(path)
		if err == nil {
			t.Fatalf("expected an error")
		}
		msg := err.Error()
		for _, want := range []string{
			"missing required values: BOOKING_DB_DSN",
			"BOOKING_HTTP_STREAM_BUFFER",
			"BOOKING_WORKER_POLL_INTERVAL",
			"BOOKING_DB_DIALECT",
			"BOOKING_NOTIFICATIONS_MAX_RETRIES",
		} {
			if !strings.Contains(msg, want) {
				t.Fatalf("expected %q in %q", want, msg)
			}
		}
	})

	t.Run("unreadable file", func(t *testing.T) {
		clearEnv(t)
		if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
			t.Fatalf("expected an error for a missing file")
		}
	})
}
