package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/example/booking-core/internal/application"
	"github.com/example/booking-core/internal/config"
	"github.com/example/booking-core/internal/delivery"
	httptransport "github.com/example/booking-core/internal/http"
	"github.com/example/booking-core/internal/outbox"
	"github.com/example/booking-core/internal/persistence/sqlstore"
	"github.com/example/booking-core/internal/pubsub"
	"github.com/example/booking-core/internal/recurrence"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	flags := pflag.NewFlagSet("booking", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "", "path to a YAML configuration file")
	seedPath := flags.String("seed", "", "path to a YAML directory seed applied at startup")
	migrateOnly := flags.Bool("migrate-only", false, "apply migrations and exit")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		return err
	}
	defer app.Close()

	if *seedPath != "" {
		if err := applySeedFile(ctx, app.store.DirectoryWriter(), *seedPath); err != nil {
			logger.Error("failed to apply seed", "path", *seedPath, "error", err)
			return err
		}
		logger.Info("directory seed applied", "path", *seedPath)
	}
	if *migrateOnly {
		return nil
	}

	return app.serve(ctx)
}

// app wires the store, services, worker, and HTTP surface of one process.
type app struct {
	cfg       config.Config
	logger    *slog.Logger
	store     *sqlstore.Store
	hub       *pubsub.Hub
	worker    *outbox.Worker
	transport delivery.Transport
	spool     *delivery.SpoolTransport
	handler   http.Handler
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	dialect, err := sqlstore.ParseDialect(cfg.Database.Dialect)
	if err != nil {
		return nil, err
	}
	dsn := cfg.Database.DSN
	if dialect == sqlstore.DialectSQLite && !strings.HasPrefix(dsn, "file:") && !strings.Contains(dsn, "?") {
		dsn = sqlstore.SQLiteDSN(dsn, 5000)
	}

	store, err := sqlstore.Open(ctx, sqlstore.Config{
		Dialect:      dialect,
		DSN:          dsn,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		ConnectRetry: sqlstore.DefaultRetryConfig(),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, store: store}
	a.hub = pubsub.NewHub(logger)

	if cfg.Delivery.SpoolDir != "" {
		spool, err := delivery.NewSpoolTransport(cfg.Delivery.SpoolDir)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		a.spool = spool
		a.transport = spool
	} else {
		a.transport = delivery.LogTransport{Logger: logger.With("component", "delivery")}
	}

	now := time.Now
	notifier := application.NewNotificationServiceWithLogger(store, a.hub, now, logger)
	notifier.SetDefaultMaxRetries(cfg.Notifications.MaxRetries)
	bookings := application.NewBookingServiceWithLogger(
		store,
		recurrence.NewEngine(cfg.Recurrence.MaxSpanDays),
		notifier,
		nil,
		now,
		logger,
	)

	a.worker = outbox.NewWorker(
		store.Outbox(),
		delivery.NewProcessor(a.transport, logger),
		outbox.Config{
			PollInterval: cfg.Worker.PollInterval,
			ProcessLimit: cfg.Worker.ProcessLimit,
			RetryDelay:   cfg.Worker.RetryDelay,
			Lease:        cfg.Worker.Lease,
			Retention:    cfg.Worker.Retention,
		},
		outbox.WithLocker(sqlstore.NewCycleLocker(store, cfg.Worker.LockKey)),
		outbox.WithLogger(logger.With("component", "outbox")),
	)

	router := httptransport.NewRouter(httptransport.RouterConfig{
		Bookings:      httptransport.NewBookingHandler(bookings, logger),
		Notifications: httptransport.NewNotificationHandler(notifier, logger),
		Stream: httptransport.NewStreamHandler(a.hub, logger,
			httptransport.WithStreamBuffer(cfg.HTTP.StreamBuffer),
			httptransport.WithHeartbeat(cfg.HTTP.StreamHeartbeat),
		),
		Worker: httptransport.NewWorkerHandler(a.worker, logger),
		Middleware: []func(http.Handler) http.Handler{
			httptransport.RequireActor(store.Directory(), logger),
		},
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(r.Context()); err != nil {
			http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.Handle("/", router)
	a.handler = httptransport.RequestLogger(logger)(mux)

	return a, nil
}

func (a *app) serve(ctx context.Context) error {
	if a.cfg.Worker.Enabled {
		if err := a.worker.Start(ctx); err != nil {
			return err
		}
	}

	server := &http.Server{
		Addr:              a.cfg.HTTP.Addr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("booking API listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		if serveErr != nil {
			a.logger.Error("server encountered error", "error", serveErr)
		}
	}

	timeout := a.cfg.HTTP.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.logger.Error("failed to shutdown server", "error", err)
	}
	if err := a.worker.Stop(shutdownCtx); err != nil {
		a.logger.Error("failed to stop outbox worker", "error", err)
	}
	return serveErr
}

// Close releases the store and the spool encoder.
func (a *app) Close() {
	if a.spool != nil {
		if err := a.spool.Close(); err != nil {
			a.logger.Error("failed to close spool", "error", err)
		}
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error("failed to close storage", "error", err)
	}
}
