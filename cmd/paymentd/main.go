package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/kelseyhightower/envconfig"

	"billpay/internal/checkout"
	"billpay/internal/checkout/api"
	"billpay/internal/common/database"
	"billpay/internal/common/events"
	"billpay/internal/common/middleware"
	"billpay/internal/common/nats"
	"billpay/internal/gateway"
	"billpay/internal/payment"
)

// Config holds service configuration
type Config struct {
	Port          int           `envconfig:"PAYMENTS_PORT" default:"8086"`
	Environment   string        `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel      string        `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat     string        `envconfig:"LOG_FORMAT" default:"json"`
	CORSOrigins   []string      `envconfig:"CORS_ORIGINS" default:"http://localhost:3000"`
	SettleTimeout time.Duration `envconfig:"SETTLE_TIMEOUT" default:"30s"`

	Database database.Config
	NATS     nats.Config
	Gateway  gateway.Config
}

func loadConfig() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func main() {
	// Load configuration
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	// Create context that listens for shutdown signals
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("payments service failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	var checks []func(context.Context) error

	// Attempt store: Postgres when configured, memory otherwise
	var store checkout.Store = checkout.NewMemoryStore()
	if cfg.Database.Enabled() {
		if cfg.Database.Migrate {
			if err := database.Migrate(cfg.Database.URL, checkout.Migrations, checkout.MigrationsDir, logger); err != nil {
				return fmt.Errorf("migrating database: %w", err)
			}
		}
		db, err := database.New(ctx, cfg.Database, logger)
		if err != nil {
			return fmt.Errorf("connecting to database: %w", err)
		}
		defer db.Close()
		store = checkout.NewPostgresStore(db)
		checks = append(checks, db.HealthCheck)
	} else {
		logger.Warn("DATABASE_URL not set, attempts are kept in memory")
	}

	// Event publishing and the NATS gateway share one connection
	publisher := events.Discard
	var natsClient *nats.Client
	if cfg.NATS.Enabled() {
		client, err := nats.New(ctx, cfg.NATS, logger)
		if err != nil {
			return fmt.Errorf("connecting to NATS: %w", err)
		}
		defer client.Close()
		natsClient = client

		streamCfg := nats.DefaultStreamConfig(cfg.NATS.Stream, []string{events.AttemptSubjects})
		streamCfg.Description = "Payment attempt lifecycle events"
		if _, err := client.EnsureStream(ctx, streamCfg); err != nil {
			return fmt.Errorf("ensuring stream: %w", err)
		}
		publisher = nats.NewPublisher(client, logger)
		checks = append(checks, func(context.Context) error { return client.HealthCheck() })
	}

	settler, err := newSettler(cfg.Gateway, natsClient, logger)
	if err != nil {
		return err
	}

	// Create services
	machine := payment.NewMachine(settler, logger,
		payment.WithObserver(payment.NewLogObserver(logger)),
		payment.WithSettleTimeout(cfg.SettleTimeout),
	)
	svc := checkout.NewService(machine, store, publisher, logger)

	// Create handlers
	handler := api.NewHandler(svc, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      newRouter(cfg, handler, checks, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting payments service",
			"port", cfg.Port,
			"environment", cfg.Environment,
			"gateway", cfg.Gateway.Mode,
			"persistent", cfg.Database.Enabled(),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for shutdown
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-serveErr:
		if err != nil {
			logger.Error("server error", "error", err)
		}
	}

	// Graceful shutdown
	logger.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if err := svc.Close(shutdownCtx); err != nil {
		logger.Error("settlements still pending at shutdown", "error", err)
	}

	logger.Info("server stopped")
	return nil
}

func newSettler(cfg gateway.Config, client *nats.Client, logger *slog.Logger) (payment.Settler, error) {
	if client != nil {
		return gateway.New(cfg, client.Conn(), logger)
	}
	return gateway.New(cfg, nil, logger)
}

func newRouter(cfg Config, handler *api.Handler, checks []func(context.Context) error, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(chimw.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.CORS(cfg.CORSOrigins))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		for _, check := range checks {
			if err := check(r.Context()); err != nil {
				logger.Warn("health check failed", "error", err)
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status":"unhealthy"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	// Ready check
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	// API routes
	r.Route("/api/v1/payments", func(r chi.Router) {
		r.Mount("/", handler.Routes())
	})

	return r
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
