package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/vendorregistry/importer/internal/config"
	"github.com/vendorregistry/importer/internal/events"
	"github.com/vendorregistry/importer/internal/importer"
	"github.com/vendorregistry/importer/internal/lock"
	"github.com/vendorregistry/importer/internal/logging"
	"github.com/vendorregistry/importer/internal/metrics"
	"github.com/vendorregistry/importer/internal/store"
	"github.com/vendorregistry/importer/internal/web"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"db_max_conns", cfg.Database.MaxConns,
		"batch_size", cfg.Import.BatchSize,
		"lock_backend", cfg.Lock.Backend,
		"events_enabled", cfg.Events.EventsEnabled(),
		"rate_limit_enabled", cfg.Rate.Enabled,
	)
	slog.Debug("effective configuration", "config", cfg.String())

	poolConfig, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		slog.Error("failed to parse database URL", "error", err)
		os.Exit(1)
	}
	poolConfig.MaxConns = int32(cfg.Database.MaxConns)
	poolConfig.MinConns = int32(cfg.Database.MinConns)
	poolConfig.MaxConnLifetime = cfg.Database.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.Database.MaxConnIdleTime

	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	if u, err := url.Parse(cfg.Database.URL); err == nil {
		slog.Info("connected to database", "name", strings.TrimPrefix(u.Path, "/"))
	} else {
		slog.Info("connected to database")
	}

	if cfg.Database.AutoMigrate {
		if err := store.Migrate(ctx, pool); err != nil {
			slog.Error("failed to apply schema", "error", err)
			os.Exit(1)
		}
		slog.Info("schema applied")
	}

	lockStore, closeLocks, err := newLockStore(ctx, cfg, pool)
	if err != nil {
		slog.Error("failed to set up lock store", "backend", cfg.Lock.Backend, "error", err)
		os.Exit(1)
	}
	defer closeLocks()
	locks := lock.NewManager(lockStore, cfg.Lock.Prefix)

	publisher := newPublisher(cfg.Events)
	defer func() {
		if err := publisher.Close(); err != nil {
			slog.Warn("failed to close event publisher", "error", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	service := importer.NewService(locks, store.NewRunStore(pool), store.NewVendorStore(pool), importer.Options{
		BatchSize:   cfg.Import.BatchSize,
		LockName:    cfg.Import.LockName,
		LockTTL:     cfg.Import.LockTTL,
		WorkDir:     cfg.Import.WorkDir,
		StaleAfter:  cfg.Import.StaleAfter,
		MaxFileSize: cfg.Import.MaxFileSize,
	}, importer.WithPublisher(publisher), importer.WithMetrics(m))

	jobCtx, cancelJobs := context.WithCancel(context.Background())
	go service.RunStaleMonitor(jobCtx, cfg.Import.StaleCheckInterval)

	server := web.NewServer(service, cfg,
		web.WithMetricsHandler(metrics.Handler(reg)),
		web.WithHealthCheck(pool.Ping),
	)

	// Graceful shutdown. Imports run inside their request, so Shutdown
	// waits for in-flight runs up to the shutdown timeout.
	done := make(chan struct{})
	go func() {
		defer close(done)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")
		cancelJobs()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	if err := server.Start(cfg.Server.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
	<-done
	slog.Info("server stopped")
}

// newLockStore builds the configured lock backend. The returned func
// releases backend resources.
func newLockStore(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) (lock.Store, func(), error) {
	switch strings.ToLower(cfg.Lock.Backend) {
	case "postgres":
		return lock.NewPostgresStore(pool), func() {}, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("ping redis %s: %w", cfg.Redis.Addr, err)
		}
		slog.Info("connected to redis", "addr", cfg.Redis.Addr)
		return lock.NewRedisStore(client), func() { _ = client.Close() }, nil
	case "memory":
		slog.Warn("using in-process lock store; imports are not exclusive across replicas")
		return lock.NewMemoryStore(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown lock backend %q", cfg.Lock.Backend)
	}
}

func newPublisher(cfg config.EventsConfig) events.Publisher {
	if !cfg.EventsEnabled() {
		slog.Info("event publishing disabled")
		return events.Nop{}
	}
	slog.Info("publishing import events", "brokers", cfg.Brokers, "topic", cfg.Topic)
	return events.NewKafkaPublisher(events.NewKafkaWriter(cfg.Brokers, cfg.Topic), cfg.Topic, cfg.Timeout)
}
