/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the circulation engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (optional) and environment configuration
  2. Parse command-line flags (override the environment)
  3. Open the copy ledger (memory, SQLite or PostgreSQL)
  4. Pick the idempotency key store (Redis when REDIS_ADDR is set)
  5. Build machine, matcher and API handler
  6. Start the overdue scheduler and the HTTP server
  7. Graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (default: PORT or 8080)
  -store   memory, sqlite or postgres (default: STORE_DRIVER or sqlite)
  -db      SQLite database path (default: SQLITE_PATH or circulation.db)
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the overdue scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database and Redis connections

EXAMPLES:
  # Run with file database
  ./server -db="./data/circulation.db"

  # Run against PostgreSQL with shared request keys
  DATABASE_URL=postgres://... REDIS_ADDR=localhost:6379 ./server -store=postgres

ENVIRONMENT:
  See config/config.go for the full list.

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/: Ledger implementations
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/warp/circulation-engine/api"
	"github.com/warp/circulation-engine/auth"
	"github.com/warp/circulation-engine/catalog"
	"github.com/warp/circulation-engine/circulation"
	"github.com/warp/circulation-engine/circulation/store"
	"github.com/warp/circulation-engine/config"
	"github.com/warp/circulation-engine/logger"
	"github.com/warp/circulation-engine/metrics"
	"github.com/warp/circulation-engine/store/postgres"
	redisstore "github.com/warp/circulation-engine/store/redis"
	"github.com/warp/circulation-engine/store/sqlite"
)

// ledger is what every storage backend provides.
type ledger interface {
	circulation.AdminLedger
	circulation.AuditLog
}

func main() {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Flags
	port := flag.Int("port", cfg.App.Port, "HTTP server port")
	driver := flag.String("store", cfg.Store.Driver, "Ledger backend: memory, sqlite or postgres")
	dbPath := flag.String("db", cfg.Store.SQLitePath, "SQLite database path")
	flag.Parse()
	cfg.App.Port = *port
	cfg.Store.Driver = *driver
	cfg.Store.SQLitePath = *dbPath
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid flags: %v\n", err)
		os.Exit(1)
	}

	log := logger.Init(cfg.App.Environment, cfg.App.LogLevel)
	ctx := context.Background()

	// Initialize store
	books, closeStore, err := openLedger(ctx, cfg.Store)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Store.Driver).Msg("Failed to initialize ledger")
	}
	defer closeStore()

	// Request keys
	keys, closeKeys := openKeys(ctx, cfg, log)
	defer closeKeys()

	// Engine
	prom := metrics.NewPrometheus()
	tokens := auth.NewTokenAuthorizer(cfg.JWT.Secret)

	machine := circulation.NewMachine(books, circulation.SystemClock{}, tokens)
	machine.Audit = books
	machine.Metrics = prom
	machine.Logger = logger.Component("machine")
	machine.LoanPeriodDays = cfg.Circulation.LoanPeriodDays
	machine.RenewalPeriodDays = cfg.Circulation.RenewalPeriodDays
	machine.MaxAttempts = cfg.Circulation.MaxCASAttempts

	matcher := circulation.NewMatcher(machine, keys)
	matcher.MaxScans = cfg.Circulation.MatcherMaxScans
	matcher.Logger = logger.Component("matcher")

	titles := catalog.NewStatic()
	if err := registerKnownTitles(ctx, books, titles); err != nil {
		log.Warn().Err(err).Msg("Failed to load title references")
	}

	// Initialize handler
	handler := api.NewHandler(books, machine, matcher)
	handler.Titles = titles
	handler.Tokens = tokens
	handler.Logger = logger.Component("api")

	// Overdue sweep
	scheduler := api.NewOverdueScheduler(books, machine.Clock)
	scheduler.Gauge = prom
	scheduler.Logger = logger.Component("overdue")
	scheduler.CheckInterval = cfg.Circulation.OverdueSweepInterval
	scheduler.Start()

	// Create router
	router := api.NewRouter(handler, prom.Handler())

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.App.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().
			Int("port", cfg.App.Port).
			Str("store", cfg.Store.Driver).
			Str("env", cfg.App.Environment).
			Msg("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}

func openLedger(ctx context.Context, cfg config.StoreConfig) (ledger, func(), error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemory(), func() {}, nil

	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("failed to reach postgres: %w", err)
		}
		pg := postgres.New(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return pg, pool.Close, nil

	default:
		db, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return db, func() { db.Close() }, nil
	}
}

// openKeys uses Redis when configured and reachable, in-process keys otherwise.
func openKeys(ctx context.Context, cfg *config.Config, log zerolog.Logger) (circulation.IdempotencyStore, func()) {
	ttl := cfg.Circulation.IdempotencyTTL
	if cfg.Redis.Addr == "" {
		return store.NewMemoryKeys(ttl), func() {}
	}

	client := redisstore.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	keys := redisstore.NewKeys(client, ttl)
	if err := keys.Ping(ctx); err != nil {
		log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("Redis unavailable, request keys are per-process")
		client.Close()
		return store.NewMemoryKeys(ttl), func() {}
	}
	return keys, func() { client.Close() }
}

// registerKnownTitles makes every title already on the ledger resolvable by its ref.
func registerKnownTitles(ctx context.Context, books ledger, titles *catalog.Static) error {
	copies, err := books.ListByStatus(ctx)
	if err != nil {
		return err
	}
	for _, c := range copies {
		titles.Register(string(c.TitleRef), c.TitleRef)
	}
	return nil
}
