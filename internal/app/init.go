package app

import (
	"context"
	"fmt"
	"log/slog"

	"tidb-prefetch/internal/dbexec"
	"tidb-prefetch/internal/introspection"
	"tidb-prefetch/internal/prefetch"
	"tidb-prefetch/internal/registry"
	"tidb-prefetch/internal/store"
)

// Init connects to the database, introspects its schema and builds the
// registry and prefetch engine. It is idempotent.
func (a *App) Init(ctx context.Context) error {
	a.stateMu.Lock()
	if a.initialized {
		a.stateMu.Unlock()
		return nil
	}
	a.stateMu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}

	cleanup := cleanupStack{}
	success := false
	defer func() {
		if !success {
			cleanup.run(context.Background(), a.logger)
		}
	}()

	if a.loggerProvider != nil {
		cleanup.push("logger provider", func(shutdownCtx context.Context) error {
			return a.loggerProvider.Shutdown(shutdownCtx, a.logger.Logger)
		})
	}

	meterProvider, prefetchMetrics, err := initMetrics(a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry metrics: %w", err)
	}
	if meterProvider != nil {
		cleanup.push("meter provider", func(shutdownCtx context.Context) error {
			return meterProvider.Shutdown(shutdownCtx, a.logger.Logger)
		})
	}

	tracerProvider, err := initTracing(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry tracing: %w", err)
	}
	if tracerProvider != nil {
		cleanup.push("tracer provider", func(shutdownCtx context.Context) error {
			return tracerProvider.Shutdown(shutdownCtx, a.logger.Logger)
		})
	}

	a.logger.Info("connecting to database",
		slog.String("host", a.cfg.Database.Host),
		slog.Int("port", a.cfg.Database.Port),
		slog.String("vendor", a.cfg.Database.Vendor),
		slog.String("database_effective", a.effectiveDatabase),
		slog.String("database_source", a.databaseSource),
		slog.Bool("dsn_present", a.dsnPresent),
	)

	db, dbStatsReg, err := connectDB(a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	cleanup.push("database", func(_ context.Context) error {
		if dbStatsReg != nil {
			if err := dbStatsReg.Unregister(); err != nil {
				a.logger.Warn("failed to unregister DB stats metrics", slog.String("error", err.Error()))
			}
		}
		return db.Close()
	})

	if err := configureDatabase(ctx, a.cfg, a.logger, db); err != nil {
		return fmt.Errorf("failed to verify database connection: %w", err)
	}

	schema, err := loadSchema(ctx, a.cfg, a.logger, db, a.effectiveDatabase)
	if err != nil {
		return err
	}

	executor := dbexec.NewSnapshotExecutor(dbexec.SnapshotExecutorConfig{
		DB:           db,
		DatabaseName: a.effectiveDatabase,
	})
	a.stateMu.Lock()
	a.prefetchMetrics = prefetchMetrics
	a.stateMu.Unlock()
	if err := a.attach(ctx, schema, executor); err != nil {
		return err
	}

	a.stateMu.Lock()
	a.meterProvider = meterProvider
	a.tracerProvider = tracerProvider
	a.db = db
	a.dbStatsReg = dbStatsReg
	a.cleanup = cleanup
	a.initialized = true
	a.stateMu.Unlock()

	success = true
	return nil
}

// attach builds the registry over schema and the store and engine over exec.
func (a *App) attach(ctx context.Context, schema *introspection.Schema, exec dbexec.QueryExecutor) error {
	reg, err := registry.Build(ctx, schema, registry.Options{Logger: a.logger.Logger})
	if err != nil {
		return fmt.Errorf("failed to build relation registry: %w", err)
	}

	s := store.New(exec, store.Options{
		Vendor:         a.cfg.Database.Vendor,
		DisplayColumns: a.cfg.Relations.DisplayColumns,
		Logger:         a.logger.Logger,
	})

	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	engine := prefetch.NewEngine(reg, s, prefetch.EngineOptions{
		BatchSize: a.cfg.Prefetch.BatchSize,
		Logger:    a.logger.Logger,
		Metrics:   a.prefetchMetrics,
	})
	a.schema = schema
	a.registry = reg
	a.store = s
	a.engine = engine
	return nil
}
