// Package app owns the runtime resources of one relinspect invocation:
// telemetry providers, the database pool, the introspected schema, the
// relation registry and the prefetch engine built on top of them.
package app

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"tidb-prefetch/internal/config"
	"tidb-prefetch/internal/introspection"
	"tidb-prefetch/internal/logging"
	"tidb-prefetch/internal/observability"
	"tidb-prefetch/internal/prefetch"
	"tidb-prefetch/internal/registry"
	"tidb-prefetch/internal/store"
)

// App owns runtime resources for the relinspect lifecycle.
type App struct {
	cfg    *config.Config
	logger *logging.Logger

	loggerProvider *observability.LoggerProvider

	effectiveDatabase string
	databaseSource    string
	dsnPresent        bool

	meterProvider   *observability.MeterProvider
	prefetchMetrics *observability.PrefetchMetrics
	tracerProvider  *observability.TracerProvider

	db         *sql.DB
	dbStatsReg interface{ Unregister() error }

	schema   *introspection.Schema
	registry *registry.Registry
	store    *store.Store
	engine   *prefetch.Engine

	cleanup cleanupStack

	stateMu     sync.Mutex
	initialized bool

	shutdownOnce sync.Once
}

// New creates an App lifecycle wrapper.
func New(cfg *config.Config, logger *logging.Logger) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	effectiveDatabase, databaseSource, err := cfg.Database.EffectiveDatabaseName()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve effective database configuration: %w", err)
	}

	return &App{
		cfg:               cfg,
		logger:            logger,
		effectiveDatabase: effectiveDatabase,
		databaseSource:    databaseSource,
		dsnPresent:        strings.TrimSpace(cfg.Database.ConnectionString) != "",
	}, nil
}

// AttachLoggerProvider registers an optional logger provider for shutdown cleanup.
func (a *App) AttachLoggerProvider(provider *observability.LoggerProvider) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	a.loggerProvider = provider
}

// Registry returns the relation registry. It is nil before Init.
func (a *App) Registry() *registry.Registry {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.registry
}

// Schema returns the filtered schema the registry was built from.
func (a *App) Schema() *introspection.Schema {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.schema
}
