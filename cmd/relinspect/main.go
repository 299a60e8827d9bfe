package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tidb-prefetch/internal/app"
	"tidb-prefetch/internal/config"
	"tidb-prefetch/internal/logging"

	"github.com/spf13/pflag"
)

var (
	// Version is set at build time via -ldflags "-X main.Version=...".
	Version = "dev"
	Commit  = "none"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("relinspect error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	pflag.Bool("version", false, "Print version and exit")
	prefetchArgs := pflag.StringArray("prefetch", nil, `Rows to load and lookups to prefetch, as "table:path[>attr[-order|field]],path..." (repeatable)`)
	filter := pflag.StringToString("filter", nil, "Filter applied to the root rows of every --prefetch request, as column[__lookup]=value")
	tables := pflag.StringSlice("tables", nil, "Tables to list accessors for (default all)")
	output := pflag.String("output", app.FormatJSON, "Prefetch output format: json or yaml")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if showVersion, _ := pflag.CommandLine.GetBool("version"); showVersion {
		fmt.Printf("relinspect %s (%s)\n", Version, Commit)
		return nil
	}

	if cfg.Observability.ServiceVersion == "" {
		cfg.Observability.ServiceVersion = Version
	}

	validationResult := cfg.Validate()
	for _, warn := range validationResult.Warnings {
		slog.Warn("configuration warning",
			slog.String("field", warn.Field),
			slog.String("message", warn.Message),
			slog.String("hint", warn.Hint),
		)
	}
	if validationResult.HasErrors() {
		for _, err := range validationResult.Errors {
			slog.Error("configuration error",
				slog.String("field", err.Field),
				slog.String("message", err.Message),
				slog.String("hint", err.Hint),
			)
		}
		return fmt.Errorf("configuration validation failed")
	}

	if *output != app.FormatJSON && *output != app.FormatYAML {
		return fmt.Errorf("unsupported output format %q", *output)
	}
	requests := make([]app.Request, 0, len(*prefetchArgs))
	for _, arg := range *prefetchArgs {
		req, err := app.ParseRequest(arg, *filter)
		if err != nil {
			return err
		}
		requests = append(requests, req)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, loggerProvider, err := app.InitLogger(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	runID := logging.NewRunID()
	logger = logger.WithRunID(runID)
	ctx = logging.WithLogger(logging.WithRunIDContext(ctx, runID), logger)

	a, err := app.New(cfg, logger)
	if err != nil {
		if loggerProvider != nil {
			_ = loggerProvider.Shutdown(context.Background(), logger.Logger)
		}
		return err
	}
	a.AttachLoggerProvider(loggerProvider)

	if err := a.Init(ctx); err != nil {
		return err
	}

	runErr := execute(ctx, a, requests, *tables, *output)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(runErr, a.Shutdown(shutdownCtx))
}

// execute lists accessors when no prefetch was requested and otherwise runs
// each request, writing its rows to stdout.
func execute(ctx context.Context, a *app.App, requests []app.Request, tables []string, output string) error {
	if len(requests) == 0 {
		return a.Describe(os.Stdout, tables...)
	}
	for _, req := range requests {
		rows, err := a.Prefetch(ctx, req)
		if err != nil {
			return err
		}
		if err := app.WriteRows(os.Stdout, rows, output); err != nil {
			return err
		}
	}
	return nil
}
