package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"

	"tidb-prefetch/internal/dbexec"
	"tidb-prefetch/internal/introspection"
	"tidb-prefetch/internal/logging"
	"tidb-prefetch/internal/prefetch"
	"tidb-prefetch/internal/store"
)

// Output formats accepted by WriteRows.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

var (
	headerColor  = color.New(color.Bold)
	forwardColor = color.New(color.FgCyan)
	reverseColor = color.New(color.FgYellow)
)

// Describe writes the relation accessors of the named tables, or of every
// table when none are named.
func (a *App) Describe(w io.Writer, tables ...string) error {
	reg := a.Registry()
	if reg == nil {
		return fmt.Errorf("app is not initialized")
	}

	var selected []*introspection.Table
	if len(tables) == 0 {
		schema := reg.Schema()
		for i := range schema.Tables {
			selected = append(selected, &schema.Tables[i])
		}
	}
	for _, name := range tables {
		table, ok := reg.Table(name)
		if !ok {
			return fmt.Errorf("unknown table %q", name)
		}
		selected = append(selected, table)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	headerColor.Fprintln(tw, "TABLE\tACCESSOR\tTARGET\tDIRECTION\tCARDINALITY\tSTORED AS")
	for _, table := range selected {
		for _, step := range reg.Steps(table.Name) {
			direction := forwardColor.Sprint("forward")
			if !step.Forward {
				direction = reverseColor.Sprint("reverse")
			}
			stored := prefetch.CacheKey + "." + step.Name
			if !step.Multiple() {
				slot, err := step.CacheSlot()
				if err != nil {
					return err
				}
				stored = slot
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				table.Name, step.Name, step.Target.Name, direction, step.Field.Relation.Cardinality, stored)
		}
	}
	return tw.Flush()
}

// Prefetch loads the rows of req.Table matching req.Filter and prefetches
// req.Lookups on them. Every query of the run reads the configured snapshot
// and the whole run is bounded by the configured timeout.
func (a *App) Prefetch(ctx context.Context, req Request) ([]store.Row, error) {
	a.stateMu.Lock()
	reg, s, engine := a.registry, a.store, a.engine
	a.stateMu.Unlock()
	if engine == nil {
		return nil, fmt.Errorf("app is not initialized")
	}

	table, ok := reg.Table(req.Table)
	if !ok {
		return nil, fmt.Errorf("unknown table %q", req.Table)
	}

	if timeout := a.cfg.Prefetch.Timeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if asOf := a.cfg.Prefetch.AsOf; asOf != "" {
		ctx = dbexec.WithSnapshot(ctx, asOf)
	}

	logger := logging.FromContext(ctx).WithTable(req.Table)
	start := time.Now()

	rows, err := s.Query(ctx, table, req.Filter)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s rows: %w", req.Table, err)
	}
	if err := engine.Run(ctx, req.Table, rows, req.Lookups...); err != nil {
		return nil, err
	}

	logger.Info("prefetch complete",
		slog.Int("rows", len(rows)),
		slog.Int("lookups", len(req.Lookups)),
		slog.Duration("duration", time.Since(start)),
	)
	return rows, nil
}

// WriteRows encodes rows, with their prefetched relations, as JSON or YAML.
func WriteRows(w io.Writer, rows []store.Row, format string) error {
	if rows == nil {
		rows = []store.Row{}
	}
	switch format {
	case "", FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(rows); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}
}
