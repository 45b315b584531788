// CLAUDE:SUMMARY CLI entry point for recolte — one-pass harvester with status API, MCP stdio, and history modes.
// Command recolte harvests company purpose records from a public registry
// into an append-only CSV table. Passes are incremental: identifiers that
// already have a good row are skipped, so the same invocation can run from
// cron until the table converges.
//
// Usage:
//
//	recolte -inputs drops -out table.csv          # one pass with defaults
//	recolte -config recolte.yaml                  # one pass from a config file
//	recolte -config recolte.yaml -listen :8642    # pass + status API
//	recolte -config recolte.yaml -mcp             # serve MCP tools on stdio
//	recolte -config recolte.yaml -watch           # pass on every input change
//	recolte -journal runs.db -history             # print recent passes and exit
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/recolte/recolte"
	"github.com/hazyhaar/recolte/watch"
)

type cliFlags struct {
	config   string
	inputs   string
	out      string
	column   string
	endpoint string
	workers  int
	interval time.Duration
	timeout  time.Duration
	max      int
	journal  string
	listen   string
	mcp      bool
	watch    bool
	history  bool
	limit    int
}

func main() {
	var f cliFlags
	flag.StringVar(&f.config, "config", "", "path to recolte.yaml config file")
	flag.StringVar(&f.inputs, "inputs", "", "directory of input CSV files")
	flag.StringVar(&f.out, "out", "", "output CSV table path")
	flag.StringVar(&f.column, "column", "", "identifier column name")
	flag.StringVar(&f.endpoint, "endpoint", "", "endpoint URL template with {id} placeholder")
	flag.IntVar(&f.workers, "workers", 0, "fetch worker count")
	flag.DurationVar(&f.interval, "interval", 0, "per-worker spacing between requests")
	flag.DurationVar(&f.timeout, "timeout", 0, "single fetch timeout")
	flag.IntVar(&f.max, "max", 0, "cap identifiers per pass (0 = unlimited)")
	flag.StringVar(&f.journal, "journal", "", "run-history SQLite path")
	flag.StringVar(&f.listen, "listen", "", "serve the status API on this address during the pass")
	flag.BoolVar(&f.mcp, "mcp", false, "serve MCP tools on stdio instead of running a pass")
	flag.BoolVar(&f.watch, "watch", false, "keep running, pass on every input directory change")
	flag.BoolVar(&f.history, "history", false, "print recent passes and exit")
	flag.IntVar(&f.limit, "limit", 20, "max entries for -history")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, f); err != nil {
		logger.Error("recolte: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, f cliFlags) error {
	cfg, err := resolveConfig(f)
	if err != nil {
		return err
	}

	svc, err := recolte.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer svc.Close()

	// One-shot: run history.
	if f.history {
		runs, err := svc.RecentRuns(ctx, f.limit)
		if err != nil {
			return fmt.Errorf("history: %w", err)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	}

	// Optional status API alongside either mode.
	if f.listen != "" {
		srv := &http.Server{
			Addr:              f.listen,
			Handler:           svc.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("recolte: status api", "addr", f.listen)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("recolte: status api", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	// MCP stdio mode: passes are triggered by the connected agent.
	if f.mcp {
		srv := mcp.NewServer(&mcp.Implementation{
			Name:    "recolte",
			Version: "1.0.0",
		}, nil)
		svc.RegisterMCP(srv)
		logger.Info("recolte: mcp serving on stdio")
		return srv.Run(ctx, &mcp.StdioTransport{})
	}

	// Watch mode: one pass up front so downtime backlog drains, then a
	// pass whenever the input directory settles after a change.
	if f.watch {
		if _, err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("recolte: initial pass failed", "error", err)
		}
		w := watch.New(watch.DirSignature(cfg.InputDir), watch.Options{
			Interval: cfg.WatchInterval,
			Debounce: cfg.WatchDebounce,
			Logger:   logger,
		})
		w.OnChange(ctx, func() error {
			_, err := svc.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
		return nil
	}

	// Default: one harvest pass, summary to stdout.
	summary, err := svc.Run(ctx)
	if summary != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(summary); encErr != nil {
			return encErr
		}
	}
	return err
}

// resolveConfig loads the YAML file when given and lets explicit flags
// override it. Unset flags keep their zero value and leave the config
// untouched; recolte.New fills the remaining defaults.
func resolveConfig(f cliFlags) (*recolte.Config, error) {
	cfg := &recolte.Config{}
	if f.config != "" {
		loaded, err := recolte.LoadConfig(f.config)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if f.inputs != "" {
		cfg.InputDir = f.inputs
	}
	if f.out != "" {
		cfg.OutputPath = f.out
	}
	if f.column != "" {
		cfg.IDColumn = f.column
	}
	if f.endpoint != "" {
		cfg.Endpoint = f.endpoint
	}
	if f.workers > 0 {
		cfg.Workers = f.workers
	}
	if f.interval > 0 {
		cfg.Interval = f.interval
	}
	if f.timeout > 0 {
		cfg.Timeout = f.timeout
	}
	if f.max > 0 {
		cfg.MaxIDs = f.max
	}
	if f.journal != "" {
		cfg.JournalPath = f.journal
	}
	return cfg, nil
}
