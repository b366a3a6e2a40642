// Package main implements the finarchive command line tool.
// It backfills historical market snapshots from web-archive captures,
// collects daily prices, and upserts batches into local archives.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/finarchive/finarchive/internal/app"
	"github.com/finarchive/finarchive/internal/config"
	"github.com/finarchive/finarchive/internal/conflict"
	"github.com/finarchive/finarchive/internal/logging"
	"github.com/finarchive/finarchive/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	version = "dev"
	commit  = "unknown"
)

// globalOptions are the flags shared by every command.
type globalOptions struct {
	configFile  string
	envFile     string
	dataDir     string
	logLevel    string
	development bool
	metricsAddr string
	resolution  string
	denyMode    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "finarchive",
		Short: "Archive and backfill market data snapshots",
		Long: `finarchive keeps local archives of market data tables.

Batches are upserted by key columns: rows with new keys are appended, and
rows whose keys are already stored are resolved by the conflict policy
(an interactive Y/N prompt, or a fixed allow/deny answer).`,
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configFile, "config", "", "Path to configuration file (YAML or JSON)")
	pf.StringVar(&opts.envFile, "env-file", ".env", "Path to a .env file loaded before the environment is read")
	pf.StringVar(&opts.dataDir, "data-dir", "", "Base directory for archives")
	pf.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.BoolVar(&opts.development, "dev-log", false, "Human-readable console logs")
	pf.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while the command runs")
	pf.StringVar(&opts.resolution, "resolve", "", "Answer conflicts without prompting: allow or deny")
	pf.StringVar(&opts.denyMode, "deny-mode", "", "What deny does: drop (keep stored rows, append the rest) or abort (write nothing)")

	root.AddCommand(
		newMergeCmd(opts),
		newBackfillCmd(opts),
		newPricesCmd(opts),
		newRestoreCmd(opts),
		newPullCmd(opts),
		newHistoryCmd(opts),
	)
	return root
}

// loadConfig loads configuration from file, .env, environment, and command
// line flags, in increasing priority.
func loadConfig(opts *globalOptions) (*config.Config, error) {
	if err := config.LoadDotEnv(opts.envFile); err != nil {
		return nil, err
	}

	var cfg *config.Config
	if opts.configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(opts.configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	if opts.dataDir != "" {
		cfg.DataDir = opts.dataDir
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if opts.development {
		cfg.Logging.Development = true
	}
	if opts.metricsAddr != "" {
		cfg.Metrics.Addr = opts.metricsAddr
	}
	if opts.resolution != "" {
		cfg.Merge.Resolution = opts.resolution
	}
	if opts.denyMode != "" {
		cfg.Merge.DenyMode = conflict.DenyMode(opts.denyMode)
	}
	return cfg, nil
}

// runWithApp builds the application, runs fn under a signal-aware context,
// and releases everything afterwards.
func runWithApp(cmd *cobra.Command, opts *globalOptions, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := server.SignalContext(cmd.Context(), logger)
	defer cancel()

	a, err := app.New(ctx, cfg, app.WithLogger(logger), app.WithPromptIO(cmd.InOrStdin(), cmd.OutOrStdout()))
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("shutdown error", zap.Error(err))
		}
	}()

	if err := a.ServeMetrics(); err != nil {
		return err
	}
	return fn(ctx, a)
}
