// Package app wires finarchive components from configuration.
package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/finarchive/finarchive/internal/archive"
	"github.com/finarchive/finarchive/internal/backfill"
	"github.com/finarchive/finarchive/internal/collect"
	"github.com/finarchive/finarchive/internal/config"
	"github.com/finarchive/finarchive/internal/conflict"
	"github.com/finarchive/finarchive/internal/extract"
	"github.com/finarchive/finarchive/internal/journal"
	"github.com/finarchive/finarchive/internal/merge"
	"github.com/finarchive/finarchive/internal/observability"
	"github.com/finarchive/finarchive/internal/server"
	"github.com/finarchive/finarchive/internal/storage"
	"github.com/finarchive/finarchive/internal/wayback"
	"github.com/finarchive/finarchive/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Dataset names archived out of the box.
const (
	DatasetTopMovers = "top_movers"
	DatasetCandles   = "candles"
	DatasetReturns   = "returns"
)

// App holds the components of one finarchive invocation.
type App struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *observability.Metrics

	store    *archive.Store
	journal  *journal.Journal
	mirror   *storage.Mirror
	merger   *merge.Engine
	backfill *backfill.Engine
	prices   *collect.Prices

	lifecycle *server.Lifecycle

	// overrides
	policy   conflict.Policy
	promptIn io.Reader
	promptTo io.Writer
	index    backfill.Index
	fetcher  backfill.Fetcher
	httpDoer collect.HTTPDoer
}

// Option configures an App.
type Option func(*App)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *App) { a.logger = l }
}

// WithPolicy overrides the conflict policy derived from configuration.
func WithPolicy(p conflict.Policy) Option {
	return func(a *App) { a.policy = p }
}

// WithPromptIO sets where the interactive prompt reads answers and writes
// questions. Defaults to stdin and stdout.
func WithPromptIO(in io.Reader, out io.Writer) Option {
	return func(a *App) { a.promptIn, a.promptTo = in, out }
}

// WithIndex overrides the web-archive index used by backfills.
func WithIndex(idx backfill.Index) Option {
	return func(a *App) { a.index = idx }
}

// WithFetcher overrides the page fetcher used by backfills.
func WithFetcher(f backfill.Fetcher) Option {
	return func(a *App) { a.fetcher = f }
}

// WithCollectorClient overrides the HTTP client of the price collector.
func WithCollectorClient(h collect.HTTPDoer) Option {
	return func(a *App) { a.httpDoer = h }
}

// New builds every component from cfg. Close releases them.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	a := &App{
		cfg:      cfg,
		logger:   zap.NewNop(),
		registry: prometheus.NewRegistry(),
		promptIn: os.Stdin,
		promptTo: os.Stdout,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.lifecycle = server.NewLifecycle(a.logger)
	a.metrics = observability.NewMetrics(a.registry)

	if err := a.initStore(); err != nil {
		return nil, err
	}
	if err := a.initJournal(); err != nil {
		_ = a.Close()
		return nil, err
	}
	if err := a.initMirror(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	if err := a.initMerger(); err != nil {
		_ = a.Close()
		return nil, err
	}
	a.initBackfill()
	a.initCollector()
	return a, nil
}

func (a *App) initStore() error {
	a.store = archive.NewStore(archive.WithLogger(a.logger))
	for name, ds := range a.cfg.Datasets {
		if len(ds.Columns) == 0 && ds.DefaultType == "" {
			continue
		}
		base := strings.TrimSuffix(filepath.Base(ds.File), filepath.Ext(ds.File))
		if err := a.store.RegisterSchema(base, ds.Schema()); err != nil {
			return fmt.Errorf("dataset %s: %w", name, err)
		}
	}
	return nil
}

func (a *App) initJournal() error {
	if !a.cfg.Journal.Enabled {
		return nil
	}
	j, err := journal.Open(a.cfg.Journal.Path)
	if err != nil {
		return err
	}
	a.journal = j
	a.lifecycle.RegisterCloser(j)
	return nil
}

func (a *App) initMirror(ctx context.Context) error {
	var objects storage.ObjectStorage
	switch a.cfg.Storage.Type {
	case "", "none":
		return nil
	case "local":
		local, err := storage.NewLocalStorage(a.cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("failed to create local mirror: %w", err)
		}
		objects = local
	case "s3":
		s3, err := storage.NewS3Storage(ctx, a.cfg.Storage.S3.Bucket, storage.S3Config{
			Region:   a.cfg.Storage.S3.Region,
			Endpoint: a.cfg.Storage.S3.Endpoint,
			Prefix:   a.cfg.Storage.S3.Prefix,
		})
		if err != nil {
			return fmt.Errorf("failed to create S3 mirror: %w", err)
		}
		objects = s3
	default:
		return fmt.Errorf("unsupported storage type: %s", a.cfg.Storage.Type)
	}
	a.mirror = storage.NewMirror(objects, a.cfg.DataDir, a.cfg.Storage.Concurrency, a.logger, a.metrics)
	return nil
}

func (a *App) initMerger() error {
	policy := a.policy
	if policy == nil {
		if a.cfg.Merge.Resolution != "" {
			res, err := conflict.ParseResolution(a.cfg.Merge.Resolution)
			if err != nil {
				return err
			}
			policy = conflict.Fixed(res)
		} else {
			policy = conflict.NewPrompterWithIO(a.promptIn, a.promptTo, a.cfg.Merge.PromptTimeout, a.logger)
		}
	}

	opts := []merge.Option{
		merge.WithPolicy(policy),
		merge.WithDenyMode(a.cfg.Merge.DenyMode),
		merge.WithMetrics(a.metrics),
		merge.WithLogger(a.logger),
	}
	if a.journal != nil {
		opts = append(opts, merge.WithJournal(a.journal))
	}
	if a.mirror != nil {
		opts = append(opts, merge.WithMirror(a.mirror))
	}
	a.merger = merge.NewEngine(a.store, opts...)
	return nil
}

func (a *App) initBackfill() {
	bc := a.cfg.Backfill
	index := a.index
	if index == nil {
		index = wayback.New(wayback.Config{
			Endpoint:       bc.CDXEndpoint,
			ArchiveBaseURL: bc.ArchiveBaseURL,
			MaxAttempts:    bc.MaxAttempts,
			RetryInterval:  bc.RetryInterval,
			MinDelay:       bc.MinDelay,
			MaxDelay:       bc.MaxDelay,
			UserAgent:      bc.UserAgent,
		}, wayback.WithLogger(a.logger), wayback.WithMetrics(a.metrics))
	}
	fetcher := a.fetcher
	if fetcher == nil {
		fetcher = backfill.NewHTTPFetcher(nil, bc.UserAgent, bc.RequestTimeout)
	}
	a.backfill = backfill.NewEngine(index, fetcher,
		backfill.WithWorkers(bc.Workers),
		backfill.WithTimeout(bc.Timeout),
		backfill.WithStrategy(backfill.Strategy(bc.Strategy)),
		backfill.WithLogger(a.logger),
		backfill.WithMetrics(a.metrics))
}

func (a *App) initCollector() {
	cc := a.cfg.Collect
	opts := []collect.Option{collect.WithLogger(a.logger)}
	if a.httpDoer != nil {
		opts = append(opts, collect.WithHTTPClient(a.httpDoer))
	}
	a.prices = collect.NewPrices(collect.Config{
		ChartEndpoint:  cc.ChartEndpoint,
		Workers:        cc.Workers,
		UserAgent:      cc.UserAgent,
		RequestTimeout: cc.RequestTimeout,
	}, opts...)
}

// Config returns the resolved configuration.
func (a *App) Config() *config.Config { return a.cfg }

// Registry returns the metrics registry.
func (a *App) Registry() *prometheus.Registry { return a.registry }

// Store returns the archive store.
func (a *App) Store() *archive.Store { return a.store }

// ServeMetrics starts the metrics endpoint when one is configured. The
// server stops on Close.
func (a *App) ServeMetrics() error {
	if a.cfg.Metrics.Addr == "" {
		return nil
	}
	ms, err := server.StartMetricsServer(a.cfg.Metrics.Addr, a.registry, a.logger)
	if err != nil {
		return err
	}
	a.lifecycle.RegisterCloser(ms)
	return nil
}

// Close releases every component.
func (a *App) Close() error {
	return a.lifecycle.Close()
}

func (a *App) dataset(name string) (string, config.DatasetConfig, error) {
	ds, ok := a.cfg.Datasets[name]
	if !ok {
		return "", config.DatasetConfig{}, fmt.Errorf("unknown dataset: %s", name)
	}
	path, err := a.cfg.DatasetPath(name)
	if err != nil {
		return "", config.DatasetConfig{}, err
	}
	return path, ds, nil
}

// Merge upserts batch into the named dataset's archive using the dataset's
// key columns. A missing archive is created.
func (a *App) Merge(ctx context.Context, dataset string, batch *types.Table) (*merge.Result, error) {
	path, ds, err := a.dataset(dataset)
	if err != nil {
		return nil, err
	}
	return a.merger.Merge(ctx, merge.Request{
		New:             batch,
		Path:            path,
		KeyColumns:      ds.Keys,
		CreateIfMissing: true,
		Dataset:         dataset,
	})
}

// MergeFile loads a batch file in any archive format and merges it into the
// named dataset.
func (a *App) MergeFile(ctx context.Context, dataset, batchPath string) (*merge.Result, error) {
	batch, err := a.store.Load(ctx, batchPath)
	if err != nil {
		return nil, fmt.Errorf("load batch: %w", err)
	}
	return a.Merge(ctx, dataset, batch)
}

// MergeInto merges a batch file into an arbitrary archive path with explicit
// key columns.
func (a *App) MergeInto(ctx context.Context, archivePath, batchPath string, keys []string, create bool) (*merge.Result, error) {
	batch, err := a.store.Load(ctx, batchPath)
	if err != nil {
		return nil, fmt.Errorf("load batch: %w", err)
	}
	return a.merger.Merge(ctx, merge.Request{
		New:             batch,
		Path:            archivePath,
		KeyColumns:      keys,
		CreateIfMissing: create,
	})
}

// BackfillResult pairs a backfill run with the merge of its rows.
type BackfillResult struct {
	Backfill *backfill.Result
	// Merge is nil when the run produced no rows
	Merge *merge.Result
}

// BackfillTopMovers reconstructs top movers for start..end from archived
// captures of sourceURL (the configured source when empty) and merges them
// into the top_movers dataset.
func (a *App) BackfillTopMovers(ctx context.Context, start, end time.Time, sourceURL string, strategy backfill.Strategy) (*BackfillResult, error) {
	if sourceURL == "" {
		sourceURL = a.cfg.Backfill.SourceURL
	}
	res, err := a.backfill.Backfill(ctx, backfill.Request{
		Start:     start,
		End:       end,
		URL:       sourceURL,
		Extractor: extract.TopMovers{},
		Strategy:  strategy,
	})
	if err != nil {
		return nil, err
	}
	out := &BackfillResult{Backfill: res}
	if res.Empty() {
		return out, nil
	}
	out.Merge, err = a.Merge(ctx, DatasetTopMovers, res.Table)
	if err != nil {
		return out, err
	}
	return out, nil
}

// PricesResult holds the merges of one price collection.
type PricesResult struct {
	Candles *merge.Result
	Returns *merge.Result
}

// CollectPrices fetches candles for tickers, merges them into the candles
// dataset, then derives returns from column and merges them into the returns
// dataset.
func (a *App) CollectPrices(ctx context.Context, tickers []string, start, end time.Time, column string) (*PricesResult, error) {
	candles, err := a.prices.Collect(ctx, tickers, start, end)
	if err != nil {
		return nil, err
	}
	out := &PricesResult{}
	if out.Candles, err = a.Merge(ctx, DatasetCandles, candles); err != nil {
		return nil, err
	}

	returns, err := collect.Returns(candles, column)
	if err != nil {
		return out, err
	}
	if out.Returns, err = a.Merge(ctx, DatasetReturns, returns); err != nil {
		return out, err
	}
	return out, nil
}

// Restore replaces the named dataset's archive with its backup sibling and
// mirrors the restored file.
func (a *App) Restore(ctx context.Context, dataset string) (string, error) {
	path, _, err := a.dataset(dataset)
	if err != nil {
		return "", err
	}
	if err := a.store.Restore(ctx, path); err != nil {
		return "", err
	}
	if a.mirror != nil {
		if err := a.mirror.Push(ctx, path).Err(); err != nil {
			a.logger.Warn("mirror push after restore failed", zap.String("path", path), zap.Error(err))
		}
	}
	return path, nil
}

// Pull downloads the named datasets' archives from the mirror, replacing the
// local copies. All datasets are pulled when names is empty.
func (a *App) Pull(ctx context.Context, names ...string) (*storage.TransferResult, error) {
	if a.mirror == nil {
		return nil, fmt.Errorf("no mirror configured (storage.type is %q)", a.cfg.Storage.Type)
	}
	if len(names) == 0 {
		for name := range a.cfg.Datasets {
			names = append(names, name)
		}
	}
	paths := make([]string, 0, len(names))
	for _, name := range names {
		path, _, err := a.dataset(name)
		if err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return a.mirror.Pull(ctx, paths...), nil
}

// History lists journaled merges of the named dataset, newest first. An
// empty name lists every archive.
func (a *App) History(ctx context.Context, dataset string, limit int) ([]journal.Entry, error) {
	if a.journal == nil {
		return nil, fmt.Errorf("journal is disabled")
	}
	path := ""
	if dataset != "" {
		p, _, err := a.dataset(dataset)
		if err != nil {
			return nil, err
		}
		path = p
	}
	return a.journal.List(ctx, path, limit)
}
