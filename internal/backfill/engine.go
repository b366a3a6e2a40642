// Package backfill reconstructs historical batches from archived page
// captures. Candidate business days are matched to captures through a
// web-archive index, and each matched capture is fetched and extracted by a
// bounded pool of workers.
package backfill

import (
	"context"
	"fmt"
	"time"

	fierrors "github.com/finarchive/finarchive/internal/errors"
	"github.com/finarchive/finarchive/internal/extract"
	"github.com/finarchive/finarchive/internal/observability"
	"github.com/finarchive/finarchive/internal/wayback"
	"github.com/finarchive/finarchive/pkg/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Strategy selects how captures are discovered.
type Strategy string

const (
	// StrategyRange lists all captures in the range with one index query.
	StrategyRange Strategy = "range"
	// StrategyNearest queries the nearest capture per candidate day.
	StrategyNearest Strategy = "nearest"
)

// DefaultWorkers is the default number of concurrent fetch+extract tasks.
const DefaultWorkers = 10

// Index discovers archived captures of a page.
type Index interface {
	Nearest(ctx context.Context, target string, day time.Time) (wayback.Snapshot, bool, error)
	List(ctx context.Context, target string, from, to time.Time) ([]wayback.Snapshot, error)
}

// Request describes one backfill run.
type Request struct {
	// Start and End bound the run, both inclusive
	Start time.Time
	End   time.Time
	// URL is the live page whose captures are backfilled
	URL string
	// Extractor turns each capture into a batch
	Extractor extract.Extractor
	// Strategy overrides the engine default when set
	Strategy Strategy
}

// Result holds the outcome of a backfill run.
type Result struct {
	// RunID identifies the run in logs
	RunID string
	// Table is the concatenation of every successful day, ordered by day.
	// It is nil when no day succeeded.
	Table *types.Table
	// Days are the candidate business days
	Days []time.Time
	// Snapshots are the captures that were fetched, ordered by day
	Snapshots []wayback.Snapshot
	// Succeeded and Failed count per-day tasks; days without a same-day
	// capture count as neither
	Succeeded int
	Failed    int
}

// Empty reports whether the run produced no rows.
func (r *Result) Empty() bool {
	return r.Table == nil || r.Table.Len() == 0
}

// Engine runs backfills.
type Engine struct {
	index    Index
	fetcher  Fetcher
	workers  int
	timeout  time.Duration
	strategy Strategy
	logger   *zap.Logger
	metrics  *observability.Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithWorkers bounds concurrent fetch+extract tasks.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithTimeout sets the deadline for a whole run. Zero means none.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

// WithStrategy sets the default discovery strategy.
func WithStrategy(s Strategy) Option {
	return func(e *Engine) { e.strategy = s }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates a backfill engine.
func NewEngine(index Index, fetcher Fetcher, opts ...Option) *Engine {
	e := &Engine{
		index:    index,
		fetcher:  fetcher,
		workers:  DefaultWorkers,
		strategy: StrategyRange,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type task struct {
	day  time.Time
	snap *wayback.Snapshot
}

type taskStatus string

const (
	statusOK           taskStatus = "ok"
	statusNoCapture    taskStatus = "no_capture"
	statusIndexError   taskStatus = "index_error"
	statusFetchError   taskStatus = "fetch_error"
	statusExtractError taskStatus = "extract_error"
)

type outcome struct {
	table  *types.Table
	snap   *wayback.Snapshot
	status taskStatus
}

// Backfill discovers captures for every business day in the request range,
// then fetches and extracts them concurrently. A failing day is logged and
// skipped; it never fails the run. An index failure during range discovery
// does fail the run.
func (e *Engine) Backfill(ctx context.Context, req Request) (*Result, error) {
	if req.Extractor == nil {
		return nil, fierrors.NewInvalidArgument("backfill needs an extractor")
	}
	if req.URL == "" {
		return nil, fierrors.NewInvalidArgument("backfill needs a source URL")
	}
	if dayOf(req.End).Before(dayOf(req.Start)) {
		return nil, fierrors.NewInvalidArgument(fmt.Sprintf("backfill range ends (%s) before it starts (%s)",
			req.End.Format(time.DateOnly), req.Start.Format(time.DateOnly)))
	}
	strategy := req.Strategy
	if strategy == "" {
		strategy = e.strategy
	}
	if strategy != StrategyRange && strategy != StrategyNearest {
		return nil, fierrors.NewInvalidArgument(fmt.Sprintf("unknown backfill strategy %q", strategy))
	}

	res := &Result{RunID: uuid.NewString()}
	logger := e.logger.With(zap.String("run_id", res.RunID), zap.String("url", req.URL))
	started := time.Now()
	defer func() { e.metrics.ObserveBackfill(time.Since(started)) }()

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	res.Days = BusinessDays(req.Start, req.End)
	logger.Info("backfill started",
		zap.String("start", req.Start.Format(time.DateOnly)),
		zap.String("end", req.End.Format(time.DateOnly)),
		zap.Int("days", len(res.Days)),
		zap.String("strategy", string(strategy)),
		zap.Int("workers", e.workers))

	tasks, err := e.discover(ctx, req.URL, res.Days, strategy)
	if err != nil {
		return nil, err
	}

	outcomes := make([]outcome, len(tasks))
	var g errgroup.Group
	g.SetLimit(e.workers)
	for i, tk := range tasks {
		i, tk := i, tk
		g.Go(func() error {
			outcomes[i] = e.runTask(ctx, logger, req, tk)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("backfill %s interrupted: %w", res.RunID, err)
	}

	var tables []*types.Table
	for _, o := range outcomes {
		switch o.status {
		case statusOK:
			res.Succeeded++
			res.Snapshots = append(res.Snapshots, *o.snap)
			if o.table != nil {
				tables = append(tables, o.table)
			}
		case statusNoCapture:
		default:
			res.Failed++
		}
	}

	if len(tables) == 0 {
		logger.Info("no relevant data found",
			zap.Int("succeeded", res.Succeeded),
			zap.Int("failed", res.Failed))
		return res, nil
	}

	combined, err := types.Concat(tables...)
	if err != nil {
		return nil, fierrors.NewExtractionError("per-day batches have incompatible columns", err)
	}
	if idx := tables[0].Index; len(idx) > 0 {
		if err := combined.SetIndex(idx...); err != nil {
			return nil, fierrors.NewExtractionError("per-day batches disagree on index", err)
		}
	}
	res.Table = combined

	logger.Info("backfill finished",
		zap.Int("rows", combined.Len()),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed),
		zap.Duration("elapsed", time.Since(started)))
	return res, nil
}

// discover builds one task per day that may have a capture. Nearest-strategy
// tasks look up their own capture inside the worker.
func (e *Engine) discover(ctx context.Context, target string, days []time.Time, strategy Strategy) ([]task, error) {
	if len(days) == 0 {
		return nil, nil
	}
	tasks := make([]task, 0, len(days))

	if strategy == StrategyNearest {
		for _, d := range days {
			tasks = append(tasks, task{day: d})
		}
		return tasks, nil
	}

	snaps, err := e.index.List(ctx, target, days[0], days[len(days)-1])
	if err != nil {
		return nil, fmt.Errorf("list captures of %s: %w", target, err)
	}
	// last capture of each day wins
	byDay := make(map[time.Time]wayback.Snapshot, len(snaps))
	for _, s := range snaps {
		byDay[s.Day] = s
	}
	for _, d := range days {
		if s, ok := byDay[d]; ok {
			tasks = append(tasks, task{day: d, snap: &s})
		}
	}
	return tasks, nil
}

func (e *Engine) runTask(ctx context.Context, logger *zap.Logger, req Request, tk task) outcome {
	day := tk.day.Format(time.DateOnly)
	o := outcome{snap: tk.snap}

	if o.snap == nil {
		snap, ok, err := e.index.Nearest(ctx, req.URL, tk.day)
		if err != nil {
			logger.Warn("capture lookup failed", zap.String("day", day), zap.Error(err))
			return e.finish(o, statusIndexError)
		}
		if !ok || !snap.Day.Equal(tk.day) {
			logger.Debug("no same-day capture", zap.String("day", day))
			return e.finish(o, statusNoCapture)
		}
		o.snap = &snap
	}

	body, err := e.fetcher.Fetch(ctx, o.snap.URL)
	if err != nil {
		logger.Warn("capture fetch failed", zap.String("day", day), zap.String("capture", o.snap.URL), zap.Error(err))
		return e.finish(o, statusFetchError)
	}

	tbl, err := extractPage(ctx, req.Extractor, extract.Page{URL: o.snap.URL, Body: body}, tk.day)
	if err != nil {
		logger.Warn("capture extraction failed", zap.String("day", day), zap.String("capture", o.snap.URL), zap.Error(err))
		return e.finish(o, statusExtractError)
	}
	o.table = tbl
	logger.Debug("day extracted", zap.String("day", day), zap.Int("rows", tbl.Len()))
	return e.finish(o, statusOK)
}

// extractPage runs the extractor and turns a panic into an error so that one
// malformed page fails only its own day.
func extractPage(ctx context.Context, ex extract.Extractor, page extract.Page, day time.Time) (tbl *types.Table, err error) {
	defer func() {
		if r := recover(); r != nil {
			tbl = nil
			err = fierrors.NewExtractionError(fmt.Sprintf("extractor panicked on %s: %v", page.URL, r), nil)
		}
	}()
	return ex.Extract(ctx, page, day)
}

func (e *Engine) finish(o outcome, status taskStatus) outcome {
	o.status = status
	e.metrics.IncBackfillTask(string(status))
	return o
}
