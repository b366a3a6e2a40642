// Package merge upserts a batch of rows into an archive table without ever
// leaving two rows with the same key tuple.
package merge

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/finarchive/finarchive/internal/archive"
	"github.com/finarchive/finarchive/internal/conflict"
	fierrors "github.com/finarchive/finarchive/internal/errors"
	"github.com/finarchive/finarchive/internal/journal"
	"github.com/finarchive/finarchive/internal/observability"
	"github.com/finarchive/finarchive/internal/storage"
	"github.com/finarchive/finarchive/pkg/types"
	"go.uber.org/zap"
)

// Journal records committed merges.
type Journal interface {
	Record(ctx context.Context, e journal.Entry) error
}

// Mirror copies archive files to secondary storage.
type Mirror interface {
	Push(ctx context.Context, localPaths ...string) *storage.TransferResult
}

// Request describes one merge call. Exactly one of Old and Path is set.
type Request struct {
	// New is the batch to merge
	New *types.Table

	// Old is an in-memory stored table
	Old *types.Table

	// Path is the archive file to load, and to write the result to
	Path string

	// KeyColumns names the key; empty means every column of the batch
	KeyColumns []string

	// CreateIfMissing treats an absent archive at Path as empty
	CreateIfMissing bool

	// Dataset labels the merge in logs, metrics and the journal.
	// Defaults to the archive's file name.
	Dataset string

	// Policy overrides the engine's conflict policy for this call
	Policy conflict.Policy
}

// Result is the outcome of a merge.
type Result struct {
	// Table is the final table, returned whether or not it was written
	Table *types.Table

	// Conflicts is the number of key tuples present on both sides
	Conflicts int

	// Resolution is the policy decision; meaningful when Conflicts > 0
	Resolution conflict.Resolution

	// Aborted reports a Deny under DenyAbort: nothing changed
	Aborted bool

	// BackupPath is the backup sibling written before any mutation
	BackupPath string

	// Written reports whether the archive file was overwritten
	Written bool

	// Appended counts batch rows in the result; Replaced counts stored rows
	// removed in favor of batch rows; Dropped counts batch rows discarded
	Appended int
	Replaced int
	Dropped  int
}

// Engine merges batches into archives.
type Engine struct {
	store    *archive.Store
	policy   conflict.Policy
	denyMode conflict.DenyMode
	journal  Journal
	mirror   Mirror
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy sets the default conflict policy.
func WithPolicy(p conflict.Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithDenyMode sets what a Deny resolution does.
func WithDenyMode(m conflict.DenyMode) Option {
	return func(e *Engine) { e.denyMode = m }
}

// WithJournal records every merge in j.
func WithJournal(j Journal) Option {
	return func(e *Engine) { e.journal = j }
}

// WithMirror pushes written archives and backups to m.
func WithMirror(m Mirror) Option {
	return func(e *Engine) { e.mirror = m }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEngine creates a merge engine over store. Without WithPolicy every
// conflict is denied.
func NewEngine(store *archive.Store, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		policy:   conflict.Fixed(conflict.Deny),
		denyMode: conflict.DenyDrop,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Merge upserts req.New into the stored table. Caller errors surface before
// any file is touched; a policy error surfaces after the backup but before
// the archive is overwritten.
func (e *Engine) Merge(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	dataset := req.Dataset
	if dataset == "" && req.Path != "" {
		dataset = strings.TrimSuffix(filepath.Base(req.Path), filepath.Ext(req.Path))
	}

	res, err := e.merge(ctx, req, dataset)
	outcome := "in_memory"
	switch {
	case err != nil:
		outcome = "error"
	case res.Aborted:
		outcome = "aborted"
	case res.Written:
		outcome = "written"
	}
	e.metrics.ObserveMerge(dataset, outcome, time.Since(start))
	if err != nil {
		e.logger.Warn("merge failed", zap.String("dataset", dataset), zap.String("path", req.Path), zap.Error(err))
		return nil, err
	}
	return res, nil
}

func (e *Engine) merge(ctx context.Context, req Request, dataset string) (*Result, error) {
	if req.New == nil {
		return nil, fierrors.NewInvalidArgument("merge: no batch given")
	}
	if (req.Old == nil) == (req.Path == "") {
		return nil, fierrors.NewInvalidArgument("merge: exactly one of an in-memory table or an archive path is required")
	}

	old := req.Old
	existed := old != nil
	if req.Path != "" {
		loaded, err := e.store.Load(ctx, req.Path)
		switch {
		case err == nil:
			old, existed = loaded, true
		case errors.Is(err, fierrors.ErrNotFound) && req.CreateIfMissing:
			old = types.NewTable()
			e.logger.Info("archive does not exist yet, creating it", zap.String("path", req.Path))
		default:
			return nil, err
		}
	}

	batch := req.New.ResetIndex()
	stored := old.ResetIndex()

	keys := req.KeyColumns
	if len(keys) == 0 {
		keys = batch.ColumnNames()
	}
	if err := validateKeys(keys, batch, stored); err != nil {
		return nil, err
	}
	cols := types.WidenColumns(stored.Columns, batch.Columns)
	if widened := widenedColumns(cols, stored, batch); len(widened) > 0 {
		e.logger.Info("column types disagree, storing them as strings",
			zap.String("dataset", dataset),
			zap.Strings("columns", widened))
	}

	batchPos := keyPositions(batch, keys)
	_, first, dup, ok := indexTable(batch, batchPos)
	if !ok {
		return nil, fierrors.NewInvalidArgument(fmt.Sprintf(
			"merge: batch rows %d and %d share key (%s) = (%s)",
			first, dup, strings.Join(keys, ", "), strings.Join(keyText(batch.Rows[dup], batchPos), ", ")))
	}
	var storedPos []int
	storedIdx := newKeyIndex(0)
	if len(stored.Columns) > 0 {
		storedPos = keyPositions(stored, keys)
		storedIdx, first, dup, ok = indexTable(stored, storedPos)
		if !ok {
			return nil, fierrors.NewParseError(fmt.Sprintf(
				"merge: stored rows %d and %d share key (%s) = (%s)",
				first, dup, strings.Join(keys, ", "), strings.Join(keyText(stored.Rows[dup], storedPos), ", ")), nil)
		}
	}

	result := &Result{}
	if req.Path != "" && existed {
		bp, err := e.store.Backup(ctx, old, req.Path)
		if err != nil {
			return nil, err
		}
		result.BackupPath = bp
	}

	// rows of each side whose key is on the other side
	conflictBatch := make(map[int]bool)
	conflictStored := make(map[int]bool)
	var sample [][]string
	for i, row := range batch.Rows {
		if j, hit := storedIdx.lookup(keyTuple(row, batchPos)); hit {
			conflictBatch[i] = true
			conflictStored[j] = true
			if len(sample) < conflict.SampleSize {
				sample = append(sample, keyText(row, batchPos))
			}
		}
	}
	result.Conflicts = len(conflictBatch)

	dropBatch := map[int]bool{}
	dropStored := map[int]bool{}
	if result.Conflicts > 0 {
		policy := req.Policy
		if policy == nil {
			policy = e.policy
		}
		res, err := policy.Resolve(ctx, conflict.Conflict{
			Count:       result.Conflicts,
			KeyColumns:  keys,
			Sample:      sample,
			Path:        req.Path,
			BatchRows:   batch.Len(),
			ArchiveRows: stored.Len(),
		})
		if err != nil {
			if result.BackupPath != "" {
				e.logger.Info("archive left unchanged, backup kept", zap.String("backup", result.BackupPath))
			}
			return nil, err
		}
		result.Resolution = res
		e.metrics.AddConflicts(dataset, res.String(), result.Conflicts)
		e.logger.Info("merge conflict resolved",
			zap.String("dataset", dataset),
			zap.Int("conflicts", result.Conflicts),
			zap.String("resolution", res.String()),
			zap.String("deny_mode", string(e.denyMode)))

		switch {
		case res == conflict.Allow:
			dropStored = conflictStored
			result.Replaced = len(conflictStored)
		case e.denyMode == conflict.DenyAbort:
			result.Aborted = true
			result.Table = stored
			e.record(ctx, req, dataset, keys, batch, stored, result)
			return result, nil
		default:
			dropBatch = conflictBatch
			result.Dropped = len(conflictBatch)
		}
	}

	final := types.NewTable(cols...)
	final.Rows = make([]types.Row, 0, stored.Len()+batch.Len()-len(dropStored)-len(dropBatch))
	storedRows := stored.Conform(cols).Rows
	for i, row := range storedRows {
		if !dropStored[i] {
			final.Rows = append(final.Rows, row)
		}
	}
	for i, row := range batch.Conform(cols).Rows {
		if !dropBatch[i] {
			final.Rows = append(final.Rows, row)
			result.Appended++
		}
	}

	if _, first, dup, ok := indexTable(final, keyPositions(final, keys)); !ok {
		return nil, fierrors.NewInternalError(fmt.Sprintf("merge: result rows %d and %d share a key", first, dup), nil)
	}
	result.Table = final

	if req.Path != "" {
		if err := e.store.Save(ctx, final, req.Path); err != nil {
			return nil, err
		}
		result.Written = true
		e.metrics.SetArchiveRows(dataset, final.Len())
		e.push(ctx, req.Path, result.BackupPath)
	}

	e.logger.Info("merge complete",
		zap.String("dataset", dataset),
		zap.String("path", req.Path),
		zap.Int("stored_rows", stored.Len()),
		zap.Int("batch_rows", batch.Len()),
		zap.Int("result_rows", final.Len()),
		zap.Int("conflicts", result.Conflicts),
		zap.Bool("written", result.Written))
	e.record(ctx, req, dataset, keys, batch, stored, result)
	return result, nil
}

// validateKeys checks that every key column exists in the batch and, unless
// the stored table has no columns at all, in the stored table.
func validateKeys(keys []string, batch, stored *types.Table) error {
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if seen[k] {
			return fierrors.NewInvalidArgument(fmt.Sprintf("merge: key column %q listed twice", k))
		}
		seen[k] = true
		if !batch.HasColumn(k) {
			return fierrors.NewSchemaMismatch(fmt.Sprintf("merge: key column %q missing from batch", k))
		}
		if len(stored.Columns) == 0 {
			continue
		}
		if !stored.HasColumn(k) {
			return fierrors.NewSchemaMismatch(fmt.Sprintf("merge: key column %q missing from stored table", k))
		}
		bc := batch.Columns[batch.ColumnIndex(k)]
		sc := stored.Columns[stored.ColumnIndex(k)]
		if _, err := types.UnionColumns([]types.Column{sc}, []types.Column{bc}); err != nil {
			return fierrors.NewSchemaMismatch(fmt.Sprintf(
				"merge: key column %q is %s in the stored table and %s in the batch", k, sc.Type, bc.Type))
		}
	}
	return nil
}

// widenedColumns names the columns of cols that were widened to string
// because the two sides disagree on their type.
func widenedColumns(cols []types.Column, stored, batch *types.Table) []string {
	var out []string
	for _, c := range cols {
		if c.Type != types.TypeString {
			continue
		}
		si, bi := stored.ColumnIndex(c.Name), batch.ColumnIndex(c.Name)
		if si < 0 || bi < 0 {
			continue
		}
		if stored.Columns[si].Type != types.TypeString || batch.Columns[bi].Type != types.TypeString {
			out = append(out, c.Name)
		}
	}
	return out
}

// push mirrors the archive and its backup. Failures are logged only: the
// local archive is already committed.
func (e *Engine) push(ctx context.Context, paths ...string) {
	if e.mirror == nil {
		return
	}
	var files []string
	for _, p := range paths {
		if p != "" {
			files = append(files, p)
		}
	}
	if err := e.mirror.Push(ctx, files...).Err(); err != nil {
		e.logger.Warn("archive mirror push failed", zap.Error(err))
	}
}

func (e *Engine) record(ctx context.Context, req Request, dataset string, keys []string, batch, stored *types.Table, res *Result) {
	if e.journal == nil || req.Path == "" {
		return
	}
	entry := journal.Entry{
		Dataset:     dataset,
		Path:        req.Path,
		BackupPath:  res.BackupPath,
		KeyColumns:  keys,
		BatchRows:   batch.Len(),
		ArchiveRows: stored.Len(),
		ResultRows:  res.Table.Len(),
		Conflicts:   res.Conflicts,
		Aborted:     res.Aborted,
		Written:     res.Written,
	}
	if res.Conflicts > 0 {
		entry.Resolution = res.Resolution.String()
	}
	if err := e.journal.Record(ctx, entry); err != nil {
		e.logger.Warn("failed to journal merge", zap.String("path", req.Path), zap.Error(err))
	}
}
