package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/finarchive/finarchive/internal/observability"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Mirror copies archive files between the data directory and object storage.
// Object paths are the files' slash-separated paths relative to the data
// directory.
type Mirror struct {
	storage     ObjectStorage
	root        string
	concurrency int
	logger      *zap.Logger
	metrics     *observability.Metrics
}

// TransferResult contains the outcome of a batch transfer.
type TransferResult struct {
	// Objects maps each transferred local path to its object path
	Objects map[string]string
	// Errors maps each failed local path to its error
	Errors map[string]error
}

// Err returns a combined error when any transfer failed.
func (r *TransferResult) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	parts := make([]string, 0, len(r.Errors))
	for p, err := range r.Errors {
		parts = append(parts, fmt.Sprintf("%s: %v", p, err))
	}
	return fmt.Errorf("%d of %d transfers failed: %s", len(r.Errors), len(r.Errors)+len(r.Objects), strings.Join(parts, "; "))
}

// NewMirror creates a mirror of root onto storage.
// concurrency bounds the number of parallel transfers.
func NewMirror(storage ObjectStorage, root string, concurrency int, logger *zap.Logger, metrics *observability.Metrics) *Mirror {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mirror{
		storage:     storage,
		root:        root,
		concurrency: concurrency,
		logger:      logger,
		metrics:     metrics,
	}
}

// ObjectPath returns the object path for a local file under the mirror root.
func (m *Mirror) ObjectPath(localPath string) (string, error) {
	absRoot, err := filepath.Abs(m.root)
	if err != nil {
		return "", err
	}
	absPath, err := filepath.Abs(localPath)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(absRoot, absPath)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside the mirror root %s", localPath, m.root)
	}
	return filepath.ToSlash(rel), nil
}

// Push uploads the given local files in parallel.
func (m *Mirror) Push(ctx context.Context, localPaths ...string) *TransferResult {
	return m.transfer(ctx, "push", localPaths, func(ctx context.Context, local, object string) error {
		return m.storage.Upload(ctx, local, object)
	})
}

// Pull downloads the objects for the given local files in parallel,
// overwriting the local copies.
func (m *Mirror) Pull(ctx context.Context, localPaths ...string) *TransferResult {
	return m.transfer(ctx, "pull", localPaths, func(ctx context.Context, local, object string) error {
		return m.storage.Download(ctx, object, local)
	})
}

func (m *Mirror) transfer(ctx context.Context, direction string, localPaths []string, op func(ctx context.Context, local, object string) error) *TransferResult {
	result := &TransferResult{
		Objects: make(map[string]string),
		Errors:  make(map[string]error),
	}

	sem := semaphore.NewWeighted(int64(m.concurrency))
	var wg sync.WaitGroup
	var mu sync.Mutex

	fail := func(local string, err error) {
		mu.Lock()
		result.Errors[local] = err
		mu.Unlock()
		m.metrics.IncMirrorTransfer(direction, "error")
		m.logger.Warn("mirror transfer failed",
			zap.String("direction", direction), zap.String("path", local), zap.Error(err))
	}

	for _, local := range localPaths {
		object, err := m.ObjectPath(local)
		if err != nil {
			fail(local, err)
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			fail(local, fmt.Errorf("semaphore acquire failed: %w", err))
			continue
		}

		wg.Add(1)
		go func(local, object string) {
			defer sem.Release(1)
			defer wg.Done()

			if err := op(ctx, local, object); err != nil {
				fail(local, err)
				return
			}
			mu.Lock()
			result.Objects[local] = object
			mu.Unlock()
			m.metrics.IncMirrorTransfer(direction, "ok")
			m.logger.Debug("mirror transfer done",
				zap.String("direction", direction), zap.String("path", local), zap.String("object", object))
		}(local, object)
	}

	wg.Wait()
	return result
}
