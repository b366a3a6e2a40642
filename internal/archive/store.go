// Package archive persists tables as on-disk archive files and keeps the
// backup sibling written before every overwrite.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	fierrors "github.com/finarchive/finarchive/internal/errors"
	"github.com/finarchive/finarchive/pkg/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// BackupSuffix is appended to an archive's base name to form its backup sibling.
const BackupSuffix = "_temp"

// Store loads and saves archive files, picking a codec by file extension.
// A Store assumes a single writer per archive path.
type Store struct {
	mu      sync.RWMutex
	codecs  map[string]Codec
	schemas map[string]types.Schema
	logger  *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store's logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithCodec registers a codec for an extension such as ".parquet".
func WithCodec(ext string, c Codec) Option {
	return func(s *Store) { s.codecs[ext] = c }
}

// NewStore creates a store with the built-in codecs.
func NewStore(opts ...Option) *Store {
	s := &Store{
		codecs:  defaultCodecs(),
		schemas: make(map[string]types.Schema),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterSchema declares the column types of archives whose file name,
// without extension, is name. The backup sibling shares the schema.
func (s *Store) RegisterSchema(name string, schema types.Schema) error {
	if err := schema.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.schemas[name] = schema
	s.mu.Unlock()
	return nil
}

func (s *Store) schemaFor(path string) types.Schema {
	base, _ := splitExt(filepath.Base(path))
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sc, ok := s.schemas[base]; ok {
		return sc
	}
	if strings.HasSuffix(base, BackupSuffix) {
		return s.schemas[strings.TrimSuffix(base, BackupSuffix)]
	}
	return types.Schema{}
}

func (s *Store) codecFor(path string) (Codec, error) {
	_, ext := splitExt(path)
	c, ok := s.codecs[ext]
	if !ok {
		return nil, fierrors.NewInvalidArgument(fmt.Sprintf("unsupported archive format %q for %s", ext, path))
	}
	return c, nil
}

// Exists reports whether an archive file is present at path.
func (s *Store) Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Load reads the archive at path. It fails with NotFound when the file does
// not exist and ParseError when the content cannot be decoded.
func (s *Store) Load(ctx context.Context, path string) (*types.Table, error) {
	codec, err := s.codecFor(path)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fierrors.NewNotFound(fmt.Sprintf("archive %s does not exist", path), err)
		}
		return nil, fmt.Errorf("archive: stat %s: %w", path, err)
	}

	t, err := codec.Read(ctx, path, s.schemaFor(path))
	if err != nil {
		return nil, fierrors.NewParseError(fmt.Sprintf("cannot decode archive %s", path), err)
	}
	s.logger.Debug("archive loaded", zap.String("path", path), zap.Int("rows", t.Len()))
	return t, nil
}

// Save writes the table to path. The content goes to a temporary sibling
// first and is renamed over path, so a reader never sees a partial archive.
func (s *Store) Save(ctx context.Context, t *types.Table, path string) error {
	if t == nil {
		return fierrors.NewInvalidArgument("archive: nil table")
	}
	codec, err := s.codecFor(path)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("archive: failed to create directory: %w", err)
	}

	tmp := filepath.Join(dir, fmt.Sprintf(".%s.%s.tmp", filepath.Base(path), uuid.New().String()))
	if err := codec.Write(ctx, tmp, t); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("archive: failed to write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("archive: failed to replace %s: %w", path, err)
	}

	s.logger.Debug("archive saved", zap.String("path", path), zap.Int("rows", t.Len()))
	return nil
}

// BackupPath returns the backup sibling of an archive path:
// data/movers.csv becomes data/movers_temp.csv.
func BackupPath(path string) string {
	base, _ := splitExt(path)
	return base + BackupSuffix + filepath.Ext(path)
}

// Backup writes the table to the backup sibling of path, overwriting any
// previous backup, and returns the backup's path.
func (s *Store) Backup(ctx context.Context, t *types.Table, path string) (string, error) {
	bp := BackupPath(path)
	if err := s.Save(ctx, t, bp); err != nil {
		return "", fmt.Errorf("archive: backup failed: %w", err)
	}
	s.logger.Info("archive backed up", zap.String("path", path), zap.String("backup", bp))
	return bp, nil
}

// Restore replaces the archive at path with its backup sibling. The backup is
// left in place.
func (s *Store) Restore(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	bp := BackupPath(path)
	src, err := os.Open(bp)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fierrors.NewNotFound(fmt.Sprintf("no backup for %s", path), err)
		}
		return fmt.Errorf("archive: open backup: %w", err)
	}
	defer src.Close()

	dir := filepath.Dir(path)
	tmp := filepath.Join(dir, fmt.Sprintf(".%s.%s.tmp", filepath.Base(path), uuid.New().String()))
	dst, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("archive: create restore file: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(tmp)
		return fmt.Errorf("archive: copy backup: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("archive: close restore file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("archive: replace %s: %w", path, err)
	}

	s.logger.Info("archive restored from backup", zap.String("path", path), zap.String("backup", bp))
	return nil
}
