// Package journal keeps a SQLite record of every merge committed to an archive.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Entry is one journaled merge.
type Entry struct {
	ID          string    `json:"id"`
	Dataset     string    `json:"dataset"`
	Path        string    `json:"path"`
	BackupPath  string    `json:"backup_path,omitempty"`
	KeyColumns  []string  `json:"key_columns"`
	BatchRows   int       `json:"batch_rows"`
	ArchiveRows int       `json:"archive_rows"` // rows before the merge
	ResultRows  int       `json:"result_rows"`
	Conflicts   int       `json:"conflicts"`
	Resolution  string    `json:"resolution,omitempty"` // "", "allow" or "deny"
	Aborted     bool      `json:"aborted"`
	Written     bool      `json:"written"`
	CreatedAt   time.Time `json:"created_at"`
}

// createEntriesTableSQL creates the merges table.
const createEntriesTableSQL = `
CREATE TABLE IF NOT EXISTS merges (
    id TEXT PRIMARY KEY,
    dataset TEXT NOT NULL,
    path TEXT NOT NULL,
    backup_path TEXT NOT NULL,
    key_columns TEXT NOT NULL,
    batch_rows INTEGER NOT NULL,
    archive_rows INTEGER NOT NULL,
    result_rows INTEGER NOT NULL,
    conflicts INTEGER NOT NULL,
    resolution TEXT NOT NULL,
    aborted INTEGER NOT NULL,
    written INTEGER NOT NULL,
    created_at INTEGER NOT NULL
)`

const createEntriesIndexSQL = `CREATE INDEX IF NOT EXISTS idx_merges_path_time ON merges(path, created_at)`

// Journal records merges in a SQLite database.
type Journal struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens or creates the journal database at path.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("journal: failed to create directory: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("journal: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{createEntriesTableSQL, createEntriesIndexSQL} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("journal: failed to initialize schema: %w", err)
		}
	}
	return &Journal{db: db}, nil
}

// Record appends an entry. Missing ID and CreatedAt are filled in.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	keys, err := encodeKeys(e.KeyColumns)
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	_, err = j.db.ExecContext(ctx, `
		INSERT INTO merges (
			id, dataset, path, backup_path, key_columns,
			batch_rows, archive_rows, result_rows, conflicts,
			resolution, aborted, written, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Dataset, e.Path, e.BackupPath, keys,
		e.BatchRows, e.ArchiveRows, e.ResultRows, e.Conflicts,
		e.Resolution, boolInt(e.Aborted), boolInt(e.Written), e.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("journal: failed to record merge: %w", err)
	}
	return nil
}

// List returns the most recent entries, newest first. An empty path lists
// entries for every archive; limit <= 0 means no limit.
func (j *Journal) List(ctx context.Context, path string, limit int) ([]Entry, error) {
	query := `SELECT id, dataset, path, backup_path, key_columns,
		batch_rows, archive_rows, result_rows, conflicts,
		resolution, aborted, written, created_at
		FROM merges`
	var args []interface{}
	if path != "" {
		query += " WHERE path = ?"
		args = append(args, path)
	}
	query += " ORDER BY created_at DESC, rowid DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: failed to query merges: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var keys string
		var aborted, written int
		var created int64
		if err := rows.Scan(&e.ID, &e.Dataset, &e.Path, &e.BackupPath, &keys,
			&e.BatchRows, &e.ArchiveRows, &e.ResultRows, &e.Conflicts,
			&e.Resolution, &aborted, &written, &created); err != nil {
			return nil, fmt.Errorf("journal: failed to scan merge: %w", err)
		}
		if e.KeyColumns, err = decodeKeys(keys); err != nil {
			return nil, err
		}
		e.Aborted = aborted != 0
		e.Written = written != 0
		e.CreatedAt = time.Unix(0, created)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: error iterating merges: %w", err)
	}
	return entries, nil
}

// Close closes the journal database.
func (j *Journal) Close() error {
	return j.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
