package archive

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/finarchive/finarchive/pkg/types"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteCodec stores a table as a single-table SQLite file. Column types and
// the named index are kept in a metadata table so a load reproduces the
// table exactly.
type SQLiteCodec struct{}

const (
	sqliteDataTable = "archive"
	sqliteMetaTable = "_finarchive_columns"
)

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func sqliteColumnType(t types.ColumnType) string {
	switch t {
	case types.TypeInt:
		return "INTEGER"
	case types.TypeFloat:
		return "REAL"
	default:
		return "TEXT"
	}
}

// Read decodes a SQLite archive. The schema argument is ignored because the
// file records its own column types.
func (c *SQLiteCodec) Read(ctx context.Context, path string, _ types.Schema) (*types.Table, error) {
	db, err := sql.Open("sqlite3", path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer db.Close()

	meta, err := db.QueryContext(ctx,
		"SELECT name, type, index_position FROM "+sqliteMetaTable+" ORDER BY position")
	if err != nil {
		return nil, fmt.Errorf("failed to query column metadata: %w", err)
	}
	var cols []types.Column
	var indexCols []string
	var indexPos []int
	for meta.Next() {
		var name, typ string
		var pos sql.NullInt64
		if err := meta.Scan(&name, &typ, &pos); err != nil {
			meta.Close()
			return nil, fmt.Errorf("failed to scan column metadata: %w", err)
		}
		ct := types.ColumnType(typ)
		if !ct.Valid() {
			meta.Close()
			return nil, fmt.Errorf("column %q has unknown type %q", name, typ)
		}
		cols = append(cols, types.Column{Name: name, Type: ct})
		if pos.Valid {
			indexCols = append(indexCols, name)
			indexPos = append(indexPos, int(pos.Int64))
		}
	}
	if err := meta.Err(); err != nil {
		meta.Close()
		return nil, fmt.Errorf("error iterating column metadata: %w", err)
	}
	meta.Close()

	t := types.NewTable(cols...)
	if len(cols) == 0 {
		return t, nil
	}

	names := make([]string, len(cols))
	for i, col := range cols {
		names[i] = quoteIdent(col.Name)
	}
	rows, err := db.QueryContext(ctx,
		"SELECT "+strings.Join(names, ", ")+" FROM "+sqliteDataTable+" ORDER BY rowid")
	if err != nil {
		return nil, fmt.Errorf("failed to query rows: %w", err)
	}
	defer rows.Close()

	cells := make([]sql.NullString, len(cols))
	dest := make([]interface{}, len(cols))
	for i := range cells {
		dest[i] = &cells[i]
	}
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		row := make(types.Row, len(cols))
		for i, cell := range cells {
			if !cell.Valid {
				continue
			}
			v, err := types.ParseValue(cell.String, cols[i].Type)
			if err != nil {
				return nil, fmt.Errorf("column %q: %w", cols[i].Name, err)
			}
			row[i] = v
		}
		t.Rows = append(t.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	if len(indexCols) > 0 {
		ordered := make([]string, len(indexCols))
		for i, p := range indexPos {
			if p < 0 || p >= len(ordered) {
				return nil, fmt.Errorf("index position %d out of range", p)
			}
			ordered[p] = indexCols[i]
		}
		if err := t.SetIndex(ordered...); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Write encodes the table into a new SQLite file.
func (c *SQLiteCodec) Write(ctx context.Context, path string, t *types.Table) error {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return fmt.Errorf("failed to create database: %w", err)
	}
	defer db.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE `+sqliteMetaTable+` (
			position INTEGER PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			type TEXT NOT NULL,
			index_position INTEGER
		)`); err != nil {
		return fmt.Errorf("failed to create metadata table: %w", err)
	}

	indexPos := make(map[string]int, len(t.Index))
	for i, n := range t.Index {
		indexPos[n] = i
	}
	defs := make([]string, len(t.Columns))
	for i, col := range t.Columns {
		var pos interface{}
		if p, ok := indexPos[col.Name]; ok {
			pos = p
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO "+sqliteMetaTable+" (position, name, type, index_position) VALUES (?, ?, ?, ?)",
			i, col.Name, string(col.Type), pos); err != nil {
			return fmt.Errorf("failed to record column %q: %w", col.Name, err)
		}
		defs[i] = quoteIdent(col.Name) + " " + sqliteColumnType(col.Type)
	}

	if len(t.Columns) > 0 {
		if _, err := tx.ExecContext(ctx,
			"CREATE TABLE "+sqliteDataTable+" ("+strings.Join(defs, ", ")+")"); err != nil {
			return fmt.Errorf("failed to create archive table: %w", err)
		}

		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(t.Columns)), ", ")
		stmt, err := tx.PrepareContext(ctx,
			"INSERT INTO "+sqliteDataTable+" VALUES ("+placeholders+")")
		if err != nil {
			return fmt.Errorf("failed to prepare insert: %w", err)
		}
		defer stmt.Close()

		args := make([]interface{}, len(t.Columns))
		for _, row := range t.Rows {
			for i, v := range row {
				args[i] = sqliteArg(v)
			}
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				return fmt.Errorf("failed to insert row: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return db.Close()
}

func sqliteArg(v types.Value) interface{} {
	switch v.Kind() {
	case types.KindString:
		return v.Str()
	case types.KindInt:
		return v.Int64()
	case types.KindFloat:
		return v.Float64()
	case types.KindTime:
		return v.String()
	default:
		return nil
	}
}
