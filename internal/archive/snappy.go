package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/finarchive/finarchive/pkg/types"
	"github.com/golang/snappy"
)

// SnappyCodec stores a table as snappy-compressed JSON. Cells are kept in
// their text form and re-typed from the recorded columns on read.
type SnappyCodec struct{}

const snappyFormatVersion = 1

type tableFile struct {
	Version int            `json:"version"`
	Columns []types.Column `json:"columns"`
	Index   []string       `json:"index,omitempty"`
	Rows    [][]*string    `json:"rows"`
}

// Read decodes a snappy table file.
func (c *SnappyCodec) Read(ctx context.Context, path string, _ types.Schema) (*types.Table, error) {
	compressed, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	raw, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress table: %w", err)
	}
	var tf tableFile
	if err := json.Unmarshal(raw, &tf); err != nil {
		return nil, fmt.Errorf("failed to unmarshal table: %w", err)
	}
	if tf.Version != snappyFormatVersion {
		return nil, fmt.Errorf("unsupported table format version %d", tf.Version)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for _, col := range tf.Columns {
		if !col.Type.Valid() {
			return nil, fmt.Errorf("column %q has unknown type %q", col.Name, col.Type)
		}
	}
	t := types.NewTable(tf.Columns...)
	t.Rows = make([]types.Row, 0, len(tf.Rows))
	for i, cells := range tf.Rows {
		if len(cells) != len(tf.Columns) {
			return nil, fmt.Errorf("row %d: %w", i, types.ErrColumnCount)
		}
		row := make(types.Row, len(cells))
		for j, cell := range cells {
			if cell == nil {
				continue
			}
			if *cell == "" && tf.Columns[j].Type == types.TypeString {
				row[j] = types.String("")
				continue
			}
			v, err := types.ParseValue(*cell, tf.Columns[j].Type)
			if err != nil {
				return nil, fmt.Errorf("row %d column %q: %w", i, tf.Columns[j].Name, err)
			}
			row[j] = v
		}
		t.Rows = append(t.Rows, row)
	}
	if len(tf.Index) > 0 {
		if err := t.SetIndex(tf.Index...); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Write encodes the table into a snappy table file.
func (c *SnappyCodec) Write(ctx context.Context, path string, t *types.Table) error {
	tf := tableFile{
		Version: snappyFormatVersion,
		Columns: t.Columns,
		Index:   t.Index,
		Rows:    make([][]*string, len(t.Rows)),
	}
	for i, row := range t.Rows {
		cells := make([]*string, len(row))
		for j, v := range row {
			if v.IsNull() {
				continue
			}
			s := v.String()
			cells[j] = &s
		}
		tf.Rows[i] = cells
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	raw, err := json.Marshal(tf)
	if err != nil {
		return fmt.Errorf("failed to marshal table: %w", err)
	}
	return os.WriteFile(path, snappy.Encode(nil, raw), 0644)
}
