package archive

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/finarchive/finarchive/pkg/types"
)

// DelimitedCodec stores a table as delimited text with a header row.
// The named index, if any, is written as the leading columns.
type DelimitedCodec struct {
	Comma rune
}

// Read decodes a delimited file. Declared schema types win; other columns
// are inferred from their cells.
func (c *DelimitedCodec) Read(ctx context.Context, path string, schema types.Schema) (*types.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(bufio.NewReader(f))
	r.Comma = c.Comma
	records, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return types.NewTable(), nil
	}

	header := records[0]
	body := records[1:]
	seen := make(map[string]bool, len(header))
	cols := make([]types.Column, len(header))
	for j, name := range header {
		if seen[name] {
			return nil, fmt.Errorf("duplicate column %q in header", name)
		}
		seen[name] = true
		typ, ok := schema.TypeOf(name)
		if !ok {
			typ = inferColumnType(body, j)
		}
		cols[j] = types.Column{Name: name, Type: typ}
	}

	t := types.NewTable(cols...)
	t.Rows = make([]types.Row, 0, len(body))
	for i, rec := range body {
		row := make(types.Row, len(cols))
		for j, cell := range rec {
			v, err := types.ParseValue(cell, cols[j].Type)
			if err != nil {
				return nil, fmt.Errorf("line %d column %q: %w", i+2, cols[j].Name, err)
			}
			row[j] = v
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

// Write encodes the table as delimited text.
func (c *DelimitedCodec) Write(ctx context.Context, path string, t *types.Table) error {
	flat := t.ResetIndex()

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	w := csv.NewWriter(bw)
	w.Comma = c.Comma

	if err := w.Write(flat.ColumnNames()); err != nil {
		f.Close()
		return err
	}
	rec := make([]string, len(flat.Columns))
	for i, row := range flat.Rows {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				f.Close()
				return err
			}
		}
		for j, v := range row {
			rec[j] = v.String()
		}
		if err := w.Write(rec); err != nil {
			f.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// inferColumnType picks the narrowest type every non-empty cell of column j
// parses as, trying int, float, then time. A column without values is string.
func inferColumnType(records [][]string, j int) types.ColumnType {
	isInt, isFloat, isTime := true, true, true
	hasValue := false
	for _, rec := range records {
		if j >= len(rec) || rec[j] == "" {
			continue
		}
		hasValue = true
		cell := rec[j]
		if isInt {
			if _, err := strconv.ParseInt(cell, 10, 64); err != nil {
				isInt = false
			}
		}
		if isFloat {
			// ParseFloat accepts "inf" and "nan", which are ticker-shaped
			if _, err := strconv.ParseFloat(cell, 64); err != nil || !strings.ContainsAny(cell, "0123456789") {
				isFloat = false
			}
		}
		if isTime {
			if _, ok := types.ParseTime(cell); !ok {
				isTime = false
			}
		}
		if !isInt && !isFloat && !isTime {
			break
		}
	}
	switch {
	case !hasValue:
		return types.TypeString
	case isInt:
		return types.TypeInt
	case isFloat:
		return types.TypeFloat
	case isTime:
		return types.TypeTime
	default:
		return types.TypeString
	}
}
