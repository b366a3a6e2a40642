package types

import "fmt"

// Table is an ordered sequence of rows over a declared set of columns.
// Row order is insertion order.
type Table struct {
	// Columns defines the columns in order
	Columns []Column `json:"columns"`

	// Rows holds the row values aligned with Columns
	Rows []Row `json:"rows"`

	// Index names the columns the producer declared as the table's semantic
	// index. An empty Index means the table carries only positional order.
	Index []string `json:"index,omitempty"`
}

// NewTable creates an empty table with the given columns.
func NewTable(cols ...Column) *Table {
	c := make([]Column, len(cols))
	copy(c, cols)
	return &Table{Columns: c}
}

// Len returns the number of rows.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// ColumnIndex returns the position of the named column or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// HasColumn reports whether the table declares the named column.
func (t *Table) HasColumn(name string) bool {
	return t.ColumnIndex(name) >= 0
}

// ColumnNames returns the column names in order.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// HasNamedIndex reports whether the producer declared a semantic index.
func (t *Table) HasNamedIndex() bool {
	return len(t.Index) > 0
}

// SetIndex declares the named columns as the table's semantic index.
func (t *Table) SetIndex(names ...string) error {
	for _, n := range names {
		if !t.HasColumn(n) {
			return fmt.Errorf("%w: %q", ErrUnknownColumn, n)
		}
	}
	t.Index = append([]string(nil), names...)
	return nil
}

// Append adds a row built from values in column order.
func (t *Table) Append(values ...Value) error {
	return t.AppendRow(Row(values))
}

// AppendRow adds a row after checking its arity and value kinds.
func (t *Table) AppendRow(r Row) error {
	if len(r) != len(t.Columns) {
		return fmt.Errorf("%w: got %d values for %d columns", ErrColumnCount, len(r), len(t.Columns))
	}
	for i, v := range r {
		if !t.Columns[i].Type.Accepts(v.Kind()) {
			return fmt.Errorf("%w: column %q of type %s cannot hold a %s", ErrTypeMismatch, t.Columns[i].Name, t.Columns[i].Type, v.Kind())
		}
	}
	t.Rows = append(t.Rows, r.Clone())
	return nil
}

// Get returns the value of the named column in row i, or Null.
func (t *Table) Get(i int, name string) Value {
	c := t.ColumnIndex(name)
	if c < 0 || i < 0 || i >= len(t.Rows) {
		return Null()
	}
	return t.Rows[i][c]
}

// Clone returns a deep copy of the table.
func (t *Table) Clone() *Table {
	out := &Table{
		Columns: append([]Column(nil), t.Columns...),
		Rows:    make([]Row, len(t.Rows)),
		Index:   append([]string(nil), t.Index...),
	}
	for i, r := range t.Rows {
		out.Rows[i] = r.Clone()
	}
	return out
}

// ResetIndex returns a copy of the table whose semantic index has been
// materialized as ordinary leading columns. Tables without a named index are
// returned as a plain copy with row order untouched.
func (t *Table) ResetIndex() *Table {
	if !t.HasNamedIndex() {
		return t.Clone()
	}
	order := make([]int, 0, len(t.Columns))
	lead := make(map[int]bool, len(t.Index))
	for _, n := range t.Index {
		if i := t.ColumnIndex(n); i >= 0 && !lead[i] {
			order = append(order, i)
			lead[i] = true
		}
	}
	for i := range t.Columns {
		if !lead[i] {
			order = append(order, i)
		}
	}
	out := &Table{Columns: make([]Column, len(order)), Rows: make([]Row, len(t.Rows))}
	for j, i := range order {
		out.Columns[j] = t.Columns[i]
	}
	for r, row := range t.Rows {
		nr := make(Row, len(order))
		for j, i := range order {
			nr[j] = row[i]
		}
		out.Rows[r] = nr
	}
	return out
}

// Conform returns a copy of the table laid out over cols. Columns the table
// does not have are filled with Null; columns not in cols are dropped.
// Non-null cells moved into a string column they are not already typed for
// are rendered with Value.String.
func (t *Table) Conform(cols []Column) *Table {
	src := make([]int, len(cols))
	for j, c := range cols {
		src[j] = t.ColumnIndex(c.Name)
	}
	out := &Table{Columns: append([]Column(nil), cols...), Rows: make([]Row, len(t.Rows))}
	for r, row := range t.Rows {
		nr := make(Row, len(cols))
		for j, i := range src {
			if i < 0 {
				continue
			}
			v := row[i]
			if cols[j].Type == TypeString && !v.IsNull() && v.Kind() != KindString {
				v = String(v.String())
			}
			nr[j] = v
		}
		out.Rows[r] = nr
	}
	return out
}

// UnionColumns merges column lists in first-seen order. A column declared as
// int in one list and float in another widens to float; any other type
// disagreement is an error.
func UnionColumns(lists ...[]Column) ([]Column, error) {
	return unionColumns(false, lists...)
}

// WidenColumns is UnionColumns that never fails: a column whose types
// disagree other than int against float becomes a string column. Conform
// converts the cells accordingly.
func WidenColumns(lists ...[]Column) []Column {
	out, _ := unionColumns(true, lists...)
	return out
}

func unionColumns(widen bool, lists ...[]Column) ([]Column, error) {
	var out []Column
	pos := make(map[string]int)
	for _, cols := range lists {
		for _, c := range cols {
			i, ok := pos[c.Name]
			if !ok {
				pos[c.Name] = len(out)
				out = append(out, c)
				continue
			}
			if out[i].Type == c.Type {
				continue
			}
			if isNumeric(out[i].Type) && isNumeric(c.Type) {
				out[i].Type = TypeFloat
				continue
			}
			if widen {
				out[i].Type = TypeString
				continue
			}
			return nil, fmt.Errorf("%w: column %q is %s and %s", ErrTypeMismatch, c.Name, out[i].Type, c.Type)
		}
	}
	return out, nil
}

func isNumeric(t ColumnType) bool {
	return t == TypeInt || t == TypeFloat
}

// Concat stacks tables vertically over the union of their columns.
func Concat(tables ...*Table) (*Table, error) {
	lists := make([][]Column, 0, len(tables))
	for _, t := range tables {
		if t != nil {
			lists = append(lists, t.Columns)
		}
	}
	cols, err := UnionColumns(lists...)
	if err != nil {
		return nil, err
	}
	out := NewTable(cols...)
	for _, t := range tables {
		if t == nil {
			continue
		}
		out.Rows = append(out.Rows, t.Conform(cols).Rows...)
	}
	return out, nil
}

// Equal reports whether two tables have the same columns and rows in order.
func (t *Table) Equal(o *Table) bool {
	if len(t.Columns) != len(o.Columns) || len(t.Rows) != len(o.Rows) {
		return false
	}
	for i := range t.Columns {
		if t.Columns[i] != o.Columns[i] {
			return false
		}
	}
	for i := range t.Rows {
		if !t.Rows[i].Equal(o.Rows[i]) {
			return false
		}
	}
	return true
}
