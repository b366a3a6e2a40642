package types

import "fmt"

// ColumnType is the declared type of a column.
type ColumnType string

const (
	TypeString ColumnType = "string"
	TypeInt    ColumnType = "int"
	TypeFloat  ColumnType = "float"
	TypeTime   ColumnType = "time"
)

// Valid reports whether t is a known column type.
func (t ColumnType) Valid() bool {
	switch t {
	case TypeString, TypeInt, TypeFloat, TypeTime:
		return true
	}
	return false
}

// Accepts reports whether a value of kind k can be stored in a column of type t.
func (t ColumnType) Accepts(k Kind) bool {
	switch k {
	case KindNull:
		return true
	case KindString:
		return t == TypeString
	case KindInt:
		return t == TypeInt || t == TypeFloat
	case KindFloat:
		return t == TypeFloat
	case KindTime:
		return t == TypeTime
	}
	return false
}

// Column describes one column of a table.
type Column struct {
	// Name is the column name
	Name string `json:"name" yaml:"name"`

	// Type is the scalar type stored in the column
	Type ColumnType `json:"type" yaml:"type"`
}

// Schema declares the column types of a dataset so that delimited archives
// can be read back with the types they were written with.
type Schema struct {
	// Columns defines the declared columns
	Columns []ColumnDef `json:"columns" yaml:"columns"`

	// Default types undeclared columns; empty means infer from the cells
	Default ColumnType `json:"default,omitempty" yaml:"default,omitempty"`
}

// ColumnDef defines a single declared column.
type ColumnDef struct {
	// Name is the column name
	Name string `json:"name" yaml:"name"`

	// Type is the declared column type
	Type ColumnType `json:"type" yaml:"type"`
}

// TypeOf returns the declared type of a column, falling back to the
// schema default.
func (s Schema) TypeOf(name string) (ColumnType, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c.Type, true
		}
	}
	if s.Default != "" {
		return s.Default, true
	}
	return "", false
}

// Validate checks that every declared type is known and names are unique.
func (s Schema) Validate() error {
	if s.Default != "" && !s.Default.Valid() {
		return fmt.Errorf("schema: unknown default type %q", s.Default)
	}
	seen := make(map[string]bool, len(s.Columns))
	for _, c := range s.Columns {
		if c.Name == "" {
			return fmt.Errorf("schema: column with empty name")
		}
		if seen[c.Name] {
			return fmt.Errorf("schema: duplicate column %q", c.Name)
		}
		seen[c.Name] = true
		if !c.Type.Valid() {
			return fmt.Errorf("schema: column %q has unknown type %q", c.Name, c.Type)
		}
	}
	return nil
}
