package types

import "errors"

// Table-related errors
var (
	// ErrColumnCount is returned when a row's arity does not match the table's columns
	ErrColumnCount = errors.New("row/column count mismatch")

	// ErrUnknownColumn is returned when a column name is not declared by the table
	ErrUnknownColumn = errors.New("unknown column")

	// ErrTypeMismatch is returned when a value cannot be stored in a column
	ErrTypeMismatch = errors.New("column type mismatch")
)
