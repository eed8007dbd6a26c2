// Package storage defines the port through which the engine touches physical tables.
// Every statement covers one table and any number of rows; the engine never issues
// per-row calls.
package storage

import (
	"context"
	"fmt"
	"math"
	"strconv"
)

// Row maps physical column names to values.
type Row map[string]any

// Operator is a predicate operator understood by every backend.
type Operator string

const (
	OpEq Operator = "eq"
	OpIn Operator = "in"
)

// Predicate restricts a select to rows whose Column matches Values.
// OpEq carries exactly one value; OpIn carries zero or more, and zero matches nothing.
type Predicate struct {
	Column   string
	Operator Operator
	Values   []any
}

// SelectStatement describes a single-table select.
type SelectStatement struct {
	Table      string
	Columns    []string
	Predicates []Predicate
	Skip       int
	Limit      int
}

// InsertStatement inserts Rows into Table. PrimaryKey names the key column whose
// generated values are returned.
type InsertStatement struct {
	Table      string
	PrimaryKey string
	Rows       []Row
}

// UpdateStatement updates each row in Rows, targeted by its PrimaryKey column value.
type UpdateStatement struct {
	Table      string
	PrimaryKey string
	Rows       []Row
}

// Port is implemented by storage backends.
type Port interface {
	// Select returns matching rows keyed by physical column name.
	Select(ctx context.Context, stmt SelectStatement) ([]Row, error)
	// Insert returns one primary key value per row, in input order.
	Insert(ctx context.Context, stmt InsertStatement) ([]any, error)
	// Update writes every non-key column present in each row.
	Update(ctx context.Context, stmt UpdateStatement) error
}

// IsEmptyKey reports whether a key value is unset.
func IsEmptyKey(v any) bool {
	switch k := v.(type) {
	case nil:
		return true
	case string:
		return k == ""
	case []byte:
		return len(k) == 0
	default:
		return false
	}
}

// KeyOf normalizes a column value into a comparable map key, so that values read back
// from different drivers (int64, float64, []byte, string) match each other.
func KeyOf(v any) string {
	switch k := v.(type) {
	case nil:
		return ""
	case string:
		return k
	case []byte:
		return string(k)
	case int:
		return strconv.FormatInt(int64(k), 10)
	case int32:
		return strconv.FormatInt(int64(k), 10)
	case int64:
		return strconv.FormatInt(k, 10)
	case uint:
		return strconv.FormatUint(uint64(k), 10)
	case uint32:
		return strconv.FormatUint(uint64(k), 10)
	case uint64:
		return strconv.FormatUint(k, 10)
	case float32:
		return formatFloat(float64(k))
	case float64:
		return formatFloat(k)
	default:
		return fmt.Sprint(v)
	}
}

func formatFloat(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
