package planner

import (
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"relgraph/internal/sqlutil"
	"relgraph/internal/storage"
)

// ErrNoColumns indicates a select without any column to fetch.
var ErrNoColumns = errors.New("select requires at least one column")

// SQLQuery represents a planned SQL statement with bound args.
type SQLQuery struct {
	SQL  string
	Args []interface{}
}

// PlanSelect builds the SQL for a single-table select with eq/in predicates and pagination.
// Predicates are ANDed in declaration order. An IN over no values renders as a false predicate.
func PlanSelect(d sqlutil.Dialect, stmt storage.SelectStatement) (SQLQuery, error) {
	if len(stmt.Columns) == 0 {
		return SQLQuery{}, ErrNoColumns
	}
	if err := validateLimitOffset(stmt.Limit, stmt.Skip); err != nil {
		return SQLQuery{}, err
	}

	builder := sq.Select(quotedColumnNames(d, stmt.Columns)...).
		From(d.QuoteIdentifier(stmt.Table))

	for _, p := range stmt.Predicates {
		col := d.QuoteIdentifier(p.Column)
		switch p.Operator {
		case storage.OpEq:
			if len(p.Values) != 1 {
				return SQLQuery{}, fmt.Errorf("eq predicate on %s requires exactly one value, got %d", p.Column, len(p.Values))
			}
			builder = builder.Where(sq.Eq{col: p.Values[0]})
		case storage.OpIn:
			values := make([]interface{}, len(p.Values))
			copy(values, p.Values)
			builder = builder.Where(sq.Eq{col: values})
		default:
			return SQLQuery{}, fmt.Errorf("unsupported operator %q on %s", p.Operator, p.Column)
		}
	}

	if d.MySQLLimit {
		builder = builder.Suffix(fmt.Sprintf("LIMIT %d,%d", stmt.Skip, stmt.Limit))
	} else {
		builder = builder.Limit(uint64(stmt.Limit)).Offset(uint64(stmt.Skip))
	}

	query, args, err := builder.PlaceholderFormat(d.Placeholder).ToSql()
	if err != nil {
		return SQLQuery{}, err
	}
	return SQLQuery{SQL: query, Args: args}, nil
}

func validateLimitOffset(limit, offset int) error {
	if limit < 0 {
		return fmt.Errorf("limit must be non-negative, got %d", limit)
	}
	if offset < 0 {
		return fmt.Errorf("offset must be non-negative, got %d", offset)
	}
	return nil
}

func quotedColumnNames(d sqlutil.Dialect, columns []string) []string {
	quoted := make([]string, len(columns))
	for i, col := range columns {
		quoted[i] = d.QuoteIdentifier(col)
	}
	return quoted
}
