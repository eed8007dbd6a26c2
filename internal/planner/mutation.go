package planner

import (
	"fmt"
	"sort"

	sq "github.com/Masterminds/squirrel"

	"relgraph/internal/sqlutil"
	"relgraph/internal/storage"
)

// PlanInsert builds SQL for inserting a single row. Columns are emitted in sorted order.
// An empty key column is omitted so the database generates it; with a RETURNING dialect
// the key column is returned.
func PlanInsert(d sqlutil.Dialect, table, primaryKey string, row storage.Row) (SQLQuery, error) {
	columns := make([]string, 0, len(row))
	for col, val := range row {
		if col == primaryKey && storage.IsEmptyKey(val) {
			continue
		}
		columns = append(columns, col)
	}
	sort.Strings(columns)

	var query string
	var args []interface{}
	if len(columns) == 0 {
		query = emptyInsert(d, table)
	} else {
		values := make([]interface{}, len(columns))
		for i, col := range columns {
			values[i] = row[col]
		}
		builder := sq.Insert(d.QuoteIdentifier(table)).
			Columns(quotedColumnNames(d, columns)...).
			Values(values...).
			PlaceholderFormat(d.Placeholder)

		var err error
		query, args, err = builder.ToSql()
		if err != nil {
			return SQLQuery{}, err
		}
	}

	if d.Returning && primaryKey != "" {
		query += " RETURNING " + d.QuoteIdentifier(primaryKey)
	}
	return SQLQuery{SQL: query, Args: args}, nil
}

func emptyInsert(d sqlutil.Dialect, table string) string {
	if d.Name == sqlutil.MySQL.Name {
		return fmt.Sprintf("INSERT INTO %s () VALUES ()", d.QuoteIdentifier(table))
	}
	return fmt.Sprintf("INSERT INTO %s DEFAULT VALUES", d.QuoteIdentifier(table))
}

// PlanUpdate builds SQL for updating a single row by primary key. It reports false when the
// row carries nothing besides the key.
func PlanUpdate(d sqlutil.Dialect, table, primaryKey string, row storage.Row) (SQLQuery, bool, error) {
	pkValue, ok := row[primaryKey]
	if !ok || storage.IsEmptyKey(pkValue) {
		return SQLQuery{}, false, fmt.Errorf("missing primary key column %q in update row", primaryKey)
	}

	columns := make([]string, 0, len(row))
	for col := range row {
		if col != primaryKey {
			columns = append(columns, col)
		}
	}
	if len(columns) == 0 {
		return SQLQuery{}, false, nil
	}
	sort.Strings(columns)

	update := sq.Update(d.QuoteIdentifier(table))
	for _, col := range columns {
		update = update.Set(d.QuoteIdentifier(col), row[col])
	}
	update = update.Where(sq.Eq{d.QuoteIdentifier(primaryKey): pkValue})

	query, args, err := update.PlaceholderFormat(d.Placeholder).ToSql()
	if err != nil {
		return SQLQuery{}, false, err
	}
	return SQLQuery{SQL: query, Args: args}, true, nil
}
