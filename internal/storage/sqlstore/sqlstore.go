// Package sqlstore implements storage.Port on top of database/sql.
// Statements are planned per dialect and run on the transaction carried by the context
// when one is present.
package sqlstore

import (
	"context"
	"fmt"

	"relgraph/internal/dbexec"
	"relgraph/internal/planner"
	"relgraph/internal/sqlutil"
	"relgraph/internal/storage"
)

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Store is a SQL storage backend.
type Store struct {
	executor dbexec.QueryExecutor
	dialect  sqlutil.Dialect
	pinger   Pinger
}

// Option configures a Store.
type Option func(*Store)

// WithPinger enables health checks through p.
func WithPinger(p Pinger) Option {
	return func(s *Store) {
		s.pinger = p
	}
}

// New creates a SQL backend.
func New(executor dbexec.QueryExecutor, dialect sqlutil.Dialect, opts ...Option) *Store {
	s := &Store{executor: executor, dialect: dialect}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dialect returns the dialect statements are rendered in.
func (s *Store) Dialect() sqlutil.Dialect {
	return s.dialect
}

// Select runs one SELECT for the statement.
func (s *Store) Select(ctx context.Context, stmt storage.SelectStatement) ([]storage.Row, error) {
	planned, err := planner.PlanSelect(s.dialect, stmt)
	if err != nil {
		return nil, err
	}

	rows, err := dbexec.ForContext(ctx, s.executor).QueryContext(ctx, planned.SQL, planned.Args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRows(rows, stmt.Columns)
}

// Insert runs one INSERT per row and collects generated keys. Rows that already carry a
// key report that key.
func (s *Store) Insert(ctx context.Context, stmt storage.InsertStatement) ([]any, error) {
	exec := dbexec.ForContext(ctx, s.executor)
	ids := make([]any, 0, len(stmt.Rows))
	for i, row := range stmt.Rows {
		planned, err := planner.PlanInsert(s.dialect, stmt.Table, stmt.PrimaryKey, row)
		if err != nil {
			return nil, err
		}

		if explicit := row[stmt.PrimaryKey]; !storage.IsEmptyKey(explicit) && !s.dialect.Returning {
			if _, err := exec.ExecContext(ctx, planned.SQL, planned.Args...); err != nil {
				return nil, fmt.Errorf("row %d: %w", i, err)
			}
			ids = append(ids, explicit)
			continue
		}

		id, err := s.insertRow(ctx, exec, planned)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Store) insertRow(ctx context.Context, exec dbexec.Statements, planned planner.SQLQuery) (any, error) {
	if s.dialect.Returning {
		rows, err := exec.QueryContext(ctx, planned.SQL, planned.Args...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		if !rows.Next() {
			if err := rows.Err(); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("insert returned no key")
		}
		var id any
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		return convertValue(id), rows.Err()
	}

	result, err := exec.ExecContext(ctx, planned.SQL, planned.Args...)
	if err != nil {
		return nil, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read generated key: %w", err)
	}
	return id, nil
}

// Update runs one UPDATE per row that sets at least one column.
func (s *Store) Update(ctx context.Context, stmt storage.UpdateStatement) error {
	exec := dbexec.ForContext(ctx, s.executor)
	for i, row := range stmt.Rows {
		planned, ok, err := planner.PlanUpdate(s.dialect, stmt.Table, stmt.PrimaryKey, row)
		if err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
		if !ok {
			continue
		}
		if _, err := exec.ExecContext(ctx, planned.SQL, planned.Args...); err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
	}
	return nil
}

// InTx runs fn inside one database transaction; every statement issued through the context
// passed to fn joins it.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return dbexec.RunInTx(ctx, s.executor, fn)
}

// Ping checks database connectivity when a pinger is configured.
func (s *Store) Ping(ctx context.Context) error {
	if s.pinger == nil {
		return nil
	}
	return s.pinger.PingContext(ctx)
}

// Exec runs a raw statement, used for startup scripts.
func (s *Store) Exec(ctx context.Context, query string) error {
	_, err := dbexec.ForContext(ctx, s.executor).ExecContext(ctx, query)
	return err
}

func scanRows(rows dbexec.Rows, columns []string) ([]storage.Row, error) {
	results := []storage.Row{}

	for rows.Next() {
		values := make([]interface{}, len(columns))
		valuePtrs := make([]interface{}, len(columns))

		for i := range values {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, err
		}

		row := make(storage.Row, len(columns))
		for i, col := range columns {
			row[col] = convertValue(values[i])
		}

		results = append(results, row)
	}

	return results, rows.Err()
}

func convertValue(val interface{}) interface{} {
	if val == nil {
		return nil
	}

	// Convert []byte to string
	if b, ok := val.([]byte); ok {
		return string(b)
	}

	return val
}
