// Package memstore implements storage.Port over in-process tables.
// Rows keep insertion order, tables are created on first insert, and generated
// keys are per-table sequences starting at 1.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"relgraph/internal/storage"
)

type table struct {
	rows   []storage.Row
	nextID int64
}

// Store is a concurrency-safe in-memory backend.
type Store struct {
	mu     sync.RWMutex
	tables map[string]*table
}

// New creates an empty store.
func New() *Store {
	return &Store{tables: make(map[string]*table)}
}

// Select filters rows by every predicate, then applies skip and limit.
func (s *Store) Select(ctx context.Context, stmt storage.SelectStatement) ([]storage.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if stmt.Skip < 0 || stmt.Limit < 0 {
		return nil, fmt.Errorf("invalid pagination skip=%d limit=%d", stmt.Skip, stmt.Limit)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	t := s.tables[stmt.Table]
	if t == nil {
		return []storage.Row{}, nil
	}

	matchers := make([]map[string]struct{}, len(stmt.Predicates))
	for i, p := range stmt.Predicates {
		if p.Operator != storage.OpEq && p.Operator != storage.OpIn {
			return nil, fmt.Errorf("unsupported operator %q", p.Operator)
		}
		set := make(map[string]struct{}, len(p.Values))
		for _, v := range p.Values {
			if v != nil {
				set[storage.KeyOf(v)] = struct{}{}
			}
		}
		matchers[i] = set
	}

	out := []storage.Row{}
	skipped := 0
	for _, row := range t.rows {
		if !matches(row, stmt.Predicates, matchers) {
			continue
		}
		if skipped < stmt.Skip {
			skipped++
			continue
		}
		if len(out) >= stmt.Limit {
			break
		}
		projected := make(storage.Row, len(stmt.Columns))
		for _, col := range stmt.Columns {
			projected[col] = row[col]
		}
		out = append(out, projected)
	}
	return out, nil
}

func matches(row storage.Row, predicates []storage.Predicate, matchers []map[string]struct{}) bool {
	for i, p := range predicates {
		v, ok := row[p.Column]
		if !ok || v == nil {
			return false
		}
		if _, hit := matchers[i][storage.KeyOf(v)]; !hit {
			return false
		}
	}
	return true
}

// Insert appends rows, assigning the next sequence value to rows without a key.
func (s *Store) Insert(ctx context.Context, stmt storage.InsertStatement) ([]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if stmt.PrimaryKey == "" {
		return nil, fmt.Errorf("insert into %s: primary key column is required", stmt.Table)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.tables[stmt.Table]
	if t == nil {
		t = &table{}
		s.tables[stmt.Table] = t
	}

	ids := make([]any, len(stmt.Rows))
	for i, row := range stmt.Rows {
		stored := make(storage.Row, len(row)+1)
		for k, v := range row {
			stored[k] = v
		}
		if storage.IsEmptyKey(stored[stmt.PrimaryKey]) {
			t.nextID++
			stored[stmt.PrimaryKey] = t.nextID
		} else if n, ok := stored[stmt.PrimaryKey].(int64); ok && n > t.nextID {
			t.nextID = n
		}
		t.rows = append(t.rows, stored)
		ids[i] = stored[stmt.PrimaryKey]
	}
	return ids, nil
}

// Update sets the non-key columns of every row matching each dataset's key.
// Datasets whose key matches no row are ignored, like an UPDATE affecting zero rows.
func (s *Store) Update(ctx context.Context, stmt storage.UpdateStatement) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.tables[stmt.Table]
	if t == nil {
		return nil
	}
	for _, set := range stmt.Rows {
		key, ok := set[stmt.PrimaryKey]
		if !ok || storage.IsEmptyKey(key) {
			return fmt.Errorf("update %s: row is missing primary key %s", stmt.Table, stmt.PrimaryKey)
		}
		target := storage.KeyOf(key)
		for _, row := range t.rows {
			if storage.KeyOf(row[stmt.PrimaryKey]) != target {
				continue
			}
			for col, v := range set {
				if col != stmt.PrimaryKey {
					row[col] = v
				}
			}
		}
	}
	return nil
}

// Rows returns a copy of every row stored in tableName, in insertion order.
func (s *Store) Rows(tableName string) []storage.Row {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t := s.tables[tableName]
	if t == nil {
		return nil
	}
	out := make([]storage.Row, len(t.rows))
	for i, row := range t.rows {
		copied := make(storage.Row, len(row))
		for k, v := range row {
			copied[k] = v
		}
		out[i] = copied
	}
	return out
}

// InTx runs fn directly; the store applies each statement atomically but has no
// multi-statement rollback.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error {
	return nil
}
