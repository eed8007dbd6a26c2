// Package engine resolves hierarchical query and mutation requests against a Schema.
//
// Queries issue one batched select per table level and reassemble the nested shape from
// flat rows. Mutations split nested writes into belongs-to children written before their
// parent and has-many/has-one children written after it, batching inserts and updates per
// level. The engine holds no mutable state and is safe for concurrent use; transaction
// boundaries belong to the storage backend and its caller.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"relgraph/internal/enginerr"
	"relgraph/internal/logging"
	"relgraph/internal/observability"
	"relgraph/internal/schema"
	"relgraph/internal/storage"
)

// DefaultLimit is the per-level row limit applied when a request sets none.
const DefaultLimit = 5000

// Engine resolves requests for one Schema over one storage backend.
type Engine struct {
	schema       *schema.Schema
	port         storage.Port
	defaultLimit int
	metrics      *observability.EngineMetrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithDefaultLimit overrides DefaultLimit.
func WithDefaultLimit(limit int) Option {
	return func(e *Engine) {
		e.defaultLimit = limit
	}
}

// WithMetrics records call and backend metrics.
func WithMetrics(metrics *observability.EngineMetrics) Option {
	return func(e *Engine) {
		e.metrics = metrics
	}
}

// New creates an engine.
func New(s *schema.Schema, port storage.Port, opts ...Option) (*Engine, error) {
	if s == nil {
		return nil, errors.New("engine requires a schema")
	}
	if port == nil {
		return nil, errors.New("engine requires a storage backend")
	}
	e := &Engine{schema: s, port: port, defaultLimit: DefaultLimit}
	for _, opt := range opts {
		opt(e)
	}
	if e.defaultLimit <= 0 {
		return nil, fmt.Errorf("default limit must be positive, got %d", e.defaultLimit)
	}
	return e, nil
}

// Schema returns the schema requests are resolved against.
func (e *Engine) Schema() *schema.Schema {
	return e.schema
}

func (e *Engine) observe(ctx context.Context, operation string) func(err error) {
	start := time.Now()
	e.metrics.IncrementActiveOperations(ctx)
	return func(err error) {
		e.metrics.DecrementActiveOperations(ctx)
		kind := ""
		if err != nil {
			kind = enginerr.Kind(err)
			if kind == "" {
				kind = "backend"
			}
		}
		e.metrics.RecordOperation(ctx, time.Since(start), operation, kind)
	}
}

func (e *Engine) selectRows(ctx context.Context, stmt storage.SelectStatement) ([]storage.Row, error) {
	rows, err := e.port.Select(ctx, stmt)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", stmt.Table, err)
	}
	logging.FromContext(ctx).Debug("backend select",
		slog.String("table", stmt.Table),
		slog.Any("columns", stmt.Columns),
		slog.Int("predicates", len(stmt.Predicates)),
		slog.Int("skip", stmt.Skip),
		slog.Int("limit", stmt.Limit),
		slog.Int("rows", len(rows)),
	)
	e.metrics.RecordBackendCall(ctx, "select", stmt.Table, len(rows))
	return rows, nil
}

func (e *Engine) insertRows(ctx context.Context, stmt storage.InsertStatement) ([]any, error) {
	ids, err := e.port.Insert(ctx, stmt)
	if err != nil {
		return nil, fmt.Errorf("insert %s: %w", stmt.Table, err)
	}
	if len(ids) != len(stmt.Rows) {
		return nil, fmt.Errorf("insert %s: backend returned %d keys for %d rows", stmt.Table, len(ids), len(stmt.Rows))
	}
	logging.FromContext(ctx).Debug("backend insert",
		slog.String("table", stmt.Table),
		slog.Int("rows", len(stmt.Rows)),
	)
	e.metrics.RecordBackendCall(ctx, "insert", stmt.Table, len(stmt.Rows))
	return ids, nil
}

func (e *Engine) updateRows(ctx context.Context, stmt storage.UpdateStatement) error {
	if err := e.port.Update(ctx, stmt); err != nil {
		return fmt.Errorf("update %s: %w", stmt.Table, err)
	}
	logging.FromContext(ctx).Debug("backend update",
		slog.String("table", stmt.Table),
		slog.Int("rows", len(stmt.Rows)),
	)
	e.metrics.RecordBackendCall(ctx, "update", stmt.Table, len(stmt.Rows))
	return nil
}
