package engine

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"relgraph/internal/schema"
	"relgraph/internal/storage"
	"relgraph/internal/storage/memstore"
)

// call is one statement seen by recordingPort, e.g. "select Offering".
type call struct {
	op         string
	table      string
	selectStmt storage.SelectStatement
	rows       []storage.Row
}

func (c call) String() string {
	return fmt.Sprintf("%s %s", c.op, c.table)
}

// recordingPort forwards to a memory store and records every statement.
type recordingPort struct {
	inner *memstore.Store
	calls []call
	err   error
}

func newRecordingPort() *recordingPort {
	return &recordingPort{inner: memstore.New()}
}

func (p *recordingPort) Select(ctx context.Context, stmt storage.SelectStatement) ([]storage.Row, error) {
	p.calls = append(p.calls, call{op: "select", table: stmt.Table, selectStmt: stmt})
	if p.err != nil {
		return nil, p.err
	}
	return p.inner.Select(ctx, stmt)
}

func (p *recordingPort) Insert(ctx context.Context, stmt storage.InsertStatement) ([]any, error) {
	p.calls = append(p.calls, call{op: "insert", table: stmt.Table, rows: stmt.Rows})
	if p.err != nil {
		return nil, p.err
	}
	return p.inner.Insert(ctx, stmt)
}

func (p *recordingPort) Update(ctx context.Context, stmt storage.UpdateStatement) error {
	p.calls = append(p.calls, call{op: "update", table: stmt.Table, rows: stmt.Rows})
	if p.err != nil {
		return p.err
	}
	return p.inner.Update(ctx, stmt)
}

func (p *recordingPort) reset() {
	p.calls = nil
}

func (p *recordingPort) callNames() []string {
	names := make([]string, len(p.calls))
	for i, c := range p.calls {
		names[i] = c.String()
	}
	return names
}

func (p *recordingPort) selects() []storage.SelectStatement {
	var out []storage.SelectStatement
	for _, c := range p.calls {
		if c.op == "select" {
			out = append(out, c.selectStmt)
		}
	}
	return out
}

// offeringTables mirrors the catalog example: an offering belongs to an I18n name and has
// many products, each with many attributes.
func offeringTables() map[string]*schema.Table {
	return map[string]*schema.Table{
		"offering": {
			Table: "Offering",
			Properties: map[string]schema.Node{
				"spu":         &schema.Column{Column: "Id", PrimaryKey: true},
				"description": &schema.Column{Column: "Description"},
				"name": &schema.Table{
					Table: "I18n",
					Properties: map[string]schema.Node{
						"id": &schema.Column{Column: "Id", PrimaryKey: true},
						"zh": &schema.Column{Column: "Zh"},
						"en": &schema.Column{Column: "En"},
					},
					Join: &schema.Join{Column: "Id", Parent: "Name", Singular: true},
				},
				"product": &schema.Table{
					Table: "Product",
					Properties: map[string]schema.Node{
						"sku":   &schema.Column{Column: "Id", PrimaryKey: true},
						"price": &schema.Column{Column: "Price"},
						"stock": &schema.Column{Column: "Stock"},
						"attribute": &schema.Table{
							Table: "ProductAttribute",
							Properties: map[string]schema.Node{
								"id":    &schema.Column{Column: "Id", PrimaryKey: true},
								"code":  &schema.Column{Column: "Code"},
								"value": &schema.Column{Column: "Value"},
								"type":  &schema.Column{Column: "Type"},
							},
							Join: &schema.Join{Column: "ProductId", Parent: "Id"},
						},
					},
					Join: &schema.Join{Column: "OfferingId", Parent: "Id"},
				},
			},
		},
	}
}

func newTestEngine(t *testing.T, tables map[string]*schema.Table, opts ...Option) (*Engine, *recordingPort) {
	t.Helper()
	s, err := schema.New(tables)
	require.NoError(t, err)
	port := newRecordingPort()
	e, err := New(s, port, opts...)
	require.NoError(t, err)
	return e, port
}

func seedRows(t *testing.T, port *recordingPort, table string, rows ...storage.Row) []any {
	t.Helper()
	ids, err := port.inner.Insert(context.Background(), storage.InsertStatement{Table: table, PrimaryKey: "Id", Rows: rows})
	require.NoError(t, err)
	return ids
}

// ballPayload is the nested write used across tests: a named offering with two products.
func ballPayload() map[string]any {
	return map[string]any{
		"offering": map[string]any{
			"name": map[string]any{
				"zh": "球",
				"en": "ball",
			},
			"description": "this is a ball",
			"product": []any{
				map[string]any{
					"price": 2,
					"attribute": []any{
						map[string]any{"code": "color", "value": "red"},
					},
				},
				map[string]any{
					"price": 2.5,
					"attribute": []any{
						map[string]any{"code": "color", "value": "green"},
					},
				},
			},
		},
	}
}
