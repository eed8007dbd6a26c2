package engine

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"relgraph/internal/dsl"
	"relgraph/internal/enginerr"
	"relgraph/internal/schema"
	"relgraph/internal/storage"
)

// resolvedRow is one fetched row: the data returned to the caller and the join key used
// to re-associate it with its parent.
type resolvedRow struct {
	data map[string]any
	key  any
}

// Query resolves every root entry of q into a list of rows with nested entities populated.
func (e *Engine) Query(ctx context.Context, q dsl.Query) (result map[string]any, err error) {
	ctx, span := startEngineSpan(ctx, "relgraph.query", attribute.Int("relgraph.entities", len(q)))
	done := e.observe(ctx, "query")
	defer func() {
		done(err)
		finishEngineSpan(span, err)
	}()

	result = make(map[string]any, len(q))
	for _, name := range q.Names() {
		table, ok := e.schema.Entity(name)
		if !ok {
			return nil, enginerr.Schemaf(name, "", "unknown entity")
		}
		rows, err := e.resolveLevel(ctx, name, table, q[name], nil)
		if err != nil {
			return nil, err
		}
		list := make([]map[string]any, len(rows))
		for i, row := range rows {
			list[i] = row.data
		}
		result[name] = list
	}
	return result, nil
}

func (e *Engine) resolveLevel(ctx context.Context, entity string, table *schema.Table, req *dsl.Request, link *keyLink) ([]resolvedRow, error) {
	p, err := e.project(entity, table, req, link)
	if err != nil {
		return nil, err
	}

	rows, err := e.selectRows(ctx, p.stmt)
	if err != nil {
		return nil, err
	}

	out := make([]resolvedRow, len(rows))
	for i, row := range rows {
		data := make(map[string]any, len(p.fields)+len(p.children))
		for _, f := range p.fields {
			data[f.name] = row[f.column]
		}
		out[i].data = data
		if link != nil {
			out[i].key = row[link.column]
		}
	}
	if len(rows) == 0 {
		return out, nil
	}

	for _, child := range p.children {
		if err := e.attachChildren(ctx, entity, child, rows, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// attachChildren fetches one nested level for all parent rows at once and hangs each child
// under the parents whose join value it carries.
func (e *Engine) attachChildren(ctx context.Context, entity string, child childRequest, rows []storage.Row, parents []resolvedRow) (err error) {
	join := child.table.Join
	path := entity + "." + child.name

	ctx, span := startEngineSpan(ctx, "relgraph.query.level", levelAttributes(path, child.table.Table, len(rows))...)
	defer func() { finishEngineSpan(span, err) }()

	parentValues := make([]any, 0, len(rows))
	for _, row := range rows {
		parentValues = append(parentValues, row[join.Parent])
	}
	keys := distinctValues(parentValues)
	e.metrics.RecordBatchKeys(ctx, child.table.Table, len(keys))

	children, err := e.resolveLevel(ctx, path, child.table, child.request, &keyLink{column: join.Column, values: keys})
	if err != nil {
		return err
	}

	grouped := make(map[string][]map[string]any)
	for _, c := range children {
		if c.key == nil {
			continue
		}
		k := storage.KeyOf(c.key)
		grouped[k] = append(grouped[k], c.data)
	}

	for i, row := range rows {
		var matches []map[string]any
		if v := row[join.Parent]; v != nil {
			matches = grouped[storage.KeyOf(v)]
		}
		if join.Singular {
			// Multiple matches for a singular relation keep the last one fetched.
			if len(matches) > 0 {
				parents[i].data[child.name] = matches[len(matches)-1]
			}
			continue
		}
		list := make([]map[string]any, len(matches))
		copy(list, matches)
		parents[i].data[child.name] = list
	}
	return nil
}
