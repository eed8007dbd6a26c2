package engine

import (
	"context"
	"sort"

	"go.opentelemetry.io/otel/attribute"

	"relgraph/internal/enginerr"
	"relgraph/internal/schema"
	"relgraph/internal/storage"
)

// pendingWrite is one row to write. request is the caller's payload and is enriched in
// place; dataset holds the physical column values sent to the backend.
type pendingWrite struct {
	request map[string]any
	dataset storage.Row
	// owner indexes the parent write at the enclosing level, -1 at the root.
	owner int
}

// Mutate writes every root entry of payload and returns the payload shape with generated
// and existing primary keys filled in at every level.
func (e *Engine) Mutate(ctx context.Context, payload map[string]any) (result map[string]any, err error) {
	ctx, span := startEngineSpan(ctx, "relgraph.mutate", attribute.Int("relgraph.entities", len(payload)))
	done := e.observe(ctx, "mutate")
	defer func() {
		done(err)
		finishEngineSpan(span, err)
	}()

	names := make([]string, 0, len(payload))
	for name := range payload {
		names = append(names, name)
	}
	sort.Strings(names)

	result = make(map[string]any, len(payload))
	for _, name := range names {
		table, ok := e.schema.Entity(name)
		if !ok {
			return nil, enginerr.Schemaf(name, "", "unknown entity")
		}
		records, isList, err := asRecords(name, "", payload[name])
		if err != nil {
			return nil, err
		}

		writes := make([]*pendingWrite, len(records))
		for i, record := range records {
			writes[i] = &pendingWrite{request: record, dataset: storage.Row{}, owner: -1}
		}
		if err := e.writeLevel(ctx, name, table, writes); err != nil {
			return nil, err
		}

		if isList {
			result[name] = records
		} else {
			result[name] = records[0]
		}
	}
	return result, nil
}

// writeLevel writes one table level: belongs-to children, then the rows themselves, then
// children holding this level's key.
func (e *Engine) writeLevel(ctx context.Context, entity string, table *schema.Table, writes []*pendingWrite) error {
	if len(writes) == 0 {
		return nil
	}

	var children []string
	for _, w := range writes {
		for _, name := range sortedKeys(w.request) {
			switch node := table.Properties[name].(type) {
			case *schema.Column:
				w.dataset[node.Column] = w.request[name]
			case *schema.Table:
			default:
				return enginerr.Schemaf(entity, name, "unknown property")
			}
		}
	}
	for _, name := range table.PropertyNames() {
		if _, ok := table.Child(name); ok {
			children = append(children, name)
		}
	}

	var postOrder []string
	for _, name := range children {
		child, _ := table.Child(name)
		if !child.KeyedByPrimaryKey() {
			postOrder = append(postOrder, name)
			continue
		}
		if err := e.writeBelongsTo(ctx, entity, name, child, writes); err != nil {
			return err
		}
	}

	if err := e.writeRows(ctx, entity, table, writes); err != nil {
		return err
	}

	for _, name := range postOrder {
		child, _ := table.Child(name)
		if err := e.writeDependents(ctx, entity, name, child, writes); err != nil {
			return err
		}
	}
	return nil
}

// writeBelongsTo writes children whose primary key the parent references, then copies each
// child key into its parent's join column.
func (e *Engine) writeBelongsTo(ctx context.Context, entity, name string, child *schema.Table, parents []*pendingWrite) error {
	var writes []*pendingWrite
	for i, parent := range parents {
		value, present := parent.request[name]
		if !present {
			continue
		}
		if child.Join.IsCollection() {
			return enginerr.Schemaf(entity, name, "relation keyed by the primary key of %s can not be a collection", child.Table)
		}
		record, ok := value.(map[string]any)
		if !ok {
			return enginerr.Validationf(entity, name, "belongs-to value must be a single object, got %T", value)
		}
		writes = append(writes, &pendingWrite{request: record, dataset: storage.Row{}, owner: i})
	}
	if len(writes) == 0 {
		return nil
	}

	path := entity + "." + name
	if err := e.writeLevel(ctx, path, child, writes); err != nil {
		return err
	}

	_, pk, _ := child.PrimaryKey()
	for _, w := range writes {
		parent := parents[w.owner]
		parent.dataset[child.Join.Parent] = w.dataset[pk.Column]
		parent.request[name] = w.request
	}
	return nil
}

// writeRows inserts rows without a key and updates rows with one, one backend call each.
func (e *Engine) writeRows(ctx context.Context, entity string, table *schema.Table, writes []*pendingWrite) error {
	pkName, pk, ok := table.PrimaryKey()
	if !ok {
		return enginerr.Schemaf(entity, "", "table %s declares no primary key", table.Table)
	}

	var inserts, updates []*pendingWrite
	for _, w := range writes {
		if storage.IsEmptyKey(w.dataset[pk.Column]) {
			inserts = append(inserts, w)
		} else {
			updates = append(updates, w)
		}
	}

	if len(inserts) > 0 {
		rows := make([]storage.Row, len(inserts))
		for i, w := range inserts {
			row := cloneRow(w.dataset)
			delete(row, pk.Column)
			rows[i] = row
		}
		ids, err := e.insertRows(ctx, storage.InsertStatement{Table: table.Table, PrimaryKey: pk.Column, Rows: rows})
		if err != nil {
			return err
		}
		for i, w := range inserts {
			w.dataset[pk.Column] = ids[i]
			w.request[pkName] = ids[i]
		}
	}

	if len(updates) > 0 {
		rows := make([]storage.Row, len(updates))
		for i, w := range updates {
			rows[i] = cloneRow(w.dataset)
		}
		if err := e.updateRows(ctx, storage.UpdateStatement{Table: table.Table, PrimaryKey: pk.Column, Rows: rows}); err != nil {
			return err
		}
	}
	return nil
}

// writeDependents writes children that carry the parent's join value, injecting that value
// as their foreign key, and re-attaches the written children to the parent that owns them.
func (e *Engine) writeDependents(ctx context.Context, entity, name string, child *schema.Table, parents []*pendingWrite) error {
	join := child.Join
	path := entity + "." + name

	var writes []*pendingWrite
	var owners []int
	for i, parent := range parents {
		value, present := parent.request[name]
		if !present {
			continue
		}
		parentValue := parent.dataset[join.Parent]
		if storage.IsEmptyKey(parentValue) {
			return enginerr.Validationf(entity, name, "value of %s is required before writing %s", join.Parent, child.Table)
		}
		records, _, err := asRecords(path, "", value)
		if err != nil {
			return err
		}
		for _, record := range records {
			writes = append(writes, &pendingWrite{
				request: record,
				dataset: storage.Row{join.Column: parentValue},
				owner:   i,
			})
		}
		owners = append(owners, i)
	}
	if len(owners) == 0 {
		return nil
	}

	if err := e.writeLevel(ctx, path, child, writes); err != nil {
		return err
	}

	byOwner := make(map[int][]map[string]any, len(owners))
	for _, w := range writes {
		byOwner[w.owner] = append(byOwner[w.owner], w.request)
	}
	for _, i := range owners {
		written := byOwner[i]
		if join.Singular {
			// An empty list leaves the property absent, as a query with no match does.
			if len(written) > 0 {
				parents[i].request[name] = written[len(written)-1]
			} else {
				delete(parents[i].request, name)
			}
			continue
		}
		if written == nil {
			written = []map[string]any{}
		}
		parents[i].request[name] = written
	}
	return nil
}

// asRecords normalizes a write payload to a list of objects, reporting whether it was a list.
func asRecords(entity, property string, value any) ([]map[string]any, bool, error) {
	switch v := value.(type) {
	case nil:
		return nil, false, enginerr.Validationf(entity, property, "request can not be null")
	case map[string]any:
		return []map[string]any{v}, false, nil
	case []map[string]any:
		for i, record := range v {
			if record == nil {
				return nil, false, enginerr.Validationf(entity, property, "element %d can not be null", i)
			}
		}
		return v, true, nil
	case []any:
		records := make([]map[string]any, len(v))
		for i, item := range v {
			record, ok := item.(map[string]any)
			if !ok || record == nil {
				return nil, false, enginerr.Validationf(entity, property, "element %d must be an object, got %T", i, item)
			}
			records[i] = record
		}
		return records, true, nil
	default:
		return nil, false, enginerr.Validationf(entity, property, "request must be an object or a list of objects, got %T", value)
	}
}

func cloneRow(row storage.Row) storage.Row {
	out := make(storage.Row, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
