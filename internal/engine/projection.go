package engine

import (
	"reflect"

	"relgraph/internal/dsl"
	"relgraph/internal/enginerr"
	"relgraph/internal/schema"
	"relgraph/internal/storage"
)

// keyLink restricts a nested level to rows whose join column holds one of the parent values.
type keyLink struct {
	column string
	values []any
}

// field is a returned property read from a fetched column.
type field struct {
	name   string
	column string
}

type childRequest struct {
	name    string
	table   *schema.Table
	request *dsl.Request
}

// projection is everything needed to fetch and shape one table level.
type projection struct {
	stmt     storage.SelectStatement
	fields   []field
	children []childRequest
}

func (e *Engine) project(entity string, table *schema.Table, req *dsl.Request, link *keyLink) (*projection, error) {
	p := &projection{stmt: storage.SelectStatement{Table: table.Table}}
	seen := make(map[string]struct{})
	fetch := func(column string) {
		if _, ok := seen[column]; ok {
			return
		}
		seen[column] = struct{}{}
		p.stmt.Columns = append(p.stmt.Columns, column)
	}

	if link != nil {
		fetch(link.column)
	}

	var names []string
	var requested dsl.Query
	if req == nil || req.Properties == nil {
		names = table.PropertyNames()
	} else {
		requested = req.Properties
		names = requested.Names()
	}

	for _, name := range names {
		switch node := table.Properties[name].(type) {
		case *schema.Column:
			fetch(node.Column)
			p.fields = append(p.fields, field{name: name, column: node.Column})
		case *schema.Table:
			fetch(node.Join.Parent)
			p.children = append(p.children, childRequest{name: name, table: node, request: requested[name]})
		default:
			return nil, enginerr.Schemaf(entity, name, "unknown property")
		}
	}
	if len(p.stmt.Columns) == 0 {
		return nil, enginerr.Validationf(entity, "", "request selects no columns")
	}

	if req != nil {
		for _, cond := range req.Conditions {
			pred, err := buildPredicate(entity, table, cond)
			if err != nil {
				return nil, err
			}
			p.stmt.Predicates = append(p.stmt.Predicates, pred)
		}
	}
	if link != nil {
		p.stmt.Predicates = append(p.stmt.Predicates, storage.Predicate{
			Column:   link.column,
			Operator: storage.OpIn,
			Values:   link.values,
		})
	}

	p.stmt.Limit = e.defaultLimit
	if req != nil {
		if req.Options.Skip != nil {
			if *req.Options.Skip < 0 {
				return nil, enginerr.Validationf(entity, "options.skip", "must be non-negative, got %d", *req.Options.Skip)
			}
			p.stmt.Skip = *req.Options.Skip
		}
		if req.Options.Limit != nil {
			if *req.Options.Limit < 0 {
				return nil, enginerr.Validationf(entity, "options.limit", "must be non-negative, got %d", *req.Options.Limit)
			}
			p.stmt.Limit = *req.Options.Limit
		}
	}
	return p, nil
}

func buildPredicate(entity string, table *schema.Table, cond dsl.Condition) (storage.Predicate, error) {
	col, ok := table.Column(cond.Field)
	if !ok {
		if _, nested := table.Child(cond.Field); nested {
			return storage.Predicate{}, enginerr.Schemaf(entity, cond.Field, "conditions can only target columns")
		}
		return storage.Predicate{}, enginerr.Schemaf(entity, cond.Field, "unknown property")
	}
	if cond.Value == nil {
		return storage.Predicate{}, enginerr.Validationf(entity, cond.Field, "condition value is null")
	}

	switch cond.Operator {
	case dsl.OpEq:
		if _, isList := listValues(cond.Value); isList {
			return storage.Predicate{}, enginerr.Validationf(entity, cond.Field, "eq requires a single value")
		}
		return storage.Predicate{Column: col.Column, Operator: storage.OpEq, Values: []any{cond.Value}}, nil
	case dsl.OpIn:
		values, isList := listValues(cond.Value)
		if !isList {
			return storage.Predicate{}, enginerr.Validationf(entity, cond.Field, "in requires a list value, got %T", cond.Value)
		}
		return storage.Predicate{Column: col.Column, Operator: storage.OpIn, Values: distinctValues(values)}, nil
	default:
		return storage.Predicate{}, enginerr.Validationf(entity, cond.Field, "unsupported operator %q", cond.Operator)
	}
}

// listValues unpacks any slice except []byte, which is a scalar column value.
func listValues(v any) ([]any, bool) {
	switch list := v.(type) {
	case []any:
		return list, true
	case []byte:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// distinctValues drops nils and duplicates, keeping first occurrences in order.
func distinctValues(values []any) []any {
	out := make([]any, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v == nil {
			continue
		}
		key := storage.KeyOf(v)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, v)
	}
	return out
}
