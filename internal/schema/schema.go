// Package schema describes the nested table model that requests are resolved against.
// A Schema is built once, validated at construction and treated as read-only afterwards.
package schema

import (
	"sort"

	"relgraph/internal/enginerr"
)

// Node is either a *Table or a *Column.
type Node interface {
	node()
}

// Column maps a property to one physical column.
type Column struct {
	Column     string
	PrimaryKey bool
}

// Join links a child table to its parent.
type Join struct {
	// Column is the physical column in the child table carrying the relationship value.
	Column string
	// Parent is the physical column in the parent table holding the matching value.
	Parent string
	// Singular marks a relation contributing at most one row per parent.
	Singular bool
}

// IsCollection reports whether the relation resolves to a list.
func (j Join) IsCollection() bool {
	return !j.Singular
}

// Table is a property backed by its own table.
type Table struct {
	Table      string
	Properties map[string]Node
	// Join is nil for root entities.
	Join *Join
}

func (*Column) node() {}
func (*Table) node()  {}

// PropertyNames returns the property names in sorted order.
func (t *Table) PropertyNames() []string {
	names := make([]string, 0, len(t.Properties))
	for name := range t.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Column returns the named property when it is a column.
func (t *Table) Column(name string) (*Column, bool) {
	col, ok := t.Properties[name].(*Column)
	return col, ok
}

// Child returns the named property when it is a nested table.
func (t *Table) Child(name string) (*Table, bool) {
	child, ok := t.Properties[name].(*Table)
	return child, ok
}

// PrimaryKey returns the property name and column of the table's primary key.
func (t *Table) PrimaryKey() (string, *Column, bool) {
	for _, name := range t.PropertyNames() {
		if col, ok := t.Properties[name].(*Column); ok && col.PrimaryKey {
			return name, col, true
		}
	}
	return "", nil, false
}

// KeyedByPrimaryKey reports whether the join column of t is t's own primary key column,
// meaning the parent references the child and the child must be written first.
func (t *Table) KeyedByPrimaryKey() bool {
	if t.Join == nil {
		return false
	}
	_, pk, ok := t.PrimaryKey()
	return ok && pk.Column == t.Join.Column
}

// Schema maps entity names to root tables.
type Schema struct {
	entities map[string]*Table
}

// New validates the entity tree and returns a Schema holding a deep copy of it, so later
// changes to entities are not seen by the Schema.
func New(entities map[string]*Table) (*Schema, error) {
	if len(entities) == 0 {
		return nil, enginerr.Schemaf("", "", "schema declares no entities")
	}
	copied := make(map[string]*Table, len(entities))
	for name, table := range entities {
		if table == nil {
			return nil, enginerr.Schemaf(name, "", "entity is not a table")
		}
		if table.Join != nil {
			return nil, enginerr.Schemaf(name, "", "root entity can not declare a join")
		}
		if err := validateTable(name, table); err != nil {
			return nil, err
		}
		copied[name] = table.clone()
	}
	return &Schema{entities: copied}, nil
}

// Entity returns the root table registered under name. The table is shared and must not
// be modified.
func (s *Schema) Entity(name string) (*Table, bool) {
	table, ok := s.entities[name]
	return table, ok
}

// EntityNames returns the root entity names in sorted order.
func (s *Schema) EntityNames() []string {
	names := make([]string, 0, len(s.entities))
	for name := range s.entities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (t *Table) clone() *Table {
	out := &Table{Table: t.Table, Properties: make(map[string]Node, len(t.Properties))}
	if t.Join != nil {
		join := *t.Join
		out.Join = &join
	}
	for name, node := range t.Properties {
		switch n := node.(type) {
		case *Column:
			col := *n
			out.Properties[name] = &col
		case *Table:
			out.Properties[name] = n.clone()
		}
	}
	return out
}

func validateTable(name string, table *Table) error {
	if table.Table == "" {
		return enginerr.Schemaf(name, "", "table name is required")
	}
	primaryKeys := 0
	for prop, node := range table.Properties {
		switch n := node.(type) {
		case *Column:
			if n == nil || n.Column == "" {
				return enginerr.Schemaf(name, prop, "column name is required")
			}
			if n.PrimaryKey {
				primaryKeys++
			}
		case *Table:
			if n == nil {
				return enginerr.Schemaf(name, prop, "nested table is nil")
			}
			if n.Join == nil {
				return enginerr.Schemaf(name, prop, "nested table requires a join")
			}
			if n.Join.Column == "" || n.Join.Parent == "" {
				return enginerr.Schemaf(name, prop, "join requires both column and parent")
			}
			if err := validateTable(name+"."+prop, n); err != nil {
				return err
			}
		default:
			return enginerr.Schemaf(name, prop, "property is neither a table nor a column")
		}
	}
	if primaryKeys > 1 {
		return enginerr.Schemaf(name, "", "table %s declares %d primary keys", table.Table, primaryKeys)
	}
	return nil
}
