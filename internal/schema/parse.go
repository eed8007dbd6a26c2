package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"sigs.k8s.io/yaml"

	"relgraph/internal/enginerr"
)

type fileNode struct {
	Table        *string             `json:"table,omitempty"`
	Column       *string             `json:"column,omitempty"`
	IsPrimaryKey bool                `json:"isPrimaryKey,omitempty"`
	Properties   map[string]fileNode `json:"properties,omitempty"`
	Joined       *fileJoin           `json:"joined,omitempty"`
}

type fileJoin struct {
	Column       string `json:"column"`
	Parent       string `json:"parent"`
	IsCollection *bool  `json:"isCollection,omitempty"`
}

// Load reads a YAML or JSON schema file.
func Load(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file %q: %w", path, err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse schema file %q: %w", path, err)
	}
	return s, nil
}

// Parse decodes a YAML or JSON document mapping entity names to table descriptors.
// Unknown keys are rejected.
func Parse(data []byte) (*Schema, error) {
	raw, err := yaml.YAMLToJSON(data)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var doc map[string]fileNode
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}

	entities := make(map[string]*Table, len(doc))
	for name, node := range doc {
		if node.Table == nil {
			return nil, enginerr.Schemaf(name, "", "root entity must declare a table")
		}
		table, err := node.toTable(name)
		if err != nil {
			return nil, err
		}
		entities[name] = table
	}
	return New(entities)
}

func (n fileNode) toTable(path string) (*Table, error) {
	if n.Column != nil {
		return nil, enginerr.Schemaf(path, "", "property declares both table and column")
	}
	table := &Table{
		Table:      *n.Table,
		Properties: make(map[string]Node, len(n.Properties)),
	}
	if n.Joined != nil {
		table.Join = &Join{
			Column:   n.Joined.Column,
			Parent:   n.Joined.Parent,
			Singular: n.Joined.IsCollection != nil && !*n.Joined.IsCollection,
		}
	}
	for name, prop := range n.Properties {
		switch {
		case prop.Table != nil:
			child, err := prop.toTable(path + "." + name)
			if err != nil {
				return nil, err
			}
			table.Properties[name] = child
		case prop.Column != nil:
			if len(prop.Properties) > 0 || prop.Joined != nil {
				return nil, enginerr.Schemaf(path, name, "column property can not declare properties or joined")
			}
			table.Properties[name] = &Column{Column: *prop.Column, PrimaryKey: prop.IsPrimaryKey}
		default:
			return nil, enginerr.Schemaf(path, name, "property must declare either table or column")
		}
	}
	return table, nil
}
