// Package dsl defines the hierarchical query request accepted by the engine and decodes it
// from generic JSON values.
package dsl

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"relgraph/internal/enginerr"
)

// Operator is a condition operator.
type Operator string

const (
	OpEq Operator = "eq"
	OpIn Operator = "in"
)

// Condition filters a table level on one property.
type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
}

// Eq builds an equality condition.
func Eq(field string, value any) Condition {
	return Condition{Field: field, Operator: OpEq, Value: value}
}

// In builds a membership condition.
func In(field string, values ...any) Condition {
	return Condition{Field: field, Operator: OpIn, Value: values}
}

// Options carry pagination bounds. Nil fields fall back to engine defaults.
type Options struct {
	Skip  *int `json:"skip,omitempty"`
	Limit *int `json:"limit,omitempty"`
}

// Request selects properties of one table level.
type Request struct {
	// Properties maps requested property names to nested requests. A nil map selects
	// every declared property; column entries and unrestricted tables map to nil.
	Properties Query
	Conditions []Condition
	Options    Options
}

// Query maps entity or property names to requests. A nil request selects everything.
type Query map[string]*Request

// Names returns the query keys in sorted order.
func (q Query) Names() []string {
	names := make([]string, 0, len(q))
	for name := range q {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseQuery decodes a query tree from generic JSON values.
//
// Each value is null, a structured node {properties, conditions, options}, or a flat record
// whose non-null scalar values become eq conditions, whose array values become in conditions
// and whose object values are nested requests.
func ParseQuery(raw map[string]any) (Query, error) {
	q := make(Query, len(raw))
	for name, v := range raw {
		req, err := parseRequest(name, v)
		if err != nil {
			return nil, err
		}
		q[name] = req
	}
	return q, nil
}

// DecodeQuery decodes a JSON document into a query tree.
func DecodeQuery(data []byte) (Query, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid query document: %w", err)
	}
	return ParseQuery(raw)
}

func parseRequest(name string, v any) (*Request, error) {
	if v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, enginerr.Validationf(name, "", "request must be an object or null, got %T", v)
	}
	if _, structured := m["properties"]; structured {
		return parseStructured(name, m)
	}
	return parseRecord(name, m)
}

func parseStructured(name string, m map[string]any) (*Request, error) {
	req := &Request{}
	for key := range m {
		switch key {
		case "properties", "conditions", "options":
		default:
			return nil, enginerr.Validationf(name, key, "unknown request key")
		}
	}

	if props := m["properties"]; props != nil {
		pm, ok := props.(map[string]any)
		if !ok {
			return nil, enginerr.Validationf(name, "properties", "properties must be an object or null")
		}
		req.Properties = make(Query, len(pm))
		for prop, pv := range pm {
			// Only object values describe nested requests; scalars just select the property.
			if _, isObject := pv.(map[string]any); !isObject {
				req.Properties[prop] = nil
				continue
			}
			sub, err := parseRequest(prop, pv)
			if err != nil {
				return nil, err
			}
			req.Properties[prop] = sub
		}
	}

	if conds := m["conditions"]; conds != nil {
		list, ok := conds.([]any)
		if !ok {
			return nil, enginerr.Validationf(name, "conditions", "conditions must be an array")
		}
		for i, c := range list {
			cond, err := parseCondition(name, i, c)
			if err != nil {
				return nil, err
			}
			req.Conditions = append(req.Conditions, cond)
		}
	}

	if opts := m["options"]; opts != nil {
		om, ok := opts.(map[string]any)
		if !ok {
			return nil, enginerr.Validationf(name, "options", "options must be an object")
		}
		for key, ov := range om {
			if ov == nil {
				continue
			}
			n, err := toInt(ov)
			if err != nil {
				return nil, enginerr.Validationf(name, "options."+key, "%v", err)
			}
			switch key {
			case "skip":
				req.Options.Skip = &n
			case "limit":
				req.Options.Limit = &n
			default:
				return nil, enginerr.Validationf(name, "options."+key, "unknown option")
			}
		}
	}
	return req, nil
}

func parseRecord(name string, m map[string]any) (*Request, error) {
	if len(m) == 0 {
		return &Request{}, nil
	}
	req := &Request{Properties: make(Query, len(m))}
	for _, prop := range sortedKeys(m) {
		switch pv := m[prop].(type) {
		case nil:
			req.Properties[prop] = nil
		case map[string]any:
			sub, err := parseRequest(prop, pv)
			if err != nil {
				return nil, err
			}
			req.Properties[prop] = sub
		case []any:
			req.Properties[prop] = nil
			req.Conditions = append(req.Conditions, Condition{Field: prop, Operator: OpIn, Value: pv})
		default:
			req.Properties[prop] = nil
			req.Conditions = append(req.Conditions, Eq(prop, pv))
		}
	}
	return req, nil
}

func parseCondition(name string, idx int, v any) (Condition, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return Condition{}, enginerr.Validationf(name, fmt.Sprintf("conditions[%d]", idx), "condition must be an object")
	}
	field, _ := m["field"].(string)
	if field == "" {
		return Condition{}, enginerr.Validationf(name, fmt.Sprintf("conditions[%d]", idx), "condition field is required")
	}
	op, _ := m["operator"].(string)
	return Condition{Field: field, Operator: Operator(op), Value: m["value"]}, nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("expected an integer, got %v", n)
		}
		// float64(math.MaxInt) rounds up to 2^63, which int can not hold.
		if n < math.MinInt || n >= math.MaxInt {
			return 0, fmt.Errorf("integer %v is out of range", n)
		}
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, fmt.Errorf("expected an integer, got %s", n)
		}
		return int(i), nil
	default:
		return 0, fmt.Errorf("expected an integer, got %T", v)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
