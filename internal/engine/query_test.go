package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relgraph/internal/dsl"
	"relgraph/internal/enginerr"
	"relgraph/internal/schema"
	"relgraph/internal/storage"
)

func intPtr(v int) *int {
	return &v
}

func seedBall(t *testing.T, e *Engine, port *recordingPort) map[string]any {
	t.Helper()
	result, err := e.Mutate(context.Background(), ballPayload())
	require.NoError(t, err)
	port.reset()
	return result["offering"].(map[string]any)
}

func TestQuery_ByPrimaryKeyWithPagination(t *testing.T) {
	e, port := newTestEngine(t, offeringTables())
	seedBall(t, e, port)
	seedRows(t, port, "Offering", storage.Row{"Description": "other"})

	raw := []byte(`{"offering":{"properties":null,"conditions":[{"field":"spu","operator":"eq","value":1}],"options":{"limit":1,"skip":0}}}`)
	q, err := dsl.DecodeQuery(raw)
	require.NoError(t, err)

	result, err := e.Query(context.Background(), q)
	require.NoError(t, err)

	selects := port.selects()
	require.NotEmpty(t, selects)
	root := selects[0]
	assert.Equal(t, "Offering", root.Table)
	assert.Equal(t, []storage.Predicate{{Column: "Id", Operator: storage.OpEq, Values: []any{float64(1)}}}, root.Predicates)
	assert.Equal(t, 0, root.Skip)
	assert.Equal(t, 1, root.Limit)

	rows := result["offering"].([]map[string]any)
	require.Len(t, rows, 1)
	offering := rows[0]
	assert.Equal(t, int64(1), offering["spu"])
	assert.Equal(t, "this is a ball", offering["description"])
	assert.Equal(t, map[string]any{"id": int64(1), "zh": "球", "en": "ball"}, offering["name"])

	products := offering["product"].([]map[string]any)
	require.Len(t, products, 2)
	assert.Equal(t, 2.5, products[1]["price"])
	assert.Equal(t, "red", products[0]["attribute"].([]map[string]any)[0]["value"])
	assert.NotContains(t, products[0], "OfferingId", "join keys are never returned")
}

func TestQuery_FlatRecordFiltersAndSelects(t *testing.T) {
	e, port := newTestEngine(t, offeringTables())
	seedBall(t, e, port)
	seedRows(t, port, "Offering", storage.Row{"Description": "a bat"})

	q, err := dsl.DecodeQuery([]byte(`{"offering":{"name":null,"description":"this is a ball","product":null}}`))
	require.NoError(t, err)

	result, err := e.Query(context.Background(), q)
	require.NoError(t, err)

	rows := result["offering"].([]map[string]any)
	require.Len(t, rows, 1)
	assert.Equal(t, "this is a ball", rows[0]["description"])
	assert.NotContains(t, rows[0], "spu", "only requested properties are returned")
	assert.Contains(t, rows[0], "name")
	assert.Len(t, rows[0]["product"], 2)
}

func TestQuery_BatchesOneSelectPerLevel(t *testing.T) {
	e, port := newTestEngine(t, offeringTables())
	offeringIDs := seedRows(t, port, "Offering",
		storage.Row{"Description": "a"}, storage.Row{"Description": "b"}, storage.Row{"Description": "c"})
	for _, id := range offeringIDs {
		seedRows(t, port, "Product",
			storage.Row{"OfferingId": id, "Price": 1},
			storage.Row{"OfferingId": id, "Price": 2})
	}

	result, err := e.Query(context.Background(), dsl.Query{
		"offering": {Properties: dsl.Query{
			"spu":     nil,
			"product": {Properties: dsl.Query{"sku": nil, "price": nil}},
		}},
	})
	require.NoError(t, err)

	selects := port.selects()
	require.Len(t, selects, 2)
	assert.Equal(t, "Offering", selects[0].Table)
	assert.Equal(t, "Product", selects[1].Table)
	assert.Equal(t, []storage.Predicate{{Column: "OfferingId", Operator: storage.OpIn, Values: offeringIDs}}, selects[1].Predicates)
	assert.Contains(t, selects[1].Columns, "OfferingId")

	rows := result["offering"].([]map[string]any)
	require.Len(t, rows, 3)
	for _, row := range rows {
		products := row["product"].([]map[string]any)
		require.Len(t, products, 2)
		assert.Equal(t, []string{"price", "sku"}, sortedKeys(products[0]))
	}
}

func TestQuery_NoRowsSkipsNestedLevels(t *testing.T) {
	e, port := newTestEngine(t, offeringTables())

	result, err := e.Query(context.Background(), dsl.Query{"offering": nil})
	require.NoError(t, err)
	assert.Equal(t, []map[string]any{}, result["offering"])
	assert.Equal(t, []string{"select Offering"}, port.callNames())
}

func TestQuery_MissingChildren(t *testing.T) {
	e, port := newTestEngine(t, offeringTables())
	seedRows(t, port, "Offering", storage.Row{"Description": "lonely"})

	result, err := e.Query(context.Background(), dsl.Query{"offering": nil})
	require.NoError(t, err)

	row := result["offering"].([]map[string]any)[0]
	assert.Equal(t, []map[string]any{}, row["product"], "collections without matches are empty")
	assert.NotContains(t, row, "name", "singular relations without a match are absent")
}

func TestQuery_SingularKeepsLastMatch(t *testing.T) {
	e, port := newTestEngine(t, map[string]*schema.Table{
		"offering": {
			Table: "Offering",
			Properties: map[string]schema.Node{
				"spu": &schema.Column{Column: "Id", PrimaryKey: true},
				"cover": &schema.Table{
					Table: "Image",
					Properties: map[string]schema.Node{
						"id":  &schema.Column{Column: "Id", PrimaryKey: true},
						"url": &schema.Column{Column: "Url"},
					},
					Join: &schema.Join{Column: "OfferingId", Parent: "Id", Singular: true},
				},
			},
		},
	})
	seedRows(t, port, "Offering", storage.Row{})
	seedRows(t, port, "Image",
		storage.Row{"OfferingId": int64(1), "Url": "first.png"},
		storage.Row{"OfferingId": int64(1), "Url": "second.png"})

	result, err := e.Query(context.Background(), dsl.Query{"offering": nil})
	require.NoError(t, err)

	row := result["offering"].([]map[string]any)[0]
	assert.Equal(t, map[string]any{"id": int64(2), "url": "second.png"}, row["cover"])
}

func TestQuery_InWithOnlyNullsMatchesNothing(t *testing.T) {
	e, port := newTestEngine(t, offeringTables())
	seedRows(t, port, "Offering", storage.Row{"Description": "a"})

	result, err := e.Query(context.Background(), dsl.Query{
		"offering": {Conditions: []dsl.Condition{dsl.In("spu", nil, nil)}},
	})
	require.NoError(t, err)
	assert.Equal(t, []map[string]any{}, result["offering"])

	selects := port.selects()
	require.Len(t, selects, 1)
	assert.Equal(t, []any{}, selects[0].Predicates[0].Values)
}

func TestQuery_InDeduplicates(t *testing.T) {
	e, port := newTestEngine(t, offeringTables())
	seedRows(t, port, "Offering", storage.Row{"Description": "a"}, storage.Row{"Description": "b"})

	result, err := e.Query(context.Background(), dsl.Query{
		"offering": {
			Properties: dsl.Query{"spu": nil},
			Conditions: []dsl.Condition{{Field: "spu", Operator: dsl.OpIn, Value: []int64{2, 2, 1}}},
		},
	})
	require.NoError(t, err)
	assert.Len(t, result["offering"], 2)
	assert.Equal(t, []any{int64(2), int64(1)}, port.selects()[0].Predicates[0].Values)
}

func TestQuery_AliasesSharedColumns(t *testing.T) {
	e, port := newTestEngine(t, offeringTables())
	seedBall(t, e, port)

	_, err := e.Query(context.Background(), dsl.Query{
		"offering": {Properties: dsl.Query{"spu": nil, "product": {Properties: dsl.Query{"sku": nil}}}},
	})
	require.NoError(t, err)

	// spu and the product join parent are the same physical column.
	assert.Equal(t, []string{"Id"}, port.selects()[0].Columns)
	assert.Equal(t, []string{"OfferingId", "Id"}, port.selects()[1].Columns)
}

func TestQuery_DefaultLimit(t *testing.T) {
	e, port := newTestEngine(t, offeringTables())
	_, err := e.Query(context.Background(), dsl.Query{"offering": nil})
	require.NoError(t, err)
	assert.Equal(t, DefaultLimit, port.selects()[0].Limit)

	e, port = newTestEngine(t, offeringTables(), WithDefaultLimit(10))
	_, err = e.Query(context.Background(), dsl.Query{"offering": {Options: dsl.Options{Skip: intPtr(4)}}})
	require.NoError(t, err)
	assert.Equal(t, 10, port.selects()[0].Limit)
	assert.Equal(t, 4, port.selects()[0].Skip)
}

func TestQuery_Errors(t *testing.T) {
	tests := []struct {
		name    string
		query   dsl.Query
		target  error
		message string
	}{
		{
			name:    "unknown entity",
			query:   dsl.Query{"missing": nil},
			target:  enginerr.ErrSchema,
			message: "unknown entity",
		},
		{
			name:    "unknown property",
			query:   dsl.Query{"offering": {Properties: dsl.Query{"colour": nil}}},
			target:  enginerr.ErrSchema,
			message: "offering.colour",
		},
		{
			name:    "unknown nested property",
			query:   dsl.Query{"offering": {Properties: dsl.Query{"product": {Properties: dsl.Query{"size": nil}}}}},
			target:  enginerr.ErrSchema,
			message: "offering.product.size",
		},
		{
			name:    "null condition value",
			query:   dsl.Query{"offering": {Conditions: []dsl.Condition{dsl.Eq("spu", nil)}}},
			target:  enginerr.ErrValidation,
			message: "null",
		},
		{
			name:   "condition on nested table",
			query:  dsl.Query{"offering": {Conditions: []dsl.Condition{dsl.Eq("product", 1)}}},
			target: enginerr.ErrSchema,
		},
		{
			name:   "condition on unknown property",
			query:  dsl.Query{"offering": {Conditions: []dsl.Condition{dsl.Eq("colour", "red")}}},
			target: enginerr.ErrSchema,
		},
		{
			name:    "unsupported operator",
			query:   dsl.Query{"offering": {Conditions: []dsl.Condition{{Field: "spu", Operator: "gt", Value: 1}}}},
			target:  enginerr.ErrValidation,
			message: "unsupported operator",
		},
		{
			name:   "in with scalar",
			query:  dsl.Query{"offering": {Conditions: []dsl.Condition{{Field: "spu", Operator: dsl.OpIn, Value: 1}}}},
			target: enginerr.ErrValidation,
		},
		{
			name:   "eq with list",
			query:  dsl.Query{"offering": {Conditions: []dsl.Condition{{Field: "spu", Operator: dsl.OpEq, Value: []any{1}}}}},
			target: enginerr.ErrValidation,
		},
		{
			name:    "negative limit",
			query:   dsl.Query{"offering": {Options: dsl.Options{Limit: intPtr(-1)}}},
			target:  enginerr.ErrValidation,
			message: "options.limit",
		},
		{
			name:    "no columns selected",
			query:   dsl.Query{"offering": {Properties: dsl.Query{}}},
			target:  enginerr.ErrValidation,
			message: "selects no columns",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, port := newTestEngine(t, offeringTables())
			seedRows(t, port, "Offering", storage.Row{"Description": "a"})

			_, err := e.Query(context.Background(), tt.query)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.target)
			if tt.message != "" {
				assert.Contains(t, err.Error(), tt.message)
			}
		})
	}
}

func TestQuery_BackendErrorIsWrapped(t *testing.T) {
	e, port := newTestEngine(t, offeringTables())
	boom := errors.New("connection refused")
	port.err = boom

	_, err := e.Query(context.Background(), dsl.Query{"offering": nil})
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "select Offering")
}

func TestNew_Validation(t *testing.T) {
	s, err := schema.New(offeringTables())
	require.NoError(t, err)

	_, err = New(nil, newRecordingPort())
	assert.Error(t, err)
	_, err = New(s, nil)
	assert.Error(t, err)
	_, err = New(s, newRecordingPort(), WithDefaultLimit(0))
	assert.Error(t, err)

	e, err := New(s, newRecordingPort())
	require.NoError(t, err)
	assert.Same(t, s, e.Schema())
}
