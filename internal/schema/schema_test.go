package schema

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relgraph/internal/enginerr"
)

func TestLoad_OfferingFixture(t *testing.T) {
	s, err := Load(filepath.Join("testdata", "offering.yaml"))
	require.NoError(t, err)

	assert.Equal(t, []string{"offering"}, s.EntityNames())

	offering, ok := s.Entity("offering")
	require.True(t, ok)
	assert.Equal(t, "Offering", offering.Table)
	assert.Nil(t, offering.Join)
	assert.Equal(t, []string{"description", "name", "product", "spu"}, offering.PropertyNames())

	pkName, pk, ok := offering.PrimaryKey()
	require.True(t, ok)
	assert.Equal(t, "spu", pkName)
	assert.Equal(t, "Id", pk.Column)

	name, ok := offering.Child("name")
	require.True(t, ok)
	assert.Equal(t, "I18n", name.Table)
	assert.False(t, name.Join.IsCollection())
	assert.True(t, name.KeyedByPrimaryKey())

	product, ok := offering.Child("product")
	require.True(t, ok)
	assert.True(t, product.Join.IsCollection())
	assert.False(t, product.KeyedByPrimaryKey())
	assert.Equal(t, "OfferingId", product.Join.Column)
	assert.Equal(t, "Id", product.Join.Parent)

	attribute, ok := product.Child("attribute")
	require.True(t, ok)
	assert.Equal(t, "ProductAttribute", attribute.Table)

	_, ok = offering.Column("product")
	assert.False(t, ok)
	col, ok := offering.Column("description")
	require.True(t, ok)
	assert.Equal(t, "Description", col.Column)
}

func TestParse_JSON(t *testing.T) {
	s, err := Parse([]byte(`{"user": {"table": "users", "properties": {"id": {"column": "id", "isPrimaryKey": true}}}}`))
	require.NoError(t, err)
	user, ok := s.Entity("user")
	require.True(t, ok)
	assert.Equal(t, "users", user.Table)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{
			name: "root without table",
			doc:  "offering:\n  properties:\n    id:\n      column: Id\n",
		},
		{
			name: "property with table and column",
			doc:  "offering:\n  table: Offering\n  properties:\n    name:\n      table: I18n\n      column: Name\n      joined: {column: Id, parent: Name}\n",
		},
		{
			name: "property with neither table nor column",
			doc:  "offering:\n  table: Offering\n  properties:\n    name:\n      isPrimaryKey: true\n",
		},
		{
			name: "nested table without join",
			doc:  "offering:\n  table: Offering\n  properties:\n    product:\n      table: Product\n",
		},
		{
			name: "join missing parent",
			doc:  "offering:\n  table: Offering\n  properties:\n    product:\n      table: Product\n      joined: {column: OfferingId}\n",
		},
		{
			name: "two primary keys",
			doc:  "offering:\n  table: Offering\n  properties:\n    a: {column: A, isPrimaryKey: true}\n    b: {column: B, isPrimaryKey: true}\n",
		},
		{
			name: "root with join",
			doc:  "offering:\n  table: Offering\n  joined: {column: A, parent: B}\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.True(t, errors.Is(err, enginerr.ErrSchema), "expected schema error, got %v", err)
		})
	}
}

func TestParse_UnknownKey(t *testing.T) {
	_, err := Parse([]byte("offering:\n  table: Offering\n  colums: {}\n"))
	require.Error(t, err)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)

	_, err = New(map[string]*Table{"x": nil})
	require.Error(t, err)

	_, err = New(map[string]*Table{"x": {Table: ""}})
	require.Error(t, err)

	_, err = New(map[string]*Table{"x": {
		Table:      "X",
		Properties: map[string]Node{"id": &Column{}},
	}})
	require.Error(t, err)

	s, err := New(map[string]*Table{"x": {
		Table:      "X",
		Properties: map[string]Node{"name": &Column{Column: "Name"}},
	}})
	require.NoError(t, err)
	x, _ := s.Entity("x")
	_, _, ok := x.PrimaryKey()
	assert.False(t, ok, "primary key is only required when writing")
}

func TestNew_CopiesEntityTree(t *testing.T) {
	pk := &Column{Column: "Id", PrimaryKey: true}
	child := &Table{
		Table:      "Product",
		Properties: map[string]Node{"sku": &Column{Column: "Id", PrimaryKey: true}},
		Join:       &Join{Column: "OfferingId", Parent: "Id"},
	}
	root := &Table{
		Table:      "Offering",
		Properties: map[string]Node{"spu": pk, "product": child},
	}
	entities := map[string]*Table{"offering": root}

	s, err := New(entities)
	require.NoError(t, err)

	root.Table = "Changed"
	root.Properties["extra"] = &Column{Column: "Extra"}
	pk.Column = "Other"
	child.Join.Parent = "Elsewhere"
	child.Join.Singular = true
	delete(child.Properties, "sku")
	entities["late"] = &Table{Table: "Late"}

	offering, ok := s.Entity("offering")
	require.True(t, ok)
	assert.Equal(t, "Offering", offering.Table)
	assert.Equal(t, []string{"product", "spu"}, offering.PropertyNames())
	_, col, ok := offering.PrimaryKey()
	require.True(t, ok)
	assert.Equal(t, "Id", col.Column)

	product, ok := offering.Child("product")
	require.True(t, ok)
	assert.Equal(t, "Id", product.Join.Parent)
	assert.True(t, product.Join.IsCollection())
	assert.Equal(t, []string{"sku"}, product.PropertyNames())

	assert.Equal(t, []string{"offering"}, s.EntityNames())
}
