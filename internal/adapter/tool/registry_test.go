package tool

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datapilot/internal/domain"
)

func noopHandler() domain.ToolHandler {
	return domain.ToolHandlerFunc(func(context.Context, *domain.ExecContext, domain.Intent) (*domain.ToolResult, error) {
		return &domain.ToolResult{Content: "{}"}, nil
	})
}

func testDefinition() Definition {
	return Definition{
		Name:     "Search_Products",
		Resource: "products",
		Args: map[string]ArgSpec{
			"query":     {Kind: KindString},
			"active":    {Kind: KindBool},
			"filters":   {Kind: KindStringMap},
			"page":      IntRange(false, 1, 10_000),
			"page_size": IntRange(false, 1, 200),
		},
		Handler: noopHandler(),
	}
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(testDefinition()))

	err := r.Register(testDefinition())
	require.Error(t, err, "duplicate registration must fail")

	err = r.Register(Definition{Name: "no_handler"})
	require.Error(t, err)

	err = r.Register(Definition{Name: " ", Handler: noopHandler()})
	require.Error(t, err)
}

func TestRegistry_LookupIsCaseInsensitive(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(testDefinition()))

	assert.True(t, r.IsWhitelisted("search_products"))
	assert.True(t, r.IsWhitelisted("SEARCH_PRODUCTS"))
	assert.True(t, r.IsWhitelisted("  Search_Products  "))
	assert.False(t, r.IsWhitelisted("search"))

	meta, ok := r.Meta("SEARCH_PRODUCTS")
	require.True(t, ok)
	assert.Equal(t, "search_products", meta.Name)
	assert.Equal(t, "products", meta.Resource)
	assert.False(t, meta.RequiresWrite)
}

func TestRegistry_ValidateUnknownTool(t *testing.T) {
	r := NewRegistry()
	_, err := r.Validate("ghost", nil)
	require.ErrorIs(t, err, domain.ErrToolNotFound)
}

func TestRegistry_ValidateRejectsUnknownArgs(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(testDefinition()))

	_, err := r.Validate("search_products", map[string]any{
		"query": "boots",
		"limit": float64(10), // not declared
	})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
	assert.Contains(t, err.Error(), "unexpected argument 'limit'")
}

func TestRegistry_ValidateRequired(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Definition{
		Name:    "get_order_status",
		Args:    map[string]ArgSpec{"order_id": {Kind: KindString, Required: true}},
		Handler: noopHandler(),
	}))

	_, err := r.Validate("get_order_status", map[string]any{})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
	assert.Contains(t, err.Error(), "missing required argument 'order_id'")

	intent, err := r.Validate("get_order_status", map[string]any{"order_id": "o-1"})
	require.NoError(t, err)
	assert.Equal(t, "o-1", intent.Args["order_id"])
}

func TestRegistry_ValidateCoercion(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(testDefinition()))

	intent, err := r.Validate("search_products", map[string]any{
		"query":   "boots",
		"active":  "true",
		"page":    "3",
		"filters": map[string]any{"category": "outdoor", "season": nil},
	})
	require.NoError(t, err)

	assert.Equal(t, "search_products", intent.Tool)
	assert.Equal(t, "boots", intent.Args["query"])
	assert.Equal(t, true, intent.Args["active"])
	assert.Equal(t, 3, intent.Page)
	assert.Equal(t, 25, intent.PageSize, "undeclared page_size defaults")
	assert.Equal(t, map[string]string{"category": "outdoor", "season": ""}, intent.Filters)
}

func TestRegistry_ValidateTypeErrors(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(testDefinition()))

	tests := []struct {
		name string
		raw  map[string]any
	}{
		{"string gets number", map[string]any{"query": float64(7)}},
		{"int gets fraction", map[string]any{"page": 1.5}},
		{"int below range", map[string]any{"page": float64(0)}},
		{"int above range", map[string]any{"page_size": float64(1000)}},
		{"bool gets junk", map[string]any{"active": "maybe"}},
		{"filters gets nested object", map[string]any{"filters": map[string]any{"category": map[string]any{"x": 1}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Validate("search_products", tt.raw)
			require.ErrorIs(t, err, domain.ErrInvalidArgument)
		})
	}
}

func TestRegistry_SchemaValidation(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Definition{
		Name: "update_price",
		Args: map[string]ArgSpec{
			"product_id": {Kind: KindString, Required: true},
			"new_price":  {Kind: KindDecimal, Required: true},
		},
		Schema: json.RawMessage(`{
			"type": "object",
			"required": ["product_id", "new_price"],
			"properties": {
				"product_id": {"type": "string", "minLength": 1},
				"new_price":  {"type": ["number", "string"]}
			}
		}`),
		Handler: noopHandler(),
	}))

	_, err := r.Validate("update_price", map[string]any{"product_id": "", "new_price": float64(10)})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	intent, err := r.Validate("update_price", map[string]any{"product_id": "p1", "new_price": "19.99"})
	require.NoError(t, err)
	assert.Equal(t, 19.99, intent.Args["new_price"])
}

func TestRegistry_SchemaCompileFailure(t *testing.T) {
	r := NewRegistry()
	err := r.Register(Definition{
		Name:    "broken",
		Schema:  json.RawMessage(`{"type": 42}`),
		Handler: noopHandler(),
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, domain.ErrInvalidArgument))
}

func TestRegistry_Schemas(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(testDefinition()))
	require.NoError(t, r.Register(Definition{Name: "aaa_first", Handler: noopHandler()}))

	schemas := r.Schemas()
	require.Len(t, schemas, 2)
	assert.Equal(t, "aaa_first", schemas[0].Name, "schemas are sorted by name")
	assert.Equal(t, "search_products", schemas[1].Name)
}
