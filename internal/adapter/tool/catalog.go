package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"datapilot/internal/domain"
	"datapilot/internal/usecase"
)

// Catalog bundles the built-in tool set over a query executor and the
// confirmation plan service.
type Catalog struct {
	exec  domain.QueryExecutor
	plans *usecase.PlanService
}

func NewCatalog(exec domain.QueryExecutor, plans *usecase.PlanService) *Catalog {
	return &Catalog{exec: exec, plans: plans}
}

// RegisterAll installs every built-in tool into the registry.
func (c *Catalog) RegisterAll(r *Registry) error {
	defs := []Definition{
		c.searchProducts(),
		c.getOrderStatus(),
		c.updatePrice(),
		c.confirmAction(),
		c.discardAction(),
	}
	for _, d := range defs {
		if err := r.Register(d); err != nil {
			return err
		}
	}
	return nil
}

func (c *Catalog) searchProducts() Definition {
	return Definition{
		Name:        "search_products",
		Description: "Search the product catalog. Filters persist across turns and can be refined incrementally; set a filter to an empty string to drop it.",
		Resource:    "products",
		Args: map[string]ArgSpec{
			"query":     {Kind: KindString},
			"filters":   {Kind: KindStringMap},
			"page":      IntRange(false, 1, 10_000),
			"page_size": IntRange(false, 1, 200),
		},
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query":     {"type": "string", "maxLength": 500},
				"filters":   {"type": "object", "additionalProperties": {"type": ["string", "null"]}},
				"page":      {"type": ["integer", "string"]},
				"page_size": {"type": ["integer", "string"]}
			}
		}`),
		Handler: domain.ToolHandlerFunc(func(ctx context.Context, ec *domain.ExecContext, intent domain.Intent) (*domain.ToolResult, error) {
			args := map[string]any{
				"tenant_id": ec.TenantID,
				"page":      intent.Page,
				"page_size": intent.PageSize,
			}
			if q, ok := intent.Args["query"].(string); ok {
				args["query"] = q
			} else {
				args["query"] = ""
			}
			args["filters_json"] = filtersJSON(intent.Filters)
			rs, err := c.exec.Query(ctx, "sp_search_products", args)
			if err != nil {
				return nil, err
			}
			return rowSetResult(rs)
		}),
	}
}

func (c *Catalog) getOrderStatus() Definition {
	return Definition{
		Name:        "get_order_status",
		Description: "Look up the current status of an order by its identifier.",
		Resource:    "orders",
		Args: map[string]ArgSpec{
			"order_id": {Kind: KindString, Required: true},
			"filters":  {Kind: KindStringMap},
		},
		Schema: json.RawMessage(`{
			"type": "object",
			"required": ["order_id"],
			"properties": {
				"order_id": {"type": "string", "minLength": 1, "maxLength": 64},
				"filters":  {"type": "object", "additionalProperties": {"type": ["string", "null"]}}
			}
		}`),
		Handler: domain.ToolHandlerFunc(func(ctx context.Context, ec *domain.ExecContext, intent domain.Intent) (*domain.ToolResult, error) {
			args := map[string]any{
				"tenant_id": ec.TenantID,
				"order_id":  intent.Args["order_id"],
			}
			args["filters_json"] = filtersJSON(intent.Filters)
			rs, err := c.exec.Query(ctx, "sp_get_order_status", args)
			if err != nil {
				return nil, err
			}
			return rowSetResult(rs)
		}),
	}
}

// updatePrice is the prepare half of the two-phase write. It never touches
// data; it records the exact parameters and hands back a confirmation token.
func (c *Catalog) updatePrice() Definition {
	return Definition{
		Name:          "update_price",
		Description:   "Propose a price change for a product. Returns a confirmation id; the change is applied only after confirm_action.",
		RequiresWrite: true,
		Args: map[string]ArgSpec{
			"product_id": {Kind: KindString, Required: true},
			"new_price":  {Kind: KindDecimal, Required: true},
		},
		Schema: json.RawMessage(`{
			"type": "object",
			"required": ["product_id", "new_price"],
			"properties": {
				"product_id": {"type": "string", "minLength": 1, "maxLength": 64},
				"new_price":  {"type": ["number", "string"]}
			}
		}`),
		Handler: domain.ToolHandlerFunc(func(ctx context.Context, ec *domain.ExecContext, intent domain.Intent) (*domain.ToolResult, error) {
			price := intent.Args["new_price"].(float64)
			if price < 0 {
				return nil, domain.NewDomainError("update_price", domain.ErrInvalidArgument, "'new_price' must be >= 0")
			}
			payload := map[string]string{
				"procedure":  "sp_update_price",
				"product_id": intent.Args["product_id"].(string),
				"new_price":  strconv.FormatFloat(price, 'f', -1, 64),
			}
			token, err := c.plans.Prepare(ctx, "update_price", ec, payload)
			if err != nil {
				return nil, err
			}
			return tokenResult(token)
		}),
	}
}

// confirmAction is the commit half: it consumes the stored plan and replays
// the captured payload. Arguments supplied here never reach the write.
func (c *Catalog) confirmAction() Definition {
	return Definition{
		Name:          "confirm_action",
		Description:   "Commit a previously proposed write by its confirmation id.",
		RequiresWrite: true,
		Args: map[string]ArgSpec{
			"confirmation_id": {Kind: KindString, Required: true},
			"action":          {Kind: KindString, Required: true},
		},
		Schema: json.RawMessage(`{
			"type": "object",
			"required": ["confirmation_id", "action"],
			"properties": {
				"confirmation_id": {"type": "string", "minLength": 1},
				"action":          {"type": "string", "minLength": 1}
			}
		}`),
		Handler: domain.ToolHandlerFunc(func(ctx context.Context, ec *domain.ExecContext, intent domain.Intent) (*domain.ToolResult, error) {
			planID := intent.Args["confirmation_id"].(string)
			action := intent.Args["action"].(string)

			payload, err := c.plans.Consume(ctx, planID, action, ec)
			if err != nil {
				return nil, err
			}
			procedure := payload["procedure"]
			if procedure == "" {
				return nil, domain.NewDomainError("confirm_action", domain.ErrPlanStore, "plan payload missing procedure")
			}

			args := map[string]any{"tenant_id": ec.TenantID}
			for k, v := range payload {
				if k == "procedure" {
					continue
				}
				args[k] = v
			}
			affected, err := c.exec.Exec(ctx, procedure, args)
			if err != nil {
				return nil, err
			}
			body, _ := json.Marshal(map[string]any{
				"committed":    true,
				"action":       strings.ToLower(action),
				"rowsAffected": affected,
			})
			return &domain.ToolResult{Content: string(body)}, nil
		}),
	}
}

// discardAction cancels a pending plan. It mutates no data, so it does not
// require the write role.
func (c *Catalog) discardAction() Definition {
	return Definition{
		Name:        "discard_action",
		Description: "Cancel a previously proposed write without applying it.",
		Args: map[string]ArgSpec{
			"confirmation_id": {Kind: KindString, Required: true},
		},
		Schema: json.RawMessage(`{
			"type": "object",
			"required": ["confirmation_id"],
			"properties": {
				"confirmation_id": {"type": "string", "minLength": 1}
			}
		}`),
		Handler: domain.ToolHandlerFunc(func(ctx context.Context, ec *domain.ExecContext, intent domain.Intent) (*domain.ToolResult, error) {
			planID := intent.Args["confirmation_id"].(string)
			if err := c.plans.Discard(ctx, planID, ec); err != nil {
				return nil, err
			}
			body, _ := json.Marshal(map[string]any{"discarded": true, "confirmationId": planID})
			return &domain.ToolResult{Content: string(body)}, nil
		}),
	}
}

// filtersJSON renders canonical filters as a deterministic JSON object for a
// single statement bind. Empty input binds "{}" so statements need no null
// handling.
func filtersJSON(filters map[string]string) string {
	if len(filters) == 0 {
		return "{}"
	}
	body, err := json.Marshal(filters)
	if err != nil {
		return "{}"
	}
	return string(body)
}

func rowSetResult(rs *domain.RowSet) (*domain.ToolResult, error) {
	body, err := json.Marshal(rs)
	if err != nil {
		return nil, fmt.Errorf("encode row set: %w", err)
	}
	return &domain.ToolResult{Content: string(body)}, nil
}

func tokenResult(t *domain.ConfirmationToken) (*domain.ToolResult, error) {
	body, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode confirmation token: %w", err)
	}
	return &domain.ToolResult{Content: string(body)}, nil
}
