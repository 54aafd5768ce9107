package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dshills/bookstore-orders/pkg/types"
)

var callerIDProperty = map[string]interface{}{
	"type":        "string",
	"description": "Verified caller identity supplied by the auth gate",
}

// placeOrderTool returns the tool definition for place_order
func placeOrderTool() mcp.Tool {
	return mcp.Tool{
		Name:        "place_order",
		Description: "Place an order for one or more catalog items. Prices are taken from the catalog, never from the request.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"caller_id": callerIDProperty,
				"shipping_address": map[string]interface{}{
					"type":        "string",
					"description": "Delivery address (must not be blank)",
				},
				"items": map[string]interface{}{
					"type":        "array",
					"description": "Cart lines; each item_id may appear once",
					"minItems":    1,
					"items": map[string]interface{}{
						"type": "object",
						"properties": map[string]interface{}{
							"item_id": map[string]interface{}{
								"type":        "integer",
								"description": "Catalog item identifier",
							},
							"quantity": map[string]interface{}{
								"type":        "integer",
								"description": "Units to order",
								"minimum":     1,
							},
						},
						"required": []string{"item_id", "quantity"},
					},
				},
			},
			Required: []string{"caller_id", "shipping_address", "items"},
		},
	}
}

// getOrderTool returns the tool definition for get_order
func getOrderTool() mcp.Tool {
	return mcp.Tool{
		Name:        "get_order",
		Description: "Fetch one of the caller's orders with its lines",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"caller_id": callerIDProperty,
				"order_id": map[string]interface{}{
					"type":        "integer",
					"description": "Order identifier",
				},
			},
			Required: []string{"caller_id", "order_id"},
		},
	}
}

// listOrdersTool returns the tool definition for list_orders
func listOrdersTool() mcp.Tool {
	return mcp.Tool{
		Name:        "list_orders",
		Description: "List the caller's orders, newest first",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"caller_id": callerIDProperty,
			},
			Required: []string{"caller_id"},
		},
	}
}

// updateOrderStatusTool returns the tool definition for update_order_status
func updateOrderStatusTool() mcp.Tool {
	statuses := make([]string, len(types.AllStatuses))
	for i, s := range types.AllStatuses {
		statuses[i] = string(s)
	}

	return mcp.Tool{
		Name:        "update_order_status",
		Description: "Set an order's fulfillment status (administrators only)",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"caller_id": callerIDProperty,
				"is_admin": map[string]interface{}{
					"type":        "boolean",
					"description": "Admin flag supplied by the auth gate",
					"default":     false,
				},
				"order_id": map[string]interface{}{
					"type":        "integer",
					"description": "Order identifier",
				},
				"status": map[string]interface{}{
					"type":        "string",
					"description": "New status",
					"enum":        statuses,
				},
			},
			Required: []string{"caller_id", "order_id", "status"},
		},
	}
}

// getStatusTool returns the tool definition for get_status
func getStatusTool() mcp.Tool {
	return mcp.Tool{
		Name:        "get_status",
		Description: "Report order store statistics and health",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}
}
