package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/dshills/bookstore-orders/pkg/types"
)

// MCP error codes
const (
	ErrorCodeInvalidParams     = -32602 // Invalid method parameters
	ErrorCodeInternalError     = -32603 // Internal JSON-RPC error
	ErrorCodeNotFound          = -32001 // Item or order does not exist for this caller
	ErrorCodeInsufficientStock = -32002 // A line asks for more than is in stock
	ErrorCodeTemporaryFailure  = -32003 // Store was busy; the call may be repeated
	ErrorCodeForbidden         = -32004 // Caller lacks the admin flag
	ErrorCodeInvalidStatus     = -32005 // Status outside the enumerated set
)

// handlePlaceOrder handles the place_order tool invocation
func (s *Server) handlePlaceOrder(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	callerID, err := requireString(args, "caller_id")
	if err != nil {
		return nil, err
	}

	cart, err := parseCart(args["items"])
	if err != nil {
		return nil, err
	}

	receipt, err := s.coordinator.PlaceOrder(ctx, types.PlaceOrderRequest{
		CallerID:        callerID,
		Cart:            cart,
		ShippingAddress: getStringDefault(args, "shipping_address", ""),
	})
	if err != nil {
		return nil, s.toMCPError("place_order", err)
	}

	response := map[string]interface{}{
		"message":      "Order placed successfully",
		"order_id":     receipt.OrderID,
		"total_amount": receipt.TotalAmount,
		"status":       receipt.Status,
		"created_at":   receipt.CreatedAt,
	}

	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleGetOrder handles the get_order tool invocation
func (s *Server) handleGetOrder(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	callerID, err := requireString(args, "caller_id")
	if err != nil {
		return nil, err
	}
	orderID, err := requireID(args, "order_id")
	if err != nil {
		return nil, err
	}

	view, err := s.query.GetOrder(ctx, orderID, callerID)
	if err != nil {
		return nil, s.toMCPError("get_order", err)
	}

	return mcp.NewToolResultText(formatJSON(view)), nil
}

// handleListOrders handles the list_orders tool invocation
func (s *Server) handleListOrders(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	callerID, err := requireString(args, "caller_id")
	if err != nil {
		return nil, err
	}

	views, err := s.query.ListOrders(ctx, callerID)
	if err != nil {
		return nil, s.toMCPError("list_orders", err)
	}

	response := map[string]interface{}{
		"orders": views,
		"count":  len(views),
	}

	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleUpdateOrderStatus handles the update_order_status tool invocation
func (s *Server) handleUpdateOrderStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	if _, err := requireString(args, "caller_id"); err != nil {
		return nil, err
	}
	if !getBoolDefault(args, "is_admin", false) {
		return nil, newMCPError(ErrorCodeForbidden, "admin access required", nil)
	}
	orderID, err := requireID(args, "order_id")
	if err != nil {
		return nil, err
	}
	status, err := requireString(args, "status")
	if err != nil {
		return nil, err
	}

	if err := s.coordinator.UpdateStatus(ctx, orderID, status); err != nil {
		return nil, s.toMCPError("update_order_status", err)
	}

	response := map[string]interface{}{
		"message":  "Order status updated",
		"order_id": orderID,
		"status":   status,
	}

	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleGetStatus handles the get_status tool invocation
func (s *Server) handleGetStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status, err := s.storage.GetStatus(ctx)
	if err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "failed to get status", map[string]interface{}{
			"error": err.Error(),
		})
	}

	byStatus := make(map[string]int, len(types.AllStatuses))
	for _, st := range types.AllStatuses {
		byStatus[string(st)] = status.OrdersByStatus[st]
	}

	response := map[string]interface{}{
		"statistics": map[string]interface{}{
			"items_count":       status.ItemsCount,
			"units_in_stock":    status.UnitsInStock,
			"orders_count":      status.OrdersCount,
			"orders_by_status":  byStatus,
			"order_lines_count": status.OrderLinesCount,
			"database_size_mb":  fmt.Sprintf("%.2f", status.DatabaseSizeMB),
		},
		"health": map[string]interface{}{
			"database_accessible": status.Health.DatabaseAccessible,
			"schema_version":      status.Health.SchemaVersion,
		},
	}

	return mcp.NewToolResultText(formatJSON(response)), nil
}

// Helper functions

// newMCPError creates a properly formatted MCP error
func newMCPError(code int, message string, data interface{}) error {
	// MCP errors are returned as regular errors, the framework handles encoding
	return &MCPError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// MCPError represents an MCP protocol error
type MCPError struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// toMCPError maps the order error taxonomy onto MCP error codes
func (s *Server) toMCPError(tool string, err error) error {
	var (
		validation   *types.ValidationError
		notFound     *types.NotFoundError
		insufficient *types.InsufficientStockError
		badStatus    *types.InvalidStatusError
	)

	switch {
	case errors.As(err, &validation):
		data := map[string]interface{}{
			"param":  validation.Field,
			"reason": validation.Err.Error(),
		}
		if validation.ItemID != 0 {
			data["item_id"] = validation.ItemID
		}
		return newMCPError(ErrorCodeInvalidParams, validation.Error(), data)
	case errors.As(err, &badStatus):
		allowed := make([]string, len(types.AllStatuses))
		for i, st := range types.AllStatuses {
			allowed[i] = string(st)
		}
		return newMCPError(ErrorCodeInvalidStatus, "invalid status", map[string]interface{}{
			"value":   badStatus.Status,
			"allowed": allowed,
		})
	case errors.As(err, &notFound):
		return newMCPError(ErrorCodeNotFound, notFound.Error(), map[string]interface{}{
			"kind": notFound.Kind,
			"id":   notFound.ID,
		})
	case errors.As(err, &insufficient):
		return newMCPError(ErrorCodeInsufficientStock, "insufficient stock", map[string]interface{}{
			"item_id":   insufficient.ItemID,
			"requested": insufficient.Requested,
			"available": insufficient.Available,
		})
	case errors.Is(err, types.ErrTransient):
		return newMCPError(ErrorCodeTemporaryFailure, types.ErrTransient.Error(), nil)
	default:
		s.logger.Error("tool failed", zap.String("tool", tool), zap.Error(err))
		return newMCPError(ErrorCodeInternalError, "internal error", nil)
	}
}

// parseCart converts the raw items argument into cart lines. Shape errors
// are reported here; content rules (positive quantity, no duplicates) are
// left to the coordinator.
func parseCart(raw interface{}) ([]types.CartLine, error) {
	if raw == nil {
		return nil, nil
	}
	entries, ok := raw.([]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "items must be an array", map[string]interface{}{
			"param": "items",
		})
	}

	cart := make([]types.CartLine, 0, len(entries))
	for i, entry := range entries {
		obj, ok := entry.(map[string]interface{})
		if !ok {
			return nil, newMCPError(ErrorCodeInvalidParams, "items entries must be objects", map[string]interface{}{
				"param": fmt.Sprintf("items[%d]", i),
			})
		}
		itemID, ok := toInt64(obj["item_id"])
		if !ok {
			return nil, newMCPError(ErrorCodeInvalidParams, "item_id must be an integer", map[string]interface{}{
				"param": fmt.Sprintf("items[%d].item_id", i),
			})
		}
		qty, ok := toInt64(obj["quantity"])
		if !ok || qty > math.MaxInt32 || qty < math.MinInt32 {
			return nil, newMCPError(ErrorCodeInvalidParams, "quantity must be an integer", map[string]interface{}{
				"param": fmt.Sprintf("items[%d].quantity", i),
			})
		}
		cart = append(cart, types.CartLine{ItemID: itemID, Quantity: int(qty)})
	}
	return cart, nil
}

func requireString(args map[string]interface{}, key string) (string, error) {
	val, ok := args[key].(string)
	if !ok || strings.TrimSpace(val) == "" {
		return "", newMCPError(ErrorCodeInvalidParams, key+" parameter is required", map[string]interface{}{
			"param":  key,
			"reason": "missing or empty",
		})
	}
	return val, nil
}

func requireID(args map[string]interface{}, key string) (int64, error) {
	id, ok := toInt64(args[key])
	if !ok || id <= 0 {
		return 0, newMCPError(ErrorCodeInvalidParams, key+" must be a positive integer", map[string]interface{}{
			"param": key,
			"value": args[key],
		})
	}
	return id, nil
}

// toInt64 accepts the numeric forms JSON decoding produces, rejecting fractions
func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) || n >= math.MaxInt64 || n < math.MinInt64 {
			return 0, false
		}
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

// formatJSON formats a value as indented JSON
func formatJSON(data interface{}) string {
	bytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(bytes)
}

// getBoolDefault extracts a boolean parameter with a default value
func getBoolDefault(args map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := args[key].(bool); ok {
		return val
	}
	return defaultValue
}

// getStringDefault extracts a string parameter with a default value
func getStringDefault(args map[string]interface{}, key string, defaultValue string) string {
	if val, ok := args[key].(string); ok {
		return val
	}
	return defaultValue
}
