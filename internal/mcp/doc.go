// Package mcp implements the Model Context Protocol (MCP) server for the
// bookstore order engine.
//
// The MCP server exposes five tools:
//   - place_order: Place an order for catalog items
//   - get_order: Fetch one of the caller's orders
//   - list_orders: List the caller's orders, newest first
//   - update_order_status: Change an order's status (admin only)
//   - get_status: Report store statistics and health
//
// # Identity
//
// The server performs no authentication. The auth gate in front of it
// supplies caller_id (and is_admin for status changes) with every call, and
// those values are trusted as given.
//
// # Tool: place_order
//
//	Request:
//	{
//	  "name": "place_order",
//	  "arguments": {
//	    "caller_id": "user-42",
//	    "shipping_address": "123 Main St",
//	    "items": [{"item_id": 7, "quantity": 2}]
//	  }
//	}
//
//	Response:
//	{
//	  "message": "Order placed successfully",
//	  "order_id": 1001,
//	  "total_amount": "25.98",
//	  "status": "pending",
//	  "created_at": "2024-05-01T10:00:00Z"
//	}
//
// Amounts are decimal strings with two places. Unit prices always come from
// the catalog; any price in the request is ignored.
//
// # Tool: get_order
//
//	Request:
//	{
//	  "name": "get_order",
//	  "arguments": {"caller_id": "user-42", "order_id": 1001}
//	}
//
// An order that belongs to another caller is reported exactly like a missing
// one (-32001).
//
// # Error Handling
//
// Tool failures are returned as MCPError values:
//
//	{
//	  "code": -32002,
//	  "message": "insufficient stock",
//	  "data": {"item_id": 7, "requested": 2, "available": 1}
//	}
//
// Error codes:
//   - -32602: Invalid params (malformed arguments, empty cart, blank address, duplicate item)
//   - -32603: Internal error
//   - -32001: Item or order not found
//   - -32002: Insufficient stock
//   - -32003: Temporary store failure; the call may be repeated
//   - -32004: Admin access required
//   - -32005: Invalid status
//
// # Logging
//
// The server logs to stderr through zap; stdout is reserved for the protocol.
package mcp
