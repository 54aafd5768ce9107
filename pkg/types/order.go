package types

import (
	"time"
)

// OrderStatus represents the fulfillment state of an order
type OrderStatus string

const (
	StatusPending    OrderStatus = "pending"
	StatusProcessing OrderStatus = "processing"
	StatusCompleted  OrderStatus = "completed"
	StatusCancelled  OrderStatus = "cancelled"
)

// AllStatuses lists every accepted order status
var AllStatuses = []OrderStatus{StatusPending, StatusProcessing, StatusCompleted, StatusCancelled}

// ParseOrderStatus validates a raw status value
func ParseOrderStatus(s string) (OrderStatus, error) {
	status := OrderStatus(s)
	if !status.Valid() {
		return "", &InvalidStatusError{Status: s}
	}
	return status, nil
}

// Valid reports whether the status is one of the enumerated states
func (s OrderStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusCancelled:
		return true
	default:
		return false
	}
}

// CartLine is one caller-supplied (item, quantity) pair of a placement request
type CartLine struct {
	ItemID   int64 `json:"item_id"`
	Quantity int   `json:"quantity"`
}

// Caller is the identity supplied by the external auth gate
type Caller struct {
	ID      string
	IsAdmin bool
}

// PlaceOrderRequest is the input to an order placement
type PlaceOrderRequest struct {
	CallerID        string
	Cart            []CartLine
	ShippingAddress string
}

// Receipt is returned after a placement commits
type Receipt struct {
	OrderID     int64       `json:"order_id"`
	TotalAmount Money       `json:"total_amount"`
	Status      OrderStatus `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
}

// OrderView is an order with its lines, assembled for display
type OrderView struct {
	OrderID         int64           `json:"order_id"`
	CallerID        string          `json:"caller_id"`
	TotalAmount     Money           `json:"total_amount"`
	ShippingAddress string          `json:"shipping_address"`
	Status          OrderStatus     `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	Lines           []OrderLineView `json:"items"`
}

// OrderLineView is an order line enriched with the item's current descriptive data.
// UnitPrice is always the price frozen at order time.
type OrderLineView struct {
	LineID    int64  `json:"line_id"`
	ItemID    int64  `json:"item_id"`
	Quantity  int    `json:"quantity"`
	UnitPrice Money  `json:"price"`
	Subtotal  Money  `json:"subtotal"`
	Title     string `json:"title"`
	Author    string `json:"author"`
	CoverURL  string `json:"cover_url"`
}
