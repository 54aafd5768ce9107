package storage

import (
	"context"
	"time"

	"github.com/dshills/bookstore-orders/pkg/types"
)

// Storage defines the interface for persisting catalog items and orders
type Storage interface {
	// Catalog operations
	CreateItem(ctx context.Context, item *Item) error
	GetItem(ctx context.Context, itemID int64) (*Item, error)
	UpdateItem(ctx context.Context, item *Item) error
	DeleteItem(ctx context.Context, itemID int64) error

	// LockItems reads the given items for update. itemIDs must be sorted
	// ascending and unique; rows are locked in that order. Missing ids are
	// simply absent from the result.
	LockItems(ctx context.Context, itemIDs []int64) ([]*Item, error)

	// DecrementStock removes quantity from an item's stock. Returns
	// ErrStockConflict if the item is missing or holds less than quantity.
	DecrementStock(ctx context.Context, itemID int64, quantity int) error

	// Order operations
	CreateOrder(ctx context.Context, order *Order) error
	CreateOrderLine(ctx context.Context, line *OrderLine) error
	GetOrder(ctx context.Context, orderID int64) (*Order, error)
	ListOrdersByCaller(ctx context.Context, callerID string) ([]*Order, error)
	ListOrderLines(ctx context.Context, orderIDs []int64) ([]*OrderLineDetail, error)
	UpdateOrderStatus(ctx context.Context, orderID int64, status types.OrderStatus) error

	// Status operations
	GetStatus(ctx context.Context) (*StoreStatus, error)

	// Database operations
	Close() error
	BeginTx(ctx context.Context) (Tx, error)
}

// Tx represents a database transaction
type Tx interface {
	Commit() error
	Rollback() error
	Storage // Embed Storage interface for transaction operations
}

// Item is a catalog entry. Price is in minor units.
type Item struct {
	ID        int64
	Title     string
	Author    string
	Genre     string
	CoverURL  string
	Price     types.Money
	Stock     int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Order is the persisted order header
type Order struct {
	ID              int64
	CallerID        string
	Total           types.Money
	ShippingAddress string
	Status          types.OrderStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// OrderLine is one persisted line. UnitPrice is frozen at order time.
type OrderLine struct {
	ID        int64
	OrderID   int64
	ItemID    int64
	Quantity  int
	UnitPrice types.Money
}

// OrderLineDetail is an order line joined with the item's current
// descriptive fields. Title/Author/CoverURL are empty if the item was deleted.
type OrderLineDetail struct {
	OrderLine
	Title    string
	Author   string
	CoverURL string
}

// StoreStatus contains statistics about the order store
type StoreStatus struct {
	ItemsCount      int
	UnitsInStock    int64
	OrdersCount     int
	OrdersByStatus  map[types.OrderStatus]int
	OrderLinesCount int
	DatabaseSizeMB  float64
	Health          HealthStatus
}

// HealthStatus represents the health of the store
type HealthStatus struct {
	DatabaseAccessible bool
	SchemaVersion      string
}

// ToView converts an order and its line details to the display form
func (o *Order) ToView(lines []*OrderLineDetail) types.OrderView {
	view := types.OrderView{
		OrderID:         o.ID,
		CallerID:        o.CallerID,
		TotalAmount:     o.Total,
		ShippingAddress: o.ShippingAddress,
		Status:          o.Status,
		CreatedAt:       o.CreatedAt,
		Lines:           make([]types.OrderLineView, 0, len(lines)),
	}
	for _, l := range lines {
		view.Lines = append(view.Lines, l.ToView())
	}
	return view
}

// ToView converts a line detail to the display form
func (l *OrderLineDetail) ToView() types.OrderLineView {
	subtotal, _ := l.UnitPrice.Times(l.Quantity)
	return types.OrderLineView{
		LineID:    l.ID,
		ItemID:    l.ItemID,
		Quantity:  l.Quantity,
		UnitPrice: l.UnitPrice,
		Subtotal:  subtotal,
		Title:     l.Title,
		Author:    l.Author,
		CoverURL:  l.CoverURL,
	}
}
