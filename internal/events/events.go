// Package events publishes order lifecycle events for the external
// fulfillment process. Events are published only after the order
// transaction has committed.
package events

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/bookstore-orders/pkg/types"
)

// Event types
const (
	TypeOrderPlaced        = "order.placed"
	TypeOrderStatusChanged = "order.status_changed"
)

// Event is the payload published for every committed order change
type Event struct {
	ID         string            `json:"event_id"`
	Type       string            `json:"type"`
	OrderID    int64             `json:"order_id"`
	CallerID   string            `json:"caller_id,omitempty"`
	Status     types.OrderStatus `json:"status"`
	Total      *types.Money      `json:"total_amount,omitempty"`
	Lines      []Line            `json:"items,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Line is one ordered item in an order.placed event
type Line struct {
	ItemID    int64       `json:"item_id"`
	Quantity  int         `json:"quantity"`
	UnitPrice types.Money `json:"price"`
}

// Publisher delivers events to a sink
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// OrderPlaced builds the event for a newly committed order
func OrderPlaced(orderID int64, callerID string, total types.Money, lines []Line, at time.Time) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       TypeOrderPlaced,
		OrderID:    orderID,
		CallerID:   callerID,
		Status:     types.StatusPending,
		Total:      &total,
		Lines:      lines,
		OccurredAt: at.UTC(),
	}
}

// StatusChanged builds the event for a committed status update
func StatusChanged(orderID int64, status types.OrderStatus, at time.Time) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       TypeOrderStatusChanged,
		OrderID:    orderID,
		Status:     status,
		OccurredAt: at.UTC(),
	}
}

// Key is the partitioning key: all events of one order share it
func (e Event) Key() string {
	return strconv.FormatInt(e.OrderID, 10)
}

// Encode returns the JSON wire form
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// NopPublisher discards events
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }

func (NopPublisher) Close() error { return nil }
