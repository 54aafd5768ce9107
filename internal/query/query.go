// Package query assembles committed orders and their lines for display.
//
// Line prices are always the frozen order-time prices. Titles, authors and
// covers come from the catalog as it is now, so they may differ from what
// the caller saw when ordering, and are empty for items since deleted.
package query

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dshills/bookstore-orders/internal/storage"
	"github.com/dshills/bookstore-orders/pkg/types"
)

const tracerName = "github.com/dshills/bookstore-orders/internal/query"

// Service reads orders on behalf of a caller
type Service struct {
	store  storage.Storage
	logger *zap.Logger
	tracer trace.Tracer
}

// New creates a query service. A nil logger discards output.
func New(store storage.Storage, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:  store,
		logger: logger,
		tracer: otel.Tracer(tracerName),
	}
}

// GetOrder returns the order if it exists and belongs to callerID. An order
// owned by someone else is reported exactly like a missing one.
func (s *Service) GetOrder(ctx context.Context, orderID int64, callerID string) (*types.OrderView, error) {
	ctx, span := s.tracer.Start(ctx, "orders.get")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("order.id", orderID),
		attribute.String("order.caller_id", callerID),
	)

	order, err := s.store.GetOrder(ctx, orderID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && order.CallerID != callerID) {
		notFound := &types.NotFoundError{Kind: "order", ID: orderID}
		span.SetStatus(codes.Error, notFound.Error())
		return nil, notFound
	}
	if err != nil {
		return nil, s.fail(span, "get order", err)
	}

	lines, err := s.store.ListOrderLines(ctx, []int64{orderID})
	if err != nil {
		return nil, s.fail(span, "get order lines", err)
	}

	view := order.ToView(lines)
	span.SetAttributes(attribute.Int("order.line_count", len(view.Lines)))
	return &view, nil
}

// ListOrders returns every order of callerID, newest first, each with its
// lines. A caller without orders gets an empty slice.
func (s *Service) ListOrders(ctx context.Context, callerID string) ([]types.OrderView, error) {
	ctx, span := s.tracer.Start(ctx, "orders.list")
	defer span.End()

	span.SetAttributes(attribute.String("order.caller_id", callerID))

	orders, err := s.store.ListOrdersByCaller(ctx, callerID)
	if err != nil {
		return nil, s.fail(span, "list orders", err)
	}

	views := make([]types.OrderView, 0, len(orders))
	if len(orders) == 0 {
		return views, nil
	}

	ids := make([]int64, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
	}

	// One query for all lines, grouped afterwards
	lines, err := s.store.ListOrderLines(ctx, ids)
	if err != nil {
		return nil, s.fail(span, "list order lines", err)
	}
	byOrder := make(map[int64][]*storage.OrderLineDetail, len(orders))
	for _, l := range lines {
		byOrder[l.OrderID] = append(byOrder[l.OrderID], l)
	}

	for _, o := range orders {
		views = append(views, o.ToView(byOrder[o.ID]))
	}

	span.SetAttributes(attribute.Int("order.count", len(views)))
	return views, nil
}

func (s *Service) fail(span trace.Span, op string, err error) error {
	if storage.IsTransient(err) {
		err = &types.TransientStoreError{Err: err}
	}
	s.logger.Error(op+" failed", zap.Error(err))
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return fmt.Errorf("%s: %w", op, err)
}
