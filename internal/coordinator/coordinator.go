package coordinator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dshills/bookstore-orders/internal/catalog"
	"github.com/dshills/bookstore-orders/internal/events"
	"github.com/dshills/bookstore-orders/internal/pricing"
	"github.com/dshills/bookstore-orders/internal/storage"
	"github.com/dshills/bookstore-orders/pkg/types"
)

const (
	tracerName = "github.com/dshills/bookstore-orders/internal/coordinator"

	// DefaultLockTimeout bounds one transaction attempt
	DefaultLockTimeout = 5 * time.Second

	publishTimeout = 5 * time.Second
)

// Config holds coordinator dependencies and policy. Zero values get defaults.
type Config struct {
	Retry       RetryConfig
	LockTimeout time.Duration
	Logger      *zap.Logger
	Publisher   events.Publisher
	Tracer      trace.Tracer
}

// Coordinator places orders and changes their status. Every placement runs
// validation, order creation, line creation and stock decrement in a single
// transaction.
type Coordinator struct {
	store       storage.Storage
	reader      *catalog.Reader
	retry       RetryConfig
	lockTimeout time.Duration
	logger      *zap.Logger
	publisher   events.Publisher
	tracer      trace.Tracer
}

// New creates a coordinator over store
func New(store storage.Storage, cfg Config) *Coordinator {
	c := &Coordinator{
		store:       store,
		reader:      catalog.NewReader(),
		retry:       cfg.Retry,
		lockTimeout: cfg.LockTimeout,
		logger:      cfg.Logger,
		publisher:   cfg.Publisher,
		tracer:      cfg.Tracer,
	}
	if c.retry.MaxAttempts == 0 {
		c.retry = DefaultRetryConfig()
	}
	if c.lockTimeout == 0 {
		c.lockTimeout = DefaultLockTimeout
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.publisher == nil {
		c.publisher = events.NopPublisher{}
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer(tracerName)
	}
	return c
}

// placed is the result of one committed placement attempt
type placed struct {
	order *storage.Order
	quote *pricing.Quote
}

// PlaceOrder validates the cart against current stock, persists the order
// with its lines and decrements stock, all or nothing. Transient storage
// failures re-run the whole transaction up to the configured attempt count.
func (c *Coordinator) PlaceOrder(ctx context.Context, req types.PlaceOrderRequest) (*types.Receipt, error) {
	ctx, span := c.tracer.Start(ctx, "orders.place")
	defer span.End()

	span.SetAttributes(
		attribute.String("order.caller_id", req.CallerID),
		attribute.Int("order.line_count", len(req.Cart)),
	)

	if err := pricing.CheckRequest(req); err != nil {
		c.logger.Debug("order rejected", zap.String("caller_id", req.CallerID), zap.Error(err))
		recordError(span, err)
		return nil, err
	}

	result, attempts, err := retryWithBackoff(ctx, c.retry, isTransient, func(attempt int) (*placed, error) {
		res, err := c.placeOnce(ctx, req)
		if err != nil && isTransient(err) && attempt < c.retry.MaxAttempts {
			c.logger.Warn("order transaction failed, retrying",
				zap.String("caller_id", req.CallerID),
				zap.Int("attempt", attempt),
				zap.Error(err))
		}
		return res, err
	})
	span.SetAttributes(attribute.Int("order.attempts", attempts))

	if err != nil {
		err = c.finalError(err, attempts, "place order", zap.String("caller_id", req.CallerID))
		recordError(span, err)
		return nil, err
	}

	order := result.order
	span.SetAttributes(attribute.Int64("order.id", order.ID))
	span.SetStatus(codes.Ok, "order placed")

	c.logger.Info("order placed",
		zap.Int64("order_id", order.ID),
		zap.String("caller_id", order.CallerID),
		zap.Stringer("total", order.Total),
		zap.Int("lines", len(result.quote.Lines)),
		zap.Int("attempts", attempts))

	lines := make([]events.Line, 0, len(result.quote.Lines))
	for _, l := range result.quote.Lines {
		lines = append(lines, events.Line{ItemID: l.ItemID, Quantity: l.Quantity, UnitPrice: l.UnitPrice})
	}
	c.publish(ctx, events.OrderPlaced(order.ID, order.CallerID, order.Total, lines, order.CreatedAt))

	return &types.Receipt{
		OrderID:     order.ID,
		TotalAmount: order.Total,
		Status:      order.Status,
		CreatedAt:   order.CreatedAt,
	}, nil
}

// placeOnce runs a single placement transaction
func (c *Coordinator) placeOnce(ctx context.Context, req types.PlaceOrderRequest) (*placed, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.lockTimeout)
	defer cancel()

	tx, err := c.store.BeginTx(attemptCtx)
	if err != nil {
		return nil, classify(ctx, fmt.Errorf("begin transaction: %w", err))
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	ids := make([]int64, 0, len(req.Cart))
	for _, line := range req.Cart {
		ids = append(ids, line.ItemID)
	}

	snap, err := c.reader.Snapshot(attemptCtx, tx, ids)
	if err != nil {
		return nil, classify(ctx, err)
	}

	quote, err := pricing.Price(req.Cart, snap)
	if err != nil {
		return nil, err
	}

	order := &storage.Order{
		CallerID:        req.CallerID,
		Total:           quote.Total,
		ShippingAddress: req.ShippingAddress,
		Status:          types.StatusPending,
	}
	if err := tx.CreateOrder(attemptCtx, order); err != nil {
		return nil, classify(ctx, err)
	}

	for _, line := range quote.Lines {
		err := tx.CreateOrderLine(attemptCtx, &storage.OrderLine{
			OrderID:   order.ID,
			ItemID:    line.ItemID,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
		})
		if err != nil {
			return nil, classify(ctx, err)
		}
	}

	// Decrement in ascending item order, the same order the rows were locked in
	byItem := slices.Clone(quote.Lines)
	slices.SortFunc(byItem, func(a, b pricing.PricedLine) int {
		switch {
		case a.ItemID < b.ItemID:
			return -1
		case a.ItemID > b.ItemID:
			return 1
		}
		return 0
	})
	for _, line := range byItem {
		err := tx.DecrementStock(attemptCtx, line.ItemID, line.Quantity)
		if errors.Is(err, storage.ErrStockConflict) {
			return nil, c.stockConflict(attemptCtx, ctx, tx, line)
		}
		if err != nil {
			return nil, classify(ctx, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, classify(ctx, fmt.Errorf("commit: %w", err))
	}
	committed = true

	return &placed{order: order, quote: quote}, nil
}

// stockConflict reports a guarded decrement that found less stock than the
// snapshot promised
func (c *Coordinator) stockConflict(attemptCtx, ctx context.Context, tx storage.Tx, line pricing.PricedLine) error {
	available := 0
	item, err := tx.GetItem(attemptCtx, line.ItemID)
	switch {
	case err == nil:
		available = item.Stock
	case !errors.Is(err, storage.ErrNotFound):
		return classify(ctx, err)
	}
	return &types.InsufficientStockError{
		ItemID:    line.ItemID,
		Requested: line.Quantity,
		Available: available,
	}
}

// UpdateStatus sets the status of an order. The status must be one of the
// enumerated values.
func (c *Coordinator) UpdateStatus(ctx context.Context, orderID int64, status string) error {
	ctx, span := c.tracer.Start(ctx, "orders.update_status")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("order.id", orderID),
		attribute.String("order.status", status),
	)

	newStatus, err := types.ParseOrderStatus(status)
	if err != nil {
		recordError(span, err)
		return err
	}

	_, attempts, err := retryWithBackoff(ctx, c.retry, isTransient, func(int) (struct{}, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, c.lockTimeout)
		defer cancel()

		err := c.store.UpdateOrderStatus(attemptCtx, orderID, newStatus)
		if errors.Is(err, storage.ErrNotFound) {
			return struct{}{}, &types.NotFoundError{Kind: "order", ID: orderID}
		}
		if err != nil {
			return struct{}{}, classify(ctx, err)
		}
		return struct{}{}, nil
	})
	span.SetAttributes(attribute.Int("order.attempts", attempts))

	if err != nil {
		err = c.finalError(err, attempts, "update order status", zap.Int64("order_id", orderID))
		recordError(span, err)
		return err
	}

	span.SetStatus(codes.Ok, "status updated")
	c.logger.Info("order status updated",
		zap.Int64("order_id", orderID),
		zap.String("status", string(newStatus)))

	c.publish(ctx, events.StatusChanged(orderID, newStatus, time.Now()))
	return nil
}

// finalError stamps the attempt count on exhausted transient failures and
// logs anything that is not a caller mistake
func (c *Coordinator) finalError(err error, attempts int, op string, fields ...zap.Field) error {
	var transient *types.TransientStoreError
	switch {
	case errors.As(err, &transient):
		transient.Attempts = attempts
		c.logger.Error(op+": retries exhausted", append(fields, zap.Int("attempts", attempts), zap.Error(err))...)
	case isDomainError(err):
		c.logger.Debug(op+" rejected", append(fields, zap.Error(err))...)
	default:
		c.logger.Error(op+" failed", append(fields, zap.Error(err))...)
	}
	return err
}

// publish delivers an event after commit. Failures are logged only: the
// order is already durable.
func (c *Coordinator) publish(ctx context.Context, event events.Event) {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := c.publisher.Publish(pubCtx, event); err != nil {
		c.logger.Error("failed to publish order event",
			zap.String("event_id", event.ID),
			zap.String("type", event.Type),
			zap.Int64("order_id", event.OrderID),
			zap.Error(err))
	}
}

// classify maps storage failures onto the error taxonomy. An attempt that ran
// out of time while the caller is still waiting counts as a lock timeout.
func classify(ctx context.Context, err error) error {
	if err == nil || isDomainError(err) {
		return err
	}
	if storage.IsTransient(err) {
		return &types.TransientStoreError{Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return &types.TransientStoreError{Err: err}
	}
	return err
}

func isTransient(err error) bool {
	return errors.Is(err, types.ErrTransient)
}

func isDomainError(err error) bool {
	return errors.Is(err, types.ErrValidation) ||
		errors.Is(err, types.ErrNotFound) ||
		errors.Is(err, types.ErrInsufficient) ||
		errors.Is(err, types.ErrInvalidStatus) ||
		errors.Is(err, types.ErrTransient)
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
