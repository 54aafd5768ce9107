package coordinator

import (
	"context"
	"database/sql/driver"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/bookstore-orders/internal/events"
	"github.com/dshills/bookstore-orders/internal/storage"
	"github.com/dshills/bookstore-orders/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func setupTestDB(t *testing.T) *storage.SQLiteStorage {
	store, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedItem(t *testing.T, store storage.Storage, price string, stock int) *storage.Item {
	t.Helper()
	p, err := types.ParseMoney(price)
	require.NoError(t, err)
	item := &storage.Item{Title: "Book " + price, Author: "Someone", Price: p, Stock: stock}
	require.NoError(t, store.CreateItem(context.Background(), item))
	return item
}

func stockOf(t *testing.T, store storage.Storage, itemID int64) int {
	t.Helper()
	item, err := store.GetItem(context.Background(), itemID)
	require.NoError(t, err)
	return item.Stock
}

func countOrders(t *testing.T, store storage.Storage) int {
	t.Helper()
	status, err := store.GetStatus(context.Background())
	require.NoError(t, err)
	return status.OrdersCount
}

func request(caller string, lines ...types.CartLine) types.PlaceOrderRequest {
	return types.PlaceOrderRequest{CallerID: caller, Cart: lines, ShippingAddress: "123 Main St"}
}

// flakyStore fails the first n transaction starts with err
type flakyStore struct {
	storage.Storage
	failures atomic.Int32
	begins   atomic.Int32
	err      error
	onFail   func()
}

func (f *flakyStore) BeginTx(ctx context.Context) (storage.Tx, error) {
	f.begins.Add(1)
	if f.failures.Add(-1) >= 0 {
		if f.onFail != nil {
			f.onFail()
		}
		return nil, f.err
	}
	return f.Storage.BeginTx(ctx)
}

func (f *flakyStore) UpdateOrderStatus(ctx context.Context, orderID int64, status types.OrderStatus) error {
	f.begins.Add(1)
	if f.failures.Add(-1) >= 0 {
		return f.err
	}
	return f.Storage.UpdateOrderStatus(ctx, orderID, status)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) recorded() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Event(nil), p.events...)
}

func TestPlaceOrder_SingleItem(t *testing.T) {
	store := setupTestDB(t)
	item := seedItem(t, store, "10.00", 3)
	c := New(store, Config{})

	receipt, err := c.PlaceOrder(context.Background(), request("u1", types.CartLine{ItemID: item.ID, Quantity: 1}))
	require.NoError(t, err)

	assert.Greater(t, receipt.OrderID, int64(0))
	assert.Equal(t, "10.00", receipt.TotalAmount.String())
	assert.Equal(t, types.StatusPending, receipt.Status)
	assert.Equal(t, 2, stockOf(t, store, item.ID))

	order, err := store.GetOrder(context.Background(), receipt.OrderID)
	require.NoError(t, err)
	assert.Equal(t, "u1", order.CallerID)
	assert.Equal(t, "123 Main St", order.ShippingAddress)
	assert.Equal(t, types.StatusPending, order.Status)
}

func TestPlaceOrder_TotalFromFrozenPrices(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	a := seedItem(t, store, "12.99", 10)
	b := seedItem(t, store, "0.35", 10)
	c := New(store, Config{})

	receipt, err := c.PlaceOrder(ctx, request("u1",
		types.CartLine{ItemID: b.ID, Quantity: 3},
		types.CartLine{ItemID: a.ID, Quantity: 2},
	))
	require.NoError(t, err)
	assert.Equal(t, types.Money(2*1299+3*35), receipt.TotalAmount)

	// Repricing after the fact leaves the order untouched
	a.Price = 9999
	require.NoError(t, store.UpdateItem(ctx, a))

	lines, err := store.ListOrderLines(ctx, []int64{receipt.OrderID})
	require.NoError(t, err)
	require.Len(t, lines, 2)

	var sum types.Money
	for _, l := range lines {
		sub, ok := l.UnitPrice.Times(l.Quantity)
		require.True(t, ok)
		sum += sub
	}
	order, err := store.GetOrder(ctx, receipt.OrderID)
	require.NoError(t, err)
	assert.Equal(t, order.Total, sum)
}

func TestPlaceOrder_ValidationHasNoSideEffects(t *testing.T) {
	store := setupTestDB(t)
	item := seedItem(t, store, "5.00", 5)
	c := New(store, Config{})

	tests := []struct {
		name    string
		req     types.PlaceOrderRequest
		wantErr error
	}{
		{"empty cart", request("u1"), types.ErrEmptyCart},
		{"empty address", types.PlaceOrderRequest{
			CallerID: "u1",
			Cart:     []types.CartLine{{ItemID: item.ID, Quantity: 1}},
		}, types.ErrEmptyShippingAddress},
		{"duplicate item", request("u1",
			types.CartLine{ItemID: item.ID, Quantity: 1},
			types.CartLine{ItemID: item.ID, Quantity: 1},
		), types.ErrDuplicateItem},
		{"zero quantity", request("u1", types.CartLine{ItemID: item.ID, Quantity: 0}), types.ErrInvalidQuantity},
		{"no caller", request("", types.CartLine{ItemID: item.ID, Quantity: 1}), types.ErrMissingCaller},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.PlaceOrder(context.Background(), tt.req)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.ErrorIs(t, err, types.ErrValidation)
		})
	}

	assert.Equal(t, 5, stockOf(t, store, item.ID))
	assert.Equal(t, 0, countOrders(t, store))
}

func TestPlaceOrder_UnknownItemRollsBack(t *testing.T) {
	store := setupTestDB(t)
	item := seedItem(t, store, "5.00", 5)
	c := New(store, Config{})

	_, err := c.PlaceOrder(context.Background(), request("u1",
		types.CartLine{ItemID: item.ID, Quantity: 2},
		types.CartLine{ItemID: item.ID + 100, Quantity: 1},
	))
	require.Error(t, err)

	var nf *types.NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "item", nf.Kind)
	assert.Equal(t, item.ID+100, nf.ID)

	assert.Equal(t, 5, stockOf(t, store, item.ID))
	assert.Equal(t, 0, countOrders(t, store))
}

func TestPlaceOrder_InsufficientStockRollsBack(t *testing.T) {
	store := setupTestDB(t)
	plenty := seedItem(t, store, "1.00", 10)
	scarce := seedItem(t, store, "2.00", 1)
	c := New(store, Config{})

	_, err := c.PlaceOrder(context.Background(), request("u1",
		types.CartLine{ItemID: plenty.ID, Quantity: 4},
		types.CartLine{ItemID: scarce.ID, Quantity: 2},
	))
	require.Error(t, err)

	var ins *types.InsufficientStockError
	require.True(t, errors.As(err, &ins))
	assert.Equal(t, scarce.ID, ins.ItemID)
	assert.Equal(t, 2, ins.Requested)
	assert.Equal(t, 1, ins.Available)

	assert.Equal(t, 10, stockOf(t, store, plenty.ID))
	assert.Equal(t, 1, stockOf(t, store, scarce.ID))
	assert.Equal(t, 0, countOrders(t, store))
}

func TestPlaceOrder_TwoBuyersLastUnits(t *testing.T) {
	store := setupTestDB(t)
	item := seedItem(t, store, "8.00", 2)
	c := New(store, Config{})

	var mu sync.Mutex
	var receipts []*types.Receipt
	var failures []error
	start := make(chan struct{})
	g, ctx := errgroup.WithContext(context.Background())
	buyerLine := types.CartLine{ItemID: item.ID, Quantity: 2}

	for _, caller := range []string{"alice", "bob"} {
		g.Go(func() error {
			<-start
			r, err := c.PlaceOrder(ctx, request(caller, buyerLine))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, err)
			} else {
				receipts = append(receipts, r)
			}
			return nil
		})
	}
	close(start)
	require.NoError(t, g.Wait())

	require.Len(t, receipts, 1)
	require.Len(t, failures, 1)
	assert.Equal(t, types.Money(1600), receipts[0].TotalAmount)

	var ins *types.InsufficientStockError
	require.True(t, errors.As(failures[0], &ins))
	assert.Equal(t, item.ID, ins.ItemID)
	assert.Equal(t, 2, ins.Requested)
	assert.Contains(t, []int{0, 2}, ins.Available)

	assert.Equal(t, 0, stockOf(t, store, item.ID))
	assert.Equal(t, 1, countOrders(t, store))
}

func TestPlaceOrder_NoOverselling(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	a := seedItem(t, store, "3.00", 7)
	b := seedItem(t, store, "4.00", 5)
	c := New(store, Config{})

	var g errgroup.Group
	var soldA, soldB atomic.Int64
	buyers := 40
	carts := [][]types.CartLine{
		{{ItemID: a.ID, Quantity: 1}},
		{{ItemID: b.ID, Quantity: 2}, {ItemID: a.ID, Quantity: 1}},
		{{ItemID: a.ID, Quantity: 2}, {ItemID: b.ID, Quantity: 1}},
	}

	for i := 0; i < buyers; i++ {
		cart := carts[i%len(carts)]
		g.Go(func() error {
			_, err := c.PlaceOrder(ctx, request("buyer", cart...))
			if err != nil {
				if errors.Is(err, types.ErrInsufficient) {
					return nil
				}
				return err
			}
			for _, line := range cart {
				if line.ItemID == a.ID {
					soldA.Add(int64(line.Quantity))
				} else {
					soldB.Add(int64(line.Quantity))
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.LessOrEqual(t, soldA.Load(), int64(7))
	assert.LessOrEqual(t, soldB.Load(), int64(5))
	assert.Equal(t, 7-int(soldA.Load()), stockOf(t, store, a.ID))
	assert.Equal(t, 5-int(soldB.Load()), stockOf(t, store, b.ID))

	orders, err := store.ListOrdersByCaller(ctx, "buyer")
	require.NoError(t, err)
	ids := make([]int64, 0, len(orders))
	for _, o := range orders {
		ids = append(ids, o.ID)
	}
	lines, err := store.ListOrderLines(ctx, ids)
	require.NoError(t, err)
	var committedA, committedB int64
	for _, l := range lines {
		if l.ItemID == a.ID {
			committedA += int64(l.Quantity)
		} else {
			committedB += int64(l.Quantity)
		}
	}
	assert.Equal(t, soldA.Load(), committedA)
	assert.Equal(t, soldB.Load(), committedB)
}

func TestPlaceOrder_RetriesTransientFailures(t *testing.T) {
	store := setupTestDB(t)
	item := seedItem(t, store, "1.00", 5)
	flaky := &flakyStore{Storage: store, err: driver.ErrBadConn}
	flaky.failures.Store(2)
	c := New(flaky, Config{Retry: fastRetry(3)})

	receipt, err := c.PlaceOrder(context.Background(), request("u1", types.CartLine{ItemID: item.ID, Quantity: 1}))
	require.NoError(t, err)
	assert.Greater(t, receipt.OrderID, int64(0))
	assert.Equal(t, int32(3), flaky.begins.Load())
	assert.Equal(t, 4, stockOf(t, store, item.ID))
}

func TestPlaceOrder_TransientExhausted(t *testing.T) {
	store := setupTestDB(t)
	item := seedItem(t, store, "1.00", 5)
	flaky := &flakyStore{Storage: store, err: driver.ErrBadConn}
	flaky.failures.Store(10)
	c := New(flaky, Config{Retry: fastRetry(3)})

	_, err := c.PlaceOrder(context.Background(), request("u1", types.CartLine{ItemID: item.ID, Quantity: 1}))
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrTransient)

	var transient *types.TransientStoreError
	require.True(t, errors.As(err, &transient))
	assert.Equal(t, 3, transient.Attempts)
	assert.Equal(t, int32(3), flaky.begins.Load())
	assert.Equal(t, 5, stockOf(t, store, item.ID))
}

func TestPlaceOrder_PermanentErrorNotRetried(t *testing.T) {
	store := setupTestDB(t)
	item := seedItem(t, store, "1.00", 5)
	flaky := &flakyStore{Storage: store, err: errors.New("disk image is malformed")}
	flaky.failures.Store(10)
	c := New(flaky, Config{Retry: fastRetry(3)})

	_, err := c.PlaceOrder(context.Background(), request("u1", types.CartLine{ItemID: item.ID, Quantity: 1}))
	require.Error(t, err)
	assert.NotErrorIs(t, err, types.ErrTransient)
	assert.Equal(t, int32(1), flaky.begins.Load())
}

func TestPlaceOrder_LockWaitIsBounded(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	item := seedItem(t, store, "1.00", 5)

	// Hold the only writer connection
	holder, err := store.BeginTx(ctx)
	require.NoError(t, err)

	c := New(store, Config{Retry: fastRetry(2), LockTimeout: 30 * time.Millisecond})
	_, err = c.PlaceOrder(ctx, request("u1", types.CartLine{ItemID: item.ID, Quantity: 1}))
	require.NoError(t, holder.Rollback())

	require.Error(t, err)
	var transient *types.TransientStoreError
	require.True(t, errors.As(err, &transient))
	assert.Equal(t, 2, transient.Attempts)

	// Once the lock is released placement goes through
	_, err = c.PlaceOrder(ctx, request("u1", types.CartLine{ItemID: item.ID, Quantity: 1}))
	require.NoError(t, err)
	assert.Equal(t, 4, stockOf(t, store, item.ID))
}

// openShared opens two handles on one database file, as two processes would
func openShared(t *testing.T) (*storage.SQLiteStorage, *storage.SQLiteStorage) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "orders.db")
	a, err := storage.NewSQLiteStorage(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	b, err := storage.NewSQLiteStorage(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return a, b
}

func TestPlaceOrder_WaitsForOtherWriter(t *testing.T) {
	a, b := openShared(t)
	ctx := context.Background()
	item := seedItem(t, a, "2.00", 5)

	holder, err := b.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, holder.DecrementStock(ctx, item.ID, 1))

	released := make(chan error, 1)
	time.AfterFunc(150*time.Millisecond, func() { released <- holder.Commit() })

	c := New(a, Config{Retry: fastRetry(1), LockTimeout: 5 * time.Second})
	start := time.Now()
	receipt, err := c.PlaceOrder(ctx, request("u1", types.CartLine{ItemID: item.ID, Quantity: 4}))
	elapsed := time.Since(start)

	require.NoError(t, <-released)
	require.NoError(t, err)
	assert.Greater(t, receipt.OrderID, int64(0))
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Equal(t, 0, stockOf(t, a, item.ID))
}

func TestPlaceOrder_OtherWriterBoundedByLockTimeout(t *testing.T) {
	a, b := openShared(t)
	ctx := context.Background()
	item := seedItem(t, a, "2.00", 5)

	holder, err := b.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, holder.DecrementStock(ctx, item.ID, 1))

	c := New(a, Config{Retry: fastRetry(2), LockTimeout: 100 * time.Millisecond})
	start := time.Now()
	_, err = c.PlaceOrder(ctx, request("u1", types.CartLine{ItemID: item.ID, Quantity: 1}))
	elapsed := time.Since(start)
	require.NoError(t, holder.Rollback())

	require.Error(t, err)
	var transient *types.TransientStoreError
	require.True(t, errors.As(err, &transient))
	assert.Equal(t, 2, transient.Attempts)
	// Each attempt waits out its lock timeout instead of failing at once
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
	assert.Less(t, elapsed, 5*time.Second)
	assert.Equal(t, 5, stockOf(t, a, item.ID))
}

func TestPlaceOrder_CancelledAfterTransientFailure(t *testing.T) {
	store := setupTestDB(t)
	item := seedItem(t, store, "1.00", 5)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	flaky := &flakyStore{Storage: store, err: driver.ErrBadConn, onFail: cancel}
	flaky.failures.Store(10)
	c := New(flaky, Config{Retry: fastRetry(3)})

	_, err := c.PlaceOrder(ctx, request("u1", types.CartLine{ItemID: item.ID, Quantity: 1}))
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrTransient)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), flaky.begins.Load())
	assert.Equal(t, 5, stockOf(t, store, item.ID))
}

func TestPlaceOrder_CancelledContext(t *testing.T) {
	store := setupTestDB(t)
	item := seedItem(t, store, "1.00", 5)
	c := New(store, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.PlaceOrder(ctx, request("u1", types.CartLine{ItemID: item.ID, Quantity: 1}))
	require.Error(t, err)
	assert.NotErrorIs(t, err, types.ErrTransient)
	assert.Equal(t, 5, stockOf(t, store, item.ID))
}

func TestPlaceOrder_PublishesAfterCommit(t *testing.T) {
	store := setupTestDB(t)
	item := seedItem(t, store, "2.50", 5)
	pub := &recordingPublisher{}
	c := New(store, Config{Publisher: pub})

	receipt, err := c.PlaceOrder(context.Background(), request("u1", types.CartLine{ItemID: item.ID, Quantity: 2}))
	require.NoError(t, err)

	recorded := pub.recorded()
	require.Len(t, recorded, 1)
	e := recorded[0]
	assert.Equal(t, events.TypeOrderPlaced, e.Type)
	assert.Equal(t, receipt.OrderID, e.OrderID)
	assert.Equal(t, "u1", e.CallerID)
	require.NotNil(t, e.Total)
	assert.Equal(t, types.Money(500), *e.Total)
	require.Len(t, e.Lines, 1)
	assert.Equal(t, types.Money(250), e.Lines[0].UnitPrice)

	// Failed placements publish nothing
	_, err = c.PlaceOrder(context.Background(), request("u1", types.CartLine{ItemID: item.ID, Quantity: 99}))
	require.Error(t, err)
	assert.Len(t, pub.recorded(), 1)
}

func TestPlaceOrder_PublishFailureKeepsOrder(t *testing.T) {
	store := setupTestDB(t)
	item := seedItem(t, store, "2.50", 5)
	c := New(store, Config{Publisher: &recordingPublisher{err: errors.New("broker down")}})

	receipt, err := c.PlaceOrder(context.Background(), request("u1", types.CartLine{ItemID: item.ID, Quantity: 1}))
	require.NoError(t, err)

	_, err = store.GetOrder(context.Background(), receipt.OrderID)
	require.NoError(t, err)
	assert.Equal(t, 4, stockOf(t, store, item.ID))
}

func TestUpdateStatus(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	item := seedItem(t, store, "1.00", 5)
	pub := &recordingPublisher{}
	c := New(store, Config{Publisher: pub})

	receipt, err := c.PlaceOrder(ctx, request("u1", types.CartLine{ItemID: item.ID, Quantity: 1}))
	require.NoError(t, err)

	for _, status := range types.AllStatuses {
		require.NoError(t, c.UpdateStatus(ctx, receipt.OrderID, string(status)))
		order, err := store.GetOrder(ctx, receipt.OrderID)
		require.NoError(t, err)
		assert.Equal(t, status, order.Status)
	}

	recorded := pub.recorded()
	require.Len(t, recorded, 1+len(types.AllStatuses))
	last := recorded[len(recorded)-1]
	assert.Equal(t, events.TypeOrderStatusChanged, last.Type)
	assert.Equal(t, types.StatusCancelled, last.Status)
}

func TestUpdateStatus_InvalidStatus(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	item := seedItem(t, store, "1.00", 5)
	c := New(store, Config{})

	receipt, err := c.PlaceOrder(ctx, request("u1", types.CartLine{ItemID: item.ID, Quantity: 1}))
	require.NoError(t, err)

	err = c.UpdateStatus(ctx, receipt.OrderID, "shipped")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrInvalidStatus)

	var invalid *types.InvalidStatusError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, "shipped", invalid.Status)

	order, err := store.GetOrder(ctx, receipt.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, order.Status)
}

func TestUpdateStatus_UnknownOrder(t *testing.T) {
	store := setupTestDB(t)
	c := New(store, Config{})

	err := c.UpdateStatus(context.Background(), 404, string(types.StatusCompleted))
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestUpdateStatus_RetriesTransient(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	item := seedItem(t, store, "1.00", 5)
	receipt, err := New(store, Config{}).PlaceOrder(ctx, request("u1", types.CartLine{ItemID: item.ID, Quantity: 1}))
	require.NoError(t, err)

	flaky := &flakyStore{Storage: store, err: driver.ErrBadConn}
	flaky.failures.Store(1)
	c := New(flaky, Config{Retry: fastRetry(3)})

	require.NoError(t, c.UpdateStatus(ctx, receipt.OrderID, string(types.StatusProcessing)))
	assert.Equal(t, int32(2), flaky.begins.Load())
}
