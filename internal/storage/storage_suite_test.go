package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/suite"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/bookstore-orders/pkg/types"
)

// StorageTestSuite runs the same behavioral checks against every backend
type StorageTestSuite struct {
	suite.Suite
	open  func() (Storage, error)
	reset func(Storage) error
	store Storage
	ctx   context.Context
}

// SetupTest runs before each test
func (s *StorageTestSuite) SetupTest() {
	s.ctx = context.Background()
	store, err := s.open()
	s.Require().NoError(err)
	s.store = store
	if s.reset != nil {
		s.Require().NoError(s.reset(store))
	}
}

// TearDownTest runs after each test
func (s *StorageTestSuite) TearDownTest() {
	if s.store != nil {
		_ = s.store.Close()
	}
}

func (s *StorageTestSuite) seedItem(title string, price types.Money, stock int) *Item {
	item := &Item{Title: title, Author: "Author of " + title, CoverURL: "/covers/" + title, Price: price, Stock: stock}
	s.Require().NoError(s.store.CreateItem(s.ctx, item))
	return item
}

func (s *StorageTestSuite) TestItemCRUD() {
	item := s.seedItem("dune", 1299, 4)
	s.Greater(item.ID, int64(0))

	got, err := s.store.GetItem(s.ctx, item.ID)
	s.Require().NoError(err)
	s.Equal("dune", got.Title)
	s.Equal(types.Money(1299), got.Price)
	s.Equal(4, got.Stock)

	got.Price = 1499
	got.Stock = 9
	s.Require().NoError(s.store.UpdateItem(s.ctx, got))

	again, err := s.store.GetItem(s.ctx, item.ID)
	s.Require().NoError(err)
	s.Equal(types.Money(1499), again.Price)
	s.Equal(9, again.Stock)

	s.Require().NoError(s.store.DeleteItem(s.ctx, item.ID))
	_, err = s.store.GetItem(s.ctx, item.ID)
	s.ErrorIs(err, ErrNotFound)
	s.ErrorIs(s.store.DeleteItem(s.ctx, item.ID), ErrNotFound)
}

func (s *StorageTestSuite) TestCreateItemExplicitID() {
	item := &Item{ID: 42, Title: "fixed", Price: 100, Stock: 1}
	s.Require().NoError(s.store.CreateItem(s.ctx, item))
	s.Equal(int64(42), item.ID)

	next := s.seedItem("next", 100, 1)
	s.Greater(next.ID, int64(42))
}

func (s *StorageTestSuite) TestLockItems() {
	a := s.seedItem("a", 100, 1)
	b := s.seedItem("b", 200, 2)

	tx, err := s.store.BeginTx(s.ctx)
	s.Require().NoError(err)
	defer func() { _ = tx.Rollback() }()

	items, err := tx.LockItems(s.ctx, []int64{a.ID, b.ID, b.ID + 1000})
	s.Require().NoError(err)
	s.Require().Len(items, 2)
	s.Equal(a.ID, items[0].ID)
	s.Equal(b.ID, items[1].ID)

	_, err = tx.LockItems(s.ctx, []int64{b.ID, a.ID})
	s.ErrorIs(err, ErrNotSorted)

	_, err = tx.LockItems(s.ctx, []int64{a.ID, a.ID})
	s.ErrorIs(err, ErrNotSorted)

	empty, err := tx.LockItems(s.ctx, nil)
	s.Require().NoError(err)
	s.Empty(empty)
}

func (s *StorageTestSuite) TestDecrementStock() {
	item := s.seedItem("stocked", 500, 3)

	s.Require().NoError(s.store.DecrementStock(s.ctx, item.ID, 2))
	s.ErrorIs(s.store.DecrementStock(s.ctx, item.ID, 2), ErrStockConflict)
	s.Require().NoError(s.store.DecrementStock(s.ctx, item.ID, 1))
	s.ErrorIs(s.store.DecrementStock(s.ctx, item.ID+1000, 1), ErrStockConflict)

	got, err := s.store.GetItem(s.ctx, item.ID)
	s.Require().NoError(err)
	s.Equal(0, got.Stock)
}

func (s *StorageTestSuite) TestRollbackDiscardsWrites() {
	item := s.seedItem("rollback", 100, 5)

	tx, err := s.store.BeginTx(s.ctx)
	s.Require().NoError(err)
	s.Require().NoError(tx.DecrementStock(s.ctx, item.ID, 5))
	order := &Order{CallerID: "u1", Total: 500, ShippingAddress: "1 Main St"}
	s.Require().NoError(tx.CreateOrder(s.ctx, order))
	s.Require().NoError(tx.Rollback())

	got, err := s.store.GetItem(s.ctx, item.ID)
	s.Require().NoError(err)
	s.Equal(5, got.Stock)

	_, err = s.store.GetOrder(s.ctx, order.ID)
	s.ErrorIs(err, ErrNotFound)
}

func (s *StorageTestSuite) TestOrderLifecycle() {
	item := s.seedItem("tolkien", 1000, 10)

	tx, err := s.store.BeginTx(s.ctx)
	s.Require().NoError(err)
	order := &Order{CallerID: "u1", Total: 3000, ShippingAddress: "1 Main St"}
	s.Require().NoError(tx.CreateOrder(s.ctx, order))
	line := &OrderLine{OrderID: order.ID, ItemID: item.ID, Quantity: 3, UnitPrice: 1000}
	s.Require().NoError(tx.CreateOrderLine(s.ctx, line))
	s.Require().NoError(tx.Commit())

	s.Greater(order.ID, int64(0))
	s.Greater(line.ID, int64(0))
	s.Equal(types.StatusPending, order.Status)

	got, err := s.store.GetOrder(s.ctx, order.ID)
	s.Require().NoError(err)
	s.Equal("u1", got.CallerID)
	s.Equal(types.Money(3000), got.Total)
	s.Equal(types.StatusPending, got.Status)

	s.Require().NoError(s.store.UpdateOrderStatus(s.ctx, order.ID, types.StatusCompleted))
	got, err = s.store.GetOrder(s.ctx, order.ID)
	s.Require().NoError(err)
	s.Equal(types.StatusCompleted, got.Status)

	s.ErrorIs(s.store.UpdateOrderStatus(s.ctx, order.ID+1000, types.StatusCompleted), ErrNotFound)
	_, err = s.store.GetOrder(s.ctx, order.ID+1000)
	s.ErrorIs(err, ErrNotFound)
}

func (s *StorageTestSuite) TestListOrdersByCallerNewestFirst() {
	var ids []int64
	for i := 0; i < 3; i++ {
		order := &Order{CallerID: "u1", Total: 100, ShippingAddress: "addr"}
		s.Require().NoError(s.store.CreateOrder(s.ctx, order))
		ids = append(ids, order.ID)
	}
	s.Require().NoError(s.store.CreateOrder(s.ctx, &Order{CallerID: "u2", Total: 100, ShippingAddress: "addr"}))

	orders, err := s.store.ListOrdersByCaller(s.ctx, "u1")
	s.Require().NoError(err)
	s.Require().Len(orders, 3)
	s.Equal(ids[2], orders[0].ID)
	s.Equal(ids[1], orders[1].ID)
	s.Equal(ids[0], orders[2].ID)

	none, err := s.store.ListOrdersByCaller(s.ctx, "nobody")
	s.Require().NoError(err)
	s.NotNil(none)
	s.Empty(none)
}

func (s *StorageTestSuite) TestListOrderLinesJoinsCurrentItem() {
	kept := s.seedItem("kept", 700, 5)
	gone := s.seedItem("gone", 300, 5)

	order := &Order{CallerID: "u1", Total: 1000, ShippingAddress: "addr"}
	s.Require().NoError(s.store.CreateOrder(s.ctx, order))
	s.Require().NoError(s.store.CreateOrderLine(s.ctx, &OrderLine{OrderID: order.ID, ItemID: kept.ID, Quantity: 1, UnitPrice: 700}))
	s.Require().NoError(s.store.CreateOrderLine(s.ctx, &OrderLine{OrderID: order.ID, ItemID: gone.ID, Quantity: 1, UnitPrice: 300}))

	// Rename one item and delete the other after the order was placed
	kept.Title = "kept, second edition"
	kept.Price = 9999
	s.Require().NoError(s.store.UpdateItem(s.ctx, kept))
	s.Require().NoError(s.store.DeleteItem(s.ctx, gone.ID))

	lines, err := s.store.ListOrderLines(s.ctx, []int64{order.ID})
	s.Require().NoError(err)
	s.Require().Len(lines, 2)

	s.Equal("kept, second edition", lines[0].Title)
	s.Equal(types.Money(700), lines[0].UnitPrice)
	s.Equal("", lines[1].Title)
	s.Equal("", lines[1].Author)
	s.Equal(types.Money(300), lines[1].UnitPrice)

	empty, err := s.store.ListOrderLines(s.ctx, nil)
	s.Require().NoError(err)
	s.Empty(empty)
}

func (s *StorageTestSuite) TestGetStatus() {
	s.seedItem("a", 100, 2)
	s.seedItem("b", 100, 3)
	order := &Order{CallerID: "u1", Total: 100, ShippingAddress: "addr"}
	s.Require().NoError(s.store.CreateOrder(s.ctx, order))

	status, err := s.store.GetStatus(s.ctx)
	s.Require().NoError(err)
	s.Equal(2, status.ItemsCount)
	s.Equal(int64(5), status.UnitsInStock)
	s.Equal(1, status.OrdersCount)
	s.Equal(1, status.OrdersByStatus[types.StatusPending])
	s.True(status.Health.DatabaseAccessible)
	s.Equal(CurrentSchemaVersion, status.Health.SchemaVersion)
}

func (s *StorageTestSuite) TestNestedTxRejected() {
	tx, err := s.store.BeginTx(s.ctx)
	s.Require().NoError(err)
	defer func() { _ = tx.Rollback() }()

	_, err = tx.BeginTx(s.ctx)
	s.Error(err)
}

// buy runs one locked purchase: lock the cart's items in ascending order,
// check stock, decrement and record the order. It reports false when stock
// ran short.
func (s *StorageTestSuite) buy(caller string, cart map[int64]int) (bool, error) {
	ids := make([]int64, 0, len(cart))
	for id := range cart {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	tx, err := s.store.BeginTx(s.ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	items, err := tx.LockItems(s.ctx, ids)
	if err != nil {
		return false, err
	}
	var total types.Money
	prices := make(map[int64]types.Money, len(items))
	for _, item := range items {
		if item.Stock < cart[item.ID] {
			return false, nil
		}
		prices[item.ID] = item.Price
		total += item.Price * types.Money(cart[item.ID])
	}
	for _, id := range ids {
		if err := tx.DecrementStock(s.ctx, id, cart[id]); err != nil {
			return false, err
		}
	}
	order := &Order{CallerID: caller, Total: total, ShippingAddress: "addr"}
	if err := tx.CreateOrder(s.ctx, order); err != nil {
		return false, err
	}
	for _, id := range ids {
		line := &OrderLine{OrderID: order.ID, ItemID: id, Quantity: cart[id], UnitPrice: prices[id]}
		if err := tx.CreateOrderLine(s.ctx, line); err != nil {
			return false, err
		}
	}
	return true, tx.Commit()
}

func (s *StorageTestSuite) TestTwoBuyersLastUnits() {
	item := s.seedItem("last", 800, 2)

	var won atomic.Int32
	start := make(chan struct{})
	var g errgroup.Group
	for _, caller := range []string{"alice", "bob"} {
		g.Go(func() error {
			<-start
			ok, err := s.buy(caller, map[int64]int{item.ID: 2})
			if ok {
				won.Add(1)
			}
			return err
		})
	}
	close(start)
	s.Require().NoError(g.Wait())

	s.Equal(int32(1), won.Load())
	got, err := s.store.GetItem(s.ctx, item.ID)
	s.Require().NoError(err)
	s.Equal(0, got.Stock)

	status, err := s.store.GetStatus(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, status.OrdersCount)
}

func (s *StorageTestSuite) TestConcurrentBuyersNeverOversell() {
	a := s.seedItem("a", 300, 7)
	b := s.seedItem("b", 400, 5)
	carts := []map[int64]int{
		{a.ID: 1},
		{a.ID: 1, b.ID: 2},
		{a.ID: 2, b.ID: 1},
	}

	var soldA, soldB atomic.Int64
	var g errgroup.Group
	for i := 0; i < 30; i++ {
		cart := carts[i%len(carts)]
		g.Go(func() error {
			ok, err := s.buy("buyer", cart)
			if ok {
				soldA.Add(int64(cart[a.ID]))
				soldB.Add(int64(cart[b.ID]))
			}
			return err
		})
	}
	s.Require().NoError(g.Wait())

	s.LessOrEqual(soldA.Load(), int64(7))
	s.LessOrEqual(soldB.Load(), int64(5))

	gotA, err := s.store.GetItem(s.ctx, a.ID)
	s.Require().NoError(err)
	gotB, err := s.store.GetItem(s.ctx, b.ID)
	s.Require().NoError(err)
	s.Equal(7-int(soldA.Load()), gotA.Stock)
	s.Equal(5-int(soldB.Load()), gotB.Stock)
}

func (s *StorageTestSuite) TestIsTransient() {
	s.False(IsTransient(nil))
	s.False(IsTransient(ErrNotFound))
	s.False(IsTransient(errors.New("boom")))
}

func TestSQLiteStorageSuite(t *testing.T) {
	suite.Run(t, &StorageTestSuite{
		open: func() (Storage, error) { return NewSQLiteStorage(":memory:") },
	})
}

func TestSQLiteFileStorageSuite(t *testing.T) {
	suite.Run(t, &StorageTestSuite{
		open: func() (Storage, error) {
			return NewSQLiteStorage(filepath.Join(t.TempDir(), "orders.db"))
		},
	})
}

func TestPostgresStorageSuite(t *testing.T) {
	url := os.Getenv("ORDERS_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("ORDERS_TEST_POSTGRES_URL not set")
	}
	suite.Run(t, &StorageTestSuite{
		open: func() (Storage, error) {
			return NewPostgresStorage(context.Background(), url, DefaultPostgresOptions())
		},
		reset: func(store Storage) error {
			pg := store.(*PostgresStorage)
			_, err := pg.pool.Exec(context.Background(),
				"TRUNCATE order_lines, orders, items RESTART IDENTITY")
			return err
		},
	})
}
