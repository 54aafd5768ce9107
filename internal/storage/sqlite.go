package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dshills/bookstore-orders/pkg/types"
)

const (
	// busyTimeout is how long a statement waits for another connection's
	// write lock before failing with SQLITE_BUSY
	busyTimeout = 5 * time.Second

	// maxFileConns bounds the pool for file databases. WAL lets readers run
	// alongside the single writer.
	maxFileConns = 4
)

// SQLiteStorage implements the Storage interface using SQLite
type SQLiteStorage struct {
	db *sql.DB
}

// isMemoryPath reports whether dbPath names a private in-memory database,
// which exists only inside the connection that opened it
func isMemoryPath(dbPath string) bool {
	return dbPath == ":memory:" || strings.Contains(dbPath, "mode=memory")
}

// sqliteDSN appends the driver connection parameters to dbPath
func sqliteDSN(dbPath string) string {
	if strings.Contains(dbPath, "?") {
		return dbPath + "&" + connParams
	}
	return dbPath + "?" + connParams
}

// openDatabase opens a SQLite database with appropriate settings
func openDatabase(dbPath string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, sqliteDSN(dbPath))
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Writers are serialized by the database write lock, taken at BEGIN.
	// An in-memory database must stay on one connection.
	if isMemoryPath(dbPath) {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(maxFileConns)
		db.SetMaxIdleConns(maxFileConns)
	}
	db.SetConnMaxLifetime(0)

	var fk int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to read foreign_keys: %w", err)
	}
	if fk != 1 {
		_ = db.Close()
		return nil, errors.New("failed to enable foreign keys")
	}

	return db, nil
}

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	db, err := openDatabase(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Apply migrations
	if err := ApplyMigrations(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// BeginTx starts a write transaction. The write lock is taken at BEGIN; while
// another connection holds it, BEGIN waits until ctx's deadline (or
// busyTimeout when ctx has none) and then fails with SQLITE_BUSY.
func (s *SQLiteStorage) BeginTx(ctx context.Context) (Tx, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, err
	}

	wait := busyTimeout
	if deadline, ok := ctx.Deadline(); ok {
		wait = min(time.Until(deadline), busyTimeout)
	}
	if wait < busyTimeout {
		if err := setBusyTimeout(ctx, conn, max(wait, time.Millisecond)); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		releaseConn(conn, wait)
		return nil, err
	}
	return &sqliteTx{tx: tx, conn: conn, wait: wait, storage: s}, nil
}

func setBusyTimeout(ctx context.Context, conn *sql.Conn, d time.Duration) error {
	_, err := conn.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", d.Milliseconds()))
	return err
}

// releaseConn restores the default busy timeout on a connection whose timeout
// was shortened for one transaction, then returns it to the pool
func releaseConn(conn *sql.Conn, wait time.Duration) {
	if wait < busyTimeout {
		if err := setBusyTimeout(context.Background(), conn, busyTimeout); err != nil {
			_ = conn.Raw(func(any) error { return driver.ErrBadConn })
		}
	}
	_ = conn.Close()
}

// querier is an interface that both *sql.DB and *sql.Tx implement
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// sqliteTx wraps a SQL transaction on its own pooled connection
type sqliteTx struct {
	tx      *sql.Tx
	conn    *sql.Conn
	wait    time.Duration
	storage *SQLiteStorage
	once    sync.Once
}

func (t *sqliteTx) Commit() error {
	defer t.release()
	return t.tx.Commit()
}

func (t *sqliteTx) Rollback() error {
	defer t.release()
	return t.tx.Rollback()
}

func (t *sqliteTx) release() {
	t.once.Do(func() { releaseConn(t.conn, t.wait) })
}

// querier returns the transaction querier
func (t *sqliteTx) querier() querier {
	return t.tx
}

// querier returns the DB querier
func (s *SQLiteStorage) querier() querier {
	return s.db
}

// placeholders returns "?, ?, ?" for n arguments
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// Item operations

// createItemWithQuerier is the internal implementation that uses a querier
func (s *SQLiteStorage) createItemWithQuerier(ctx context.Context, q querier, item *Item) error {
	now := time.Now().UTC()
	var id interface{}
	if item.ID != 0 {
		id = item.ID
	}
	query := `
		INSERT INTO items (item_id, title, author, genre, cover_url, price_cents, stock_qty, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING item_id
	`
	err := q.QueryRowContext(ctx, query,
		id, item.Title, item.Author, item.Genre, item.CoverURL,
		int64(item.Price), item.Stock, now, now).Scan(&item.ID)
	if err != nil {
		return fmt.Errorf("failed to create item: %w", err)
	}
	item.CreatedAt = now
	item.UpdatedAt = now
	return nil
}

func (s *SQLiteStorage) CreateItem(ctx context.Context, item *Item) error {
	return s.createItemWithQuerier(ctx, s.querier(), item)
}

// getItemWithQuerier is the internal implementation that uses a querier
func (s *SQLiteStorage) getItemWithQuerier(ctx context.Context, q querier, itemID int64) (*Item, error) {
	query := `
		SELECT item_id, title, author, genre, cover_url, price_cents, stock_qty, created_at, updated_at
		FROM items
		WHERE item_id = ?
	`
	item, err := scanItem(q.QueryRowContext(ctx, query, itemID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

func (s *SQLiteStorage) GetItem(ctx context.Context, itemID int64) (*Item, error) {
	return s.getItemWithQuerier(ctx, s.querier(), itemID)
}

// updateItemWithQuerier is the internal implementation that uses a querier
func (s *SQLiteStorage) updateItemWithQuerier(ctx context.Context, q querier, item *Item) error {
	query := `
		UPDATE items
		SET title = ?, author = ?, genre = ?, cover_url = ?, price_cents = ?, stock_qty = ?, updated_at = ?
		WHERE item_id = ?
	`
	now := time.Now().UTC()
	result, err := q.ExecContext(ctx, query,
		item.Title, item.Author, item.Genre, item.CoverURL,
		int64(item.Price), item.Stock, now, item.ID)
	if err != nil {
		return fmt.Errorf("failed to update item: %w", err)
	}
	if err := requireAffected(result); err != nil {
		return err
	}
	item.UpdatedAt = now
	return nil
}

func (s *SQLiteStorage) UpdateItem(ctx context.Context, item *Item) error {
	return s.updateItemWithQuerier(ctx, s.querier(), item)
}

// deleteItemWithQuerier is the internal implementation that uses a querier
func (s *SQLiteStorage) deleteItemWithQuerier(ctx context.Context, q querier, itemID int64) error {
	result, err := q.ExecContext(ctx, `DELETE FROM items WHERE item_id = ?`, itemID)
	if err != nil {
		return fmt.Errorf("failed to delete item: %w", err)
	}
	return requireAffected(result)
}

func (s *SQLiteStorage) DeleteItem(ctx context.Context, itemID int64) error {
	return s.deleteItemWithQuerier(ctx, s.querier(), itemID)
}

// lockItemsWithQuerier reads items in ascending id order. A SQLite
// transaction holds the database write lock from BEGIN, so no other writer
// can interleave and the rows stay as read until commit.
func (s *SQLiteStorage) lockItemsWithQuerier(ctx context.Context, q querier, itemIDs []int64) ([]*Item, error) {
	if err := checkSorted(itemIDs); err != nil {
		return nil, err
	}
	if len(itemIDs) == 0 {
		return []*Item{}, nil
	}

	query := `
		SELECT item_id, title, author, genre, cover_url, price_cents, stock_qty, created_at, updated_at
		FROM items
		WHERE item_id IN (` + placeholders(len(itemIDs)) + `)
		ORDER BY item_id
	`
	args := make([]interface{}, len(itemIDs))
	for i, id := range itemIDs {
		args[i] = id
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to lock items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	items := make([]*Item, 0, len(itemIDs))
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *SQLiteStorage) LockItems(ctx context.Context, itemIDs []int64) ([]*Item, error) {
	return s.lockItemsWithQuerier(ctx, s.querier(), itemIDs)
}

// decrementStockWithQuerier is the internal implementation that uses a querier
func (s *SQLiteStorage) decrementStockWithQuerier(ctx context.Context, q querier, itemID int64, quantity int) error {
	query := `
		UPDATE items
		SET stock_qty = stock_qty - ?, updated_at = ?
		WHERE item_id = ? AND stock_qty >= ?
	`
	result, err := q.ExecContext(ctx, query, quantity, time.Now().UTC(), itemID, quantity)
	if err != nil {
		return fmt.Errorf("failed to decrement stock: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrStockConflict
	}
	return nil
}

func (s *SQLiteStorage) DecrementStock(ctx context.Context, itemID int64, quantity int) error {
	return s.decrementStockWithQuerier(ctx, s.querier(), itemID, quantity)
}

// Order operations

// createOrderWithQuerier is the internal implementation that uses a querier
func (s *SQLiteStorage) createOrderWithQuerier(ctx context.Context, q querier, order *Order) error {
	query := `
		INSERT INTO orders (caller_id, total_cents, shipping_address, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	now := time.Now().UTC()
	if order.Status == "" {
		order.Status = types.StatusPending
	}
	result, err := q.ExecContext(ctx, query,
		order.CallerID, int64(order.Total), order.ShippingAddress, string(order.Status), now, now)
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	order.ID = id
	order.CreatedAt = now
	order.UpdatedAt = now
	return nil
}

func (s *SQLiteStorage) CreateOrder(ctx context.Context, order *Order) error {
	return s.createOrderWithQuerier(ctx, s.querier(), order)
}

// createOrderLineWithQuerier is the internal implementation that uses a querier
func (s *SQLiteStorage) createOrderLineWithQuerier(ctx context.Context, q querier, line *OrderLine) error {
	query := `
		INSERT INTO order_lines (order_id, item_id, quantity, unit_price_cents)
		VALUES (?, ?, ?, ?)
	`
	result, err := q.ExecContext(ctx, query, line.OrderID, line.ItemID, line.Quantity, int64(line.UnitPrice))
	if err != nil {
		return fmt.Errorf("failed to create order line: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	line.ID = id
	return nil
}

func (s *SQLiteStorage) CreateOrderLine(ctx context.Context, line *OrderLine) error {
	return s.createOrderLineWithQuerier(ctx, s.querier(), line)
}

// getOrderWithQuerier is the internal implementation that uses a querier
func (s *SQLiteStorage) getOrderWithQuerier(ctx context.Context, q querier, orderID int64) (*Order, error) {
	query := `
		SELECT order_id, caller_id, total_cents, shipping_address, status, created_at, updated_at
		FROM orders
		WHERE order_id = ?
	`
	order, err := scanOrder(q.QueryRowContext(ctx, query, orderID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return order, nil
}

func (s *SQLiteStorage) GetOrder(ctx context.Context, orderID int64) (*Order, error) {
	return s.getOrderWithQuerier(ctx, s.querier(), orderID)
}

// listOrdersByCallerWithQuerier is the internal implementation that uses a querier
func (s *SQLiteStorage) listOrdersByCallerWithQuerier(ctx context.Context, q querier, callerID string) ([]*Order, error) {
	query := `
		SELECT order_id, caller_id, total_cents, shipping_address, status, created_at, updated_at
		FROM orders
		WHERE caller_id = ?
		ORDER BY created_at DESC, order_id DESC
	`
	rows, err := q.QueryContext(ctx, query, callerID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	orders := make([]*Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

func (s *SQLiteStorage) ListOrdersByCaller(ctx context.Context, callerID string) ([]*Order, error) {
	return s.listOrdersByCallerWithQuerier(ctx, s.querier(), callerID)
}

// listOrderLinesWithQuerier loads the lines of several orders in one query,
// left-joined with the items' current descriptive fields
func (s *SQLiteStorage) listOrderLinesWithQuerier(ctx context.Context, q querier, orderIDs []int64) ([]*OrderLineDetail, error) {
	if len(orderIDs) == 0 {
		return []*OrderLineDetail{}, nil
	}

	query := `
		SELECT ol.line_id, ol.order_id, ol.item_id, ol.quantity, ol.unit_price_cents,
		       COALESCE(i.title, ''), COALESCE(i.author, ''), COALESCE(i.cover_url, '')
		FROM order_lines ol
		LEFT JOIN items i ON i.item_id = ol.item_id
		WHERE ol.order_id IN (` + placeholders(len(orderIDs)) + `)
		ORDER BY ol.order_id, ol.line_id
	`
	args := make([]interface{}, len(orderIDs))
	for i, id := range orderIDs {
		args[i] = id
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	lines := make([]*OrderLineDetail, 0)
	for rows.Next() {
		var line OrderLineDetail
		var unitPrice int64
		err := rows.Scan(
			&line.ID, &line.OrderID, &line.ItemID, &line.Quantity, &unitPrice,
			&line.Title, &line.Author, &line.CoverURL,
		)
		if err != nil {
			return nil, err
		}
		line.UnitPrice = types.Money(unitPrice)
		lines = append(lines, &line)
	}
	return lines, rows.Err()
}

func (s *SQLiteStorage) ListOrderLines(ctx context.Context, orderIDs []int64) ([]*OrderLineDetail, error) {
	return s.listOrderLinesWithQuerier(ctx, s.querier(), orderIDs)
}

// updateOrderStatusWithQuerier is the internal implementation that uses a querier
func (s *SQLiteStorage) updateOrderStatusWithQuerier(ctx context.Context, q querier, orderID int64, status types.OrderStatus) error {
	query := `UPDATE orders SET status = ?, updated_at = ? WHERE order_id = ?`
	result, err := q.ExecContext(ctx, query, string(status), time.Now().UTC(), orderID)
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	return requireAffected(result)
}

func (s *SQLiteStorage) UpdateOrderStatus(ctx context.Context, orderID int64, status types.OrderStatus) error {
	return s.updateOrderStatusWithQuerier(ctx, s.querier(), orderID, status)
}

// Status operations

// getStatusWithQuerier is the internal implementation that uses a querier
func (s *SQLiteStorage) getStatusWithQuerier(ctx context.Context, q querier) (*StoreStatus, error) {
	status := &StoreStatus{
		OrdersByStatus: make(map[types.OrderStatus]int),
	}

	// Count items and units on hand
	err := q.QueryRowContext(ctx, "SELECT COUNT(*), COALESCE(SUM(stock_qty), 0) FROM items").
		Scan(&status.ItemsCount, &status.UnitsInStock)
	if err != nil {
		return nil, err
	}

	// Count orders per status
	rows, err := q.QueryContext(ctx, "SELECT status, COUNT(*) FROM orders GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		status.OrdersByStatus[types.OrderStatus(st)] = n
		status.OrdersCount += n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Count order lines
	err = q.QueryRowContext(ctx, "SELECT COUNT(*) FROM order_lines").Scan(&status.OrderLinesCount)
	if err != nil {
		return nil, err
	}

	// Calculate database size
	var pageCount, pageSize int
	err = q.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount)
	if err == nil {
		err = q.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize)
		if err == nil {
			status.DatabaseSizeMB = float64(pageCount*pageSize) / (1024 * 1024)
		}
	}

	status.Health.DatabaseAccessible = true
	status.Health.SchemaVersion = CurrentSchemaVersion
	return status, nil
}

func (s *SQLiteStorage) GetStatus(ctx context.Context) (*StoreStatus, error) {
	return s.getStatusWithQuerier(ctx, s.querier())
}

// Scanning helpers

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(row rowScanner) (*Item, error) {
	var item Item
	var price int64
	err := row.Scan(
		&item.ID, &item.Title, &item.Author, &item.Genre, &item.CoverURL,
		&price, &item.Stock, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	item.Price = types.Money(price)
	item.CreatedAt = item.CreatedAt.UTC()
	item.UpdatedAt = item.UpdatedAt.UTC()
	return &item, nil
}

func scanOrder(row rowScanner) (*Order, error) {
	var order Order
	var total int64
	var status string
	err := row.Scan(
		&order.ID, &order.CallerID, &total, &order.ShippingAddress,
		&status, &order.CreatedAt, &order.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	order.Total = types.Money(total)
	order.Status = types.OrderStatus(status)
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	return &order, nil
}

// requireAffected maps a zero-row write to ErrNotFound
func requireAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// checkSorted enforces the deterministic lock order
func checkSorted(ids []int64) error {
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			return fmt.Errorf("%w: %d after %d", ErrNotSorted, ids[i], ids[i-1])
		}
	}
	return nil
}

// Transaction operations delegate to the shared implementations

func (t *sqliteTx) CreateItem(ctx context.Context, item *Item) error {
	return t.storage.createItemWithQuerier(ctx, t.querier(), item)
}

func (t *sqliteTx) GetItem(ctx context.Context, itemID int64) (*Item, error) {
	return t.storage.getItemWithQuerier(ctx, t.querier(), itemID)
}

func (t *sqliteTx) UpdateItem(ctx context.Context, item *Item) error {
	return t.storage.updateItemWithQuerier(ctx, t.querier(), item)
}

func (t *sqliteTx) DeleteItem(ctx context.Context, itemID int64) error {
	return t.storage.deleteItemWithQuerier(ctx, t.querier(), itemID)
}

func (t *sqliteTx) LockItems(ctx context.Context, itemIDs []int64) ([]*Item, error) {
	return t.storage.lockItemsWithQuerier(ctx, t.querier(), itemIDs)
}

func (t *sqliteTx) DecrementStock(ctx context.Context, itemID int64, quantity int) error {
	return t.storage.decrementStockWithQuerier(ctx, t.querier(), itemID, quantity)
}

func (t *sqliteTx) CreateOrder(ctx context.Context, order *Order) error {
	return t.storage.createOrderWithQuerier(ctx, t.querier(), order)
}

func (t *sqliteTx) CreateOrderLine(ctx context.Context, line *OrderLine) error {
	return t.storage.createOrderLineWithQuerier(ctx, t.querier(), line)
}

func (t *sqliteTx) GetOrder(ctx context.Context, orderID int64) (*Order, error) {
	return t.storage.getOrderWithQuerier(ctx, t.querier(), orderID)
}

func (t *sqliteTx) ListOrdersByCaller(ctx context.Context, callerID string) ([]*Order, error) {
	return t.storage.listOrdersByCallerWithQuerier(ctx, t.querier(), callerID)
}

func (t *sqliteTx) ListOrderLines(ctx context.Context, orderIDs []int64) ([]*OrderLineDetail, error) {
	return t.storage.listOrderLinesWithQuerier(ctx, t.querier(), orderIDs)
}

func (t *sqliteTx) UpdateOrderStatus(ctx context.Context, orderID int64, status types.OrderStatus) error {
	return t.storage.updateOrderStatusWithQuerier(ctx, t.querier(), orderID, status)
}

func (t *sqliteTx) GetStatus(ctx context.Context) (*StoreStatus, error) {
	return t.storage.getStatusWithQuerier(ctx, t.querier())
}

func (t *sqliteTx) Close() error {
	// Transactions don't close the underlying connection
	return nil
}

func (t *sqliteTx) BeginTx(ctx context.Context) (Tx, error) {
	// SQLite does not support true nested transactions
	return nil, errors.New("nested transactions not supported")
}
