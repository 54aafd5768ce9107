package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dshills/bookstore-orders/pkg/types"
)

// Postgres SQLSTATEs that mean "run the whole transaction again"
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
)

// PostgresOptions tunes the connection pool and lock waits
type PostgresOptions struct {
	MaxConns    int32
	MinConns    int32
	LockTimeout time.Duration
}

// DefaultPostgresOptions returns the pool settings used by orderd
func DefaultPostgresOptions() PostgresOptions {
	return PostgresOptions{
		MaxConns:    25,
		MinConns:    5,
		LockTimeout: 5 * time.Second,
	}
}

// PostgresStorage implements the Storage interface on PostgreSQL. Item rows
// are locked with SELECT ... FOR UPDATE so placements on disjoint items run
// in parallel.
type PostgresStorage struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewPostgresStorage connects, pings and migrates a PostgreSQL database
func NewPostgresStorage(ctx context.Context, connString string, opts PostgresOptions) (*PostgresStorage, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if opts.MaxConns > 0 {
		config.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		config.MinConns = opts.MinConns
	}
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := ApplyPostgresMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return &PostgresStorage{pool: pool, lockTimeout: opts.LockTimeout}, nil
}

// Close closes the pool
func (s *PostgresStorage) Close() error {
	s.pool.Close()
	return nil
}

// BeginTx starts a READ COMMITTED transaction with a bounded lock wait
func (s *PostgresStorage) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, err
	}
	if s.lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = %d", s.lockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, stmt); err != nil {
			_ = tx.Rollback(context.Background())
			return nil, fmt.Errorf("failed to set lock timeout: %w", err)
		}
	}
	return &pgTx{tx: tx, ctx: ctx, storage: s}, nil
}

// pgQuerier is implemented by both *pgxpool.Pool and pgx.Tx
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// pgTx wraps a pgx transaction
type pgTx struct {
	tx      pgx.Tx
	ctx     context.Context
	storage *PostgresStorage
}

func (t *pgTx) Commit() error {
	return t.tx.Commit(t.ctx)
}

func (t *pgTx) Rollback() error {
	return t.tx.Rollback(context.Background())
}

// isPostgresTransient reports lock, deadlock and serialization failures and
// errors pgx marks as safe to retry
func isPostgresTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
			return true
		}
		return false
	}
	return pgconn.SafeToRetry(err) || pgconn.Timeout(err)
}

// Item operations

func (s *PostgresStorage) createItemWithQuerier(ctx context.Context, q pgQuerier, item *Item) error {
	now := time.Now().UTC()
	if item.ID != 0 {
		query := `
			INSERT INTO items (item_id, title, author, genre, cover_url, price_cents, stock_qty, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`
		_, err := q.Exec(ctx, query, item.ID, item.Title, item.Author, item.Genre, item.CoverURL,
			int64(item.Price), item.Stock, now, now)
		if err != nil {
			return fmt.Errorf("failed to create item: %w", err)
		}
		// Keep the identity sequence ahead of explicit ids
		_, err = q.Exec(ctx, `SELECT setval(pg_get_serial_sequence('items', 'item_id'), (SELECT MAX(item_id) FROM items))`)
		if err != nil {
			return fmt.Errorf("failed to advance item sequence: %w", err)
		}
	} else {
		query := `
			INSERT INTO items (title, author, genre, cover_url, price_cents, stock_qty, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING item_id
		`
		err := q.QueryRow(ctx, query, item.Title, item.Author, item.Genre, item.CoverURL,
			int64(item.Price), item.Stock, now, now).Scan(&item.ID)
		if err != nil {
			return fmt.Errorf("failed to create item: %w", err)
		}
	}
	item.CreatedAt = now
	item.UpdatedAt = now
	return nil
}

func (s *PostgresStorage) CreateItem(ctx context.Context, item *Item) error {
	return s.createItemWithQuerier(ctx, s.pool, item)
}

func (s *PostgresStorage) getItemWithQuerier(ctx context.Context, q pgQuerier, itemID int64) (*Item, error) {
	query := `
		SELECT item_id, title, author, genre, cover_url, price_cents, stock_qty, created_at, updated_at
		FROM items
		WHERE item_id = $1
	`
	item, err := scanItem(q.QueryRow(ctx, query, itemID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

func (s *PostgresStorage) GetItem(ctx context.Context, itemID int64) (*Item, error) {
	return s.getItemWithQuerier(ctx, s.pool, itemID)
}

func (s *PostgresStorage) updateItemWithQuerier(ctx context.Context, q pgQuerier, item *Item) error {
	query := `
		UPDATE items
		SET title = $1, author = $2, genre = $3, cover_url = $4, price_cents = $5, stock_qty = $6, updated_at = $7
		WHERE item_id = $8
	`
	now := time.Now().UTC()
	tag, err := q.Exec(ctx, query, item.Title, item.Author, item.Genre, item.CoverURL,
		int64(item.Price), item.Stock, now, item.ID)
	if err != nil {
		return fmt.Errorf("failed to update item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	item.UpdatedAt = now
	return nil
}

func (s *PostgresStorage) UpdateItem(ctx context.Context, item *Item) error {
	return s.updateItemWithQuerier(ctx, s.pool, item)
}

func (s *PostgresStorage) deleteItemWithQuerier(ctx context.Context, q pgQuerier, itemID int64) error {
	tag, err := q.Exec(ctx, `DELETE FROM items WHERE item_id = $1`, itemID)
	if err != nil {
		return fmt.Errorf("failed to delete item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStorage) DeleteItem(ctx context.Context, itemID int64) error {
	return s.deleteItemWithQuerier(ctx, s.pool, itemID)
}

// lockItemsWithQuerier takes row locks in ascending id order
func (s *PostgresStorage) lockItemsWithQuerier(ctx context.Context, q pgQuerier, itemIDs []int64) ([]*Item, error) {
	if err := checkSorted(itemIDs); err != nil {
		return nil, err
	}
	if len(itemIDs) == 0 {
		return []*Item{}, nil
	}

	query := `
		SELECT item_id, title, author, genre, cover_url, price_cents, stock_qty, created_at, updated_at
		FROM items
		WHERE item_id = ANY($1)
		ORDER BY item_id
		FOR UPDATE
	`
	rows, err := q.Query(ctx, query, itemIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to lock items: %w", err)
	}
	defer rows.Close()

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

func (s *PostgresStorage) LockItems(ctx context.Context, itemIDs []int64) ([]*Item, error) {
	return s.lockItemsWithQuerier(ctx, s.pool, itemIDs)
}

func (s *PostgresStorage) decrementStockWithQuerier(ctx context.Context, q pgQuerier, itemID int64, quantity int) error {
	query := `
		UPDATE items
		SET stock_qty = stock_qty - $1, updated_at = $2
		WHERE item_id = $3 AND stock_qty >= $1
	`
	tag, err := q.Exec(ctx, query, quantity, time.Now().UTC(), itemID)
	if err != nil {
		return fmt.Errorf("failed to decrement stock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStockConflict
	}
	return nil
}

func (s *PostgresStorage) DecrementStock(ctx context.Context, itemID int64, quantity int) error {
	return s.decrementStockWithQuerier(ctx, s.pool, itemID, quantity)
}

// Order operations

func (s *PostgresStorage) createOrderWithQuerier(ctx context.Context, q pgQuerier, order *Order) error {
	query := `
		INSERT INTO orders (caller_id, total_cents, shipping_address, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING order_id
	`
	now := time.Now().UTC()
	if order.Status == "" {
		order.Status = types.StatusPending
	}
	err := q.QueryRow(ctx, query, order.CallerID, int64(order.Total), order.ShippingAddress,
		string(order.Status), now, now).Scan(&order.ID)
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	order.CreatedAt = now
	order.UpdatedAt = now
	return nil
}

func (s *PostgresStorage) CreateOrder(ctx context.Context, order *Order) error {
	return s.createOrderWithQuerier(ctx, s.pool, order)
}

func (s *PostgresStorage) createOrderLineWithQuerier(ctx context.Context, q pgQuerier, line *OrderLine) error {
	query := `
		INSERT INTO order_lines (order_id, item_id, quantity, unit_price_cents)
		VALUES ($1, $2, $3, $4)
		RETURNING line_id
	`
	err := q.QueryRow(ctx, query, line.OrderID, line.ItemID, line.Quantity, int64(line.UnitPrice)).Scan(&line.ID)
	if err != nil {
		return fmt.Errorf("failed to create order line: %w", err)
	}
	return nil
}

func (s *PostgresStorage) CreateOrderLine(ctx context.Context, line *OrderLine) error {
	return s.createOrderLineWithQuerier(ctx, s.pool, line)
}

func (s *PostgresStorage) getOrderWithQuerier(ctx context.Context, q pgQuerier, orderID int64) (*Order, error) {
	query := `
		SELECT order_id, caller_id, total_cents, shipping_address, status, created_at, updated_at
		FROM orders
		WHERE order_id = $1
	`
	order, err := scanOrder(q.QueryRow(ctx, query, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return order, nil
}

func (s *PostgresStorage) GetOrder(ctx context.Context, orderID int64) (*Order, error) {
	return s.getOrderWithQuerier(ctx, s.pool, orderID)
}

func (s *PostgresStorage) listOrdersByCallerWithQuerier(ctx context.Context, q pgQuerier, callerID string) ([]*Order, error) {
	query := `
		SELECT order_id, caller_id, total_cents, shipping_address, status, created_at, updated_at
		FROM orders
		WHERE caller_id = $1
		ORDER BY created_at DESC, order_id DESC
	`
	rows, err := q.Query(ctx, query, callerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

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

func (s *PostgresStorage) ListOrdersByCaller(ctx context.Context, callerID string) ([]*Order, error) {
	return s.listOrdersByCallerWithQuerier(ctx, s.pool, callerID)
}

func (s *PostgresStorage) listOrderLinesWithQuerier(ctx context.Context, q pgQuerier, orderIDs []int64) ([]*OrderLineDetail, error) {
	if len(orderIDs) == 0 {
		return []*OrderLineDetail{}, nil
	}

	query := `
		SELECT ol.line_id, ol.order_id, ol.item_id, ol.quantity, ol.unit_price_cents,
		       COALESCE(i.title, ''), COALESCE(i.author, ''), COALESCE(i.cover_url, '')
		FROM order_lines ol
		LEFT JOIN items i ON i.item_id = ol.item_id
		WHERE ol.order_id = ANY($1)
		ORDER BY ol.order_id, ol.line_id
	`
	rows, err := q.Query(ctx, query, orderIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

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

func (s *PostgresStorage) ListOrderLines(ctx context.Context, orderIDs []int64) ([]*OrderLineDetail, error) {
	return s.listOrderLinesWithQuerier(ctx, s.pool, orderIDs)
}

func (s *PostgresStorage) updateOrderStatusWithQuerier(ctx context.Context, q pgQuerier, orderID int64, status types.OrderStatus) error {
	query := `UPDATE orders SET status = $1, updated_at = $2 WHERE order_id = $3`
	tag, err := q.Exec(ctx, query, string(status), time.Now().UTC(), orderID)
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStorage) UpdateOrderStatus(ctx context.Context, orderID int64, status types.OrderStatus) error {
	return s.updateOrderStatusWithQuerier(ctx, s.pool, orderID, status)
}

// Status operations

func (s *PostgresStorage) getStatusWithQuerier(ctx context.Context, q pgQuerier) (*StoreStatus, error) {
	status := &StoreStatus{
		OrdersByStatus: make(map[types.OrderStatus]int),
	}

	err := q.QueryRow(ctx, "SELECT COUNT(*), COALESCE(SUM(stock_qty), 0) FROM items").
		Scan(&status.ItemsCount, &status.UnitsInStock)
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, "SELECT status, COUNT(*) FROM orders GROUP BY status")
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			rows.Close()
			return nil, err
		}
		status.OrdersByStatus[types.OrderStatus(st)] = n
		status.OrdersCount += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = q.QueryRow(ctx, "SELECT COUNT(*) FROM order_lines").Scan(&status.OrderLinesCount)
	if err != nil {
		return nil, err
	}

	var sizeBytes int64
	if err := q.QueryRow(ctx, "SELECT pg_database_size(current_database())").Scan(&sizeBytes); err == nil {
		status.DatabaseSizeMB = float64(sizeBytes) / (1024 * 1024)
	}

	status.Health.DatabaseAccessible = true
	status.Health.SchemaVersion = CurrentSchemaVersion
	return status, nil
}

func (s *PostgresStorage) GetStatus(ctx context.Context) (*StoreStatus, error) {
	return s.getStatusWithQuerier(ctx, s.pool)
}

// Transaction operations delegate to the shared implementations

func (t *pgTx) CreateItem(ctx context.Context, item *Item) error {
	return t.storage.createItemWithQuerier(ctx, t.tx, item)
}

func (t *pgTx) GetItem(ctx context.Context, itemID int64) (*Item, error) {
	return t.storage.getItemWithQuerier(ctx, t.tx, itemID)
}

func (t *pgTx) UpdateItem(ctx context.Context, item *Item) error {
	return t.storage.updateItemWithQuerier(ctx, t.tx, item)
}

func (t *pgTx) DeleteItem(ctx context.Context, itemID int64) error {
	return t.storage.deleteItemWithQuerier(ctx, t.tx, itemID)
}

func (t *pgTx) LockItems(ctx context.Context, itemIDs []int64) ([]*Item, error) {
	return t.storage.lockItemsWithQuerier(ctx, t.tx, itemIDs)
}

func (t *pgTx) DecrementStock(ctx context.Context, itemID int64, quantity int) error {
	return t.storage.decrementStockWithQuerier(ctx, t.tx, itemID, quantity)
}

func (t *pgTx) CreateOrder(ctx context.Context, order *Order) error {
	return t.storage.createOrderWithQuerier(ctx, t.tx, order)
}

func (t *pgTx) CreateOrderLine(ctx context.Context, line *OrderLine) error {
	return t.storage.createOrderLineWithQuerier(ctx, t.tx, line)
}

func (t *pgTx) GetOrder(ctx context.Context, orderID int64) (*Order, error) {
	return t.storage.getOrderWithQuerier(ctx, t.tx, orderID)
}

func (t *pgTx) ListOrdersByCaller(ctx context.Context, callerID string) ([]*Order, error) {
	return t.storage.listOrdersByCallerWithQuerier(ctx, t.tx, callerID)
}

func (t *pgTx) ListOrderLines(ctx context.Context, orderIDs []int64) ([]*OrderLineDetail, error) {
	return t.storage.listOrderLinesWithQuerier(ctx, t.tx, orderIDs)
}

func (t *pgTx) UpdateOrderStatus(ctx context.Context, orderID int64, status types.OrderStatus) error {
	return t.storage.updateOrderStatusWithQuerier(ctx, t.tx, orderID, status)
}

func (t *pgTx) GetStatus(ctx context.Context) (*StoreStatus, error) {
	return t.storage.getStatusWithQuerier(ctx, t.tx)
}

func (t *pgTx) Close() error {
	return nil
}

func (t *pgTx) BeginTx(ctx context.Context) (Tx, error) {
	return nil, errors.New("nested transactions not supported")
}
