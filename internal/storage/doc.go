// Package storage provides persistence for catalog items and orders.
//
// Two backends implement the Storage interface:
//   - SQLiteStorage: embedded, WAL mode, one writer at a time with concurrent readers
//   - PostgresStorage: pgx connection pool with row-level locks
//
// # Database Schema
//
// Tables:
//   - items: catalog entries with price (minor units) and stock on hand
//   - orders: order headers owned by a caller
//   - order_lines: one row per item per order, unit price frozen at order time
//   - schema_version: applied migrations
//
// order_lines.item_id is deliberately not a foreign key. Items may be
// deleted after they were ordered; reads left-join and return empty
// descriptive fields for such lines.
//
// # Transactions
//
// Stock changes happen inside a transaction, with items locked in ascending
// id order:
//
//	tx, err := store.BeginTx(ctx)
//	if err != nil {
//	    return err
//	}
//	defer func() { _ = tx.Rollback() }()
//
//	items, err := tx.LockItems(ctx, []int64{3, 7, 12})
//	// ... validate against items ...
//	if err := tx.DecrementStock(ctx, 7, 2); err != nil {
//	    return err
//	}
//	if err := tx.CreateOrder(ctx, order); err != nil {
//	    return err
//	}
//
//	return tx.Commit()
//
// IsTransient classifies errors worth retrying the whole transaction for:
// SQLITE_BUSY, Postgres lock timeouts, deadlocks, serialization failures
// and dropped connections.
//
// # Build Tags
//
// CGO Build (sqlite_cgo tag):
//
//   - Uses github.com/mattn/go-sqlite3 driver
//
//   - Requires C compiler
//
//     CGO_ENABLED=1 go build -tags "sqlite_cgo"
//
// Pure Go Build (default, or purego tag):
//
//   - Uses modernc.org/sqlite driver
//
//   - No C compiler needed
//
//     CGO_ENABLED=0 go build
package storage
