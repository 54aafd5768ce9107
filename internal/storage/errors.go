package storage

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"syscall"
)

var (
	// ErrNotFound is returned when a requested entity doesn't exist
	ErrNotFound = errors.New("not found")
	// ErrStockConflict is returned when a guarded stock decrement matched no row
	ErrStockConflict = errors.New("stock decrement would go negative")
	// ErrNotSorted is returned when LockItems receives ids out of order
	ErrNotSorted = errors.New("item ids must be unique and ascending")
)

// IsTransient reports whether err is a storage failure worth retrying with
// the whole transaction: lock contention, deadlock, serialization failure or
// a dropped connection.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	// Context errors belong to the caller, not the store
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if isSQLiteBusy(err) || isPostgresTransient(err) {
		return true
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
