//go:build sqlite_cgo && !purego

package storage

// This file is compiled when building with CGO and the sqlite_cgo tag.
//
// Build command:
//   CGO_ENABLED=1 go build -tags "sqlite_cgo" ./...
//
// Driver used: github.com/mattn/go-sqlite3

import (
	"errors"

	"github.com/mattn/go-sqlite3"
)

const (
	// DriverName is the SQLite driver to use
	DriverName = "sqlite3"

	// BuildMode describes the current build configuration
	BuildMode = "cgo"

	// connParams applies per-connection pragmas and makes every transaction
	// take the write lock at BEGIN
	connParams = "_foreign_keys=1&_busy_timeout=5000&_txlock=immediate"
)

// isSQLiteBusy reports whether err is SQLITE_BUSY or SQLITE_LOCKED
func isSQLiteBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}
