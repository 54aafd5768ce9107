//go:build purego || !sqlite_cgo

package storage

// This file is compiled when building without CGO or with the purego tag.
//
// Build command:
//   CGO_ENABLED=0 go build -tags "purego" ./...
//
// Driver used: modernc.org/sqlite

import (
	"errors"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const (
	// DriverName is the SQLite driver to use
	DriverName = "sqlite"

	// BuildMode describes the current build configuration
	BuildMode = "purego"

	// connParams applies per-connection pragmas and makes every transaction
	// take the write lock at BEGIN
	connParams = "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"
)

// isSQLiteBusy reports whether err is SQLITE_BUSY or SQLITE_LOCKED,
// including their extended codes
func isSQLiteBusy(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code() & 0xff
		return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
	}
	return false
}
