package database

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"strings"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// IsRetryable reports whether a store error may succeed on another attempt:
// lost connections, lock contention, serialization failures and the unique
// violation raised when two consumers insert the same identity at once. Other
// constraint and data errors are permanent.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return isRetryableSQLState(string(pqErr.Code))
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		switch code & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

func isRetryableSQLState(code string) bool {
	switch {
	case strings.HasPrefix(code, "08"): // connection exception
		return true
	case strings.HasPrefix(code, "40"): // serialization failure, deadlock
		return true
	case strings.HasPrefix(code, "53"): // insufficient resources
		return true
	case code == "57P01", code == "57P02", code == "57P03":
		return true
	case code == "55P03": // lock_not_available
		return true
	case code == "23505": // unique_violation
		return true
	}
	return false
}
