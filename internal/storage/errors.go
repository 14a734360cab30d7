package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Kind sentinels. Match with errors.Is.
var (
	ErrDisabled    = errors.New("storage disabled")
	ErrNotFound    = errors.New("record not found")
	ErrConflict    = errors.New("unique constraint violated")
	ErrConstraint  = errors.New("constraint violated")
	ErrUnavailable = errors.New("store unavailable")
	ErrTimeout     = errors.New("store timeout")
)

// Error is a classified storage failure.
type Error struct {
	Op   string
	Kind error // one of the kind sentinels, or nil when unclassified
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return e.Kind != nil && target == e.Kind
}

// Code is a stable identifier for error envelopes and pattern tracking.
func (e *Error) Code() string {
	switch e.Kind {
	case ErrNotFound:
		return "NOT_FOUND"
	case ErrConflict:
		return "UNIQUE_VIOLATION"
	case ErrConstraint:
		return "CONSTRAINT_VIOLATION"
	case ErrUnavailable:
		return "STORE_UNAVAILABLE"
	case ErrTimeout:
		return "STORE_TIMEOUT"
	case ErrDisabled:
		return "STORE_DISABLED"
	default:
		return "STORE_ERROR"
	}
}

// wrap classifies err and tags it with op. nil stays nil.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Op: op, Kind: classify(err), Err: err}
}

func classify(err error) error {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	case errors.Is(err, sql.ErrConnDone), errors.Is(err, ErrDisabled):
		return ErrUnavailable
	}

	var le *sqlite.Error
	if errors.As(err, &le) {
		code := le.Code()
		switch code {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return ErrConflict
		}
		switch code & 0xff {
		case sqlite3.SQLITE_CONSTRAINT:
			return ErrConstraint
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return ErrTimeout
		case sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_IOERR, sqlite3.SQLITE_NOTADB, sqlite3.SQLITE_FULL:
			return ErrUnavailable
		}
		return nil
	}

	if strings.Contains(strings.ToLower(err.Error()), "database is closed") {
		return ErrUnavailable
	}
	return nil
}
