package repo

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound indicates the row does not exist or is owned by another partner.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a uniqueness constraint would be violated.
	ErrConflict = errors.New("conflict")
	// ErrNothingPending indicates there are no billable, unbilled conversions to aggregate.
	ErrNothingPending = errors.New("nothing pending")
	// ErrBelowMinimum indicates the pending amount is under the requested minimum.
	ErrBelowMinimum = errors.New("pending amount below minimum")
	// ErrInsufficientFunds indicates a decrement would drive the balance negative.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrEntryState indicates the ledger entry is in a state that forbids the change.
	ErrEntryState = errors.New("ledger entry state forbids change")
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	// modernc.org/sqlite reports constraint failures in the message text.
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKeyViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgForeignKeyViolation
	}
	return strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
