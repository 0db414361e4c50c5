package billing

import (
	"errors"
	"fmt"

	"partner-ledger/internal/repo"
)

// Domain error taxonomy. Callers match with errors.Is; the HTTP layer maps
// each to a status code.
var (
	ErrUnauthorized     = errors.New("unauthorized")
	ErrNotFound         = errors.New("not found")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrNothingToInvoice = errors.New("nothing to invoice")
	ErrBelowThreshold   = errors.New("below payout threshold")
	ErrConflict         = errors.New("conflict")
	ErrInternal         = errors.New("internal error")

	// ErrInvalidTransition is a Conflict raised by the conversion state machine.
	ErrInvalidTransition = fmt.Errorf("%w: invalid status transition", ErrConflict)
)

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

func conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

func transitionf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidTransition, fmt.Sprintf(format, args...))
}

// translate maps storage errors onto the domain taxonomy. Errors that already
// belong to the taxonomy pass through unchanged.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case isDomain(err):
		return err
	case errors.Is(err, repo.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, repo.ErrEntryState):
		return conflictf("entry status does not allow this operation")
	case errors.Is(err, repo.ErrConflict):
		return ErrConflict
	case errors.Is(err, repo.ErrInsufficientFunds):
		return invalidf("insufficient balance")
	case errors.Is(err, repo.ErrNothingPending):
		return ErrNothingToInvoice
	case errors.Is(err, repo.ErrBelowMinimum):
		return ErrBelowThreshold
	}
	return fmt.Errorf("%w: %w", ErrInternal, err)
}

func isDomain(err error) bool {
	for _, target := range []error{ErrUnauthorized, ErrNotFound, ErrInvalidArgument, ErrNothingToInvoice, ErrBelowThreshold, ErrConflict, ErrInternal} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
