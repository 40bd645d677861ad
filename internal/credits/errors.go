package credits

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Validation errors are returned before any transaction opens.
var (
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrMissingIdempotencyKey = errors.New("missing idempotency key")
	ErrMissingUserID         = errors.New("missing user id")
	ErrMissingOrderID        = errors.New("missing order id")
	ErrInvalidLedgerType     = errors.New("ledger type not allowed for credit")
	ErrCurrencyMismatch      = errors.New("currency does not match the user's credit currency")
)

// Business rule errors are raised inside the transaction and roll it back.
var (
	ErrIneligibleForCredits    = errors.New("ineligible for credits")
	ErrInsufficientBalance     = errors.New("insufficient balance")
	ErrReservationNotFound     = errors.New("reservation not found")
	ErrInvalidReservationState = errors.New("reservation is in the wrong state for this operation")
	ErrIdempotencyConflict     = errors.New("idempotency key already used for a different request")
)

// ErrConsistency marks an invariant violation, such as a balance update that
// affected no rows after the row was locked. It is never a caller mistake.
var ErrConsistency = errors.New("credit ledger consistency violation")

// InsufficientBalanceError reports both figures of a failed availability check.
type InsufficientBalanceError struct {
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %s, requested %s",
		e.Available.StringFixed(2), e.Requested.StringFixed(2))
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// IneligibleError reports the lifetime earned figure against the threshold it must exceed.
type IneligibleError struct {
	LifetimeEarned decimal.Decimal
	Threshold      decimal.Decimal
}

func (e *IneligibleError) Error() string {
	return fmt.Sprintf("ineligible for credits: lifetime earned %s must exceed %s",
		e.LifetimeEarned.StringFixed(2), e.Threshold.StringFixed(2))
}

func (e *IneligibleError) Unwrap() error { return ErrIneligibleForCredits }

// IsBusinessError reports whether err is an expected rejection rather than a failure.
func IsBusinessError(err error) bool {
	for _, target := range []error{
		ErrInvalidAmount, ErrMissingIdempotencyKey, ErrMissingUserID, ErrMissingOrderID,
		ErrInvalidLedgerType, ErrCurrencyMismatch, ErrIneligibleForCredits, ErrInsufficientBalance,
		ErrReservationNotFound, ErrInvalidReservationState, ErrIdempotencyConflict,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
