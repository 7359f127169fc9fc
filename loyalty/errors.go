/*
errors.go - Centralized error types for the loyalty engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers classify failures with errors.Is and the helper predicates;
  the HTTP layer maps the classes onto status codes.

ERROR CATEGORIES:
  1. Validation errors - malformed input, rejected before any transaction
  2. Conflict errors   - hold/receipt state races surfaced to the caller
  3. Funds errors      - redeem exceeding the balance at commit time
  4. Store errors      - persistence-level failures

Transient races (lost conditional update, unique-constraint collision)
are resolved inside the engines - retried once or recovered through an
idempotent re-probe - and are never surfaced when resolution succeeds.
*/
package loyalty

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is the base class for malformed input.
	ErrValidation = errors.New("validation failed")

	// ErrConflict is the base class for state conflicts (hold already
	// finished, QR reused, order bound elsewhere). Not retryable.
	ErrConflict = errors.New("conflict")

	// ErrInsufficientFunds is returned when a redeem cannot be covered
	// by the wallet balance at commit time. The caller must re-quote.
	ErrInsufficientFunds = errors.New("insufficient points")

	// ErrNotFound is returned when a referenced entity doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrHoldFinished is returned when a non-PENDING hold is acted on.
	ErrHoldFinished = fmt.Errorf("%w: hold already finished", ErrConflict)

	// ErrHoldBoundElsewhere is returned when a hold is already bound to
	// a different order id.
	ErrHoldBoundElsewhere = fmt.Errorf("%w: hold already bound to another order", ErrConflict)

	// ErrQrUsed is returned when a QR token was already consumed by a
	// committed or canceled hold.
	ErrQrUsed = fmt.Errorf("%w: QR code already used", ErrConflict)

	// ErrQrExpired is returned when a QR token or hold deadline passed.
	ErrQrExpired = fmt.Errorf("%w: code expired", ErrValidation)

	// ErrAccrualsBlocked / ErrRedemptionsBlocked reflect administrative
	// block flags on the customer context.
	ErrAccrualsBlocked    = fmt.Errorf("%w: accruals blocked for customer", ErrValidation)
	ErrRedemptionsBlocked = fmt.Errorf("%w: redemptions blocked for customer", ErrValidation)

	// ErrMerchantMismatch is returned when a hold or receipt belongs to
	// a different merchant than the caller claims.
	ErrMerchantMismatch = fmt.Errorf("%w: entity belongs to another merchant", ErrConflict)

	// ErrDuplicateKey is returned by stores on unique-constraint
	// collisions (qrJti, (merchantId, orderId)). Engines recover from
	// it via idempotent re-probes.
	ErrDuplicateKey = errors.New("duplicate key")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError wraps ErrValidation with a field and message.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Validationf builds a ValidationError without a field name.
func Validationf(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// InsufficientFundsError reports how short the wallet was.
type InsufficientFundsError struct {
	MerchantID string
	CustomerID string
	Available  int64
	Requested  int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient points: available %d, requested %d",
		e.Available, e.Requested)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsValidation returns true for client-input failures (HTTP 400).
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsConflict returns true for non-retryable state conflicts (HTTP 409).
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsNotFound returns true when a referenced entity is missing (HTTP 404).
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
