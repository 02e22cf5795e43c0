package credits

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the credit service.
var (
	// Operational outcomes.
	ErrAccountNotFound     = errors.New("account not found")
	ErrEntryNotFound       = errors.New("ledger entry not found")
	ErrPaymentNotFound     = errors.New("payment not found")
	ErrGuestQuotaNotFound  = errors.New("guest quota not found")
	ErrGuestQuotaExhausted = errors.New("guest quota exhausted")
	ErrEntryClosed         = errors.New("ledger entry closed")
	ErrPaymentClosed       = errors.New("payment already transitioned")
	ErrDuplicatePayment    = errors.New("duplicate payment event")
	ErrAccountExists       = errors.New("account already exists")

	// A floor clamp firing after a passing pre-check is a locking or logic
	// defect; the enclosing unit of work must abort.
	ErrBalanceConstraint = errors.New("balance constraint violated")

	// Credits were not granted after the payment row was committed; the
	// payment is marked failed and needs manual reconciliation.
	ErrCompensationRequired = errors.New("payment compensation required")

	// Validation failures.
	ErrInvalidAccountID     = errors.New("invalid account id")
	ErrInvalidEntryID       = errors.New("invalid entry id")
	ErrInvalidSessionID     = errors.New("invalid session id")
	ErrInvalidExternalID    = errors.New("invalid external id")
	ErrInvalidCredits       = errors.New("invalid credit amount")
	ErrInvalidCreditDelta   = errors.New("invalid credit delta")
	ErrInvalidEntryKind     = errors.New("invalid entry kind")
	ErrInvalidEntryStatus   = errors.New("invalid entry status")
	ErrInvalidPaymentStatus = errors.New("invalid payment status")
	ErrInvalidMetadataJSON  = errors.New("invalid metadata json")
	ErrInvalidServiceConfig = errors.New("invalid service config")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
