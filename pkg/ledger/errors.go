package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service.
var (
	ErrInsufficientFunds       = errors.New("insufficient funds")
	ErrConcurrencyExhausted    = errors.New("optimistic concurrency retries exhausted")
	ErrUnknownFreezeRecord     = errors.New("unknown freeze record")
	ErrAccountNotFound         = errors.New("account not found")
	ErrFreezeRecordExists      = errors.New("freeze record already exists")
	ErrFreezeRecordClosed      = errors.New("freeze record closed")
	ErrFreezeRecordMismatch    = errors.New("freeze record belongs to another user")
	ErrInvalidUserID           = errors.New("invalid user id")
	ErrInvalidRequestID        = errors.New("invalid request id")
	ErrInvalidEntryID          = errors.New("invalid entry id")
	ErrInvalidAmountCents      = errors.New("invalid amount cents")
	ErrInvalidEntryAmountCents = errors.New("invalid entry amount cents")
	ErrInvalidEntryType        = errors.New("invalid entry type")
	ErrInvalidFreezeStatus     = errors.New("invalid freeze status")
	ErrInvalidMetadataJSON     = errors.New("invalid metadata json")
	ErrInvalidRemark           = errors.New("invalid remark")
	ErrInvalidOperatorID       = errors.New("invalid operator id")
	ErrInvalidServiceConfig    = errors.New("invalid service config")
	ErrInvalidBalance          = errors.New("invalid balance")

	// errVersionConflict marks a CAS miss caused by a concurrent commit; it never leaves the package.
	errVersionConflict = errors.New("account version conflict")
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

// InsufficientFundsError reports the account figures observed when a mutation was rejected.
type InsufficientFundsError struct {
	Balance   AmountCents
	Frozen    AmountCents
	Available AmountCents
	Required  AmountCents
}

// Error returns the formatted error message.
func (insufficient InsufficientFundsError) Error() string {
	return fmt.Sprintf("%v: available %d, required %d", ErrInsufficientFunds, insufficient.Available, insufficient.Required)
}

// Is reports ErrInsufficientFunds as the matching sentinel.
func (insufficient InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
}

// Shortfall returns how much is missing to satisfy the request.
func (insufficient InsufficientFundsError) Shortfall() AmountCents {
	if insufficient.Required <= insufficient.Available {
		return 0
	}
	return insufficient.Required - insufficient.Available
}
