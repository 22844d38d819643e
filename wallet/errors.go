/*
errors.go - Error taxonomy for the wallet engine

ERROR CATEGORIES:
  1. Storage errors - the key-value store rejected a read or a write.
     Surface to the caller; in-memory state is never updated ahead of a
     failed write.
  2. Record errors - a persisted record could not be decoded. Loading
     skips the record and reports it instead of failing the whole load.
  3. Withdrawal errors - expected user-input outcomes. Withdraw reports
     them as a false result; ValidateWithdrawal returns them as errors so
     callers can explain the rejection.

ErrDuplicateDeliveryEarning is the ledger refusing a second earning for
the same delivery. The synchronizer checks before appending, so reaching
it means a caller bypassed the processed set.
*/
package wallet

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrStorageReadFailed is returned when the key-value store fails a read.
	ErrStorageReadFailed = errors.New("storage read failed")

	// ErrStorageWriteFailed is returned when the key-value store fails a write.
	ErrStorageWriteFailed = errors.New("storage write failed")

	// ErrMalformedRecord marks a persisted record that could not be decoded.
	ErrMalformedRecord = errors.New("malformed persisted record")

	// ErrInvalidWithdrawalAmount is the parent of every withdrawal rejection.
	ErrInvalidWithdrawalAmount = errors.New("invalid withdrawal amount")

	ErrInsufficientFunds = fmt.Errorf("%w: exceeds available balance", ErrInvalidWithdrawalAmount)
	ErrBelowMinimum      = fmt.Errorf("%w: below minimum", ErrInvalidWithdrawalAmount)

	// ErrDuplicateDeliveryEarning is returned when an earning for the same
	// delivery id is already in the ledger.
	ErrDuplicateDeliveryEarning = errors.New("duplicate delivery earning")

	// ErrTransactionNotFound is returned by lookups that must produce a value.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrInvalidTransaction is returned when a manual transaction is unusable.
	ErrInvalidTransaction = errors.New("invalid transaction")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// StorageError carries the operation and key that failed.
type StorageError struct {
	Op  string // "read" or "write"
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() []error {
	if e.Op == "read" {
		return []error{ErrStorageReadFailed, e.Err}
	}
	return []error{ErrStorageWriteFailed, e.Err}
}

func readError(key string, err error) error {
	return &StorageError{Op: "read", Key: key, Err: err}
}

func writeError(key string, err error) error {
	return &StorageError{Op: "write", Key: key, Err: err}
}

// WithdrawalError explains why a withdrawal was rejected.
type WithdrawalError struct {
	Requested decimal.Decimal
	Available decimal.Decimal
	Minimum   decimal.Decimal
	Reason    error // ErrInsufficientFunds or ErrBelowMinimum
}

func (e *WithdrawalError) Error() string {
	return fmt.Sprintf("%v: requested %s, available %s, minimum %s",
		e.Reason, e.Requested.StringFixed(2), e.Available.StringFixed(2), e.Minimum.StringFixed(2))
}

func (e *WithdrawalError) Unwrap() error {
	return e.Reason
}

// RecordError describes one skipped record during a load.
type RecordError struct {
	Key   string
	Index int // -1 when the whole value is unreadable
	Err   error
	Raw   []byte // the undecoded record, when Index >= 0
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("%s[%d]: %v", e.Key, e.Index, e.Err)
}

func (e *RecordError) Unwrap() []error {
	return []error{ErrMalformedRecord, e.Err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsStorageError reports whether err came from the key-value store.
func IsStorageError(err error) bool {
	return errors.Is(err, ErrStorageReadFailed) || errors.Is(err, ErrStorageWriteFailed)
}

// IsClientError reports whether err was caused by caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidWithdrawalAmount) ||
		errors.Is(err, ErrInvalidTransaction) ||
		errors.Is(err, ErrDuplicateDeliveryEarning)
}
