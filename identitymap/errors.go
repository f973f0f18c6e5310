package identitymap

import (
	"fmt"

	goerrors "github.com/goliatone/go-errors"
)

var (
	// ErrIdentityViolation is returned when a second live entity is registered
	// under a key that already has one in the same cache. It signals caller
	// misuse and must not be retried.
	ErrIdentityViolation = goerrors.New("entity already registered under this key", goerrors.CategoryConflict).
		WithTextCode("IDENTITY_VIOLATION")

	// ErrDanglingReference is returned on access to a reference whose foreign
	// key matches no row of the target collection.
	ErrDanglingReference = goerrors.New("reference does not match any row", goerrors.CategoryNotFound).
		WithTextCode("DANGLING_REFERENCE")

	// ErrFlushFailed is matched by every *FlushError.
	ErrFlushFailed = goerrors.New("storage rejected write batch", goerrors.CategoryExternal).
		WithTextCode("FLUSH_FAILED")

	// ErrTxClosed is returned by any operation on a committed or rolled back transaction.
	ErrTxClosed = goerrors.New("transaction is closed", goerrors.CategoryOperation).
		WithTextCode("TX_CLOSED")

	// ErrTxFailed is returned by any operation other than Rollback after a failed commit.
	ErrTxFailed = goerrors.New("transaction failed to commit", goerrors.CategoryOperation).
		WithTextCode("TX_FAILED")

	ErrEntityDeleted = goerrors.New("entity was deleted", goerrors.CategoryConflict).
		WithTextCode("ENTITY_DELETED")

	ErrForeignEntity = goerrors.New("entity belongs to a different transaction", goerrors.CategoryBadInput).
		WithTextCode("FOREIGN_ENTITY")

	ErrUnknownColumn = goerrors.New("unknown column", goerrors.CategoryValidation).
		WithTextCode("UNKNOWN_COLUMN")

	ErrUnknownReference = goerrors.New("column is not a reference", goerrors.CategoryValidation).
		WithTextCode("UNKNOWN_REFERENCE")

	ErrIdentityImmutable = goerrors.New("identity columns cannot be reassigned", goerrors.CategoryValidation).
		WithTextCode("IDENTITY_IMMUTABLE")

	ErrInvalidKey = goerrors.New("invalid key value", goerrors.CategoryBadInput).
		WithTextCode("INVALID_KEY")

	// ErrKeyRequired is returned by New for collections whose keys cannot be generated.
	ErrKeyRequired = goerrors.New("collection requires an explicit key", goerrors.CategoryBadInput).
		WithTextCode("KEY_REQUIRED")

	// ErrRowMissing is returned by storage when an update or delete targets no row.
	ErrRowMissing = goerrors.New("row does not exist", goerrors.CategoryConflict).
		WithTextCode("ROW_MISSING")

	// ErrDuplicateRow is returned by storage when an insert collides with an existing row.
	ErrDuplicateRow = goerrors.New("row already exists", goerrors.CategoryConflict).
		WithTextCode("DUPLICATE_ROW")
)

// FlushError reports a write batch the storage refused. The transaction that
// produced it is left in StatusFailed and nothing of the batch is visible.
type FlushError struct {
	Scope  string
	Writes int
	Err    error
}

// Error implements the error interface.
func (e *FlushError) Error() string {
	return fmt.Sprintf("flush of %d writes in transaction %s failed: %v", e.Writes, e.Scope, e.Err)
}

// Unwrap exposes the storage cause.
func (e *FlushError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrFlushFailed.
func (e *FlushError) Is(target error) bool {
	return target == ErrFlushFailed
}
