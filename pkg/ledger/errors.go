package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/Maheshthanniru/finance-sub000/pkg/store"
	"github.com/google/uuid"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = store.ErrNotFound
	ErrConflict          = errors.New("loan was modified concurrently")
	ErrTimeout           = errors.New("store write timed out")
	ErrStoreWrite        = errors.New("store write failed")
	ErrDuplicateRequest  = errors.New("duplicate settlement request")
	ErrLoanClosed        = errors.New("loan is closed")
	ErrMissingAnchorDate = errors.New("loan has no loan date")
	ErrPartialCommit     = errors.New("ledger entry recorded but loan not updated")
)

// PartialCommitError reports a settlement whose ledger row was written while
// the loan update was not. The loan needs manual reconciliation; nothing
// retries the update on its own.
type PartialCommitError struct {
	Operation     Operation
	LoanID        uuid.UUID
	TransactionID uuid.UUID
	// LoanVersion is the version the loan update was conditional on.
	LoanVersion int64
	Cause       error
}

func (e *PartialCommitError) Error() string {
	return fmt.Sprintf("%s on loan %s: transaction %s recorded but loan not updated: %v",
		e.Operation, e.LoanID, e.TransactionID, e.Cause)
}

func (e *PartialCommitError) Is(target error) bool {
	return target == ErrPartialCommit
}

func (e *PartialCommitError) Unwrap() error {
	return e.Cause
}

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// classifyWrite maps store failures onto the ledger's error categories.
func classifyWrite(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	case errors.Is(err, store.ErrVersionConflict):
		return fmt.Errorf("%w: %w", ErrConflict, err)
	case errors.Is(err, store.ErrDuplicateKey):
		return fmt.Errorf("%w: %w", ErrDuplicateRequest, err)
	case errors.Is(err, store.ErrNotFound):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrStoreWrite, err)
	}
}
