package store

import (
	"context"
	"errors"

	"github.com/Maheshthanniru/finance-sub000/pkg/models"
	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict")
	ErrDuplicateKey    = errors.New("duplicate key")
)

// Storage defines the interface for database operations related to loans and transactions.
type Storage interface {
	CreateLoan(ctx context.Context, loan *models.Loan) error
	GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error)
	// UpdateLoan applies only the non-nil fields of upd and bumps the version.
	// A non-zero expectedVersion makes the write conditional on it.
	UpdateLoan(ctx context.Context, id uuid.UUID, expectedVersion int64, upd models.LoanUpdate) (*models.Loan, error)
	DeleteLoan(ctx context.Context, id uuid.UUID) error
	ListLoans(ctx context.Context, filter models.LoanFilter) ([]*models.Loan, error)
	NextLoanNumber(ctx context.Context, loanType models.LoanType) (int64, error)
	// SaveSnapshot writes the advisory cached figures without touching the version.
	SaveSnapshot(ctx context.Context, id uuid.UUID, snap models.Snapshot) error

	CreateTransaction(ctx context.Context, transaction *models.Transaction) error
	GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	GetTransactionsForLoan(ctx context.Context, loanID uuid.UUID) ([]*models.Transaction, error)
	GetTransactionsByAccountRef(ctx context.Context, accountRef string) ([]*models.Transaction, error)
	ListUnlinkedTransactions(ctx context.Context) ([]*models.Transaction, error)
	LinkTransaction(ctx context.Context, txID, loanID uuid.UUID) error

	Close() error
}

// Transactor is implemented by stores that can run several writes atomically.
// The Storage passed to fn is bound to the transaction; fn must not use the
// outer store.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(Storage) error) error
}
