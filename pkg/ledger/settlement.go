package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Maheshthanniru/finance-sub000/pkg/interest"
	"github.com/Maheshthanniru/finance-sub000/pkg/models"
	"github.com/Maheshthanniru/finance-sub000/pkg/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type Operation string

const (
	OpRenewFull    Operation = "renewal"
	OpRenewPartial Operation = "partial_renewal"
	OpClose        Operation = "close"
)

type ResultStatus string

const (
	StatusCommitted     ResultStatus = "committed"
	StatusPartialCommit ResultStatus = "partial_commit"
	StatusRejected      ResultStatus = "rejected"
)

// SettlementRequest is an operator-confirmed settlement against one loan.
type SettlementRequest struct {
	LoanID uuid.UUID
	// Amount is the confirmed payment. Zero means the full figure for
	// RenewFull and Close.
	Amount decimal.Decimal
	// Date is the settlement date; today when zero.
	Date time.Time
	// ExpectedVersion, when non-zero, must match the stored loan version.
	ExpectedVersion int64
	IdempotencyKey  string
}

// Result describes the outcome of a settlement. Figures are the ones the
// settlement was priced at; Loan is the record after the update.
type Result struct {
	Status        ResultStatus     `json:"status"`
	Operation     Operation        `json:"operation"`
	TransactionID uuid.UUID        `json:"transaction_id,omitempty"`
	Figures       interest.Figures `json:"figures"`
	Loan          *models.Loan     `json:"loan,omitempty"`
	Reason        string           `json:"reason,omitempty"`
}

// RenewFull settles the accrued interest and penalty and rolls the loan
// forward from the settlement date. Principal is unchanged.
func (l *Ledger) RenewFull(ctx context.Context, req SettlementRequest) (*Result, error) {
	return l.settle(ctx, OpRenewFull, req)
}

// RenewPartial takes less than the renewal figure and capitalizes the rest
// into the principal.
func (l *Ledger) RenewPartial(ctx context.Context, req SettlementRequest) (*Result, error) {
	return l.settle(ctx, OpRenewPartial, req)
}

// Close settles principal, interest and penalty and ends the loan.
func (l *Ledger) Close(ctx context.Context, req SettlementRequest) (*Result, error) {
	return l.settle(ctx, OpClose, req)
}

// Renew confirms a renewal payment, choosing a full renewal when the amount
// covers the renewal figure and a partial one when it is smaller.
func (l *Ledger) Renew(ctx context.Context, req SettlementRequest) (*Result, error) {
	loan, txs, err := l.load(ctx, req.LoanID)
	if err != nil {
		return rejected(OpRenewFull, interest.Figures{}, err)
	}
	figures := figuresAt(loan, txs, l.settlementDate(req.Date))
	if req.Amount.IsPositive() && req.Amount.LessThan(figures.TotalAmtForRenewal) {
		return l.settle(ctx, OpRenewPartial, req)
	}
	return l.settle(ctx, OpRenewFull, req)
}

func (l *Ledger) settlementDate(d time.Time) time.Time {
	if d.IsZero() {
		return l.today()
	}
	return dateOnly(d)
}

func (l *Ledger) settle(ctx context.Context, op Operation, req SettlementRequest) (*Result, error) {
	res, err := l.doSettle(ctx, op, req)
	l.metrics.observeSettlement(op, res.Status)
	return res, err
}

func (l *Ledger) doSettle(ctx context.Context, op Operation, req SettlementRequest) (*Result, error) {
	loan, txs, err := l.load(ctx, req.LoanID)
	if err != nil {
		return rejected(op, interest.Figures{}, err)
	}
	if loan.Closed() {
		return rejected(op, interest.Figures{}, fmt.Errorf("%w: %w", ErrValidation, ErrLoanClosed))
	}
	if req.ExpectedVersion != 0 && req.ExpectedVersion != loan.Version {
		return rejected(op, interest.Figures{}, fmt.Errorf("%w: expected version %d, found %d",
			ErrConflict, req.ExpectedVersion, loan.Version))
	}

	date := l.settlementDate(req.Date)
	if loan.LoanDate == nil {
		return rejected(op, interest.Figures{}, fmt.Errorf("%w: %w", ErrValidation, ErrMissingAnchorDate))
	}
	if date.Before(*loan.LoanDate) {
		return rejected(op, interest.Figures{}, validationf("settlement date %s precedes loan date %s",
			date.Format(time.DateOnly), loan.LoanDate.Format(time.DateOnly)))
	}

	figures := figuresAt(loan, txs, date)
	p, err := planSettlement(op, loan, figures, req.Amount, date)
	if err != nil {
		return rejected(op, figures, err)
	}

	tx := &models.Transaction{
		ID:             uuid.New(),
		LoanID:         &loan.ID,
		AccountRef:     loan.AccountRef(),
		Date:           date,
		Debit:          p.debit,
		Particulars:    p.particulars,
		Rno:            l.receipts.Generate().String(),
		Kind:           p.kind,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      l.now().UTC(),
	}
	updated, err := l.commit(ctx, op, loan, tx, p.update)
	var pce *PartialCommitError
	switch {
	case errors.As(err, &pce):
		return &Result{
			Status:        StatusPartialCommit,
			Operation:     op,
			TransactionID: tx.ID,
			Figures:       figures,
			Reason:        err.Error(),
		}, err
	case err != nil:
		return rejected(op, figures, err)
	}

	l.log(loan.ID).WithFields(logrus.Fields{
		"operation":      op,
		"transaction_id": tx.ID,
		"amount":         p.debit.StringFixed(2),
		"version":        updated.Version,
	}).Info("Settlement committed")
	return &Result{
		Status:        StatusCommitted,
		Operation:     op,
		TransactionID: tx.ID,
		Figures:       figures,
		Loan:          updated,
	}, nil
}

func rejected(op Operation, figures interest.Figures, err error) (*Result, error) {
	return &Result{
		Status:    StatusRejected,
		Operation: op,
		Figures:   figures,
		Reason:    err.Error(),
	}, err
}

// commit writes the ledger row and then the conditional loan update. On a
// transactional store both run in one transaction. Otherwise a failed update
// after a written row is a *PartialCommitError and is not retried.
func (l *Ledger) commit(ctx context.Context, op Operation, loan *models.Loan, tx *models.Transaction, upd models.LoanUpdate) (*models.Loan, error) {
	if tr, ok := l.storage.(store.Transactor); ok {
		var updated *models.Loan
		wctx, cancel := context.WithTimeout(ctx, l.writeTimeout)
		defer cancel()
		err := tr.WithinTx(wctx, func(s store.Storage) error {
			if err := s.CreateTransaction(wctx, tx); err != nil {
				return err
			}
			var err error
			updated, err = s.UpdateLoan(wctx, loan.ID, loan.Version, upd)
			return err
		})
		if err != nil {
			return nil, classifyWrite(err)
		}
		return updated, nil
	}

	if err := l.write(ctx, func(wctx context.Context) error {
		return l.storage.CreateTransaction(wctx, tx)
	}); err != nil {
		return nil, classifyWrite(err)
	}

	var updated *models.Loan
	err := l.write(ctx, func(wctx context.Context) error {
		var err error
		updated, err = l.storage.UpdateLoan(wctx, loan.ID, loan.Version, upd)
		return err
	})
	if err != nil {
		pce := &PartialCommitError{
			Operation:     op,
			LoanID:        loan.ID,
			TransactionID: tx.ID,
			LoanVersion:   loan.Version,
			Cause:         classifyWrite(err),
		}
		l.log(loan.ID).WithFields(logrus.Fields{
			"operation":      op,
			"transaction_id": tx.ID,
			"loan_version":   loan.Version,
		}).WithError(err).Error("Settlement partially committed; loan needs reconciliation")
		return nil, pce
	}
	return updated, nil
}

// write runs one store write under the configured timeout.
func (l *Ledger) write(ctx context.Context, fn func(context.Context) error) error {
	wctx, cancel := context.WithTimeout(ctx, l.writeTimeout)
	defer cancel()
	return fn(wctx)
}

type settlementPlan struct {
	kind        models.TransactionKind
	particulars string
	debit       decimal.Decimal
	update      models.LoanUpdate
}

func planSettlement(op Operation, loan *models.Loan, figures interest.Figures, amount decimal.Decimal, date time.Time) (settlementPlan, error) {
	if amount.IsNegative() {
		return settlementPlan{}, validationf("amount must not be negative")
	}
	renewal := figures.TotalAmtForRenewal

	switch op {
	case OpRenewFull, OpRenewPartial:
		if !renewal.IsPositive() {
			return settlementPlan{}, validationf("nothing to renew: renewal amount is %s", renewal.StringFixed(2))
		}
		count := loan.IntervalCount()
		if count <= 0 {
			return settlementPlan{}, validationf("loan has no period to renew for")
		}
		due := loan.Unit().AddTo(date, count)
		p := settlementPlan{
			update: models.LoanUpdate{LoanDate: &date, DueDate: &due},
		}

		if op == OpRenewFull {
			if amount.IsZero() {
				amount = renewal
			}
			if !amount.Equal(renewal) {
				return settlementPlan{}, validationf("full renewal needs %s, got %s",
					renewal.StringFixed(2), amount.StringFixed(2))
			}
			p.kind = models.TransactionKindRenewal
			p.particulars = "Loan Renewal"
			p.debit = amount
			return p, nil
		}

		if !amount.IsPositive() || amount.GreaterThan(renewal) {
			return settlementPlan{}, validationf("partial renewal amount must be in (0, %s], got %s",
				renewal.StringFixed(2), amount.StringFixed(2))
		}
		principal := loan.LoanAmount.Add(renewal.Sub(amount))
		p.kind = models.TransactionKindPartialRenewal
		p.particulars = "Partial Payment for Renewal"
		p.debit = amount
		p.update.LoanAmount = &principal
		return p, nil

	case OpClose:
		total := figures.TotalAmtForClose
		if !total.IsPositive() {
			return settlementPlan{}, validationf("nothing to close: close amount is %s", total.StringFixed(2))
		}
		if !amount.IsZero() && !amount.Equal(total) {
			return settlementPlan{}, validationf("closing needs %s, got %s",
				total.StringFixed(2), amount.StringFixed(2))
		}
		status := models.LoanStatusClosed
		return settlementPlan{
			kind:        models.TransactionKindClosure,
			particulars: "Loan Closed",
			debit:       total,
			update: models.LoanUpdate{
				LoanDate: &date,
				DueDate:  &date,
				Status:   &status,
				ClosedAt: &date,
			},
		}, nil
	}
	return settlementPlan{}, validationf("unknown operation %q", op)
}

// ReconcileRequest completes a partially committed settlement.
type ReconcileRequest struct {
	LoanID          uuid.UUID `json:"loan_id"`
	TransactionID   uuid.UUID `json:"transaction_id"`
	ExpectedVersion int64     `json:"expected_version"`
}

// Reconcile applies the loan update belonging to an already recorded
// settlement row. The update is re-derived from the row and the loan as it
// stands, and is refused when the loan already reflects it.
func (l *Ledger) Reconcile(ctx context.Context, req ReconcileRequest) (*Result, error) {
	loan, txs, err := l.load(ctx, req.LoanID)
	if err != nil {
		return rejected("", interest.Figures{}, err)
	}
	tx, err := l.storage.GetTransaction(ctx, req.TransactionID)
	if err != nil {
		return rejected("", interest.Figures{}, err)
	}
	if tx.LoanID == nil || *tx.LoanID != loan.ID {
		return rejected("", interest.Figures{}, validationf("transaction %s does not belong to loan %s", tx.ID, loan.ID))
	}

	var op Operation
	switch tx.Kind {
	case models.TransactionKindRenewal:
		op = OpRenewFull
	case models.TransactionKindPartialRenewal:
		op = OpRenewPartial
	case models.TransactionKindClosure:
		op = OpClose
	default:
		return rejected("", interest.Figures{}, validationf("transaction %s is not a settlement", tx.ID))
	}

	if req.ExpectedVersion != 0 && req.ExpectedVersion != loan.Version {
		return rejected(op, interest.Figures{}, fmt.Errorf("%w: expected version %d, found %d",
			ErrConflict, req.ExpectedVersion, loan.Version))
	}
	if loan.Closed() || loan.LoanDate == nil || !loan.LoanDate.Before(tx.Date) {
		return rejected(op, interest.Figures{}, validationf("loan already reflects transaction %s", tx.ID))
	}

	figures := figuresAt(loan, txs, tx.Date)
	amount := tx.Debit
	p, err := planSettlement(op, loan, figures, amount, tx.Date)
	if err != nil {
		return rejected(op, figures, err)
	}

	var updated *models.Loan
	err = l.write(ctx, func(wctx context.Context) error {
		var err error
		updated, err = l.storage.UpdateLoan(wctx, loan.ID, loan.Version, p.update)
		return err
	})
	if err != nil {
		return rejected(op, figures, classifyWrite(err))
	}

	l.log(loan.ID).WithFields(logrus.Fields{
		"operation":      op,
		"transaction_id": tx.ID,
		"version":        updated.Version,
	}).Warn("Settlement reconciled")
	return &Result{
		Status:        StatusCommitted,
		Operation:     op,
		TransactionID: tx.ID,
		Figures:       figures,
		Loan:          updated,
	}, nil
}
