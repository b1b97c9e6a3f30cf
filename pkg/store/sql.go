package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Maheshthanniru/finance-sub000/pkg/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// dialect captures what differs between the SQL backends.
type dialect struct {
	name              string
	numberedParams    bool
	isUniqueViolation func(error) bool
}

func (d dialect) rebind(query string) string {
	if !d.numberedParams {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// sqlStore implements Storage on top of database/sql. When bound to a
// transaction db is nil and q is the *sql.Tx.
type sqlStore struct {
	db     *sql.DB
	q      querier
	d      dialect
	logger *logrus.Logger
}

func newSQLStore(db *sql.DB, d dialect, logger *logrus.Logger) *sqlStore {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &sqlStore{db: db, q: db, d: d, logger: logger}
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.q.ExecContext(ctx, s.d.rebind(query), args...)
}

func (s *sqlStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.q.QueryContext(ctx, s.d.rebind(query), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.q.QueryRowContext(ctx, s.d.rebind(query), args...)
}

// WithinTx runs fn against a store bound to a single database transaction.
func (s *sqlStore) WithinTx(ctx context.Context, fn func(Storage) error) error {
	if s.db == nil {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&sqlStore{q: tx, d: s.d, logger: s.logger}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const loanColumns = `id, number, loan_type, customer_key, customer_name, loan_amount, rate_of_interest,
	period, period_unit, installment_amount, total_installments, loan_date, due_date, status, closed_at,
	g1_name, g1_id_number, g1_phone, g2_name, g2_id_number, g2_phone, partner_id, partner_name,
	snap_amount_paid, snap_present_interest, snap_total_balance, snap_due_days, snap_penalty,
	snap_total_amt_for_renewal, snap_total_amt_for_close, snap_as_of, snap_computed_at,
	version, created_at, updated_at, deleted_at`

// CreateLoan inserts a new loan into the database.
func (s *sqlStore) CreateLoan(ctx context.Context, loan *models.Loan) error {
	g1, g2 := guarantorOrEmpty(loan.Guarantor1), guarantorOrEmpty(loan.Guarantor2)
	_, err := s.exec(ctx,
		`INSERT INTO loans (id, number, loan_type, customer_key, customer_name, loan_amount, rate_of_interest,
			period, period_unit, installment_amount, total_installments, loan_date, due_date, status, closed_at,
			g1_name, g1_id_number, g1_phone, g2_name, g2_id_number, g2_phone, partner_id, partner_name,
			version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		loan.ID.String(), loan.Number, string(loan.LoanType), loan.CustomerKey, loan.CustomerName,
		loan.LoanAmount, loan.RateOfInterest, loan.Period, string(loan.PeriodUnit), loan.InstallmentAmount,
		loan.TotalInstallments, nullTime(loan.LoanDate), nullTime(loan.DueDate), string(loan.Status), nullTime(loan.ClosedAt),
		g1.Name, g1.IDNumber, g1.Phone, g2.Name, g2.IDNumber, g2.Phone, loan.PartnerID, loan.PartnerName,
		loan.Version, loan.CreatedAt, loan.UpdatedAt,
	)
	if err != nil {
		if s.d.isUniqueViolation(err) {
			return fmt.Errorf("failed to create loan: %w", ErrDuplicateKey)
		}
		return fmt.Errorf("failed to create loan: %w", err)
	}
	return nil
}

// GetLoan retrieves a loan by its ID. Soft-deleted loans are not returned.
func (s *sqlStore) GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	row := s.queryRow(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = ? AND deleted_at IS NULL`, id.String())
	loan, err := scanLoan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("loan %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get loan: %w", err)
	}
	return loan, nil
}

// UpdateLoan writes the listed fields, conditional on expectedVersion when it is non-zero.
func (s *sqlStore) UpdateLoan(ctx context.Context, id uuid.UUID, expectedVersion int64, upd models.LoanUpdate) (*models.Loan, error) {
	var sets []string
	var args []any
	set := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}

	if upd.CustomerName != nil {
		set("customer_name", *upd.CustomerName)
	}
	if upd.LoanAmount != nil {
		set("loan_amount", *upd.LoanAmount)
	}
	if upd.RateOfInterest != nil {
		set("rate_of_interest", *upd.RateOfInterest)
	}
	if upd.Period != nil {
		set("period", *upd.Period)
	}
	if upd.PeriodUnit != nil {
		set("period_unit", string(*upd.PeriodUnit))
	}
	if upd.InstallmentAmount != nil {
		set("installment_amount", *upd.InstallmentAmount)
	}
	if upd.TotalInstallments != nil {
		set("total_installments", *upd.TotalInstallments)
	}
	if upd.LoanDate != nil {
		set("loan_date", *upd.LoanDate)
	}
	if upd.DueDate != nil {
		set("due_date", *upd.DueDate)
	}
	if upd.Status != nil {
		set("status", string(*upd.Status))
	}
	if upd.ClosedAt != nil {
		set("closed_at", *upd.ClosedAt)
	}
	if upd.Guarantor1 != nil {
		set("g1_name", upd.Guarantor1.Name)
		set("g1_id_number", upd.Guarantor1.IDNumber)
		set("g1_phone", upd.Guarantor1.Phone)
	}
	if upd.Guarantor2 != nil {
		set("g2_name", upd.Guarantor2.Name)
		set("g2_id_number", upd.Guarantor2.IDNumber)
		set("g2_phone", upd.Guarantor2.Phone)
	}
	if upd.PartnerID != nil {
		set("partner_id", *upd.PartnerID)
	}
	if upd.PartnerName != nil {
		set("partner_name", *upd.PartnerName)
	}
	set("updated_at", time.Now().UTC())
	sets = append(sets, "version = version + 1")

	query := `UPDATE loans SET ` + strings.Join(sets, ", ") + ` WHERE id = ? AND deleted_at IS NULL`
	args = append(args, id.String())
	if expectedVersion != 0 {
		query += ` AND version = ?`
		args = append(args, expectedVersion)
	}

	result, err := s.exec(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update loan: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		if _, err := s.GetLoan(ctx, id); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("loan %s at version %d: %w", id, expectedVersion, ErrVersionConflict)
	}
	return s.GetLoan(ctx, id)
}

// DeleteLoan soft-deletes a loan. Its ledger rows are kept.
func (s *sqlStore) DeleteLoan(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	result, err := s.exec(ctx,
		`UPDATE loans SET deleted_at = ?, updated_at = ?, version = version + 1 WHERE id = ? AND deleted_at IS NULL`,
		now, now, id.String())
	if err != nil {
		return fmt.Errorf("failed to delete loan: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("loan %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListLoans retrieves loans matching the filter, ordered by type and number.
func (s *sqlStore) ListLoans(ctx context.Context, filter models.LoanFilter) ([]*models.Loan, error) {
	query := `SELECT ` + loanColumns + ` FROM loans WHERE deleted_at IS NULL`
	var args []any
	if filter.LoanType != "" {
		query += ` AND loan_type = ?`
		args = append(args, string(filter.LoanType))
	}
	if !filter.IncludeClosed {
		query += ` AND status = ?`
		args = append(args, string(models.LoanStatusActive))
	}
	query += ` ORDER BY loan_type, number`

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list loans: %w", err)
	}
	defer rows.Close()

	var loans []*models.Loan
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan loan row: %w", err)
		}
		loans = append(loans, loan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return loans, nil
}

// NextLoanNumber returns the next display number for the loan type.
func (s *sqlStore) NextLoanNumber(ctx context.Context, loanType models.LoanType) (int64, error) {
	var next int64
	err := s.queryRow(ctx, `SELECT COALESCE(MAX(number), 0) + 1 FROM loans WHERE loan_type = ?`, string(loanType)).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate loan number: %w", err)
	}
	return next, nil
}

// SaveSnapshot stores cached figures. The version is not bumped.
func (s *sqlStore) SaveSnapshot(ctx context.Context, id uuid.UUID, snap models.Snapshot) error {
	result, err := s.exec(ctx,
		`UPDATE loans SET snap_amount_paid = ?, snap_present_interest = ?, snap_total_balance = ?, snap_due_days = ?,
			snap_penalty = ?, snap_total_amt_for_renewal = ?, snap_total_amt_for_close = ?, snap_as_of = ?, snap_computed_at = ?
		WHERE id = ? AND deleted_at IS NULL`,
		snap.AmountPaid, snap.PresentInterest, snap.TotalBalance, snap.DueDays, snap.Penalty,
		snap.TotalAmtForRenewal, snap.TotalAmtForClose, snap.AsOf, snap.ComputedAt, id.String())
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("loan %s: %w", id, ErrNotFound)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLoan(sc scanner) (*models.Loan, error) {
	var (
		loan                          models.Loan
		idStr, loanType, unit, status string
		loanDate, dueDate, closedAt   sql.NullTime
		g1, g2                        models.Guarantor
		snapPaid, snapInterest        decimal.NullDecimal
		snapBalance, snapPenalty      decimal.NullDecimal
		snapRenewal, snapClose        decimal.NullDecimal
		snapDueDays                   sql.NullInt64
		snapAsOf, snapComputedAt      sql.NullTime
		deletedAt                     sql.NullTime
	)
	err := sc.Scan(&idStr, &loan.Number, &loanType, &loan.CustomerKey, &loan.CustomerName, &loan.LoanAmount,
		&loan.RateOfInterest, &loan.Period, &unit, &loan.InstallmentAmount, &loan.TotalInstallments,
		&loanDate, &dueDate, &status, &closedAt,
		&g1.Name, &g1.IDNumber, &g1.Phone, &g2.Name, &g2.IDNumber, &g2.Phone, &loan.PartnerID, &loan.PartnerName,
		&snapPaid, &snapInterest, &snapBalance, &snapDueDays, &snapPenalty, &snapRenewal, &snapClose, &snapAsOf, &snapComputedAt,
		&loan.Version, &loan.CreatedAt, &loan.UpdatedAt, &deletedAt)
	if err != nil {
		return nil, err
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("invalid loan id %q: %w", idStr, err)
	}
	loan.ID = id
	loan.LoanType = models.LoanType(loanType)
	loan.PeriodUnit = models.PeriodUnit(unit)
	loan.Status = models.LoanStatus(status)
	loan.LoanDate = timePtr(loanDate)
	loan.DueDate = timePtr(dueDate)
	loan.ClosedAt = timePtr(closedAt)
	loan.DeletedAt = timePtr(deletedAt)
	if g1 != (models.Guarantor{}) {
		loan.Guarantor1 = &g1
	}
	if g2 != (models.Guarantor{}) {
		loan.Guarantor2 = &g2
	}
	if snapComputedAt.Valid {
		loan.Snapshot = &models.Snapshot{
			AmountPaid:         snapPaid.Decimal,
			PresentInterest:    snapInterest.Decimal,
			TotalBalance:       snapBalance.Decimal,
			DueDays:            int(snapDueDays.Int64),
			Penalty:            snapPenalty.Decimal,
			TotalAmtForRenewal: snapRenewal.Decimal,
			TotalAmtForClose:   snapClose.Decimal,
			AsOf:               snapAsOf.Time,
			ComputedAt:         snapComputedAt.Time,
		}
	}
	return &loan, nil
}

const transactionColumns = `id, loan_id, account_ref, date, credit, debit, particulars, rno, kind, idempotency_key, created_at`

// CreateTransaction inserts a new ledger row. A repeated idempotency key
// yields ErrDuplicateKey.
func (s *sqlStore) CreateTransaction(ctx context.Context, transaction *models.Transaction) error {
	var loanID sql.NullString
	if transaction.LoanID != nil {
		loanID = sql.NullString{String: transaction.LoanID.String(), Valid: true}
	}
	_, err := s.exec(ctx,
		`INSERT INTO transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		transaction.ID.String(), loanID, transaction.AccountRef, transaction.Date, transaction.Credit, transaction.Debit,
		transaction.Particulars, transaction.Rno, string(transaction.Kind), nullString(transaction.IdempotencyKey), transaction.CreatedAt,
	)
	if err != nil {
		if s.d.isUniqueViolation(err) {
			return fmt.Errorf("failed to create transaction: %w", ErrDuplicateKey)
		}
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

// GetTransaction retrieves a single ledger row.
func (s *sqlStore) GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	row := s.queryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id.String())
	tx, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return tx, nil
}

// GetTransactionsForLoan retrieves all transactions for a given loan ID.
func (s *sqlStore) GetTransactionsForLoan(ctx context.Context, loanID uuid.UUID) ([]*models.Transaction, error) {
	return s.listTransactions(ctx, `WHERE loan_id = ?`, loanID.String())
}

// GetTransactionsByAccountRef retrieves rows keyed by the legacy account string.
func (s *sqlStore) GetTransactionsByAccountRef(ctx context.Context, accountRef string) ([]*models.Transaction, error) {
	return s.listTransactions(ctx, `WHERE account_ref = ?`, accountRef)
}

// ListUnlinkedTransactions returns legacy rows that carry no loan id yet.
func (s *sqlStore) ListUnlinkedTransactions(ctx context.Context) ([]*models.Transaction, error) {
	return s.listTransactions(ctx, `WHERE loan_id IS NULL`)
}

// LinkTransaction sets the loan id of a legacy row. Rows already linked are left alone.
func (s *sqlStore) LinkTransaction(ctx context.Context, txID, loanID uuid.UUID) error {
	result, err := s.exec(ctx, `UPDATE transactions SET loan_id = ? WHERE id = ? AND loan_id IS NULL`, loanID.String(), txID.String())
	if err != nil {
		return fmt.Errorf("failed to link transaction: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("unlinked transaction %s: %w", txID, ErrNotFound)
	}
	return nil
}

func (s *sqlStore) listTransactions(ctx context.Context, where string, args ...any) ([]*models.Transaction, error) {
	rows, err := s.query(ctx, `SELECT `+transactionColumns+` FROM transactions `+where+` ORDER BY date ASC, created_at ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get transactions: %w", err)
	}
	defer rows.Close()

	var transactions []*models.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction row: %w", err)
		}
		transactions = append(transactions, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for transactions: %w", err)
	}
	return transactions, nil
}

func scanTransaction(sc scanner) (*models.Transaction, error) {
	var (
		tx                  models.Transaction
		idStr, kind         string
		loanID, idempotency sql.NullString
	)
	if err := sc.Scan(&idStr, &loanID, &tx.AccountRef, &tx.Date, &tx.Credit, &tx.Debit, &tx.Particulars,
		&tx.Rno, &kind, &idempotency, &tx.CreatedAt); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("invalid transaction id %q: %w", idStr, err)
	}
	tx.ID = id
	if loanID.Valid {
		lid, err := uuid.Parse(loanID.String)
		if err != nil {
			return nil, fmt.Errorf("invalid loan id %q: %w", loanID.String, err)
		}
		tx.LoanID = &lid
	}
	tx.Kind = models.TransactionKind(kind)
	tx.IdempotencyKey = idempotency.String
	return &tx, nil
}

// Close closes the database connection. Transaction-bound stores are closed by commit.
func (s *sqlStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func guarantorOrEmpty(g *models.Guarantor) models.Guarantor {
	if g == nil {
		return models.Guarantor{}
	}
	return *g
}
