package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Maheshthanniru/finance-sub000/pkg/interest"
	"github.com/Maheshthanniru/finance-sub000/pkg/models"
	"github.com/Maheshthanniru/finance-sub000/pkg/store"
	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	defaultWriteTimeout = 10 * time.Second
	loanNumberAttempts  = 3
)

// Ledger handles the business logic for loans and transactions.
type Ledger struct {
	storage      store.Storage
	logger       *logrus.Logger
	metrics      *Metrics
	receipts     *snowflake.Node
	now          func() time.Time
	writeTimeout time.Duration
	operator     string

	snapshotWorkers int
}

type Option func(*Ledger)

func WithLogger(logger *logrus.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

func WithMetrics(m *Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// WithClock replaces time.Now as the source of the default settlement date.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.writeTimeout = d
		}
	}
}

// WithReceiptNode sets the snowflake node receipt numbers are generated on.
func WithReceiptNode(node *snowflake.Node) Option {
	return func(l *Ledger) { l.receipts = node }
}

func WithOperator(name string) Option {
	return func(l *Ledger) { l.operator = name }
}

// NewLedger creates a new Ledger with a given Storage implementation.
func NewLedger(s store.Storage, opts ...Option) *Ledger {
	l := &Ledger{
		storage:      s,
		logger:       logrus.StandardLogger(),
		now:          time.Now,
		writeTimeout: defaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.receipts == nil {
		node, err := snowflake.NewNode(1)
		if err != nil {
			panic(fmt.Sprintf("ledger: receipt node: %v", err))
		}
		l.receipts = node
	}
	return l
}

// today is the clock's current date at midnight UTC.
func (l *Ledger) today() time.Time {
	return dateOnly(l.now())
}

func dateOnly(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func (l *Ledger) log(loanID uuid.UUID) *logrus.Entry {
	entry := l.logger.WithField("loan_id", loanID)
	if l.operator != "" {
		entry = entry.WithField("operator", l.operator)
	}
	return entry
}

// NewLoan carries the fields supplied at disbursement.
type NewLoan struct {
	LoanType          models.LoanType     `json:"loan_type"`
	CustomerKey       string              `json:"customer_key"`
	CustomerName      string              `json:"customer_name"`
	LoanAmount        decimal.Decimal     `json:"loan_amount"`
	RateOfInterest    decimal.NullDecimal `json:"rate_of_interest"`
	Period            int                 `json:"period"`
	PeriodUnit        models.PeriodUnit   `json:"period_unit"`
	InstallmentAmount decimal.Decimal     `json:"installment_amount"`
	TotalInstallments int                 `json:"total_installments"`
	LoanDate          time.Time           `json:"loan_date"` // today when zero
	DueDate           *time.Time          `json:"due_date"`  // derived from the period when nil
	Guarantor1        *models.Guarantor   `json:"guarantor1"`
	Guarantor2        *models.Guarantor   `json:"guarantor2"`
	PartnerID         string              `json:"partner_id"`
	PartnerName       string              `json:"partner_name"`
}

func (n NewLoan) validate() error {
	if !n.LoanType.Valid() {
		return validationf("unknown loan type %q", n.LoanType)
	}
	if !n.LoanAmount.IsPositive() {
		return validationf("loan amount must be positive")
	}
	if n.RateOfInterest.Valid && n.RateOfInterest.Decimal.IsNegative() {
		return validationf("rate of interest must not be negative")
	}
	if n.Period < 0 || n.TotalInstallments < 0 {
		return validationf("period and installment count must not be negative")
	}
	if n.InstallmentAmount.IsNegative() {
		return validationf("installment amount must not be negative")
	}
	if n.PeriodUnit != "" && n.PeriodUnit != models.PeriodDays && n.PeriodUnit != models.PeriodMonths {
		return validationf("unknown period unit %q", n.PeriodUnit)
	}
	if n.LoanType.Installment() && n.TotalInstallments == 0 {
		return validationf("%s loans need an installment count", n.LoanType)
	}
	return nil
}

// CreateLoan disburses a new loan and records the disbursement row.
func (l *Ledger) CreateLoan(ctx context.Context, req NewLoan) (*models.Loan, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	loanDate := l.today()
	if !req.LoanDate.IsZero() {
		loanDate = dateOnly(req.LoanDate)
	}
	unit := req.PeriodUnit
	if unit == "" {
		unit = req.LoanType.DefaultPeriodUnit()
	}

	now := l.now().UTC()
	loan := &models.Loan{
		ID:                uuid.New(),
		LoanType:          req.LoanType,
		CustomerKey:       req.CustomerKey,
		CustomerName:      req.CustomerName,
		LoanAmount:        req.LoanAmount,
		RateOfInterest:    req.RateOfInterest,
		Period:            req.Period,
		PeriodUnit:        unit,
		InstallmentAmount: req.InstallmentAmount,
		TotalInstallments: req.TotalInstallments,
		LoanDate:          &loanDate,
		Status:            models.LoanStatusActive,
		Guarantor1:        req.Guarantor1,
		Guarantor2:        req.Guarantor2,
		PartnerID:         req.PartnerID,
		PartnerName:       req.PartnerName,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	switch {
	case req.DueDate != nil:
		due := dateOnly(*req.DueDate)
		loan.DueDate = &due
	case loan.IntervalCount() > 0:
		due := unit.AddTo(loanDate, loan.IntervalCount())
		loan.DueDate = &due
	}

	var err error
	for attempt := 1; attempt <= loanNumberAttempts; attempt++ {
		err = l.atomically(ctx, func(s store.Storage) error {
			number, err := s.NextLoanNumber(ctx, loan.LoanType)
			if err != nil {
				return err
			}
			loan.Number = number
			if err := s.CreateLoan(ctx, loan); err != nil {
				return err
			}

			// Record disbursement
			disbursement := &models.Transaction{
				ID:          uuid.New(),
				LoanID:      &loan.ID,
				AccountRef:  loan.AccountRef(),
				Date:        loanDate,
				Credit:      loan.LoanAmount,
				Particulars: "Loan Disbursed",
				Rno:         l.receipts.Generate().String(),
				Kind:        models.TransactionKindDisbursement,
				CreatedAt:   now,
			}
			return s.CreateTransaction(ctx, disbursement)
		})
		if !errors.Is(err, store.ErrDuplicateKey) {
			break
		}
		l.log(loan.ID).WithFields(logrus.Fields{
			"loan_type": loan.LoanType,
			"number":    loan.Number,
			"attempt":   attempt,
		}).Warn("Loan number taken; allocating another")
	}
	switch {
	case errors.Is(err, store.ErrDuplicateKey):
		return nil, fmt.Errorf("failed to store loan: %w: no free %s loan number: %w", ErrConflict, loan.LoanType, err)
	case err != nil:
		return nil, fmt.Errorf("failed to store loan: %w", classifyWrite(err))
	}

	l.log(loan.ID).WithFields(logrus.Fields{
		"loan_type": loan.LoanType,
		"number":    loan.Number,
		"amount":    loan.LoanAmount.StringFixed(2),
	}).Info("Loan disbursed")
	return loan, nil
}

// atomically runs fn in a single store transaction when the store supports it.
func (l *Ledger) atomically(ctx context.Context, fn func(store.Storage) error) error {
	if tr, ok := l.storage.(store.Transactor); ok {
		return tr.WithinTx(ctx, fn)
	}
	return fn(l.storage)
}

// GetLoan retrieves a loan by its ID.
func (l *Ledger) GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	return l.storage.GetLoan(ctx, id)
}

// ListLoans retrieves loans, optionally of one type.
func (l *Ledger) ListLoans(ctx context.Context, filter models.LoanFilter) ([]*models.Loan, error) {
	if filter.LoanType != "" && !filter.LoanType.Valid() {
		return nil, validationf("unknown loan type %q", filter.LoanType)
	}
	return l.storage.ListLoans(ctx, filter)
}

// UpdateLoan edits descriptive fields and terms. The anchor date, due date,
// principal and status belong to renewal and closure and are rejected here.
func (l *Ledger) UpdateLoan(ctx context.Context, id uuid.UUID, expectedVersion int64, upd models.LoanUpdate) (*models.Loan, error) {
	if upd.TouchesTerms() {
		return nil, validationf("loan amount, loan date, due date and status change only through renewal or closure")
	}
	if upd.RateOfInterest != nil && upd.RateOfInterest.Valid && upd.RateOfInterest.Decimal.IsNegative() {
		return nil, validationf("rate of interest must not be negative")
	}
	if (upd.Period != nil && *upd.Period < 0) || (upd.TotalInstallments != nil && *upd.TotalInstallments < 0) {
		return nil, validationf("period and installment count must not be negative")
	}
	if upd.PeriodUnit != nil && *upd.PeriodUnit != models.PeriodDays && *upd.PeriodUnit != models.PeriodMonths {
		return nil, validationf("unknown period unit %q", *upd.PeriodUnit)
	}

	loan, err := l.storage.UpdateLoan(ctx, id, expectedVersion, upd)
	if err != nil {
		return nil, classifyWrite(err)
	}
	return loan, nil
}

// DeleteLoan soft-deletes a loan; its ledger rows stay for audit.
func (l *Ledger) DeleteLoan(ctx context.Context, id uuid.UUID) error {
	if err := l.storage.DeleteLoan(ctx, id); err != nil {
		return classifyWrite(err)
	}
	l.log(id).Info("Loan deleted")
	return nil
}

type PaymentRequest struct {
	LoanID         uuid.UUID
	Amount         decimal.Decimal
	Date           time.Time // today when zero
	Particulars    string
	IdempotencyKey string
}

// RecordPayment enters a customer payment against a loan. It only appends a
// ledger row; the loan record is not touched.
func (l *Ledger) RecordPayment(ctx context.Context, req PaymentRequest) (*models.Transaction, error) {
	if !req.Amount.IsPositive() {
		return nil, validationf("amount must be positive")
	}
	loan, err := l.storage.GetLoan(ctx, req.LoanID)
	if err != nil {
		return nil, err
	}
	if loan.Closed() {
		return nil, fmt.Errorf("%w: %w", ErrValidation, ErrLoanClosed)
	}

	date := l.today()
	if !req.Date.IsZero() {
		date = dateOnly(req.Date)
	}
	if loan.LoanDate != nil && date.Before(*loan.LoanDate) {
		return nil, validationf("payment date %s precedes loan date %s",
			date.Format(time.DateOnly), loan.LoanDate.Format(time.DateOnly))
	}
	particulars := req.Particulars
	if particulars == "" {
		particulars = "Payment"
	}

	transaction := &models.Transaction{
		ID:             uuid.New(),
		LoanID:         &loan.ID,
		AccountRef:     loan.AccountRef(),
		Date:           date,
		Debit:          req.Amount,
		Particulars:    particulars,
		Rno:            l.receipts.Generate().String(),
		Kind:           models.TransactionKindPayment,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      l.now().UTC(),
	}
	wctx, cancel := context.WithTimeout(ctx, l.writeTimeout)
	defer cancel()
	if err := l.storage.CreateTransaction(wctx, transaction); err != nil {
		return nil, fmt.Errorf("failed to store payment transaction: %w", classifyWrite(err))
	}

	l.log(loan.ID).WithField("amount", req.Amount.StringFixed(2)).Info("Payment recorded")
	return transaction, nil
}

// Statement is a loan's ledger view at an as-of date.
type Statement struct {
	Loan            *models.Loan              `json:"loan"`
	AsOf            time.Time                 `json:"as_of"`
	Transactions    []*models.Transaction     `json:"transactions"`
	Figures         interest.Figures          `json:"figures"`
	Installments    []interest.Installment    `json:"installments,omitempty"`
	ScheduleSummary *interest.ScheduleSummary `json:"schedule_summary,omitempty"`
}

// Statement computes the loan's figures at asOf (today when zero). A closed
// loan is always evaluated at its close date.
func (l *Ledger) Statement(ctx context.Context, id uuid.UUID, asOf time.Time) (*Statement, error) {
	loan, txs, err := l.load(ctx, id)
	if err != nil {
		return nil, err
	}

	if asOf.IsZero() {
		asOf = l.today()
	}
	if loan.Closed() && loan.ClosedAt != nil {
		asOf = *loan.ClosedAt
	}

	st := &Statement{
		Loan:         loan,
		AsOf:         asOf,
		Transactions: txs,
		Figures:      figuresAt(loan, txs, asOf),
	}
	if loan.Closed() {
		st.Figures = settledFigures(txs)
	}
	if st.Figures.AnchorMissing {
		l.log(loan.ID).Warn("Loan has no loan date; figures left at defaults")
	}

	if loan.LoanType.Installment() {
		if terms, ok := interest.ScheduleTermsOf(loan); ok {
			schedule, err := interest.NewSchedule(terms, asOf, interest.PeriodTransactions(loan.LoanDate, asOf, txs))
			if err != nil {
				l.log(loan.ID).WithError(err).Warn("Skipping installment schedule")
			} else {
				st.Installments = schedule.Installments()
				sum := schedule.Summary()
				st.ScheduleSummary = &sum
			}
		}
	}
	return st, nil
}

func (l *Ledger) load(ctx context.Context, id uuid.UUID) (*models.Loan, []*models.Transaction, error) {
	loan, err := l.storage.GetLoan(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	txs, err := l.storage.GetTransactionsForLoan(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return loan, txs, nil
}

func figuresAt(loan *models.Loan, txs []*models.Transaction, asOf time.Time) interest.Figures {
	return interest.Calculate(interest.TermsOf(loan), asOf, interest.PeriodTransactions(loan.LoanDate, asOf, txs))
}

// settledFigures are the figures of a closed loan: nothing is owed and the
// amount paid is the closing settlement.
func settledFigures(txs []*models.Transaction) interest.Figures {
	var closure *models.Transaction
	for _, tx := range txs {
		if tx.Kind == models.TransactionKindClosure && (closure == nil || tx.CreatedAt.After(closure.CreatedAt)) {
			closure = tx
		}
	}
	f := interest.Figures{
		PresentInterest:    decimal.Zero,
		TotalBalance:       decimal.Zero,
		Penalty:            decimal.Zero,
		TotalAmtForRenewal: decimal.Zero,
		TotalAmtForClose:   decimal.Zero,
		AmountPaid:         decimal.Zero,
	}
	if closure != nil {
		f.AmountPaid = closure.Debit.Round(2)
	}
	return f
}
