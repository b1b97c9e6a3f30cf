package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type LoanType string

const (
	LoanTypeCD   LoanType = "CD"
	LoanTypeSTBD LoanType = "STBD"
	LoanTypeHP   LoanType = "HP"
	LoanTypeTBD  LoanType = "TBD"
	LoanTypeFD   LoanType = "FD"
	LoanTypeOD   LoanType = "OD"
	LoanTypeRD   LoanType = "RD"
)

// Valid reports whether t is one of the known loan products.
func (t LoanType) Valid() bool {
	switch t {
	case LoanTypeCD, LoanTypeSTBD, LoanTypeHP, LoanTypeTBD, LoanTypeFD, LoanTypeOD, LoanTypeRD:
		return true
	}
	return false
}

// Installment reports whether the product is repaid in fixed installments.
func (t LoanType) Installment() bool {
	return t == LoanTypeSTBD || t == LoanTypeHP || t == LoanTypeTBD
}

// DefaultPeriodUnit is the unit Period is expressed in when a loan does not say.
func (t LoanType) DefaultPeriodUnit() PeriodUnit {
	switch t {
	case LoanTypeSTBD, LoanTypeHP, LoanTypeTBD, LoanTypeRD:
		return PeriodMonths
	default:
		return PeriodDays
	}
}

type PeriodUnit string

const (
	PeriodDays   PeriodUnit = "days"
	PeriodMonths PeriodUnit = "months"
)

// AddTo moves t forward by n units.
func (u PeriodUnit) AddTo(t time.Time, n int) time.Time {
	if u == PeriodMonths {
		return t.AddDate(0, n, 0)
	}
	return t.AddDate(0, 0, n)
}

type LoanStatus string

const (
	LoanStatusActive LoanStatus = "active"
	LoanStatusClosed LoanStatus = "closed"
)

// Guarantor is a denormalized copy, not a reference to a customer record.
type Guarantor struct {
	Name     string `json:"name"`
	IDNumber string `json:"id_number"`
	Phone    string `json:"phone"`
}

// Snapshot holds figures cached on the loan row. Advisory only; statements
// always recompute from terms and transactions.
type Snapshot struct {
	AmountPaid         decimal.Decimal `json:"amount_paid"`
	PresentInterest    decimal.Decimal `json:"present_interest"`
	TotalBalance       decimal.Decimal `json:"total_balance"`
	DueDays            int             `json:"due_days"`
	Penalty            decimal.Decimal `json:"penalty"`
	TotalAmtForRenewal decimal.Decimal `json:"total_amt_for_renewal"`
	TotalAmtForClose   decimal.Decimal `json:"total_amt_for_close"`
	AsOf               time.Time       `json:"as_of"`
	ComputedAt         time.Time       `json:"computed_at"`
}

type Loan struct {
	ID                uuid.UUID           `json:"id"`
	Number            int64               `json:"number"`
	LoanType          LoanType            `json:"loan_type"`
	CustomerKey       string              `json:"customer_key"`
	CustomerName      string              `json:"customer_name"`
	LoanAmount        decimal.Decimal     `json:"loan_amount"`
	RateOfInterest    decimal.NullDecimal `json:"rate_of_interest"` // annual percent, 12 when unset
	Period            int                 `json:"period"`
	PeriodUnit        PeriodUnit          `json:"period_unit"`
	InstallmentAmount decimal.Decimal     `json:"installment_amount"`
	TotalInstallments int                 `json:"total_installments"`
	LoanDate          *time.Time          `json:"loan_date,omitempty"` // accrual anchor
	DueDate           *time.Time          `json:"due_date,omitempty"`
	Status            LoanStatus          `json:"status"`
	ClosedAt          *time.Time          `json:"closed_at,omitempty"`
	Guarantor1        *Guarantor          `json:"guarantor1,omitempty"`
	Guarantor2        *Guarantor          `json:"guarantor2,omitempty"`
	PartnerID         string              `json:"partner_id,omitempty"`
	PartnerName       string              `json:"partner_name,omitempty"`
	Snapshot          *Snapshot           `json:"snapshot,omitempty"`
	Version           int64               `json:"version"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
	DeletedAt         *time.Time          `json:"deleted_at,omitempty"`
}

// AccountRef is the legacy "<TYPE>-<number>" string ledger rows were keyed by
// before they carried a loan id.
func (l *Loan) AccountRef() string {
	return AccountRef(l.LoanType, l.Number)
}

func AccountRef(t LoanType, number int64) string {
	return fmt.Sprintf("%s-%d", t, number)
}

// Unit returns the explicit period unit, falling back to the product default.
func (l *Loan) Unit() PeriodUnit {
	if l.PeriodUnit != "" {
		return l.PeriodUnit
	}
	return l.LoanType.DefaultPeriodUnit()
}

// IntervalCount is the renewal term: Period, or the installment count when an
// installment loan carries no Period.
func (l *Loan) IntervalCount() int {
	if l.Period > 0 {
		return l.Period
	}
	return l.TotalInstallments
}

func (l *Loan) Closed() bool {
	return l.Status == LoanStatusClosed
}

// LoanUpdate lists the fields to change. Nil fields are left untouched.
type LoanUpdate struct {
	CustomerName      *string              `json:"customer_name,omitempty"`
	LoanAmount        *decimal.Decimal     `json:"loan_amount,omitempty"`
	RateOfInterest    *decimal.NullDecimal `json:"rate_of_interest,omitempty"`
	Period            *int                 `json:"period,omitempty"`
	PeriodUnit        *PeriodUnit          `json:"period_unit,omitempty"`
	InstallmentAmount *decimal.Decimal     `json:"installment_amount,omitempty"`
	TotalInstallments *int                 `json:"total_installments,omitempty"`
	LoanDate          *time.Time           `json:"loan_date,omitempty"`
	DueDate           *time.Time           `json:"due_date,omitempty"`
	Status            *LoanStatus          `json:"status,omitempty"`
	ClosedAt          *time.Time           `json:"closed_at,omitempty"`
	Guarantor1        *Guarantor           `json:"guarantor1,omitempty"`
	Guarantor2        *Guarantor           `json:"guarantor2,omitempty"`
	PartnerID         *string              `json:"partner_id,omitempty"`
	PartnerName       *string              `json:"partner_name,omitempty"`
}

// TouchesTerms reports whether the update changes fields that only a
// renewal or closure may change.
func (u LoanUpdate) TouchesTerms() bool {
	return u.LoanAmount != nil || u.LoanDate != nil || u.DueDate != nil || u.Status != nil || u.ClosedAt != nil
}

// Apply copies the listed fields onto l.
func (u LoanUpdate) Apply(l *Loan) {
	if u.CustomerName != nil {
		l.CustomerName = *u.CustomerName
	}
	if u.LoanAmount != nil {
		l.LoanAmount = *u.LoanAmount
	}
	if u.RateOfInterest != nil {
		l.RateOfInterest = *u.RateOfInterest
	}
	if u.Period != nil {
		l.Period = *u.Period
	}
	if u.PeriodUnit != nil {
		l.PeriodUnit = *u.PeriodUnit
	}
	if u.InstallmentAmount != nil {
		l.InstallmentAmount = *u.InstallmentAmount
	}
	if u.TotalInstallments != nil {
		l.TotalInstallments = *u.TotalInstallments
	}
	if u.LoanDate != nil {
		d := *u.LoanDate
		l.LoanDate = &d
	}
	if u.DueDate != nil {
		d := *u.DueDate
		l.DueDate = &d
	}
	if u.Status != nil {
		l.Status = *u.Status
	}
	if u.ClosedAt != nil {
		d := *u.ClosedAt
		l.ClosedAt = &d
	}
	if u.Guarantor1 != nil {
		g := *u.Guarantor1
		l.Guarantor1 = &g
	}
	if u.Guarantor2 != nil {
		g := *u.Guarantor2
		l.Guarantor2 = &g
	}
	if u.PartnerID != nil {
		l.PartnerID = *u.PartnerID
	}
	if u.PartnerName != nil {
		l.PartnerName = *u.PartnerName
	}
}

type LoanFilter struct {
	LoanType      LoanType
	IncludeClosed bool
}

type TransactionKind string

const (
	TransactionKindDisbursement   TransactionKind = "disbursement"
	TransactionKindPayment        TransactionKind = "payment"
	TransactionKindRenewal        TransactionKind = "renewal"
	TransactionKindPartialRenewal TransactionKind = "partial_renewal"
	TransactionKindClosure        TransactionKind = "closure"
	TransactionKindManual         TransactionKind = "manual"
)

// Settlement reports whether the row settles a previous accrual period.
func (k TransactionKind) Settlement() bool {
	return k == TransactionKindRenewal || k == TransactionKindPartialRenewal || k == TransactionKindClosure
}

// Transaction is one ledger row. Debit is money received from the customer
// against the loan; disbursements are recorded as credit.
type Transaction struct {
	ID             uuid.UUID       `json:"id"`
	LoanID         *uuid.UUID      `json:"loan_id,omitempty"`
	AccountRef     string          `json:"account_ref"`
	Date           time.Time       `json:"date"`
	Credit         decimal.Decimal `json:"credit"`
	Debit          decimal.Decimal `json:"debit"`
	Particulars    string          `json:"particulars"`
	Rno            string          `json:"rno,omitempty"`
	Kind           TransactionKind `json:"kind"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}
