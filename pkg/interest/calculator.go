// Package interest computes accrued interest, overdue penalty and settlement
// figures for a loan at an operator-chosen as-of date. Everything here is a
// pure function of its inputs; callers load loans and ledger rows themselves.
package interest

import (
	"math"
	"time"

	"github.com/Maheshthanniru/finance-sub000/pkg/models"
	"github.com/shopspring/decimal"
)

var (
	// DefaultRate is the annual percent used when a loan carries no rate.
	DefaultRate = decimal.NewFromInt(12)

	daysInYear = decimal.NewFromInt(365)
	hundred    = decimal.NewFromInt(100)
)

// Terms are the loan inputs the calculator reads.
type Terms struct {
	LoanAmount decimal.Decimal
	Rate       decimal.NullDecimal
	LoanDate   *time.Time
	DueDate    *time.Time
}

// TermsOf extracts calculation terms from a loan record.
func TermsOf(l *models.Loan) Terms {
	return Terms{
		LoanAmount: l.LoanAmount,
		Rate:       l.RateOfInterest,
		LoanDate:   l.LoanDate,
		DueDate:    l.DueDate,
	}
}

// AnnualRate returns the rate in percent, applying DefaultRate when unset.
func (t Terms) AnnualRate() decimal.Decimal {
	if !t.Rate.Valid {
		return DefaultRate
	}
	return t.Rate.Decimal
}

// Figures are the settlement figures of a loan at an as-of date. Currency
// fields are rounded to 2 places.
type Figures struct {
	AmountPaid         decimal.Decimal `json:"amount_paid"`
	PresentInterest    decimal.Decimal `json:"present_interest"`
	TotalBalance       decimal.Decimal `json:"total_balance"`
	DaysElapsed        float64         `json:"days_elapsed"`
	PeriodDays         int             `json:"period_days"`
	DueDays            int             `json:"due_days"`
	OverdueDays        int             `json:"overdue_days"`
	Penalty            decimal.Decimal `json:"penalty"`
	TotalAmtForRenewal decimal.Decimal `json:"total_amt_for_renewal"`
	TotalAmtForClose   decimal.Decimal `json:"total_amt_for_close"`
	AnchorMissing      bool            `json:"anchor_missing,omitempty"`
}

// Calculate produces the settlement figures of terms at asOf. The debits of
// txs are the amount paid; pass PeriodTransactions to restrict them to the
// current accrual period.
//
// Without a loan date nothing is accrued and only TotalBalance is set.
func Calculate(terms Terms, asOf time.Time, txs []*models.Transaction) Figures {
	if terms.LoanDate == nil || terms.LoanDate.IsZero() {
		return Figures{
			TotalBalance:  terms.LoanAmount.Round(2),
			AnchorMissing: true,
		}
	}

	loanDate := *terms.LoanDate
	rate := terms.AnnualRate()

	elapsed := math.Max(0, daysBetween(loanDate, asOf))
	periodDays := int(math.Ceil(elapsed))

	amountPaid := decimal.Zero
	for _, tx := range txs {
		amountPaid = amountPaid.Add(tx.Debit)
	}

	interest := decimal.Zero
	penalty := decimal.Zero
	overdueDays := 0
	if terms.DueDate != nil && !terms.DueDate.IsZero() {
		overdueDays = FloorDays(*terms.DueDate, asOf)
	}
	if terms.LoanAmount.IsPositive() {
		interest = Accrue(terms.LoanAmount, rate, periodDays)
		if overdueDays > 0 {
			penalty = Accrue(terms.LoanAmount, rate, overdueDays)
		}
	}

	dueDays := 0
	if terms.DueDate != nil && !terms.DueDate.IsZero() {
		dueDays = FloorDays(loanDate, *terms.DueDate)
	}

	// Close is derived from the rounded renewal figure so the two always
	// differ by exactly the principal.
	renewal := interest.Add(penalty).Sub(amountPaid).Round(2)

	return Figures{
		AmountPaid:         amountPaid.Round(2),
		PresentInterest:    interest.Round(2),
		TotalBalance:       terms.LoanAmount.Add(interest).Sub(amountPaid).Round(2),
		DaysElapsed:        elapsed,
		PeriodDays:         periodDays,
		DueDays:            dueDays,
		OverdueDays:        overdueDays,
		Penalty:            penalty.Round(2),
		TotalAmtForRenewal: renewal,
		TotalAmtForClose:   terms.LoanAmount.Round(2).Add(renewal),
	}
}

// Accrue is simple interest on principal at an annual percent rate over days,
// on a 365-day year. The result is not rounded.
func Accrue(principal, rate decimal.Decimal, days int) decimal.Decimal {
	if days <= 0 {
		return decimal.Zero
	}
	return principal.Mul(rate).Mul(decimal.NewFromInt(int64(days))).Div(hundred.Mul(daysInYear))
}

// PeriodTransactions selects the customer payments of the current accrual
// period: payment and manual rows dated from loanDate through asOf.
// Settlement rows belong to the period they closed and are skipped.
//
// A settlement dated on loanDate opened the period, and payments it already
// priced carry the same date. Rows on loanDate therefore count only when
// they were entered after that settlement.
func PeriodTransactions(loanDate *time.Time, asOf time.Time, txs []*models.Transaction) []*models.Transaction {
	if loanDate == nil {
		return nil
	}
	opened, hasOpener := periodOpenedAt(*loanDate, txs)

	var out []*models.Transaction
	for _, tx := range txs {
		if tx.Kind != models.TransactionKindPayment && tx.Kind != models.TransactionKindManual {
			continue
		}
		if tx.Date.Before(*loanDate) || tx.Date.After(asOf) {
			continue
		}
		if hasOpener && tx.Date.Equal(*loanDate) && !tx.CreatedAt.After(opened) {
			continue
		}
		out = append(out, tx)
	}
	return out
}

// periodOpenedAt returns when the latest settlement dated on loanDate was
// entered.
func periodOpenedAt(loanDate time.Time, txs []*models.Transaction) (time.Time, bool) {
	var opened time.Time
	found := false
	for _, tx := range txs {
		if !tx.Kind.Settlement() || !tx.Date.Equal(loanDate) {
			continue
		}
		if !found || tx.CreatedAt.After(opened) {
			opened = tx.CreatedAt
			found = true
		}
	}
	return opened, found
}

// FloorDays counts fully elapsed days from -> to, clamped at zero.
func FloorDays(from, to time.Time) int {
	d := daysBetween(from, to)
	if d <= 0 {
		return 0
	}
	return int(math.Floor(d))
}

func daysBetween(from, to time.Time) float64 {
	return to.Sub(from).Hours() / 24
}
