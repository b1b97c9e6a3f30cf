package interest

import (
	"errors"
	"iter"
	"sort"
	"time"

	"github.com/Maheshthanniru/finance-sub000/pkg/models"
	"github.com/shopspring/decimal"
)

var ErrInvalidSchedule = errors.New("invalid installment terms")

// ScheduleTerms describe a fixed-installment loan.
type ScheduleTerms struct {
	LoanAmount        decimal.Decimal
	InstallmentAmount decimal.Decimal // derived flat-rate when zero
	TotalInstallments int
	LoanDate          time.Time
	Rate              decimal.Decimal
	IntervalMonths    int // defaults to 1
}

// ScheduleTermsOf reads installment terms off a loan. ok is false when the
// loan has no anchor date or no installment count.
func ScheduleTermsOf(l *models.Loan) (ScheduleTerms, bool) {
	if l.LoanDate == nil || l.TotalInstallments <= 0 {
		return ScheduleTerms{}, false
	}
	return ScheduleTerms{
		LoanAmount:        l.LoanAmount,
		InstallmentAmount: l.InstallmentAmount,
		TotalInstallments: l.TotalInstallments,
		LoanDate:          *l.LoanDate,
		Rate:              TermsOf(l).AnnualRate(),
		IntervalMonths:    1,
	}, true
}

type Installment struct {
	Number     int             `json:"number"`
	DueDate    time.Time       `json:"due_date"`
	Amount     decimal.Decimal `json:"amount"`
	PaidAmount decimal.Decimal `json:"paid_amount"`
	DueAmount  decimal.Decimal `json:"due_amount"`
	PaidDate   *time.Time      `json:"paid_date,omitempty"`
	DueDays    int             `json:"due_days"`
	Penalty    decimal.Decimal `json:"penalty"`
}

func (i Installment) Paid() bool {
	return i.DueAmount.Sign() <= 0
}

type payment struct {
	date   time.Time
	amount decimal.Decimal
}

// Schedule regenerates installments from loan terms and payment history.
// It holds no state of its own; iterate it as often as needed.
type Schedule struct {
	terms    ScheduleTerms
	asOf     time.Time
	payments []payment
	regular  decimal.Decimal
	last     decimal.Decimal
}

// NewSchedule builds the schedule as of asOf. Debits dated after asOf are ignored.
func NewSchedule(terms ScheduleTerms, asOf time.Time, txs []*models.Transaction) (*Schedule, error) {
	if terms.TotalInstallments <= 0 || terms.LoanDate.IsZero() {
		return nil, ErrInvalidSchedule
	}
	if terms.InstallmentAmount.IsNegative() || terms.LoanAmount.IsNegative() {
		return nil, ErrInvalidSchedule
	}
	if terms.IntervalMonths <= 0 {
		terms.IntervalMonths = 1
	}

	s := &Schedule{terms: terms, asOf: asOf}
	s.regular, s.last = installmentAmounts(terms)

	for _, tx := range txs {
		if !tx.Debit.IsPositive() || tx.Date.After(asOf) {
			continue
		}
		s.payments = append(s.payments, payment{date: tx.Date, amount: tx.Debit})
	}
	sort.SliceStable(s.payments, func(i, j int) bool { return s.payments[i].date.Before(s.payments[j].date) })
	return s, nil
}

// installmentAmounts returns the regular amount and the final one. A derived
// flat-rate amount leaves the rounding remainder on the final installment.
func installmentAmounts(t ScheduleTerms) (decimal.Decimal, decimal.Decimal) {
	if t.InstallmentAmount.IsPositive() {
		return t.InstallmentAmount, t.InstallmentAmount
	}
	months := int64(t.TotalInstallments * t.IntervalMonths)
	total := t.LoanAmount.Add(t.LoanAmount.Mul(t.Rate).Mul(decimal.NewFromInt(months)).Div(decimal.NewFromInt(1200))).Round(2)
	count := decimal.NewFromInt(int64(t.TotalInstallments))
	regular := total.Div(count).Round(2)
	last := total.Sub(regular.Mul(count.Sub(decimal.NewFromInt(1))))
	return regular, last
}

// All yields installments in order, allocating payments to them oldest first.
func (s *Schedule) All() iter.Seq2[int, Installment] {
	return func(yield func(int, Installment) bool) {
		alloc := &allocator{payments: s.payments}
		for n := 1; n <= s.terms.TotalInstallments; n++ {
			if !yield(n, s.installment(n, alloc)) {
				return
			}
		}
	}
}

// Installments collects the whole schedule.
func (s *Schedule) Installments() []Installment {
	out := make([]Installment, 0, s.terms.TotalInstallments)
	for _, inst := range s.All() {
		out = append(out, inst)
	}
	return out
}

func (s *Schedule) installment(n int, alloc *allocator) Installment {
	amount := s.regular
	if n == s.terms.TotalInstallments {
		amount = s.last
	}
	due := s.terms.LoanDate.AddDate(0, n*s.terms.IntervalMonths, 0)

	paid, paidDate := alloc.take(amount)
	inst := Installment{
		Number:     n,
		DueDate:    due,
		Amount:     amount,
		PaidAmount: paid,
		DueAmount:  amount.Sub(paid),
	}

	switch {
	case inst.Paid() && paidDate != nil:
		inst.PaidDate = paidDate
		inst.DueDays = FloorDays(due, *paidDate)
	case !inst.Paid():
		inst.DueDays = FloorDays(due, s.asOf)
	}
	inst.Penalty = Accrue(amount, s.terms.Rate, inst.DueDays).Round(2)
	return inst
}

type ScheduleSummary struct {
	Installments        int             `json:"installments"`
	PaidInstallments    int             `json:"paid_installments"`
	PendingInstallments int             `json:"pending_installments"`
	OverdueInstallments int             `json:"overdue_installments"`
	TotalAmount         decimal.Decimal `json:"total_amount"`
	AmountPaid          decimal.Decimal `json:"amount_paid"`
	AmountDue           decimal.Decimal `json:"amount_due"` // fallen due by as-of and unpaid
	Penalty             decimal.Decimal `json:"penalty"`
	Advance             decimal.Decimal `json:"advance"` // paid beyond the last installment
}

func (s *Schedule) Summary() ScheduleSummary {
	sum := ScheduleSummary{}
	for _, inst := range s.All() {
		sum.Installments++
		sum.TotalAmount = sum.TotalAmount.Add(inst.Amount)
		sum.AmountPaid = sum.AmountPaid.Add(inst.PaidAmount)
		sum.Penalty = sum.Penalty.Add(inst.Penalty)
		switch {
		case inst.Paid():
			sum.PaidInstallments++
		case !inst.DueDate.After(s.asOf):
			sum.OverdueInstallments++
			sum.AmountDue = sum.AmountDue.Add(inst.DueAmount)
		default:
			sum.PendingInstallments++
		}
	}

	received := decimal.Zero
	for _, p := range s.payments {
		received = received.Add(p.amount)
	}
	if advance := received.Sub(sum.AmountPaid); advance.IsPositive() {
		sum.Advance = advance
	}
	return sum
}

// allocator hands out payments in date order.
type allocator struct {
	payments []payment
	idx      int
	used     decimal.Decimal // consumed from payments[idx]
}

// take consumes up to want and reports the date of the payment that
// completed it, or nil when payments ran out first.
func (a *allocator) take(want decimal.Decimal) (decimal.Decimal, *time.Time) {
	got := decimal.Zero
	for a.idx < len(a.payments) && got.LessThan(want) {
		p := a.payments[a.idx]
		avail := p.amount.Sub(a.used)
		need := want.Sub(got)
		if avail.GreaterThan(need) {
			a.used = a.used.Add(need)
			got = want
			d := p.date
			return got, &d
		}
		got = got.Add(avail)
		a.idx++
		a.used = decimal.Zero
		if got.Equal(want) {
			d := p.date
			return got, &d
		}
	}
	return got, nil
}
