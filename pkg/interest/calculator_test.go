package interest

import (
	"testing"
	"time"

	"github.com/Maheshthanniru/finance-sub000/pkg/models"
	"github.com/shopspring/decimal"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func ptr(t time.Time) *time.Time { return &t }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertDec(t *testing.T, name string, got decimal.Decimal, want string) {
	t.Helper()
	if !got.Equal(dec(want)) {
		t.Errorf("Expected %s %s, got %s", name, want, got)
	}
}

func cdTerms(loanDate, dueDate *time.Time) Terms {
	return Terms{
		LoanAmount: decimal.NewFromInt(10000),
		Rate:       decimal.NewNullDecimal(decimal.NewFromInt(12)),
		LoanDate:   loanDate,
		DueDate:    dueDate,
	}
}

func TestCalculate_WorkedExample(t *testing.T) {
	// 90 days accrued, 59 days overdue.
	terms := cdTerms(ptr(day(2023, 1, 1)), ptr(day(2023, 2, 1)))
	f := Calculate(terms, day(2023, 4, 1), nil)

	if f.PeriodDays != 90 {
		t.Errorf("Expected 90 period days, got %d", f.PeriodDays)
	}
	if f.OverdueDays != 59 {
		t.Errorf("Expected 59 overdue days, got %d", f.OverdueDays)
	}
	assertDec(t, "present interest", f.PresentInterest, "295.89")
	assertDec(t, "penalty", f.Penalty, "193.97")
	assertDec(t, "renewal amount", f.TotalAmtForRenewal, "489.86")
	assertDec(t, "close amount", f.TotalAmtForClose, "10489.86")
	assertDec(t, "total balance", f.TotalBalance, "10295.89")
	if f.DueDays != 31 {
		t.Errorf("Expected 31 due days, got %d", f.DueDays)
	}
}

func TestCalculate_LeapYearCountsCalendarDays(t *testing.T) {
	terms := cdTerms(ptr(day(2024, 1, 1)), ptr(day(2024, 2, 1)))
	f := Calculate(terms, day(2024, 4, 1), nil)

	if f.PeriodDays != 91 || f.OverdueDays != 60 {
		t.Fatalf("Expected 91/60 days across Feb 29, got %d/%d", f.PeriodDays, f.OverdueDays)
	}
	assertDec(t, "present interest", f.PresentInterest, "299.18")
	assertDec(t, "penalty", f.Penalty, "197.26")
}

func TestCalculate_MissingLoanDate(t *testing.T) {
	terms := cdTerms(nil, ptr(day(2023, 2, 1)))
	txs := []*models.Transaction{{Debit: decimal.NewFromInt(500), Kind: models.TransactionKindPayment, Date: day(2023, 3, 1)}}

	f := Calculate(terms, day(2023, 4, 1), txs)

	if !f.AnchorMissing {
		t.Error("Expected AnchorMissing to be set")
	}
	assertDec(t, "total balance", f.TotalBalance, "10000")
	for name, v := range map[string]decimal.Decimal{
		"amount paid":      f.AmountPaid,
		"present interest": f.PresentInterest,
		"penalty":          f.Penalty,
		"renewal amount":   f.TotalAmtForRenewal,
		"close amount":     f.TotalAmtForClose,
	} {
		if !v.IsZero() {
			t.Errorf("Expected %s 0, got %s", name, v)
		}
	}
}

func TestCalculate_PartialDayRoundsUp(t *testing.T) {
	loanDate := day(2023, 1, 1)
	f := Calculate(cdTerms(&loanDate, nil), loanDate.Add(30*time.Hour), nil)

	if f.PeriodDays != 2 {
		t.Errorf("Expected a started day to count, got %d", f.PeriodDays)
	}
	if f.DaysElapsed != 1.25 {
		t.Errorf("Expected 1.25 days elapsed, got %v", f.DaysElapsed)
	}
}

func TestCalculate_OverdueCountsWholeDaysOnly(t *testing.T) {
	due := day(2023, 2, 1)
	f := Calculate(cdTerms(ptr(day(2023, 1, 1)), &due), due.Add(47*time.Hour), nil)

	if f.OverdueDays != 1 {
		t.Errorf("Expected 1 overdue day, got %d", f.OverdueDays)
	}
}

func TestCalculate_AsOfBeforeLoanDateClamps(t *testing.T) {
	f := Calculate(cdTerms(ptr(day(2023, 6, 1)), ptr(day(2023, 7, 1))), day(2023, 1, 1), nil)

	if f.PeriodDays != 0 || f.OverdueDays != 0 {
		t.Errorf("Expected no elapsed days, got %d/%d", f.PeriodDays, f.OverdueDays)
	}
	if !f.PresentInterest.IsZero() || !f.Penalty.IsZero() {
		t.Errorf("Expected no negative accrual, got %s/%s", f.PresentInterest, f.Penalty)
	}
}

func TestCalculate_DefaultRate(t *testing.T) {
	terms := cdTerms(ptr(day(2023, 1, 1)), nil)
	terms.Rate = decimal.NullDecimal{}

	f := Calculate(terms, day(2023, 4, 1), nil)
	assertDec(t, "present interest", f.PresentInterest, "295.89")
}

func TestCalculate_NonPositivePrincipal(t *testing.T) {
	terms := cdTerms(ptr(day(2023, 1, 1)), ptr(day(2023, 2, 1)))
	terms.LoanAmount = decimal.Zero

	f := Calculate(terms, day(2023, 4, 1), nil)
	if !f.PresentInterest.IsZero() || !f.Penalty.IsZero() {
		t.Errorf("Expected zero accrual on zero principal, got %s/%s", f.PresentInterest, f.Penalty)
	}
}

func TestCalculate_PaymentsReduceSettlement(t *testing.T) {
	terms := cdTerms(ptr(day(2023, 1, 1)), ptr(day(2023, 2, 1)))
	txs := []*models.Transaction{
		{Debit: dec("100"), Kind: models.TransactionKindPayment, Date: day(2023, 2, 10)},
		{Debit: dec("50.50"), Kind: models.TransactionKindManual, Date: day(2023, 3, 10)},
	}

	f := Calculate(terms, day(2023, 4, 1), txs)
	assertDec(t, "amount paid", f.AmountPaid, "150.5")
	assertDec(t, "renewal amount", f.TotalAmtForRenewal, "339.36")
	assertDec(t, "close amount", f.TotalAmtForClose, "10339.36")
	assertDec(t, "total balance", f.TotalBalance, "10145.39")
}

func TestCalculate_CloseIsRenewalPlusPrincipal(t *testing.T) {
	loanDate := day(2022, 3, 17)
	due := day(2022, 9, 1)
	terms := Terms{LoanAmount: dec("7345.55"), Rate: decimal.NewNullDecimal(dec("18.5")), LoanDate: &loanDate, DueDate: &due}
	txs := []*models.Transaction{{Debit: dec("123.45"), Kind: models.TransactionKindPayment, Date: day(2022, 5, 1)}}

	for asOf := loanDate; asOf.Before(day(2023, 6, 1)); asOf = asOf.AddDate(0, 0, 13) {
		f := Calculate(terms, asOf, txs)
		if !f.TotalAmtForClose.Equal(f.TotalAmtForRenewal.Add(terms.LoanAmount)) {
			t.Fatalf("At %s: close %s != renewal %s + principal", asOf.Format(time.DateOnly), f.TotalAmtForClose, f.TotalAmtForRenewal)
		}
	}
}

func TestCalculate_InterestMonotonic(t *testing.T) {
	terms := cdTerms(ptr(day(2023, 1, 1)), ptr(day(2023, 3, 1)))
	prev := decimal.NewFromInt(-1)
	for asOf := day(2023, 1, 1); asOf.Before(day(2024, 2, 1)); asOf = asOf.Add(7 * time.Hour) {
		f := Calculate(terms, asOf, nil)
		if f.PresentInterest.IsNegative() {
			t.Fatalf("Negative interest at %s", asOf)
		}
		if f.PresentInterest.LessThan(prev) {
			t.Fatalf("Interest decreased at %s: %s < %s", asOf, f.PresentInterest, prev)
		}
		prev = f.PresentInterest
	}
}

func TestPeriodTransactions(t *testing.T) {
	loanDate := day(2023, 5, 1)
	at := func(hour int) time.Time { return loanDate.Add(time.Duration(hour) * time.Hour) }
	txs := []*models.Transaction{
		{Particulars: "old payment", Kind: models.TransactionKindPayment, Date: day(2023, 4, 30), Debit: dec("1"), CreatedAt: at(-20)},
		{Particulars: "priced payment", Kind: models.TransactionKindPayment, Date: loanDate, Debit: dec("7"), CreatedAt: at(9)},
		{Particulars: "renewal", Kind: models.TransactionKindRenewal, Date: loanDate, Debit: dec("2"), CreatedAt: at(10)},
		{Particulars: "disbursed", Kind: models.TransactionKindDisbursement, Date: loanDate, Credit: dec("3"), CreatedAt: at(10)},
		{Particulars: "payment", Kind: models.TransactionKindPayment, Date: loanDate, Debit: dec("4"), CreatedAt: at(11)},
		{Particulars: "manual", Kind: models.TransactionKindManual, Date: day(2023, 5, 20), Debit: dec("5"), CreatedAt: at(5)},
		{Particulars: "future", Kind: models.TransactionKindPayment, Date: day(2023, 7, 1), Debit: dec("6"), CreatedAt: at(12)},
	}

	got := PeriodTransactions(&loanDate, day(2023, 6, 1), txs)
	if len(got) != 2 || got[0].Particulars != "payment" || got[1].Particulars != "manual" {
		var names []string
		for _, tx := range got {
			names = append(names, tx.Particulars)
		}
		t.Errorf("Expected [payment manual], got %v", names)
	}

	// Without a settlement opening the period every row on the loan date counts.
	fresh := PeriodTransactions(&loanDate, day(2023, 6, 1), []*models.Transaction{txs[1], txs[4]})
	if len(fresh) != 2 {
		t.Errorf("Expected both loan-date payments without a settlement, got %d", len(fresh))
	}

	if PeriodTransactions(nil, day(2023, 6, 1), txs) != nil {
		t.Error("Expected no rows without an anchor date")
	}
}
