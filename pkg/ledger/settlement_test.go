package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Maheshthanniru/finance-sub000/pkg/models"
	"github.com/Maheshthanniru/finance-sub000/pkg/store"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
)

func TestRenewFull(t *testing.T) {
	s := NewMockStore()
	l := newTestLedger(s)
	ctx := context.Background()
	loan := createWorkedLoan(t, l)

	res, err := l.RenewFull(ctx, SettlementRequest{LoanID: loan.ID, Amount: dec("489.86"), ExpectedVersion: loan.Version})
	if err != nil {
		t.Fatalf("Failed to renew: %v", err)
	}
	if res.Status != StatusCommitted || res.Operation != OpRenewFull {
		t.Fatalf("Expected committed renewal, got %+v", res)
	}
	assertDec(t, "priced renewal", res.Figures.TotalAmtForRenewal, "489.86")

	renewed := res.Loan
	if !renewed.LoanDate.Equal(day(2023, 4, 1)) || !renewed.DueDate.Equal(day(2023, 6, 30)) {
		t.Errorf("Expected dates 2023-04-01 / 2023-06-30, got %s / %s", renewed.LoanDate, renewed.DueDate)
	}
	assertDec(t, "principal", renewed.LoanAmount, "10000")
	if renewed.Version != loan.Version+1 {
		t.Errorf("Expected version %d, got %d", loan.Version+1, renewed.Version)
	}

	rows := s.transactionsOfKind(models.TransactionKindRenewal)
	if len(rows) != 1 || rows[0].Particulars != "Loan Renewal" || rows[0].ID != res.TransactionID {
		t.Fatalf("Expected one renewal row, got %+v", rows)
	}
	assertDec(t, "renewal debit", rows[0].Debit, "489.86")

	st, err := l.Statement(ctx, loan.ID, *renewed.LoanDate)
	if err != nil {
		t.Fatalf("Failed to build statement: %v", err)
	}
	if !st.Figures.PresentInterest.IsZero() || !st.Figures.Penalty.IsZero() {
		t.Errorf("Expected no interest or penalty right after renewal, got %+v", st.Figures)
	}
	assertDec(t, "close after renewal", st.Figures.TotalAmtForClose, "10000")
}

func TestRenewFull_DefaultsToFullFigure(t *testing.T) {
	l := newTestLedger(NewMockStore())
	loan := createWorkedLoan(t, l)

	res, err := l.RenewFull(context.Background(), SettlementRequest{LoanID: loan.ID})
	if err != nil {
		t.Fatalf("Failed to renew: %v", err)
	}
	if res.Status != StatusCommitted {
		t.Errorf("Expected committed, got %s", res.Status)
	}
}

func TestRenewFull_RejectsWrongAmount(t *testing.T) {
	s := NewMockStore()
	l := newTestLedger(s)
	loan := createWorkedLoan(t, l)

	res, err := l.RenewFull(context.Background(), SettlementRequest{LoanID: loan.ID, Amount: dec("400")})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("Expected ErrValidation, got %v", err)
	}
	if res.Status != StatusRejected || res.Reason == "" {
		t.Errorf("Expected a rejected result with a reason, got %+v", res)
	}
	if n := len(s.transactionsOfKind(models.TransactionKindRenewal)); n != 0 {
		t.Errorf("Expected nothing written, got %d rows", n)
	}
	if s.updateCalls != 0 {
		t.Errorf("Expected no loan update, got %d", s.updateCalls)
	}
}

func TestRenewPartial(t *testing.T) {
	s := NewMockStore()
	l := newTestLedger(s)
	ctx := context.Background()
	loan := createWorkedLoan(t, l)

	res, err := l.RenewPartial(ctx, SettlementRequest{LoanID: loan.ID, Amount: dec("200")})
	if err != nil {
		t.Fatalf("Failed to renew: %v", err)
	}
	assertDec(t, "new principal", res.Loan.LoanAmount, "10289.86")

	rows := s.transactionsOfKind(models.TransactionKindPartialRenewal)
	if len(rows) != 1 || rows[0].Particulars != "Partial Payment for Renewal" {
		t.Fatalf("Expected one partial renewal row, got %+v", rows)
	}
	assertDec(t, "partial debit", rows[0].Debit, "200")

	st, err := l.Statement(ctx, loan.ID, day(2023, 4, 1))
	if err != nil {
		t.Fatalf("Failed to build statement: %v", err)
	}
	assertDec(t, "close right after partial renewal", st.Figures.TotalAmtForClose, "10289.86")
	if !st.Figures.TotalAmtForRenewal.IsZero() {
		t.Errorf("Expected nothing to renew, got %s", st.Figures.TotalAmtForRenewal)
	}
}

func TestRenewPartial_Bounds(t *testing.T) {
	l := newTestLedger(NewMockStore())
	loan := createWorkedLoan(t, l)

	for _, amount := range []string{"0", "-5", "489.87"} {
		_, err := l.RenewPartial(context.Background(), SettlementRequest{LoanID: loan.ID, Amount: dec(amount)})
		if !errors.Is(err, ErrValidation) {
			t.Errorf("Amount %s: expected ErrValidation, got %v", amount, err)
		}
	}
}

func TestRenew_Dispatch(t *testing.T) {
	l := newTestLedger(NewMockStore())
	ctx := context.Background()

	full := createWorkedLoan(t, l)
	res, err := l.Renew(ctx, SettlementRequest{LoanID: full.ID, Amount: dec("489.86")})
	if err != nil || res.Operation != OpRenewFull {
		t.Errorf("Expected full renewal, got %+v (%v)", res, err)
	}

	partial := createWorkedLoan(t, l)
	res, err = l.Renew(ctx, SettlementRequest{LoanID: partial.ID, Amount: dec("100")})
	if err != nil || res.Operation != OpRenewPartial {
		t.Errorf("Expected partial renewal, got %+v (%v)", res, err)
	}
	assertDec(t, "principal", res.Loan.LoanAmount, "10389.86")
}

func TestClose(t *testing.T) {
	s := NewMockStore()
	l := newTestLedger(s)
	ctx := context.Background()
	loan := createWorkedLoan(t, l)

	res, err := l.Close(ctx, SettlementRequest{LoanID: loan.ID, Amount: dec("10489.86")})
	if err != nil {
		t.Fatalf("Failed to close: %v", err)
	}
	closed := res.Loan
	if !closed.Closed() || closed.ClosedAt == nil || !closed.ClosedAt.Equal(day(2023, 4, 1)) {
		t.Errorf("Expected loan closed on 2023-04-01, got %+v", closed)
	}

	rows := s.transactionsOfKind(models.TransactionKindClosure)
	if len(rows) != 1 || rows[0].Particulars != "Loan Closed" {
		t.Fatalf("Expected one closure row, got %+v", rows)
	}
	assertDec(t, "closure debit", rows[0].Debit, "10489.86")

	// Accrual stops at the close date.
	st, err := l.Statement(ctx, loan.ID, day(2024, 1, 1))
	if err != nil {
		t.Fatalf("Failed to build statement: %v", err)
	}
	if !st.AsOf.Equal(day(2023, 4, 1)) || !st.Figures.PresentInterest.IsZero() {
		t.Errorf("Expected statement pinned to the close date, got as-of %s interest %s", st.AsOf, st.Figures.PresentInterest)
	}
	assertDec(t, "closed balance", st.Figures.TotalBalance, "0")
	assertDec(t, "closed close figure", st.Figures.TotalAmtForClose, "0")
	assertDec(t, "closed renewal figure", st.Figures.TotalAmtForRenewal, "0")
	assertDec(t, "closed amount paid", st.Figures.AmountPaid, "10489.86")

	_, err = l.RenewFull(ctx, SettlementRequest{LoanID: loan.ID})
	if !errors.Is(err, ErrLoanClosed) || !errors.Is(err, ErrValidation) {
		t.Errorf("Expected closed-loan validation error, got %v", err)
	}
	if _, err := l.RecordPayment(ctx, PaymentRequest{LoanID: loan.ID, Amount: decimal.NewFromInt(1)}); !errors.Is(err, ErrLoanClosed) {
		t.Errorf("Expected payment on a closed loan to fail, got %v", err)
	}
}

func TestClose_RejectsWrongAmount(t *testing.T) {
	l := newTestLedger(NewMockStore())
	loan := createWorkedLoan(t, l)

	if _, err := l.Close(context.Background(), SettlementRequest{LoanID: loan.ID, Amount: dec("10000")}); !errors.Is(err, ErrValidation) {
		t.Errorf("Expected ErrValidation, got %v", err)
	}
}

func TestSettlement_NothingToRenew(t *testing.T) {
	l := newTestLedger(NewMockStore())
	loan := createWorkedLoan(t, l)

	// Settling on the disbursement date leaves nothing accrued.
	_, err := l.RenewFull(context.Background(), SettlementRequest{LoanID: loan.ID, Date: day(2023, 1, 1)})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("Expected ErrValidation, got %v", err)
	}
}

func TestSettlement_DateBeforeLoanDate(t *testing.T) {
	l := newTestLedger(NewMockStore())
	loan := createWorkedLoan(t, l)

	_, err := l.RenewFull(context.Background(), SettlementRequest{LoanID: loan.ID, Date: day(2022, 12, 1)})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("Expected ErrValidation, got %v", err)
	}
}

func TestSettlement_MissingLoanDate(t *testing.T) {
	s := NewMockStore()
	l := newTestLedger(s)
	loan := &models.Loan{
		ID:         uuid.New(),
		LoanType:   models.LoanTypeCD,
		LoanAmount: decimal.NewFromInt(5000),
		Period:     30,
		Status:     models.LoanStatusActive,
		Version:    1,
	}
	s.CreateLoan(context.Background(), loan)

	_, err := l.Close(context.Background(), SettlementRequest{LoanID: loan.ID})
	if !errors.Is(err, ErrMissingAnchorDate) || !errors.Is(err, ErrValidation) {
		t.Errorf("Expected ErrMissingAnchorDate, got %v", err)
	}
}

func TestSettlement_NotFound(t *testing.T) {
	l := newTestLedger(NewMockStore())
	res, err := l.Close(context.Background(), SettlementRequest{LoanID: uuid.New()})
	if !errors.Is(err, ErrNotFound) || res.Status != StatusRejected {
		t.Errorf("Expected rejected ErrNotFound, got %v", err)
	}
}

func TestSettlement_VersionConflict(t *testing.T) {
	s := NewMockStore()
	l := newTestLedger(s)
	loan := createWorkedLoan(t, l)

	_, err := l.RenewFull(context.Background(), SettlementRequest{LoanID: loan.ID, ExpectedVersion: loan.Version + 3})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("Expected ErrConflict, got %v", err)
	}
	if n := len(s.transactionsOfKind(models.TransactionKindRenewal)); n != 0 {
		t.Errorf("Expected no ledger row on conflict, got %d", n)
	}
}

func TestSettlement_StoreWriteFailure(t *testing.T) {
	s := NewMockStore()
	l := newTestLedger(s)
	loan := createWorkedLoan(t, l)
	s.failCreateTx = errors.New("disk full")

	res, err := l.RenewFull(context.Background(), SettlementRequest{LoanID: loan.ID})
	if !errors.Is(err, ErrStoreWrite) || errors.Is(err, ErrPartialCommit) {
		t.Fatalf("Expected plain ErrStoreWrite, got %v", err)
	}
	if res.Status != StatusRejected {
		t.Errorf("Expected rejected, got %s", res.Status)
	}
	if s.updateCalls != 0 {
		t.Errorf("Expected the loan update to be skipped, got %d calls", s.updateCalls)
	}
}

func TestSettlement_Timeout(t *testing.T) {
	s := NewMockStore()
	l := newTestLedger(s, WithWriteTimeout(20*time.Millisecond))
	loan := createWorkedLoan(t, l)
	s.blockWrites = true

	_, err := l.RenewFull(context.Background(), SettlementRequest{LoanID: loan.ID})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrConflict) {
		t.Errorf("Expected timeout to stay distinct, got %v", err)
	}
}

func TestSettlement_PartialCommit(t *testing.T) {
	s := NewMockStore()
	m := NewMetrics(prometheus.NewRegistry())
	l := newTestLedger(s, WithMetrics(m))
	ctx := context.Background()
	loan := createWorkedLoan(t, l)
	s.failUpdate = errors.New("connection reset")

	res, err := l.RenewPartial(ctx, SettlementRequest{LoanID: loan.ID, Amount: dec("200"), IdempotencyKey: "renew-1"})
	if !errors.Is(err, ErrPartialCommit) {
		t.Fatalf("Expected ErrPartialCommit, got %v", err)
	}
	if errors.Is(err, ErrValidation) {
		t.Errorf("Expected partial commit to be distinct from validation")
	}
	var pce *PartialCommitError
	if !errors.As(err, &pce) {
		t.Fatalf("Expected *PartialCommitError, got %T", err)
	}
	if pce.LoanID != loan.ID || pce.TransactionID != res.TransactionID || pce.Operation != OpRenewPartial {
		t.Errorf("Unexpected partial commit details: %+v", pce)
	}
	if !errors.Is(err, ErrStoreWrite) {
		t.Errorf("Expected the update failure as the cause, got %v", err)
	}
	if res.Status != StatusPartialCommit {
		t.Errorf("Expected partial_commit status, got %s", res.Status)
	}
	if s.updateCalls != 1 {
		t.Errorf("Expected exactly one update attempt, got %d", s.updateCalls)
	}
	if got := testutil.ToFloat64(m.partialCommits); got != 1 {
		t.Errorf("Expected partial commit counter 1, got %v", got)
	}

	stale, _ := l.GetLoan(ctx, loan.ID)
	assertDec(t, "unchanged principal", stale.LoanAmount, "10000")
	if n := len(s.transactionsOfKind(models.TransactionKindPartialRenewal)); n != 1 {
		t.Fatalf("Expected the recorded row to stay, got %d", n)
	}

	// A client retry with the same key cannot write a second row.
	s.failUpdate = nil
	_, err = l.RenewPartial(ctx, SettlementRequest{LoanID: loan.ID, Amount: dec("200"), IdempotencyKey: "renew-1"})
	if !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("Expected ErrDuplicateRequest on retry, got %v", err)
	}
	if n := len(s.transactionsOfKind(models.TransactionKindPartialRenewal)); n != 1 {
		t.Errorf("Expected still one row after retry, got %d", n)
	}

	rec, err := l.Reconcile(ctx, ReconcileRequest{LoanID: loan.ID, TransactionID: pce.TransactionID, ExpectedVersion: pce.LoanVersion})
	if err != nil {
		t.Fatalf("Failed to reconcile: %v", err)
	}
	assertDec(t, "reconciled principal", rec.Loan.LoanAmount, "10289.86")
	if !rec.Loan.LoanDate.Equal(day(2023, 4, 1)) {
		t.Errorf("Expected reconciled loan date 2023-04-01, got %s", rec.Loan.LoanDate)
	}

	_, err = l.Reconcile(ctx, ReconcileRequest{LoanID: loan.ID, TransactionID: pce.TransactionID})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("Expected a second reconcile to be refused, got %v", err)
	}
}

func TestReconcile_RejectsForeignTransaction(t *testing.T) {
	s := NewMockStore()
	l := newTestLedger(s)
	ctx := context.Background()
	first := createWorkedLoan(t, l)
	second := createWorkedLoan(t, l)

	payment, err := l.RecordPayment(ctx, PaymentRequest{LoanID: first.ID, Amount: decimal.NewFromInt(10)})
	if err != nil {
		t.Fatalf("Failed to record payment: %v", err)
	}
	if _, err := l.Reconcile(ctx, ReconcileRequest{LoanID: second.ID, TransactionID: payment.ID}); !errors.Is(err, ErrValidation) {
		t.Errorf("Expected ErrValidation for another loan's row, got %v", err)
	}
	if _, err := l.Reconcile(ctx, ReconcileRequest{LoanID: first.ID, TransactionID: payment.ID}); !errors.Is(err, ErrValidation) {
		t.Errorf("Expected ErrValidation for a non-settlement row, got %v", err)
	}
}

func TestSettlement_MetricsByOutcome(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	l := newTestLedger(NewMockStore(), WithMetrics(m))
	loan := createWorkedLoan(t, l)

	l.RenewFull(context.Background(), SettlementRequest{LoanID: loan.ID, Amount: dec("1")})
	l.RenewFull(context.Background(), SettlementRequest{LoanID: loan.ID})

	if got := testutil.ToFloat64(m.settlements.WithLabelValues(string(OpRenewFull), string(StatusRejected))); got != 1 {
		t.Errorf("Expected 1 rejected renewal, got %v", got)
	}
	if got := testutil.ToFloat64(m.settlements.WithLabelValues(string(OpRenewFull), string(StatusCommitted))); got != 1 {
		t.Errorf("Expected 1 committed renewal, got %v", got)
	}
}

// failingUpdates wraps a transaction-bound store and fails every loan update.
type failingUpdates struct {
	store.Storage
}

func (failingUpdates) UpdateLoan(ctx context.Context, id uuid.UUID, expectedVersion int64, upd models.LoanUpdate) (*models.Loan, error) {
	return nil, errors.New("update rejected")
}

type failingTxStore struct {
	*store.SQLiteStore
}

func (s failingTxStore) WithinTx(ctx context.Context, fn func(store.Storage) error) error {
	return s.SQLiteStore.WithinTx(ctx, func(tx store.Storage) error {
		return fn(failingUpdates{tx})
	})
}

func newSQLiteStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"), quietLogger())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLite_SettlementCommitsAtomically(t *testing.T) {
	s := newSQLiteStore(t)
	l := newTestLedger(s)
	ctx := context.Background()
	loan := createWorkedLoan(t, l)

	res, err := l.RenewPartial(ctx, SettlementRequest{LoanID: loan.ID, Amount: dec("200"), ExpectedVersion: loan.Version})
	if err != nil {
		t.Fatalf("Failed to renew: %v", err)
	}
	assertDec(t, "new principal", res.Loan.LoanAmount, "10289.86")

	txs, err := s.GetTransactionsForLoan(ctx, loan.ID)
	if err != nil {
		t.Fatalf("Failed to load transactions: %v", err)
	}
	if len(txs) != 2 {
		t.Errorf("Expected disbursement and renewal rows, got %d", len(txs))
	}
}

func TestSQLite_SettlementRollsBack(t *testing.T) {
	s := newSQLiteStore(t)
	l := newTestLedger(failingTxStore{s})
	ctx := context.Background()
	loan := createWorkedLoan(t, l)

	res, err := l.RenewFull(ctx, SettlementRequest{LoanID: loan.ID})
	if !errors.Is(err, ErrStoreWrite) {
		t.Fatalf("Expected ErrStoreWrite, got %v", err)
	}
	if errors.Is(err, ErrPartialCommit) || res.Status != StatusRejected {
		t.Errorf("Expected a rolled back settlement to be rejected, got %s (%v)", res.Status, err)
	}

	txs, err := s.GetTransactionsForLoan(ctx, loan.ID)
	if err != nil {
		t.Fatalf("Failed to load transactions: %v", err)
	}
	for _, tx := range txs {
		if tx.Kind == models.TransactionKindRenewal {
			t.Errorf("Expected the renewal row to be rolled back")
		}
	}
	stored, _ := s.GetLoan(ctx, loan.ID)
	if !stored.LoanDate.Equal(day(2023, 1, 1)) || stored.Version != loan.Version {
		t.Errorf("Expected loan untouched, got date %s version %d", stored.LoanDate, stored.Version)
	}
}

// steppingClock starts at 2023-04-01 10:00 UTC and advances a second on
// every read, so rows entered one after another get distinct times.
func steppingClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2023, 4, 1, 10, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func sameDayStores(t *testing.T) map[string]store.Storage {
	return map[string]store.Storage{
		"mock":   NewMockStore(),
		"sqlite": newSQLiteStore(t),
	}
}

func TestRenewPartial_SameDayPaymentCountedOnce(t *testing.T) {
	for name, s := range sameDayStores(t) {
		t.Run(name, func(t *testing.T) {
			l := newTestLedger(s, WithClock(steppingClock()))
			ctx := context.Background()
			loan := createWorkedLoan(t, l)

			if _, err := l.RecordPayment(ctx, PaymentRequest{LoanID: loan.ID, Amount: dec("100"), Date: day(2023, 4, 1)}); err != nil {
				t.Fatalf("Failed to record payment: %v", err)
			}
			res, err := l.RenewPartial(ctx, SettlementRequest{LoanID: loan.ID, Amount: dec("200"), Date: day(2023, 4, 1)})
			if err != nil {
				t.Fatalf("Failed to renew: %v", err)
			}
			assertDec(t, "priced renewal", res.Figures.TotalAmtForRenewal, "389.86")
			assertDec(t, "new principal", res.Loan.LoanAmount, "10189.86")

			st, err := l.Statement(ctx, loan.ID, day(2023, 4, 1))
			if err != nil {
				t.Fatalf("Failed to build statement: %v", err)
			}
			assertDec(t, "amount paid after renewal", st.Figures.AmountPaid, "0")
			assertDec(t, "renewal after renewal", st.Figures.TotalAmtForRenewal, "0")
			assertDec(t, "close after renewal", st.Figures.TotalAmtForClose, "10189.86")
		})
	}
}

func TestRenewFull_SameDayPaymentCountedOnce(t *testing.T) {
	for name, s := range sameDayStores(t) {
		t.Run(name, func(t *testing.T) {
			l := newTestLedger(s, WithClock(steppingClock()))
			ctx := context.Background()
			loan := createWorkedLoan(t, l)

			if _, err := l.RecordPayment(ctx, PaymentRequest{LoanID: loan.ID, Amount: dec("100"), Date: day(2023, 4, 1)}); err != nil {
				t.Fatalf("Failed to record payment: %v", err)
			}
			res, err := l.RenewFull(ctx, SettlementRequest{LoanID: loan.ID, Date: day(2023, 4, 1)})
			if err != nil {
				t.Fatalf("Failed to renew: %v", err)
			}
			assertDec(t, "priced renewal", res.Figures.TotalAmtForRenewal, "389.86")

			st, err := l.Statement(ctx, loan.ID, day(2023, 4, 1))
			if err != nil {
				t.Fatalf("Failed to build statement: %v", err)
			}
			assertDec(t, "amount paid after renewal", st.Figures.AmountPaid, "0")
			assertDec(t, "close after renewal", st.Figures.TotalAmtForClose, "10000")

			// A payment entered after the renewal belongs to the new period.
			if _, err := l.RecordPayment(ctx, PaymentRequest{LoanID: loan.ID, Amount: dec("50"), Date: day(2023, 4, 1)}); err != nil {
				t.Fatalf("Failed to record payment: %v", err)
			}
			st, err = l.Statement(ctx, loan.ID, day(2023, 4, 1))
			if err != nil {
				t.Fatalf("Failed to build statement: %v", err)
			}
			assertDec(t, "amount paid in new period", st.Figures.AmountPaid, "50")
			assertDec(t, "close with new payment", st.Figures.TotalAmtForClose, "9950")
		})
	}
}
