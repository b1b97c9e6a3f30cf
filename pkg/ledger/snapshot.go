package ledger

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Maheshthanniru/finance-sub000/pkg/models"
	"golang.org/x/sync/errgroup"
)

const defaultSnapshotWorkers = 4

// WithSnapshotWorkers bounds how many loans RefreshSnapshots works on at once.
func WithSnapshotWorkers(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.snapshotWorkers = n
		}
	}
}

type SnapshotReport struct {
	AsOf      time.Time `json:"as_of"`
	Refreshed int64     `json:"refreshed"`
	Failed    int64     `json:"failed"`
}

// RefreshSnapshots recomputes the cached figures of every active loan at
// asOf (today when zero). A loan that fails is logged and skipped; only a
// cancelled context stops the run.
func (l *Ledger) RefreshSnapshots(ctx context.Context, asOf time.Time) (*SnapshotReport, error) {
	started := time.Now()
	defer l.metrics.observeSnapshotRun(started)

	if asOf.IsZero() {
		asOf = l.today()
	}
	loans, err := l.storage.ListLoans(ctx, models.LoanFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list loans: %w", err)
	}

	var refreshed, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.workers())
	for _, loan := range loans {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := l.refreshSnapshot(gctx, loan, asOf); err != nil {
				failed.Add(1)
				l.metrics.observeSnapshot(false)
				l.log(loan.ID).WithError(err).Warn("Snapshot refresh failed")
				return nil
			}
			refreshed.Add(1)
			l.metrics.observeSnapshot(true)
			return nil
		})
	}
	err = g.Wait()

	report := &SnapshotReport{AsOf: asOf, Refreshed: refreshed.Load(), Failed: failed.Load()}
	l.logger.WithField("refreshed", report.Refreshed).
		WithField("failed", report.Failed).
		WithField("duration", time.Since(started).String()).
		Info("Snapshot refresh finished")
	return report, err
}

func (l *Ledger) workers() int {
	if l.snapshotWorkers > 0 {
		return l.snapshotWorkers
	}
	return defaultSnapshotWorkers
}

func (l *Ledger) refreshSnapshot(ctx context.Context, loan *models.Loan, asOf time.Time) error {
	txs, err := l.storage.GetTransactionsForLoan(ctx, loan.ID)
	if err != nil {
		return err
	}
	f := figuresAt(loan, txs, asOf)
	snap := models.Snapshot{
		AmountPaid:         f.AmountPaid,
		PresentInterest:    f.PresentInterest,
		TotalBalance:       f.TotalBalance,
		DueDays:            f.DueDays,
		Penalty:            f.Penalty,
		TotalAmtForRenewal: f.TotalAmtForRenewal,
		TotalAmtForClose:   f.TotalAmtForClose,
		AsOf:               asOf,
		ComputedAt:         l.now().UTC(),
	}
	return l.write(ctx, func(wctx context.Context) error {
		return l.storage.SaveSnapshot(wctx, loan.ID, snap)
	})
}
