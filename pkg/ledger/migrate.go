package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/Maheshthanniru/finance-sub000/pkg/models"
	"github.com/Maheshthanniru/finance-sub000/pkg/store"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// LinkReport summarizes a legacy link run.
type LinkReport struct {
	Scanned   int      `json:"scanned"`
	Linked    int      `json:"linked"`
	Unmatched []string `json:"unmatched,omitempty"` // account refs with no loan
}

// LinkLegacyTransactions attaches ledger rows that only carry an account
// reference to the loan that reference names. Rows already linked are not
// touched, so running it again is harmless.
func (l *Ledger) LinkLegacyTransactions(ctx context.Context) (*LinkReport, error) {
	txs, err := l.storage.ListUnlinkedTransactions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list unlinked transactions: %w", err)
	}
	report := &LinkReport{Scanned: len(txs)}
	if len(txs) == 0 {
		return report, nil
	}

	loans, err := l.storage.ListLoans(ctx, models.LoanFilter{IncludeClosed: true})
	if err != nil {
		return nil, fmt.Errorf("failed to list loans: %w", err)
	}
	byRef := make(map[string]uuid.UUID, len(loans))
	for _, loan := range loans {
		byRef[loan.AccountRef()] = loan.ID
	}

	unmatched := map[string]struct{}{}
	for _, tx := range txs {
		loanID, ok := byRef[tx.AccountRef]
		if !ok {
			unmatched[tx.AccountRef] = struct{}{}
			continue
		}
		if err := l.storage.LinkTransaction(ctx, tx.ID, loanID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// Linked by a concurrent run.
				continue
			}
			return report, fmt.Errorf("failed to link transaction %s: %w", tx.ID, classifyWrite(err))
		}
		report.Linked++
	}

	for ref := range unmatched {
		report.Unmatched = append(report.Unmatched, ref)
	}
	sort.Strings(report.Unmatched)

	l.logger.WithFields(logrus.Fields{
		"scanned":   report.Scanned,
		"linked":    report.Linked,
		"unmatched": len(report.Unmatched),
	}).Info("Legacy transactions linked")
	return report, nil
}
