package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// PostgresStore is the Storage implementation used for shared deployments.
type PostgresStore struct {
	*sqlStore
}

func NewPostgresStore(dataSourceName string, logger *logrus.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	s := &PostgresStore{sqlStore: newSQLStore(db, dialect{name: "postgres", numberedParams: true, isUniqueViolation: isPostgresUniqueViolation}, logger)}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	s.logger.Info("Database connection established and schema initialized.")
	return s, nil
}

func (s *PostgresStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS loans (
		id UUID PRIMARY KEY,
		number BIGINT NOT NULL,
		loan_type TEXT NOT NULL,
		customer_key TEXT NOT NULL DEFAULT '',
		customer_name TEXT NOT NULL DEFAULT '',
		loan_amount NUMERIC(18,2) NOT NULL,
		rate_of_interest NUMERIC(9,4),
		period INTEGER NOT NULL DEFAULT 0,
		period_unit TEXT NOT NULL DEFAULT '',
		installment_amount NUMERIC(18,2) NOT NULL DEFAULT 0,
		total_installments INTEGER NOT NULL DEFAULT 0,
		loan_date TIMESTAMPTZ,
		due_date TIMESTAMPTZ,
		status TEXT NOT NULL,
		closed_at TIMESTAMPTZ,
		g1_name TEXT NOT NULL DEFAULT '',
		g1_id_number TEXT NOT NULL DEFAULT '',
		g1_phone TEXT NOT NULL DEFAULT '',
		g2_name TEXT NOT NULL DEFAULT '',
		g2_id_number TEXT NOT NULL DEFAULT '',
		g2_phone TEXT NOT NULL DEFAULT '',
		partner_id TEXT NOT NULL DEFAULT '',
		partner_name TEXT NOT NULL DEFAULT '',
		version BIGINT NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		deleted_at TIMESTAMPTZ,
		UNIQUE (loan_type, number)
	);
	ALTER TABLE loans ADD COLUMN IF NOT EXISTS snap_amount_paid NUMERIC(18,2);
	ALTER TABLE loans ADD COLUMN IF NOT EXISTS snap_present_interest NUMERIC(18,2);
	ALTER TABLE loans ADD COLUMN IF NOT EXISTS snap_total_balance NUMERIC(18,2);
	ALTER TABLE loans ADD COLUMN IF NOT EXISTS snap_due_days INTEGER;
	ALTER TABLE loans ADD COLUMN IF NOT EXISTS snap_penalty NUMERIC(18,2);
	ALTER TABLE loans ADD COLUMN IF NOT EXISTS snap_total_amt_for_renewal NUMERIC(18,2);
	ALTER TABLE loans ADD COLUMN IF NOT EXISTS snap_total_amt_for_close NUMERIC(18,2);
	ALTER TABLE loans ADD COLUMN IF NOT EXISTS snap_as_of TIMESTAMPTZ;
	ALTER TABLE loans ADD COLUMN IF NOT EXISTS snap_computed_at TIMESTAMPTZ;
	CREATE TABLE IF NOT EXISTS transactions (
		id UUID PRIMARY KEY,
		loan_id UUID REFERENCES loans(id),
		account_ref TEXT NOT NULL DEFAULT '',
		date TIMESTAMPTZ NOT NULL,
		credit NUMERIC(18,2) NOT NULL DEFAULT 0,
		debit NUMERIC(18,2) NOT NULL DEFAULT 0,
		particulars TEXT NOT NULL DEFAULT '',
		rno TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		idempotency_key TEXT UNIQUE,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transactions_loan_id ON transactions(loan_id);
	CREATE INDEX IF NOT EXISTS idx_transactions_account_ref ON transactions(account_ref);
	`
	_, err := s.db.Exec(schema)
	return err
}

func isPostgresUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Name() == "unique_violation"
	}
	return false
}
