package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// SQLiteStore manages the database connection and operations for SQLite.
type SQLiteStore struct {
	*sqlStore
}

// NewSQLiteStore creates a new SQLiteStore and initializes the database.
func NewSQLiteStore(dataSourceName string, logger *logrus.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}
	// A single connection keeps PRAGMAs in effect and serializes writers.
	db.SetMaxOpenConns(1)

	_, err = db.Exec("PRAGMA foreign_keys = ON;")
	if err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	_, err = db.Exec("PRAGMA journal_mode = WAL;")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	s := &SQLiteStore{sqlStore: newSQLStore(db, dialect{name: "sqlite3", isUniqueViolation: isSQLiteUniqueViolation}, logger)}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	s.logger.WithField("dsn", dataSourceName).Info("Database connection established and schema initialized.")
	return s, nil
}

// initSchema creates the database tables if they don't already exist and adds new columns if necessary.
// We use TEXT for decimal fields in SQLite to ensure no precision is lost.
func (s *SQLiteStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS loans (
		id TEXT PRIMARY KEY,
		number INTEGER NOT NULL,
		loan_type TEXT NOT NULL,
		customer_key TEXT NOT NULL DEFAULT '',
		customer_name TEXT NOT NULL DEFAULT '',
		loan_amount TEXT NOT NULL,
		rate_of_interest TEXT,
		period INTEGER NOT NULL DEFAULT 0,
		period_unit TEXT NOT NULL DEFAULT '',
		installment_amount TEXT NOT NULL DEFAULT '0',
		total_installments INTEGER NOT NULL DEFAULT 0,
		loan_date DATETIME,
		due_date DATETIME,
		status TEXT NOT NULL,
		closed_at DATETIME,
		g1_name TEXT NOT NULL DEFAULT '',
		g1_id_number TEXT NOT NULL DEFAULT '',
		g1_phone TEXT NOT NULL DEFAULT '',
		g2_name TEXT NOT NULL DEFAULT '',
		g2_id_number TEXT NOT NULL DEFAULT '',
		g2_phone TEXT NOT NULL DEFAULT '',
		partner_id TEXT NOT NULL DEFAULT '',
		partner_name TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		deleted_at DATETIME,
		UNIQUE (loan_type, number)
	);
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		loan_id TEXT,
		account_ref TEXT NOT NULL DEFAULT '',
		date DATETIME NOT NULL,
		credit TEXT NOT NULL DEFAULT '0',
		debit TEXT NOT NULL DEFAULT '0',
		particulars TEXT NOT NULL DEFAULT '',
		rno TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		idempotency_key TEXT UNIQUE,
		created_at DATETIME NOT NULL,
		FOREIGN KEY(loan_id) REFERENCES loans(id)
	);
	CREATE INDEX IF NOT EXISTS idx_transactions_loan_id ON transactions(loan_id);
	CREATE INDEX IF NOT EXISTS idx_transactions_account_ref ON transactions(account_ref);
	`
	_, err := s.db.Exec(schema)
	if err != nil {
		return err
	}

	// Snapshot columns arrived after the first schema; older files get them here.
	columns := []string{
		"snap_amount_paid TEXT",
		"snap_present_interest TEXT",
		"snap_total_balance TEXT",
		"snap_due_days INTEGER",
		"snap_penalty TEXT",
		"snap_total_amt_for_renewal TEXT",
		"snap_total_amt_for_close TEXT",
		"snap_as_of DATETIME",
		"snap_computed_at DATETIME",
	}

	for _, col := range columns {
		_, err = s.db.Exec(fmt.Sprintf("ALTER TABLE loans ADD COLUMN %s", col))
		if err != nil && !isDuplicateColumnError(err) {
			return fmt.Errorf("failed to add column %s: %w", col, err)
		}
	}

	return nil
}

// isDuplicateColumnError checks if the error indicates a duplicate column.
func isDuplicateColumnError(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "duplicate column name")
}

func isSQLiteUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
