package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/credit-broker/internal/apperr"
	"github.com/sells-group/credit-broker/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It is meant for
// local development and single-replica deployments.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
// The pool is pinned to one connection so write transactions serialize.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS credit_accounts (
	owner_id      TEXT PRIMARY KEY,
	total_credits INTEGER NOT NULL DEFAULT 0 CHECK (total_credits >= 0),
	used_credits  INTEGER NOT NULL DEFAULT 0 CHECK (used_credits >= 0),
	plan_tier     TEXT NOT NULL DEFAULT '',
	updated_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	CHECK (used_credits <= total_credits)
);

CREATE TABLE IF NOT EXISTS credit_ledger (
	id             TEXT PRIMARY KEY,
	owner_id       TEXT NOT NULL,
	delta          INTEGER NOT NULL,
	action_type    TEXT NOT NULL,
	description    TEXT NOT NULL DEFAULT '',
	balance_before INTEGER NOT NULL,
	balance_after  INTEGER NOT NULL,
	analysis_id    TEXT NOT NULL DEFAULT '',
	transaction_id TEXT NOT NULL DEFAULT '',
	actor_id       TEXT NOT NULL DEFAULT '',
	created_at     DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_credit_ledger_owner_created ON credit_ledger(owner_id, created_at);
CREATE INDEX IF NOT EXISTS idx_credit_ledger_transaction ON credit_ledger(transaction_id);
DROP INDEX IF EXISTS idx_credit_ledger_refund_once;
CREATE UNIQUE INDEX IF NOT EXISTS idx_credit_ledger_owner_refund ON credit_ledger(owner_id, transaction_id)
	WHERE action_type = 'refund' AND transaction_id <> '';
CREATE UNIQUE INDEX IF NOT EXISTS idx_credit_ledger_owner_consume ON credit_ledger(owner_id, transaction_id)
	WHERE delta > 0 AND action_type <> 'refund' AND transaction_id <> '';

CREATE TABLE IF NOT EXISTS integration_credentials (
	id          TEXT PRIMARY KEY,
	owner_id    TEXT NOT NULL,
	provider    TEXT NOT NULL,
	settings    TEXT NOT NULL DEFAULT '{}',
	status      TEXT NOT NULL DEFAULT 'pending',
	environment TEXT NOT NULL DEFAULT 'production',
	created_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_integration_credentials_owner ON integration_credentials(owner_id);

CREATE TABLE IF NOT EXISTS refund_reconciliation (
	id             TEXT PRIMARY KEY,
	owner_id       TEXT NOT NULL,
	transaction_id TEXT NOT NULL,
	amount         INTEGER NOT NULL,
	reason         TEXT NOT NULL DEFAULT '',
	error          TEXT NOT NULL DEFAULT '',
	created_at     DATETIME NOT NULL DEFAULT (datetime('now'))
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

// Accounts

func (s *SQLiteStore) GetAccount(ctx context.Context, ownerID string) (*model.CreditAccount, error) {
	acct, err := scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM credit_accounts WHERE owner_id = ?`, ownerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get account %s", ownerID)
	}
	return acct, nil
}

func (s *SQLiteStore) UpsertAccount(ctx context.Context, acct model.CreditAccount) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credit_accounts (owner_id, total_credits, used_credits, plan_tier, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (owner_id) DO UPDATE SET
		   total_credits = excluded.total_credits,
		   used_credits = excluded.used_credits,
		   plan_tier = excluded.plan_tier,
		   updated_at = excluded.updated_at`,
		acct.OwnerID, acct.TotalCredits, acct.UsedCredits, acct.PlanTier, time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: upsert account %s", acct.OwnerID)
}

func (s *SQLiteStore) ConsumeCredits(ctx context.Context, ownerID string, amount int, m Mutation) (*model.LedgerEntry, error) {
	var entry model.LedgerEntry
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if m.TransactionID != "" {
			prior, err := findConsumeSQLite(ctx, tx, ownerID, m.TransactionID)
			if err == nil {
				entry = *prior
				return nil
			}
			if !errors.Is(err, ErrNoConsume) {
				return err
			}
		}

		now := time.Now().UTC()
		var total, used int
		err := tx.QueryRowContext(ctx,
			`UPDATE credit_accounts SET used_credits = used_credits + ?, updated_at = ?
			 WHERE owner_id = ? AND used_credits + ? <= total_credits
			 RETURNING total_credits, used_credits`,
			amount, now, ownerID, amount,
		).Scan(&total, &used)
		if errors.Is(err, sql.ErrNoRows) {
			acct, err := readAccountSQLite(ctx, tx, ownerID)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			return &apperr.InsufficientCredits{OwnerID: ownerID, Available: acct.Available(), Required: amount}
		}
		if err != nil {
			return eris.Wrapf(err, "sqlite: consume credits %s", ownerID)
		}

		after := total - used
		entry = newEntry(ownerID, m, after+amount, after, now)
		return insertLedgerSQLite(ctx, tx, entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *SQLiteStore) RefundCredits(ctx context.Context, ownerID string, amount int, m Mutation) (*model.LedgerEntry, bool, error) {
	var entry *model.LedgerEntry
	applied := false
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		acct, err := readAccountSQLite(ctx, tx, ownerID)
		if err != nil {
			return err
		}

		prior, err := scanLedger(tx.QueryRowContext(ctx,
			`SELECT `+ledgerColumns+` FROM credit_ledger
			 WHERE owner_id = ? AND transaction_id = ? AND action_type = 'refund'`,
			ownerID, m.TransactionID))
		if err == nil {
			entry = prior
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return eris.Wrapf(err, "sqlite: find refund %s", m.TransactionID)
		}

		consumed, err := findConsumeSQLite(ctx, tx, ownerID, m.TransactionID)
		if err != nil {
			return err
		}

		newUsed := max(acct.UsedCredits-min(amount, consumed.Delta), 0)
		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx,
			`UPDATE credit_accounts SET used_credits = ?, updated_at = ? WHERE owner_id = ?`,
			newUsed, now, ownerID,
		); err != nil {
			return eris.Wrapf(err, "sqlite: refund credits %s", ownerID)
		}

		e := newEntry(ownerID, m, acct.Available(), acct.TotalCredits-newUsed, now)
		if err := insertLedgerSQLite(ctx, tx, e); err != nil {
			return err
		}
		entry, applied = &e, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return entry, applied, nil
}

func (s *SQLiteStore) ResetAccount(ctx context.Context, ownerID string, total int, planTier string, m Mutation) (*model.LedgerEntry, error) {
	var entry model.LedgerEntry
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		acct, err := readAccountSQLite(ctx, tx, ownerID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if acct != nil && planTier == "" {
			planTier = acct.PlanTier
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO credit_accounts (owner_id, total_credits, used_credits, plan_tier, updated_at)
			 VALUES (?, ?, 0, ?, ?)
			 ON CONFLICT (owner_id) DO UPDATE SET
			   total_credits = excluded.total_credits,
			   used_credits = 0,
			   plan_tier = excluded.plan_tier,
			   updated_at = excluded.updated_at`,
			ownerID, total, planTier, now,
		); err != nil {
			return eris.Wrapf(err, "sqlite: reset account %s", ownerID)
		}

		entry = newEntry(ownerID, m, acct.Available(), total, now)
		return insertLedgerSQLite(ctx, tx, entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *SQLiteStore) AdjustCredits(ctx context.Context, ownerID string, delta int, m Mutation) (*model.LedgerEntry, error) {
	var entry model.LedgerEntry
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		acct, err := readAccountSQLite(ctx, tx, ownerID)
		if err != nil {
			return err
		}
		total, used, ok := adjustment(acct.TotalCredits, acct.UsedCredits, delta)
		if !ok {
			return &apperr.InsufficientCredits{OwnerID: ownerID, Available: acct.Available(), Required: delta}
		}

		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx,
			`UPDATE credit_accounts SET total_credits = ?, used_credits = ?, updated_at = ? WHERE owner_id = ?`,
			total, used, now, ownerID,
		); err != nil {
			return eris.Wrapf(err, "sqlite: adjust credits %s", ownerID)
		}

		entry = newEntry(ownerID, m, acct.Available(), total-used, now)
		return insertLedgerSQLite(ctx, tx, entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *SQLiteStore) ListLedger(ctx context.Context, filter LedgerFilter) ([]model.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ledgerColumns+` FROM credit_ledger
		 WHERE owner_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`,
		filter.OwnerID, pageSize(filter.Limit), max(filter.Offset, 0),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list ledger")
	}
	defer rows.Close()

	var out []model.LedgerEntry
	for rows.Next() {
		e, err := scanLedger(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan ledger")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate ledger")
}

func readAccountSQLite(ctx context.Context, tx *sql.Tx, ownerID string) (*model.CreditAccount, error) {
	acct, err := scanAccount(tx.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM credit_accounts WHERE owner_id = ?`, ownerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: account %s", ownerID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: read account %s", ownerID)
	}
	return acct, nil
}

func findConsumeSQLite(ctx context.Context, tx *sql.Tx, ownerID, transactionID string) (*model.LedgerEntry, error) {
	e, err := scanLedger(tx.QueryRowContext(ctx,
		`SELECT `+ledgerColumns+` FROM credit_ledger
		 WHERE owner_id = ? AND transaction_id = ? AND delta > 0 AND action_type <> 'refund'
		 ORDER BY created_at LIMIT 1`,
		ownerID, transactionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNoConsume, "sqlite: transaction %s", transactionID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: find consume %s", transactionID)
	}
	return e, nil
}

func insertLedgerSQLite(ctx context.Context, tx *sql.Tx, e model.LedgerEntry) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO credit_ledger (`+ledgerColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ledgerArgs(e)...,
	)
	return eris.Wrapf(err, "sqlite: insert ledger entry %s", e.ActionType)
}

// Credentials

func (s *SQLiteStore) CreateCredential(ctx context.Context, cred *model.IntegrationCredential) error {
	settings, err := prepareCredential(cred, time.Now().UTC())
	if err != nil {
		return eris.Wrap(err, "sqlite: create credential")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO integration_credentials (`+credentialColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cred.ID, cred.OwnerID, string(cred.Provider), string(settings), string(cred.Status),
		string(cred.Environment), cred.CreatedAt, cred.UpdatedAt,
	)
	return eris.Wrap(err, "sqlite: create credential")
}

func (s *SQLiteStore) GetCredential(ctx context.Context, id string) (*model.IntegrationCredential, error) {
	cred, err := scanCredential(s.db.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM integration_credentials WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: credential %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get credential %s", id)
	}
	return cred, nil
}

func (s *SQLiteStore) ListCredentials(ctx context.Context, ownerID string) ([]model.IntegrationCredential, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+credentialColumns+` FROM integration_credentials
		 WHERE (? = '' OR owner_id = ?) ORDER BY created_at, id`, ownerID, ownerID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list credentials")
	}
	defer rows.Close()

	var out []model.IntegrationCredential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan credential")
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate credentials")
}

func (s *SQLiteStore) UpdateCredentialSettings(ctx context.Context, id string, settings model.Settings) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal credential settings")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE integration_credentials SET settings = ?, updated_at = ? WHERE id = ?`,
		string(raw), time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update credential settings %s", id)
	}
	return checkRowsAffected(res, id)
}

func (s *SQLiteStore) UpdateCredentialStatus(ctx context.Context, id string, status model.CredentialStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE integration_credentials SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update credential status %s", id)
	}
	return checkRowsAffected(res, id)
}

// Reconciliation

func (s *SQLiteStore) RecordReconciliation(ctx context.Context, rec model.Reconciliation) error {
	rec = prepareReconciliation(rec, time.Now().UTC())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO refund_reconciliation (`+reconciliationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.OwnerID, rec.TransactionID, rec.Amount, rec.Reason, rec.Error, rec.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: record reconciliation")
}

func (s *SQLiteStore) ListReconciliations(ctx context.Context, limit int) ([]model.Reconciliation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reconciliationColumns+` FROM refund_reconciliation ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		pageSize(limit))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list reconciliations")
	}
	defer rows.Close()

	var out []model.Reconciliation
	for rows.Next() {
		r, err := scanReconciliation(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan reconciliation")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate reconciliations")
}

func checkRowsAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "sqlite: credential %s", id)
	}
	return nil
}
