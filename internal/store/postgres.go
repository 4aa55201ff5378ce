package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/credit-broker/internal/apperr"
	"github.com/sells-group/credit-broker/internal/db"
	"github.com/sells-group/credit-broker/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool. Tests pass a pgxmock pool.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS credit_accounts (
	owner_id      TEXT PRIMARY KEY,
	total_credits INTEGER NOT NULL DEFAULT 0 CHECK (total_credits >= 0),
	used_credits  INTEGER NOT NULL DEFAULT 0 CHECK (used_credits >= 0),
	plan_tier     TEXT NOT NULL DEFAULT '',
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
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
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_credit_ledger_owner_created ON credit_ledger(owner_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_credit_ledger_transaction ON credit_ledger(transaction_id) WHERE transaction_id <> '';
DROP INDEX IF EXISTS idx_credit_ledger_refund_once;
CREATE UNIQUE INDEX IF NOT EXISTS idx_credit_ledger_owner_refund ON credit_ledger(owner_id, transaction_id)
	WHERE action_type = 'refund' AND transaction_id <> '';
CREATE UNIQUE INDEX IF NOT EXISTS idx_credit_ledger_owner_consume ON credit_ledger(owner_id, transaction_id)
	WHERE delta > 0 AND action_type <> 'refund' AND transaction_id <> '';

CREATE TABLE IF NOT EXISTS integration_credentials (
	id          TEXT PRIMARY KEY,
	owner_id    TEXT NOT NULL,
	provider    TEXT NOT NULL,
	settings    JSONB NOT NULL DEFAULT '{}'::jsonb,
	status      TEXT NOT NULL DEFAULT 'pending',
	environment TEXT NOT NULL DEFAULT 'production',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_integration_credentials_owner ON integration_credentials(owner_id);

CREATE TABLE IF NOT EXISTS refund_reconciliation (
	id             TEXT PRIMARY KEY,
	owner_id       TEXT NOT NULL,
	transaction_id TEXT NOT NULL,
	amount         INTEGER NOT NULL,
	reason         TEXT NOT NULL DEFAULT '',
	error          TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_refund_reconciliation_created ON refund_reconciliation(created_at DESC);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Accounts

func (s *PostgresStore) GetAccount(ctx context.Context, ownerID string) (*model.CreditAccount, error) {
	acct, err := scanAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM credit_accounts WHERE owner_id = $1`, ownerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get account %s", ownerID)
	}
	return acct, nil
}

func (s *PostgresStore) UpsertAccount(ctx context.Context, acct model.CreditAccount) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO credit_accounts (owner_id, total_credits, used_credits, plan_tier, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (owner_id) DO UPDATE SET
		   total_credits = EXCLUDED.total_credits,
		   used_credits = EXCLUDED.used_credits,
		   plan_tier = EXCLUDED.plan_tier,
		   updated_at = EXCLUDED.updated_at`,
		acct.OwnerID, acct.TotalCredits, acct.UsedCredits, acct.PlanTier, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: upsert account %s", acct.OwnerID)
}

// ConsumeCredits relies on a single conditional UPDATE so two concurrent
// consumers can never both pass the balance check.
func (s *PostgresStore) ConsumeCredits(ctx context.Context, ownerID string, amount int, m Mutation) (*model.LedgerEntry, error) {
	var entry model.LedgerEntry
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		if m.TransactionID != "" {
			prior, err := findConsumePG(ctx, tx, ownerID, m.TransactionID)
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
		err := tx.QueryRow(ctx,
			`UPDATE credit_accounts SET used_credits = used_credits + $2, updated_at = $3
			 WHERE owner_id = $1 AND used_credits + $2 <= total_credits
			 RETURNING total_credits, used_credits`,
			ownerID, amount, now,
		).Scan(&total, &used)
		if errors.Is(err, pgx.ErrNoRows) {
			return s.insufficient(ctx, tx, ownerID, amount)
		}
		if err != nil {
			return eris.Wrapf(err, "postgres: consume credits %s", ownerID)
		}

		after := total - used
		entry = newEntry(ownerID, m, after+amount, after, now)
		return insertLedgerPG(ctx, tx, entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *PostgresStore) insufficient(ctx context.Context, tx pgx.Tx, ownerID string, required int) error {
	acct, err := scanAccount(tx.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM credit_accounts WHERE owner_id = $1`, ownerID))
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return eris.Wrapf(err, "postgres: read balance %s", ownerID)
	}
	return &apperr.InsufficientCredits{OwnerID: ownerID, Available: acct.Available(), Required: required}
}

func (s *PostgresStore) RefundCredits(ctx context.Context, ownerID string, amount int, m Mutation) (*model.LedgerEntry, bool, error) {
	var entry *model.LedgerEntry
	applied := false
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		acct, err := lockAccountPG(ctx, tx, ownerID)
		if err != nil {
			return err
		}

		prior, err := scanLedger(tx.QueryRow(ctx,
			`SELECT `+ledgerColumns+` FROM credit_ledger
			 WHERE owner_id = $1 AND transaction_id = $2 AND action_type = 'refund'`,
			ownerID, m.TransactionID))
		if err == nil {
			entry = prior
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return eris.Wrapf(err, "postgres: find refund %s", m.TransactionID)
		}

		consumed, err := findConsumePG(ctx, tx, ownerID, m.TransactionID)
		if err != nil {
			return err
		}

		newUsed := max(acct.UsedCredits-min(amount, consumed.Delta), 0)
		now := time.Now().UTC()
		if _, err := tx.Exec(ctx,
			`UPDATE credit_accounts SET used_credits = $2, updated_at = $3 WHERE owner_id = $1`,
			ownerID, newUsed, now,
		); err != nil {
			return eris.Wrapf(err, "postgres: refund credits %s", ownerID)
		}

		e := newEntry(ownerID, m, acct.Available(), acct.TotalCredits-newUsed, now)
		if err := insertLedgerPG(ctx, tx, e); err != nil {
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

func (s *PostgresStore) ResetAccount(ctx context.Context, ownerID string, total int, planTier string, m Mutation) (*model.LedgerEntry, error) {
	var entry model.LedgerEntry
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		now := time.Now().UTC()
		acct, err := lockAccountPG(ctx, tx, ownerID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if acct != nil && planTier == "" {
			planTier = acct.PlanTier
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO credit_accounts (owner_id, total_credits, used_credits, plan_tier, updated_at)
			 VALUES ($1, $2, 0, $3, $4)
			 ON CONFLICT (owner_id) DO UPDATE SET
			   total_credits = EXCLUDED.total_credits,
			   used_credits = 0,
			   plan_tier = EXCLUDED.plan_tier,
			   updated_at = EXCLUDED.updated_at`,
			ownerID, total, planTier, now,
		); err != nil {
			return eris.Wrapf(err, "postgres: reset account %s", ownerID)
		}

		entry = newEntry(ownerID, m, acct.Available(), total, now)
		return insertLedgerPG(ctx, tx, entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *PostgresStore) AdjustCredits(ctx context.Context, ownerID string, delta int, m Mutation) (*model.LedgerEntry, error) {
	var entry model.LedgerEntry
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		acct, err := lockAccountPG(ctx, tx, ownerID)
		if err != nil {
			return err
		}
		total, used, ok := adjustment(acct.TotalCredits, acct.UsedCredits, delta)
		if !ok {
			return &apperr.InsufficientCredits{OwnerID: ownerID, Available: acct.Available(), Required: delta}
		}

		now := time.Now().UTC()
		if _, err := tx.Exec(ctx,
			`UPDATE credit_accounts SET total_credits = $2, used_credits = $3, updated_at = $4 WHERE owner_id = $1`,
			ownerID, total, used, now,
		); err != nil {
			return eris.Wrapf(err, "postgres: adjust credits %s", ownerID)
		}

		entry = newEntry(ownerID, m, acct.Available(), total-used, now)
		return insertLedgerPG(ctx, tx, entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *PostgresStore) ListLedger(ctx context.Context, filter LedgerFilter) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+ledgerColumns+` FROM credit_ledger
		 WHERE owner_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`,
		filter.OwnerID, pageSize(filter.Limit), max(filter.Offset, 0),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list ledger")
	}
	defer rows.Close()

	var out []model.LedgerEntry
	for rows.Next() {
		e, err := scanLedger(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan ledger")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate ledger")
}

func lockAccountPG(ctx context.Context, tx pgx.Tx, ownerID string) (*model.CreditAccount, error) {
	acct, err := scanAccount(tx.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM credit_accounts WHERE owner_id = $1 FOR UPDATE`, ownerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: account %s", ownerID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: lock account %s", ownerID)
	}
	return acct, nil
}

// findConsumePG returns the owner's charge recorded under transactionID, or
// ErrNoConsume.
func findConsumePG(ctx context.Context, tx pgx.Tx, ownerID, transactionID string) (*model.LedgerEntry, error) {
	e, err := scanLedger(tx.QueryRow(ctx,
		`SELECT `+ledgerColumns+` FROM credit_ledger
		 WHERE owner_id = $1 AND transaction_id = $2 AND delta > 0 AND action_type <> 'refund'
		 ORDER BY created_at LIMIT 1`,
		ownerID, transactionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNoConsume, "postgres: transaction %s", transactionID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: find consume %s", transactionID)
	}
	return e, nil
}

func insertLedgerPG(ctx context.Context, tx pgx.Tx, e model.LedgerEntry) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO credit_ledger (`+ledgerColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		ledgerArgs(e)...,
	)
	return eris.Wrapf(err, "postgres: insert ledger entry %s", e.ActionType)
}

// Credentials

func (s *PostgresStore) CreateCredential(ctx context.Context, cred *model.IntegrationCredential) error {
	settings, err := prepareCredential(cred, time.Now().UTC())
	if err != nil {
		return eris.Wrap(err, "postgres: create credential")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO integration_credentials (`+credentialColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		cred.ID, cred.OwnerID, string(cred.Provider), settings, string(cred.Status),
		string(cred.Environment), cred.CreatedAt, cred.UpdatedAt,
	)
	return eris.Wrap(err, "postgres: create credential")
}

func (s *PostgresStore) GetCredential(ctx context.Context, id string) (*model.IntegrationCredential, error) {
	cred, err := scanCredential(s.pool.QueryRow(ctx,
		`SELECT `+credentialColumns+` FROM integration_credentials WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: credential %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get credential %s", id)
	}
	return cred, nil
}

func (s *PostgresStore) ListCredentials(ctx context.Context, ownerID string) ([]model.IntegrationCredential, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+credentialColumns+` FROM integration_credentials
		 WHERE ($1 = '' OR owner_id = $1) ORDER BY created_at, id`, ownerID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list credentials")
	}
	defer rows.Close()

	var out []model.IntegrationCredential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan credential")
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate credentials")
}

func (s *PostgresStore) UpdateCredentialSettings(ctx context.Context, id string, settings model.Settings) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal credential settings")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE integration_credentials SET settings = $2, updated_at = $3 WHERE id = $1`,
		id, raw, time.Now().UTC())
	if err != nil {
		return eris.Wrapf(err, "postgres: update credential settings %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: credential %s", id)
	}
	return nil
}

func (s *PostgresStore) UpdateCredentialStatus(ctx context.Context, id string, status model.CredentialStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE integration_credentials SET status = $2, updated_at = $3 WHERE id = $1`,
		id, string(status), time.Now().UTC())
	if err != nil {
		return eris.Wrapf(err, "postgres: update credential status %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: credential %s", id)
	}
	return nil
}

// Reconciliation

func (s *PostgresStore) RecordReconciliation(ctx context.Context, rec model.Reconciliation) error {
	rec = prepareReconciliation(rec, time.Now().UTC())
	_, err := s.pool.Exec(ctx,
		`INSERT INTO refund_reconciliation (`+reconciliationColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.OwnerID, rec.TransactionID, rec.Amount, rec.Reason, rec.Error, rec.CreatedAt,
	)
	return eris.Wrap(err, "postgres: record reconciliation")
}

func (s *PostgresStore) ListReconciliations(ctx context.Context, limit int) ([]model.Reconciliation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+reconciliationColumns+` FROM refund_reconciliation ORDER BY created_at DESC LIMIT $1`,
		pageSize(limit))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list reconciliations")
	}
	defer rows.Close()

	var out []model.Reconciliation
	for rows.Next() {
		r, err := scanReconciliation(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan reconciliation")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate reconciliations")
}
