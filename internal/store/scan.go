package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/credit-broker/internal/model"
)

const (
	accountColumns        = `owner_id, total_credits, used_credits, plan_tier, updated_at`
	ledgerColumns         = `id, owner_id, delta, action_type, description, balance_before, balance_after, analysis_id, transaction_id, actor_id, created_at`
	credentialColumns     = `id, owner_id, provider, settings, status, environment, created_at, updated_at`
	reconciliationColumns = `id, owner_id, transaction_id, amount, reason, error, created_at`
)

// scannable is satisfied by pgx.Row, pgx.Rows, *sql.Row, and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

func scanAccount(row scannable) (*model.CreditAccount, error) {
	var a model.CreditAccount
	if err := row.Scan(&a.OwnerID, &a.TotalCredits, &a.UsedCredits, &a.PlanTier, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func scanLedger(row scannable) (*model.LedgerEntry, error) {
	var e model.LedgerEntry
	var action string
	err := row.Scan(&e.ID, &e.OwnerID, &e.Delta, &action, &e.Description,
		&e.BalanceBefore, &e.BalanceAfter, &e.AnalysisID, &e.TransactionID, &e.ActorID, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.ActionType = model.ActionType(action)
	return &e, nil
}

func scanCredential(row scannable) (*model.IntegrationCredential, error) {
	var c model.IntegrationCredential
	var provider, status, env string
	var settings []byte
	if err := row.Scan(&c.ID, &c.OwnerID, &provider, &settings, &status, &env, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Provider = model.Provider(provider)
	c.Status = model.CredentialStatus(status)
	c.Environment = model.Environment(env)
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &c.Settings); err != nil {
			return nil, eris.Wrap(err, "unmarshal credential settings")
		}
	}
	return &c, nil
}

func scanReconciliation(row scannable) (*model.Reconciliation, error) {
	var r model.Reconciliation
	if err := row.Scan(&r.ID, &r.OwnerID, &r.TransactionID, &r.Amount, &r.Reason, &r.Error, &r.CreatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

// newEntry builds the ledger entry for a balance change. Delta is the drop
// in available credits, so consumption is positive and refunds, resets,
// and grants are negative.
func newEntry(ownerID string, m Mutation, before, after int, now time.Time) model.LedgerEntry {
	return model.LedgerEntry{
		ID:            uuid.New().String(),
		OwnerID:       ownerID,
		Delta:         before - after,
		ActionType:    m.ActionType,
		Description:   m.Description,
		BalanceBefore: before,
		BalanceAfter:  after,
		AnalysisID:    m.AnalysisID,
		TransactionID: m.TransactionID,
		ActorID:       m.ActorID,
		CreatedAt:     now,
	}
}

func ledgerArgs(e model.LedgerEntry) []any {
	return []any{
		e.ID, e.OwnerID, e.Delta, string(e.ActionType), e.Description,
		e.BalanceBefore, e.BalanceAfter, e.AnalysisID, e.TransactionID, e.ActorID, e.CreatedAt,
	}
}

// prepareCredential fills the id, status, environment, and timestamps of a
// new credential.
func prepareCredential(cred *model.IntegrationCredential, now time.Time) ([]byte, error) {
	if cred.ID == "" {
		cred.ID = uuid.New().String()
	}
	if cred.Status == "" {
		cred.Status = model.CredentialPending
	}
	if cred.Environment == "" {
		cred.Environment = model.EnvironmentProduction
	}
	cred.CreatedAt = now
	cred.UpdatedAt = now
	settings, err := json.Marshal(cred.Settings)
	return settings, eris.Wrap(err, "marshal credential settings")
}

func prepareReconciliation(rec model.Reconciliation, now time.Time) model.Reconciliation {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	return rec
}
