package store

import (
	"context"
	"errors"

	"github.com/sells-group/credit-broker/internal/model"
)

// ErrNotFound is returned when a credential or account does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrNoConsume is returned when a refund names a transaction that never
// consumed credits for the owner.
var ErrNoConsume = errors.New("store: no consume for transaction")

// Mutation carries the caller-supplied part of a ledger entry. The store
// fills in the delta, the balances, the id, and the timestamp.
type Mutation struct {
	ActionType    model.ActionType
	Description   string
	AnalysisID    string
	TransactionID string
	ActorID       string
}

// LedgerFilter pages through one owner's ledger, newest first.
type LedgerFilter struct {
	OwnerID string
	Limit   int
	Offset  int
}

// AccountStore persists credit accounts and their ledger. Every mutating
// method updates the account and appends the ledger entry in one
// transaction; the returned entry is the one that was written.
type AccountStore interface {
	// GetAccount returns nil, nil when the owner has no account.
	GetAccount(ctx context.Context, ownerID string) (*model.CreditAccount, error)
	UpsertAccount(ctx context.Context, acct model.CreditAccount) error

	// ConsumeCredits increments used credits only if the owner can afford
	// amount. It returns *apperr.InsufficientCredits otherwise. A consume
	// whose m.TransactionID the owner was already charged under returns the
	// original entry without charging again.
	ConsumeCredits(ctx context.Context, ownerID string, amount int, m Mutation) (*model.LedgerEntry, error)

	// RefundCredits reverses up to amount credits of the consume recorded
	// under m.TransactionID for the same owner. A second refund for the same transaction is a
	// no-op that returns the original refund entry and applied=false.
	RefundCredits(ctx context.Context, ownerID string, amount int, m Mutation) (entry *model.LedgerEntry, applied bool, err error)

	// ResetAccount sets total credits and zeroes used credits, creating the
	// account when it does not exist.
	ResetAccount(ctx context.Context, ownerID string, total int, planTier string, m Mutation) (*model.LedgerEntry, error)

	// AdjustCredits applies a signed delta to used credits. A grant larger
	// than used credits raises total credits by the remainder. A deduction
	// that would overdraw returns *apperr.InsufficientCredits.
	AdjustCredits(ctx context.Context, ownerID string, delta int, m Mutation) (*model.LedgerEntry, error)

	ListLedger(ctx context.Context, filter LedgerFilter) ([]model.LedgerEntry, error)
}

// CredentialStore persists integration credentials. Settings arrive already
// encrypted; the store never sees plaintext secrets.
type CredentialStore interface {
	CreateCredential(ctx context.Context, cred *model.IntegrationCredential) error
	GetCredential(ctx context.Context, id string) (*model.IntegrationCredential, error)
	// ListCredentials lists one owner's credentials, or every credential
	// when ownerID is empty.
	ListCredentials(ctx context.Context, ownerID string) ([]model.IntegrationCredential, error)
	UpdateCredentialSettings(ctx context.Context, id string, settings model.Settings) error
	UpdateCredentialStatus(ctx context.Context, id string, status model.CredentialStatus) error
}

// ReconciliationStore records refunds that failed after retries.
type ReconciliationStore interface {
	RecordReconciliation(ctx context.Context, rec model.Reconciliation) error
	ListReconciliations(ctx context.Context, limit int) ([]model.Reconciliation, error)
}

// Store is the full persistence interface for the broker service.
type Store interface {
	AccountStore
	CredentialStore
	ReconciliationStore

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

const defaultPageSize = 50

func pageSize(limit int) int {
	if limit <= 0 {
		return defaultPageSize
	}
	return min(limit, 500)
}

// adjustment computes the new account totals for an admin delta.
func adjustment(total, used, delta int) (newTotal, newUsed int, ok bool) {
	newUsed = used + delta
	newTotal = total
	if newUsed < 0 {
		newTotal -= newUsed
		newUsed = 0
	}
	if newUsed > newTotal {
		return total, used, false
	}
	return newTotal, newUsed, true
}
