package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/credit-broker/internal/apperr"
	"github.com/sells-group/credit-broker/internal/model"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func seedAccount(t *testing.T, s Store, owner string, total, used int) {
	t.Helper()
	require.NoError(t, s.UpsertAccount(context.Background(), model.CreditAccount{
		OwnerID: owner, TotalCredits: total, UsedCredits: used, PlanTier: "growth",
	}))
}

func consume(ownerTx string, action model.ActionType) Mutation {
	return Mutation{ActionType: action, TransactionID: ownerTx, Description: "analysis"}
}

func TestSQLite_MigrateIdempotent(t *testing.T) {
	s := newTestSQLite(t)
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Ping(context.Background()))
}

func TestSQLite_GetAccount_Missing(t *testing.T) {
	s := newTestSQLite(t)
	acct, err := s.GetAccount(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Nil(t, acct)
}

func TestSQLite_ConsumeCredits(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	seedAccount(t, s, "org-1", 10, 4)

	entry, err := s.ConsumeCredits(ctx, "org-1", 3, consume("tx-1", model.ActionTripleSource))
	require.NoError(t, err)
	assert.Equal(t, 3, entry.Delta)
	assert.Equal(t, 6, entry.BalanceBefore)
	assert.Equal(t, 3, entry.BalanceAfter)
	assert.Equal(t, model.ActionTripleSource, entry.ActionType)
	assert.NotEmpty(t, entry.ID)

	acct, err := s.GetAccount(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, 7, acct.UsedCredits)
	assert.Equal(t, 3, acct.Available())
}

func TestSQLite_ConsumeCredits_Insufficient(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	seedAccount(t, s, "org-1", 10, 9)

	_, err := s.ConsumeCredits(ctx, "org-1", 2, consume("tx-1", model.ActionDualSource))
	ic, ok := apperr.As[*apperr.InsufficientCredits](err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, 1, ic.Available)
	assert.Equal(t, 2, ic.Required)

	acct, err := s.GetAccount(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, 9, acct.UsedCredits)

	entries, err := s.ListLedger(ctx, LedgerFilter{OwnerID: "org-1"})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSQLite_ConsumeCredits_NoAccount(t *testing.T) {
	s := newTestSQLite(t)
	_, err := s.ConsumeCredits(context.Background(), "ghost", 1, consume("tx-1", model.ActionSingleSource))
	ic, ok := apperr.As[*apperr.InsufficientCredits](err)
	require.True(t, ok)
	assert.Equal(t, 0, ic.Available)
}

func TestSQLite_ConsumeCredits_ConcurrentNeverOverdraws(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	seedAccount(t, s, "org-1", 10, 0)

	var wg sync.WaitGroup
	var succeeded, rejected atomic.Int32
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ConsumeCredits(ctx, "org-1", 1, consume("", model.ActionSingleSource))
			switch {
			case err == nil:
				succeeded.Add(1)
			case apperr.IsInsufficientCredits(err):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), succeeded.Load())
	assert.Equal(t, int32(15), rejected.Load())

	acct, err := s.GetAccount(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, 10, acct.UsedCredits)
	assert.Equal(t, 0, acct.Available())
}

func TestSQLite_RefundCredits_Idempotent(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	seedAccount(t, s, "org-1", 10, 0)

	_, err := s.ConsumeCredits(ctx, "org-1", 3, consume("tx-9", model.ActionTripleSource))
	require.NoError(t, err)

	refund := Mutation{ActionType: model.ActionRefund, TransactionID: "tx-9", Description: "analysis failed"}
	first, applied, err := s.RefundCredits(ctx, "org-1", 3, refund)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, -3, first.Delta)
	assert.Equal(t, 7, first.BalanceBefore)
	assert.Equal(t, 10, first.BalanceAfter)

	second, applied, err := s.RefundCredits(ctx, "org-1", 3, refund)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, first.ID, second.ID)

	acct, err := s.GetAccount(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, 0, acct.UsedCredits)

	entries, err := s.ListLedger(ctx, LedgerFilter{OwnerID: "org-1"})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestSQLite_RefundCredits_ClampedToConsumed(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	seedAccount(t, s, "org-1", 10, 5)

	_, err := s.ConsumeCredits(ctx, "org-1", 2, consume("tx-1", model.ActionDualSource))
	require.NoError(t, err)

	entry, _, err := s.RefundCredits(ctx, "org-1", 50, Mutation{ActionType: model.ActionRefund, TransactionID: "tx-1"})
	require.NoError(t, err)
	assert.Equal(t, -2, entry.Delta)

	acct, err := s.GetAccount(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, 5, acct.UsedCredits)
}

func TestSQLite_RefundCredits_FlooredAtZero(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	seedAccount(t, s, "org-1", 10, 0)

	_, err := s.ConsumeCredits(ctx, "org-1", 3, consume("tx-1", model.ActionTripleSource))
	require.NoError(t, err)
	// A renewal lands between the consume and the refund.
	_, err = s.ResetAccount(ctx, "org-1", 10, "", Mutation{ActionType: model.ActionRenewalReset})
	require.NoError(t, err)

	entry, applied, err := s.RefundCredits(ctx, "org-1", 3, Mutation{ActionType: model.ActionRefund, TransactionID: "tx-1"})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 0, entry.Delta)

	acct, err := s.GetAccount(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, 0, acct.UsedCredits)
}

func TestSQLite_RefundCredits_UnknownTransaction(t *testing.T) {
	s := newTestSQLite(t)
	seedAccount(t, s, "org-1", 10, 0)

	_, _, err := s.RefundCredits(context.Background(), "org-1", 1, Mutation{ActionType: model.ActionRefund, TransactionID: "nope"})
	assert.True(t, errors.Is(err, ErrNoConsume))
}

func TestSQLite_ConsumeCredits_ReusedTransactionChargesOnce(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	seedAccount(t, s, "org-1", 10, 0)

	first, err := s.ConsumeCredits(ctx, "org-1", 3, consume("tx-1", model.ActionTripleSource))
	require.NoError(t, err)
	second, err := s.ConsumeCredits(ctx, "org-1", 3, consume("tx-1", model.ActionTripleSource))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	acct, err := s.GetAccount(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, 3, acct.UsedCredits)

	entries, err := s.ListLedger(ctx, LedgerFilter{OwnerID: "org-1"})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSQLite_RefundCredits_ScopedToOwner(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	seedAccount(t, s, "org-1", 10, 0)
	seedAccount(t, s, "org-2", 10, 0)

	_, err := s.ConsumeCredits(ctx, "org-1", 3, consume("tx-1", model.ActionTripleSource))
	require.NoError(t, err)
	_, err = s.ConsumeCredits(ctx, "org-2", 2, consume("tx-1", model.ActionDualSource))
	require.NoError(t, err)

	refund := Mutation{ActionType: model.ActionRefund, TransactionID: "tx-1"}
	_, applied, err := s.RefundCredits(ctx, "org-1", 3, refund)
	require.NoError(t, err)
	assert.True(t, applied)

	entry, applied, err := s.RefundCredits(ctx, "org-2", 2, refund)
	require.NoError(t, err)
	assert.True(t, applied, "another owner's refund must not count")
	assert.Equal(t, "org-2", entry.OwnerID)
	assert.Equal(t, -2, entry.Delta)

	_, _, err = s.RefundCredits(ctx, "org-3", 1, refund)
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)

	for _, owner := range []string{"org-1", "org-2"} {
		acct, err := s.GetAccount(ctx, owner)
		require.NoError(t, err)
		assert.Equal(t, 0, acct.UsedCredits, owner)
	}
}

func TestSQLite_RefundCredits_OtherOwnersTransaction(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	seedAccount(t, s, "org-1", 10, 0)
	seedAccount(t, s, "org-2", 10, 4)

	_, err := s.ConsumeCredits(ctx, "org-1", 3, consume("tx-1", model.ActionTripleSource))
	require.NoError(t, err)

	_, _, err = s.RefundCredits(ctx, "org-2", 3, Mutation{ActionType: model.ActionRefund, TransactionID: "tx-1"})
	assert.True(t, errors.Is(err, ErrNoConsume))

	acct, err := s.GetAccount(ctx, "org-2")
	require.NoError(t, err)
	assert.Equal(t, 4, acct.UsedCredits)
}

func TestSQLite_ResetAccount(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	seedAccount(t, s, "org-1", 10, 8)

	entry, err := s.ResetAccount(ctx, "org-1", 25, "", Mutation{ActionType: model.ActionRenewalReset, Description: "renewal"})
	require.NoError(t, err)
	assert.Equal(t, 2, entry.BalanceBefore)
	assert.Equal(t, 25, entry.BalanceAfter)
	assert.Equal(t, -23, entry.Delta)

	acct, err := s.GetAccount(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, 25, acct.TotalCredits)
	assert.Equal(t, 0, acct.UsedCredits)
	assert.Equal(t, "growth", acct.PlanTier)
}

func TestSQLite_ResetAccount_CreatesMissing(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	entry, err := s.ResetAccount(ctx, "new-org", 10, "starter", Mutation{ActionType: model.ActionRenewalReset})
	require.NoError(t, err)
	assert.Equal(t, 0, entry.BalanceBefore)
	assert.Equal(t, 10, entry.BalanceAfter)

	acct, err := s.GetAccount(ctx, "new-org")
	require.NoError(t, err)
	require.NotNil(t, acct)
	assert.Equal(t, "starter", acct.PlanTier)
}

func TestSQLite_AdjustCredits(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	seedAccount(t, s, "org-1", 10, 4)

	// Grant larger than used credits raises the total.
	entry, err := s.AdjustCredits(ctx, "org-1", -6, Mutation{ActionType: model.ActionAdminAdjustment, ActorID: "admin-1"})
	require.NoError(t, err)
	assert.Equal(t, 6, entry.BalanceBefore)
	assert.Equal(t, 12, entry.BalanceAfter)
	assert.Equal(t, "admin-1", entry.ActorID)

	acct, err := s.GetAccount(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, 12, acct.TotalCredits)
	assert.Equal(t, 0, acct.UsedCredits)

	_, err = s.AdjustCredits(ctx, "org-1", 5, Mutation{ActionType: model.ActionAdminAdjustment})
	require.NoError(t, err)

	_, err = s.AdjustCredits(ctx, "org-1", 100, Mutation{ActionType: model.ActionAdminAdjustment})
	assert.True(t, apperr.IsInsufficientCredits(err))

	_, err = s.AdjustCredits(ctx, "ghost", 1, Mutation{ActionType: model.ActionAdminAdjustment})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_ListLedger_NewestFirstAndPaged(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	seedAccount(t, s, "org-1", 100, 0)

	for i := 0; i < 5; i++ {
		_, err := s.ConsumeCredits(ctx, "org-1", i+1, consume("", model.ActionSingleSource))
		require.NoError(t, err)
	}

	page, err := s.ListLedger(ctx, LedgerFilter{OwnerID: "org-1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, 5, page[0].Delta)
	assert.Equal(t, 4, page[1].Delta)

	page, err = s.ListLedger(ctx, LedgerFilter{OwnerID: "org-1", Limit: 2, Offset: 4})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, 1, page[0].Delta)
}

func TestSQLite_Credentials(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	cred := &model.IntegrationCredential{
		OwnerID:  "org-1",
		Provider: model.ProviderQuickBooks,
		Settings: model.Settings{RealmID: "123", EncryptedClientID: "enc:v1:k1:abc"},
	}
	require.NoError(t, s.CreateCredential(ctx, cred))
	assert.NotEmpty(t, cred.ID)
	assert.Equal(t, model.CredentialPending, cred.Status)
	assert.Equal(t, model.EnvironmentProduction, cred.Environment)

	got, err := s.GetCredential(ctx, cred.ID)
	require.NoError(t, err)
	assert.Equal(t, "123", got.Settings.RealmID)
	assert.Equal(t, "enc:v1:k1:abc", got.Settings.EncryptedClientID)

	got.Settings.EncryptedToken = "enc:v1:k1:tok"
	require.NoError(t, s.UpdateCredentialSettings(ctx, cred.ID, got.Settings))
	require.NoError(t, s.UpdateCredentialStatus(ctx, cred.ID, model.CredentialConnected))

	got, err = s.GetCredential(ctx, cred.ID)
	require.NoError(t, err)
	assert.Equal(t, "enc:v1:k1:tok", got.Settings.EncryptedToken)
	assert.Equal(t, model.CredentialConnected, got.Status)

	require.NoError(t, s.CreateCredential(ctx, &model.IntegrationCredential{OwnerID: "org-2", Provider: model.ProviderNotion}))

	list, err := s.ListCredentials(ctx, "org-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	all, err := s.ListCredentials(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = s.GetCredential(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(s.UpdateCredentialStatus(ctx, "missing", model.CredentialExpired), ErrNotFound))
}

func TestSQLite_Reconciliations(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, s.RecordReconciliation(ctx, model.Reconciliation{
		OwnerID: "org-1", TransactionID: "tx-1", Amount: 3, Reason: "analysis failed", Error: "db down",
	}))

	recs, err := s.ListReconciliations(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "tx-1", recs[0].TransactionID)
	assert.Equal(t, 3, recs[0].Amount)
	assert.NotEmpty(t, recs[0].ID)
}

func TestAdjustment(t *testing.T) {
	tests := []struct {
		name                 string
		total, used, delta   int
		wantTotal, wantUsed  int
		wantOK               bool
	}{
		{"deduct", 10, 2, 3, 10, 5, true},
		{"deduct to exactly zero", 10, 2, 8, 10, 10, true},
		{"overdraw", 10, 2, 9, 10, 2, false},
		{"grant within used", 10, 5, -3, 10, 2, true},
		{"grant beyond used", 10, 2, -5, 13, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			total, used, ok := adjustment(tt.total, tt.used, tt.delta)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantTotal, total)
			assert.Equal(t, tt.wantUsed, used)
		})
	}
}
