// Package ledger meters paid actions against each owner's prepaid credit
// balance and keeps the append-only audit trail.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/credit-broker/internal/apperr"
	"github.com/sells-group/credit-broker/internal/model"
	"github.com/sells-group/credit-broker/internal/resilience"
	"github.com/sells-group/credit-broker/internal/store"
)

// DefaultRefundTimeout bounds the automatic refund after a failed paid action,
// retries included.
const DefaultRefundTimeout = 30 * time.Second

// Store is the persistence the ledger needs.
type Store interface {
	store.AccountStore
	store.ReconciliationStore
}

// Options tunes a Ledger. Zero values fall back to defaults.
type Options struct {
	Pricing       Pricing
	RefundRetry   resilience.RetryConfig
	RefundTimeout time.Duration
}

// Ledger is the credit metering service.
type Ledger struct {
	store         Store
	pricing       Pricing
	refundRetry   resilience.RetryConfig
	refundTimeout time.Duration
}

// New creates a Ledger.
func New(st Store, opts Options) *Ledger {
	if opts.Pricing.Base == nil {
		opts.Pricing = DefaultPricing()
	}
	if opts.RefundRetry.MaxAttempts <= 0 {
		opts.RefundRetry = resilience.DefaultRetryConfig()
	}
	if opts.RefundTimeout <= 0 {
		opts.RefundTimeout = DefaultRefundTimeout
	}
	return &Ledger{
		store:         st,
		pricing:       opts.Pricing,
		refundRetry:   opts.RefundRetry,
		refundTimeout: opts.RefundTimeout,
	}
}

// Balance is the result of a balance check.
type Balance struct {
	HasEnough bool `json:"has_enough"`
	Available int  `json:"available"`
	Required  int  `json:"required"`
}

// Metadata annotates a consume.
type Metadata struct {
	Description   string
	AnalysisID    string
	TransactionID string
}

// ConsumeResult reports the outcome of a consume. TransactionID is the key a
// later refund must present.
type ConsumeResult struct {
	Success       bool   `json:"success"`
	BalanceAfter  int    `json:"balance_after"`
	TransactionID string `json:"transaction_id,omitempty"`
	Available     int    `json:"available"`
	Required      int    `json:"required"`
}

// RefundResult reports the outcome of a refund. Applied is false when the
// transaction had already been refunded.
type RefundResult struct {
	Success      bool `json:"success"`
	Applied      bool `json:"applied"`
	BalanceAfter int  `json:"balance_after"`
}

// Cost returns the credits charged for an analysis.
func (l *Ledger) Cost(sourceCount int, advanced bool) int {
	return l.pricing.Cost(sourceCount, advanced)
}

// CheckBalance reports whether owner can afford required credits. A missing
// account has a zero balance.
func (l *Ledger) CheckBalance(ctx context.Context, ownerID string, required int) (Balance, error) {
	acct, err := l.store.GetAccount(ctx, ownerID)
	if err != nil {
		return Balance{}, eris.Wrap(err, "ledger: check balance")
	}
	available := acct.Available()
	return Balance{HasEnough: available >= required, Available: available, Required: required}, nil
}

// Consume charges amount credits. When the owner cannot afford it, the
// result has Success=false and the error is *apperr.InsufficientCredits.
func (l *Ledger) Consume(ctx context.Context, ownerID string, amount int, action model.ActionType, meta Metadata) (ConsumeResult, error) {
	if amount <= 0 {
		return ConsumeResult{}, eris.Errorf("ledger: consume amount must be positive, got %d", amount)
	}
	if !action.Valid() {
		return ConsumeResult{}, eris.Errorf("ledger: unknown action type %q", action)
	}
	if meta.TransactionID == "" {
		meta.TransactionID = uuid.New().String()
	}

	entry, err := l.store.ConsumeCredits(ctx, ownerID, amount, store.Mutation{
		ActionType:    action,
		Description:   meta.Description,
		AnalysisID:    meta.AnalysisID,
		TransactionID: meta.TransactionID,
	})
	if ic, ok := apperr.As[*apperr.InsufficientCredits](err); ok {
		zap.L().Info("ledger: insufficient credits",
			zap.String("owner_id", ownerID),
			zap.Int("available", ic.Available),
			zap.Int("required", ic.Required),
		)
		return ConsumeResult{Available: ic.Available, Required: ic.Required}, err
	}
	if err != nil {
		return ConsumeResult{}, eris.Wrap(err, "ledger: consume")
	}

	return ConsumeResult{
		Success:       true,
		BalanceAfter:  entry.BalanceAfter,
		TransactionID: meta.TransactionID,
		Available:     entry.BalanceAfter,
		Required:      amount,
	}, nil
}

// Refund returns up to amount credits charged under transactionID. Refunding
// the same transaction twice is a no-op that reports the current balance.
func (l *Ledger) Refund(ctx context.Context, ownerID string, amount int, reason, transactionID string) (RefundResult, error) {
	if transactionID == "" {
		return RefundResult{}, eris.New("ledger: refund requires the consume transaction id")
	}
	if amount <= 0 {
		return RefundResult{}, eris.Errorf("ledger: refund amount must be positive, got %d", amount)
	}

	entry, applied, err := l.store.RefundCredits(ctx, ownerID, amount, store.Mutation{
		ActionType:    model.ActionRefund,
		Description:   reason,
		TransactionID: transactionID,
	})
	if err != nil {
		return RefundResult{}, eris.Wrap(err, "ledger: refund")
	}
	if applied {
		return RefundResult{Success: true, Applied: true, BalanceAfter: entry.BalanceAfter}, nil
	}

	zap.L().Info("ledger: refund already applied",
		zap.String("owner_id", ownerID),
		zap.String("transaction_id", transactionID),
	)
	acct, err := l.store.GetAccount(ctx, ownerID)
	if err != nil {
		return RefundResult{}, eris.Wrap(err, "ledger: refund balance")
	}
	return RefundResult{Success: true, BalanceAfter: acct.Available()}, nil
}

// ResetForRenewal starts a new billing period with newTotal credits and
// returns the balance that was left over.
func (l *Ledger) ResetForRenewal(ctx context.Context, ownerID string, newTotal int, planTier string) (int, error) {
	if newTotal < 0 {
		return 0, eris.Errorf("ledger: renewal total must not be negative, got %d", newTotal)
	}
	entry, err := l.store.ResetAccount(ctx, ownerID, newTotal, planTier, store.Mutation{
		ActionType:  model.ActionRenewalReset,
		Description: fmt.Sprintf("renewal: %d credits", newTotal),
	})
	if err != nil {
		return 0, eris.Wrap(err, "ledger: reset for renewal")
	}
	zap.L().Info("ledger: account renewed",
		zap.String("owner_id", ownerID),
		zap.Int("previous_balance", entry.BalanceBefore),
		zap.Int("total", newTotal),
	)
	return entry.BalanceBefore, nil
}

// AdminAdjust applies a signed delta. Negative deltas grant credits and
// positive deltas deduct them.
func (l *Ledger) AdminAdjust(ctx context.Context, ownerID string, delta int, reason, actorID string) (*model.LedgerEntry, error) {
	if delta == 0 {
		return nil, eris.New("ledger: adjustment delta must not be zero")
	}
	if actorID == "" {
		return nil, eris.New("ledger: adjustment requires an actor id")
	}
	entry, err := l.store.AdjustCredits(ctx, ownerID, delta, store.Mutation{
		ActionType:  model.ActionAdminAdjustment,
		Description: reason,
		ActorID:     actorID,
	})
	if apperr.IsInsufficientCredits(err) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "ledger: admin adjust")
	}
	zap.L().Info("ledger: admin adjustment",
		zap.String("owner_id", ownerID),
		zap.String("actor_id", actorID),
		zap.Int("delta", entry.Delta),
	)
	return entry, nil
}

// Balance returns the owner's account. A missing account is reported as an
// empty one.
func (l *Ledger) Balance(ctx context.Context, ownerID string) (*model.CreditAccount, error) {
	acct, err := l.store.GetAccount(ctx, ownerID)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: balance")
	}
	if acct == nil {
		acct = &model.CreditAccount{OwnerID: ownerID}
	}
	return acct, nil
}

// History pages through the owner's ledger, newest first.
func (l *Ledger) History(ctx context.Context, ownerID string, limit, offset int) ([]model.LedgerEntry, error) {
	entries, err := l.store.ListLedger(ctx, store.LedgerFilter{OwnerID: ownerID, Limit: limit, Offset: offset})
	return entries, eris.Wrap(err, "ledger: history")
}

// Reconciliations lists refunds that need manual follow-up.
func (l *Ledger) Reconciliations(ctx context.Context, limit int) ([]model.Reconciliation, error) {
	recs, err := l.store.ListReconciliations(ctx, limit)
	return recs, eris.Wrap(err, "ledger: reconciliations")
}

// Charge describes a paid analysis.
type Charge struct {
	SourceCount int
	Advanced    bool
	Description string
	AnalysisID  string
}

// RunPaid charges for an analysis, runs fn, and refunds the charge if fn
// fails. fn's error is returned unchanged. A refund that still fails after
// retries is recorded for reconciliation.
func (l *Ledger) RunPaid(ctx context.Context, ownerID string, charge Charge, fn func(ctx context.Context, transactionID string) error) (ConsumeResult, error) {
	amount := l.Cost(charge.SourceCount, charge.Advanced)
	action := ActionTypeFor(charge.SourceCount)
	if charge.Advanced {
		action = model.ActionAdvancedDeepDive
	}
	desc := charge.Description
	if desc == "" {
		desc = fmt.Sprintf("%s (%d sources)", action, max(charge.SourceCount, 1))
	}

	res, err := l.Consume(ctx, ownerID, amount, action, Metadata{Description: desc, AnalysisID: charge.AnalysisID})
	if err != nil {
		return res, err
	}

	if runErr := fn(ctx, res.TransactionID); runErr != nil {
		l.refundFailed(ctx, ownerID, amount, res.TransactionID, runErr)
		return res, runErr
	}
	return res, nil
}

// refundFailed returns the credits of a failed paid action. It runs detached
// from ctx so a cancelled caller still gets refunded.
func (l *Ledger) refundFailed(ctx context.Context, ownerID string, amount int, transactionID string, cause error) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.refundTimeout)
	defer cancel()

	reason := "automatic refund: " + cause.Error()
	cfg := l.refundRetry
	cfg.ShouldRetry = func(err error) bool { return !errors.Is(err, store.ErrNoConsume) }
	cfg.OnRetry = resilience.RetryLogger("ledger", "refund")

	res, err := resilience.DoVal(rctx, cfg, func(ctx context.Context) (RefundResult, error) {
		return l.Refund(ctx, ownerID, amount, reason, transactionID)
	})
	if err == nil {
		zap.L().Info("ledger: refunded failed action",
			zap.String("owner_id", ownerID),
			zap.String("transaction_id", transactionID),
			zap.Int("amount", amount),
			zap.Int("balance_after", res.BalanceAfter),
		)
		return
	}

	zap.L().Error("ledger: refund failed, recording for reconciliation",
		zap.String("owner_id", ownerID),
		zap.String("transaction_id", transactionID),
		zap.Int("amount", amount),
		zap.Error(err),
	)
	recErr := l.store.RecordReconciliation(rctx, model.Reconciliation{
		OwnerID:       ownerID,
		TransactionID: transactionID,
		Amount:        amount,
		Reason:        reason,
		Error:         err.Error(),
	})
	if recErr != nil {
		zap.L().Error("ledger: record reconciliation",
			zap.String("owner_id", ownerID),
			zap.String("transaction_id", transactionID),
			zap.Error(recErr),
		)
	}
}
