package model

import "time"

// ActionType labels a ledger entry with the operation that produced it.
type ActionType string

const (
	ActionSingleSource     ActionType = "single_source_analysis"
	ActionDualSource       ActionType = "dual_source_analysis"
	ActionTripleSource     ActionType = "triple_source_analysis"
	ActionAdvancedDeepDive ActionType = "advanced_deep_dive"
	ActionRenewalReset     ActionType = "renewal_reset"
	ActionAdminAdjustment  ActionType = "admin_adjustment"
	ActionRefund           ActionType = "refund"
)

// Valid reports whether a is one of the known action types.
func (a ActionType) Valid() bool {
	switch a {
	case ActionSingleSource, ActionDualSource, ActionTripleSource, ActionAdvancedDeepDive,
		ActionRenewalReset, ActionAdminAdjustment, ActionRefund:
		return true
	default:
		return false
	}
}

// CreditAccount is the prepaid balance for one owner.
type CreditAccount struct {
	OwnerID      string    `json:"owner_id"`
	TotalCredits int       `json:"total_credits"`
	UsedCredits  int       `json:"used_credits"`
	PlanTier     string    `json:"plan_tier"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Available returns the spendable balance. It never reports a negative value.
func (a *CreditAccount) Available() int {
	if a == nil {
		return 0
	}
	return max(a.TotalCredits-a.UsedCredits, 0)
}

// LedgerEntry is one append-only audit record. Delta is positive for
// consumption and negative for refunds, resets, and grants.
type LedgerEntry struct {
	ID            string     `json:"id"`
	OwnerID       string     `json:"owner_id"`
	Delta         int        `json:"delta"`
	ActionType    ActionType `json:"action_type"`
	Description   string     `json:"description"`
	BalanceBefore int        `json:"balance_before"`
	BalanceAfter  int        `json:"balance_after"`
	AnalysisID    string     `json:"analysis_id,omitempty"`
	TransactionID string     `json:"transaction_id,omitempty"`
	ActorID       string     `json:"actor_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Reconciliation records a refund that could not be applied automatically
// and needs manual follow-up.
type Reconciliation struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"owner_id"`
	TransactionID string    `json:"transaction_id"`
	Amount        int       `json:"amount"`
	Reason        string    `json:"reason"`
	Error         string    `json:"error"`
	CreatedAt     time.Time `json:"created_at"`
}
