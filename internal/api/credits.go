package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/credit-broker/internal/ledger"
	"github.com/sells-group/credit-broker/internal/model"
)

func (s *server) handleBalance(w http.ResponseWriter, r *http.Request) {
	acct, err := s.Ledger.Balance(r.Context(), chi.URLParam(r, "owner"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"owner_id":      acct.OwnerID,
		"total_credits": acct.TotalCredits,
		"used_credits":  acct.UsedCredits,
		"available":     acct.Available(),
		"plan_tier":     acct.PlanTier,
	})
}

// GET /v1/credits/{owner}/check?sources=2&advanced=true
func (s *server) handleCheck(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sources, err := intParam(q.Get("sources"), 1)
	if err != nil || sources < 1 {
		writeError(w, r, badRequest{"sources must be a positive integer"})
		return
	}
	advanced, _ := strconv.ParseBool(q.Get("advanced"))

	cost := s.Ledger.Cost(sources, advanced)
	bal, err := s.Ledger.CheckBalance(r.Context(), chi.URLParam(r, "owner"), cost)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

func (s *server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), 50)
	if err != nil {
		writeError(w, r, badRequest{"limit must be an integer"})
		return
	}
	offset, err := intParam(q.Get("offset"), 0)
	if err != nil || offset < 0 {
		writeError(w, r, badRequest{"offset must be a non-negative integer"})
		return
	}
	entries, err := s.Ledger.History(r.Context(), chi.URLParam(r, "owner"), limit, offset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

type consumeRequest struct {
	SourceCount   int    `json:"source_count"`
	Advanced      bool   `json:"advanced"`
	Description   string `json:"description"`
	AnalysisID    string `json:"analysis_id"`
	TransactionID string `json:"transaction_id"`
}

func (s *server) handleConsume(w http.ResponseWriter, r *http.Request) {
	var req consumeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.SourceCount < 1 {
		writeError(w, r, badRequest{"source_count must be at least 1"})
		return
	}
	action := ledger.ActionTypeFor(req.SourceCount)
	if req.Advanced {
		action = model.ActionAdvancedDeepDive
	}
	amount := s.Ledger.Cost(req.SourceCount, req.Advanced)
	res, err := s.Ledger.Consume(r.Context(), chi.URLParam(r, "owner"), amount, action, ledger.Metadata{
		Description:   req.Description,
		AnalysisID:    req.AnalysisID,
		TransactionID: req.TransactionID,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type refundRequest struct {
	Amount        int    `json:"amount"`
	Reason        string `json:"reason"`
	TransactionID string `json:"transaction_id"`
}

func (s *server) handleRefund(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.TransactionID == "" || req.Amount <= 0 {
		writeError(w, r, badRequest{"transaction_id and a positive amount are required"})
		return
	}
	res, err := s.Ledger.Refund(r.Context(), chi.URLParam(r, "owner"), req.Amount, req.Reason, req.TransactionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// adjustRequest carries a ledger delta: negative grants credits, positive
// deducts them.
type adjustRequest struct {
	Delta   int    `json:"delta"`
	Reason  string `json:"reason"`
	ActorID string `json:"actor_id"`
}

func (s *server) handleAdjust(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Delta == 0 || req.ActorID == "" {
		writeError(w, r, badRequest{"a non-zero delta and actor_id are required"})
		return
	}
	entry, err := s.Ledger.AdminAdjust(r.Context(), chi.URLParam(r, "owner"), req.Delta, req.Reason, req.ActorID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

type renewRequest struct {
	PlanTier     string `json:"plan_tier"`
	TotalCredits *int   `json:"total_credits"`
}

// handleRenew starts a new billing period. The allotment comes from the
// request or, when omitted, from the configured plan tier.
func (s *server) handleRenew(w http.ResponseWriter, r *http.Request) {
	var req renewRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	var total int
	switch {
	case req.TotalCredits != nil:
		total = *req.TotalCredits
	case req.PlanTier != "":
		n, ok := s.Plans[req.PlanTier]
		if !ok {
			writeError(w, r, badRequest{"unknown plan tier " + strconv.Quote(req.PlanTier)})
			return
		}
		total = n
	default:
		writeError(w, r, badRequest{"plan_tier or total_credits is required"})
		return
	}
	if total < 0 {
		writeError(w, r, badRequest{"total_credits must not be negative"})
		return
	}

	owner := chi.URLParam(r, "owner")
	previous, err := s.Ledger.ResetForRenewal(r.Context(), owner, total, req.PlanTier)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"owner_id":         owner,
		"previous_balance": previous,
		"total_credits":    total,
	})
}

func (s *server) handleReconciliations(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r.URL.Query().Get("limit"), 50)
	if err != nil {
		writeError(w, r, badRequest{"limit must be an integer"})
		return
	}
	recs, err := s.Ledger.Reconciliations(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if recs == nil {
		recs = []model.Reconciliation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"reconciliations": recs})
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest{"invalid request body: " + err.Error()}
	}
	return nil
}
