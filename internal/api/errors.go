package api

import (
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/sells-group/credit-broker/internal/apperr"
	"github.com/sells-group/credit-broker/internal/store"
)

type errorBody struct {
	Error             string `json:"error"`
	Code              string `json:"code,omitempty"`
	Available         *int   `json:"available,omitempty"`
	Required          *int   `json:"required,omitempty"`
	RequiresReconnect bool   `json:"requires_reconnect,omitempty"`
	RequiredScope     string `json:"required_scope,omitempty"`
	ScopeName         string `json:"scope_name,omitempty"`
	RetryAfter        int    `json:"retry_after_seconds,omitempty"`
	UpstreamStatus    int    `json:"upstream_status,omitempty"`
}

// badRequest is a client input problem.
type badRequest struct{ msg string }

func (e badRequest) Error() string { return e.msg }

// writeError maps err onto an HTTP status and JSON body.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := classify(err)
	if status >= http.StatusInternalServerError {
		zap.L().Error("api: request failed",
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
	if body.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(body.RetryAfter))
	}
	writeJSON(w, status, body)
}

func classify(err error) (int, errorBody) {
	var br badRequest
	if errors.As(err, &br) {
		return http.StatusBadRequest, errorBody{Error: br.msg, Code: "invalid_request"}
	}
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, errorBody{Error: "not found", Code: "not_found"}
	}
	if errors.Is(err, store.ErrNoConsume) {
		return http.StatusNotFound, errorBody{Error: "no charge found for transaction", Code: "unknown_transaction"}
	}
	if e, ok := apperr.As[*apperr.InsufficientCredits](err); ok {
		return http.StatusPaymentRequired, errorBody{
			Error: e.Error(), Code: "insufficient_credits",
			Available: &e.Available, Required: &e.Required,
		}
	}
	if e, ok := apperr.As[*apperr.TerminalAuthError](err); ok {
		return http.StatusUnauthorized, errorBody{
			Error: "integration must be reconnected", Code: "reconnect_required",
			RequiresReconnect: e.RequiresReconnect,
		}
	}
	if _, ok := apperr.As[*apperr.RetryableAuthError](err); ok {
		return http.StatusServiceUnavailable, errorBody{Error: "token refresh failed, retry later", Code: "auth_retryable"}
	}
	if e, ok := apperr.As[*apperr.PermissionError](err); ok {
		return http.StatusForbidden, errorBody{
			Error: e.Error(), Code: "insufficient_scope",
			RequiredScope: e.RequiredScope, ScopeName: e.ScopeName,
		}
	}
	if e, ok := apperr.As[*apperr.EndpointUnavailableError](err); ok {
		return http.StatusNotFound, errorBody{Error: e.Error(), Code: "endpoint_unavailable"}
	}
	if e, ok := apperr.As[*apperr.RateLimitedError](err); ok {
		return http.StatusTooManyRequests, errorBody{Error: "rate limited", Code: "rate_limited", RetryAfter: e.RetryAfterSeconds}
	}
	if e, ok := apperr.As[*apperr.ProviderError](err); ok {
		return http.StatusBadGateway, errorBody{Error: e.Error(), Code: "provider_error", UpstreamStatus: e.Status}
	}
	if apperr.IsDecryption(err) {
		return http.StatusInternalServerError, errorBody{Error: "stored credential could not be read", Code: "decryption_failed"}
	}
	return http.StatusInternalServerError, errorBody{Error: "internal error", Code: "internal"}
}
