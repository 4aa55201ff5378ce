// Package api exposes credit balances and provider resource reads over HTTP.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/credit-broker/internal/ledger"
	"github.com/sells-group/credit-broker/internal/model"
)

// Ledger is the credit metering the API exposes.
type Ledger interface {
	Cost(sourceCount int, advanced bool) int
	CheckBalance(ctx context.Context, ownerID string, required int) (ledger.Balance, error)
	Consume(ctx context.Context, ownerID string, amount int, action model.ActionType, meta ledger.Metadata) (ledger.ConsumeResult, error)
	Refund(ctx context.Context, ownerID string, amount int, reason, transactionID string) (ledger.RefundResult, error)
	ResetForRenewal(ctx context.Context, ownerID string, newTotal int, planTier string) (int, error)
	AdminAdjust(ctx context.Context, ownerID string, delta int, reason, actorID string) (*model.LedgerEntry, error)
	Balance(ctx context.Context, ownerID string) (*model.CreditAccount, error)
	History(ctx context.Context, ownerID string, limit, offset int) ([]model.LedgerEntry, error)
	Reconciliations(ctx context.Context, limit int) ([]model.Reconciliation, error)
}

// Credentials looks up stored integration credentials.
type Credentials interface {
	GetCredential(ctx context.Context, id string) (*model.IntegrationCredential, error)
}

// Resources reads provider resources. *gateway.Gateway implements it.
type Resources interface {
	Fetch(ctx context.Context, cred *model.IntegrationCredential, path, scope string) (json.RawMessage, error)
	Breakers() map[string]string
}

// Pinger reports database health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options wires the server's dependencies.
type Options struct {
	Ledger         Ledger
	Credentials    Credentials
	Resources      Resources
	DB             Pinger
	Plans          map[string]int
	AdminToken     string
	AllowedOrigins []string
}

type server struct {
	Options
}

// NewRouter builds the HTTP handler.
func NewRouter(opts Options) http.Handler {
	s := &server{Options: opts}
	if len(s.AllowedOrigins) == 0 {
		s.AllowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"Retry-After"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)

	// Every /v1 route reads or moves customer data and is only for trusted
	// backend callers holding the admin token.
	r.Route("/v1", func(r chi.Router) {
		r.Use(s.requireAdmin)

		r.Route("/credits/{owner}", func(r chi.Router) {
			r.Get("/", s.handleBalance)
			r.Get("/check", s.handleCheck)
			r.Get("/history", s.handleHistory)
			r.Post("/consume", s.handleConsume)
			r.Post("/refund", s.handleRefund)
			r.Post("/adjust", s.handleAdjust)
			r.Post("/renew", s.handleRenew)
		})

		r.Get("/reconciliations", s.handleReconciliations)
		r.Get("/integrations/{id}/resources/*", s.handleResource)
	})

	return r
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	dbStatus := "ok"
	if s.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.DB.Ping(ctx); err != nil {
			zap.L().Warn("api: health check database ping failed", zap.Error(err))
			status, code, dbStatus = "degraded", http.StatusServiceUnavailable, "unreachable"
		}
	}
	var breakers map[string]string
	if s.Resources != nil {
		breakers = s.Resources.Breakers()
	}
	writeJSON(w, code, map[string]any{
		"status":   status,
		"database": dbStatus,
		"breakers": breakers,
	})
}

// requireAdmin checks a bearer token against the configured admin token. An
// unset admin token locks every /v1 route.
func (s *server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || s.AdminToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.AdminToken)) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "admin token required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("api: encode response", zap.Error(err))
	}
}
