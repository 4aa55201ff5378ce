package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// GET /v1/integrations/{id}/resources/<provider path>?scope=<scope>
func (s *server) handleResource(w http.ResponseWriter, r *http.Request) {
	cred, err := s.Credentials.GetCredential(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	path := chi.URLParam(r, "*")
	if path == "" {
		writeError(w, r, badRequest{"resource path is required"})
		return
	}
	q := r.URL.Query()
	scope := q.Get("scope")
	q.Del("scope")
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}

	payload, err := s.Resources.Fetch(r.Context(), cred, path, scope)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}
