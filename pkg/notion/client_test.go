package notion

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// redirect sends every request to the test server regardless of host.
type redirect struct {
	target *url.URL
}

func (r redirect) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.URL.Scheme = r.target.Scheme
	req.URL.Host = r.target.Host
	return http.DefaultTransport.RoundTrip(req)
}

func newTestClient(t *testing.T, handler http.HandlerFunc) Client {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	u, err := url.Parse(ts.URL)
	require.NoError(t, err)
	return NewClient("secret_test",
		WithRateLimit(0),
		WithHTTPClient(&http.Client{Transport: redirect{target: u}}),
	)
}

func TestMe(t *testing.T) {
	var auth string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		assert.Equal(t, "/v1/users/me", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "user",
			"id":     "bot-1",
			"type":   "bot",
			"name":   "Broker",
		})
	})

	user, err := c.Me(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret_test", auth)
	assert.Equal(t, "bot-1", string(user.ID))
}

func TestQueryDatabase(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/databases/db-123/query", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object":   "list",
			"results":  []any{},
			"has_more": false,
		})
	})

	resp, err := c.QueryDatabase(context.Background(), "db-123", nil)
	require.NoError(t, err)
	assert.False(t, resp.HasMore)
}

func TestQueryDatabase_Unauthorized(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object":  "error",
			"status":  401,
			"code":    "unauthorized",
			"message": "API token is invalid.",
		})
	})

	_, err := c.QueryDatabase(context.Background(), "db-123", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "notion: query database db-123")
	assert.Equal(t, http.StatusUnauthorized, Status(err))
}

func TestStatus_NonAPIError(t *testing.T) {
	assert.Equal(t, 0, Status(nil))
	assert.Equal(t, 0, Status(context.Canceled))
}
