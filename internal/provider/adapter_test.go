package provider

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/sells-group/credit-broker/internal/apperr"
	"github.com/sells-group/credit-broker/internal/model"
	"github.com/sells-group/credit-broker/internal/ratelimit"
)

func TestDefaultRegistry(t *testing.T) {
	r := DefaultRegistry(nil)
	assert.Equal(t, []model.Provider{
		model.ProviderMicrosoft,
		model.ProviderNotion,
		model.ProviderQuickBooks,
		model.ProviderSalesforce,
	}, r.Providers())

	_, err := r.Get("xero")
	assert.Error(t, err)
}

func TestDefaultRateLimits(t *testing.T) {
	r := DefaultRegistry(nil)

	tests := []struct {
		provider model.Provider
		want     ratelimit.Limit
	}{
		{model.ProviderQuickBooks, ratelimit.PerWindow(25, 5000)},
		{model.ProviderSalesforce, ratelimit.PerWindow(100, 10_000)},
		{model.ProviderMicrosoft, ratelimit.PerWindow(10_000, 600_000)},
		{model.ProviderNotion, ratelimit.PerWindow(3, 1000)},
	}
	for _, tt := range tests {
		a, err := r.Get(tt.provider)
		require.NoError(t, err)
		assert.Equal(t, tt.want, a.RateLimit(), tt.provider)
	}
}

func TestRateLimitOverride(t *testing.T) {
	r := DefaultRegistry(map[string]Config{
		"quickbooks": {RateLimit: ratelimit.PerWindow(10, 1000)},
	})
	a, err := r.Get(model.ProviderQuickBooks)
	require.NoError(t, err)
	assert.Equal(t, ratelimit.PerWindow(10, 1000), a.RateLimit())
}

func TestQuickBooks_URLs(t *testing.T) {
	a := NewQuickBooks(Config{ClientID: "app-id", ClientSecret: "app-secret"})
	cred := &model.IntegrationCredential{
		Environment: model.EnvironmentSandbox,
		Settings:    model.Settings{RealmID: "4620816365"},
	}

	assert.Equal(t, "https://sandbox-quickbooks.api.intuit.com/v3/company/4620816365", a.BaseURL(cred))
	cred.Environment = model.EnvironmentProduction
	assert.Equal(t, "https://quickbooks.api.intuit.com/v3/company/4620816365", a.BaseURL(cred))
	assert.Equal(t, "https://oauth.platform.intuit.com/oauth2/v1/tokens/bearer", a.TokenEndpoint(cred))

	cfg := a.RefreshConfig(cred)
	assert.Equal(t, "app-id", cfg.ClientID, "falls back to app credentials")
	assert.Equal(t, oauth2.AuthStyleInHeader, cfg.Endpoint.AuthStyle)

	cred.Settings.ClientID = "tenant-app"
	cred.Settings.ClientSecret = "tenant-secret"
	cfg = a.RefreshConfig(cred)
	assert.Equal(t, "tenant-app", cfg.ClientID)
	assert.Equal(t, "tenant-secret", cfg.ClientSecret)
}

func TestQuickBooks_PermissionFault(t *testing.T) {
	a := NewQuickBooks(Config{})
	err := a.ClassifyResponse(Response{
		StatusCode: 400,
		Body:       []byte(`{"Fault":{"Error":[{"Message":"Error","Detail":"Bad","code":"5020"}]}}`),
	}, "com.intuit.quickbooks.accounting")

	pe, ok := apperr.As[*apperr.PermissionError](err)
	require.True(t, ok)
	assert.Equal(t, "QuickBooks Accounting", pe.ScopeName)
}

func TestSalesforce_ParseExpiryFromIssuedAt(t *testing.T) {
	a := NewSalesforce(Config{SessionLifetime: 90 * time.Minute})
	issued := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tok := (&oauth2.Token{AccessToken: "00D"}).WithExtra(map[string]any{
		"issued_at": "1772366400000",
	})
	require.Equal(t, issued.UnixMilli(), int64(1772366400000))

	got := a.ParseExpiry(tok, time.Now())
	assert.True(t, got.Equal(issued.Add(90*time.Minute)), "got %s", got)
}

func TestSalesforce_ParseExpiryWithoutIssuedAt(t *testing.T) {
	a := NewSalesforce(Config{})
	now := time.Unix(1_700_000_000, 0)
	got := a.ParseExpiry(&oauth2.Token{AccessToken: "x"}, now)
	assert.Equal(t, now.Add(defaultSalesforceSession), got)
}

func TestSalesforce_UpdateSettings(t *testing.T) {
	a := NewSalesforce(Config{})
	upd, ok := a.(SettingsUpdater)
	require.True(t, ok)

	s := model.Settings{InstanceURL: "https://old.my.salesforce.com"}
	tok := (&oauth2.Token{}).WithExtra(map[string]any{"instance_url": "https://new.my.salesforce.com"})
	upd.UpdateSettings(tok, &s)
	assert.Equal(t, "https://new.my.salesforce.com", s.InstanceURL)
}

func TestSalesforce_BaseURLAndTokenURL(t *testing.T) {
	a := NewSalesforce(Config{})
	cred := &model.IntegrationCredential{
		Environment: model.EnvironmentSandbox,
		Settings:    model.Settings{InstanceURL: "https://acme--dev.sandbox.my.salesforce.com/"},
	}
	assert.Equal(t, "https://acme--dev.sandbox.my.salesforce.com/services/data/v60.0", a.BaseURL(cred))
	assert.Equal(t, "https://test.salesforce.com/services/oauth2/token", a.TokenEndpoint(cred))
}

func TestSalesforce_RequestLimitIsRateLimited(t *testing.T) {
	a := NewSalesforce(Config{})
	err := a.ClassifyResponse(Response{
		StatusCode: 403,
		Body:       []byte(`[{"errorCode":"REQUEST_LIMIT_EXCEEDED","message":"TotalRequests Limit exceeded."}]`),
		Header:     http.Header{},
	}, "api")

	rl, ok := apperr.As[*apperr.RateLimitedError](err)
	require.True(t, ok)
	assert.Equal(t, 10, rl.RetryAfterSeconds)

	err = a.ClassifyResponse(Response{StatusCode: 403, Body: []byte(`[{"errorCode":"INSUFFICIENT_ACCESS"}]`)}, "api")
	_, ok = apperr.As[*apperr.PermissionError](err)
	assert.True(t, ok)
}

func TestMicrosoft_TenantTokenURL(t *testing.T) {
	a := NewMicrosoft(Config{})
	assert.Equal(t, "https://login.microsoftonline.com/common/oauth2/v2.0/token", a.TokenEndpoint(&model.IntegrationCredential{}))

	cred := &model.IntegrationCredential{Settings: model.Settings{
		TenantID: "contoso.onmicrosoft.com",
		Scopes:   []string{"offline_access", "Files.Read.All"},
	}}
	cfg := a.RefreshConfig(cred)
	assert.Equal(t, "https://login.microsoftonline.com/contoso.onmicrosoft.com/oauth2/v2.0/token", cfg.Endpoint.TokenURL)
	assert.Equal(t, []string{"offline_access", "Files.Read.All"}, cfg.Scopes)
}

func TestMicrosoft_InteractionRequiredIsTerminal(t *testing.T) {
	a := NewMicrosoft(Config{})
	assert.Equal(t, RefreshTerminal, a.ClassifyRefreshError(retrieveErr(400, "interaction_required", "")))
	assert.Equal(t, RefreshRetryable, a.ClassifyRefreshError(retrieveErr(500, "temporarily_unavailable", "")))
}

func TestNotion_NoRefreshAndVersionHeader(t *testing.T) {
	a := NewNotion(Config{})
	assert.False(t, a.UsesRefresh())
	assert.Nil(t, a.RefreshConfig(nil))
	assert.Equal(t, "https://api.notion.com/v1", a.BaseURL(nil))

	req := httptest.NewRequest(http.MethodGet, "/v1/users/me", nil)
	a.PrepareRequest(req)
	assert.Equal(t, "2022-06-28", req.Header.Get("Notion-Version"))
	assert.Equal(t, "application/json", req.Header.Get("Accept"))
}

func TestBase_ParseExpiry(t *testing.T) {
	a := NewQuickBooks(Config{})
	now := time.Unix(1_700_000_000, 0)

	exp := now.Add(3600 * time.Second)
	assert.Equal(t, exp, a.ParseExpiry(&oauth2.Token{Expiry: exp}, now))

	iso := (&oauth2.Token{}).WithExtra(map[string]any{"expires_at": "2026-01-01T00:00:00Z"})
	assert.Equal(t, int64(1767225600), a.ParseExpiry(iso, now).Unix())

	assert.Equal(t, now.Add(defaultTokenLifetime), a.ParseExpiry(&oauth2.Token{}, now))
}

func TestRefreshFailure_String(t *testing.T) {
	assert.Equal(t, "terminal", RefreshTerminal.String())
	assert.Equal(t, "retryable", RefreshRetryable.String())
}
