package provider

import (
	"strings"

	"golang.org/x/oauth2"

	"github.com/sells-group/credit-broker/internal/model"
	"github.com/sells-group/credit-broker/internal/ratelimit"
)

const defaultTenant = "common"

type microsoft struct {
	base
}

// NewMicrosoft returns the adapter for the Microsoft Graph API.
func NewMicrosoft(cfg Config) Adapter {
	cfg = withDefaults(cfg, Config{
		TokenURL:  "https://login.microsoftonline.com/{tenant}/oauth2/v2.0/token",
		BaseURL:   "https://graph.microsoft.com/v1.0",
		RateLimit: ratelimit.PerWindow(10_000, 600_000),
	})
	return &microsoft{base{
		provider:      model.ProviderMicrosoft,
		cfg:           cfg,
		authStyle:     oauth2.AuthStyleInParams,
		terminalCodes: codeSet(append(oauthTerminalCodes, "interaction_required", "consent_required")...),
		permissionCode: codeSet(
			"Authorization_RequestDenied",
			"ErrorAccessDenied",
			"AccessDenied",
		),
		scopeNames: map[string]string{
			"Files.Read.All": "OneDrive and SharePoint files",
			"Mail.Read":      "Outlook mail",
			"Calendars.Read": "Outlook calendars",
			"User.Read":      "Basic profile",
		},
	}}
}

// TokenEndpoint substitutes the credential's directory tenant.
func (m *microsoft) TokenEndpoint(cred *model.IntegrationCredential) string {
	tenant := defaultTenant
	if cred != nil && cred.Settings.TenantID != "" {
		tenant = cred.Settings.TenantID
	}
	return strings.ReplaceAll(m.base.TokenEndpoint(cred), "{tenant}", tenant)
}

func (m *microsoft) RefreshConfig(cred *model.IntegrationCredential) *oauth2.Config {
	cfg := m.refreshConfig(cred, m.TokenEndpoint(cred))
	if cred != nil {
		cfg.Scopes = cred.Settings.Scopes
	}
	return cfg
}
