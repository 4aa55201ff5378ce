package provider

import (
	"golang.org/x/oauth2"

	"github.com/sells-group/credit-broker/internal/model"
	"github.com/sells-group/credit-broker/internal/ratelimit"
)

type quickBooks struct {
	base
}

// NewQuickBooks returns the adapter for the QuickBooks Online accounting API.
func NewQuickBooks(cfg Config) Adapter {
	cfg = withDefaults(cfg, Config{
		TokenURL:       "https://oauth.platform.intuit.com/oauth2/v1/tokens/bearer",
		BaseURL:        "https://quickbooks.api.intuit.com/v3/company",
		SandboxBaseURL: "https://sandbox-quickbooks.api.intuit.com/v3/company",
		RateLimit:      ratelimit.PerWindow(25, 5000),
	})
	return &quickBooks{base{
		provider:      model.ProviderQuickBooks,
		cfg:           cfg,
		authStyle:     oauth2.AuthStyleInHeader,
		terminalCodes: codeSet(oauthTerminalCodes...),
		// 5020 Permission Denied, 3100 ApplicationAuthorizationFailed.
		permissionCode: codeSet("5020", "3100"),
		scopeNames: map[string]string{
			"com.intuit.quickbooks.accounting": "QuickBooks Accounting",
			"com.intuit.quickbooks.payment":    "QuickBooks Payments",
		},
	}}
}

// BaseURL is scoped to the connected company (realm).
func (q *quickBooks) BaseURL(cred *model.IntegrationCredential) string {
	root := q.base.BaseURL(cred)
	if cred == nil || cred.Settings.RealmID == "" {
		return root
	}
	return root + "/" + cred.Settings.RealmID
}
