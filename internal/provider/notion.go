package provider

import (
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/sells-group/credit-broker/internal/model"
	"github.com/sells-group/credit-broker/internal/ratelimit"
)

type notion struct {
	base
}

// NewNotion returns the adapter for the Notion API. Notion integrations
// authenticate with a long-lived integration secret stored as the API key,
// so there is nothing to refresh.
func NewNotion(cfg Config) Adapter {
	cfg = withDefaults(cfg, Config{
		BaseURL:    "https://api.notion.com/v1",
		APIVersion: "2022-06-28",
		RateLimit:  ratelimit.PerWindow(3, 1000),
	})
	return &notion{base{
		provider:       model.ProviderNotion,
		cfg:            cfg,
		terminalCodes:  codeSet(),
		permissionCode: codeSet("restricted_resource", "unauthorized"),
	}}
}

func (n *notion) UsesRefresh() bool { return false }

func (n *notion) TokenEndpoint(*model.IntegrationCredential) string { return "" }

func (n *notion) RefreshConfig(*model.IntegrationCredential) *oauth2.Config { return nil }

func (n *notion) ParseExpiry(_ *oauth2.Token, _ time.Time) time.Time { return time.Time{} }

func (n *notion) ClassifyRefreshError(error) RefreshFailure { return RefreshRetryable }

func (n *notion) PrepareRequest(req *http.Request) {
	n.base.PrepareRequest(req)
	req.Header.Set("Notion-Version", n.cfg.APIVersion)
}
