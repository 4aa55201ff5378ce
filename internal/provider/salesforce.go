package provider

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/sells-group/credit-broker/internal/apperr"
	"github.com/sells-group/credit-broker/internal/model"
	"github.com/sells-group/credit-broker/internal/ratelimit"
)

const defaultSalesforceSession = 2 * time.Hour

type salesforce struct {
	base
}

// NewSalesforce returns the adapter for the Salesforce REST API.
func NewSalesforce(cfg Config) Adapter {
	cfg = withDefaults(cfg, Config{
		TokenURL:        "https://login.salesforce.com/services/oauth2/token",
		SandboxTokenURL: "https://test.salesforce.com/services/oauth2/token",
		APIVersion:      "v60.0",
		RateLimit:       ratelimit.PerWindow(100, 10_000),
		SessionLifetime: defaultSalesforceSession,
	})
	return &salesforce{base{
		provider:      model.ProviderSalesforce,
		cfg:           cfg,
		authStyle:     oauth2.AuthStyleInParams,
		terminalCodes: codeSet(append(oauthTerminalCodes, "inactive_user", "inactive_org")...),
		permissionCode: codeSet(
			"INSUFFICIENT_ACCESS",
			"INSUFFICIENT_ACCESS_OR_READONLY",
			"API_DISABLED_FOR_ORG",
			"FUNCTIONALITY_NOT_ENABLED",
		),
		scopeNames: map[string]string{
			"api":           "Salesforce API access",
			"refresh_token": "Offline access",
		},
	}}
}

// BaseURL points at the org's instance, which is only known per credential.
func (s *salesforce) BaseURL(cred *model.IntegrationCredential) string {
	root := s.base.BaseURL(cred)
	if cred != nil && cred.Settings.InstanceURL != "" {
		root = strings.TrimRight(cred.Settings.InstanceURL, "/")
	}
	return root + "/services/data/" + s.cfg.APIVersion
}

// ParseExpiry handles Salesforce token responses, which carry issued_at (epoch
// milliseconds) but no expires_in. The session lifetime is an org setting, so
// it comes from configuration.
func (s *salesforce) ParseExpiry(tok *oauth2.Token, now time.Time) time.Time {
	if tok != nil && tok.Expiry.IsZero() {
		if raw, ok := tok.Extra("issued_at").(string); ok {
			if ms, err := strconv.ParseInt(raw, 10, 64); err == nil && ms > 0 {
				return time.UnixMilli(ms).Add(s.cfg.SessionLifetime)
			}
		}
		return now.Add(s.cfg.SessionLifetime)
	}
	return s.base.ParseExpiry(tok, now)
}

// UpdateSettings records the instance URL a refresh response may move the
// org to.
func (s *salesforce) UpdateSettings(tok *oauth2.Token, settings *model.Settings) {
	if raw, ok := tok.Extra("instance_url").(string); ok && raw != "" {
		settings.InstanceURL = raw
	}
}

// ClassifyResponse reports REQUEST_LIMIT_EXCEEDED, which Salesforce sends
// as a 403, as rate limiting rather than a permission problem.
func (s *salesforce) ClassifyResponse(resp Response, scope string) error {
	if resp.StatusCode == http.StatusForbidden {
		codes, _ := decodeErrorBody(resp.Body)
		if hasAnyCode(codes, codeSet("REQUEST_LIMIT_EXCEEDED")) {
			return &apperr.RateLimitedError{
				Key:               resp.Path,
				RetryAfterSeconds: retryAfter(resp.Header, s.cfg.RateLimit.Window, time.Now()),
				Upstream:          true,
			}
		}
	}
	return s.base.ClassifyResponse(resp, scope)
}
