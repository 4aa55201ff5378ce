// Package provider holds the per-platform strategy objects used by the token
// broker and the integration gateway. Each Adapter knows how to refresh a
// token for its platform and how to map that platform's error shapes onto
// the shared error taxonomy.
package provider

import (
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/sells-group/credit-broker/internal/model"
	"github.com/sells-group/credit-broker/internal/ratelimit"
)

// RefreshFailure classifies a failed refresh-token grant.
type RefreshFailure int

const (
	// RefreshRetryable failures leave stored state untouched.
	RefreshRetryable RefreshFailure = iota
	// RefreshTerminal failures mean the grant is revoked or expired and the
	// user must reconnect.
	RefreshTerminal
)

func (f RefreshFailure) String() string {
	if f == RefreshTerminal {
		return "terminal"
	}
	return "retryable"
}

// Adapter is the capability set one provider must supply.
type Adapter interface {
	Provider() model.Provider

	// UsesRefresh is false for API-key providers whose tokens never expire.
	UsesRefresh() bool

	// TokenEndpoint is the OAuth2 token URL for the credential.
	TokenEndpoint(cred *model.IntegrationCredential) string

	// RefreshConfig builds the refresh-token grant for a credential whose
	// settings are already decrypted.
	RefreshConfig(cred *model.IntegrationCredential) *oauth2.Config

	// ParseExpiry returns the absolute expiry of a freshly issued token.
	ParseExpiry(tok *oauth2.Token, now time.Time) time.Time

	// ClassifyRefreshError decides whether a refresh failure is terminal.
	ClassifyRefreshError(err error) RefreshFailure

	// ClassifyResponse maps a non-2xx resource response to the shared
	// taxonomy. It returns nil for 2xx.
	ClassifyResponse(resp Response, scope string) error

	// BaseURL is the resource API root for the credential.
	BaseURL(cred *model.IntegrationCredential) string

	// PrepareRequest sets provider-specific headers on a resource request.
	PrepareRequest(req *http.Request)

	// RateLimit is the provider's published call budget.
	RateLimit() ratelimit.Limit
}

// Response is the part of a resource response adapters classify.
type Response struct {
	Path       string
	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte
}

// Config holds the app-level settings for one provider.
type Config struct {
	ClientID        string          `yaml:"client_id" mapstructure:"client_id"`
	ClientSecret    string          `yaml:"client_secret" mapstructure:"client_secret"`
	TokenURL        string          `yaml:"token_url" mapstructure:"token_url"`
	SandboxTokenURL string          `yaml:"sandbox_token_url" mapstructure:"sandbox_token_url"`
	BaseURL         string          `yaml:"base_url" mapstructure:"base_url"`
	SandboxBaseURL  string          `yaml:"sandbox_base_url" mapstructure:"sandbox_base_url"`
	APIVersion      string          `yaml:"api_version" mapstructure:"api_version"`
	RateLimit       ratelimit.Limit `yaml:"rate_limit" mapstructure:"rate_limit"`
	SessionLifetime time.Duration   `yaml:"session_lifetime" mapstructure:"session_lifetime"`
}

// defaultTokenLifetime applies when a token response carries no expiry at all.
const defaultTokenLifetime = time.Hour

// base carries the behavior shared by every OAuth adapter. Provider files
// override only what differs.
type base struct {
	provider       model.Provider
	cfg            Config
	authStyle      oauth2.AuthStyle
	terminalCodes  map[string]bool
	permissionCode map[string]bool
	scopeNames     map[string]string
}

func (b *base) Provider() model.Provider { return b.provider }

func (b *base) UsesRefresh() bool { return true }

func (b *base) RateLimit() ratelimit.Limit { return b.cfg.RateLimit }

func (b *base) TokenEndpoint(cred *model.IntegrationCredential) string {
	if cred != nil && cred.Environment == model.EnvironmentSandbox && b.cfg.SandboxTokenURL != "" {
		return b.cfg.SandboxTokenURL
	}
	return b.cfg.TokenURL
}

func (b *base) BaseURL(cred *model.IntegrationCredential) string {
	if cred != nil && cred.Environment == model.EnvironmentSandbox && b.cfg.SandboxBaseURL != "" {
		return strings.TrimRight(b.cfg.SandboxBaseURL, "/")
	}
	return strings.TrimRight(b.cfg.BaseURL, "/")
}

// clientCredentials prefers per-credential app credentials and falls back to
// the configured app.
func (b *base) clientCredentials(cred *model.IntegrationCredential) (string, string) {
	id, secret := b.cfg.ClientID, b.cfg.ClientSecret
	if cred != nil && cred.Settings.ClientID != "" {
		id, secret = cred.Settings.ClientID, cred.Settings.ClientSecret
	}
	return id, secret
}

func (b *base) refreshConfig(cred *model.IntegrationCredential, tokenURL string) *oauth2.Config {
	id, secret := b.clientCredentials(cred)
	return &oauth2.Config{
		ClientID:     id,
		ClientSecret: secret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  tokenURL,
			AuthStyle: b.authStyle,
		},
	}
}

func (b *base) RefreshConfig(cred *model.IntegrationCredential) *oauth2.Config {
	return b.refreshConfig(cred, b.TokenEndpoint(cred))
}

func (b *base) ParseExpiry(tok *oauth2.Token, now time.Time) time.Time {
	if tok == nil {
		return now
	}
	if !tok.Expiry.IsZero() {
		return tok.Expiry
	}
	if raw, ok := tok.Extra("expires_at").(string); ok {
		if exp, err := model.ParseExpiresAt(raw); err == nil && exp > 0 {
			return time.Unix(int64(exp), 0)
		}
	}
	if raw, ok := tok.Extra("expires_at").(float64); ok && raw > 0 {
		return time.Unix(int64(raw), 0)
	}
	return now.Add(defaultTokenLifetime)
}

func (b *base) ClassifyRefreshError(err error) RefreshFailure {
	return classifyRefresh(err, b.terminalCodes)
}

func (b *base) ClassifyResponse(resp Response, scope string) error {
	return classifyResponse(resp, scope, b.scopeName(scope), b.permissionCode, b.cfg.RateLimit.Window)
}

func (b *base) PrepareRequest(req *http.Request) {
	req.Header.Set("Accept", "application/json")
}

func (b *base) scopeName(scope string) string {
	if name, ok := b.scopeNames[scope]; ok {
		return name
	}
	return scope
}

func codeSet(codes ...string) map[string]bool {
	m := make(map[string]bool, len(codes))
	for _, c := range codes {
		m[strings.ToLower(c)] = true
	}
	return m
}

// oauthTerminalCodes are RFC 6749 §5.2 error codes that no retry can fix.
var oauthTerminalCodes = []string{"invalid_grant", "invalid_client", "unauthorized_client"}
