package model

import (
	"slices"
	"time"
)

// Provider identifies an external platform a customer can connect.
type Provider string

const (
	ProviderQuickBooks Provider = "quickbooks"
	ProviderSalesforce Provider = "salesforce"
	ProviderMicrosoft  Provider = "microsoft"
	ProviderNotion     Provider = "notion"
)

// CredentialStatus is the connection state of an integration credential.
type CredentialStatus string

const (
	CredentialPending   CredentialStatus = "pending"
	CredentialConnected CredentialStatus = "connected"
	CredentialWarning   CredentialStatus = "warning"
	CredentialExpired   CredentialStatus = "expired"
)

// Environment selects a provider's sandbox or production API.
type Environment string

const (
	EnvironmentProduction Environment = "production"
	EnvironmentSandbox    Environment = "sandbox"
)

// IntegrationCredential is the stored OAuth or API-key material for one
// provider, scoped to one owner.
type IntegrationCredential struct {
	ID          string           `json:"id"`
	OwnerID     string           `json:"owner_id"`
	Provider    Provider         `json:"provider"`
	Settings    Settings         `json:"settings"`
	Status      CredentialStatus `json:"status"`
	Environment Environment      `json:"environment"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Settings is the per-credential configuration blob. The first group of
// fields stays in clear text so it can be queried. The second group is
// sensitive: it is only persisted in the Encrypted* fields, and the clear
// fields are empty on anything read from storage.
type Settings struct {
	RealmID     string   `json:"realm_id,omitempty"`
	InstanceURL string   `json:"instance_url,omitempty"`
	TenantID    string   `json:"tenant_id,omitempty"`
	DatabaseID  string   `json:"database_id,omitempty"`
	Scopes      []string `json:"scopes,omitempty"`

	ClientID     string    `json:"client_id,omitempty"`
	ClientSecret string    `json:"client_secret,omitempty"`
	APIKey       string    `json:"api_key,omitempty"`
	Token        *TokenSet `json:"token,omitempty"`

	EncryptedClientID     string `json:"encrypted_client_id,omitempty"`
	EncryptedClientSecret string `json:"encrypted_client_secret,omitempty"`
	EncryptedAPIKey       string `json:"encrypted_api_key,omitempty"`
	EncryptedToken        string `json:"encrypted_token,omitempty"`
}

// Clone returns a deep copy of s.
func (s Settings) Clone() Settings {
	out := s
	out.Scopes = slices.Clone(s.Scopes)
	if s.Token != nil {
		tok := *s.Token
		out.Token = &tok
	}
	return out
}

// Clone returns a deep copy of c.
func (c *IntegrationCredential) Clone() *IntegrationCredential {
	if c == nil {
		return nil
	}
	out := *c
	out.Settings = c.Settings.Clone()
	return &out
}
