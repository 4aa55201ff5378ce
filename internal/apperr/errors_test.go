package apperr

import (
	"errors"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

func TestAs_ThroughErisWrap(t *testing.T) {
	base := &RateLimitedError{RetryAfterSeconds: 4, Upstream: true}
	wrapped := eris.Wrap(base, "gateway: fetch")

	got, ok := As[*RateLimitedError](wrapped)
	assert.True(t, ok)
	assert.Equal(t, 4, got.RetryAfterSeconds)
}

func TestPredicates(t *testing.T) {
	assert.True(t, IsTerminalAuth(eris.Wrap(&TerminalAuthError{Provider: "quickbooks"}, "x")))
	assert.True(t, IsRetryableAuth(&RetryableAuthError{}))
	assert.True(t, IsInsufficientCredits(&InsufficientCredits{Available: 1, Required: 3}))
	assert.True(t, IsEndpointUnavailable(&EndpointUnavailableError{}))
	assert.True(t, IsDecryption(&DecryptionError{Field: "api_key"}))
	assert.False(t, IsTerminalAuth(errors.New("plain")))
	assert.False(t, IsDecryption(nil))
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("invalid_grant")
	err := &TerminalAuthError{CredentialID: "c1", Provider: "salesforce", RequiresReconnect: true, Err: cause}
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "requires reconnect")
}

func TestMessages(t *testing.T) {
	assert.Equal(t, "insufficient credits: 2 available, 3 required",
		(&InsufficientCredits{Available: 2, Required: 3}).Error())
	assert.Equal(t, "provider error: 502 Bad Gateway",
		(&ProviderError{Status: 502, StatusText: "Bad Gateway"}).Error())
	assert.Contains(t, (&PermissionError{RequiredScope: "com.intuit.quickbooks.accounting", Status: 403}).Error(),
		"com.intuit.quickbooks.accounting")
	assert.Contains(t, (&RateLimitedError{RetryAfterSeconds: 3}).Error(), "local")
}
