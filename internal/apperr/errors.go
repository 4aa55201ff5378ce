// Package apperr defines the normalized error taxonomy shared by the credit
// ledger, the token broker, and the integration gateway.
package apperr

import (
	"errors"
	"fmt"
)

// InsufficientCredits is returned when a consume would overdraw an account.
type InsufficientCredits struct {
	OwnerID   string
	Available int
	Required  int
}

func (e *InsufficientCredits) Error() string {
	return fmt.Sprintf("insufficient credits: %d available, %d required", e.Available, e.Required)
}

// TerminalAuthError is an authentication failure that retrying cannot fix.
// The user has to reconnect the integration.
type TerminalAuthError struct {
	CredentialID      string
	Provider          string
	RequiresReconnect bool
	Err               error
}

func (e *TerminalAuthError) Error() string {
	msg := fmt.Sprintf("%s credential %s requires reconnect", e.Provider, e.CredentialID)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TerminalAuthError) Unwrap() error { return e.Err }

// RetryableAuthError is a transient authentication failure. No stored state
// was changed.
type RetryableAuthError struct {
	CredentialID string
	Provider     string
	Err          error
}

func (e *RetryableAuthError) Error() string {
	msg := fmt.Sprintf("%s credential %s: token refresh failed, retry later", e.Provider, e.CredentialID)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RetryableAuthError) Unwrap() error { return e.Err }

// PermissionError means the granted consent scope is too narrow for the
// requested resource.
type PermissionError struct {
	RequiredScope string
	ScopeName     string
	Status        int
	Message       string
}

func (e *PermissionError) Error() string {
	name := e.ScopeName
	if name == "" {
		name = e.RequiredScope
	}
	if name == "" {
		return fmt.Sprintf("permission denied (status %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("permission denied: scope %q required (status %d)", name, e.Status)
}

// EndpointUnavailableError is a soft failure: the caller should degrade to an
// empty result instead of failing the whole request.
type EndpointUnavailableError struct {
	Path    string
	Status  int
	Message string
}

func (e *EndpointUnavailableError) Error() string {
	return fmt.Sprintf("endpoint %s unavailable (status %d): %s", e.Path, e.Status, e.Message)
}

// RateLimitedError asks the caller to back off for RetryAfterSeconds.
type RateLimitedError struct {
	Key               string
	RetryAfterSeconds int
	Upstream          bool
}

func (e *RateLimitedError) Error() string {
	src := "local"
	if e.Upstream {
		src = "provider"
	}
	return fmt.Sprintf("rate limited (%s), retry after %ds", src, e.RetryAfterSeconds)
}

// ProviderError is an opaque upstream failure surfaced as-is.
type ProviderError struct {
	Status     int
	StatusText string
	Body       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error: %d %s", e.Status, e.StatusText)
}

// DecryptionError means stored ciphertext could not be authenticated. The
// credential store is corrupted or tampered with; never retry.
type DecryptionError struct {
	Field string
	Err   error
}

func (e *DecryptionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("decrypt %s failed", e.Field)
	}
	return fmt.Sprintf("decrypt %s failed: %v", e.Field, e.Err)
}

func (e *DecryptionError) Unwrap() error { return e.Err }

// As is a generic shorthand for errors.As.
func As[T error](err error) (T, bool) {
	var target T
	ok := errors.As(err, &target)
	return target, ok
}

// IsTerminalAuth reports whether err contains a TerminalAuthError.
func IsTerminalAuth(err error) bool {
	_, ok := As[*TerminalAuthError](err)
	return ok
}

// IsRetryableAuth reports whether err contains a RetryableAuthError.
func IsRetryableAuth(err error) bool {
	_, ok := As[*RetryableAuthError](err)
	return ok
}

// IsInsufficientCredits reports whether err contains an InsufficientCredits.
func IsInsufficientCredits(err error) bool {
	_, ok := As[*InsufficientCredits](err)
	return ok
}

// IsEndpointUnavailable reports whether err contains an EndpointUnavailableError.
func IsEndpointUnavailable(err error) bool {
	_, ok := As[*EndpointUnavailableError](err)
	return ok
}

// IsDecryption reports whether err contains a DecryptionError.
func IsDecryption(err error) bool {
	_, ok := As[*DecryptionError](err)
	return ok
}
