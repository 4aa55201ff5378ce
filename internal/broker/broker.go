// Package broker hands out valid access tokens for integration credentials,
// refreshing them transparently and at most once per expiry event.
//
// Refresh coalescing is process-local: each replica runs its own
// singleflight group, so N replicas can still issue up to N concurrent
// refreshes for one credential. Cross-replica coalescing needs a distributed
// lock (for example a Postgres advisory lock keyed by credential id).
package broker

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/credit-broker/internal/apperr"
	"github.com/sells-group/credit-broker/internal/model"
	"github.com/sells-group/credit-broker/internal/provider"
	"github.com/sells-group/credit-broker/internal/store"
)

const (
	// DefaultSkew must exceed worst-case request latency so a token never
	// expires mid-request.
	DefaultSkew = 300 * time.Second

	// DefaultRefreshTimeout bounds one outbound refresh call.
	DefaultRefreshTimeout = 30 * time.Second
)

// CredentialStore is the persistence the broker needs.
type CredentialStore interface {
	GetCredential(ctx context.Context, id string) (*model.IntegrationCredential, error)
	UpdateCredentialSettings(ctx context.Context, id string, settings model.Settings) error
	UpdateCredentialStatus(ctx context.Context, id string, status model.CredentialStatus) error
}

// Codec encrypts and decrypts credential settings.
type Codec interface {
	Encrypt(s model.Settings) (model.Settings, error)
	Decrypt(s model.Settings) (model.Settings, error)
}

// Options tunes a Broker. Zero values fall back to defaults.
type Options struct {
	Skew           time.Duration
	RefreshTimeout time.Duration
	HTTPClient     *http.Client
}

// Broker owns the refresh coordination for every credential it serves.
type Broker struct {
	store     CredentialStore
	codec     Codec
	providers *provider.Registry
	opts      Options
	group     singleflight.Group

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// New creates a Broker.
func New(st CredentialStore, codec Codec, providers *provider.Registry, opts Options) *Broker {
	if opts.Skew <= 0 {
		opts.Skew = DefaultSkew
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = DefaultRefreshTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.RefreshTimeout}
	}
	return &Broker{
		store:     st,
		codec:     codec,
		providers: providers,
		opts:      opts,
		nowFunc:   time.Now,
	}
}

// AccessToken returns a currently valid access token for cred. An expiring
// token is refreshed first; concurrent callers for the same credential share
// one refresh.
func (b *Broker) AccessToken(ctx context.Context, cred *model.IntegrationCredential) (string, error) {
	adapter, err := b.providers.Get(cred.Provider)
	if err != nil {
		return "", err
	}
	if cred.Status == model.CredentialExpired {
		return "", b.terminal(cred, nil)
	}

	settings, err := b.decrypt(cred)
	if err != nil {
		return "", err
	}

	if !adapter.UsesRefresh() {
		if settings.APIKey == "" {
			return "", b.terminal(cred, eris.New("broker: no api key stored"))
		}
		return settings.APIKey, nil
	}

	if !settings.Token.ExpiringAt(b.nowFunc(), b.opts.Skew) {
		return settings.Token.AccessToken, nil
	}
	return b.refresh(ctx, cred, adapter, false)
}

// ForceRefresh refreshes cred's token regardless of its expiry. It shares
// the same coordination point as AccessToken.
func (b *Broker) ForceRefresh(ctx context.Context, cred *model.IntegrationCredential) (string, error) {
	adapter, err := b.providers.Get(cred.Provider)
	if err != nil {
		return "", err
	}
	if !adapter.UsesRefresh() {
		return b.AccessToken(ctx, cred)
	}
	return b.refresh(ctx, cred, adapter, true)
}

func (b *Broker) refresh(ctx context.Context, cred *model.IntegrationCredential, adapter provider.Adapter, force bool) (string, error) {
	// Only the goroutine that runs fn sets leader; the channel receive below
	// orders that write before the read.
	leader := false
	ch := b.group.DoChan(cred.ID, func() (any, error) {
		leader = true
		return b.doRefresh(ctx, cred, adapter, force)
	})

	select {
	case <-ctx.Done():
		return "", &apperr.RetryableAuthError{
			CredentialID: cred.ID,
			Provider:     string(cred.Provider),
			Err:          ctx.Err(),
		}
	case res := <-ch:
		if res.Err == nil {
			return res.Val.(string), nil
		}
		if !leader && !apperr.IsDecryption(res.Err) {
			// Another caller may have recovered the credential while we
			// waited; check once before failing.
			if tok, ok := b.reread(ctx, cred.ID); ok {
				return tok, nil
			}
		}
		return "", res.Err
	}
}

// doRefresh performs one refresh. It runs on a context detached from the
// caller that started it, bounded by RefreshTimeout, so one caller giving up
// cannot fail every waiter, and a stuck provider cannot hold the
// coordination point.
func (b *Broker) doRefresh(parent context.Context, stale *model.IntegrationCredential, adapter provider.Adapter, force bool) (string, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), b.opts.RefreshTimeout)
	defer cancel()

	log := zap.L().With(
		zap.String("credential_id", stale.ID),
		zap.String("provider", string(stale.Provider)),
	)

	cred, err := b.store.GetCredential(ctx, stale.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", b.terminal(stale, err)
		}
		return "", b.retryable(stale, eris.Wrap(err, "broker: load credential"))
	}
	if cred.Status == model.CredentialExpired {
		return "", b.terminal(cred, nil)
	}

	settings, err := b.decrypt(cred)
	if err != nil {
		return "", err
	}

	// A refresh that finished between the caller's read and this one already
	// produced a good token.
	if !force && !settings.Token.ExpiringAt(b.nowFunc(), b.opts.Skew) {
		return settings.Token.AccessToken, nil
	}
	if settings.Token == nil || settings.Token.RefreshToken == "" {
		return "", b.markExpired(ctx, cred, eris.New("broker: no refresh token stored"))
	}

	decrypted := cred.Clone()
	decrypted.Settings = settings

	cfg := adapter.RefreshConfig(decrypted)
	httpCtx := context.WithValue(ctx, oauth2.HTTPClient, b.opts.HTTPClient)
	tok, err := cfg.TokenSource(httpCtx, &oauth2.Token{RefreshToken: settings.Token.RefreshToken}).Token()
	if err != nil {
		if ctx.Err() != nil {
			log.Warn("token refresh timed out", zap.Duration("timeout", b.opts.RefreshTimeout))
			return "", b.retryable(cred, eris.Wrap(ctx.Err(), "broker: refresh timed out"))
		}
		if adapter.ClassifyRefreshError(err) == provider.RefreshTerminal {
			return "", b.markExpired(ctx, cred, err)
		}
		log.Warn("token refresh failed, will retry", zap.Error(err))
		return "", b.retryable(cred, err)
	}

	now := b.nowFunc()
	merged := *settings.Token
	merged.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		merged.RefreshToken = tok.RefreshToken
	}
	if exp := adapter.ParseExpiry(tok, now); !exp.IsZero() {
		merged.ExpiresAt = model.ExpiresAt(exp.Unix())
	}
	if tok.TokenType != "" {
		merged.TokenType = tok.TokenType
	}
	if scope, ok := tok.Extra("scope").(string); ok && scope != "" {
		merged.Scope = scope
	}
	settings.Token = &merged
	if upd, ok := adapter.(provider.SettingsUpdater); ok {
		upd.UpdateSettings(tok, &settings)
	}

	sealed, err := b.codec.Encrypt(settings)
	if err != nil {
		return "", b.retryable(cred, eris.Wrap(err, "broker: encrypt refreshed token"))
	}
	if err := b.store.UpdateCredentialSettings(ctx, cred.ID, sealed); err != nil {
		// The provider may already have rotated the refresh token.
		log.Error("refreshed token could not be persisted", zap.Error(err))
		return "", b.retryable(cred, eris.Wrap(err, "broker: persist refreshed token"))
	}

	log.Info("token refreshed", zap.Time("expires_at", merged.Expiry()))
	return merged.AccessToken, nil
}

func (b *Broker) reread(ctx context.Context, id string) (string, bool) {
	cred, err := b.store.GetCredential(ctx, id)
	if err != nil || cred.Status == model.CredentialExpired {
		return "", false
	}
	settings, err := b.decrypt(cred)
	if err != nil || settings.Token.ExpiringAt(b.nowFunc(), b.opts.Skew) {
		return "", false
	}
	return settings.Token.AccessToken, true
}

func (b *Broker) decrypt(cred *model.IntegrationCredential) (model.Settings, error) {
	settings, err := b.codec.Decrypt(cred.Settings)
	if err != nil {
		zap.L().Error("credential settings failed to decrypt",
			zap.String("credential_id", cred.ID),
			zap.String("provider", string(cred.Provider)),
			zap.Error(err),
		)
		return model.Settings{}, err
	}
	return settings, nil
}

// markExpired records a terminal refresh failure and returns the error every
// waiter receives.
func (b *Broker) markExpired(ctx context.Context, cred *model.IntegrationCredential, cause error) error {
	if err := b.store.UpdateCredentialStatus(ctx, cred.ID, model.CredentialExpired); err != nil {
		zap.L().Error("failed to mark credential expired",
			zap.String("credential_id", cred.ID),
			zap.Error(err),
		)
	}
	zap.L().Warn("credential requires reconnect",
		zap.String("credential_id", cred.ID),
		zap.String("provider", string(cred.Provider)),
		zap.Error(cause),
	)
	return b.terminal(cred, cause)
}

func (b *Broker) terminal(cred *model.IntegrationCredential, cause error) error {
	return &apperr.TerminalAuthError{
		CredentialID:      cred.ID,
		Provider:          string(cred.Provider),
		RequiresReconnect: true,
		Err:               cause,
	}
}

func (b *Broker) retryable(cred *model.IntegrationCredential, cause error) error {
	return &apperr.RetryableAuthError{
		CredentialID: cred.ID,
		Provider:     string(cred.Provider),
		Err:          cause,
	}
}
