// Package gateway performs authenticated resource reads against connected
// providers and normalizes their failures.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/credit-broker/internal/apperr"
	"github.com/sells-group/credit-broker/internal/model"
	"github.com/sells-group/credit-broker/internal/provider"
	"github.com/sells-group/credit-broker/internal/ratelimit"
	"github.com/sells-group/credit-broker/internal/resilience"
)

const (
	// DefaultTimeout bounds one resource call.
	DefaultTimeout = 20 * time.Second

	maxBodyBytes = 10 << 20
)

// TokenSource hands out valid access tokens. *broker.Broker implements it.
type TokenSource interface {
	AccessToken(ctx context.Context, cred *model.IntegrationCredential) (string, error)
}

// Options tunes a Gateway. Zero values fall back to defaults.
type Options struct {
	Timeout    time.Duration
	Breaker    resilience.CircuitBreakerConfig
	HTTPClient *http.Client
}

// Gateway fetches provider resources on behalf of a credential.
type Gateway struct {
	tokens    TokenSource
	providers *provider.Registry
	limiter   *ratelimit.Limiter
	breakers  *resilience.ServiceBreakers
	client    *http.Client
	timeout   time.Duration
}

// New creates a Gateway.
func New(tokens TokenSource, providers *provider.Registry, limiter *ratelimit.Limiter, opts Options) *Gateway {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	return &Gateway{
		tokens:    tokens,
		providers: providers,
		limiter:   limiter,
		breakers:  resilience.NewServiceBreakers(opts.Breaker),
		client:    opts.HTTPClient,
		timeout:   opts.Timeout,
	}
}

// RateLimitKey identifies a call budget by credential and access token. The
// token is fingerprinted so it never appears in memory dumps or logs.
func RateLimitKey(credentialID, accessToken string) string {
	sum := sha256.Sum256([]byte(accessToken))
	return credentialID + ":" + hex.EncodeToString(sum[:8])
}

// Breakers exposes per-provider circuit states for health reporting.
func (g *Gateway) Breakers() map[string]string {
	return g.breakers.States()
}

// Fetch GETs path relative to the credential's API root and returns the JSON
// payload. Failures map onto the apperr taxonomy; 5xx and transport faults
// additionally count against the provider's circuit breaker.
func (g *Gateway) Fetch(ctx context.Context, cred *model.IntegrationCredential, path, scope string) (json.RawMessage, error) {
	adapter, err := g.providers.Get(cred.Provider)
	if err != nil {
		return nil, err
	}

	token, err := g.tokens.AccessToken(ctx, cred)
	if err != nil {
		return nil, err
	}

	key := RateLimitKey(cred.ID, token)
	if d := g.limiter.Allow(key, adapter.RateLimit()); !d.Allowed {
		return nil, &apperr.RateLimitedError{Key: key, RetryAfterSeconds: d.ResetInSeconds()}
	}

	breaker := g.breakers.Get(string(cred.Provider))
	payload, err := resilience.ExecuteVal(ctx, breaker, func(ctx context.Context) (json.RawMessage, error) {
		return g.get(ctx, adapter, cred, token, path, scope)
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return nil, &apperr.ProviderError{
			Status:     http.StatusServiceUnavailable,
			StatusText: "circuit open for " + string(cred.Provider),
		}
	}
	return payload, err
}

// FetchOptional is Fetch for one part of a composite read. An endpoint the
// connected account does not offer yields a nil payload instead of an error.
func (g *Gateway) FetchOptional(ctx context.Context, cred *model.IntegrationCredential, path, scope string) (json.RawMessage, error) {
	payload, err := g.Fetch(ctx, cred, path, scope)
	if apperr.IsEndpointUnavailable(err) {
		zap.L().Debug("gateway: endpoint unavailable, continuing without it",
			zap.String("credential_id", cred.ID),
			zap.String("path", path),
			zap.Error(err),
		)
		return nil, nil
	}
	return payload, err
}

func (g *Gateway) get(ctx context.Context, adapter provider.Adapter, cred *model.IntegrationCredential, token, path, scope string) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	url := adapter.BaseURL(cred) + "/" + strings.TrimLeft(path, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, eris.Wrapf(err, "gateway: build request %s", path)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	adapter.PrepareRequest(req)

	resp, err := g.client.Do(req)
	if errors.Is(err, context.Canceled) {
		return nil, eris.Wrapf(err, "gateway: %s %s", cred.Provider, path)
	}
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrapf(err, "gateway: %s %s", cred.Provider, path), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrapf(err, "gateway: read %s", path), resp.StatusCode)
	}

	classified := adapter.ClassifyResponse(provider.Response{
		Path:       path,
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Header:     resp.Header,
		Body:       body,
	}, scope)
	if classified != nil {
		zap.L().Debug("gateway: provider rejected request",
			zap.String("credential_id", cred.ID),
			zap.String("provider", string(cred.Provider)),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
		)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(classified, resp.StatusCode)
		}
		return nil, classified
	}

	if len(body) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(body) {
		return nil, &apperr.ProviderError{Status: resp.StatusCode, StatusText: "response is not JSON"}
	}
	return json.RawMessage(body), nil
}
