// Package connector verifies that stored integration credentials can still
// reach their provider.
package connector

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/credit-broker/internal/apperr"
	"github.com/sells-group/credit-broker/internal/model"
	"github.com/sells-group/credit-broker/pkg/notion"
	"github.com/sells-group/credit-broker/pkg/salesforce"
)

// DefaultConcurrency bounds how many credentials are checked at once.
const DefaultConcurrency = 4

// TokenSource hands out valid access tokens. *broker.Broker implements it.
type TokenSource interface {
	AccessToken(ctx context.Context, cred *model.IntegrationCredential) (string, error)
}

// Fetcher reads provider resources. *gateway.Gateway implements it.
type Fetcher interface {
	Fetch(ctx context.Context, cred *model.IntegrationCredential, path, scope string) (json.RawMessage, error)
}

// CredentialStore reads and updates credential records.
type CredentialStore interface {
	GetCredential(ctx context.Context, id string) (*model.IntegrationCredential, error)
	UpdateCredentialStatus(ctx context.Context, id string, status model.CredentialStatus) error
}

// Result is the outcome of checking one credential.
type Result struct {
	CredentialID string                 `json:"credential_id"`
	Provider     model.Provider         `json:"provider"`
	Previous     model.CredentialStatus `json:"previous"`
	Status       model.CredentialStatus `json:"status"`
	Detail       string                 `json:"detail,omitempty"`
	CheckedAt    time.Time              `json:"checked_at"`
}

// Changed reports whether the check suggests a different status than the
// one stored.
func (r Result) Changed() bool { return r.Previous != r.Status }

// Options tunes a Checker.
type Options struct {
	Concurrency int

	// Apply persists suggested statuses that differ from the stored one.
	Apply bool

	// NewSalesforce and NewNotion build API clients; tests swap them.
	NewSalesforce func(instanceURL, accessToken string) (salesforce.Client, error)
	NewNotion     func(token string) notion.Client
}

// Checker runs connection checks.
type Checker struct {
	tokens  TokenSource
	fetcher Fetcher
	store   CredentialStore
	opts    Options

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// New creates a Checker.
func New(tokens TokenSource, fetcher Fetcher, st CredentialStore, opts Options) *Checker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.NewSalesforce == nil {
		opts.NewSalesforce = func(instanceURL, accessToken string) (salesforce.Client, error) {
			return salesforce.Connect(instanceURL, accessToken)
		}
	}
	if opts.NewNotion == nil {
		opts.NewNotion = func(token string) notion.Client { return notion.NewClient(token) }
	}
	return &Checker{tokens: tokens, fetcher: fetcher, store: st, opts: opts, nowFunc: time.Now}
}

// CheckAll checks every credential concurrently. Results keep the input
// order. Individual check failures are reported in the results; only a
// cancelled ctx or a failed status update returns an error.
func (c *Checker) CheckAll(ctx context.Context, creds []*model.IntegrationCredential) ([]Result, error) {
	results := make([]Result, len(creds))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Concurrency)
	for i, cred := range creds {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = c.Check(gctx, cred)
			if c.opts.Apply && results[i].Changed() {
				if err := c.store.UpdateCredentialStatus(gctx, cred.ID, results[i].Status); err != nil {
					return eris.Wrapf(err, "connector: update status %s", cred.ID)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// Check exercises one credential against its provider and suggests a
// status for it.
func (c *Checker) Check(ctx context.Context, cred *model.IntegrationCredential) Result {
	res := Result{
		CredentialID: cred.ID,
		Provider:     cred.Provider,
		Previous:     cred.Status,
	}
	err := c.probe(ctx, cred)
	res.Status, res.Detail = Suggest(err)
	res.CheckedAt = c.nowFunc().UTC()

	if err != nil {
		zap.L().Info("connector: check failed",
			zap.String("credential_id", cred.ID),
			zap.String("provider", string(cred.Provider)),
			zap.String("suggested", string(res.Status)),
			zap.Error(err),
		)
	}
	return res
}

func (c *Checker) probe(ctx context.Context, cred *model.IntegrationCredential) error {
	switch cred.Provider {
	case model.ProviderQuickBooks:
		_, err := c.fetcher.Fetch(ctx, cred, "companyinfo/"+cred.Settings.RealmID, "com.intuit.quickbooks.accounting")
		return err
	case model.ProviderMicrosoft:
		_, err := c.fetcher.Fetch(ctx, cred, "organization", "Organization.Read.All")
		return err
	case model.ProviderSalesforce:
		return c.probeSalesforce(ctx, cred)
	case model.ProviderNotion:
		return c.probeNotion(ctx, cred)
	default:
		return eris.Errorf("connector: unsupported provider %q", cred.Provider)
	}
}

func (c *Checker) probeSalesforce(ctx context.Context, cred *model.IntegrationCredential) error {
	token, err := c.tokens.AccessToken(ctx, cred)
	if err != nil {
		return err
	}
	// A refresh may have moved the org to a new instance.
	current, err := c.store.GetCredential(ctx, cred.ID)
	if err != nil {
		return eris.Wrap(err, "connector: reload salesforce credential")
	}
	client, err := c.opts.NewSalesforce(current.Settings.InstanceURL, token)
	if err != nil {
		return err
	}
	_, err = client.DescribeSObject(ctx, "Account")
	switch {
	case salesforce.SessionExpired(err):
		return &apperr.TerminalAuthError{CredentialID: cred.ID, Provider: string(cred.Provider), RequiresReconnect: true, Err: err}
	case salesforce.PermissionDenied(err):
		return &apperr.PermissionError{RequiredScope: "api", ScopeName: "Salesforce API access", Status: http.StatusForbidden, Message: err.Error()}
	}
	return err
}

func (c *Checker) probeNotion(ctx context.Context, cred *model.IntegrationCredential) error {
	token, err := c.tokens.AccessToken(ctx, cred)
	if err != nil {
		return err
	}
	client := c.opts.NewNotion(token)
	if cred.Settings.DatabaseID == "" {
		_, err = client.Me(ctx)
	} else {
		_, err = client.QueryDatabase(ctx, cred.Settings.DatabaseID, &notionapi.DatabaseQueryRequest{PageSize: 1})
	}
	switch notion.Status(err) {
	case http.StatusUnauthorized:
		return &apperr.TerminalAuthError{CredentialID: cred.ID, Provider: string(cred.Provider), RequiresReconnect: true, Err: err}
	case http.StatusForbidden, http.StatusNotFound:
		// Notion answers 404 for databases not shared with the integration.
		return &apperr.PermissionError{ScopeName: "Notion database access", Status: notion.Status(err), Message: err.Error()}
	}
	return err
}

// Suggest maps a check error onto the credential status it implies.
func Suggest(err error) (model.CredentialStatus, string) {
	if err == nil {
		return model.CredentialConnected, ""
	}
	switch {
	case apperr.IsTerminalAuth(err), apperr.IsDecryption(err):
		return model.CredentialExpired, err.Error()
	default:
		// Permission gaps, throttling and provider outages leave the
		// connection usable but degraded.
		return model.CredentialWarning, err.Error()
	}
}
