// Package salesforce provides token-authenticated REST API access to a
// connected Salesforce org.
package salesforce

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/k-capehart/go-salesforce/v3"
	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// Client defines the Salesforce API operations used for connection checks.
type Client interface {
	Query(ctx context.Context, soql string, out any) error
	DescribeSObject(ctx context.Context, name string) (*SObjectDescription, error)
}

// SObjectField describes a single field on a Salesforce SObject.
type SObjectField struct {
	Name       string `json:"name"`
	Label      string `json:"label"`
	Type       string `json:"type"`
	Updateable bool   `json:"updateable"`
}

// SObjectDescription holds metadata about a Salesforce SObject.
type SObjectDescription struct {
	Name      string         `json:"name"`
	Label     string         `json:"label"`
	Queryable bool           `json:"queryable"`
	Fields    []SObjectField `json:"fields"`
}

// ClientOption configures the Salesforce client.
type ClientOption func(*sfClient)

// WithRateLimit sets a per-second rate limit for SF API calls.
func WithRateLimit(rps float64) ClientOption {
	return func(c *sfClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
		}
	}
}

// sfClient wraps the go-salesforce/v3 Salesforce struct.
//
// go-salesforce does not accept a context, so ctx only bounds the rate
// limiter wait.
type sfClient struct {
	sf      *salesforce.Salesforce
	limiter *rate.Limiter
}

// NewClient wraps an initialized go-salesforce instance.
func NewClient(sf *salesforce.Salesforce, opts ...ClientOption) Client {
	c := &sfClient{sf: sf}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect builds a Client for an org instance from an access token the
// caller already holds. The token is not validated up front; the first call
// surfaces an invalid session.
func Connect(instanceURL, accessToken string, opts ...ClientOption) (Client, error) {
	if instanceURL == "" {
		return nil, eris.New("sf: instance url is required")
	}
	sf, err := salesforce.Init(salesforce.Creds{
		Domain:      strings.TrimRight(instanceURL, "/"),
		AccessToken: accessToken,
	}, salesforce.WithValidateAuthentication(false))
	if err != nil {
		return nil, eris.Wrap(err, "sf: init")
	}
	return NewClient(sf, opts...), nil
}

// go-salesforce answers INVALID_SESSION_ID by refreshing the session. A
// client built from a bare access token cannot refresh, and the library
// reports that with this message instead of the Salesforce error code.
const sessionRefreshFailed = "invalid session, unable to refresh session"

// SessionExpired reports whether err is Salesforce rejecting the access
// token itself.
func SessionExpired(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, sessionRefreshFailed) || strings.Contains(msg, "INVALID_SESSION_ID")
}

// PermissionDenied reports whether err is Salesforce refusing the call for
// the connected user.
func PermissionDenied(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, code := range []string{"INSUFFICIENT_ACCESS", "API_DISABLED_FOR_ORG", "FUNCTIONALITY_NOT_ENABLED"} {
		if strings.Contains(msg, code) {
			return true
		}
	}
	return false
}

func (c *sfClient) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

func (c *sfClient) Query(ctx context.Context, soql string, out any) error {
	if err := c.wait(ctx); err != nil {
		return eris.Wrap(err, "sf: rate limit")
	}
	if err := c.sf.Query(soql, out); err != nil {
		return eris.Wrap(err, "sf: query")
	}
	return nil
}

func (c *sfClient) DescribeSObject(ctx context.Context, name string) (*SObjectDescription, error) {
	if err := c.wait(ctx); err != nil {
		return nil, eris.Wrap(err, "sf: rate limit")
	}
	resp, err := c.sf.DoRequest("GET", "/sobjects/"+name+"/describe", nil)
	if err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("sf: describe %s", name))
	}
	defer resp.Body.Close() //nolint:errcheck

	var desc SObjectDescription
	if err := json.NewDecoder(resp.Body).Decode(&desc); err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("sf: decode describe %s", name))
	}
	return &desc, nil
}
