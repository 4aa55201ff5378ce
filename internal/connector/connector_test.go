package connector

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/credit-broker/internal/apperr"
	"github.com/sells-group/credit-broker/internal/model"
	"github.com/sells-group/credit-broker/pkg/notion"
	"github.com/sells-group/credit-broker/pkg/salesforce"
)

type mockSalesforce struct{ mock.Mock }

func (m *mockSalesforce) Query(ctx context.Context, soql string, out any) error {
	return m.Called(ctx, soql, out).Error(0)
}

func (m *mockSalesforce) DescribeSObject(ctx context.Context, name string) (*salesforce.SObjectDescription, error) {
	args := m.Called(ctx, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*salesforce.SObjectDescription), args.Error(1)
}

type mockNotion struct{ mock.Mock }

func (m *mockNotion) Me(ctx context.Context) (*notionapi.User, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*notionapi.User), args.Error(1)
}

func (m *mockNotion) QueryDatabase(ctx context.Context, dbID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
	args := m.Called(ctx, dbID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*notionapi.DatabaseQueryResponse), args.Error(1)
}

var (
	_ salesforce.Client = (*mockSalesforce)(nil)
	_ notion.Client     = (*mockNotion)(nil)
)

type fakeTokens struct {
	errs map[string]error
}

func (f *fakeTokens) AccessToken(_ context.Context, cred *model.IntegrationCredential) (string, error) {
	if err := f.errs[cred.ID]; err != nil {
		return "", err
	}
	return "tok-" + cred.ID, nil
}

type fakeFetcher struct {
	mu    sync.Mutex
	paths []string
	errs  map[string]error
}

func (f *fakeFetcher) Fetch(_ context.Context, cred *model.IntegrationCredential, path, _ string) (json.RawMessage, error) {
	f.mu.Lock()
	f.paths = append(f.paths, path)
	f.mu.Unlock()
	if err := f.errs[cred.ID]; err != nil {
		return nil, err
	}
	return json.RawMessage(`{}`), nil
}

type fakeStore struct {
	mu      sync.Mutex
	creds   map[string]*model.IntegrationCredential
	updated map[string]model.CredentialStatus
	failErr error
}

func newFakeStore(creds ...*model.IntegrationCredential) *fakeStore {
	s := &fakeStore{creds: map[string]*model.IntegrationCredential{}, updated: map[string]model.CredentialStatus{}}
	for _, c := range creds {
		s.creds[c.ID] = c.Clone()
	}
	return s
}

func (s *fakeStore) GetCredential(_ context.Context, id string) (*model.IntegrationCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[id]
	if !ok {
		return nil, eris.New("not found")
	}
	return c.Clone(), nil
}

func (s *fakeStore) UpdateCredentialStatus(_ context.Context, id string, status model.CredentialStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	s.updated[id] = status
	return nil
}

func cred(id string, p model.Provider, status model.CredentialStatus) *model.IntegrationCredential {
	return &model.IntegrationCredential{ID: id, Provider: p, Status: status}
}

func TestSuggest(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want model.CredentialStatus
	}{
		{"ok", nil, model.CredentialConnected},
		{"terminal", &apperr.TerminalAuthError{CredentialID: "c"}, model.CredentialExpired},
		{"wrapped terminal", eris.Wrap(&apperr.TerminalAuthError{CredentialID: "c"}, "ctx"), model.CredentialExpired},
		{"decryption", &apperr.DecryptionError{Field: "token"}, model.CredentialExpired},
		{"permission", &apperr.PermissionError{Status: 403}, model.CredentialWarning},
		{"rate limited", &apperr.RateLimitedError{Key: "k"}, model.CredentialWarning},
		{"retryable", &apperr.RetryableAuthError{CredentialID: "c"}, model.CredentialWarning},
		{"provider", &apperr.ProviderError{Status: 502}, model.CredentialWarning},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, detail := Suggest(tt.err)
			assert.Equal(t, tt.want, got)
			if tt.err != nil {
				assert.NotEmpty(t, detail)
			}
		})
	}
}

func TestCheck_QuickBooksAndMicrosoftUseGateway(t *testing.T) {
	qb := cred("qb", model.ProviderQuickBooks, model.CredentialConnected)
	qb.Settings.RealmID = "9130"
	ms := cred("ms", model.ProviderMicrosoft, model.CredentialConnected)
	fetcher := &fakeFetcher{errs: map[string]error{
		"ms": &apperr.PermissionError{RequiredScope: "Organization.Read.All", Status: 403},
	}}
	c := New(&fakeTokens{}, fetcher, newFakeStore(qb, ms), Options{})

	res := c.Check(context.Background(), qb)
	assert.Equal(t, model.CredentialConnected, res.Status)
	assert.False(t, res.Changed())

	res = c.Check(context.Background(), ms)
	assert.Equal(t, model.CredentialWarning, res.Status)
	assert.True(t, res.Changed())
	assert.Contains(t, res.Detail, "Organization.Read.All")

	assert.ElementsMatch(t, []string{"companyinfo/9130", "organization"}, fetcher.paths)
}

func TestCheck_SalesforceUsesReloadedInstanceURL(t *testing.T) {
	sf := cred("sf", model.ProviderSalesforce, model.CredentialConnected)
	sf.Settings.InstanceURL = "https://old.my.salesforce.com"
	st := newFakeStore(sf)
	st.creds["sf"].Settings.InstanceURL = "https://new.my.salesforce.com"

	client := &mockSalesforce{}
	client.On("DescribeSObject", mock.Anything, "Account").
		Return(&salesforce.SObjectDescription{Name: "Account"}, nil).Once()

	var gotURL, gotToken string
	c := New(&fakeTokens{}, &fakeFetcher{}, st, Options{
		NewSalesforce: func(instanceURL, accessToken string) (salesforce.Client, error) {
			gotURL, gotToken = instanceURL, accessToken
			return client, nil
		},
	})

	res := c.Check(context.Background(), sf)
	assert.Equal(t, model.CredentialConnected, res.Status)
	assert.Equal(t, "https://new.my.salesforce.com", gotURL)
	assert.Equal(t, "tok-sf", gotToken)
	client.AssertExpectations(t)
}

// salesforceOrg serves every request with one status and Salesforce error
// code, the way a real org rejects a call.
func salesforceOrg(t *testing.T, status int, code string) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode([]map[string]string{{"message": "rejected", "errorCode": code}})
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestCheck_SalesforceInvalidSession(t *testing.T) {
	org := salesforceOrg(t, http.StatusUnauthorized, "INVALID_SESSION_ID")
	sf := cred("sf", model.ProviderSalesforce, model.CredentialConnected)
	sf.Settings.InstanceURL = org.URL

	c := New(&fakeTokens{}, &fakeFetcher{}, newFakeStore(sf), Options{})

	res := c.Check(context.Background(), sf)
	assert.Equal(t, model.CredentialExpired, res.Status, res.Detail)
}

func TestCheck_SalesforceInsufficientAccess(t *testing.T) {
	org := salesforceOrg(t, http.StatusForbidden, "INSUFFICIENT_ACCESS")
	sf := cred("sf", model.ProviderSalesforce, model.CredentialConnected)
	sf.Settings.InstanceURL = org.URL

	c := New(&fakeTokens{}, &fakeFetcher{}, newFakeStore(sf), Options{})

	res := c.Check(context.Background(), sf)
	assert.Equal(t, model.CredentialWarning, res.Status)
	assert.Contains(t, res.Detail, "Salesforce API access")
}

func TestCheck_SalesforceApplyMarksDeadSessionExpired(t *testing.T) {
	org := salesforceOrg(t, http.StatusUnauthorized, "INVALID_SESSION_ID")
	sf := cred("sf", model.ProviderSalesforce, model.CredentialConnected)
	sf.Settings.InstanceURL = org.URL
	st := newFakeStore(sf)

	c := New(&fakeTokens{}, &fakeFetcher{}, st, Options{Apply: true})
	_, err := c.CheckAll(context.Background(), []*model.IntegrationCredential{sf})
	require.NoError(t, err)
	assert.Equal(t, model.CredentialExpired, st.updated["sf"])
}

func TestCheck_NotionDatabaseAndBotUser(t *testing.T) {
	withDB := cred("n1", model.ProviderNotion, model.CredentialConnected)
	withDB.Settings.DatabaseID = "db-1"
	noDB := cred("n2", model.ProviderNotion, model.CredentialWarning)

	client := &mockNotion{}
	client.On("QueryDatabase", mock.Anything, "db-1", mock.MatchedBy(func(r *notionapi.DatabaseQueryRequest) bool {
		return r.PageSize == 1
	})).Return(&notionapi.DatabaseQueryResponse{}, nil).Once()
	client.On("Me", mock.Anything).Return(&notionapi.User{ID: "bot"}, nil).Once()

	var tokens []string
	c := New(&fakeTokens{}, &fakeFetcher{}, newFakeStore(withDB, noDB), Options{
		NewNotion: func(token string) notion.Client {
			tokens = append(tokens, token)
			return client
		},
	})

	assert.Equal(t, model.CredentialConnected, c.Check(context.Background(), withDB).Status)
	res := c.Check(context.Background(), noDB)
	assert.Equal(t, model.CredentialConnected, res.Status)
	assert.True(t, res.Changed())
	assert.Equal(t, []string{"tok-n1", "tok-n2"}, tokens)
	client.AssertExpectations(t)
}

func TestCheck_TokenFailure(t *testing.T) {
	sf := cred("sf", model.ProviderSalesforce, model.CredentialConnected)
	tokens := &fakeTokens{errs: map[string]error{
		"sf": &apperr.TerminalAuthError{CredentialID: "sf", Provider: "salesforce", RequiresReconnect: true},
	}}
	c := New(tokens, &fakeFetcher{}, newFakeStore(sf), Options{
		NewSalesforce: func(string, string) (salesforce.Client, error) {
			t.Fatal("client must not be built without a token")
			return nil, nil
		},
	})

	res := c.Check(context.Background(), sf)
	assert.Equal(t, model.CredentialExpired, res.Status)
}

func TestCheck_UnsupportedProvider(t *testing.T) {
	c := New(&fakeTokens{}, &fakeFetcher{}, newFakeStore(), Options{})
	res := c.Check(context.Background(), cred("x", "dropbox", model.CredentialConnected))
	assert.Equal(t, model.CredentialWarning, res.Status)
	assert.Contains(t, res.Detail, "unsupported provider")
}

func TestCheckAll_KeepsOrderAndApplies(t *testing.T) {
	creds := []*model.IntegrationCredential{
		cred("a", model.ProviderQuickBooks, model.CredentialConnected),
		cred("b", model.ProviderMicrosoft, model.CredentialConnected),
		cred("c", model.ProviderQuickBooks, model.CredentialWarning),
	}
	fetcher := &fakeFetcher{errs: map[string]error{
		"b": &apperr.TerminalAuthError{CredentialID: "b"},
	}}
	st := newFakeStore(creds...)
	c := New(&fakeTokens{}, fetcher, st, Options{Apply: true, Concurrency: 2})

	results, err := c.CheckAll(context.Background(), creds)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "a", results[0].CredentialID)
	assert.Equal(t, model.CredentialConnected, results[0].Status)
	assert.Equal(t, model.CredentialExpired, results[1].Status)
	assert.Equal(t, model.CredentialConnected, results[2].Status)

	assert.Equal(t, map[string]model.CredentialStatus{
		"b": model.CredentialExpired,
		"c": model.CredentialConnected,
	}, st.updated)
}

func TestCheckAll_ReportOnlyByDefault(t *testing.T) {
	creds := []*model.IntegrationCredential{cred("a", model.ProviderQuickBooks, model.CredentialWarning)}
	st := newFakeStore(creds...)
	c := New(&fakeTokens{}, &fakeFetcher{}, st, Options{})

	results, err := c.CheckAll(context.Background(), creds)
	require.NoError(t, err)
	assert.True(t, results[0].Changed())
	assert.Empty(t, st.updated)
}

func TestCheckAll_UpdateFailure(t *testing.T) {
	creds := []*model.IntegrationCredential{cred("a", model.ProviderQuickBooks, model.CredentialWarning)}
	st := newFakeStore(creds...)
	st.failErr = errors.New("db down")
	c := New(&fakeTokens{}, &fakeFetcher{}, st, Options{Apply: true})

	_, err := c.CheckAll(context.Background(), creds)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connector: update status a")
}
