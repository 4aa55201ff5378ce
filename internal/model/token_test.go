package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpiresAt_UnmarshalJSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want ExpiresAt
	}{
		{"epoch seconds", `{"expires_at": 1767225600}`, 1767225600},
		{"epoch millis", `{"expires_at": 1767225600000}`, 1767225600},
		{"numeric string", `{"expires_at": "1767225600"}`, 1767225600},
		{"rfc3339", `{"expires_at": "2026-01-01T00:00:00Z"}`, 1767225600},
		{"rfc3339 offset", `{"expires_at": "2026-01-01T01:00:00+01:00"}`, 1767225600},
		{"null", `{"expires_at": null}`, 0},
		{"empty string", `{"expires_at": ""}`, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var ts TokenSet
			require.NoError(t, json.Unmarshal([]byte(tt.in), &ts))
			assert.Equal(t, tt.want, ts.ExpiresAt)
		})
	}
}

func TestExpiresAt_UnmarshalJSON_Invalid(t *testing.T) {
	t.Parallel()

	var ts TokenSet
	err := json.Unmarshal([]byte(`{"expires_at": "next tuesday"}`), &ts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unrecognized expires_at")
}

func TestExpiresAt_MarshalsAsNumber(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(TokenSet{AccessToken: "a", ExpiresAt: 1767225600})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"expires_at":1767225600`)
}

func TestTokenSet_ExpiringAt(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	skew := 300 * time.Second

	tests := []struct {
		name string
		tok  *TokenSet
		want bool
	}{
		{"nil", nil, true},
		{"missing access token", &TokenSet{ExpiresAt: ExpiresAt(now.Unix() + 3600)}, true},
		{"valid", &TokenSet{AccessToken: "a", ExpiresAt: ExpiresAt(now.Unix() + 3600)}, false},
		{"inside skew", &TokenSet{AccessToken: "a", ExpiresAt: ExpiresAt(now.Unix() + 299)}, true},
		{"exactly at skew", &TokenSet{AccessToken: "a", ExpiresAt: ExpiresAt(now.Unix() + 300)}, true},
		{"already expired", &TokenSet{AccessToken: "a", ExpiresAt: ExpiresAt(now.Unix() - 10)}, true},
		{"never expires", &TokenSet{AccessToken: "a"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.tok.ExpiringAt(now, skew))
		})
	}
}

func TestCreditAccount_Available(t *testing.T) {
	t.Parallel()

	var nilAcct *CreditAccount
	assert.Equal(t, 0, nilAcct.Available())
	assert.Equal(t, 2, (&CreditAccount{TotalCredits: 5, UsedCredits: 3}).Available())
	assert.Equal(t, 0, (&CreditAccount{TotalCredits: 5, UsedCredits: 7}).Available())
}

func TestSettings_Clone(t *testing.T) {
	t.Parallel()

	orig := Settings{
		Scopes: []string{"a"},
		Token:  &TokenSet{AccessToken: "x"},
	}
	cp := orig.Clone()
	cp.Scopes[0] = "b"
	cp.Token.AccessToken = "y"

	assert.Equal(t, "a", orig.Scopes[0])
	assert.Equal(t, "x", orig.Token.AccessToken)
}

func TestActionType_Valid(t *testing.T) {
	t.Parallel()

	assert.True(t, ActionTripleSource.Valid())
	assert.True(t, ActionRefund.Valid())
	assert.False(t, ActionType("bogus").Valid())
}
