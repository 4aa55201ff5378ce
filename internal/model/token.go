package model

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// TokenSet is an OAuth token set. ExpiresAt is in epoch seconds.
type TokenSet struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    ExpiresAt `json:"expires_at"`
	Scope        string    `json:"scope,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
}

// Expiry returns the expiry as a time. A zero ExpiresAt means the token
// does not expire.
func (t *TokenSet) Expiry() time.Time {
	if t == nil || t.ExpiresAt == 0 {
		return time.Time{}
	}
	return time.Unix(int64(t.ExpiresAt), 0)
}

// ExpiringAt reports whether the token is at or past its expiry minus skew.
func (t *TokenSet) ExpiringAt(now time.Time, skew time.Duration) bool {
	if t == nil || t.AccessToken == "" {
		return true
	}
	if t.ExpiresAt == 0 {
		return false
	}
	return !now.Before(t.Expiry().Add(-skew))
}

// ExpiresAt is an epoch-seconds timestamp. It decodes from a JSON number,
// a numeric string, or an ISO-8601 string, and always encodes as a number.
type ExpiresAt int64

// UnmarshalJSON implements json.Unmarshaler.
func (e *ExpiresAt) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	if raw == "null" || raw == `""` {
		*e = 0
		return nil
	}

	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return eris.Wrap(err, "model: decode expires_at")
		}
		v, err := ParseExpiresAt(s)
		if err != nil {
			return err
		}
		*e = v
		return nil
	}

	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return eris.Wrapf(err, "model: decode expires_at %q", raw)
	}
	*e = ExpiresAt(normalizeEpoch(int64(f)))
	return nil
}

// ParseExpiresAt normalizes a textual expiry (epoch seconds, epoch
// milliseconds, or RFC 3339) to epoch seconds.
func ParseExpiresAt(s string) (ExpiresAt, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ExpiresAt(normalizeEpoch(n)), nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return ExpiresAt(t.Unix()), nil
		}
	}
	return 0, eris.Errorf("model: unrecognized expires_at %q", s)
}

// normalizeEpoch converts millisecond timestamps to seconds.
func normalizeEpoch(n int64) int64 {
	if n > 1e12 {
		return n / 1000
	}
	return n
}
