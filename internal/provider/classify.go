package provider

import (
	"encoding/json"
	"errors"
	"maps"
	"math"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/oauth2"

	"github.com/sells-group/credit-broker/internal/apperr"
)

const (
	maxErrorMessage   = 500
	defaultRetryAfter = 60
)

func classifyRefresh(err error, terminal map[string]bool) RefreshFailure {
	if err == nil {
		return RefreshRetryable
	}

	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		// Transport errors, timeouts, and cancellations.
		return RefreshRetryable
	}

	if re.ErrorCode != "" {
		if terminal[strings.ToLower(re.ErrorCode)] {
			return RefreshTerminal
		}
		return RefreshRetryable
	}

	status := 0
	if re.Response != nil {
		status = re.Response.StatusCode
	}
	if status != http.StatusBadRequest && status != http.StatusUnauthorized {
		return RefreshRetryable
	}
	codes, msg := decodeErrorBody(re.Body)
	for _, c := range codes {
		if terminal[strings.ToLower(c)] {
			return RefreshTerminal
		}
	}
	for c := range terminal {
		if strings.Contains(strings.ToLower(msg), c) {
			return RefreshTerminal
		}
	}
	return RefreshRetryable
}

func classifyResponse(resp Response, scope, scopeName string, permissionCodes map[string]bool, window time.Duration) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		_, msg := decodeErrorBody(resp.Body)
		return &apperr.PermissionError{
			RequiredScope: scope,
			ScopeName:     scopeName,
			Status:        resp.StatusCode,
			Message:       msg,
		}

	case resp.StatusCode == http.StatusBadRequest:
		codes, msg := decodeErrorBody(resp.Body)
		if hasAnyCode(codes, permissionCodes) || hasAnyCode(codes, scopeCodes) ||
			mentionsPermission(msg) || mentionsPermission(strings.Join(codes, " ")) {
			return &apperr.PermissionError{
				RequiredScope: scope,
				ScopeName:     scopeName,
				Status:        resp.StatusCode,
				Message:       msg,
			}
		}
		return &apperr.EndpointUnavailableError{
			Path:    resp.Path,
			Status:  resp.StatusCode,
			Message: msg,
		}

	case resp.StatusCode == http.StatusTooManyRequests:
		return &apperr.RateLimitedError{
			Key:               resp.Path,
			RetryAfterSeconds: retryAfter(resp.Header, window, time.Now()),
			Upstream:          true,
		}

	default:
		text := resp.Status
		if text == "" {
			text = http.StatusText(resp.StatusCode)
		}
		// net/http reports Status as "502 Bad Gateway".
		text = strings.TrimSpace(strings.TrimPrefix(text, strconv.Itoa(resp.StatusCode)))
		_, msg := decodeErrorBody(resp.Body)
		return &apperr.ProviderError{
			Status:     resp.StatusCode,
			StatusText: text,
			Body:       msg,
		}
	}
}

// scopeCodes are the RFC 6750 §3.1 scope errors, recognized for every
// provider.
var scopeCodes = codeSet("insufficient_scope", "invalid_scope")

func hasAnyCode(codes []string, set map[string]bool) bool {
	for _, c := range codes {
		if set[strings.ToLower(c)] {
			return true
		}
	}
	return false
}

// mentionsPermission is the last-resort text match for providers that report
// scope problems as a bare 400 with no structured code. Keep every
// vocabulary check here so it can be audited in one place.
func mentionsPermission(msg string) bool {
	lower := strings.ToLower(msg)
	for _, w := range []string{
		"permission",
		"scope",
		"not authorized",
		"unauthorized",
		"forbidden",
		"access denied",
		"insufficient privileges",
	} {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

// retryAfter reads a Retry-After header (delta-seconds or HTTP date),
// falling back to the provider's window.
func retryAfter(h http.Header, window time.Duration, now time.Time) int {
	if v := strings.TrimSpace(h.Get("Retry-After")); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return secs
		}
		if t, err := http.ParseTime(v); err == nil {
			if d := t.Sub(now); d > 0 {
				return int(math.Ceil(d.Seconds()))
			}
			return 0
		}
	}
	if window > 0 {
		return int(math.Ceil(window.Seconds()))
	}
	return defaultRetryAfter
}

var (
	codeKeys    = map[string]bool{"code": true, "errorcode": true, "error_code": true, "error": true}
	messageKeys = map[string]bool{"message": true, "error_description": true, "detail": true, "msg": true}
)

// decodeErrorBody extracts error codes and a human message from the JSON
// error shapes the supported providers use:
//
//	{"error": "invalid_grant", "error_description": "..."}             OAuth2
//	{"error": {"code": "Authorization_RequestDenied", "message": "..."}} Graph
//	[{"errorCode": "INSUFFICIENT_ACCESS", "message": "..."}]          Salesforce
//	{"Fault": {"Error": [{"code": "5020", "Message": "...", "Detail": "..."}]}} QuickBooks
//	{"object": "error", "code": "restricted_resource", "message": "..."} Notion
//
// Non-JSON bodies are returned as the message.
func decodeErrorBody(body []byte) ([]string, string) {
	if len(body) == 0 {
		return nil, ""
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, truncate(strings.TrimSpace(string(body)))
	}
	var codes, msgs []string
	walkError(v, 0, &codes, &msgs)
	return codes, truncate(strings.Join(msgs, "; "))
}

func walkError(v any, depth int, codes, msgs *[]string) {
	if depth > 4 {
		return
	}
	switch t := v.(type) {
	case map[string]any:
		for _, k := range slices.Sorted(maps.Keys(t)) {
			val := t[k]
			key := strings.ToLower(k)
			if s, ok := val.(string); ok {
				switch {
				case codeKeys[key]:
					*codes = append(*codes, s)
				case messageKeys[key]:
					*msgs = append(*msgs, s)
				}
				continue
			}
			walkError(val, depth+1, codes, msgs)
		}
	case []any:
		for _, item := range t {
			walkError(item, depth+1, codes, msgs)
		}
	}
}

func truncate(s string) string {
	if len(s) <= maxErrorMessage {
		return s
	}
	cut := maxErrorMessage
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
