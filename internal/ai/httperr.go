package ai

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"storyguard/internal/errs"
)

// ErrorFromHTTPStatus maps a provider HTTP failure onto the error
// taxonomy. Rate limits, timeouts, and server errors classify as
// transient so the fallback chain advances; authentication and
// malformed requests fail fast.
func ErrorFromHTTPStatus(provider string, status int, body string, retryAfter time.Duration) error {
	msg := strings.TrimSpace(body)
	if len(msg) > 400 {
		msg = msg[:400]
	}

	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		if kind := classifyByMessage(msg); kind != "" {
			return errs.New(kind, "%s: %s (status=%d)", provider, msg, status)
		}
		return errs.New(errs.KindConfig, "%s: malformed request (status=%d): %s", provider, status, msg)
	case http.StatusUnauthorized, http.StatusForbidden:
		return errs.New(errs.KindAuth, "%s: authentication_failed (status=%d): %s", provider, status, msg)
	case http.StatusNotFound:
		return errs.New(errs.KindConfig, "%s: not found (status=%d): %s", provider, status, msg)
	case http.StatusRequestEntityTooLarge:
		return errs.New(errs.KindConfig, "%s: context length exceeded (status=%d)", provider, status)
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return &errs.Error{
			Kind:       errs.KindTransient,
			Msg:        provider + ": " + transientLabel(status) + ": " + msg,
			RetryAfter: retryAfter,
		}
	default:
		if status >= 500 {
			return &errs.Error{
				Kind:       errs.KindTransient,
				Msg:        provider + ": server error (status=" + strconv.Itoa(status) + "): " + msg,
				RetryAfter: retryAfter,
			}
		}
		// Unknown statuses default to transient so one odd reply does
		// not strand an otherwise healthy chain.
		return &errs.Error{
			Kind: errs.KindTransient,
			Msg:  provider + ": unexpected status " + strconv.Itoa(status) + ": " + msg,
		}
	}
}

func transientLabel(status int) string {
	if status == http.StatusTooManyRequests {
		return "rate_limited"
	}
	return "request timeout"
}

// classifyByMessage refines ambiguous 400-class statuses using the
// hints providers tunnel in the body.
func classifyByMessage(msg string) errs.Kind {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "quota") || strings.Contains(lower, "billing"):
		return errs.KindTransient
	case strings.Contains(lower, "unauthorized") || strings.Contains(lower, "invalid key") ||
		strings.Contains(lower, "api key"):
		return errs.KindAuth
	case strings.Contains(lower, "context length") || strings.Contains(lower, "too many tokens"):
		return errs.KindBudgetExceeded
	}
	return ""
}

// ParseRetryAfter reads a Retry-After header value, accepting integer
// seconds or an HTTP-date.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d
	}
	return 0
}
