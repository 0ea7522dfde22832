package llm

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Error is the taxonomy shared by all adapters. Retryable splits the space:
// the engine backs off and re-issues retryable failures, everything else
// surfaces immediately.
type Error interface {
	error
	Provider() string
	StatusCode() int
	Retryable() bool
	RetryAfter() *time.Duration
}

// ConfigurationError reports a request or client misconfiguration. Never
// retryable.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return "llm configuration error: " + strings.TrimSpace(e.Message)
}
func (e *ConfigurationError) Provider() string           { return "" }
func (e *ConfigurationError) StatusCode() int            { return 0 }
func (e *ConfigurationError) Retryable() bool            { return false }
func (e *ConfigurationError) RetryAfter() *time.Duration { return nil }

type statusError struct {
	provider   string
	statusCode int
	message    string
	retryable  bool
	retryAfter *time.Duration
}

func (e *statusError) Error() string {
	msg := strings.TrimSpace(e.message)
	if msg == "" {
		msg = "request failed"
	}
	return fmt.Sprintf("%s error (status=%d): %s", e.provider, e.statusCode, msg)
}
func (e *statusError) Provider() string           { return e.provider }
func (e *statusError) StatusCode() int            { return e.statusCode }
func (e *statusError) Retryable() bool            { return e.retryable }
func (e *statusError) RetryAfter() *time.Duration { return e.retryAfter }

type InvalidRequestError struct{ statusError }
type AuthenticationError struct{ statusError }
type AccessDeniedError struct{ statusError }
type NotFoundError struct{ statusError }
type RequestTimeoutError struct{ statusError }
type ContextLengthError struct{ statusError }
type ContentFilterError struct{ statusError }
type QuotaExceededError struct{ statusError }
type RateLimitError struct{ statusError }
type ServerError struct{ statusError }
type UnknownHTTPError struct{ statusError }

// ErrorFromHTTPStatus maps a provider HTTP failure into the taxonomy:
// 400/422 refine by message text, 401/403/404/413 are terminal,
// 408/429/5xx retry, and unknown statuses default to retryable.
func ErrorFromHTTPStatus(provider string, statusCode int, message string, retryAfter *time.Duration) error {
	base := statusError{
		provider:   strings.TrimSpace(provider),
		statusCode: statusCode,
		message:    message,
		retryAfter: retryAfter,
	}
	switch statusCode {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		if err := refineByMessage(base); err != nil {
			return err
		}
		return &InvalidRequestError{base}
	case http.StatusUnauthorized:
		return &AuthenticationError{base}
	case http.StatusForbidden:
		return &AccessDeniedError{base}
	case http.StatusNotFound:
		return &NotFoundError{base}
	case http.StatusRequestTimeout:
		base.retryable = true
		return &RequestTimeoutError{base}
	case http.StatusRequestEntityTooLarge:
		return &ContextLengthError{base}
	case http.StatusTooManyRequests:
		base.retryable = true
		return &RateLimitError{base}
	case http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		base.retryable = true
		return &ServerError{base}
	default:
		base.retryable = true
		return &UnknownHTTPError{base}
	}
}

// refineByMessage disambiguates 400/422 responses where providers tunnel
// specific failures through text.
func refineByMessage(base statusError) error {
	lower := strings.ToLower(base.message)
	switch {
	case strings.Contains(lower, "content filter") || strings.Contains(lower, "safety"):
		return &ContentFilterError{base}
	case strings.Contains(lower, "context length") || strings.Contains(lower, "too many tokens"):
		return &ContextLengthError{base}
	case strings.Contains(lower, "quota") || strings.Contains(lower, "billing"):
		return &QuotaExceededError{base}
	case strings.Contains(lower, "not found") || strings.Contains(lower, "does not exist"):
		return &NotFoundError{base}
	case strings.Contains(lower, "unauthorized") || strings.Contains(lower, "invalid key"):
		return &AuthenticationError{base}
	}
	return nil
}

// NewRequestTimeoutError wraps a non-HTTP timeout (context deadline or
// rate-limiter wait failure). Not retryable: the caller's deadline is
// already spent.
func NewRequestTimeoutError(provider, message string) error {
	return &RequestTimeoutError{statusError{
		provider: strings.TrimSpace(provider),
		message:  message,
	}}
}

// ParseRetryAfter reads a Retry-After header as integer seconds or an
// HTTP-date. Returns nil when absent or malformed.
func ParseRetryAfter(v string, now time.Time) *time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		d := time.Duration(secs) * time.Second
		return &d
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return &d
	}
	return nil
}

// IsAuthenticationError reports whether err is a credentials failure.
func IsAuthenticationError(err error) bool {
	var e *AuthenticationError
	return errors.As(err, &e)
}

func asError(err error, target *Error) bool {
	return errors.As(err, target)
}
