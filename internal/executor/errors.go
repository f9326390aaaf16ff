package executor

import (
	"net/http"
)

// ErrorCategory classifies upstream failures for retry and state decisions.
type ErrorCategory int

const (
	// CategoryUnknown is the default for unclassified errors.
	CategoryUnknown ErrorCategory = iota

	// CategoryTransient covers network failures, timeouts and 5xx. Retried
	// on the same credential with backoff.
	CategoryTransient

	// CategoryRateLimited covers 429-equivalents. The credential is demoted
	// to RATE_LIMITED; the call fails over to another credential.
	CategoryRateLimited

	// CategoryQuota covers provider-reported quota exhaustion (402/403).
	// The credential is demoted to QUOTA_EXCEEDED.
	CategoryQuota

	// CategoryUpstream covers remaining non-2xx responses. Counts toward
	// the credential's consecutive error threshold.
	CategoryUpstream
)

// String returns a stable name used in outcomes and API error bodies.
func (c ErrorCategory) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryRateLimited:
		return "rate_limited"
	case CategoryQuota:
		return "quota_exceeded"
	case CategoryUpstream:
		return "upstream_error"
	default:
		return "unknown"
	}
}

// Retryable reports whether the same credential should be retried.
func (c ErrorCategory) Retryable() bool {
	return c == CategoryTransient
}

// Failover reports whether a different credential may rescue the call.
func (c ErrorCategory) Failover() bool {
	return c == CategoryRateLimited || c == CategoryQuota || c == CategoryTransient
}

// CategorizeStatus maps an HTTP status to an error category.
func CategorizeStatus(statusCode int) ErrorCategory {
	switch statusCode {
	case http.StatusTooManyRequests:
		return CategoryRateLimited
	case http.StatusPaymentRequired, http.StatusForbidden:
		return CategoryQuota
	case http.StatusRequestTimeout,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return CategoryTransient
	default:
		if statusCode >= 400 {
			return CategoryUpstream
		}
		return CategoryUnknown
	}
}

// Error is a provider-agnostic upstream failure.
type Error struct {
	Category   ErrorCategory `json:"category"`
	HTTPStatus int           `json:"http_status,omitempty"`
	Message    string        `json:"message"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.HTTPStatus != 0 {
		return e.Category.String() + ": upstream returned " + http.StatusText(e.HTTPStatus) + ": " + e.Message
	}
	return e.Category.String() + ": " + e.Message
}

// StatusCode exposes the upstream status for API surfacing.
func (e *Error) StatusCode() int {
	if e == nil {
		return 0
	}
	return e.HTTPStatus
}

func newStatusError(statusCode int, body string) *Error {
	const maxBody = 512
	if len(body) > maxBody {
		body = body[:maxBody]
	}
	return &Error{
		Category:   CategorizeStatus(statusCode),
		HTTPStatus: statusCode,
		Message:    body,
	}
}

func newTransientError(message string) *Error {
	return &Error{Category: CategoryTransient, Message: message}
}
