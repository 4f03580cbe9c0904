package resilience

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
)

// Kind classifies a failure for retry and reporting decisions.
type Kind string

// Failure kinds.
const (
	KindTransient    Kind = "transient_network"
	KindRateLimited  Kind = "rate_limited"
	KindInvalidInput Kind = "invalid_input"
	KindAuth         Kind = "upstream_auth_failure"
	KindParse        Kind = "parse_failure"
	KindAborted      Kind = "aborted"
	KindUnknown      Kind = "unknown"
)

// Retryable reports whether a single operation failing with this kind may
// succeed when attempted again.
func (k Kind) Retryable() bool {
	return k == KindTransient || k == KindRateLimited
}

// Error is a classified error. StatusCode and RetryAfter are set when the
// failure came from an HTTP response.
type Error struct {
	Kind       Kind
	Err        error
	StatusCode int
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError classifies err as kind.
func NewError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *Error {
	return &Error{Kind: KindTransient, Err: err, StatusCode: statusCode}
}

// NewRateLimitError marks err as a quota rejection. retryAfter is the
// provider's hint, zero when absent.
func NewRateLimitError(err error, retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, Err: err, StatusCode: http.StatusTooManyRequests, RetryAfter: retryAfter}
}

// InvalidInput marks err as a caller mistake that retrying cannot fix.
func InvalidInput(err error) *Error {
	return &Error{Kind: KindInvalidInput, Err: err}
}

// InvalidInputf formats an invalid-input error.
func InvalidInputf(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidInput, Err: eris.Errorf(format, args...)}
}

// ParseFailure marks err as an unexpected response shape.
func ParseFailure(err error) *Error {
	return &Error{Kind: KindParse, Err: err}
}

// KindOf classifies err. Typed errors win; otherwise context errors,
// network timeouts and well-known transport failures are recognised.
// Anything else is KindUnknown. A nil error has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}

	if errors.Is(err, context.Canceled) {
		return KindAborted
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	if errors.Is(err, ErrCircuitOpen) {
		return KindAborted
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTransient
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return KindTransient
	}

	// Wrapped HTTP client errors often lose their type.
	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
		"unexpected eof",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return KindTransient
		}
	}

	return KindUnknown
}

// IsTransient reports whether err is worth retrying at the request level.
func IsTransient(err error) bool {
	return KindOf(err).Retryable()
}

// RetryAfterOf returns the provider's retry hint carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var te *Error
	if errors.As(err, &te) {
		return te.RetryAfter
	}
	return 0
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// FromHTTPStatus classifies a non-2xx response. service prefixes the message.
func FromHTTPStatus(service string, statusCode int, body []byte, header http.Header) *Error {
	err := eris.Errorf("%s: unexpected status %d: %s", service, statusCode, truncate(string(body), 512))
	e := &Error{Err: err, StatusCode: statusCode}
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		e.Kind = KindAuth
	case statusCode == http.StatusTooManyRequests:
		e.Kind = KindRateLimited
		if header != nil {
			e.RetryAfter = ParseRetryAfter(header.Get("Retry-After"), time.Now())
		}
	case IsTransientHTTPStatus(statusCode) || statusCode >= 500:
		e.Kind = KindTransient
	case statusCode >= 400:
		e.Kind = KindInvalidInput
	default:
		e.Kind = KindParse
	}
	return e
}

// FromTransport classifies an error returned by http.Client.Do. Failures
// that are not otherwise recognised count as transient network errors.
func FromTransport(service string, err error) *Error {
	kind := KindOf(err)
	if kind == KindUnknown {
		kind = KindTransient
	}
	return &Error{Kind: kind, Err: eris.Wrapf(err, "%s: request", service)}
}

// ParseRetryAfter decodes a Retry-After header given either as delay
// seconds or as an HTTP date. Unparseable or past values yield zero.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
