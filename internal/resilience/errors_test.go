package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"testing"
	"time"

	"github.com/rotisserie/eris"
)

func TestKindOf_TypedErrorWins(t *testing.T) {
	inner := NewRateLimitError(errors.New("quota"), 3*time.Second)
	wrapped := eris.Wrap(fmt.Errorf("probe: %w", inner), "serp search")
	if got := KindOf(wrapped); got != KindRateLimited {
		t.Errorf("expected rate_limited, got %s", got)
	}
	if got := RetryAfterOf(wrapped); got != 3*time.Second {
		t.Errorf("expected retry-after 3s, got %v", got)
	}
}

func TestKindOf_NilError(t *testing.T) {
	if KindOf(nil) != "" {
		t.Error("nil error should have no kind")
	}
	if IsTransient(nil) {
		t.Error("nil error should not be transient")
	}
}

func TestKindOf_Context(t *testing.T) {
	if got := KindOf(fmt.Errorf("wait: %w", context.Canceled)); got != KindAborted {
		t.Errorf("expected aborted, got %s", got)
	}
	if got := KindOf(fmt.Errorf("probe: %w", context.DeadlineExceeded)); got != KindTransient {
		t.Errorf("expected transient_network, got %s", got)
	}
}

func TestKindOf_Network(t *testing.T) {
	cases := []error{
		fmt.Errorf("write tcp: %w", syscall.ECONNRESET),
		fmt.Errorf("dial tcp: %w", syscall.ECONNREFUSED),
		&net.DNSError{IsTimeout: true, Err: "timeout"},
		errors.New("read: connection reset by peer"),
		errors.New("net/http: TLS handshake timeout"),
		errors.New("unexpected EOF"),
	}
	for _, err := range cases {
		if got := KindOf(err); got != KindTransient {
			t.Errorf("%v: expected transient_network, got %s", err, got)
		}
	}
}

func TestKindOf_Unknown(t *testing.T) {
	if got := KindOf(errors.New("something odd")); got != KindUnknown {
		t.Errorf("expected unknown, got %s", got)
	}
	if IsTransient(errors.New("something odd")) {
		t.Error("unknown errors are not retried per request")
	}
}

func TestKind_Retryable(t *testing.T) {
	retryable := map[Kind]bool{
		KindTransient:    true,
		KindRateLimited:  true,
		KindInvalidInput: false,
		KindAuth:         false,
		KindParse:        false,
		KindAborted:      false,
		KindUnknown:      false,
	}
	for k, want := range retryable {
		if k.Retryable() != want {
			t.Errorf("%s: expected retryable=%v", k, want)
		}
	}
}

func TestFromHTTPStatus(t *testing.T) {
	tests := []struct {
		status int
		header http.Header
		want   Kind
		after  time.Duration
	}{
		{status: 401, want: KindAuth},
		{status: 403, want: KindAuth},
		{status: 429, header: http.Header{"Retry-After": []string{"7"}}, want: KindRateLimited, after: 7 * time.Second},
		{status: 429, want: KindRateLimited},
		{status: 500, want: KindTransient},
		{status: 503, want: KindTransient},
		{status: 408, want: KindTransient},
		{status: 400, want: KindInvalidInput},
		{status: 404, want: KindInvalidInput},
	}
	for _, tt := range tests {
		err := FromHTTPStatus("serper", tt.status, []byte("body"), tt.header)
		if err.Kind != tt.want {
			t.Errorf("status %d: expected %s, got %s", tt.status, tt.want, err.Kind)
		}
		if err.RetryAfter != tt.after {
			t.Errorf("status %d: expected retry-after %v, got %v", tt.status, tt.after, err.RetryAfter)
		}
		if err.StatusCode != tt.status {
			t.Errorf("status %d: status code not kept", tt.status)
		}
	}

	err := FromHTTPStatus("serper", 502, []byte("bad gateway"), nil)
	if got := err.Error(); got != "serper: unexpected status 502: bad gateway" {
		t.Errorf("unexpected message %q", got)
	}
	if len(eris.Unpack(err.Err).ErrRoot.Stack) == 0 {
		t.Error("expected a stack trace on the status error")
	}
}

func TestInvalidInputf(t *testing.T) {
	err := InvalidInputf("bad range %s..%s", "2026-02-01", "2026-01-01")
	if err.Kind != KindInvalidInput {
		t.Errorf("expected invalid_input, got %s", err.Kind)
	}
	if got := err.Error(); got != "bad range 2026-02-01..2026-01-01" {
		t.Errorf("unexpected message %q", got)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if got := ParseRetryAfter("120", now); got != 2*time.Minute {
		t.Errorf("seconds form: got %v", got)
	}
	date := now.Add(90 * time.Second).Format(http.TimeFormat)
	if got := ParseRetryAfter(date, now); got != 90*time.Second {
		t.Errorf("date form: got %v", got)
	}
	for _, v := range []string{"", "soon", "-3", now.Add(-time.Hour).Format(http.TimeFormat)} {
		if got := ParseRetryAfter(v, now); got != 0 {
			t.Errorf("%q: expected 0, got %v", v, got)
		}
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		if !IsTransientHTTPStatus(code) {
			t.Errorf("expected HTTP %d to be transient", code)
		}
	}
	for _, code := range []int{200, 400, 401, 403, 404, 422} {
		if IsTransientHTTPStatus(code) {
			t.Errorf("expected HTTP %d to not be transient", code)
		}
	}
}

func TestFromTransport(t *testing.T) {
	err := FromTransport("serper", errors.New("dial tcp: lookup google.serper.dev"))
	if err.Kind != KindTransient {
		t.Errorf("expected transient_network, got %s", err.Kind)
	}
	err = FromTransport("serper", fmt.Errorf("Post: %w", context.Canceled))
	if err.Kind != KindAborted {
		t.Errorf("expected aborted, got %s", err.Kind)
	}
	if !errors.Is(err, context.Canceled) {
		t.Error("cause should stay in the chain")
	}
	if got := err.Error(); got != "serper: request: Post: context canceled" {
		t.Errorf("unexpected message %q", got)
	}
}
