package ingress

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"

	"github.com/kinorez/stagehand/pkg/types"
)

func TestServeProxy_ForwardsToUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Forwarded-Proto") != "http" {
			t.Errorf("missing X-Forwarded-Proto, got %q", r.Header.Get("X-Forwarded-Proto"))
		}
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("echo:" + r.URL.Path + ":" + string(body)))
	}))
	defer upstream.Close()

	s := newTestServer(t, upstream.URL, nil)

	req := httptest.NewRequest(http.MethodPost, "/bot123:token/sendMessage", strings.NewReader("payload"))
	rec := httptest.NewRecorder()
	s.handleRequest(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Body.String(); got != "echo:/bot123:token/sendMessage:payload" {
		t.Errorf("unexpected body: %q", got)
	}
}

func TestServeProxy_UpstreamDownHealthyRetriesThenFails(t *testing.T) {
	// Nothing listens on the upstream port, so every dial is refused.
	// With the gateway reported Healthy the proxy retries once, then the
	// request still fails with 502.
	s := newTestServer(t, "http://127.0.0.1:1", &fakeHealth{status: types.HealthHealthy})

	rec := doRequest(s, http.MethodGet, "/bot123:token/getMe")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

func TestServeProxy_UpstreamDownUnhealthyFailsFast(t *testing.T) {
	s := newTestServer(t, "http://127.0.0.1:1", &fakeHealth{status: types.HealthUnhealthy})

	rec := doRequest(s, http.MethodGet, "/bot123:token/getMe")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "upstream unavailable") {
		t.Errorf("expected the fail-fast message, got %q", rec.Body.String())
	}
}

// flakyTransport refuses the first n attempts
type flakyTransport struct {
	refusals int32
	calls    int32
}

func (f *flakyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if n <= atomic.LoadInt32(&f.refusals) {
		return nil, syscall.ECONNREFUSED
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader("ok")),
		Header:     make(http.Header),
		Request:    req,
	}, nil
}

func TestRetryTransport_RetriesOnceWhileHealthy(t *testing.T) {
	base := &flakyTransport{refusals: 1}
	rt := &retryTransport{base: base, gatewayHealthy: func() bool { return true }}

	req := httptest.NewRequest(http.MethodGet, "http://gateway/getMe", nil)
	resp, err := rt.RoundTrip(req)
	if err != nil {
		t.Fatalf("expected retried success, got %v", err)
	}
	resp.Body.Close()

	if got := atomic.LoadInt32(&base.calls); got != 2 {
		t.Errorf("expected 2 attempts, got %d", got)
	}
}

func TestRetryTransport_OnlyOneRetry(t *testing.T) {
	base := &flakyTransport{refusals: 2}
	rt := &retryTransport{base: base, gatewayHealthy: func() bool { return true }}

	req := httptest.NewRequest(http.MethodGet, "http://gateway/getMe", nil)
	if _, err := rt.RoundTrip(req); !errors.Is(err, syscall.ECONNREFUSED) {
		t.Fatalf("expected refused error after single retry, got %v", err)
	}
	if got := atomic.LoadInt32(&base.calls); got != 2 {
		t.Errorf("expected exactly 2 attempts, got %d", got)
	}
}

func TestRetryTransport_NoRetryWhenUnhealthy(t *testing.T) {
	base := &flakyTransport{refusals: 1}
	rt := &retryTransport{base: base, gatewayHealthy: func() bool { return false }}

	req := httptest.NewRequest(http.MethodGet, "http://gateway/getMe", nil)
	_, err := rt.RoundTrip(req)
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
	if got := atomic.LoadInt32(&base.calls); got != 1 {
		t.Errorf("expected 1 attempt, got %d", got)
	}
}

func TestRetryTransport_NoRetryForConsumedBody(t *testing.T) {
	base := &flakyTransport{refusals: 1}
	rt := &retryTransport{base: base, gatewayHealthy: func() bool { return true }}

	// A streaming body with no GetBody cannot be replayed
	req, err := http.NewRequest(http.MethodPost, "http://gateway/sendVideo",
		io.NopCloser(strings.NewReader("media")))
	if err != nil {
		t.Fatal(err)
	}
	req.GetBody = nil

	if _, err := rt.RoundTrip(req); !errors.Is(err, syscall.ECONNREFUSED) {
		t.Fatalf("expected passthrough error, got %v", err)
	}
	if got := atomic.LoadInt32(&base.calls); got != 1 {
		t.Errorf("expected 1 attempt, got %d", got)
	}
}

func TestRetryTransport_PassesThroughOtherErrors(t *testing.T) {
	timeout := errors.New("context deadline exceeded")
	rt := &retryTransport{
		base: roundTripFunc(func(*http.Request) (*http.Response, error) {
			return nil, timeout
		}),
		gatewayHealthy: func() bool { return true },
	}

	req := httptest.NewRequest(http.MethodGet, "http://gateway/getMe", nil)
	if _, err := rt.RoundTrip(req); !errors.Is(err, timeout) {
		t.Fatalf("expected passthrough, got %v", err)
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func TestHandleProxyError_StatusMapping(t *testing.T) {
	s := newTestServer(t, "", nil)

	rec := httptest.NewRecorder()
	s.handleProxyError(rec, httptest.NewRequest(http.MethodPost, "/x", nil), &http.MaxBytesError{Limit: 1})
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversize body: expected 413, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	s.handleProxyError(rec, httptest.NewRequest(http.MethodGet, "/x", nil), ErrUpstreamUnavailable)
	if rec.Code != http.StatusBadGateway {
		t.Errorf("unavailable upstream: expected 502, got %d", rec.Code)
	}
}
