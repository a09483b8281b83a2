package external

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"

	"notifier/internal/types"
)

func noopWait(context.Context, time.Duration) error { return nil }

func newTestClient(t *testing.T, policy RetryPolicy, opts ...BaseClientOption) *BaseClient {
	t.Helper()
	opts = append([]BaseClientOption{WithWaitFunc(noopWait)}, opts...)
	return NewBaseClient(&http.Client{Timeout: 5 * time.Second}, "test-breaker", policy, "Notifier-Test/1.0", opts...)
}

func newRequest(t *testing.T, ctx context.Context, method, url string, body io.Reader) *http.Request {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	return req
}

func TestDo_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer server.Close()

	client := newTestClient(t, DefaultRetryPolicy())
	resp, err := client.Do(newRequest(t, context.Background(), http.MethodGet, server.URL, nil))
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"status":"ok"}` {
		t.Errorf("unexpected body: %s", body)
	}
}

func TestDo_InjectsTraceIDAndUserAgent(t *testing.T) {
	var gotTrace, gotUA string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTrace = r.Header.Get(TraceHeader)
		gotUA = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := newTestClient(t, DefaultRetryPolicy())
	ctx := types.WithTraceID(context.Background(), "msg-123")
	resp, err := client.Do(newRequest(t, ctx, http.MethodPost, server.URL, nil))
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	resp.Body.Close()

	if gotTrace != "msg-123" {
		t.Errorf("expected trace id msg-123, got %q", gotTrace)
	}
	if gotUA != "Notifier-Test/1.0" {
		t.Errorf("expected user agent Notifier-Test/1.0, got %q", gotUA)
	}
}

func TestDo_RetriesOn5xxAndReplaysBody(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"id":"req-1"}` {
			t.Errorf("attempt %d got body %q", calls.Load()+1, body)
		}
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := newTestClient(t, RetryPolicy{MaxRetries: 2, MinWait: time.Millisecond, MaxWait: time.Millisecond})
	resp, err := client.Do(newRequest(t, context.Background(), http.MethodPost, server.URL, strings.NewReader(`{"id":"req-1"}`)))
	if err != nil {
		t.Fatalf("expected success after retries, got: %v", err)
	}
	resp.Body.Close()

	if got := calls.Load(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestDo_ExhaustedRetries(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantCode types.ErrorCode
	}{
		{name: "server error", status: http.StatusServiceUnavailable, wantCode: types.ErrCodeUpstreamUnavailable},
		{name: "rate limited", status: http.StatusTooManyRequests, wantCode: types.ErrCodeUpstreamRateLimited},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			client := newTestClient(t, RetryPolicy{MaxRetries: 1, MinWait: time.Millisecond, MaxWait: time.Millisecond})
			_, err := client.Do(newRequest(t, context.Background(), http.MethodGet, server.URL, nil))
			if got := types.ErrorCodeOf(err); got != tt.wantCode {
				t.Errorf("expected code %s, got %s (%v)", tt.wantCode, got, err)
			}
			if got := calls.Load(); got != 2 {
				t.Errorf("expected 2 attempts, got %d", got)
			}
		})
	}
}

func TestDo_4xxNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	client := newTestClient(t, DefaultRetryPolicy())
	resp, err := client.Do(newRequest(t, context.Background(), http.MethodGet, server.URL, nil))
	if err != nil {
		t.Fatalf("4xx should be returned as a response, got error: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("expected 1 attempt, got %d", got)
	}
}

func TestDo_OpenBreakerShortCircuits(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	breaker := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "trip-fast",
		Timeout:     time.Minute,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 1 },
	})
	client := newTestClient(t, RetryPolicy{MaxRetries: 3, MinWait: time.Millisecond, MaxWait: time.Millisecond}, WithBreaker(breaker))

	_, err := client.Do(newRequest(t, context.Background(), http.MethodGet, server.URL, nil))
	if got := types.ErrorCodeOf(err); got != types.ErrCodeUpstreamUnavailable {
		t.Errorf("expected upstream_unavailable, got %s", got)
	}
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("expected the open-state error in the chain, got %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("expected the breaker to stop after 1 attempt, got %d", got)
	}
}

func TestDo_CancelledWaitStopsRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	cancelled := func(context.Context, time.Duration) error { return context.Canceled }
	client := newTestClient(t, DefaultRetryPolicy(), WithWaitFunc(cancelled))

	_, err := client.Do(newRequest(t, context.Background(), http.MethodGet, server.URL, nil))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled in the chain, got %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("expected 1 attempt, got %d", got)
	}
}

func TestComputeBackoff(t *testing.T) {
	client := newTestClient(t, RetryPolicy{MaxRetries: 5, MinWait: 100 * time.Millisecond, MaxWait: time.Second})

	for attempt := range 5 {
		wait := client.computeBackoff(attempt, nil)
		if wait < 100*time.Millisecond || wait > time.Second {
			t.Errorf("attempt %d: wait %v outside [100ms, 1s]", attempt, wait)
		}
	}

	resp := &http.Response{Header: http.Header{"Retry-After": []string{"30"}}}
	if got := client.computeBackoff(0, resp); got != time.Second {
		t.Errorf("Retry-After should be capped at MaxWait, got %v", got)
	}
}
