package api

import (
	"context"
	"errors"
	"net/http"
	"testing"
)

func TestHandleHealth(t *testing.T) {
	healthy := Probe("database", func(context.Context) error { return nil })
	failing := Probe("redis", func(context.Context) error { return errors.New("connection refused") })
	panicking := Probe("queue", func(context.Context) error { panic("nil client") })
	slow := Probe("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	tests := []struct {
		name       string
		probes     []HealthProbe
		wantStatus int
		wantBody   string
		components map[string]string
	}{
		{"no probes", nil, http.StatusOK, "healthy", nil},
		{"all healthy", []HealthProbe{healthy}, http.StatusOK, "healthy", map[string]string{"database": "healthy"}},
		{
			"one failing", []HealthProbe{healthy, failing}, http.StatusServiceUnavailable, "unhealthy",
			map[string]string{"database": "healthy", "redis": "unhealthy"},
		},
		{"panicking probe", []HealthProbe{panicking}, http.StatusServiceUnavailable, "unhealthy", map[string]string{"queue": "unhealthy"}},
		{"deadline", []HealthProbe{slow}, http.StatusServiceUnavailable, "unhealthy", map[string]string{"slow": "unhealthy"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, "")
			env.srv.HealthProbes = tt.probes

			rec := env.do(t, http.MethodGet, "/health", nil)
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d", tt.wantStatus, rec.Code)
			}
			resp := decodeJSONBody[healthResponse](t, rec.Body.Bytes())
			if resp.Status != tt.wantBody {
				t.Errorf("expected status %q, got %q", tt.wantBody, resp.Status)
			}
			for name, want := range tt.components {
				if got := resp.Components[name].Status; got != want {
					t.Errorf("component %s: expected %q, got %q", name, want, got)
				}
			}
		})
	}
}
