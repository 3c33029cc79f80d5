package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okCheck() HealthChecker {
	return CheckFunc(func(context.Context) error { return nil })
}

func failingCheck(msg string) HealthChecker {
	return CheckFunc(func(context.Context) error { return errors.New(msg) })
}

func TestHealthHandler_Health(t *testing.T) {
	h := NewHealthHandler().AddCheck("database", failingCheck("down"))

	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d (liveness ignores dependencies)", rec.Code, http.StatusOK)
	}
	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("Status = %q, want ok", resp.Status)
	}
}

func TestHealthHandler_Ready(t *testing.T) {
	tests := []struct {
		name       string
		ready      bool
		checks     map[string]HealthChecker
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "ready without dependencies",
			ready:      true,
			wantCode:   http.StatusOK,
			wantStatus: "ok",
			wantChecks: map[string]string{"app": "ok"},
		},
		{
			name:       "ready with healthy database and redis",
			ready:      true,
			checks:     map[string]HealthChecker{"database": okCheck(), "redis": okCheck()},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
			wantChecks: map[string]string{"app": "ok", "database": "ok", "redis": "ok"},
		},
		{
			name:       "still starting",
			ready:      false,
			checks:     map[string]HealthChecker{"database": okCheck()},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "degraded",
			wantChecks: map[string]string{"app": "not ready", "database": "ok"},
		},
		{
			name:       "database down",
			ready:      true,
			checks:     map[string]HealthChecker{"database": failingCheck("connection refused")},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "degraded",
			wantChecks: map[string]string{"app": "ok", "database": "connection refused"},
		},
		{
			name:  "redis down, database fine",
			ready: true,
			checks: map[string]HealthChecker{
				"database": okCheck(),
				"redis":    failingCheck("redis: connection refused"),
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "degraded",
			wantChecks: map[string]string{"app": "ok", "database": "ok", "redis": "redis: connection refused"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler()
			for name, c := range tt.checks {
				h.AddCheck(name, c)
			}
			h.SetReady(tt.ready)

			rec := httptest.NewRecorder()
			h.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			var resp ReadyResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if resp.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q", resp.Status, tt.wantStatus)
			}
			if len(resp.Checks) != len(tt.wantChecks) {
				t.Errorf("Checks = %v, want %v", resp.Checks, tt.wantChecks)
			}
			for name, want := range tt.wantChecks {
				if got := resp.Checks[name]; got != want {
					t.Errorf("Checks[%q] = %q, want %q", name, got, want)
				}
			}
		})
	}
}

func TestHealthHandler_Ready_SlowCheckTimesOut(t *testing.T) {
	h := NewHealthHandler().AddCheck("database", CheckFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	h.timeout = 20 * time.Millisecond
	h.SetReady(true)

	start := time.Now()
	rec := httptest.NewRecorder()
	h.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Ready took %v, want it bounded by the check timeout", elapsed)
	}
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}
