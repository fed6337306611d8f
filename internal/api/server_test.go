package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/mailstation/mailstation/internal/config"
	"github.com/mailstation/mailstation/internal/scheduler"
)

// testLogger returns a logger for tests that discards output
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func noEngines(string) (AccountEngine, bool) { return nil, false }

func TestHealthEndpoint(t *testing.T) {
	cfg := &config.Config{
		Server: config.ServerConfig{APIPort: 8080},
	}
	sched := scheduler.New(func(ctx context.Context, email string) error { return nil })

	srv := NewServer(cfg, noEngines, sched, testLogger())

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("GET /health status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if resp["status"] != "ok" {
		t.Errorf("health status = %q, want 'ok'", resp["status"])
	}
}

func TestAuthMiddleware(t *testing.T) {
	cfg := &config.Config{
		Server: config.ServerConfig{
			APIPort: 8080,
			APIKey:  "secret-key",
		},
	}
	sched := scheduler.New(func(ctx context.Context, email string) error { return nil })

	srv := NewServer(cfg, noEngines, sched, testLogger())

	tests := []struct {
		name       string
		authHeader string
		useXAPIKey bool
		wantStatus int
	}{
		{"no auth", "", false, http.StatusUnauthorized},
		{"wrong key", "wrong-key", false, http.StatusUnauthorized},
		{"correct key", "secret-key", false, http.StatusOK},
		{"bearer prefix", "Bearer secret-key", false, http.StatusOK},
		{"x-api-key header", "secret-key", true, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/v1/scheduler/status", nil)
			if tt.authHeader != "" {
				if tt.useXAPIKey {
					req.Header.Set("X-API-Key", tt.authHeader)
				} else {
					req.Header.Set("Authorization", tt.authHeader)
				}
			}
			w := httptest.NewRecorder()

			srv.Router().ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestAuthMiddlewareNoKeyConfigured(t *testing.T) {
	cfg := &config.Config{
		Server: config.ServerConfig{
			APIPort: 8080,
			APIKey:  "", // No key configured
		},
	}
	sched := scheduler.New(func(ctx context.Context, email string) error { return nil })

	srv := NewServer(cfg, noEngines, sched, testLogger())

	req := httptest.NewRequest("GET", "/api/v1/scheduler/status", nil)
	w := httptest.NewRecorder()

	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d when no API key configured", w.Code, http.StatusOK)
	}
}

func TestSchedulerStatusEndpoint(t *testing.T) {
	cfg := &config.Config{
		Server: config.ServerConfig{APIPort: 8080},
	}
	sched := scheduler.New(func(ctx context.Context, email string) error { return nil })
	if err := sched.AddAccount("test@gmail.com", "0 2 * * *"); err != nil {
		t.Fatalf("AddAccount: %v", err)
	}
	sched.Start()
	defer sched.Stop()

	srv := NewServer(cfg, noEngines, sched, testLogger())

	req := httptest.NewRequest("GET", "/api/v1/scheduler/status", nil)
	w := httptest.NewRecorder()

	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp SchedulerStatusResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if !resp.Running {
		t.Error("expected scheduler to be running")
	}
	if len(resp.Accounts) != 1 {
		t.Errorf("expected 1 account, got %d", len(resp.Accounts))
	}
}

func TestSyncTriggerEndpointUnknownAccount(t *testing.T) {
	cfg := &config.Config{Server: config.ServerConfig{APIPort: 8080}}
	sched := scheduler.New(func(ctx context.Context, email string) error { return nil })
	srv := NewServer(cfg, noEngines, sched, testLogger())

	body := `{"account":"nobody@example.com"}`
	req := httptest.NewRequest("POST", "/api/v1/sync/trigger", strings.NewReader(body))
	w := httptest.NewRecorder()

	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}
