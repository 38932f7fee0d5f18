package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"strategy-sandbox/internal/config"
	"strategy-sandbox/internal/monitor"
	"strategy-sandbox/internal/storage"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestAuthMiddleware(t *testing.T) {
	tests := []struct {
		name        string
		keys        []string
		allowUnauth bool
		header      string
		value       string
		want        int
	}{
		{"no keys rejects", nil, false, "", "", http.StatusUnauthorized},
		{"no keys explicit allow", nil, true, "", "", http.StatusOK},
		{"valid key", []string{"good-key"}, false, "X-API-Key", "good-key", http.StatusOK},
		{"valid bearer", []string{"good-key"}, false, "Authorization", "Bearer good-key", http.StatusOK},
		{"invalid key", []string{"good-key"}, false, "X-API-Key", "bad-key", http.StatusUnauthorized},
		{"keys ignore allow flag", []string{"good-key"}, true, "", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := AuthMiddleware("X-API-Key", tt.keys, tt.allowUnauth)(okHandler)
			req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Errorf("got status %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handler := RateLimitMiddleware(ctx, 0.001, 2)(okHandler)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes = %v, want [200 200 429]", codes)
	}

	req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("other client got %d, want 200", rec.Code)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := RecoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("got status %d, want 500", rec.Code)
	}
}

func TestCORSMiddleware(t *testing.T) {
	handler := CORSMiddleware([]string{"https://app.example.com"})(okHandler)

	req := httptest.NewRequest(http.MethodOptions, "/jobs", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight got %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("Allow-Origin = %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/jobs", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("unlisted origin got Allow-Origin %q", got)
	}
}

func TestServer_Routes(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Security.AllowedKeys = []string{"k"}

	store := storage.NewMemory()
	srv := NewServer(cfg, Deps{
		Store:     store,
		Metrics:   monitor.NewMetrics(),
		Languages: []string{"python", "starlark"},
	})
	defer srv.Shutdown(context.Background())
	h := srv.Handler()

	tests := []struct {
		name   string
		path   string
		apiKey string
		want   int
	}{
		{"health without key", "/health", "", http.StatusOK},
		{"metrics without key", "/metrics", "", http.StatusOK},
		{"jobs without key", "/jobs", "", http.StatusUnauthorized},
		{"jobs with key", "/jobs", "k", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			req.Header.Set("X-User-ID", "alice")
			if tt.apiKey != "" {
				req.Header.Set("X-API-Key", tt.apiKey)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Errorf("got status %d, want %d", rec.Code, tt.want)
			}
			if rec.Header().Get("X-Request-ID") == "" {
				t.Error("missing X-Request-ID")
			}
			if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
				t.Error("missing security headers")
			}
		})
	}
}

func TestServer_HealthDegradedWithoutLanguages(t *testing.T) {
	srv := NewServer(config.DefaultConfig(), Deps{Store: storage.NewMemory(), Metrics: monitor.NewMetrics()})
	defer srv.Shutdown(context.Background())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("got status %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"degraded"`) {
		t.Errorf("body = %s", rec.Body)
	}
}

func TestServer_HealthDegradedWithMissingLanguage(t *testing.T) {
	srv := NewServer(config.DefaultConfig(), Deps{
		Store:     storage.NewMemory(),
		Metrics:   monitor.NewMetrics(),
		Languages: []string{"python"},
	})
	defer srv.Shutdown(context.Background())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("got status %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"languages":["python"]`) {
		t.Errorf("body = %s", rec.Body)
	}
}
