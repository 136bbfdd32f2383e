package handler

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"gemini-interceptor/internal/capture"
	"gemini-interceptor/internal/client"
	"gemini-interceptor/internal/config"
	"gemini-interceptor/internal/metrics"
	"gemini-interceptor/internal/service"
)

func TestRegisterRoutes_Wiring(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			BaseURL:                    upstream.URL,
			TimeoutSeconds:             10,
			StreamHeaderTimeoutSeconds: 10,
			IdleConnections:            10,
		},
		Capture: config.CaptureConfig{Backend: config.BackendFile, Dir: t.TempDir()},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	rec := capture.NewRecorder(capture.NewFileSink(cfg.Capture.Dir), logger, m)
	svc, err := service.NewProxyService(client.NewGeminiClient(cfg, logger, m), rec, cfg, logger, m)
	if err != nil {
		t.Fatalf("NewProxyService: %v", err)
	}

	e := echo.New()
	RegisterRoutes(e, NewProxyHandler(svc, logger), NewHealthHandler(cfg, "test"), cfg, m)

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
	}{
		{"GET /healthz", http.MethodGet, "/healthz", http.StatusOK},
		{"GET /proxy/status", http.MethodGet, "/proxy/status", http.StatusOK},
		{"GET /metrics", http.MethodGet, "/metrics", http.StatusOK},
		{"POST countTokens", http.MethodPost, "/v1beta/models/gemini-pro:countTokens", http.StatusOK},
		{"POST generateContent", http.MethodPost, "/v1beta/models/gemini-pro:generateContent?key=k", http.StatusOK},
		{"POST streamGenerateContent", http.MethodPost, "/v1beta/models/gemini-pro:streamGenerateContent?alt=sse", http.StatusOK},
		{"GET on model route is 405", http.MethodGet, "/v1beta/models/gemini-pro:countTokens", http.StatusMethodNotAllowed},
		{"POST without action is 404", http.MethodPost, "/v1beta/models/gemini-pro", http.StatusNotFound},
		{"GET /unknown returns 404", http.MethodGet, "/unknown", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(`{}`))
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestRegisterRoutes_MetricsDisabled(t *testing.T) {
	cfg := &config.Config{Metrics: config.MetricsConfig{Enabled: false, Path: "/metrics"}}
	e := echo.New()
	RegisterRoutes(e, &ProxyHandler{}, NewHealthHandler(cfg, "test"), cfg, metrics.New())

	req := httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}
