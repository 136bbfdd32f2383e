package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"gemini-interceptor/internal/capture"
	"gemini-interceptor/internal/client"
	"gemini-interceptor/internal/config"
	"gemini-interceptor/internal/service"
)

func TestParseTarget(t *testing.T) {
	tests := []struct {
		path       string
		wantModel  string
		wantAction string
		wantOK     bool
	}{
		{"/v1beta/models/gemini-pro:generateContent", "gemini-pro", "generateContent", true},
		{"/v1beta/models/gemini-1.5-flash:streamGenerateContent", "gemini-1.5-flash", "streamGenerateContent", true},
		{"/v1beta/models/tuned:model:v2:countTokens", "tuned:model:v2", "countTokens", true},
		{"/v1beta/models/gemini-pro", "", "", false},
		{"/v1beta/models/:countTokens", "", "", false},
		{"/v1beta/models/gemini-pro:", "", "", false},
		{"/v1beta/models/tuned/my-model:countTokens", "tuned/my-model", "countTokens", true},
		{"/v1beta/models//x:countTokens", "", "", false},
		{"/v1beta/models/gemini-pro:count/Tokens", "", "", false},
		{"/v1/models/gemini-pro:countTokens", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			m, a, ok := ParseTarget(tt.path)
			if ok != tt.wantOK || m != tt.wantModel || a != tt.wantAction {
				t.Errorf("ParseTarget(%q) = (%q, %q, %v), want (%q, %q, %v)",
					tt.path, m, a, ok, tt.wantModel, tt.wantAction, tt.wantOK)
			}
		})
	}
}

type testProxy struct {
	e          *echo.Echo
	captureDir string
}

func newTestProxy(t *testing.T, upstreamURL string) *testProxy {
	t.Helper()
	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			BaseURL:                    upstreamURL,
			TimeoutSeconds:             10,
			StreamHeaderTimeoutSeconds: 10,
			IdleConnections:            10,
			ForwardHeaders:             config.DefaultForwardHeaders,
		},
		Capture: config.CaptureConfig{Backend: config.BackendFile, Dir: t.TempDir()},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rec := capture.NewRecorder(capture.NewFileSink(cfg.Capture.Dir), logger, nil)
	svc, err := service.NewProxyService(client.NewGeminiClient(cfg, logger, nil), rec, cfg, logger, nil)
	if err != nil {
		t.Fatalf("NewProxyService: %v", err)
	}

	e := echo.New()
	e.Use(echomw.RequestID())
	RegisterRoutes(e, NewProxyHandler(svc, logger), NewHealthHandler(cfg, "test"), cfg, nil)
	return &testProxy{e: e, captureDir: cfg.Capture.Dir}
}

func (p *testProxy) do(method, target, body string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	p.e.ServeHTTP(rec, req)
	return rec
}

// captures returns the documents in the capture dir keyed by file name.
func (p *testProxy) captures(t *testing.T) map[string]map[string]any {
	t.Helper()
	entries, err := os.ReadDir(p.captureDir)
	if err != nil {
		t.Fatalf("read capture dir: %v", err)
	}
	out := make(map[string]map[string]any)
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(p.captureDir, e.Name()))
		if err != nil {
			t.Fatalf("read %s: %v", e.Name(), err)
		}
		var doc map[string]any
		if err := json.Unmarshal(data, &doc); err != nil {
			t.Fatalf("decode %s: %v", e.Name(), err)
		}
		out[e.Name()] = doc
	}
	return out
}

func TestHandle_DispatchesByAction(t *testing.T) {
	var (
		mu       sync.Mutex
		gotPaths []string
	)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotPaths = append(gotPaths, r.URL.Path+"?"+r.URL.RawQuery)
		mu.Unlock()
		if strings.HasSuffix(r.URL.Path, ":streamGenerateContent") {
			w.Header().Set("Content-Type", "text/event-stream")
			_, _ = io.WriteString(w, "data: {\"n\":1}\r\n\r\n")
			w.(http.Flusher).Flush()
			_, _ = io.WriteString(w, "data: {\"n\":2}\r\n\r\n")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"totalTokens":4}`))
	}))
	defer upstream.Close()

	p := newTestProxy(t, upstream.URL)

	unary := p.do(http.MethodPost, "/v1beta/models/gemini-pro:countTokens?key=abc", `{"contents":[]}`, nil)
	if unary.Code != http.StatusOK || unary.Body.String() != `{"totalTokens":4}` {
		t.Errorf("unary = %d %q", unary.Code, unary.Body.String())
	}

	stream := p.do(http.MethodPost, "/v1beta/models/gemini-pro:streamGenerateContent?alt=sse", `{"contents":[]}`, nil)
	if want := "data: {\"n\":1}\r\n\r\ndata: {\"n\":2}\r\n\r\n"; stream.Body.String() != want {
		t.Errorf("stream body = %q, want %q", stream.Body.String(), want)
	}
	if !stream.Flushed {
		t.Error("streaming response should be flushed")
	}

	want := []string{
		"/v1beta/models/gemini-pro:countTokens?key=abc",
		"/v1beta/models/gemini-pro:streamGenerateContent?alt=sse",
	}
	mu.Lock()
	defer mu.Unlock()
	if strings.Join(gotPaths, ",") != strings.Join(want, ",") {
		t.Errorf("upstream paths = %v, want %v", gotPaths, want)
	}

	docs := p.captures(t)
	if len(docs) != 4 {
		t.Fatalf("captured %d documents, want 4: %v", len(docs), docs)
	}
	var streamed []any
	for name, doc := range docs {
		if strings.HasSuffix(name, "-response.json") {
			if body, ok := doc["body"].([]any); ok {
				streamed = body
			}
		}
	}
	if len(streamed) != 2 {
		t.Errorf("streamed capture body = %v, want 2 events", streamed)
	}
}

func TestHandle_MultiSegmentModel(t *testing.T) {
	gotPath := make(chan string, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath <- r.URL.Path
		_, _ = w.Write([]byte(`{"totalTokens":1}`))
	}))
	defer upstream.Close()

	p := newTestProxy(t, upstream.URL)
	rec := p.do(http.MethodPost, "/v1beta/models/tuned/my-model:countTokens", `{}`, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := <-gotPath; got != "/v1beta/models/tuned/my-model:countTokens" {
		t.Errorf("upstream path = %q", got)
	}
}

func TestHandle_RequestSnapshot(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	p := newTestProxy(t, upstream.URL)
	rec := p.do(http.MethodPost, "/v1beta/models/gemini-pro:embedContent?key=abc",
		`{"content":{"parts":[{"text":"x"}]}}`,
		map[string]string{"X-Goog-Api-Key": "k", "Cookie": "c=1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get(echo.HeaderXRequestID) == "" {
		t.Error("request id should be set")
	}

	for name, doc := range p.captures(t) {
		if !strings.HasSuffix(name, "-request.json") {
			continue
		}
		if doc["url"] != "http://example.com/v1beta/models/gemini-pro:embedContent?key=abc" {
			t.Errorf("url = %v", doc["url"])
		}
		headers, _ := doc["headers"].(map[string]any)
		for _, name := range []string{"Host", "Cookie", "X-Goog-Api-Key"} {
			if _, ok := headers[name]; !ok {
				t.Errorf("request snapshot missing header %s: %v", name, headers)
			}
		}
		if _, ok := doc["body"].(map[string]any); !ok {
			t.Errorf("body = %v, want object", doc["body"])
		}
		return
	}
	t.Fatal("no request snapshot written")
}

func TestHandle_InvalidJSONBody(t *testing.T) {
	var called atomic.Bool
	upstream := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called.Store(true)
	}))
	defer upstream.Close()

	p := newTestProxy(t, upstream.URL)
	rec := p.do(http.MethodPost, "/v1beta/models/gemini-pro:generateContent", `{not json`, nil)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if called.Load() {
		t.Error("upstream should not be called")
	}
}

func TestHandle_EmptyBodyForwardedWithoutBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if len(body) != 0 {
			t.Errorf("body = %q, want empty", body)
		}
		if r.Header.Get("Content-Type") != "" {
			t.Errorf("Content-Type = %q, want none", r.Header.Get("Content-Type"))
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	p := newTestProxy(t, upstream.URL)
	if rec := p.do(http.MethodPost, "/v1beta/models/gemini-pro:countTokens", "", nil); rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}

	for name, doc := range p.captures(t) {
		if strings.HasSuffix(name, "-request.json") && doc["body"] != nil {
			t.Errorf("request body = %v, want null", doc["body"])
		}
	}
}

func TestHandle_UpstreamUnreachable(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	addr := upstream.URL
	upstream.Close()

	p := newTestProxy(t, addr)
	rec := p.do(http.MethodPost, "/v1beta/models/gemini-pro:generateContent", `{}`, nil)

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("body = %q, want empty", rec.Body.String())
	}

	docs := p.captures(t)
	if len(docs) != 2 {
		t.Fatalf("captured %d documents, want 2", len(docs))
	}
	for name, doc := range docs {
		if strings.HasSuffix(name, "-response.json") && doc["statusCode"] != float64(502) {
			t.Errorf("statusCode = %v", doc["statusCode"])
		}
	}
}
