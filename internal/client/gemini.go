// Package client provides the upstream HTTP client for the Gemini API.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"gemini-interceptor/internal/config"
	"gemini-interceptor/internal/metrics"
	"gemini-interceptor/internal/model"
)

// Modes used as metric labels.
const (
	modeUnary  = "unary"
	modeStream = "stream"
)

// GeminiClient sends requests to the upstream Gemini API.
type GeminiClient struct {
	httpClient   *http.Client
	streamClient *http.Client
	logger       *slog.Logger
	metrics      *metrics.Metrics
}

// NewGeminiClient creates a GeminiClient with connection pooling and timeouts.
// Unary calls are bounded by upstream.timeout_seconds end to end. Streaming
// calls only bound the wait for response headers so long generations are not
// cut off mid-stream. The metrics parameter is optional; pass nil to disable
// upstream metrics recording.
func NewGeminiClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *GeminiClient {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	streamTransport := transport.Clone()
	streamTransport.ResponseHeaderTimeout = time.Duration(cfg.Upstream.StreamHeaderTimeoutSeconds) * time.Second

	return &GeminiClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		},
		streamClient: &http.Client{Transport: streamTransport},
		logger:       logger.With("component", "gemini_client"),
		metrics:      m,
	}
}

// Do issues a unary call and buffers the whole (decoded) response body.
// Non-2xx responses are returned like any other; only transport failures
// produce an error.
func (c *GeminiClient) Do(ctx context.Context, method, url string, header http.Header, body []byte) (*model.UnaryResponse, error) {
	req, err := newRequest(ctx, method, url, header, body)
	if err != nil {
		return nil, err
	}

	resp, err := c.send(c.httpClient, modeUnary, req) //nolint:bodyclose // closed below via rc
	if err != nil {
		return nil, err
	}

	rc, decoded, err := decodeBody(resp.Body, resp.Header.Get("Content-Encoding"))
	if err != nil {
		_ = resp.Body.Close()
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}

	out := &model.UnaryResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}
	if !decoded {
		out.ContentEncoding = resp.Header.Get("Content-Encoding")
		c.logger.Warn("relaying body with unsupported content encoding", "encoding", out.ContentEncoding)
	}
	return out, nil
}

// DoStream issues a streaming call and returns as soon as response headers
// arrive. The body is decoded on the fly; the caller must close it.
// The provided context controls the lifetime of the upstream request:
// when the context is canceled (e.g. client disconnects), the upstream
// request is also canceled.
func (c *GeminiClient) DoStream(ctx context.Context, method, url string, header http.Header, body []byte) (*model.ProxyResponse, error) {
	req, err := newRequest(ctx, method, url, header, body)
	if err != nil {
		return nil, err
	}

	resp, err := c.send(c.streamClient, modeStream, req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	if err != nil {
		return nil, err
	}

	rc, decoded, err := decodeBody(resp.Body, resp.Header.Get("Content-Encoding"))
	if err != nil {
		_ = resp.Body.Close()
		return nil, err
	}

	out := &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       rc,
	}
	if !decoded {
		out.ContentEncoding = resp.Header.Get("Content-Encoding")
		c.logger.Warn("relaying stream with unsupported content encoding", "encoding", out.ContentEncoding)
	}
	return out, nil
}

func (c *GeminiClient) send(hc *http.Client, mode string, req *http.Request) (*http.Response, error) {
	c.logger.Debug("upstream request",
		"mode", mode,
		"method", req.Method,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := hc.Do(req)
	duration := time.Since(start).Seconds()

	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(mode).Observe(duration)
	}
	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	if c.metrics != nil {
		c.metrics.UpstreamResponses.WithLabelValues(mode, strconv.Itoa(resp.StatusCode)).Inc()
	}
	return resp, nil
}

func newRequest(ctx context.Context, method, url string, header http.Header, body []byte) (*http.Request, error) {
	var r io.Reader = http.NoBody
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, r)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	if header != nil {
		req.Header = header
	}
	return req, nil
}
