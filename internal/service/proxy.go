// Package service implements the forwarding and capture pipeline.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"gemini-interceptor/internal/capture"
	"gemini-interceptor/internal/client"
	"gemini-interceptor/internal/config"
	"gemini-interceptor/internal/header"
	"gemini-interceptor/internal/metrics"
	"gemini-interceptor/internal/model"
)

const modelsPath = "/v1beta/models/"

var apiKeyParam = regexp.MustCompile(`(?i)([?&]key=)[^&\s"]+`)

// ProxyService forwards requests upstream, relays the responses to the caller
// and records both halves of every exchange.
type ProxyService struct {
	client   *client.GeminiClient
	recorder *capture.Recorder
	logger   *slog.Logger
	metrics  *metrics.Metrics
	baseURL  string
	allow    []string
}

// NewProxyService creates a ProxyService. The metrics parameter is optional.
func NewProxyService(c *client.GeminiClient, rec *capture.Recorder, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*ProxyService, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("upstream base_url %q has no host", cfg.Upstream.BaseURL)
	}

	allow := cfg.Upstream.ForwardHeaders
	if len(allow) == 0 {
		allow = config.DefaultForwardHeaders
	}

	return &ProxyService{
		client:   c,
		recorder: rec,
		logger:   logger.With("component", "proxy_service"),
		metrics:  m,
		baseURL:  strings.TrimRight(u.Scheme+"://"+u.Host+u.Path, "/"),
		allow:    allow,
	}, nil
}

// Unary forwards pr, waits for the complete upstream response and writes it
// to w. A non-nil error means the upstream could not be reached and nothing
// has been written to w; the caller maps it with UpstreamStatus.
func (s *ProxyService) Unary(pr *model.ProxyRequest, w http.ResponseWriter) error {
	key := s.begin(pr)

	resp, err := s.client.Do(pr.Ctx, pr.Method, s.buildUpstreamURL(pr.Model, pr.Action, pr.Query),
		s.outboundHeaders(pr).HTTP(), outboundBody(pr))
	if err != nil {
		return s.fail(pr, key, err)
	}

	writeHead(w, resp.StatusCode, resp.Header, resp.ContentEncoding)
	if _, err := w.Write(resp.Body); err != nil {
		s.logger.Warn("write response to client failed",
			"request_id", pr.RequestID,
			"key", key.String(),
			"err", err,
		)
	}

	s.recorder.RecordResponse(pr.Ctx, key, &capture.ResponseSnapshot{
		StatusCode: resp.StatusCode,
		Headers:    header.FromHTTP(resp.Header),
		Body:       capture.DecodeBody(resp.Body),
	})
	return nil
}

// Stream forwards pr and relays the upstream body to w chunk by chunk while
// accumulating it for capture. Once headers have been relayed the exchange is
// always captured, even when the upstream or the caller drops mid-stream. The
// error contract matches Unary.
func (s *ProxyService) Stream(pr *model.ProxyRequest, w http.ResponseWriter) error {
	key := s.begin(pr)

	resp, err := s.client.DoStream(pr.Ctx, pr.Method, s.buildUpstreamURL(pr.Model, pr.Action, pr.Query),
		s.outboundHeaders(pr).HTTP(), outboundBody(pr))
	if err != nil {
		return s.fail(pr, key, err)
	}
	defer func() { _ = resp.Body.Close() }()

	writeHead(w, resp.StatusCode, resp.Header, resp.ContentEncoding)
	fw := newFlushWriter(w)
	fw.flush()

	var acc capture.Accumulator
	stats, relayErr := fanOut(resp.Body, &acc, fw)
	if s.metrics != nil {
		s.metrics.StreamChunks.Add(float64(stats.chunks))
		s.metrics.StreamBytes.Add(float64(stats.bytes))
	}

	snap := &capture.ResponseSnapshot{
		StatusCode: resp.StatusCode,
		Headers:    header.FromHTTP(resp.Header),
		Body:       capture.Reconstruct(acc.Text()),
	}
	if relayErr != nil {
		snap.Error = sanitizeError(relayErr)
		s.logger.Warn("stream interrupted",
			"request_id", pr.RequestID,
			"key", key.String(),
			"bytes", stats.bytes,
			"err", snap.Error,
		)
	} else {
		s.logger.Debug("stream complete",
			"request_id", pr.RequestID,
			"key", key.String(),
			"chunks", stats.chunks,
			"bytes", stats.bytes,
		)
	}
	s.recorder.RecordResponse(pr.Ctx, key, snap)
	return nil
}

// begin allocates the correlation key and writes the request snapshot.
func (s *ProxyService) begin(pr *model.ProxyRequest) capture.Key {
	key := s.recorder.Begin()

	s.logger.Debug("forwarding request",
		"request_id", pr.RequestID,
		"key", key.String(),
		"model", pr.Model,
		"action", pr.Action,
		"streaming", pr.Streaming(),
	)

	s.recorder.RecordRequest(pr.Ctx, key, &capture.RequestSnapshot{
		Method:  pr.Method,
		URL:     pr.URL,
		Headers: pr.Header,
		Body:    pr.Body,
	})
	return key
}

// fail records the synthetic response for a transport failure and returns the
// wrapped error.
func (s *ProxyService) fail(pr *model.ProxyRequest, key capture.Key, err error) error {
	msg := sanitizeError(err)
	s.logger.Error("upstream request failed",
		"request_id", pr.RequestID,
		"key", key.String(),
		"err", msg,
	)
	s.recorder.RecordResponse(pr.Ctx, key, &capture.ResponseSnapshot{
		StatusCode: UpstreamStatus(err),
		Headers:    header.New(),
		Body:       nil,
		Error:      msg,
	})
	return fmt.Errorf("forward to upstream: %w", err)
}

// UpstreamStatus maps a transport failure to the status returned to the
// caller: 504 for timeouts, 502 otherwise.
func UpstreamStatus(err error) int {
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

func (s *ProxyService) buildUpstreamURL(modelID, action string, query []model.QueryParam) string {
	u := s.baseURL + modelsPath + modelID + ":" + action
	if len(query) > 0 {
		u += "?" + model.EncodeQuery(query)
	}
	return u
}

func (s *ProxyService) outboundHeaders(pr *model.ProxyRequest) *header.Collection {
	out := header.Select(pr.Header, s.allow)
	if len(pr.Body) > 0 && !out.Has("Content-Type") {
		out.Add("Content-Type", "application/json")
	}
	return out
}

func outboundBody(pr *model.ProxyRequest) []byte {
	if len(pr.Body) == 0 {
		return nil
	}
	return pr.Body
}

// sanitizeError renders err with any key= query value redacted.
func sanitizeError(err error) string {
	return apiKeyParam.ReplaceAllString(err.Error(), "${1}REDACTED")
}
