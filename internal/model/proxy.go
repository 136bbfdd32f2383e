// Package model defines shared types for the proxy.
package model

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"gemini-interceptor/internal/header"
)

// StreamAction is the only action relayed incrementally.
const StreamAction = "streamGenerateContent"

// QueryParam is one key=value pair of the inbound query string, kept exactly
// as it was received (no decoding, no re-encoding).
type QueryParam struct {
	Key   string
	Value string
}

// ProxyRequest represents a client request to be forwarded upstream.
type ProxyRequest struct {
	Ctx       context.Context
	RequestID string
	Method    string
	URL       string // full inbound URL, query included
	Model     string
	Action    string
	Query     []QueryParam
	Header    *header.Collection
	Body      json.RawMessage // nil when the request had no body
}

// Streaming reports whether the request targets the streaming action.
func (r *ProxyRequest) Streaming() bool {
	return r.Action == StreamAction
}

// ProxyResponse is an upstream response whose body is read incrementally.
// ContentEncoding is set when the body could not be decoded and is still
// compressed with that encoding.
type ProxyResponse struct {
	StatusCode      int
	Header          http.Header
	Body            io.ReadCloser
	ContentEncoding string
}

// UnaryResponse is a fully buffered upstream response.
type UnaryResponse struct {
	StatusCode      int
	Header          http.Header
	Body            []byte
	ContentEncoding string
}

// ParseQuery splits a raw query string into ordered pairs. Empty segments are
// skipped; a segment without '=' yields an empty value.
func ParseQuery(raw string) []QueryParam {
	if raw == "" {
		return nil
	}
	var params []QueryParam
	for _, seg := range strings.Split(raw, "&") {
		if seg == "" {
			continue
		}
		k, v, _ := strings.Cut(seg, "=")
		params = append(params, QueryParam{Key: k, Value: v})
	}
	return params
}

// EncodeQuery joins params as key=value pairs separated by '&', in order and
// without escaping.
func EncodeQuery(params []QueryParam) string {
	var b strings.Builder
	for i, p := range params {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(p.Key)
		b.WriteByte('=')
		b.WriteString(p.Value)
	}
	return b.String()
}
