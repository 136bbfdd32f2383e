// Package capture records proxied request/response pairs to a durable sink.
//
// Every exchange produces two JSON documents under one correlation key: the
// request snapshot, written before the call goes upstream, and the response
// snapshot, written once the upstream response has been fully relayed.
package capture

import (
	"bytes"
	"encoding/json"
	"strings"

	"gemini-interceptor/internal/header"
)

// Role tags the half of an exchange a document describes.
type Role string

const (
	RoleRequest  Role = "request"
	RoleResponse Role = "response"
)

// RequestSnapshot is the captured inbound request.
type RequestSnapshot struct {
	Method  string             `json:"method"`
	URL     string             `json:"url"`
	Headers *header.Collection `json:"headers"`
	Body    json.RawMessage    `json:"body"` // null when the request had no body
}

// ResponseSnapshot is the captured upstream response. Body holds a
// json.RawMessage, a []json.RawMessage of stream events, or a string.
type ResponseSnapshot struct {
	StatusCode int                `json:"statusCode"`
	Headers    *header.Collection `json:"headers"`
	Body       any                `json:"body"`
	Error      string             `json:"error,omitempty"`
}

// DecodeBody returns data as raw JSON when it is a valid JSON document and as
// UTF-8 text otherwise. Invalid UTF-8 sequences are replaced.
func DecodeBody(data []byte) any {
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	return strings.ToValidUTF8(string(data), "�")
}
