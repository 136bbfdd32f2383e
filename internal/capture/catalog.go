package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Exchange summarizes one captured request/response pair.
type Exchange struct {
	Key         Key
	Method      string
	URL         string
	HasRequest  bool
	HasResponse bool
	StatusCode  int
	BodyKind    string
	Error       string
}

// Target returns the "{model}:{action}" part of the request URL, or the raw
// URL when it does not have the expected shape.
func (e Exchange) Target() string {
	u, err := url.Parse(e.URL)
	if err != nil {
		return e.URL
	}
	if t, ok := strings.CutPrefix(u.Path, "/v1beta/models/"); ok {
		return t
	}
	return u.Path
}

// Catalog reads every document in sink and pairs them by key, oldest first.
// Documents that fail to parse are reported by kind "unreadable" rather than
// aborting the scan.
func Catalog(ctx context.Context, sink Sink) ([]Exchange, error) {
	byKey := make(map[Key]*Exchange)
	get := func(k Key) *Exchange {
		e, ok := byKey[k]
		if !ok {
			e = &Exchange{Key: k}
			byKey[k] = e
		}
		return e
	}

	err := sink.Scan(ctx, func(key Key, role Role, doc []byte) error {
		e := get(key)
		switch role {
		case RoleRequest:
			e.HasRequest = true
			var req struct {
				Method string `json:"method"`
				URL    string `json:"url"`
			}
			if err := json.Unmarshal(doc, &req); err == nil {
				e.Method, e.URL = req.Method, req.URL
			}
		case RoleResponse:
			e.HasResponse = true
			var resp struct {
				StatusCode int             `json:"statusCode"`
				Body       json.RawMessage `json:"body"`
				Error      string          `json:"error"`
			}
			if err := json.Unmarshal(doc, &resp); err != nil {
				e.BodyKind = "unreadable"
				return nil
			}
			e.StatusCode, e.Error = resp.StatusCode, resp.Error
			e.BodyKind = bodyKind(resp.Body)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan captures: %w", err)
	}

	out := make([]Exchange, 0, len(byKey))
	for _, e := range byKey {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Less(out[j].Key) })
	return out, nil
}

func bodyKind(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "none"
	}
	switch raw[0] {
	case '"':
		return "text"
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return "json"
		}
		return fmt.Sprintf("json[%d]", len(items))
	default:
		return "json"
	}
}
