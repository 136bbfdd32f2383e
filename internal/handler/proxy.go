package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"gemini-interceptor/internal/header"
	"gemini-interceptor/internal/model"
	"gemini-interceptor/internal/service"
)

// ModelsPrefix is the path prefix of every proxied call.
const ModelsPrefix = "/v1beta/models/"

// ProxyHandler dispatches Gemini model calls to the unary or streaming path.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// ParseTarget splits "/v1beta/models/{model}:{action}" at the last ':'.
// Both parts must be non-empty. The model may span several path segments
// ("tunedModels/x"); the action is a single segment.
func ParseTarget(path string) (modelID, action string, ok bool) {
	target, found := strings.CutPrefix(path, ModelsPrefix)
	if !found {
		return "", "", false
	}
	i := strings.LastIndexByte(target, ':')
	if i <= 0 || i == len(target)-1 {
		return "", "", false
	}
	modelID, action = target[:i], target[i+1:]
	if strings.HasPrefix(modelID, "/") || strings.Contains(action, "/") {
		return "", "", false
	}
	return modelID, action, true
}

// Handle relays the call: streamGenerateContent goes through the streaming
// path, every other action through the unary path.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	modelID, action, ok := ParseTarget(req.URL.Path)
	if !ok {
		return echo.ErrNotFound
	}

	body, err := readBody(req)
	if err != nil {
		return err
	}

	pr := &model.ProxyRequest{
		Ctx:       req.Context(),
		RequestID: c.Response().Header().Get(echo.HeaderXRequestID),
		Method:    req.Method,
		URL:       inboundURL(c),
		Model:     modelID,
		Action:    action,
		Query:     model.ParseQuery(req.URL.RawQuery),
		Header:    inboundHeaders(req),
		Body:      body,
	}

	if pr.Streaming() {
		err = h.service.Stream(pr, c.Response())
	} else {
		err = h.service.Unary(pr, c.Response())
	}
	if err != nil {
		return h.mapError(c, err)
	}
	return nil
}

// mapError answers a transport failure with a bare status. Nothing is sent
// when the response has already started.
func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	if c.Response().Committed {
		h.logger.Warn("upstream failure after response started",
			"path", c.Request().URL.Path,
		)
		return nil
	}
	return c.NoContent(service.UpstreamStatus(err))
}

func readBody(req *http.Request) (json.RawMessage, error) {
	data, err := io.ReadAll(req.Body)
	if err != nil {
		// BodyLimit reports oversize bodies through the reader.
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return nil, he
		}
		return nil, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("read request body: %v", err))
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	if !json.Valid(data) {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "request body is not valid JSON")
	}
	return json.RawMessage(data), nil
}

func inboundURL(c echo.Context) string {
	req := c.Request()
	uri := req.RequestURI
	if uri == "" {
		uri = req.URL.RequestURI()
	}
	return c.Scheme() + "://" + req.Host + uri
}

// inboundHeaders returns every inbound header, Host included.
func inboundHeaders(req *http.Request) *header.Collection {
	h := req.Header.Clone()
	if h == nil {
		h = http.Header{}
	}
	if req.Host != "" {
		h["Host"] = []string{req.Host}
	}
	return header.FromHTTP(h)
}
