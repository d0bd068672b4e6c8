package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rendis/toolforge/internal/registry"
	"github.com/rendis/toolforge/internal/resilience"
	"github.com/rendis/toolforge/pkg/schema"
)

const httpInputSchema = `{
  "type": "object",
  "properties": {
    "body": {},
    "query": {"type": "object", "additionalProperties": {"type": ["string", "number", "boolean"]}},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}}
  },
  "additionalProperties": false
}`

const httpOutputSchema = `{
  "type": "object",
  "properties": {
    "status": {"type": "integer"},
    "body": {},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}}
  },
  "required": ["status", "headers"]
}`

var httpMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodDelete: true,
	http.MethodPatch:  true,
}

// HTTP calls a fixed endpoint. Callers supply the body, query parameters and
// extra headers; the endpoint, method, static headers and auth come from the
// tool definition.
type HTTP struct {
	endpoint    string
	method      string
	headers     map[string]string
	auth        *schema.AuthConfig
	description string
	client      *http.Client
	maxBody     int64
}

// HTTPOption configures an HTTP handler.
type HTTPOption func(*HTTP)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTP) { h.client = c }
}

// WithMaxResponseBody caps how many response bytes are read.
func WithMaxResponseBody(n int64) HTTPOption {
	return func(h *HTTP) { h.maxBody = n }
}

// NewHTTP builds the handler for an http tool definition.
func NewHTTP(def schema.ToolDefinition, opts ...HTTPOption) (*HTTP, error) {
	if def.Endpoint == "" {
		return nil, schema.NewValidationError("endpoint", "http tool requires an endpoint").WithTool(def.Name)
	}
	u, err := url.ParseRequestURI(def.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewValidationError("endpoint", fmt.Sprintf("invalid endpoint %q", def.Endpoint)).WithTool(def.Name)
	}
	method := strings.ToUpper(def.Method)
	if method == "" {
		method = http.MethodGet
	}
	if !httpMethods[method] {
		return nil, schema.NewValidationError("method", fmt.Sprintf("unsupported method %q", def.Method)).WithTool(def.Name)
	}
	if def.Auth != nil {
		if err := validateAuth(def.Auth); err != nil {
			return nil, err.WithTool(def.Name)
		}
	}

	h := &HTTP{
		endpoint:    def.Endpoint,
		method:      method,
		headers:     def.Headers,
		auth:        def.Auth,
		description: def.Description,
		client:      http.DefaultClient,
		maxBody:     defaultMaxOutput,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

func validateAuth(a *schema.AuthConfig) *schema.ForgeError {
	switch a.Type {
	case "bearer":
		if a.Token == "" {
			return schema.NewValidationError("auth.token", "bearer auth requires a token")
		}
	case "basic":
		if a.Username == "" {
			return schema.NewValidationError("auth.username", "basic auth requires a username")
		}
	case "apikey":
		if a.Key == "" || a.Header == "" {
			return schema.NewValidationError("auth", "apikey auth requires key and header")
		}
	default:
		return schema.NewValidationError("auth.type", fmt.Sprintf("unknown auth type %q", a.Type))
	}
	return nil
}

// Schema returns the fixed http contract.
func (h *HTTP) Schema() registry.Schema {
	return registry.Schema{
		InputSchema:  json.RawMessage(httpInputSchema),
		OutputSchema: json.RawMessage(httpOutputSchema),
		Description:  h.description,
	}
}

// Handle sends the request. A response with status 400 or above fails with a
// HANDLER_ERROR carrying the status and decoded body in its details, so the
// retry classifier can tell transient upstream failures from client errors.
func (h *HTTP) Handle(ctx context.Context, input any) (any, error) {
	params, err := objectInput(input)
	if err != nil {
		return nil, schema.NewValidationError("", err.Error())
	}

	target, err := url.Parse(h.endpoint)
	if err != nil {
		return nil, schema.NewHandlerError("parse endpoint").WithCause(err)
	}
	if query := stringMap(params, "query"); len(query) > 0 {
		q := target.Query()
		for k, v := range query {
			q.Set(k, v)
		}
		target.RawQuery = q.Encode()
	}

	var body io.Reader
	if raw, ok := params["body"]; ok && raw != nil {
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, schema.NewValidationError("body", "body is not JSON-serializable").WithCause(err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, h.method, target.String(), body)
	if err != nil {
		return nil, schema.NewHandlerError("build request").WithCause(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}
	for k, v := range stringMap(params, "headers") {
		req.Header.Set(k, v)
	}
	h.applyAuth(req)

	resp, err := h.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, resilience.ContextError(ctxErr)
		}
		var ue *url.Error
		if errors.As(err, &ue) && ue.Timeout() {
			return nil, schema.NewTimeoutError(fmt.Sprintf("%s %s: %v", h.method, h.endpoint, err)).WithCause(err)
		}
		return nil, schema.NewHandlerError(fmt.Sprintf("%s %s: request failed: %v", h.method, h.endpoint, err)).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBody))
	if err != nil {
		return nil, schema.NewHandlerError("read response body").WithCause(err)
	}

	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	out := map[string]any{
		"status":  resp.StatusCode,
		"body":    decodeBody(raw),
		"headers": headers,
	}

	if resp.StatusCode >= 400 {
		return nil, schema.NewHandlerError(fmt.Sprintf("%s %s: server returned %d", h.method, h.endpoint, resp.StatusCode)).
			WithDetails(map[string]any{"status": resp.StatusCode, "body": out["body"]})
	}
	return out, nil
}

func (h *HTTP) applyAuth(req *http.Request) {
	if h.auth == nil {
		return
	}
	switch h.auth.Type {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+h.auth.Token)
	case "basic":
		req.SetBasicAuth(h.auth.Username, h.auth.Password)
	case "apikey":
		req.Header.Set(h.auth.Header, h.auth.Key)
	}
}

var _ registry.Handler = (*HTTP)(nil)
