package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPConfig configures the HTTP actions.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
	// AllowPrivate disables SSRF address checks.
	AllowPrivate bool
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

func (c *HTTPConfig) applyDefaults() {
	if c.MaxResponseBody <= 0 {
		c.MaxResponseBody = defaultMaxResponseBody
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = defaultHTTPTimeout
	}
}

const httpRequestParamsSchema = `{
  "type": "object",
  "properties": {
    "url": {"type": "string"},
    "method": {"type": "string", "enum": ["GET","POST","PUT","PATCH","DELETE","HEAD","get","post","put","patch","delete","head"]},
    "headers": {"type": "object"},
    "body": {},
    "timeout_seconds": {"type": "number", "exclusiveMinimum": 0}
  },
  "required": ["url"]
}`

const webhookParamsSchema = `{
  "type": "object",
  "properties": {
    "url": {"type": "string"},
    "payload": {},
    "headers": {"type": "object"},
    "timeout_seconds": {"type": "number", "exclusiveMinimum": 0}
  },
  "required": ["url"]
}`

// --- http_request ---

// HTTPRequestAction performs an SSRF-protected HTTP call.
type HTTPRequestAction struct {
	config HTTPConfig
	guard  *SSRFGuard
}

// NewHTTPRequestAction creates the http_request action.
func NewHTTPRequestAction(cfg HTTPConfig) *HTTPRequestAction {
	cfg.applyDefaults()
	return &HTTPRequestAction{config: cfg, guard: &SSRFGuard{AllowPrivate: cfg.AllowPrivate}}
}

func (a *HTTPRequestAction) Name() string { return "http_request" }

func (a *HTTPRequestAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Execute an HTTP request. Status codes of 400 and above fail the step.",
		Mode:        ModeSync,
		Params:      json.RawMessage(httpRequestParamsSchema),
		Outputs:     []string{"status_code", "body", "headers"},
	}
}

func (a *HTTPRequestAction) ValidateParams(params map[string]any) []string {
	return requireString(params, "url")
}

func (a *HTTPRequestAction) Execute(ctx context.Context, ac *Context) (*Result, error) {
	p := ac.Params
	method := strings.ToUpper(stringParam(p, "method", http.MethodGet))
	resp, err := doRequest(ctx, a.guard, a.config, method, stringParam(p, "url", ""),
		mapParam(p, "headers"), p["body"], timeoutParam(p, a.config.DefaultTimeout))
	if err != nil {
		return nil, err
	}

	outputs := map[string]any{
		"status_code": resp.status,
		"body":        resp.body,
		"headers":     resp.headers,
	}
	if resp.status >= 400 {
		return Failed(fmt.Sprintf("HTTP %d from %s %s", resp.status, method, stringParam(p, "url", "")), outputs), nil
	}
	return Succeeded(outputs), nil
}

// --- webhook ---

// WebhookAction posts a JSON payload to an SSRF-checked URL.
type WebhookAction struct {
	config HTTPConfig
	guard  *SSRFGuard
}

// NewWebhookAction creates the webhook action.
func NewWebhookAction(cfg HTTPConfig) *WebhookAction {
	cfg.applyDefaults()
	return &WebhookAction{config: cfg, guard: &SSRFGuard{AllowPrivate: cfg.AllowPrivate}}
}

func (a *WebhookAction) Name() string { return "webhook" }

func (a *WebhookAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "POST a JSON payload to a webhook URL.",
		Mode:        ModeSync,
		Params:      json.RawMessage(webhookParamsSchema),
		Outputs:     []string{"status_code", "delivered"},
	}
}

func (a *WebhookAction) ValidateParams(params map[string]any) []string {
	return requireString(params, "url")
}

func (a *WebhookAction) Execute(ctx context.Context, ac *Context) (*Result, error) {
	p := ac.Params
	payload := p["payload"]
	if payload == nil {
		payload = map[string]any{}
	}
	resp, err := doRequest(ctx, a.guard, a.config, http.MethodPost, stringParam(p, "url", ""),
		mapParam(p, "headers"), payload, timeoutParam(p, a.config.DefaultTimeout))
	if err != nil {
		return nil, err
	}
	delivered := resp.status < 400
	outputs := map[string]any{"status_code": resp.status, "delivered": delivered}
	if !delivered {
		return Failed(fmt.Sprintf("webhook returned HTTP %d", resp.status), outputs), nil
	}
	return Succeeded(outputs), nil
}

// --- shared ---

type httpResponse struct {
	status  int
	body    any
	headers map[string]any
}

func doRequest(ctx context.Context, guard *SSRFGuard, cfg HTTPConfig, method, rawURL string, headers map[string]any, body any, timeout time.Duration) (*httpResponse, error) {
	if err := guard.CheckURL(ctx, rawURL); err != nil {
		return nil, err
	}

	var reader io.Reader
	contentType := ""
	if body != nil && method != http.MethodGet && method != http.MethodHead {
		switch b := body.(type) {
		case string:
			reader = strings.NewReader(b)
			contentType = "text/plain"
		default:
			data, err := json.Marshal(b)
			if err != nil {
				return nil, fmt.Errorf("encode request body: %w", err)
			}
			reader = bytes.NewReader(data)
			contentType = "application/json"
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range headers {
		req.Header.Set(k, fmt.Sprint(v))
	}

	resp, err := guard.Client(timeout).Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, rawURL, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, cfg.MaxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	var parsed any
	if len(raw) > 0 {
		parsed = string(raw)
		if strings.Contains(resp.Header.Get("Content-Type"), "json") {
			var v any
			if err := json.Unmarshal(raw, &v); err == nil {
				parsed = v
			}
		}
	}

	hdrs := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		hdrs[k] = resp.Header.Get(k)
	}
	return &httpResponse{status: resp.StatusCode, body: parsed, headers: hdrs}, nil
}

func timeoutParam(p map[string]any, def time.Duration) time.Duration {
	if f, ok := toFloat(p["timeout_seconds"]); ok && f > 0 {
		return time.Duration(f * float64(time.Second))
	}
	return def
}
