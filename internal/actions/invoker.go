package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/rendis/budpipeline/pkg/schema"
)

// ServiceInvoker calls methods on platform services by application id.
type ServiceInvoker interface {
	Invoke(ctx context.Context, req InvokeRequest) (*InvokeResponse, error)
}

// InvokeRequest is one service invocation.
type InvokeRequest struct {
	AppID      string
	Method     string
	HTTPMethod string
	Body       any
	Headers    map[string]string
}

// InvokeResponse is the decoded reply. Body is parsed JSON when possible.
type InvokeResponse struct {
	StatusCode int
	Body       any
}

// BodyMap returns the body as an object, or nil.
func (r *InvokeResponse) BodyMap() map[string]any {
	m, _ := r.Body.(map[string]any)
	return m
}

// InvokerConfig configures the Dapr invoker and its circuit breakers.
type InvokerConfig struct {
	BaseURL string
	Timeout time.Duration
	// ConsecutiveFailures trips an app's breaker.
	ConsecutiveFailures uint32
	// OpenTimeout is how long a tripped breaker rejects calls.
	OpenTimeout time.Duration
	// HalfOpenRequests is the number of trial calls after OpenTimeout.
	HalfOpenRequests uint32
}

func (c *InvokerConfig) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "http://localhost:3500"
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.ConsecutiveFailures == 0 {
		c.ConsecutiveFailures = 5
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	if c.HalfOpenRequests == 0 {
		c.HalfOpenRequests = 1
	}
}

// DaprInvoker invokes services through a Dapr sidecar:
// {base}/v1.0/invoke/{app_id}/method/{method}. Each app id has its own
// circuit breaker; 5xx replies and transport errors count as failures.
type DaprInvoker struct {
	cfg    InvokerConfig
	client *http.Client
	logger *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewDaprInvoker creates a DaprInvoker.
func NewDaprInvoker(cfg InvokerConfig, logger *slog.Logger) *DaprInvoker {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &DaprInvoker{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Invoke performs the call through the app's circuit breaker.
func (d *DaprInvoker) Invoke(ctx context.Context, req InvokeRequest) (*InvokeResponse, error) {
	if req.AppID == "" || req.Method == "" {
		return nil, schema.NewError(schema.ErrCodeActionValidation, "service invocation requires app_id and method")
	}
	cb := d.breaker(req.AppID)

	out, err := cb.Execute(func() (interface{}, error) {
		return d.do(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, schema.NewErrorf(schema.ErrCodeStepExecution,
				"service %s unavailable: circuit breaker open", req.AppID).WithCause(err)
		}
		var se *serverError
		if errors.As(err, &se) {
			return se.resp, nil
		}
		return nil, err
	}
	return out.(*InvokeResponse), nil
}

// BreakerState reports the breaker state for an app id.
func (d *DaprInvoker) BreakerState(appID string) gobreaker.State {
	return d.breaker(appID).State()
}

// serverError carries a 5xx reply through the breaker as a failure while
// still handing the response to the caller.
type serverError struct {
	resp *InvokeResponse
}

func (e *serverError) Error() string {
	return fmt.Sprintf("server returned %d", e.resp.StatusCode)
}

func (d *DaprInvoker) do(ctx context.Context, req InvokeRequest) (*InvokeResponse, error) {
	method := req.HTTPMethod
	if method == "" {
		method = http.MethodPost
	}
	endpoint := fmt.Sprintf("%s/v1.0/invoke/%s/method/%s",
		strings.TrimRight(d.cfg.BaseURL, "/"), req.AppID, strings.TrimLeft(req.Method, "/"))

	var body io.Reader
	if req.Body != nil && method != http.MethodGet {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeActionValidation, "encode invocation body").WithCause(err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), endpoint, body)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "build invocation request: %v", err).WithCause(err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "invoke %s/%s: %v", req.AppID, req.Method, err).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, defaultMaxResponseBody))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "read invocation response: %v", err).WithCause(err)
	}
	out := &InvokeResponse{StatusCode: resp.StatusCode, Body: decodeBody(raw)}
	if resp.StatusCode >= 500 {
		return nil, &serverError{resp: out}
	}
	return out, nil
}

func (d *DaprInvoker) breaker(appID string) *gobreaker.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()

	if cb, ok := d.breakers[appID]; ok {
		return cb
	}
	threshold := d.cfg.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        appID,
		MaxRequests: d.cfg.HalfOpenRequests,
		Timeout:     d.cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.logger.Warn("service circuit breaker state change",
				slog.String("app_id", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	d.breakers[appID] = cb
	return cb
}

func decodeBody(raw []byte) any {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err == nil {
		return v
	}
	return string(raw)
}

var _ ServiceInvoker = (*DaprInvoker)(nil)
