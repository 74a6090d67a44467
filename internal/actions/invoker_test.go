package actions

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDaprInvoker_Invoke(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1.0/invoke/budcluster/method/cluster/c1/health", r.URL.Path)
		assert.Equal(t, http.MethodGet, r.Method)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "healthy"})
	}))
	defer srv.Close()

	inv := NewDaprInvoker(InvokerConfig{BaseURL: srv.URL}, nil)
	resp, err := inv.Invoke(context.Background(), InvokeRequest{
		AppID: "budcluster", Method: "/cluster/c1/health", HTTPMethod: http.MethodGet,
	})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "healthy", resp.BodyMap()["status"])
}

func TestDaprInvoker_CircuitBreakerTrips(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	inv := NewDaprInvoker(InvokerConfig{
		BaseURL:             srv.URL,
		ConsecutiveFailures: 2,
		OpenTimeout:         time.Minute,
	}, nil)
	ctx := context.Background()
	req := InvokeRequest{AppID: "flaky", Method: "jobs"}

	for i := 0; i < 2; i++ {
		resp, err := inv.Invoke(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	}
	assert.Equal(t, gobreaker.StateOpen, inv.BreakerState("flaky"))

	_, err := inv.Invoke(ctx, req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit breaker open")
	assert.Equal(t, int32(2), calls.Load())

	// other apps are unaffected
	assert.Equal(t, gobreaker.StateClosed, inv.BreakerState("other"))
}

func TestDaprInvoker_RequiresAppAndMethod(t *testing.T) {
	inv := NewDaprInvoker(InvokerConfig{}, nil)
	_, err := inv.Invoke(context.Background(), InvokeRequest{AppID: "x"})
	assert.Error(t, err)
}
