package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/budpipeline/internal/store"
	"github.com/rendis/budpipeline/internal/streaming"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	t.Chdir(t.TempDir())
	cfg, err := loadConfig("")
	require.NoError(t, err)
	cfg.Database.Path = "file:" + filepath.Join(t.TempDir(), "app.db")
	return cfg
}

func TestBuildAppServesAPI(t *testing.T) {
	cfg := testConfig(t)
	a, err := buildApp(context.Background(), cfg, newLogger(io.Discard, cfg), "test", true)
	require.NoError(t, err)
	t.Cleanup(a.close)

	require.NoError(t, a.recoverState(context.Background()))
	require.NotNil(t, a.scheduler)

	h := a.apiServer().Handler()
	for _, path := range []string{"/healthz", "/api/v1/actions", "/metrics"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestBuildAppRedisPublisher(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.PubSub.Type = "redis"
	cfg.PubSub.RedisAddr = mr.Addr()

	a, err := buildApp(context.Background(), cfg, newLogger(io.Discard, cfg), "test", false)
	require.NoError(t, err)
	a.close()
}

func TestBuildAppRedisUnreachable(t *testing.T) {
	cfg := testConfig(t)
	cfg.PubSub.Type = "redis"
	cfg.PubSub.RedisAddr = "127.0.0.1:1"

	_, err := buildApp(context.Background(), cfg, newLogger(io.Discard, cfg), "test", false)
	assert.ErrorContains(t, err, "redis publisher")
}

func TestBuildAppPublisherTypes(t *testing.T) {
	cfg := testConfig(t)
	a := &app{cfg: cfg, logger: newLogger(io.Discard, cfg)}

	cfg.PubSub.Type = "none"
	pub, err := a.newPublisher(context.Background())
	require.NoError(t, err)
	assert.Nil(t, pub)

	cfg.PubSub.Type = "dapr"
	pub, err = a.newPublisher(context.Background())
	require.NoError(t, err)
	assert.IsType(t, &streaming.DaprPublisher{}, pub)

	cfg.PubSub.Type = "memory"
	pub, err = a.newPublisher(context.Background())
	require.NoError(t, err)
	assert.IsType(t, &streaming.MemoryHub{}, pub)
}

func TestMCPForwarderBeforeBind(t *testing.T) {
	f := &mcpForwarder{}
	assert.Equal(t, 0, f.Notify(context.Background(), &store.ProgressEvent{ExecutionID: "e1"}))
}
