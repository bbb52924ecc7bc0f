package api

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frostdev-ops/pma-realtime-go/internal/api/handlers"
	"github.com/frostdev-ops/pma-realtime-go/internal/api/middleware"
	"github.com/frostdev-ops/pma-realtime-go/internal/config"
	"github.com/frostdev-ops/pma-realtime-go/internal/core/metrics"
	"github.com/frostdev-ops/pma-realtime-go/internal/delivery"
	"github.com/frostdev-ops/pma-realtime-go/internal/websocket"
	"github.com/frostdev-ops/pma-realtime-go/pkg/logger"
)

type switchTransport struct {
	failing atomic.Bool
	sent    atomic.Int64
}

func (t *switchTransport) Send(context.Context, delivery.Target, string, delivery.Payload) error {
	if t.failing.Load() {
		return stderrors.New("transport down")
	}
	t.sent.Add(1)
	return nil
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Kind    string          `json:"kind"`
	Meta    json.RawMessage `json:"meta"`
}

type testServer struct {
	router    http.Handler
	svc       *delivery.Service
	transport *switchTransport
}

func newTestServer(t *testing.T, limiter *middleware.RateLimiter) *testServer {
	t.Helper()
	cfg := &config.Config{}
	cfg.Server.Mode = "test"
	cfg.Server.Port = 3001
	cfg.Metrics.Prefix = "api_test"

	transport := &switchTransport{}
	log := logger.Discard()
	svc, err := delivery.NewService(delivery.Options{InstanceID: "node-a"}, delivery.Dependencies{
		Transport: transport,
		Logger:    log,
	})
	require.NoError(t, err)

	health := metrics.NewHealthChecker()
	health.Register("engine", handlers.EngineHealthCheck(svc))

	router := NewRouter(RouterDeps{
		Config:  cfg,
		Service: svc,
		Hub:     websocket.NewHub(log),
		Metrics: metrics.NewPrometheusCollector(&metrics.MetricsConfig{Enabled: true, Prefix: "api_test"}),
		Health:  health,
		Limiter: limiter,
		Logger:  log,
	})
	return &testServer{router: router, svc: svc, transport: transport}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var env envelope
	if w.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	}
	return w, env
}

func TestQueueLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t, nil)

	w, env := s.do(t, "POST", "/api/v1/realtime/queues", map[string]interface{}{
		"name": "collab", "type": "realtime", "max_size": 2,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var queue delivery.MessageQueue
	require.NoError(t, json.Unmarshal(env.Data, &queue))
	assert.Equal(t, delivery.PriorityHigh, queue.Priority)
	assert.Equal(t, 2, queue.MaxSize)

	for i := 0; i < 2; i++ {
		w, _ = s.do(t, "POST", "/api/v1/realtime/messages", map[string]interface{}{
			"queue_id": queue.ID, "type": "form_collaboration", "payload": map[string]int{"n": i}, "priority": "medium",
		})
		require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	}

	w, env = s.do(t, "POST", "/api/v1/realtime/messages", map[string]interface{}{
		"queue_id": queue.ID, "type": "form_collaboration",
	})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "queue_full", env.Kind)

	w, env = s.do(t, "GET", "/api/v1/realtime/queues/"+queue.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var status delivery.QueueStatus
	require.NoError(t, json.Unmarshal(env.Data, &status))
	assert.Equal(t, 2, status.Queue.CurrentSize)
	assert.Len(t, status.PendingMessages, 2)

	s.svc.ProcessNow(context.Background())
	assert.Equal(t, int64(2), s.transport.sent.Load())

	w, env = s.do(t, "GET", "/api/v1/realtime/deliveries", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"count":2}`, string(env.Meta))
}

func TestQueueListingKeepsCreationOrder(t *testing.T) {
	s := newTestServer(t, nil)

	for _, q := range []map[string]string{
		{"name": "broadcast", "type": "broadcast"},
		{"name": "system", "type": "system"},
		{"name": "collab", "type": "realtime"},
	} {
		w, _ := s.do(t, "POST", "/api/v1/realtime/queues", q)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}

	w, env := s.do(t, "GET", "/api/v1/realtime/queues", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var queues []delivery.MessageQueue
	require.NoError(t, json.Unmarshal(env.Data, &queues))
	require.Len(t, queues, 3)
	assert.Equal(t, "broadcast", queues[0].Name)
	assert.Equal(t, "system", queues[1].Name)
	assert.Equal(t, "collab", queues[2].Name)
}

func TestValidationErrors(t *testing.T) {
	s := newTestServer(t, nil)

	w, env := s.do(t, "POST", "/api/v1/realtime/queues", map[string]interface{}{"name": "bad", "type": "carrier-pigeon"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_config", env.Kind)

	w, env = s.do(t, "POST", "/api/v1/realtime/messages", map[string]interface{}{"payload": 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "bad_request", env.Kind)

	w, env = s.do(t, "POST", "/api/v1/realtime/messages", map[string]interface{}{"type": "x", "priority": "urgent"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "bad_request", env.Kind)

	w, env = s.do(t, "POST", "/api/v1/realtime/messages", map[string]interface{}{"type": "x", "queue_id": "missing"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "queue_not_found", env.Kind)

	w, env = s.do(t, "POST", "/api/v1/realtime/messages", map[string]interface{}{"type": "x"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "no_available_queue", env.Kind)

	w, env = s.do(t, "GET", "/api/v1/realtime/pools/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "pool_not_found", env.Kind)

	w, _ = s.do(t, "GET", "/api/v1/realtime/nowhere", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPoolEndpoints(t *testing.T) {
	s := newTestServer(t, nil)

	w, env := s.do(t, "POST", "/api/v1/realtime/pools", map[string]interface{}{
		"name": "edge", "max_connections": 2, "idle_timeout_ms": 120000,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var pool delivery.ConnectionPool
	require.NoError(t, json.Unmarshal(env.Data, &pool))
	assert.Equal(t, 2, pool.MaxConnections)
	assert.True(t, pool.Active)

	require.NoError(t, s.svc.OnConnect(pool.ID, "c1"))

	w, env = s.do(t, "GET", "/api/v1/realtime/pools/"+pool.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(env.Data, &pool))
	assert.Equal(t, 1, pool.ActiveConnections)

	w, env = s.do(t, "POST", "/api/v1/realtime/pools/"+pool.ID+"/deactivate", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(env.Data, &pool))
	assert.False(t, pool.Active)

	w, env = s.do(t, "GET", "/api/v1/realtime/pools", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"count":1}`, string(env.Meta))
}

func TestDeadLetterEndpoints(t *testing.T) {
	s := newTestServer(t, nil)
	queue, err := s.svc.CreateQueue("system", delivery.QueueSystem, delivery.WithRetryAttempts(0))
	require.NoError(t, err)

	s.transport.failing.Store(true)
	id, err := s.svc.Enqueue(context.Background(), delivery.EnqueueRequest{QueueID: queue.ID, Type: "system_alert"})
	require.NoError(t, err)
	s.svc.ProcessNow(context.Background())

	w, env := s.do(t, "GET", "/api/v1/realtime/dead-letters", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var entries []delivery.DeadLetter
	require.NoError(t, json.Unmarshal(env.Data, &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].Message.ID)
	assert.NotEmpty(t, entries[0].Message.ErrorMessage)

	w, env = s.do(t, "GET", "/api/v1/realtime/dead-letters?scope=cluster", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(env.Data, &entries))
	assert.Len(t, entries, 1)

	s.transport.failing.Store(false)
	w, _ = s.do(t, "POST", "/api/v1/realtime/dead-letters/"+id+"/requeue", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	w, env = s.do(t, "POST", "/api/v1/realtime/dead-letters/"+id+"/requeue", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", env.Kind)

	s.svc.ProcessNow(context.Background())
	assert.Equal(t, int64(1), s.transport.sent.Load())
}

func TestMetricsAndOptimize(t *testing.T) {
	s := newTestServer(t, nil)
	_, err := s.svc.CreateQueue("notifications", delivery.QueueNotification)
	require.NoError(t, err)

	w, env := s.do(t, "GET", "/api/v1/realtime/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var report struct {
		Queues []delivery.MessageQueue `json:"queues"`
		Uptime string                  `json:"uptime"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &report))
	assert.Len(t, report.Queues, 1)
	assert.NotEmpty(t, report.Uptime)

	w, env = s.do(t, "POST", "/api/v1/realtime/optimize", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var opt delivery.OptimizationReport
	require.NoError(t, json.Unmarshal(env.Data, &opt))

	w, _ = s.do(t, "GET", "/api/v1/realtime/transport", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = s.do(t, "GET", "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `api_test_http_requests_total{method="GET",path="/api/v1/realtime/metrics",status="200"} 1`)
}

func TestHealthAndConfig(t *testing.T) {
	s := newTestServer(t, nil)

	// no queues yet, so the engine reports degraded but the endpoint stays up
	w, _ := s.do(t, "GET", "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var report metrics.HealthReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, metrics.StatusDegraded, report.Status)

	w, _ = s.do(t, "GET", "/api/v1/realtime/config", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/yaml")
	assert.Contains(t, w.Body.String(), "port: 3001")
}

func TestIngressRateLimit(t *testing.T) {
	s := newTestServer(t, middleware.NewRateLimiter(1, 1))

	w, _ := s.do(t, "GET", "/api/v1/realtime/queues", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = s.do(t, "GET", "/api/v1/realtime/queues", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// health is outside the limited group
	w, _ = s.do(t, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
