package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/gray-logic-pool/internal/audit"
	"github.com/nerrad567/gray-logic-pool/internal/auth"
	"github.com/nerrad567/gray-logic-pool/internal/bridges/pool"
	"github.com/nerrad567/gray-logic-pool/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-pool/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-pool/internal/infrastructure/metrics"
	"github.com/nerrad567/gray-logic-pool/internal/ratelimit"
)

const (
	testSecret = "test-secret-key-at-least-32-characters-long"
	testIssuer = "graylogic-core"
)

// fakeController is an httptest pool controller.
type fakeController struct {
	mu            sync.Mutex
	readings      string
	commandStatus int
	commands      []url.Values
}

func (c *fakeController) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if r.URL.Path == "/getReadings" {
		_, _ = w.Write([]byte(c.readings)) //nolint:errcheck // test server
		return
	}
	c.commands = append(c.commands, r.URL.Query())
	w.WriteHeader(c.commandStatus)
}

func (c *fakeController) setReadings(body string) {
	c.mu.Lock()
	c.readings = body
	c.mu.Unlock()
}

func (c *fakeController) setCommandStatus(status int) {
	c.mu.Lock()
	c.commandStatus = status
	c.mu.Unlock()
}

func (c *fakeController) commandCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.commands)
}

// mockAudit records the last filter and returns a canned result.
type mockAudit struct {
	mu     sync.Mutex
	filter audit.Filter
	result *audit.ListResult
	err    error
}

func (m *mockAudit) List(_ context.Context, f audit.Filter) (*audit.ListResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filter = f
	if m.err != nil {
		return nil, m.err
	}
	if m.result != nil {
		return m.result, nil
	}
	return &audit.ListResult{Records: []audit.CommandRecord{}, Limit: 50}, nil
}

func (m *mockAudit) lastFilter() audit.Filter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filter
}

type fakeMQTT struct{ connected bool }

func (f fakeMQTT) IsConnected() bool { return f.connected }

type testEnv struct {
	srv        *Server
	orch       *pool.Orchestrator
	controller *fakeController
	audit      *mockAudit
	registry   *prometheus.Registry
}

func testOrchestrator(t *testing.T, baseURL string) *pool.Orchestrator {
	t.Helper()

	client := pool.DefaultClientConfig()
	client.BaseURL = baseURL
	client.Timeout = 2 * time.Second
	client.MaxRetries = 0
	client.RetryBaseDelay = 10 * time.Millisecond
	client.RetryMaxDelay = 20 * time.Millisecond

	o, err := pool.NewOrchestrator(pool.OrchestratorConfig{
		DeviceID:     "pool-main",
		PollInterval: time.Second,
		Client:       client,
		RateLimit:    ratelimit.Config{Capacity: 100, RefillRate: 50, MaxInFlight: 4, MaxWait: time.Second},
		Recovery:     pool.RecoveryConfig{FailureThreshold: 3, BackoffMin: time.Second, BackoffMax: 4 * time.Second, LogEvery: 10},
		Commands:     pool.DefaultCommandPaths(),
	}, nil, nil)
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}
	t.Cleanup(o.Close)
	return o
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	controller := &fakeController{
		readings:      `{"WATER_TEMP": "27.5", "PUMP_STATE": "3|PUMP_ANTI_FREEZE"}`,
		commandStatus: http.StatusOK,
	}
	device := httptest.NewServer(controller)
	t.Cleanup(device.Close)

	orch := testOrchestrator(t, device.URL)
	reg := prometheus.NewRegistry()
	mock := &mockAudit{}

	log := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
	srv, err := New(Deps{
		Config: config.APIConfig{
			Host:     "127.0.0.1",
			Port:     0,
			Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5},
		},
		WS: config.WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10},
		Security: config.SecurityConfig{
			JWT: config.JWTConfig{Secret: testSecret, Issuer: testIssuer},
		},
		Logger:   log,
		Device:   orch,
		Audit:    mock,
		MQTT:     fakeMQTT{connected: true},
		Metrics:  metrics.New(reg),
		Gatherer: reg,
		Version:  "test",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	return &testEnv{srv: srv, orch: orch, controller: controller, audit: mock, registry: reg}
}

func tokenFor(t *testing.T, role auth.Role) string {
	t.Helper()
	tok, err := auth.GenerateAccessToken("usr-"+string(role), role, testSecret, testIssuer, time.Minute)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}
	return tok
}

// do runs a request through the router. token may be empty.
func (e *testEnv) do(t *testing.T, method, target, token, body string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}

func newRecorder() *httptest.ResponseRecorder {
	return httptest.NewRecorder()
}

func commandResult(status string, err error) pool.CommandResult {
	return pool.CommandResult{Status: pool.CommandStatus(status), Err: err}
}
