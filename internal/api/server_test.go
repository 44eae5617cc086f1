package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/device-monitor/internal/alert"
	"github.com/nerrad567/device-monitor/internal/auth"
	"github.com/nerrad567/device-monitor/internal/device"
	"github.com/nerrad567/device-monitor/internal/infrastructure/config"
	"github.com/nerrad567/device-monitor/internal/infrastructure/logging"
	"github.com/nerrad567/device-monitor/internal/infrastructure/metrics"
	"github.com/nerrad567/device-monitor/internal/state"
)

const testSecret = "test-secret-key-at-least-32-characters-long"

var baseTime = time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)

// testDeviceID is the registry id produced by the relay1 status topic.
const testDeviceID = "clockwork/pilotlight/relay1"

// mockPublisher records published commands.
type mockPublisher struct {
	mu        sync.Mutex
	connected bool
	err       error
	topics    []string
	payloads  [][]byte
}

func (m *mockPublisher) PublishCommand(topic string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.topics = append(m.topics, topic)
	m.payloads = append(m.payloads, payload)
	return nil
}

func (m *mockPublisher) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// mockSensors serves canned readings keyed by "deviceKey:sensor".
type mockSensors struct {
	readings map[string][]state.SensorReading
}

func (m *mockSensors) SensorReadings(deviceKey, sensor string) []state.SensorReading {
	return m.readings[deviceKey+":"+sensor]
}

// mockHistory records the last range query.
type mockHistory struct {
	mu       sync.Mutex
	deviceID string
	sensor   string
	window   time.Duration
	step     time.Duration
	data     json.RawMessage
	err      error
}

func (m *mockHistory) SensorHistory(_ context.Context, deviceID, sensor string, start, end time.Time, step time.Duration) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deviceID, m.sensor, m.window, m.step = deviceID, sensor, end.Sub(start), step
	return m.data, m.err
}

type mockPending []string

func (m mockPending) Pending() []string { return m }

type testEnv struct {
	srv       *Server
	registry  *device.Registry
	publisher *mockPublisher
	alerts    *alert.Manager
	history   *mockHistory
}

// testServer creates a Server over a real registry and alert manager.
func testServer(t *testing.T, opts ...func(*Deps)) *testEnv {
	t.Helper()

	registry := device.NewRegistry(device.Options{
		HeartbeatTimeout: 5 * time.Second,
		Now:              func() time.Time { return baseTime },
	})
	publisher := &mockPublisher{connected: true}
	alerts := alert.NewManager(10)
	history := &mockHistory{data: json.RawMessage(`{"resultType":"matrix","result":[]}`)}
	sensors := &mockSensors{readings: map[string][]state.SensorReading{
		testDeviceID + ":lux": {
			{DeviceID: "dev-1", DeviceKey: testDeviceID, SensorName: "lux", Field: "lux", Value: 412, ReceivedAt: baseTime},
		},
	}}

	log := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")

	deps := Deps{
		Config: config.APIConfig{
			Host: "127.0.0.1",
			Port: 0,
			Timeouts: config.APITimeoutConfig{
				Read:  5,
				Write: 5,
				Idle:  5,
			},
		},
		WS: config.WebSocketConfig{
			Path:             "/ws",
			MaxMessageSize:   8192,
			PingInterval:     30,
			PongTimeout:      10,
			UpdateThrottleMS: 500,
			SendBuffer:       16,
		},
		Logger:           log,
		Devices:          registry,
		Publisher:        publisher,
		Sensors:          sensors,
		History:          history,
		Alerts:           alerts,
		Registrations:    mockPending{"pilot_controller"},
		CommandNamespace: "paragon",
		Version:          "test",
	}
	for _, opt := range opts {
		opt(&deps)
	}

	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	srv.now = func() time.Time { return baseTime.Add(90 * time.Second) }
	srv.startedAt = baseTime

	return &testEnv{srv: srv, registry: registry, publisher: publisher, alerts: alerts, history: history}
}

func withAuth(d *Deps) {
	d.Security = config.SecurityConfig{JWT: config.JWTConfig{Secret: testSecret}}
}

func seedDevice(t *testing.T, reg *device.Registry) device.Record {
	t.Helper()
	err := reg.HandleMessage(device.Message{
		Topic:      "paragon/Clockwork/Pilotlight/Relay1/status",
		Payload:    []byte(`{"status":"online"}`),
		ReceivedAt: baseTime,
	})
	if err != nil {
		t.Fatalf("seeding device: %v", err)
	}
	rec, err := reg.GetDevice(testDeviceID)
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	return *rec
}

func devicePath(id string, suffix string) string {
	return "/api/v1/devices/" + url.PathEscape(id) + suffix
}

func token(t *testing.T, role auth.Role) string {
	t.Helper()
	tok, err := auth.GenerateToken("gm-1", role, testSecret, "", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	return "Bearer " + tok
}

func do(t *testing.T, h http.Handler, method, path, body, authz string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// ─── Health & Middleware Tests ─────────────────────────────────────

func TestHealth(t *testing.T) {
	env := testServer(t)
	seedDevice(t, env.registry)
	router := env.srv.buildRouter()

	w := do(t, router, http.MethodGet, "/api/v1/health", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var body struct {
		Status               string         `json:"status"`
		Version              string         `json:"version"`
		UptimeSeconds        int64          `json:"uptimeSeconds"`
		MQTTConnected        bool           `json:"mqttConnected"`
		Devices              device.Summary `json:"devices"`
		PendingRegistrations []string       `json:"pendingRegistrations"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if body.Status != "ok" || body.Version != "test" || !body.MQTTConnected {
		t.Errorf("body = %+v", body)
	}
	if body.UptimeSeconds != 90 {
		t.Errorf("uptime = %d, want 90", body.UptimeSeconds)
	}
	if body.Devices.Total != 1 || body.Devices.Online != 1 {
		t.Errorf("summary = %+v", body.Devices)
	}
	if len(body.PendingRegistrations) != 1 || body.PendingRegistrations[0] != "pilot_controller" {
		t.Errorf("pending = %v", body.PendingRegistrations)
	}
}

func TestHealth_DegradedWithoutMQTT(t *testing.T) {
	env := testServer(t, func(d *Deps) { d.Publisher = nil })
	w := do(t, env.srv.buildRouter(), http.MethodGet, "/api/v1/health", "", "")

	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if body["status"] != "degraded" || body["mqttConnected"] != false {
		t.Errorf("body = %v", body)
	}
}

func TestRequestID_Generated(t *testing.T) {
	env := testServer(t)
	w := do(t, env.srv.buildRouter(), http.MethodGet, "/api/v1/health", "", "")
	if _, err := uuid.Parse(w.Header().Get("X-Request-ID")); err != nil {
		t.Errorf("X-Request-ID = %q, want a UUID: %v", w.Header().Get("X-Request-ID"), err)
	}
}

func TestRequestID_ReplacesMalformed(t *testing.T) {
	env := testServer(t)
	router := env.srv.buildRouter()

	for _, bad := range []string{"line\nbreak", strings.Repeat("x", maxRequestIDLen+1), "spa ce"} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
		req.Header.Set("X-Request-ID", bad)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if got := w.Header().Get("X-Request-ID"); got == bad {
			t.Errorf("malformed id %q was echoed", bad)
		}
	}
}

func TestRequestID_PreservesClient(t *testing.T) {
	env := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "req-42")
	w := httptest.NewRecorder()
	env.srv.buildRouter().ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != "req-42" {
		t.Errorf("X-Request-ID = %q, want req-42", got)
	}
}

func TestCORS_Preflight(t *testing.T) {
	env := testServer(t, func(d *Deps) {
		d.Config.CORS.AllowedOrigins = []string{"http://gm.local"}
	})
	router := env.srv.buildRouter()

	tests := []struct {
		origin    string
		wantAllow string
	}{
		{"http://gm.local", "http://gm.local"},
		{"http://evil.example", ""},
	}
	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodOptions, "/api/v1/devices", nil)
			req.Header.Set("Origin", tt.origin)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != http.StatusNoContent {
				t.Errorf("status = %d, want %d", w.Code, http.StatusNoContent)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.wantAllow {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantAllow)
			}
		})
	}
}

func TestRecovery(t *testing.T) {
	env := testServer(t)
	h := env.srv.recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	w := do(t, h, http.MethodGet, "/", "", "")
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	env := testServer(t, func(d *Deps) { d.Metrics = m })
	router := env.srv.buildRouter()

	do(t, router, http.MethodGet, "/api/v1/health", "", "")
	w := do(t, router, http.MethodGet, "/metrics", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "/api/v1/health") {
		t.Error("request metrics missing health route")
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	log := logging.Default()
	if _, err := New(Deps{Devices: device.NewRegistry(device.Options{})}); err == nil {
		t.Error("New() without logger should fail")
	}
	if _, err := New(Deps{Logger: log}); err == nil {
		t.Error("New() without device store should fail")
	}
}

// ─── Device Tests ──────────────────────────────────────────────────

func TestListDevices(t *testing.T) {
	env := testServer(t)
	router := env.srv.buildRouter()

	w := do(t, router, http.MethodGet, "/api/v1/devices", "", "")
	var empty struct {
		Devices []device.Record `json:"devices"`
		Count   int             `json:"count"`
	}
	if err := json.NewDecoder(w.Body).Decode(&empty); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if empty.Count != 0 || empty.Devices == nil {
		t.Errorf("empty list = %+v, want count 0 and [] devices", empty)
	}

	seedDevice(t, env.registry)
	w = do(t, router, http.MethodGet, "/api/v1/devices", "", "")
	var body struct {
		Devices []device.Record `json:"devices"`
		Count   int             `json:"count"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if body.Count != 1 || body.Devices[0].ID != testDeviceID {
		t.Errorf("list = %+v", body)
	}
}

func TestGetDevice(t *testing.T) {
	env := testServer(t)
	seedDevice(t, env.registry)
	router := env.srv.buildRouter()

	w := do(t, router, http.MethodGet, devicePath(testDeviceID, ""), "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var rec device.Record
	if err := json.NewDecoder(w.Body).Decode(&rec); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if rec.ID != testDeviceID || rec.Status != device.StatusOnline {
		t.Errorf("record = %+v", rec)
	}
}

func TestGetDevice_NotFound(t *testing.T) {
	env := testServer(t)
	w := do(t, env.srv.buildRouter(), http.MethodGet, devicePath("nowhere/none/x", ""), "", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
	var body Error
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if body.Code != ErrCodeNotFound {
		t.Errorf("code = %q", body.Code)
	}
}

func TestDeleteDevice(t *testing.T) {
	env := testServer(t)
	seedDevice(t, env.registry)
	router := env.srv.buildRouter()

	if w := do(t, router, http.MethodDelete, devicePath(testDeviceID, ""), "", ""); w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	if env.registry.Len() != 0 {
		t.Error("device still in registry")
	}
	if w := do(t, router, http.MethodDelete, devicePath(testDeviceID, ""), "", ""); w.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", w.Code)
	}
}

// ─── Command Tests ─────────────────────────────────────────────────

func TestDeviceCommand_Publishes(t *testing.T) {
	env := testServer(t)
	rec := seedDevice(t, env.registry)
	router := env.srv.buildRouter()

	w := do(t, router, http.MethodPost, devicePath(testDeviceID, "/command"), `{"command":"reset"}`, "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	want := "paragon/" + rec.RoomID + "/" + rec.PuzzleID + "/relay1/commands/reset"
	if len(env.publisher.topics) != 1 || env.publisher.topics[0] != want {
		t.Fatalf("topics = %v, want [%s]", env.publisher.topics, want)
	}

	var msg struct {
		Command  string    `json:"command"`
		Payload  any       `json:"payload"`
		IssuedAt time.Time `json:"issuedAt"`
	}
	if err := json.Unmarshal(env.publisher.payloads[0], &msg); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if msg.Command != "reset" || msg.Payload != nil || msg.IssuedAt.IsZero() {
		t.Errorf("payload = %+v", msg)
	}
}

func TestDeviceCommand_Payloads(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"string payload sent verbatim", `{"command":"play","payload":"intro"}`, "intro"},
		{
			"object payload wrapped",
			`{"command":"set","payload":{"level":3}}`,
			`{"command":"set","payload":{"level":3},"issuedAt":"2026-03-14T18:01:30Z"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := testServer(t)
			seedDevice(t, env.registry)
			w := do(t, env.srv.buildRouter(), http.MethodPost, devicePath(testDeviceID, "/command"), tt.body, "")
			if w.Code != http.StatusAccepted {
				t.Fatalf("status = %d", w.Code)
			}
			if got := string(env.publisher.payloads[0]); got != tt.want {
				t.Errorf("payload = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestDeviceCommand_TopicOverrideAndCategory(t *testing.T) {
	env := testServer(t)
	seedDevice(t, env.registry)
	router := env.srv.buildRouter()

	do(t, router, http.MethodPost, devicePath(testDeviceID, "/command"),
		`{"command":"open","roomId":"tomb","puzzleId":"sarcophagus","category":"actions"}`, "")
	do(t, router, http.MethodPost, devicePath(testDeviceID, "/command"),
		`{"command":"open","topicOverride":"custom/topic"}`, "")

	want := []string{"paragon/tomb/sarcophagus/relay1/actions/open", "custom/topic"}
	if len(env.publisher.topics) != 2 {
		t.Fatalf("topics = %v", env.publisher.topics)
	}
	for i := range want {
		if env.publisher.topics[i] != want[i] {
			t.Errorf("topic[%d] = %s, want %s", i, env.publisher.topics[i], want[i])
		}
	}
}

func TestDeviceCommand_PublishFailureMarksError(t *testing.T) {
	env := testServer(t)
	seedDevice(t, env.registry)
	env.publisher.err = errors.New("broker down")

	w := do(t, env.srv.buildRouter(), http.MethodPost, devicePath(testDeviceID, "/command"), `{"command":"reset"}`, "")
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}

	rec, err := env.registry.GetDevice(testDeviceID)
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if rec.ErrorCount != 1 || rec.HealthScore >= device.MaxHealth {
		t.Errorf("errorCount = %d health = %d, want error recorded", rec.ErrorCount, rec.HealthScore)
	}
}

func TestDeviceCommand_Validation(t *testing.T) {
	env := testServer(t)
	seedDevice(t, env.registry)
	router := env.srv.buildRouter()

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"invalid json", devicePath(testDeviceID, "/command"), `{`, http.StatusBadRequest},
		{"missing command", devicePath(testDeviceID, "/command"), `{"payload":1}`, http.StatusBadRequest},
		{"unknown device", devicePath("nowhere/none/x", "/command"), `{"command":"reset"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := do(t, router, http.MethodPost, tt.path, tt.body, ""); w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
	if len(env.publisher.topics) != 0 {
		t.Errorf("published %v for invalid requests", env.publisher.topics)
	}
}

// ─── Auth Tests ────────────────────────────────────────────────────

func TestAuth_MutatingRoutes(t *testing.T) {
	env := testServer(t, withAuth)
	seedDevice(t, env.registry)
	router := env.srv.buildRouter()
	cmdPath := devicePath(testDeviceID, "/command")

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		authz  string
		want   int
	}{
		{"read open without token", http.MethodGet, "/api/v1/devices", "", "", http.StatusOK},
		{"command without token", http.MethodPost, cmdPath, `{"command":"reset"}`, "", http.StatusUnauthorized},
		{"command with garbage token", http.MethodPost, cmdPath, `{"command":"reset"}`, "Bearer nope", http.StatusUnauthorized},
		{"command with basic auth", http.MethodPost, cmdPath, `{"command":"reset"}`, "Basic Zm9vOmJhcg==", http.StatusUnauthorized},
		{"command as viewer", http.MethodPost, cmdPath, `{"command":"reset"}`, token(t, auth.RoleViewer), http.StatusForbidden},
		{"command as operator", http.MethodPost, cmdPath, `{"command":"reset"}`, token(t, auth.RoleOperator), http.StatusAccepted},
		{"delete as operator", http.MethodDelete, devicePath(testDeviceID, ""), "", token(t, auth.RoleOperator), http.StatusForbidden},
		{"delete as admin", http.MethodDelete, devicePath(testDeviceID, ""), "", token(t, auth.RoleAdmin), http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := do(t, router, tt.method, tt.path, tt.body, tt.authz); w.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestAuth_DisabledWithoutSecret(t *testing.T) {
	env := testServer(t)
	seedDevice(t, env.registry)

	w := do(t, env.srv.buildRouter(), http.MethodPost, devicePath(testDeviceID, "/command"), `{"command":"reset"}`, "Bearer ignored")
	if w.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202 with auth disabled", w.Code)
	}
}

// ─── Sensor Tests ──────────────────────────────────────────────────

func TestSensorReadings(t *testing.T) {
	env := testServer(t)
	router := env.srv.buildRouter()

	w := do(t, router, http.MethodGet, devicePath(testDeviceID, "/sensors/lux"), "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		Readings []state.SensorReading `json:"readings"`
		Count    int                   `json:"count"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if body.Count != 1 || body.Readings[0].Value != 412 {
		t.Errorf("body = %+v", body)
	}

	w = do(t, router, http.MethodGet, devicePath(testDeviceID, "/sensors/temp"), "", "")
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if body.Count != 0 {
		t.Errorf("unknown sensor count = %d", body.Count)
	}
}

func TestSensorHistory(t *testing.T) {
	env := testServer(t)
	router := env.srv.buildRouter()

	w := do(t, router, http.MethodGet, devicePath(testDeviceID, "/sensors/lux/history?window=30m&step=15s"), "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if env.history.deviceID != testDeviceID || env.history.sensor != "lux" {
		t.Errorf("query ids = %s/%s", env.history.deviceID, env.history.sensor)
	}
	if env.history.window != 30*time.Minute || env.history.step != 15*time.Second {
		t.Errorf("window = %v step = %v", env.history.window, env.history.step)
	}
	if !strings.Contains(w.Body.String(), `"resultType":"matrix"`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestSensorHistory_Errors(t *testing.T) {
	tests := []struct {
		name  string
		query string
		opt   func(*Deps)
		err   error
		want  int
	}{
		{"bad window", "?window=forever", nil, nil, http.StatusBadRequest},
		{"negative step", "?step=-1s", nil, nil, http.StatusBadRequest},
		{"window too large", "?window=1000h", nil, nil, http.StatusBadRequest},
		{"backend failure", "", nil, errors.New("down"), http.StatusBadGateway},
		{"not configured", "", func(d *Deps) { d.History = nil }, nil, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts []func(*Deps)
			if tt.opt != nil {
				opts = append(opts, tt.opt)
			}
			env := testServer(t, opts...)
			env.history.err = tt.err
			w := do(t, env.srv.buildRouter(), http.MethodGet, devicePath(testDeviceID, "/sensors/lux/history"+tt.query), "", "")
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

// ─── Alert Tests ───────────────────────────────────────────────────

func TestAlerts_ListAndAcknowledge(t *testing.T) {
	env := testServer(t)
	router := env.srv.buildRouter()

	raised, err := env.alerts.Raise(alert.SeverityHigh, "Device x went offline", nil)
	if err != nil {
		t.Fatalf("Raise: %v", err)
	}

	w := do(t, router, http.MethodGet, "/api/v1/alerts", "", "")
	var list struct {
		Alerts []alert.Alert `json:"alerts"`
		Count  int           `json:"count"`
	}
	if err := json.NewDecoder(w.Body).Decode(&list); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if list.Count != 1 || list.Alerts[0].ID != raised.ID {
		t.Fatalf("list = %+v", list)
	}

	w = do(t, router, http.MethodPost, "/api/v1/alerts/"+raised.ID+"/acknowledge", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("ack status = %d", w.Code)
	}
	var acked alert.Alert
	if err := json.NewDecoder(w.Body).Decode(&acked); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if acked.AcknowledgedAt == nil {
		t.Error("acknowledgedAt not set")
	}

	if w := do(t, router, http.MethodPost, "/api/v1/alerts/alert-missing/acknowledge", "", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown alert status = %d, want 404", w.Code)
	}
}

func TestAlerts_AcknowledgeRequiresOperator(t *testing.T) {
	env := testServer(t, withAuth)
	router := env.srv.buildRouter()
	raised, _ := env.alerts.Raise(alert.SeverityLow, "test", nil) //nolint:errcheck // valid severity

	path := "/api/v1/alerts/" + raised.ID + "/acknowledge"
	if w := do(t, router, http.MethodPost, path, "", token(t, auth.RoleViewer)); w.Code != http.StatusForbidden {
		t.Errorf("viewer status = %d, want 403", w.Code)
	}
	if w := do(t, router, http.MethodPost, path, "", token(t, auth.RoleOperator)); w.Code != http.StatusOK {
		t.Errorf("operator status = %d, want 200", w.Code)
	}
}

// ─── Lifecycle Tests ───────────────────────────────────────────────

func TestServer_HealthCheck(t *testing.T) {
	env := testServer(t)
	if err := env.srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() before Start should fail")
	}
	if err := env.srv.Close(); err != nil {
		t.Errorf("Close() before Start error = %v", err)
	}
}

func TestLastSegment(t *testing.T) {
	tests := []struct{ in, want string }{
		{"clockwork/pilotlight/relay1", "relay1"},
		{"relay1", "relay1"},
		{"a/", ""},
	}
	for _, tt := range tests {
		if got := lastSegment(tt.in); got != tt.want {
			t.Errorf("lastSegment(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
