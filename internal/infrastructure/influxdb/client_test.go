package influxdb_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/device-monitor/internal/infrastructure/config"
	"github.com/nerrad567/device-monitor/internal/infrastructure/influxdb"
)

// testConfig returns a configuration for a local InfluxDB. INFLUXDB_URL
// and INFLUXDB_TOKEN override the defaults.
func testConfig() config.InfluxDBConfig {
	url := os.Getenv("INFLUXDB_URL")
	if url == "" {
		url = "http://127.0.0.1:8086"
	}
	token := os.Getenv("INFLUXDB_TOKEN")
	if token == "" {
		token = "monitor-dev-token"
	}
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           url,
		Token:         token,
		Org:           "escape-rooms",
		Bucket:        "device_monitor",
		BatchSize:     100,
		FlushInterval: 1,
	}
}

// connectOrSkip connects to the test server, skipping when it is absent.
func connectOrSkip(t *testing.T) *influxdb.Client {
	t.Helper()
	client, err := influxdb.Connect(context.Background(), testConfig())
	if err != nil {
		if os.Getenv("RUN_INTEGRATION") != "" {
			t.Fatalf("Connect() error = %v", err)
		}
		t.Skip("InfluxDB not available, skipping integration test")
	}
	t.Cleanup(func() { client.Close() }) //nolint:errcheck // Test cleanup
	return client
}

// ─── Connection Tests ──────────────────────────────────────────────

func TestConnect_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false

	client, err := influxdb.Connect(context.Background(), cfg)
	if !errors.Is(err, influxdb.ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
	if client != nil {
		t.Error("Connect() returned a client while disabled")
	}
}

func TestConnect_Unreachable(t *testing.T) {
	cfg := testConfig()
	cfg.URL = "http://127.0.0.1:59999"

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err := influxdb.Connect(ctx, cfg)
	if !errors.Is(err, influxdb.ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestConnect(t *testing.T) {
	client := connectOrSkip(t)

	if !client.IsConnected() {
		t.Error("IsConnected() = false after Connect()")
	}
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

func TestHealthCheck_Cancelled(t *testing.T) {
	client := connectOrSkip(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := client.HealthCheck(ctx); err == nil {
		t.Error("HealthCheck() should fail for a cancelled context")
	}
}

// ─── Write Tests ───────────────────────────────────────────────────

func TestWrites(t *testing.T) {
	client := connectOrSkip(t)

	var mu sync.Mutex
	var writeErr error
	client.SetOnError(func(err error) {
		mu.Lock()
		writeErr = err
		mu.Unlock()
	})

	client.WriteSensorReading("clockwork/pilot/lever", "valve", "psi", 42.0, time.Now())
	client.WriteHeartbeat("clockwork/pilot/lever", "clockwork", true, 100, time.Now())
	client.Flush()
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if writeErr != nil {
		t.Errorf("write error = %v", writeErr)
	}
	if points, _ := client.Stats(); points != 2 {
		t.Errorf("points = %d, want 2", points)
	}
}

// ─── Close Tests ───────────────────────────────────────────────────

func TestClose(t *testing.T) {
	client := connectOrSkip(t)

	client.WriteSensorReading("close-test", "lux", "value", 1, time.Now())
	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after Close()")
	}
	if err := client.HealthCheck(context.Background()); !errors.Is(err, influxdb.ErrNotConnected) {
		t.Errorf("HealthCheck() after Close = %v, want ErrNotConnected", err)
	}

	// Second close and late writes are no-ops.
	if err := client.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	client.WriteHeartbeat("close-test", "", false, 0, time.Now())
}

func TestClose_Nil(t *testing.T) {
	var client *influxdb.Client
	if err := client.Close(); err != nil {
		t.Errorf("nil Close() = %v", err)
	}
	if client.IsConnected() {
		t.Error("nil client reports connected")
	}
}
