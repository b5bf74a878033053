package influxdb_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ventlogic/ventbridge/internal/infrastructure/config"
	"github.com/ventlogic/ventbridge/internal/infrastructure/influxdb"
)

// testConfig returns a configuration for the local dev InfluxDB.
// These values match docker-compose.yml.
func testConfig() config.InfluxDBConfig {
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           "http://127.0.0.1:8086",
		Token:         "ventbridge-dev-token",
		Org:           "ventlogic",
		Bucket:        "telemetry",
		BatchSize:     100,
		FlushInterval: 1,
	}
}

// skipIfNoInfluxDB skips the test if the local server is not running.
func skipIfNoInfluxDB(t *testing.T) {
	t.Helper()
	client, err := influxdb.Connect(testConfig())
	if err != nil {
		t.Skip("InfluxDB not available, skipping integration test")
	}
	client.Close()
}

func TestConnect_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false

	_, err := influxdb.Connect(cfg)
	if !errors.Is(err, influxdb.ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	cfg := testConfig()
	cfg.URL = "http://127.0.0.1:59999"

	_, err := influxdb.Connect(cfg)
	if !errors.Is(err, influxdb.ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestConnect(t *testing.T) {
	skipIfNoInfluxDB(t)

	client, err := influxdb.Connect(testConfig())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	if !client.IsConnected() {
		t.Error("IsConnected() = false after Connect()")
	}
}

func TestConnect_DefaultBatchSettings(t *testing.T) {
	skipIfNoInfluxDB(t)
	cfg := testConfig()
	cfg.BatchSize = 0
	cfg.FlushInterval = -1

	client, err := influxdb.Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	if !client.IsConnected() {
		t.Error("IsConnected() = false with default batch settings")
	}
}

func TestHealthCheck(t *testing.T) {
	skipIfNoInfluxDB(t)

	client, err := influxdb.Connect(testConfig())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

func TestWriteOperationMetric(t *testing.T) {
	skipIfNoInfluxDB(t)

	client, err := influxdb.Connect(testConfig())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	var writeErr error
	var mu sync.Mutex
	client.SetOnError(func(err error) {
		mu.Lock()
		writeErr = err
		mu.Unlock()
	})

	client.WriteOperationMetric("192.168.1.50:502", "read", 1002, 38*time.Millisecond, true)
	client.WriteOperationMetric("192.168.1.50:502", "write", 1001, 55*time.Millisecond, false)
	client.Flush()

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if writeErr != nil {
		t.Errorf("Write error = %v", writeErr)
	}
}

func TestWriteConnectionEvent(t *testing.T) {
	skipIfNoInfluxDB(t)

	client, err := influxdb.Connect(testConfig())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	var writeErr error
	var mu sync.Mutex
	client.SetOnError(func(err error) {
		mu.Lock()
		writeErr = err
		mu.Unlock()
	})

	client.WriteConnectionEvent("192.168.1.50:502", "reconnect", 3)
	client.Flush()

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if writeErr != nil {
		t.Errorf("Write error = %v", writeErr)
	}
}

func TestWriteHealthSample(t *testing.T) {
	skipIfNoInfluxDB(t)

	client, err := influxdb.Connect(testConfig())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	var writeErr error
	var mu sync.Mutex
	client.SetOnError(func(err error) {
		mu.Lock()
		writeErr = err
		mu.Unlock()
	})

	client.WriteHealthSample("192.168.1.50:502", 96.5, 1)
	client.WriteFanState("192.168.1.50:502", 1, 2)
	client.Flush()

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if writeErr != nil {
		t.Errorf("Write error = %v", writeErr)
	}
}

func TestClose(t *testing.T) {
	skipIfNoInfluxDB(t)

	client, err := influxdb.Connect(testConfig())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	client.WriteOperationMetric("192.168.1.50:502", "read", 1000, time.Millisecond, true)

	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after Close()")
	}
}
