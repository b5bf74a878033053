package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeTempConfig writes YAML content to a temp file and returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeTempConfig(t, `
bridge:
  id: "ventbridge-test"
modbus:
  host: "10.0.0.5"
  port: 502
  registers:
    regime: 1001
    speed: 1002
    heartbeat: 1000
mqtt:
  broker:
    host: "localhost"
    port: 1883
logging:
  level: "debug"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Modbus.Host != "10.0.0.5" {
		t.Errorf("Modbus.Host = %q, want %q", cfg.Modbus.Host, "10.0.0.5")
	}
	if cfg.Modbus.Endpoint() != "10.0.0.5:502" {
		t.Errorf("Endpoint() = %q, want %q", cfg.Modbus.Endpoint(), "10.0.0.5:502")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, `
modbus:
  host: "192.168.1.50"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"port default", cfg.Modbus.Port, 502},
		{"throttle default", cfg.Modbus.ThrottleInterval, 1 * time.Second},
		{"queue depth default", cfg.Modbus.QueueDepth, 3},
		{"max retries default", cfg.Modbus.MaxRetries, 3},
		{"backoff base default", cfg.Modbus.Backoff.Base, 5 * time.Second},
		{"backoff cap default", cfg.Modbus.Backoff.Cap, 60 * time.Second},
		{"heartbeat default", cfg.Modbus.HeartbeatInterval, 60 * time.Second},
		{"power-on settle default", cfg.Modbus.PowerOnSettle, 800 * time.Millisecond},
		{"mqtt qos default", cfg.MQTT.QoS, 1},
		{"logging format default", cfg.Logging.Format, "json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("Load() with missing file should return error")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeTempConfig(t, "modbus: [not a mapping")
	if _, err := Load(path); err == nil {
		t.Fatal("Load() with invalid YAML should return error")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing host",
			mutate:  func(c *Config) { c.Modbus.Host = "" },
			wantErr: "modbus.host",
		},
		{
			name:    "bad port",
			mutate:  func(c *Config) { c.Modbus.Port = 0 },
			wantErr: "modbus.port",
		},
		{
			name:    "bad unit id",
			mutate:  func(c *Config) { c.Modbus.UnitID = 300 },
			wantErr: "modbus.unit_id",
		},
		{
			name: "register collision",
			mutate: func(c *Config) {
				c.Modbus.Registers.Speed = c.Modbus.Registers.Regime
			},
			wantErr: "must differ",
		},
		{
			name:    "bad qos",
			mutate:  func(c *Config) { c.MQTT.QoS = 3 },
			wantErr: "mqtt.qos",
		},
		{
			name:    "zero queue depth",
			mutate:  func(c *Config) { c.Modbus.QueueDepth = 0 },
			wantErr: "queue_depth",
		},
		{
			name: "cap below base",
			mutate: func(c *Config) {
				c.Modbus.Backoff.Cap = c.Modbus.Backoff.Base - time.Second
			},
			wantErr: "backoff.cap",
		},
		{
			name: "influx enabled without url",
			mutate: func(c *Config) {
				c.InfluxDB.Enabled = true
				c.InfluxDB.URL = ""
			},
			wantErr: "influxdb.url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			cfg.Modbus.Host = "10.0.0.5"
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() should return error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VENTBRIDGE_MODBUS_HOST", "172.16.0.9")
	t.Setenv("VENTBRIDGE_MODBUS_PORT", "1502")
	t.Setenv("VENTBRIDGE_MQTT_PASSWORD", "secret")

	path := writeTempConfig(t, `
modbus:
  host: "10.0.0.5"
  port: 502
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Modbus.Host != "172.16.0.9" {
		t.Errorf("env override not applied: Modbus.Host = %q", cfg.Modbus.Host)
	}
	if cfg.Modbus.Port != 1502 {
		t.Errorf("env override not applied: Modbus.Port = %d", cfg.Modbus.Port)
	}
	if cfg.MQTT.Auth.Password != "secret" {
		t.Errorf("env override not applied: MQTT password")
	}
}
