package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for VentBridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Bridge   BridgeConfig   `yaml:"bridge"`
	Modbus   ModbusConfig   `yaml:"modbus"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// BridgeConfig contains bridge identity settings.
type BridgeConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// ModbusConfig contains the ventilation unit connection settings and
// register map.
//
// All durations are tunables, not contracts: the defaults are the most
// defensive values observed in the field and may be lowered for units that
// tolerate faster polling.
type ModbusConfig struct {
	// Host and Port identify the physical device endpoint. One live
	// session per endpoint is enforced process-wide.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// UnitID is the Modbus unit (slave) identifier.
	UnitID int `yaml:"unit_id"`

	Registers RegisterMapConfig `yaml:"registers"`

	// ConnectTimeout is the maximum time for a single TCP connect attempt.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// OperationTimeout bounds every register read/write. A timed-out
	// operation marks the connection broken and triggers a reconnect.
	OperationTimeout time.Duration `yaml:"operation_timeout"`

	// ThrottleInterval is the minimum gap between consecutive device
	// operations. Back-to-back requests are the main cause of
	// "device busy" rejections.
	ThrottleInterval time.Duration `yaml:"throttle_interval"`

	// QueueDepth caps admitted-but-unexecuted operations.
	QueueDepth int `yaml:"queue_depth"`

	// MaxRetries is the number of consecutive failures before an
	// operation is surfaced to the caller.
	MaxRetries int `yaml:"max_retries"`

	Backoff BackoffConfig `yaml:"backoff"`

	// HeartbeatInterval is the idle liveness probe interval.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// CacheTTL is how long a register read stays valid without a write.
	CacheTTL time.Duration `yaml:"cache_ttl"`

	// Quiescence is the settle time after force-closing a stale transport
	// before dialling again. The unit rejects new sessions until the old
	// one has fully terminated on the device side.
	Quiescence time.Duration `yaml:"quiescence"`

	// MinAttemptInterval rejects connect attempts spaced too closely.
	MinAttemptInterval time.Duration `yaml:"min_attempt_interval"`

	// PowerOnSettle is the wait after writing the regime on-sentinel
	// before a speed write may proceed.
	PowerOnSettle time.Duration `yaml:"power_on_settle"`
}

// RegisterMapConfig contains the register addresses for the two controls
// and the liveness probe.
type RegisterMapConfig struct {
	Regime    uint16 `yaml:"regime"`
	Speed     uint16 `yaml:"speed"`
	Heartbeat uint16 `yaml:"heartbeat"`
}

// BackoffConfig contains retry backoff settings.
type BackoffConfig struct {
	Base   time.Duration `yaml:"base"`
	Cap    time.Duration `yaml:"cap"`
	Jitter time.Duration `yaml:"jitter"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings (seconds).
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// InfluxDBConfig contains InfluxDB telemetry settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// DatabaseConfig contains SQLite event store settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: VENTBRIDGE_SECTION_KEY
// For example: VENTBRIDGE_MODBUS_HOST, VENTBRIDGE_MQTT_PASSWORD
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
//
// The Modbus timings default to the most defensive values: they favour not
// tripping the unit's "device busy" protection over responsiveness.
func defaultConfig() *Config {
	return &Config{
		Bridge: BridgeConfig{
			ID:   "ventbridge-01",
			Name: "VentBridge",
		},
		Modbus: ModbusConfig{
			Port:   502,
			UnitID: 1,
			Registers: RegisterMapConfig{
				Regime:    1001,
				Speed:     1002,
				Heartbeat: 1000,
			},
			ConnectTimeout:   10 * time.Second,
			OperationTimeout: 10 * time.Second,
			ThrottleInterval: 1 * time.Second,
			QueueDepth:       3,
			MaxRetries:       3,
			Backoff: BackoffConfig{
				Base:   5 * time.Second,
				Cap:    60 * time.Second,
				Jitter: 1 * time.Second,
			},
			HeartbeatInterval:  60 * time.Second,
			CacheTTL:           5 * time.Second,
			Quiescence:         1 * time.Second,
			MinAttemptInterval: 2 * time.Second,
			PowerOnSettle:      800 * time.Millisecond,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "ventbridge",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		Database: DatabaseConfig{
			Path:        "./data/ventbridge.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: VENTBRIDGE_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Modbus endpoint
	if v := os.Getenv("VENTBRIDGE_MODBUS_HOST"); v != "" {
		cfg.Modbus.Host = v
	}
	if v := os.Getenv("VENTBRIDGE_MODBUS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Modbus.Port = port
		}
	}

	// MQTT
	if v := os.Getenv("VENTBRIDGE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("VENTBRIDGE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("VENTBRIDGE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// Database
	if v := os.Getenv("VENTBRIDGE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// InfluxDB
	if v := os.Getenv("VENTBRIDGE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Bridge.ID == "" {
		errs = append(errs, "bridge.id is required")
	}

	if c.Modbus.Host == "" {
		errs = append(errs, "modbus.host is required (set VENTBRIDGE_MODBUS_HOST or modbus.host)")
	}
	if c.Modbus.Port < 1 || c.Modbus.Port > 65535 {
		errs = append(errs, "modbus.port must be between 1 and 65535")
	}
	if c.Modbus.UnitID < 0 || c.Modbus.UnitID > 247 {
		errs = append(errs, "modbus.unit_id must be between 0 and 247")
	}
	if c.Modbus.Registers.Regime == c.Modbus.Registers.Speed {
		errs = append(errs, "modbus.registers.regime and modbus.registers.speed must differ")
	}
	if c.Modbus.QueueDepth < 1 {
		errs = append(errs, "modbus.queue_depth must be at least 1")
	}
	if c.Modbus.MaxRetries < 1 {
		errs = append(errs, "modbus.max_retries must be at least 1")
	}
	if c.Modbus.Backoff.Base <= 0 {
		errs = append(errs, "modbus.backoff.base must be positive")
	}
	if c.Modbus.Backoff.Cap < c.Modbus.Backoff.Base {
		errs = append(errs, "modbus.backoff.cap must be at least modbus.backoff.base")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" {
			errs = append(errs, "influxdb.url is required when influxdb is enabled")
		}
		if c.InfluxDB.Bucket == "" {
			errs = append(errs, "influxdb.bucket is required when influxdb is enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// Endpoint returns the Modbus endpoint as "host:port".
func (c *ModbusConfig) Endpoint() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
