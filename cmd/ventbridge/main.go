// VentBridge - Modbus/MQTT bridge for ventilation units
//
// This is the main entry point for the VentBridge application. VentBridge
// exposes a single Modbus TCP ventilation unit over MQTT:
//   - Fan regime (on/off) and speed control with acks and retained state
//   - Serial, throttled device access with retry and reconnect handling
//   - Periodic bridge health reporting with a broker-held offline LWT
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ventlogic/ventbridge/internal/bridges/modbus"
	"github.com/ventlogic/ventbridge/internal/events"
	"github.com/ventlogic/ventbridge/internal/infrastructure/config"
	"github.com/ventlogic/ventbridge/internal/infrastructure/database"
	"github.com/ventlogic/ventbridge/internal/infrastructure/influxdb"
	"github.com/ventlogic/ventbridge/internal/infrastructure/logging"
	"github.com/ventlogic/ventbridge/internal/infrastructure/mqtt"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// eventRecordTimeout bounds one event insert so a slow disk never blocks
// the operation path.
const eventRecordTimeout = 5 * time.Second

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting VentBridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open the event store
	db, err := database.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	eventRepo := events.NewSQLiteRepository(db.DB)
	if schemaErr := eventRepo.EnsureSchema(ctx); schemaErr != nil {
		return fmt.Errorf("preparing event store: %w", schemaErr)
	}
	sink := &eventSink{repo: eventRepo, log: log}

	// Connect to MQTT broker. The will carries the bridge's health
	// payload so a crash leaves a retained offline report on the health
	// topic, not just the bare status flag.
	lwt, err := modbus.NewLWTPayload(cfg.Bridge.ID, version, cfg.Modbus.Endpoint())
	if err != nil {
		return fmt.Errorf("building LWT payload: %w", err)
	}
	mqttClient, err := mqtt.Connect(cfg.MQTT, mqtt.WithWill(mqtt.Topics{}.BridgeHealth(), lwt, 1, true))
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	mqttClient.SetLogger(log)
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
	} else {
		log.Info("InfluxDB disabled")
	}

	// Start the register client for the ventilation unit
	registry := modbus.NewInstanceRegistry()
	registry.SetLogger(log)
	registry.SetEventSink(sink)

	clientCfg := modbus.ClientConfig{
		Endpoint:           cfg.Modbus.Endpoint(),
		RegimeRegister:     cfg.Modbus.Registers.Regime,
		SpeedRegister:      cfg.Modbus.Registers.Speed,
		HeartbeatRegister:  cfg.Modbus.Registers.Heartbeat,
		OperationTimeout:   cfg.Modbus.OperationTimeout,
		ThrottleInterval:   cfg.Modbus.ThrottleInterval,
		QueueDepth:         cfg.Modbus.QueueDepth,
		MaxRetries:         cfg.Modbus.MaxRetries,
		BackoffBase:        cfg.Modbus.Backoff.Base,
		BackoffCap:         cfg.Modbus.Backoff.Cap,
		BackoffJitter:      cfg.Modbus.Backoff.Jitter,
		HeartbeatInterval:  cfg.Modbus.HeartbeatInterval,
		CacheTTL:           cfg.Modbus.CacheTTL,
		Quiescence:         cfg.Modbus.Quiescence,
		MinAttemptInterval: cfg.Modbus.MinAttemptInterval,
		PowerOnSettle:      cfg.Modbus.PowerOnSettle,
		Factory: modbus.NewTCPTransport(
			cfg.Modbus.Endpoint(),
			byte(cfg.Modbus.UnitID),
			cfg.Modbus.ConnectTimeout,
		),
		Registry: registry,
		Events:   sink,
	}
	if influxClient != nil {
		clientCfg.Telemetry = influxClient
	}

	registerClient, err := modbus.NewRegisterClient(clientCfg)
	if err != nil {
		return fmt.Errorf("creating register client: %w", err)
	}
	registerClient.SetLogger(log)
	defer func() {
		log.Info("shutting down register client")
		registerClient.Shutdown()
	}()
	log.Info("register client started",
		"endpoint", cfg.Modbus.Endpoint(),
		"unit_id", cfg.Modbus.UnitID,
	)

	// Start the MQTT bridge
	bridgeCfg := modbus.BridgeConfig{
		BridgeID:   cfg.Bridge.ID,
		Version:    version,
		Controller: registerClient,
		Publisher:  &mqttPublisher{client: mqttClient},
		Topics:     mqtt.Topics{},
		Events:     sink,
	}
	if influxClient != nil {
		bridgeCfg.Telemetry = influxClient
	}
	bridge, err := modbus.NewBridge(bridgeCfg)
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}
	bridge.SetLogger(log)

	if err := bridge.Start(ctx); err != nil {
		return fmt.Errorf("starting bridge: %w", err)
	}
	defer func() {
		log.Info("stopping bridge")
		bridge.Stop()
	}()

	// Verify all connections are healthy
	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order:
	// 1. Bridge (final stopping status)
	// 2. Register client
	// 3. InfluxDB (if enabled)
	// 4. MQTT
	// 5. Database

	log.Info("VentBridge stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses VENTBRIDGE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("VENTBRIDGE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - mqttClient: MQTT client to check
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	// The register client connects lazily on the first operation, so its
	// health is not gated here: the unit being offline at startup must
	// not prevent the bridge from coming up.

	return nil
}

// mqttPublisher adapts the infrastructure MQTT client to the bridge's
// Publisher interface. The Subscribe handler parameter is a named type on
// the client (mqtt.MessageHandler), so the methods do not match directly.
type mqttPublisher struct {
	client *mqtt.Client
}

// Publish implements modbus.Publisher.
func (p *mqttPublisher) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return p.client.Publish(topic, payload, qos, retained)
}

// Subscribe implements modbus.Publisher.
func (p *mqttPublisher) Subscribe(topic string, qos byte, handler func(topic string, payload []byte) error) error {
	return p.client.Subscribe(topic, qos, handler)
}

// IsConnected implements modbus.Publisher.
func (p *mqttPublisher) IsConnected() bool {
	return p.client.IsConnected()
}

// eventSink adapts the events repository to the modbus.EventSink
// interface. Inserts are best effort: a failed event write is logged and
// never fails the operation that produced it.
type eventSink struct {
	repo *events.SQLiteRepository
	log  *logging.Logger
}

// Record implements modbus.EventSink.
func (s *eventSink) Record(eventType, endpoint string, details map[string]any) {
	ctx, cancel := context.WithTimeout(context.Background(), eventRecordTimeout)
	defer cancel()

	if err := s.repo.Create(ctx, &events.Event{
		Type:     eventType,
		Endpoint: endpoint,
		Details:  details,
	}); err != nil {
		s.log.Warn("failed to record event",
			"type", eventType,
			"endpoint", endpoint,
			"error", err,
		)
	}
}
