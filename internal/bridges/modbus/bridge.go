package modbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ventlogic/ventbridge/internal/events"
)

// Bridge defaults.
const (
	// defaultHealthReportInterval spaces bridge health publications.
	defaultHealthReportInterval = 30 * time.Second

	// commandTimeout bounds one MQTT command end to end, including
	// queueing, retries, and reconnects.
	commandTimeout = 2 * time.Minute

	// requestTimeout bounds one MQTT read request.
	requestTimeout = 30 * time.Second
)

// Publisher is the MQTT surface the bridge needs.
// Implemented by mqtt.Client.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte) error) error
	IsConnected() bool
}

// Controller is the register-client surface the bridge needs.
// Implemented by RegisterClient; split out for mock testing.
type Controller interface {
	GetRegime(ctx context.Context) (uint16, error)
	SetRegime(ctx context.Context, value uint16) error
	GetSpeed(ctx context.Context) (uint16, error)
	SetSpeed(ctx context.Context, percent uint16) error
	Health() HealthStats
	ConnectionState() ConnectionState
	Endpoint() string
}

// StateRecorder receives fan state telemetry points.
// Implemented by influxdb.Client; nil disables state telemetry.
type StateRecorder interface {
	WriteFanState(endpoint string, regime, speed uint16)
}

// TopicScheme provides the topics the bridge publishes and subscribes
// to. Matches mqtt.Topics.
type TopicScheme interface {
	FanCommand() string
	FanAck() string
	FanState() string
	FanRequest() string
	FanResponse(requestID string) string
	BridgeHealth() string
}

// Bridge connects the register client to MQTT: it consumes fan
// commands and read requests, publishes acks, retained state, and
// periodic health reports.
//
// Thread Safety: all methods are safe for concurrent use. Command
// handlers run in their own goroutines so slow device operations never
// block the MQTT receive path.
type Bridge struct {
	bridgeID string
	version  string

	controller Controller
	publisher  Publisher
	topics     TopicScheme
	events     EventSink
	telemetry  StateRecorder

	healthInterval time.Duration
	startTime      time.Time

	done     *closeOnce
	wg       sync.WaitGroup
	stopOnce sync.Once

	// stopMu orders handler spawns against Stop: once stopping is set,
	// no handler may add to wg.
	stopMu   sync.RWMutex
	stopping bool

	logger   Logger
	loggerMu sync.RWMutex
}

// BridgeConfig holds construction parameters.
type BridgeConfig struct {
	// BridgeID identifies this bridge in health reports.
	BridgeID string

	// Version is the bridge software version.
	Version string

	// Controller is the register client. Required.
	Controller Controller

	// Publisher is the MQTT client. Required.
	Publisher Publisher

	// Topics provides the topic scheme. Required.
	Topics TopicScheme

	// HealthInterval spaces health reports. Default: 30 seconds.
	HealthInterval time.Duration

	// Events is optional.
	Events EventSink

	// Telemetry is optional.
	Telemetry StateRecorder
}

// NewBridge creates a bridge. Call Start to begin consuming commands.
func NewBridge(cfg BridgeConfig) (*Bridge, error) {
	if cfg.Controller == nil || cfg.Publisher == nil || cfg.Topics == nil {
		return nil, fmt.Errorf("%w: controller, publisher, and topics are required", ErrInvalidValue)
	}

	interval := cfg.HealthInterval
	if interval <= 0 {
		interval = defaultHealthReportInterval
	}

	return &Bridge{
		bridgeID:       cfg.BridgeID,
		version:        cfg.Version,
		controller:     cfg.Controller,
		publisher:      cfg.Publisher,
		topics:         cfg.Topics,
		events:         cfg.Events,
		telemetry:      cfg.Telemetry,
		healthInterval: interval,
		startTime:      time.Now(),
	}, nil
}

// Start subscribes to the command and request topics and begins
// periodic health reporting.
func (b *Bridge) Start(ctx context.Context) error {
	b.done = newCloseOnce()

	if err := b.publisher.Subscribe(b.topics.FanCommand(), 1, b.handleCommand); err != nil {
		return fmt.Errorf("subscribing to command topic: %w", err)
	}
	if err := b.publisher.Subscribe(b.topics.FanRequest(), 1, b.handleRequest); err != nil {
		return fmt.Errorf("subscribing to request topic: %w", err)
	}

	b.wg.Add(1)
	go b.healthLoop(ctx)

	b.logInfo("bridge started",
		"bridge_id", b.bridgeID,
		"endpoint", b.controller.Endpoint(),
	)
	return nil
}

// Stop halts health reporting and publishes a final stopping status.
// In-flight command handlers are allowed to finish. Safe to call
// multiple times.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.stopMu.Lock()
		b.stopping = true
		b.stopMu.Unlock()

		if b.done != nil {
			b.done.Close()
		}
		b.wg.Wait()

		// Best effort; the broker may already be gone.
		b.publishHealth(HealthStopping, "shutting down")
	})
}

// beginWork reserves a handler slot unless the bridge is stopping.
// Stop waits for every reserved slot before publishing its final
// status, so a reservation must never race the wait.
func (b *Bridge) beginWork() bool {
	b.stopMu.RLock()
	defer b.stopMu.RUnlock()

	if b.stopping {
		return false
	}
	b.wg.Add(1)
	return true
}

// handleCommand consumes one fan command. The device work runs in its
// own goroutine; the handler returns immediately.
func (b *Bridge) handleCommand(_ string, payload []byte) error {
	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logWarn("malformed command payload", "error", err)
		return fmt.Errorf("parsing command: %w", err)
	}

	if err := cmd.Validate(); err != nil {
		b.publishAck(cmd.ID, AckRejected, err.Error())
		return nil
	}

	if !b.beginWork() {
		b.logWarn("command dropped, bridge stopping", "command_id", cmd.ID)
		return nil
	}
	go func() {
		defer b.wg.Done()
		b.dispatchCommand(cmd)
	}()

	return nil
}

// dispatchCommand executes the device write and publishes the outcome.
func (b *Bridge) dispatchCommand(cmd CommandMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	var err error
	switch cmd.Action {
	case ActionSetRegime:
		err = b.controller.SetRegime(ctx, cmd.Value)
	case ActionSetSpeed:
		err = b.controller.SetSpeed(ctx, cmd.Value)
	}

	if err != nil {
		b.logWarn("command failed",
			"command_id", cmd.ID,
			"action", cmd.Action,
			"value", cmd.Value,
			"error", err,
		)
		b.publishAck(cmd.ID, AckFailed, err.Error())
		b.recordEvent(events.TypeCommandFailed, map[string]any{
			"action": cmd.Action,
			"value":  cmd.Value,
			"error":  err.Error(),
		})
		return
	}

	b.publishAck(cmd.ID, AckApplied, "")
	b.recordEvent(events.TypeCommandApplied, map[string]any{
		"action": cmd.Action,
		"value":  cmd.Value,
	})
	b.publishState(ctx)
}

// handleRequest answers a read request on its response topic.
func (b *Bridge) handleRequest(_ string, payload []byte) error {
	var req RequestMessage
	if err := json.Unmarshal(payload, &req); err != nil {
		b.logWarn("malformed request payload", "error", err)
		return fmt.Errorf("parsing request: %w", err)
	}

	if !b.beginWork() {
		b.logWarn("request dropped, bridge stopping", "request_id", req.ID)
		return nil
	}
	go func() {
		defer b.wg.Done()
		b.dispatchRequest(req)
	}()

	return nil
}

func (b *Bridge) dispatchRequest(req RequestMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	resp := ResponseMessage{
		RequestID: req.ID,
		Field:     req.Field,
		Timestamp: time.Now().UTC(),
	}

	var value uint16
	var err error
	switch req.Field {
	case "regime":
		value, err = b.controller.GetRegime(ctx)
	case "speed":
		value, err = b.controller.GetSpeed(ctx)
	default:
		err = fmt.Errorf("%w: unknown field %q", ErrInvalidValue, req.Field)
	}

	if err != nil {
		resp.Error = err.Error()
	} else {
		resp.Value = value
	}

	b.publishJSON(b.topics.FanResponse(req.ID), resp, false)
}

// publishState reads both controls (cache-friendly) and publishes the
// retained state message.
func (b *Bridge) publishState(ctx context.Context) {
	regime, err := b.controller.GetRegime(ctx)
	if err != nil {
		b.logWarn("state publish skipped, regime read failed", "error", err)
		return
	}
	speed, err := b.controller.GetSpeed(ctx)
	if err != nil {
		b.logWarn("state publish skipped, speed read failed", "error", err)
		return
	}

	if b.telemetry != nil {
		b.telemetry.WriteFanState(b.controller.Endpoint(), regime, speed)
	}

	b.publishJSON(b.topics.FanState(), StateMessage{
		Regime:    regime,
		Speed:     speed,
		Timestamp: time.Now().UTC(),
	}, true)
}

// publishAck publishes a command acknowledgment.
func (b *Bridge) publishAck(commandID string, status AckStatus, errMsg string) {
	b.publishJSON(b.topics.FanAck(), AckMessage{
		CommandID: commandID,
		Timestamp: time.Now().UTC(),
		Status:    status,
		Error:     errMsg,
	}, false)
}

// healthLoop publishes bridge health on the configured interval.
func (b *Bridge) healthLoop(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.healthInterval)
	defer ticker.Stop()

	status, reason := b.determineStatus()
	b.publishHealth(status, reason)

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done.Done():
			return
		case <-ticker.C:
			status, reason := b.determineStatus()
			b.publishHealth(status, reason)
		}
	}
}

// determineStatus evaluates the bridge's coarse health.
func (b *Bridge) determineStatus() (BridgeHealthStatus, string) {
	if !b.publisher.IsConnected() {
		return HealthDegraded, "broker disconnected"
	}
	if b.controller.ConnectionState() != StateConnected {
		return HealthDegraded, "unit disconnected"
	}
	if b.controller.Health().ConsecutiveFailures >= degradedThreshold {
		return HealthDegraded, "consecutive operation failures"
	}
	return HealthHealthy, ""
}

// publishHealth publishes one health report (QoS 1, retained).
func (b *Bridge) publishHealth(status BridgeHealthStatus, reason string) {
	msg := HealthMessage{
		BridgeID:   b.bridgeID,
		Version:    b.version,
		Status:     status,
		Reason:     reason,
		Timestamp:  time.Now().UTC(),
		UptimeSec:  int64(time.Since(b.startTime).Seconds()),
		Endpoint:   b.controller.Endpoint(),
		Connection: b.controller.ConnectionState().String(),
		Stats:      b.controller.Health(),
	}
	b.publishJSON(b.topics.BridgeHealth(), msg, true)
}

// publishJSON marshals and publishes at QoS 1.
func (b *Bridge) publishJSON(topic string, msg any, retained bool) {
	payload, err := json.Marshal(msg)
	if err != nil {
		b.logError("marshalling message", "topic", topic, "error", err)
		return
	}
	if err := b.publisher.Publish(topic, payload, 1, retained); err != nil {
		b.logWarn("publish failed", "topic", topic, "error", err)
	}
}

// recordEvent writes a durable event if a sink is configured.
func (b *Bridge) recordEvent(eventType string, details map[string]any) {
	if b.events != nil {
		b.events.Record(eventType, b.controller.Endpoint(), details)
	}
}

func (b *Bridge) getLogger() Logger {
	b.loggerMu.RLock()
	defer b.loggerMu.RUnlock()
	return b.logger
}

// SetLogger sets the logger for this bridge.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()
}

func (b *Bridge) logInfo(msg string, args ...any) {
	if l := b.getLogger(); l != nil {
		l.Info(msg, args...)
	}
}

func (b *Bridge) logWarn(msg string, args ...any) {
	if l := b.getLogger(); l != nil {
		l.Warn(msg, args...)
	}
}

func (b *Bridge) logError(msg string, args ...any) {
	if l := b.getLogger(); l != nil {
		l.Error(msg, args...)
	}
}
