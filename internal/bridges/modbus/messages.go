package modbus

import (
	"encoding/json"
	"fmt"
	"time"
)

// MQTT message types for the VentBridge fan surface.

// Command actions accepted on ventbridge/fan/command.
const (
	ActionSetRegime = "set_regime"
	ActionSetSpeed  = "set_speed"
)

// CommandMessage is published by consumers to command the fan.
// Topic: ventbridge/fan/command
type CommandMessage struct {
	// ID uniquely identifies this command for ack correlation.
	ID string `json:"id"`

	// Timestamp is when the command was issued (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// Action is "set_regime" or "set_speed".
	Action string `json:"action"`

	// Value is 0|1 for set_regime, 0-100 for set_speed.
	Value uint16 `json:"value"`
}

// Validate checks the command is well formed.
func (m *CommandMessage) Validate() error {
	switch m.Action {
	case ActionSetRegime:
		if m.Value > 1 {
			return fmt.Errorf("%w: regime must be 0 or 1, got %d", ErrInvalidValue, m.Value)
		}
	case ActionSetSpeed:
		if m.Value > maxSpeedPercent {
			return fmt.Errorf("%w: speed must be 0-100, got %d", ErrInvalidValue, m.Value)
		}
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidValue, m.Action)
	}
	return nil
}

// AckStatus is the outcome of a command.
type AckStatus string

const (
	// AckApplied means the write reached the device.
	AckApplied AckStatus = "applied"

	// AckFailed means the command could not be executed.
	AckFailed AckStatus = "failed"

	// AckRejected means the command was malformed or out of range.
	AckRejected AckStatus = "rejected"
)

// AckMessage acknowledges a command.
// Topic: ventbridge/fan/ack
type AckMessage struct {
	// CommandID is the ID from the original command.
	CommandID string `json:"command_id"`

	// Timestamp is when the ack was produced (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// Status is the command outcome.
	Status AckStatus `json:"status"`

	// Error describes the failure when status is not "applied".
	Error string `json:"error,omitempty"`
}

// StateMessage carries the fan's logical state.
// Topic: ventbridge/fan/state, QoS 1, retained.
type StateMessage struct {
	// Regime is the logical on/off state (0 or 1).
	Regime uint16 `json:"regime"`

	// Speed is the fan speed percentage (0-100).
	Speed uint16 `json:"speed"`

	// Timestamp is when the state was observed (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`
}

// RequestMessage asks the bridge for a fresh read.
// Topic: ventbridge/fan/request
type RequestMessage struct {
	// ID correlates the response topic: ventbridge/fan/response/{id}.
	ID string `json:"id"`

	// Field is "regime" or "speed".
	Field string `json:"field"`
}

// ResponseMessage answers a read request.
// Topic: ventbridge/fan/response/{request_id}
type ResponseMessage struct {
	RequestID string    `json:"request_id"`
	Field     string    `json:"field"`
	Value     uint16    `json:"value"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

// BridgeHealthStatus is the bridge's coarse operational state.
type BridgeHealthStatus string

const (
	HealthHealthy  BridgeHealthStatus = "healthy"
	HealthDegraded BridgeHealthStatus = "degraded"
	HealthOffline  BridgeHealthStatus = "offline"
	HealthStopping BridgeHealthStatus = "stopping"
)

// HealthMessage is the periodic bridge health report.
// Topic: ventbridge/bridge/health, QoS 1, retained. Also used as LWT
// payload with status "offline".
type HealthMessage struct {
	BridgeID  string             `json:"bridge_id"`
	Version   string             `json:"version"`
	Status    BridgeHealthStatus `json:"status"`
	Reason    string             `json:"reason,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
	UptimeSec int64              `json:"uptime_sec"`

	// Endpoint is the ventilation unit host:port.
	Endpoint string `json:"endpoint"`

	// Connection is the unit session state ("connected", ...).
	Connection string `json:"connection"`

	// Stats are the register client health counters.
	Stats HealthStats `json:"stats"`
}

// NewLWTPayload builds the retained offline payload the broker publishes
// when the bridge dies without a clean disconnect.
func NewLWTPayload(bridgeID, version, endpoint string) ([]byte, error) {
	msg := HealthMessage{
		BridgeID:  bridgeID,
		Version:   version,
		Status:    HealthOffline,
		Reason:    "unexpected_disconnect",
		Timestamp: time.Now().UTC(),
		Endpoint:  endpoint,
	}
	return json.Marshal(msg)
}
