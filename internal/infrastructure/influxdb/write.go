package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteOperationMetric records the outcome of a single register operation.
//
// Every read and write against the ventilation unit produces one point,
// giving latency percentiles and error rates per register over time.
//
// Parameters:
//   - endpoint: The unit's host:port
//   - operation: "read" or "write"
//   - register: The register address the operation targeted
//   - latency: Wall-clock duration of the operation
//   - success: Whether the operation succeeded
//
// Example:
//
//	client.WriteOperationMetric("192.168.1.50:502", "read", 1002, 38*time.Millisecond, true)
func (c *Client) WriteOperationMetric(endpoint, operation string, register uint16, latency time.Duration, success bool) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"modbus_operations",
		map[string]string{
			"endpoint":  endpoint,
			"operation": operation,
		},
		map[string]interface{}{
			"register":   int64(register),
			"latency_ms": float64(latency.Microseconds()) / 1000.0,
			"success":    success,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteConnectionEvent records a connection lifecycle event.
//
// Events: "connected", "disconnected", "attempt_failed", "reconnect".
// The attempt field carries the attempt counter at the time of the event,
// which shows how long the unit stayed unreachable.
func (c *Client) WriteConnectionEvent(endpoint, event string, attempt int) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"modbus_connection",
		map[string]string{
			"endpoint": endpoint,
			"event":    event,
		},
		map[string]interface{}{
			"attempt": int64(attempt),
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteHealthSample records a heartbeat health sample for the unit.
//
// Parameters:
//   - endpoint: The unit's host:port
//   - successRate: Rolling success percentage (0-100)
//   - consecutiveFailures: Current run of failed heartbeats
func (c *Client) WriteHealthSample(endpoint string, successRate float64, consecutiveFailures int) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"unit_health",
		map[string]string{
			"endpoint": endpoint,
		},
		map[string]interface{}{
			"success_rate":         successRate,
			"consecutive_failures": int64(consecutiveFailures),
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteFanState records the fan's logical state after a successful
// read or confirmed write.
func (c *Client) WriteFanState(endpoint string, regime, speed uint16) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"fan_state",
		map[string]string{
			"endpoint": endpoint,
		},
		map[string]interface{}{
			"regime": int64(regime),
			"speed":  int64(speed),
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point for measurements the helpers don't cover.
//
// Tags should stay low-cardinality; fields carry the data.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, time.Now()))
}
