// Package influxdb records VentBridge telemetry in InfluxDB v2.
//
// The bridge emits three kinds of time-series data:
//   - Operation outcomes: latency and result of every register read/write
//   - Connection events: attempts, failures, reconnects to the unit
//   - Health samples: heartbeat success rate and consecutive failures
//
// Writes go through the non-blocking WriteAPI: points are batched and
// flushed on an interval, so recording a metric never delays a Modbus
// operation. Async write failures surface through the SetOnError callback.
//
// Telemetry is optional; when influxdb.enabled is false in config.yaml the
// bridge runs without it and Connect returns ErrDisabled.
package influxdb
