// Package modbus provides the resilient register client for the
// ventilation unit.
//
// The unit speaks Modbus TCP but tolerates very little: it drops idle
// connections, rejects overlapping requests with exception code 6
// ("server device busy"), and misbehaves when more than one session
// addresses it at once. Everything in this package exists to make two
// logical controls - an on/off regime and a fan speed percentage -
// reliable against that behaviour:
//
//   - Transport: thin wrapper over the wire protocol client; one fresh
//     handle per connection attempt.
//   - ConnectionManager: connect/disconnect state machine with forced
//     quiescence between sessions and stale-attempt discard.
//   - OperationQueue: single drain goroutine; one device-facing
//     operation in flight at a time, throttled, bounded admission.
//   - CacheStore: TTL cache with single-flight read coalescing.
//   - BackoffPolicy: exponential backoff with jitter; device-busy is
//     retried in place without degrading the connection.
//   - HealthMonitor: rescheduled heartbeat probe plus rolling success
//     rate over all operation outcomes.
//   - InstanceRegistry: process-wide duplicate-session guard keyed by
//     endpoint.
//   - RegisterClient: composition root exposing GetRegime, SetRegime,
//     GetSpeed, SetSpeed.
//
// The Bridge type in this package connects a RegisterClient to MQTT so
// smart-home consumers can command the fan and observe its state.
package modbus
