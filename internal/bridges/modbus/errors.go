package modbus

import "errors"

// Domain errors for the register client.
var (
	// ErrNotConnected is returned when an operation requires a live
	// connection but the client is disconnected.
	ErrNotConnected = errors.New("modbus: not connected to device")

	// ErrConnectionFailed is returned when a connection attempt fails.
	ErrConnectionFailed = errors.New("modbus: connection failed")

	// ErrDeviceBusy is returned when the device rejects a request with
	// exception code 6 (server device busy).
	ErrDeviceBusy = errors.New("modbus: device busy")

	// ErrOperationTimeout is returned when a device operation exceeds
	// its per-operation timeout.
	ErrOperationTimeout = errors.New("modbus: operation timed out")

	// ErrQueueSaturated is returned when the operation queue has reached
	// its admission bound and rejects further work.
	ErrQueueSaturated = errors.New("modbus: operation queue saturated")

	// ErrRetryExhausted is returned after the configured retries for one
	// operation are spent. The client keeps reconnecting in the
	// background; the caller may simply try again.
	ErrRetryExhausted = errors.New("modbus: retries exhausted")

	// ErrAttemptTooSoon is returned when connection attempts are spaced
	// more closely than the minimum inter-attempt interval.
	ErrAttemptTooSoon = errors.New("modbus: connection attempt too soon")

	// ErrClientClosed is returned for operations on a client that has
	// been shut down.
	ErrClientClosed = errors.New("modbus: client closed")

	// ErrInvalidValue is returned for out-of-range regime or speed values.
	ErrInvalidValue = errors.New("modbus: invalid value")
)
