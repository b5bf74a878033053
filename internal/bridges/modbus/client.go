package modbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ventlogic/ventbridge/internal/events"
)

// Client defaults.
const (
	defaultOperationTimeout = 10 * time.Second
	defaultCacheTTL         = 5 * time.Second
	defaultMaxRetries       = 3
	defaultPowerOnSettle    = 800 * time.Millisecond

	// regimeOnSentinel is the wire value written to switch the unit on.
	// The unit reports any non-zero regime as "on", but only accepts 2
	// as the on command.
	regimeOnSentinel = 2

	maxSpeedPercent = 100
)

// Telemetry receives operation and connection metrics.
// Implemented by influxdb.Client; nil disables telemetry.
type Telemetry interface {
	WriteOperationMetric(endpoint, operation string, register uint16, latency time.Duration, success bool)
	WriteConnectionEvent(endpoint, event string, attempt int)
	WriteHealthSample(endpoint string, successRate float64, consecutiveFailures int)
}

// EventSink receives durable operational events.
// Backed by the events repository; nil disables event recording.
type EventSink interface {
	Record(eventType, endpoint string, details map[string]any)
}

// ClientConfig holds construction parameters for a RegisterClient.
// All values are immutable after construction.
type ClientConfig struct {
	// Endpoint is the device host:port.
	Endpoint string

	// Register addresses.
	RegimeRegister    uint16
	SpeedRegister     uint16
	HeartbeatRegister uint16

	// OperationTimeout bounds each device operation. Default: 10s.
	OperationTimeout time.Duration

	// ThrottleInterval is the minimum gap between operations. Default: 1s.
	ThrottleInterval time.Duration

	// QueueDepth bounds pending operations. Default: 3.
	QueueDepth int

	// MaxRetries is the number of retries after the first failed
	// attempt of one operation. Default: 3.
	MaxRetries int

	// Backoff curve. Defaults: 5s base, 60s cap, 1s jitter.
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	BackoffJitter time.Duration

	// HeartbeatInterval spaces liveness probes. Default: 60s.
	HeartbeatInterval time.Duration

	// CacheTTL is the register cache lifetime. Default: 5s.
	CacheTTL time.Duration

	// Quiescence is the wait after closing a session. Default: 1s.
	Quiescence time.Duration

	// MinAttemptInterval spaces connection attempts. Default: 2s.
	MinAttemptInterval time.Duration

	// PowerOnSettle is the wait after switching the unit on before the
	// next register write. Default: 800ms.
	PowerOnSettle time.Duration

	// Factory creates transports. Required.
	Factory TransportFactory

	// Registry is the process-wide duplicate-session guard. Required.
	Registry *InstanceRegistry

	// Telemetry and Events are optional.
	Telemetry Telemetry
	Events    EventSink
}

// RegisterClient is the composition root: the public surface the
// accessory layer talks to.
//
// Every operation resolves or fails within a bounded time; callers are
// never left hanging. All device-facing work funnels through one serial
// queue, so concurrent callers cannot produce overlapping requests.
//
// Thread Safety: all methods are safe for concurrent use.
type RegisterClient struct {
	cfg ClientConfig

	conn    *ConnectionManager
	queue   *OperationQueue
	cache   *CacheStore
	backoff *BackoffPolicy
	health  *HealthMonitor

	closed   *closeOnce
	shutdown sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// Ensure RegisterClient satisfies the registry contract.
var _ Instance = (*RegisterClient)(nil)

// NewRegisterClient creates, registers, and starts a client.
//
// The client installs itself in the registry; a previous instance for
// the same endpoint is torn down by the registry before this one
// becomes active. Call Shutdown to release all resources.
func NewRegisterClient(cfg ClientConfig) (*RegisterClient, error) {
	if cfg.Factory == nil {
		return nil, fmt.Errorf("%w: transport factory is required", ErrInvalidValue)
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("%w: instance registry is required", ErrInvalidValue)
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("%w: endpoint is required", ErrInvalidValue)
	}

	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = defaultOperationTimeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.PowerOnSettle <= 0 {
		cfg.PowerOnSettle = defaultPowerOnSettle
	}

	c := &RegisterClient{
		cfg:     cfg,
		cache:   NewCacheStore(cfg.CacheTTL),
		backoff: NewBackoffPolicy(cfg.BackoffBase, cfg.BackoffCap, cfg.BackoffJitter),
		queue:   NewOperationQueue(cfg.QueueDepth, cfg.ThrottleInterval),
		closed:  newCloseOnce(),
	}

	c.conn = NewConnectionManager(ConnectionManagerConfig{
		Factory:            cfg.Factory,
		Endpoint:           cfg.Endpoint,
		Quiescence:         cfg.Quiescence,
		MinAttemptInterval: cfg.MinAttemptInterval,
		OnConnected:        c.handleConnected,
		OnConnectFailed:    c.handleConnectFailed,
		OnDisconnected:     c.handleDisconnected,
	})

	c.health = NewHealthMonitor(HealthMonitorConfig{
		Interval:   cfg.HeartbeatInterval,
		Probe:      c.heartbeatProbe,
		Connected:  c.conn.IsConnected,
		OnDegraded: c.handleDegraded,
	})

	cfg.Registry.Register(cfg.Endpoint, c)
	c.health.Start(context.Background())

	return c, nil
}

// Endpoint returns the device host:port this client owns.
func (c *RegisterClient) Endpoint() string {
	return c.cfg.Endpoint
}

// SetLogger sets the logger for the client and its components.
func (c *RegisterClient) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()

	c.conn.SetLogger(logger)
	c.health.SetLogger(logger)
}

// GetRegime returns the logical on/off state: 0 when off, 1 when the
// regime register holds any non-zero value.
func (c *RegisterClient) GetRegime(ctx context.Context) (uint16, error) {
	raw, err := c.readRegister(ctx, c.cfg.RegimeRegister)
	if err != nil {
		return 0, err
	}
	if raw != 0 {
		return 1, nil
	}
	return 0, nil
}

// SetRegime switches the unit on (1) or off (0).
//
// Logical 1 is written as the on-sentinel wire value; the cache entry
// for the regime register is invalidated, never updated in place.
func (c *RegisterClient) SetRegime(ctx context.Context, value uint16) error {
	if value > 1 {
		return fmt.Errorf("%w: regime must be 0 or 1, got %d", ErrInvalidValue, value)
	}

	wire := uint16(0)
	if value == 1 {
		wire = regimeOnSentinel
	}

	// User commands jump the queue ahead of reads and heartbeats.
	return c.writeRegister(ctx, true, c.cfg.RegimeRegister, wire)
}

// GetSpeed returns the fan speed percentage (0-100).
func (c *RegisterClient) GetSpeed(ctx context.Context) (uint16, error) {
	return c.readRegister(ctx, c.cfg.SpeedRegister)
}

// SetSpeed sets the fan speed percentage (0-100).
//
// A speed command while the unit is off first writes the on-sentinel to
// the regime register and waits for the power-on settle interval; the
// unit ignores speed writes until it has spun up.
func (c *RegisterClient) SetSpeed(ctx context.Context, percent uint16) error {
	if percent > maxSpeedPercent {
		return fmt.Errorf("%w: speed must be 0-100, got %d", ErrInvalidValue, percent)
	}

	return c.execute(ctx, true, "write", c.cfg.SpeedRegister, func(ctx context.Context, t Transport) error {
		regime, known := c.cache.Get(c.cfg.RegimeRegister)
		if !known {
			raw, err := t.ReadRegister(ctx, c.cfg.RegimeRegister)
			if err != nil {
				return err
			}
			regime = raw
		}

		if regime == 0 {
			if err := t.WriteRegister(ctx, c.cfg.RegimeRegister, regimeOnSentinel); err != nil {
				return err
			}
			c.cache.Invalidate(c.cfg.RegimeRegister)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.cfg.PowerOnSettle):
			}
		}

		if err := t.WriteRegister(ctx, c.cfg.SpeedRegister, percent); err != nil {
			return err
		}
		c.cache.Invalidate(c.cfg.SpeedRegister)
		return nil
	})
}

// Health returns a snapshot of the client's health counters.
func (c *RegisterClient) Health() HealthStats {
	return c.health.Stats()
}

// ConnectionState returns the current session state.
func (c *RegisterClient) ConnectionState() ConnectionState {
	return c.conn.State()
}

// Shutdown releases all resources: heartbeat stopped, queue drained,
// transport closed, registry entry removed. Idempotent and safe to call
// concurrently with in-flight operations.
func (c *RegisterClient) Shutdown() {
	c.shutdown.Do(func() {
		c.closed.Close()
		c.health.Stop()
		c.queue.Stop()
		c.conn.Disconnect()

		// A shut-down client must fail, not serve stale cached values.
		c.cache.Flush()
		c.cfg.Registry.Unregister(c.cfg.Endpoint, c)

		c.logInfo("client shut down", "endpoint", c.cfg.Endpoint)
	})
}

// readRegister reads addr through the cache with single-flight
// coalescing. The raw register value is cached; callers normalise.
func (c *RegisterClient) readRegister(ctx context.Context, addr uint16) (uint16, error) {
	return c.cache.CoalesceRead(addr, func() (uint16, error) {
		var value uint16
		err := c.execute(ctx, false, "read", addr, func(ctx context.Context, t Transport) error {
			v, err := t.ReadRegister(ctx, addr)
			if err != nil {
				return err
			}
			value = v
			// Store before the queue moves on: a write queued behind
			// this read must see the entry and invalidate it, not race
			// the store with its invalidation.
			c.cache.Set(addr, v)
			return nil
		})
		return value, err
	})
}

// writeRegister writes addr and invalidates its cache entry.
func (c *RegisterClient) writeRegister(ctx context.Context, priority bool, addr, value uint16) error {
	return c.execute(ctx, priority, "write", addr, func(ctx context.Context, t Transport) error {
		if err := t.WriteRegister(ctx, addr, value); err != nil {
			return err
		}
		c.cache.Invalidate(addr)
		return nil
	})
}

// execute queues fn and runs it under the retry policy.
func (c *RegisterClient) execute(ctx context.Context, priority bool, opName string, register uint16, fn func(ctx context.Context, t Transport) error) error {
	select {
	case <-c.closed.Done():
		return ErrClientClosed
	default:
	}

	return c.queue.Enqueue(ctx, priority, func(ctx context.Context) error {
		return c.runWithRetry(ctx, opName, register, fn)
	})
}

// runWithRetry executes one operation with backoff-classified retries.
//
// Device-busy failures retry in place on the same connection; transport
// failures mark the connection broken and reconnect before the next
// attempt; a per-operation timeout fails immediately and forces a fresh
// connect on the next operation.
func (c *RegisterClient) runWithRetry(ctx context.Context, opName string, register uint16, fn func(ctx context.Context, t Transport) error) error {
	maxAttempts := c.cfg.MaxRetries + 1
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := c.backoff.NextDelay(attempt - 1)
			c.logDebug("retrying operation",
				"operation", opName,
				"register", register,
				"attempt", attempt,
				"delay", delay.String(),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.closed.Done():
				return ErrClientClosed
			case <-time.After(delay):
			}
		}

		if err := c.conn.EnsureConnected(ctx); err != nil {
			if Classify(err) == ClassFatal {
				return err
			}
			lastErr = err
			c.recordOutcome(opName, register, 0, false)
			continue
		}

		transport := c.conn.Transport()
		if transport == nil {
			lastErr = ErrNotConnected
			continue
		}

		opCtx, cancel := context.WithTimeout(ctx, c.cfg.OperationTimeout)
		start := time.Now()
		err := fn(opCtx, transport)
		latency := time.Since(start)
		cancel()

		c.recordOutcome(opName, register, latency, err == nil)

		if err == nil {
			return nil
		}
		lastErr = err

		// Per-operation timeout: fail the caller now and drop the
		// stalled handle so the next operation dials fresh.
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			c.conn.MarkBroken()
			c.logWarn("operation timed out",
				"operation", opName,
				"register", register,
				"timeout", c.cfg.OperationTimeout.String(),
			)
			return fmt.Errorf("%w: %s register %d after %v", ErrOperationTimeout, opName, register, c.cfg.OperationTimeout)
		}

		switch Classify(err) {
		case ClassFatal:
			return err
		case ClassDeviceBusy:
			// A busy device is not a broken connection.
			lastErr = fmt.Errorf("%w: %w", ErrDeviceBusy, err)
			c.logWarn("device busy, will retry",
				"operation", opName,
				"register", register,
				"attempt", attempt,
			)
		case ClassRetryable:
			c.logWarn("operation failed, reconnecting before retry",
				"operation", opName,
				"register", register,
				"attempt", attempt,
				"error", err,
			)
			c.conn.MarkBroken()
		}
	}

	// Soft escalation: log, surface the error, keep the client alive.
	// The attempt counter is per operation, so the next call starts
	// from the base delay again.
	c.logError("retries exhausted",
		"operation", opName,
		"register", register,
		"attempts", maxAttempts,
		"error", lastErr,
	)
	c.recordEvent(events.TypeRetryExhausted, map[string]any{
		"operation": opName,
		"register":  register,
		"attempts":  maxAttempts,
	})

	return fmt.Errorf("%w: %s register %d: %w", ErrRetryExhausted, opName, register, lastErr)
}

// heartbeatProbe reads the liveness register through the normal
// operation path. Skipped when user work is pending; the heartbeat
// must not delay real operations.
func (c *RegisterClient) heartbeatProbe(ctx context.Context) error {
	if c.queue.Pending() > 0 {
		return nil
	}

	return c.execute(ctx, false, "heartbeat", c.cfg.HeartbeatRegister, func(ctx context.Context, t Transport) error {
		_, err := t.ReadRegister(ctx, c.cfg.HeartbeatRegister)
		return err
	})
}

// handleConnected runs after every successful connect.
func (c *RegisterClient) handleConnected() {
	// A new session must never serve values cached from the old one.
	c.cache.Flush()

	if c.cfg.Telemetry != nil {
		c.cfg.Telemetry.WriteConnectionEvent(c.cfg.Endpoint, "connected", int(c.conn.ConnectsTotal()))
	}
	c.recordEvent(events.TypeConnected, nil)
}

// handleConnectFailed runs after every failed connection attempt.
func (c *RegisterClient) handleConnectFailed(err error) {
	if c.cfg.Telemetry != nil {
		c.cfg.Telemetry.WriteConnectionEvent(c.cfg.Endpoint, "attempt_failed", int(c.conn.ConnectsTotal()))
	}
	c.recordEvent(events.TypeConnectFailed, map[string]any{
		"error": err.Error(),
	})
}

// handleDisconnected runs after a session is torn down, whether by a
// clean disconnect or a broken-connection drop.
func (c *RegisterClient) handleDisconnected() {
	if c.cfg.Telemetry != nil {
		c.cfg.Telemetry.WriteConnectionEvent(c.cfg.Endpoint, "disconnected", int(c.conn.ConnectsTotal()))
	}
	c.recordEvent(events.TypeDisconnected, nil)
}

// handleDegraded runs when consecutive failures reach the threshold.
func (c *RegisterClient) handleDegraded(consecutive uint64) {
	stats := c.health.Stats()
	if c.cfg.Telemetry != nil {
		c.cfg.Telemetry.WriteHealthSample(c.cfg.Endpoint, stats.SuccessRate, int(consecutive))
	}
	c.recordEvent(events.TypeHealthDegraded, map[string]any{
		"consecutive_failures": consecutive,
		"success_rate":         stats.SuccessRate,
	})
}

// recordOutcome updates health counters and telemetry for one attempt.
func (c *RegisterClient) recordOutcome(opName string, register uint16, latency time.Duration, success bool) {
	c.health.RecordOutcome(success)
	if c.cfg.Telemetry != nil {
		c.cfg.Telemetry.WriteOperationMetric(c.cfg.Endpoint, opName, register, latency, success)
	}
}

// recordEvent writes a durable event if a sink is configured.
func (c *RegisterClient) recordEvent(eventType string, details map[string]any) {
	if c.cfg.Events != nil {
		c.cfg.Events.Record(eventType, c.cfg.Endpoint, details)
	}
}

func (c *RegisterClient) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

func (c *RegisterClient) logDebug(msg string, args ...any) {
	if l := c.getLogger(); l != nil {
		l.Debug(msg, args...)
	}
}

func (c *RegisterClient) logInfo(msg string, args ...any) {
	if l := c.getLogger(); l != nil {
		l.Info(msg, args...)
	}
}

func (c *RegisterClient) logWarn(msg string, args ...any) {
	if l := c.getLogger(); l != nil {
		l.Warn(msg, args...)
	}
}

func (c *RegisterClient) logError(msg string, args ...any) {
	if l := c.getLogger(); l != nil {
		l.Error(msg, args...)
	}
}
