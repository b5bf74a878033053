package modbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Connection defaults.
const (
	// defaultQuiescence is how long to wait after force-closing a
	// session before dialling again. The device holds the old session
	// briefly; reconnecting inside that window is the main cause of
	// rejected connections.
	defaultQuiescence = time.Second

	// defaultMinAttemptInterval rejects connection attempts spaced too
	// closely, protecting the device from attempt storms.
	defaultMinAttemptInterval = 2 * time.Second

	// closeGraceTimeout bounds the graceful close of an old transport
	// before falling back to abandoning it.
	closeGraceTimeout = 2 * time.Second
)

// ConnectionState is the lifecycle state of the device session.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// Logger is the minimal logging surface this package needs.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// ConnectionManager owns the transport handle and its lifecycle.
//
// Connect attempts are mutually exclusive: concurrent callers serialise
// on an internal mutex rather than racing independent dials. Every
// attempt gets a fresh transport tagged with a monotonically increasing
// attempt ID; a connect that resolves after being superseded (by a
// disconnect or a newer attempt) is discarded, never adopted.
//
// Thread Safety: all methods are safe for concurrent use.
type ConnectionManager struct {
	factory  TransportFactory
	endpoint string

	// connectMu serialises connect/disconnect work.
	connectMu sync.Mutex

	// stateMu guards state and transport.
	stateMu   sync.RWMutex
	state     ConnectionState
	transport Transport

	// attemptID tags connection attempts; a mismatch on resolve means
	// the attempt was superseded and its result must be discarded.
	attemptID atomic.Uint64

	// lastAttempt enforces the minimum inter-attempt interval.
	lastAttemptMu sync.Mutex
	lastAttempt   time.Time

	quiescence         time.Duration
	minAttemptInterval time.Duration

	// onConnected runs after every successful connect (cache flush).
	onConnected func()

	// onConnectFailed runs after a failed connection attempt.
	onConnectFailed func(err error)

	// onDisconnected runs after a live session is torn down.
	onDisconnected func()

	// connectsTotal counts successful connections.
	connectsTotal atomic.Uint64

	logger   Logger
	loggerMu sync.RWMutex
}

// ConnectionManagerConfig holds construction parameters.
type ConnectionManagerConfig struct {
	// Factory creates a fresh transport per attempt.
	Factory TransportFactory

	// Endpoint is the device host:port, for logging.
	Endpoint string

	// Quiescence is the wait after closing an old session.
	// Default: 1 second.
	Quiescence time.Duration

	// MinAttemptInterval is the minimum spacing between attempts.
	// Default: 2 seconds.
	MinAttemptInterval time.Duration

	// OnConnected is invoked after every successful connect.
	OnConnected func()

	// OnConnectFailed is invoked after every failed connection attempt,
	// with the attempt's error.
	OnConnectFailed func(err error)

	// OnDisconnected is invoked after a live session is torn down,
	// whether by Disconnect or MarkBroken.
	OnDisconnected func()
}

// NewConnectionManager creates a manager in the Disconnected state.
func NewConnectionManager(cfg ConnectionManagerConfig) *ConnectionManager {
	quiescence := cfg.Quiescence
	if quiescence <= 0 {
		quiescence = defaultQuiescence
	}
	minInterval := cfg.MinAttemptInterval
	if minInterval <= 0 {
		minInterval = defaultMinAttemptInterval
	}

	return &ConnectionManager{
		factory:            cfg.Factory,
		endpoint:           cfg.Endpoint,
		quiescence:         quiescence,
		minAttemptInterval: minInterval,
		onConnected:        cfg.OnConnected,
		onConnectFailed:    cfg.OnConnectFailed,
		onDisconnected:     cfg.OnDisconnected,
		state:              StateDisconnected,
	}
}

// Connect establishes a fresh session to the device.
//
// Any existing transport is force-closed first, followed by the
// quiescence wait so the device releases the old session. Attempts
// spaced closer than the minimum interval fail with ErrAttemptTooSoon;
// the caller's backoff supplies the spacing.
func (m *ConnectionManager) Connect(ctx context.Context) error {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	if m.State() == StateConnected {
		return nil
	}

	if err := m.checkAttemptSpacing(); err != nil {
		return err
	}

	m.setState(StateConnecting)
	attempt := m.attemptID.Add(1)

	// Force-close any stale transport and let the device-side session
	// terminate before dialling again.
	m.closeTransport()
	if !m.sleepCtx(ctx, m.quiescence) {
		m.setState(StateDisconnected)
		return fmt.Errorf("%w: %w", ErrConnectionFailed, ctx.Err())
	}

	transport := m.factory()
	m.logDebug("connecting", "endpoint", m.endpoint, "attempt", attempt)

	if err := transport.Connect(ctx); err != nil {
		transport.Close() //nolint:errcheck // Best effort on failed attempt
		m.setState(StateDisconnected)
		if m.onConnectFailed != nil {
			m.onConnectFailed(err)
		}
		return fmt.Errorf("connect to %s: %w", m.endpoint, err)
	}

	// Discard the result if a disconnect superseded this attempt while
	// the dial was in flight.
	if m.attemptID.Load() != attempt {
		transport.Close() //nolint:errcheck // Superseded attempt, best effort
		m.logWarn("discarding superseded connection attempt", "attempt", attempt)
		return fmt.Errorf("%w: attempt superseded", ErrConnectionFailed)
	}

	m.stateMu.Lock()
	m.transport = transport
	m.state = StateConnected
	m.stateMu.Unlock()

	m.connectsTotal.Add(1)
	m.logInfo("connected", "endpoint", m.endpoint, "attempt", attempt)

	if m.onConnected != nil {
		m.onConnected()
	}

	return nil
}

// EnsureConnected connects only if not already connected.
func (m *ConnectionManager) EnsureConnected(ctx context.Context) error {
	if m.State() == StateConnected {
		return nil
	}
	return m.Connect(ctx)
}

// Disconnect tears the session down. Always succeeds from the caller's
// perspective; close errors are logged. Idempotent and safe to call
// concurrently with in-flight connects, which it supersedes.
func (m *ConnectionManager) Disconnect() {
	// Supersede any in-flight attempt before taking the lock, so a
	// dial resolving during our wait is discarded.
	m.attemptID.Add(1)

	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.setState(StateDisconnecting)
	hadSession := m.closeTransport()
	m.setState(StateDisconnected)

	m.logInfo("disconnected", "endpoint", m.endpoint)

	if hadSession && m.onDisconnected != nil {
		m.onDisconnected()
	}
}

// MarkBroken drops the current transport without the full disconnect
// path. Called after an operation timeout so the next attempt dials
// fresh instead of reusing a stalled handle.
func (m *ConnectionManager) MarkBroken() {
	m.attemptID.Add(1)

	m.stateMu.Lock()
	transport := m.transport
	m.transport = nil
	m.state = StateDisconnected
	m.stateMu.Unlock()

	if transport != nil {
		transport.Close() //nolint:errcheck // Broken handle, best effort
		m.logWarn("connection marked broken", "endpoint", m.endpoint)
		if m.onDisconnected != nil {
			m.onDisconnected()
		}
	}
}

// State returns the current connection state.
func (m *ConnectionManager) State() ConnectionState {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.state
}

// IsConnected reports whether a live session exists.
func (m *ConnectionManager) IsConnected() bool {
	return m.State() == StateConnected
}

// Transport returns the current transport, or nil when disconnected.
func (m *ConnectionManager) Transport() Transport {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	if m.state != StateConnected {
		return nil
	}
	return m.transport
}

// ConnectsTotal returns the number of successful connections.
func (m *ConnectionManager) ConnectsTotal() uint64 {
	return m.connectsTotal.Load()
}

// SetLogger sets the logger for this manager.
func (m *ConnectionManager) SetLogger(logger Logger) {
	m.loggerMu.Lock()
	m.logger = logger
	m.loggerMu.Unlock()
}

// checkAttemptSpacing enforces the minimum inter-attempt interval.
func (m *ConnectionManager) checkAttemptSpacing() error {
	m.lastAttemptMu.Lock()
	defer m.lastAttemptMu.Unlock()

	if !m.lastAttempt.IsZero() && time.Since(m.lastAttempt) < m.minAttemptInterval {
		return ErrAttemptTooSoon
	}
	m.lastAttempt = time.Now()
	return nil
}

// closeTransport closes the current transport with a grace timeout.
// Reports whether there was a transport to close.
func (m *ConnectionManager) closeTransport() bool {
	m.stateMu.Lock()
	transport := m.transport
	m.transport = nil
	m.stateMu.Unlock()

	if transport == nil {
		return false
	}

	// Graceful close bounded by a timeout; an unresponsive transport
	// is abandoned rather than blocking the reconnect.
	done := make(chan struct{})
	go func() {
		if err := transport.Close(); err != nil {
			m.logDebug("transport close failed", "error", err)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(closeGraceTimeout):
		m.logWarn("transport close timed out, abandoning handle", "endpoint", m.endpoint)
	}
	return true
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false on
// cancellation.
func (m *ConnectionManager) sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (m *ConnectionManager) setState(s ConnectionState) {
	m.stateMu.Lock()
	m.state = s
	m.stateMu.Unlock()
}

func (m *ConnectionManager) getLogger() Logger {
	m.loggerMu.RLock()
	defer m.loggerMu.RUnlock()
	return m.logger
}

func (m *ConnectionManager) logDebug(msg string, args ...any) {
	if l := m.getLogger(); l != nil {
		l.Debug(msg, args...)
	}
}

func (m *ConnectionManager) logInfo(msg string, args ...any) {
	if l := m.getLogger(); l != nil {
		l.Info(msg, args...)
	}
}

func (m *ConnectionManager) logWarn(msg string, args ...any) {
	if l := m.getLogger(); l != nil {
		l.Warn(msg, args...)
	}
}
