package modbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Health defaults.
const (
	// defaultHeartbeatInterval spaces liveness probes.
	defaultHeartbeatInterval = 60 * time.Second

	// degradedThreshold is the consecutive-failure count that triggers
	// a warning escalation.
	degradedThreshold = 3
)

// HealthStats is a snapshot of the client's operational health.
type HealthStats struct {
	TotalOperations     uint64    `json:"total_operations"`
	ConsecutiveFailures uint64    `json:"consecutive_failures"`
	LastSuccessAt       time.Time `json:"last_success_at"`
	SuccessRate         float64   `json:"success_rate"`
}

// HealthMonitor tracks operation outcomes and runs the heartbeat probe.
//
// The probe reads a designated liveness register through the client's
// normal operation path, so it is serialised and throttled like any
// other work. It is rescheduled after each run rather than driven by a
// fixed-rate ticker: a slow probe can never overlap the next one.
//
// Thread Safety: all methods are safe for concurrent use.
type HealthMonitor struct {
	interval time.Duration

	// probe performs one liveness read. Invoked only while connected.
	probe func(ctx context.Context) error

	// connected reports whether the session is live; probes are skipped
	// while disconnected.
	connected func() bool

	// onDegraded fires when consecutive failures reach the threshold.
	onDegraded func(consecutive uint64)

	totalOps            atomic.Uint64
	consecutiveFailures atomic.Uint64
	lastSuccessAt       atomic.Int64 // unix nanos, 0 = never

	done     *closeOnce
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// HealthMonitorConfig holds construction parameters.
type HealthMonitorConfig struct {
	// Interval between heartbeat probes. Default: 60 seconds.
	Interval time.Duration

	// Probe performs one liveness read.
	Probe func(ctx context.Context) error

	// Connected reports whether the session is live.
	Connected func() bool

	// OnDegraded fires when consecutive failures reach the threshold.
	OnDegraded func(consecutive uint64)
}

// NewHealthMonitor creates a monitor. Call Start to begin probing.
func NewHealthMonitor(cfg HealthMonitorConfig) *HealthMonitor {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}

	return &HealthMonitor{
		interval:   interval,
		probe:      cfg.Probe,
		connected:  cfg.Connected,
		onDegraded: cfg.OnDegraded,
		done:       newCloseOnce(),
	}
}

// Start launches the heartbeat loop.
func (h *HealthMonitor) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.heartbeatLoop(ctx)
}

// Stop halts the heartbeat loop. Safe to call multiple times.
func (h *HealthMonitor) Stop() {
	h.stopOnce.Do(func() {
		h.done.Close()
		h.wg.Wait()
	})
}

// RecordOutcome updates the stats after any operation, heartbeat or
// user-triggered. Counters are never reset except at instance
// recreation.
func (h *HealthMonitor) RecordOutcome(success bool) {
	h.totalOps.Add(1)

	if success {
		h.consecutiveFailures.Store(0)
		h.lastSuccessAt.Store(time.Now().UnixNano())
		return
	}

	failures := h.consecutiveFailures.Add(1)
	if failures == degradedThreshold {
		h.logWarn("device health degraded",
			"consecutive_failures", failures,
		)
		if h.onDegraded != nil {
			h.onDegraded(failures)
		}
	}
}

// Stats returns a snapshot of the current health counters.
func (h *HealthMonitor) Stats() HealthStats {
	total := h.totalOps.Load()
	failures := h.consecutiveFailures.Load()

	rate := 100.0
	if total > 0 {
		rate = float64(total-min(failures, total)) / float64(total) * 100.0
	}

	var lastSuccess time.Time
	if ns := h.lastSuccessAt.Load(); ns > 0 {
		lastSuccess = time.Unix(0, ns)
	}

	return HealthStats{
		TotalOperations:     total,
		ConsecutiveFailures: failures,
		LastSuccessAt:       lastSuccess,
		SuccessRate:         rate,
	}
}

// SetLogger sets the logger for this monitor.
func (h *HealthMonitor) SetLogger(logger Logger) {
	h.loggerMu.Lock()
	h.logger = logger
	h.loggerMu.Unlock()
}

// heartbeatLoop probes the device on the configured interval. The timer
// is re-armed after each probe completes.
func (h *HealthMonitor) heartbeatLoop(ctx context.Context) {
	defer h.wg.Done()

	timer := time.NewTimer(h.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done.Done():
			return
		case <-timer.C:
			h.runProbe(ctx)
			timer.Reset(h.interval)
		}
	}
}

// runProbe executes one heartbeat if connected.
func (h *HealthMonitor) runProbe(ctx context.Context) {
	if h.probe == nil {
		return
	}
	if h.connected != nil && !h.connected() {
		h.logDebug("heartbeat skipped, not connected")
		return
	}

	if err := h.probe(ctx); err != nil {
		h.logWarn("heartbeat failed", "error", err)
		return
	}
	h.logDebug("heartbeat ok")
}

func (h *HealthMonitor) getLogger() Logger {
	h.loggerMu.RLock()
	defer h.loggerMu.RUnlock()
	return h.logger
}

func (h *HealthMonitor) logDebug(msg string, args ...any) {
	if l := h.getLogger(); l != nil {
		l.Debug(msg, args...)
	}
}

func (h *HealthMonitor) logWarn(msg string, args ...any) {
	if l := h.getLogger(); l != nil {
		l.Warn(msg, args...)
	}
}
