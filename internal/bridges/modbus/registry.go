package modbus

import (
	"sort"
	"sync"

	"github.com/ventlogic/ventbridge/internal/events"
)

// Instance is what the registry holds: enough to identify a client and
// tear it down.
type Instance interface {
	// Endpoint returns the device host:port this instance owns.
	Endpoint() string

	// Shutdown releases all resources: timers cancelled, queue drained,
	// transport closed. Must be idempotent and safe to call reentrantly
	// during registry operations.
	Shutdown()
}

// InstanceRegistry is the process-wide duplicate-session guard.
//
// At most one client instance may exist per device endpoint. The device
// cannot tolerate two concurrent sessions, and a consuming framework
// can easily create two clients for the same endpoint across a
// configuration reload. Registering over an existing entry forcibly
// tears the incumbent down.
//
// The registry is an explicit service passed to each client at
// construction, not ambient global state.
//
// Thread Safety: all methods are safe for concurrent use. Shutdown of
// an evicted instance runs outside the registry lock, so it may call
// back into Unregister.
type InstanceRegistry struct {
	mu      sync.Mutex
	entries map[string]Instance

	events   EventSink
	eventsMu sync.RWMutex

	logger   Logger
	loggerMu sync.RWMutex
}

// NewInstanceRegistry creates an empty registry.
func NewInstanceRegistry() *InstanceRegistry {
	return &InstanceRegistry{
		entries: make(map[string]Instance),
	}
}

// Register installs instance as the sole client for endpoint.
//
// An existing distinct instance at the same endpoint is torn down first
// and the condition logged as critical: two live sessions to one device
// race for the connection and amplify device-busy errors.
func (r *InstanceRegistry) Register(endpoint string, instance Instance) {
	r.mu.Lock()
	existing, found := r.entries[endpoint]
	if found && existing == instance {
		r.mu.Unlock()
		return
	}
	r.entries[endpoint] = instance
	r.mu.Unlock()

	if found {
		r.logError("duplicate client registration, tearing down previous instance",
			"endpoint", endpoint,
		)
		r.recordEvent(events.TypeDuplicateClient, endpoint)

		// Outside the lock: Shutdown calls back into Unregister.
		existing.Shutdown()

		// Shutdown of the incumbent may have removed the new entry via
		// Unregister(endpoint); reinstall.
		r.mu.Lock()
		r.entries[endpoint] = instance
		r.mu.Unlock()
	}
}

// Unregister removes the entry for endpoint, but only if it still maps
// to instance. This makes teardown of an evicted client safe: it cannot
// remove its replacement.
func (r *InstanceRegistry) Unregister(endpoint string, instance Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.entries[endpoint]; ok && current == instance {
		delete(r.entries, endpoint)
	}
}

// Lookup returns the active instance for endpoint, if any.
func (r *InstanceRegistry) Lookup(endpoint string) (Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	instance, ok := r.entries[endpoint]
	return instance, ok
}

// ActiveEndpoints returns the endpoints with live clients, sorted.
func (r *InstanceRegistry) ActiveEndpoints() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	endpoints := make([]string, 0, len(r.entries))
	for endpoint := range r.entries {
		endpoints = append(endpoints, endpoint)
	}
	sort.Strings(endpoints)
	return endpoints
}

// SetLogger sets the logger for this registry.
func (r *InstanceRegistry) SetLogger(logger Logger) {
	r.loggerMu.Lock()
	r.logger = logger
	r.loggerMu.Unlock()
}

// SetEventSink sets the sink duplicate-registration events are recorded
// to. Nil disables recording.
func (r *InstanceRegistry) SetEventSink(sink EventSink) {
	r.eventsMu.Lock()
	r.events = sink
	r.eventsMu.Unlock()
}

func (r *InstanceRegistry) recordEvent(eventType, endpoint string) {
	r.eventsMu.RLock()
	sink := r.events
	r.eventsMu.RUnlock()

	if sink != nil {
		sink.Record(eventType, endpoint, nil)
	}
}

func (r *InstanceRegistry) logError(msg string, args ...any) {
	r.loggerMu.RLock()
	logger := r.logger
	r.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, args...)
	}
}
