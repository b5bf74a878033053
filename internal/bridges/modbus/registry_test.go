package modbus

import (
	"sync"
	"testing"

	"github.com/ventlogic/ventbridge/internal/events"
)

// fakeInstance mirrors the client's teardown behaviour: Shutdown calls
// back into the registry, like RegisterClient.Shutdown does.
type fakeInstance struct {
	endpoint string
	registry *InstanceRegistry

	mu        sync.Mutex
	shutdowns int
}

func (f *fakeInstance) Endpoint() string { return f.endpoint }

func (f *fakeInstance) Shutdown() {
	f.mu.Lock()
	f.shutdowns++
	f.mu.Unlock()

	if f.registry != nil {
		f.registry.Unregister(f.endpoint, f)
	}
}

func (f *fakeInstance) shutdownCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shutdowns
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := NewInstanceRegistry()
	a := &fakeInstance{endpoint: "10.0.0.5:502", registry: r}

	r.Register(a.endpoint, a)

	got, ok := r.Lookup(a.endpoint)
	if !ok {
		t.Fatal("Lookup() missed after Register()")
	}
	if got != Instance(a) {
		t.Error("Lookup() returned a different instance")
	}

	if _, ok := r.Lookup("10.0.0.9:502"); ok {
		t.Error("Lookup() hit for an unregistered endpoint")
	}
}

func TestRegistryDuplicateTearsDownIncumbent(t *testing.T) {
	r := NewInstanceRegistry()
	first := &fakeInstance{endpoint: "10.0.0.5:502", registry: r}
	second := &fakeInstance{endpoint: "10.0.0.5:502", registry: r}

	r.Register(first.endpoint, first)
	r.Register(second.endpoint, second)

	if got := first.shutdownCount(); got != 1 {
		t.Errorf("incumbent shut down %d times, want 1", got)
	}
	if got := second.shutdownCount(); got != 0 {
		t.Errorf("replacement shut down %d times, want 0", got)
	}

	// The incumbent's teardown calls Unregister; the replacement must
	// survive it.
	got, ok := r.Lookup(first.endpoint)
	if !ok {
		t.Fatal("Lookup() missed after duplicate registration")
	}
	if got != Instance(second) {
		t.Error("Lookup() did not return the replacement instance")
	}
}

func TestRegistryDuplicateRecordsEvent(t *testing.T) {
	r := NewInstanceRegistry()
	sink := &captureSink{}
	r.SetEventSink(sink)

	first := &fakeInstance{endpoint: "10.0.0.5:502", registry: r}
	second := &fakeInstance{endpoint: "10.0.0.5:502", registry: r}

	r.Register(first.endpoint, first)
	if got := sink.byType(events.TypeDuplicateClient); len(got) != 0 {
		t.Errorf("recorded %d duplicate_client events for a first registration, want 0", len(got))
	}

	r.Register(second.endpoint, second)

	got := sink.byType(events.TypeDuplicateClient)
	if len(got) != 1 {
		t.Fatalf("recorded %d duplicate_client events, want 1", len(got))
	}
	if got[0].endpoint != first.endpoint {
		t.Errorf("event endpoint = %q, want %q", got[0].endpoint, first.endpoint)
	}
}

func TestRegistryRegisterSameInstanceIsNoop(t *testing.T) {
	r := NewInstanceRegistry()
	a := &fakeInstance{endpoint: "10.0.0.5:502", registry: r}

	r.Register(a.endpoint, a)
	r.Register(a.endpoint, a)

	if got := a.shutdownCount(); got != 0 {
		t.Errorf("instance shut down %d times on re-registration, want 0", got)
	}
}

func TestRegistryUnregisterIdentityGuard(t *testing.T) {
	r := NewInstanceRegistry()
	old := &fakeInstance{endpoint: "10.0.0.5:502", registry: r}
	current := &fakeInstance{endpoint: "10.0.0.5:502", registry: r}

	r.Register(current.endpoint, current)

	// A stale instance unregistering must not remove its replacement.
	r.Unregister(old.endpoint, old)

	got, ok := r.Lookup(current.endpoint)
	if !ok || got != Instance(current) {
		t.Error("Unregister() with a stale instance removed the live entry")
	}

	r.Unregister(current.endpoint, current)
	if _, ok := r.Lookup(current.endpoint); ok {
		t.Error("Lookup() hit after the live instance unregistered")
	}
}

func TestRegistryActiveEndpointsSorted(t *testing.T) {
	r := NewInstanceRegistry()
	for _, endpoint := range []string{"10.0.0.9:502", "10.0.0.1:502", "10.0.0.5:502"} {
		r.Register(endpoint, &fakeInstance{endpoint: endpoint, registry: r})
	}

	got := r.ActiveEndpoints()
	want := []string{"10.0.0.1:502", "10.0.0.5:502", "10.0.0.9:502"}

	if len(got) != len(want) {
		t.Fatalf("ActiveEndpoints() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ActiveEndpoints() = %v, want %v", got, want)
		}
	}
}
