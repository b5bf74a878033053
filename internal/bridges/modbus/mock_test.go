package modbus

import (
	"context"
	"sync"
	"time"
)

// regOp is one logged device access.
type regOp struct {
	addr  uint16
	value uint16
	at    time.Time
}

// mockDevice simulates one ventilation unit shared across transports,
// so register state survives reconnects the way the real device does.
// Hooks run before the access and can fail or block it; logs carry
// timestamps so tests can assert ordering and spacing.
type mockDevice struct {
	mu   sync.Mutex
	regs map[uint16]uint16

	reads  []regOp
	writes []regOp

	connectHook func() error
	readHook    func(addr uint16) error
	writeHook   func(addr, value uint16) error

	inFlight    int
	maxInFlight int

	transports int
	closes     int
}

func newMockDevice() *mockDevice {
	return &mockDevice{regs: make(map[uint16]uint16)}
}

// factory returns a TransportFactory producing transports backed by
// this device.
func (d *mockDevice) factory() TransportFactory {
	return func() Transport {
		d.mu.Lock()
		d.transports++
		d.mu.Unlock()
		return &mockTransport{dev: d}
	}
}

func (d *mockDevice) set(addr, value uint16) {
	d.mu.Lock()
	d.regs[addr] = value
	d.mu.Unlock()
}

func (d *mockDevice) get(addr uint16) uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.regs[addr]
}

func (d *mockDevice) setConnectHook(hook func() error) {
	d.mu.Lock()
	d.connectHook = hook
	d.mu.Unlock()
}

func (d *mockDevice) setReadHook(hook func(addr uint16) error) {
	d.mu.Lock()
	d.readHook = hook
	d.mu.Unlock()
}

func (d *mockDevice) setWriteHook(hook func(addr, value uint16) error) {
	d.mu.Lock()
	d.writeHook = hook
	d.mu.Unlock()
}

func (d *mockDevice) readCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.reads)
}

func (d *mockDevice) readLog() []regOp {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]regOp(nil), d.reads...)
}

func (d *mockDevice) writeLog() []regOp {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]regOp(nil), d.writes...)
}

func (d *mockDevice) transportCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transports
}

func (d *mockDevice) closeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closes
}

func (d *mockDevice) maxConcurrent() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxInFlight
}

func (d *mockDevice) enter() {
	d.mu.Lock()
	d.inFlight++
	if d.inFlight > d.maxInFlight {
		d.maxInFlight = d.inFlight
	}
	d.mu.Unlock()
}

func (d *mockDevice) exit() {
	d.mu.Lock()
	d.inFlight--
	d.mu.Unlock()
}

// mockTransport is one session against a mockDevice.
type mockTransport struct {
	dev *mockDevice
}

func (t *mockTransport) Connect(_ context.Context) error {
	t.dev.mu.Lock()
	hook := t.dev.connectHook
	t.dev.mu.Unlock()

	if hook != nil {
		return hook()
	}
	return nil
}

func (t *mockTransport) ReadRegister(ctx context.Context, addr uint16) (uint16, error) {
	t.dev.enter()
	defer t.dev.exit()

	t.dev.mu.Lock()
	hook := t.dev.readHook
	t.dev.mu.Unlock()

	if hook != nil {
		if err := hook(addr); err != nil {
			return 0, err
		}
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	t.dev.mu.Lock()
	defer t.dev.mu.Unlock()
	t.dev.reads = append(t.dev.reads, regOp{addr: addr, at: time.Now()})
	return t.dev.regs[addr], nil
}

func (t *mockTransport) WriteRegister(ctx context.Context, addr, value uint16) error {
	t.dev.enter()
	defer t.dev.exit()

	t.dev.mu.Lock()
	hook := t.dev.writeHook
	t.dev.mu.Unlock()

	if hook != nil {
		if err := hook(addr, value); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	t.dev.mu.Lock()
	defer t.dev.mu.Unlock()
	t.dev.writes = append(t.dev.writes, regOp{addr: addr, value: value, at: time.Now()})
	t.dev.regs[addr] = value
	return nil
}

func (t *mockTransport) Close() error {
	t.dev.mu.Lock()
	t.dev.closes++
	t.dev.mu.Unlock()
	return nil
}

// sinkRecord is one event captured through the EventSink seam.
type sinkRecord struct {
	eventType string
	endpoint  string
	details   map[string]any
}

// captureSink collects recorded events for assertions.
type captureSink struct {
	mu      sync.Mutex
	records []sinkRecord
}

func (s *captureSink) Record(eventType, endpoint string, details map[string]any) {
	s.mu.Lock()
	s.records = append(s.records, sinkRecord{eventType: eventType, endpoint: endpoint, details: details})
	s.mu.Unlock()
}

func (s *captureSink) byType(eventType string) []sinkRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sinkRecord
	for _, r := range s.records {
		if r.eventType == eventType {
			out = append(out, r)
		}
	}
	return out
}
