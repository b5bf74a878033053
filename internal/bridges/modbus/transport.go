package modbus

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	gridx "github.com/grid-x/modbus"
)

// Transport abstracts the wire-level protocol client.
//
// Implementations are single-session: one Transport maps to one TCP
// connection. The ConnectionManager creates a fresh Transport per
// connection attempt and never reuses one across attempts.
type Transport interface {
	// Connect opens the TCP session to the device.
	Connect(ctx context.Context) error

	// ReadRegister reads a single holding register.
	ReadRegister(ctx context.Context, addr uint16) (uint16, error)

	// WriteRegister writes a single holding register.
	WriteRegister(ctx context.Context, addr, value uint16) error

	// Close tears down the session. Safe to call on a never-connected
	// or already-closed transport.
	Close() error
}

// TransportFactory produces a fresh Transport for one connection attempt.
type TransportFactory func() Transport

// tcpTransport implements Transport over grid-x/modbus TCP.
type tcpTransport struct {
	handler *gridx.TCPClientHandler
	client  gridx.Client
}

// NewTCPTransport returns a factory creating TCP transports for the
// given endpoint (host:port) and unit ID. The timeout applies to each
// wire request.
func NewTCPTransport(endpoint string, unitID byte, timeout time.Duration) TransportFactory {
	return func() Transport {
		handler := gridx.NewTCPClientHandler(endpoint)
		handler.Timeout = timeout
		handler.SlaveID = unitID
		return &tcpTransport{
			handler: handler,
			client:  gridx.NewClient(handler),
		}
	}
}

func (t *tcpTransport) Connect(ctx context.Context) error {
	// The handler's Timeout bounds the dial.
	if err := t.handler.Connect(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return nil
}

func (t *tcpTransport) ReadRegister(ctx context.Context, addr uint16) (uint16, error) {
	results, err := t.client.ReadHoldingRegisters(ctx, addr, 1)
	if err != nil {
		return 0, fmt.Errorf("reading register %d: %w", addr, err)
	}
	if len(results) < 2 {
		return 0, fmt.Errorf("reading register %d: short response (%d bytes)", addr, len(results))
	}
	return binary.BigEndian.Uint16(results), nil
}

func (t *tcpTransport) WriteRegister(ctx context.Context, addr, value uint16) error {
	if _, err := t.client.WriteSingleRegister(ctx, addr, value); err != nil {
		return fmt.Errorf("writing register %d: %w", addr, err)
	}
	return nil
}

func (t *tcpTransport) Close() error {
	return t.handler.Close()
}
