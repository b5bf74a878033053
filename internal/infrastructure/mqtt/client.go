package mqtt

import (
	"context"
	"fmt"
	"sync"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/ventlogic/ventbridge/internal/infrastructure/config"
)

// Client wraps paho.mqtt.golang with VentBridge-specific behaviour.
//
// It provides connection management, publishing, subscription handling,
// and automatic reconnection with subscription restoration.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Subscriptions survive broker reconnects.
type Client struct {
	client  pahomqtt.Client
	options *pahomqtt.ClientOptions
	cfg     config.MQTTConfig

	// subscriptions tracks active subscriptions for restore on reconnect.
	subscriptions map[string]subscription
	subMu         sync.RWMutex

	// connected tracks the last known connection state.
	connected bool
	connMu    sync.RWMutex

	// Connection event callbacks (optional).
	onConnect    func()
	onDisconnect func(err error)
	callbackMu   sync.RWMutex

	// logger for handler errors and panics (optional).
	logger   Logger
	loggerMu sync.RWMutex
}

// Logger is the minimal logging surface the client needs.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

// subscription holds what is needed to re-subscribe after a reconnect.
type subscription struct {
	topic   string
	qos     byte
	handler MessageHandler
}

// MessageHandler is the callback signature for received messages.
//
// Handlers run in paho-managed goroutines and should not block for
// extended periods. A returned error is logged but does not affect
// message acknowledgment.
type MessageHandler func(topic string, payload []byte) error

// Connect establishes a connection to the MQTT broker.
//
// It builds options from config, installs the LWT on the bridge status
// topic (overridable via WithWill), attempts the initial connection
// with a timeout, and publishes an online status once connected.
//
// Returns:
//   - *Client: Connected client ready for use
//   - error: If the initial connection fails within the timeout
func Connect(cfg config.MQTTConfig, connectOpts ...ConnectOption) (*Client, error) {
	opts := buildClientOptions(cfg)
	configureLWT(opts, cfg.Broker.ClientID)
	for _, opt := range connectOpts {
		opt(opts)
	}

	c := &Client{
		cfg:           cfg,
		options:       opts,
		subscriptions: make(map[string]subscription),
	}

	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		c.handleConnect()
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.handleDisconnect(err)
	})

	c.client = pahomqtt.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// The OnConnect handler runs asynchronously and may not have fired
	// yet; mark connected here so IsConnected() is true on return.
	c.connMu.Lock()
	c.connected = true
	c.connMu.Unlock()

	return c, nil
}

// handleConnect runs on initial connect and on every reconnect.
func (c *Client) handleConnect() {
	c.connMu.Lock()
	c.connected = true
	c.connMu.Unlock()

	c.restoreSubscriptions()
	c.publishStatus("online", "")

	c.callbackMu.RLock()
	callback := c.onConnect
	c.callbackMu.RUnlock()
	if callback != nil {
		callback()
	}
}

// handleDisconnect runs when the broker connection is lost.
func (c *Client) handleDisconnect(err error) {
	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()

	c.callbackMu.RLock()
	callback := c.onDisconnect
	c.callbackMu.RUnlock()
	if callback != nil {
		callback(err)
	}
}

// restoreSubscriptions re-subscribes to all tracked topics after a reconnect.
// Errors are ignored; paho retries the connection if the broker drops again.
func (c *Client) restoreSubscriptions() {
	c.subMu.RLock()
	defer c.subMu.RUnlock()

	for _, sub := range c.subscriptions {
		c.client.Subscribe(sub.topic, sub.qos, c.wrapHandler(sub.handler))
	}
}

// publishStatus publishes the bridge status (retained) to the status topic.
func (c *Client) publishStatus(status, reason string) {
	payload := buildStatusPayload(c.cfg.Broker.ClientID, status, reason)
	c.client.Publish(Topics{}.BridgeStatus(), byte(c.cfg.QoS), true, payload)
}

// Close gracefully disconnects from the broker.
//
// A graceful offline status is published first so consumers can tell a
// clean shutdown from a crash (which triggers the LWT instead).
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}

	if c.IsConnected() {
		payload := buildStatusPayload(c.cfg.Broker.ClientID, "offline", "graceful_shutdown")
		token := c.client.Publish(Topics{}.BridgeStatus(), byte(c.cfg.QoS), true, payload)
		token.WaitTimeout(defaultTokenTimeout)
	}

	c.client.Disconnect(defaultDisconnectQuiesce)

	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()

	return nil
}

// HealthCheck verifies the broker connection is alive.
//
// Returns nil if healthy, an error describing the issue otherwise.
func (c *Client) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("mqtt health check: %w", ctx.Err())
	default:
	}

	if !c.IsConnected() {
		return ErrNotConnected
	}

	return nil
}

// IsConnected returns the last known connection state.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected && c.client != nil && c.client.IsConnected()
}

// SetOnConnect registers a callback invoked on initial connect and on
// every reconnect.
func (c *Client) SetOnConnect(callback func()) {
	c.callbackMu.Lock()
	c.onConnect = callback
	c.callbackMu.Unlock()
}

// SetOnDisconnect registers a callback invoked when the connection is
// lost. The error describes why.
func (c *Client) SetOnDisconnect(callback func(err error)) {
	c.callbackMu.Lock()
	c.onDisconnect = callback
	c.callbackMu.Unlock()
}

// SetLogger sets a logger for handler errors and panics.
// Without one, handler failures are silently dropped.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

func (c *Client) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

// wrapHandler adds panic recovery and error logging around a handler.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				if logger := c.getLogger(); logger != nil {
					logger.Error("MQTT handler panic recovered",
						"topic", msg.Topic(),
						"panic", r,
					)
				}
			}
		}()

		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			if logger := c.getLogger(); logger != nil {
				logger.Warn("MQTT handler returned error",
					"topic", msg.Topic(),
					"error", err,
				)
			}
		}
	}
}
