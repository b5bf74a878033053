package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/ventlogic/ventbridge/internal/infrastructure/config"
)

// Connection constants.
const (
	// defaultConnectTimeout bounds the initial broker connection attempt.
	defaultConnectTimeout = 10 * time.Second

	// defaultTokenTimeout bounds publish/subscribe acknowledgment waits.
	defaultTokenTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is the drain period on disconnect, in ms.
	defaultDisconnectQuiesce = 1000

	// defaultKeepAlive is the PING interval for dead-connection detection.
	defaultKeepAlive = 60 * time.Second

	// maxQoS is the highest QoS level MQTT defines.
	maxQoS = 2

	// tlsMinVersion is the floor for TLS-secured broker connections.
	tlsMinVersion = tls.VersionTLS12
)

// statusPayload is the JSON body published to the bridge status topic,
// both for live status updates and as the broker-held LWT.
type statusPayload struct {
	Status    string `json:"status"`
	ClientID  string `json:"client_id"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

// buildClientOptions creates paho options from VentBridge config.
//
// This configures:
//   - Broker URL (tcp:// or ssl:// based on TLS setting)
//   - Client ID and credentials
//   - Auto-reconnect with capped retry interval
//   - Clean session (no persistent broker-side state)
func buildClientOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	scheme := "tcp"
	if cfg.Broker.TLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Broker.Host, cfg.Broker.Port))

	opts.SetClientID(cfg.Broker.ClientID)

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}

	// Start fresh on every connect; VentBridge re-establishes its own
	// subscriptions, so a persistent broker session buys nothing.
	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(time.Duration(cfg.Reconnect.InitialDelay) * time.Second)
	opts.SetMaxReconnectInterval(time.Duration(cfg.Reconnect.MaxDelay) * time.Second)

	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)

	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tlsMinVersion})
	}

	return opts
}

// ConnectOption adjusts the client options before the initial dial.
type ConnectOption func(*pahomqtt.ClientOptions)

// WithWill replaces the default status LWT with a caller-supplied will,
// letting the bridge install its richer health payload on its own topic.
func WithWill(topic string, payload []byte, qos byte, retained bool) ConnectOption {
	return func(opts *pahomqtt.ClientOptions) {
		opts.SetBinaryWill(topic, payload, qos, retained)
	}
}

// configureLWT sets up Last Will and Testament for offline detection.
//
// The broker publishes the will if the bridge disconnects without a clean
// DISCONNECT (crash, network failure). Consumers watching the status topic
// can then mark the ventilation unit as unreachable.
//
// Topic: ventbridge/bridge/status, QoS 1, retained.
func configureLWT(opts *pahomqtt.ClientOptions, clientID string) {
	opts.SetWill(Topics{}.BridgeStatus(), buildStatusPayload(clientID, "offline", "unexpected_disconnect"), 1, true)
}

// buildStatusPayload renders the bridge status JSON. An empty reason is
// omitted from the payload.
func buildStatusPayload(clientID, status, reason string) string {
	body, err := json.Marshal(statusPayload{
		Status:    status,
		ClientID:  clientID,
		Reason:    reason,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		// statusPayload contains only strings; Marshal cannot fail.
		return `{"status":"` + status + `"}`
	}
	return string(body)
}
