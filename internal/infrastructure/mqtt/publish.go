package mqtt

import (
	"fmt"
)

// maxPayloadSize caps MQTT message payloads (1MB), matching typical
// broker limits.
const maxPayloadSize = 1 << 20

// Publish sends a message to the specified MQTT topic.
//
// Parameters:
//   - topic: The topic to publish to (e.g., "ventbridge/fan/state")
//   - payload: The message payload (typically JSON, max 1MB)
//   - qos: Quality of Service level (0, 1, or 2)
//   - retained: Whether the broker keeps the message for new subscribers
//
// Retained messages suit state topics (fan state, bridge health) where
// new subscribers need the current value immediately; acks and responses
// should not be retained.
//
// Example:
//
//	err := client.Publish(mqtt.Topics{}.FanState(), stateJSON, 1, true)
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}

	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(defaultTokenTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, defaultTokenTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	return nil
}

// PublishRetained publishes a retained message at the configured default QoS.
//
// Use for state updates where new subscribers should receive the current
// value on subscribe.
func (c *Client) PublishRetained(topic string, payload []byte) error {
	return c.Publish(topic, payload, byte(c.cfg.QoS), true)
}
