package mqtt

import (
	"fmt"
)

// Subscribe registers a handler for messages on the specified topic.
//
// Topics can include MQTT wildcards:
//   - + (single-level): "ventbridge/fan/response/+" matches any request ID
//   - # (multi-level): "ventbridge/#" matches all VentBridge topics
//
// The handler runs in a separate goroutine per message and should not
// block for long. Subscriptions are restored automatically if the broker
// connection drops and recovers.
//
// Example:
//
//	err := client.Subscribe(mqtt.Topics{}.FanCommand(), 1,
//	    func(topic string, payload []byte) error {
//	        return bridge.HandleCommand(payload)
//	    })
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", ErrSubscribeFailed)
	}

	if !c.IsConnected() {
		return ErrNotConnected
	}

	// Track first so a reconnect during the subscribe call still restores it.
	c.subMu.Lock()
	c.subscriptions[topic] = subscription{
		topic:   topic,
		qos:     qos,
		handler: handler,
	}
	c.subMu.Unlock()

	token := c.client.Subscribe(topic, qos, c.wrapHandler(handler))
	if !token.WaitTimeout(defaultTokenTimeout) {
		c.dropSubscription(topic)
		return fmt.Errorf("%w: timeout after %v", ErrSubscribeFailed, defaultTokenTimeout)
	}
	if err := token.Error(); err != nil {
		c.dropSubscription(topic)
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}

	return nil
}

// Unsubscribe removes a subscription and stops message delivery for a topic.
//
// Messages already in flight may still be delivered to the handler.
func (c *Client) Unsubscribe(topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}

	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.dropSubscription(topic)

	token := c.client.Unsubscribe(topic)
	if !token.WaitTimeout(defaultTokenTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrUnsubscribeFailed, defaultTokenTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnsubscribeFailed, err)
	}

	return nil
}

// dropSubscription removes a topic from the restoration tracking map.
func (c *Client) dropSubscription(topic string) {
	c.subMu.Lock()
	delete(c.subscriptions, topic)
	c.subMu.Unlock()
}

// SubscriptionCount returns the number of tracked subscriptions.
func (c *Client) SubscriptionCount() int {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return len(c.subscriptions)
}

// HasSubscription reports whether an exact topic string is tracked.
func (c *Client) HasSubscription(topic string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	_, exists := c.subscriptions[topic]
	return exists
}
