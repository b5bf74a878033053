package mqtt

import "fmt"

// Topic prefixes for the VentBridge MQTT surface.
//
// The scheme is flat: ventbridge/{category}[/{id}]. Consumers address the
// single fan device this bridge manages, so no per-device segment is needed
// on the fan topics.
const (
	// TopicPrefix is the base for all VentBridge topics.
	TopicPrefix = "ventbridge"

	// TopicPrefixFan is the base for fan control topics.
	TopicPrefixFan = "ventbridge/fan"

	// TopicPrefixBridge is the base for bridge-level topics.
	TopicPrefixBridge = "ventbridge/bridge"
)

// Topics provides builders for VentBridge MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
type Topics struct{}

// FanCommand returns the topic consumers publish set commands to.
//
// Example: ventbridge/fan/command
func (Topics) FanCommand() string {
	return fmt.Sprintf("%s/command", TopicPrefixFan)
}

// FanAck returns the topic for command acknowledgements.
//
// Example: ventbridge/fan/ack
func (Topics) FanAck() string {
	return fmt.Sprintf("%s/ack", TopicPrefixFan)
}

// FanState returns the topic for fan state updates (retained).
//
// Example: ventbridge/fan/state
func (Topics) FanState() string {
	return fmt.Sprintf("%s/state", TopicPrefixFan)
}

// FanRequest returns the topic consumers publish read requests to.
//
// Example: ventbridge/fan/request
func (Topics) FanRequest() string {
	return fmt.Sprintf("%s/request", TopicPrefixFan)
}

// FanResponse returns the topic for a read request response.
//
// Example: ventbridge/fan/response/req-abc123
func (Topics) FanResponse(requestID string) string {
	return fmt.Sprintf("%s/response/%s", TopicPrefixFan, requestID)
}

// BridgeHealth returns the topic for bridge health status (retained, LWT).
//
// Example: ventbridge/bridge/health
func (Topics) BridgeHealth() string {
	return fmt.Sprintf("%s/health", TopicPrefixBridge)
}

// BridgeStatus returns the broker-connection status topic (retained).
//
// Example: ventbridge/bridge/status
func (Topics) BridgeStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixBridge)
}

// AllFanTopics returns a pattern matching all fan topics.
//
// Pattern: ventbridge/fan/#
func (Topics) AllFanTopics() string {
	return fmt.Sprintf("%s/#", TopicPrefixFan)
}

// AllTopics returns a pattern matching all VentBridge topics.
// Use with caution - this receives ALL traffic.
//
// Pattern: ventbridge/#
func (Topics) AllTopics() string {
	return TopicPrefix + "/#"
}
