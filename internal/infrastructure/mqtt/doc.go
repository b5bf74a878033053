// Package mqtt provides MQTT client connectivity for VentBridge.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//   - Connection health monitoring
//
// # Architecture
//
// VentBridge uses MQTT as the integration surface towards smart-home
// consumers (Home Assistant, Node-RED, a home-automation core). The broker
// decouples consumers from the Modbus session:
//
//	Smart-home consumers ↔ MQTT Broker ↔ VentBridge ↔ Ventilation unit
//
// # Security Considerations
//
//   - TLS is required for production deployments (cfg.Broker.TLS=true)
//   - Credentials are validated against broker ACL
//   - Anonymous access is only for local development
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.FanCommand(), 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("Received: %s = %s", topic, payload)
//	        return nil
//	    })
package mqtt
