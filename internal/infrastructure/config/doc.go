// Package config handles loading and validating VentBridge configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - Sensitive values (MQTT password, InfluxDB token) should be set via
//     environment variables rather than the config file
//   - The config file should have restricted permissions (0600)
//
// Performance Characteristics:
//   - Configuration is loaded once at startup
//   - No runtime overhead after initial load
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Modbus.Endpoint())
//
// The Modbus timing values (throttle interval, backoff curve, heartbeat
// interval, quiescence) are deliberately configuration, not constants:
// different ventilation units tolerate very different request rates.
package config
