// Package config handles loading and validating the pool bridge configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Range-checking every device scalar at load time
//
// Security Considerations:
//   - The device password, MQTT password, InfluxDB token and JWT secret
//     should be set via environment variables
//   - The config file should have restricted permissions (0600)
//   - DeviceConfig.String redacts the device password
//
// Usage:
//
//	cfg, err := config.Load("configs/poolbridge.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Device)
package config
