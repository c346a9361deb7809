// Package config loads and validates the AD-8x bridge configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with AD8X_* environment variables
//   - Validation of amplifier endpoints and required fields
//
// Durations in the timing section use Go duration strings ("150ms", "20s").
//
// Security Considerations:
//   - MQTT credentials and the JWT secret should be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load(config.PathFromEnv())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(len(cfg.Amps))
package config
