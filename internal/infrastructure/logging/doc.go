// Package logging provides structured logging for the AD-8x bridge.
//
// It wraps log/slog with JSON or text output, default service and version
// fields, and a level that can be changed at runtime for the logger and all
// of its children.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, version)
//	ampLog := logger.With("amp", "amp1")
//	ampLog.Info("connected", "address", "192.168.1.82:23")
//
// *Logger satisfies the Logger interfaces of the bridge, MQTT and API
// packages.
package logging
