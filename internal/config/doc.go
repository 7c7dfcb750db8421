// Package config handles configuration loading for warren-hub.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults for every tunable:
// ring capacity, subscriber buffering, dispatch retry policy, heartbeat
// deadlines, and poll rate limits.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	database:
//	  path: "${WARREN_DB_PATH}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	dispatch:
//	  write_timeout: "5s"
//	  backoff_base: "500ms"
//
// Raw strings are parsed into time.Duration fields at load time.
package config
