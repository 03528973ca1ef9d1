// Package config handles configuration loading for coven-matrix-store.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	matrix:
//	  access_token: "${COVEN_MATRIX_TOKEN}"
//
// Syntax: ${VAR_NAME}
//
// # Configuration Sections
//
// Storage paths:
//
//	storage:
//	  state_path: "/var/lib/coven/state.db"
//	  crypto_path: "/var/lib/coven/crypto.db"
//	  busy_timeout: "5s"
//
// The state and crypto databases must be separate files; crypto material
// has different backup and wipe requirements.
//
// Matrix account:
//
//	matrix:
//	  homeserver: "https://matrix.example.org"
//	  user_id: "@bridge:example.org"
//	  access_token: "${COVEN_MATRIX_TOKEN}"
//	  device_id: "COVENDEV"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
//	cfg, err := config.Load("/etc/coven/store.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
