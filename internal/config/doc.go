// Package config handles configuration loading for mcpgate.
//
// # Overview
//
// Configuration is loaded from YAML files, or TOML files when the path ends
// in .toml, with environment variable expansion. Load applies defaults and
// validates the result.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from MCPGATE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/mcpgate/gateway.yaml
//  3. ~/.config/mcpgate/gateway.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	tailscale:
//	  auth_key: "${TS_AUTHKEY}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to an empty string.
//
// # Durations and Sizes
//
// Durations use time.ParseDuration syntax ("30s", "15m"). Byte sizes accept
// SI and IEC suffixes ("10MB", "1MiB").
//
// # Example
//
//	server:
//	  http_addr: "0.0.0.0:8000"
//
//	database:
//	  path: "~/.local/share/mcpgate/mcpgate.db"
//
//	auth:
//	  issuers:
//	    - issuer: "https://tenant.auth.example/"
//	  audiences:
//	    - "http://127.0.0.1:8000/mcp"
//	  algorithms: ["RS256"]
//	  leeway: "30s"
//	  key_refresh_interval: "15m"
//	  key_min_refresh_interval: "1m"
//	  key_refresh_timeout: "5s"
//	  resource_url: "http://127.0.0.1:8000"
//
//	gate:
//	  max_body_size: "1MiB"
//	  body_read_timeout: "10s"
//	  # exempt_methods: [initialize, notifications/initialized, tools/list]
//
//	audit:
//	  sinks: [log, sqlite]
//	  queue_size: 1024
//
//	logging:
//	  level: "info"
//	  format: "text"
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
package config
