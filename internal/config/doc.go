// Package config handles configuration loading for cruse.
//
// # Overview
//
// Configuration is loaded from a YAML file, or a TOML file when the path ends
// in ".toml", with environment variable expansion. Every field has a default;
// an empty file is a valid configuration.
//
// # Configuration File
//
// The cruse binary looks for its file in this order:
//
//  1. --config flag
//  2. CRUSE_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/cruse/cruse.yaml
//  4. ~/.config/cruse/cruse.yaml
//
// A missing file at a default location yields Default().
//
// # Environment Variable Expansion
//
//	auth:
//	  jwt_secret: "${CRUSE_JWT_SECRET}"
//
// Only the ${VAR_NAME} form is expanded. Unset variables become empty strings.
//
// # Example
//
//	server:
//	  http_addr: "localhost:8090"
//	  grpc_addr: ""             # optional gRPC health listener
//
//	database:
//	  path: "~/.local/share/cruse/cruse.db"
//	  driver: "sqlite"          # or "sqlite3" for the cgo driver
//
//	agents:
//	  ws_host: "localhost"
//	  ws_port: 4173
//	  ws_path: "/api/v1/ws"
//	  api_base: "http://localhost:4173/api/v1"
//	  grpc_addr: "localhost:30011"
//	  widget_agent: "cruse_widget_agent"
//	  theme_agent: "cruse_theme_agent"
//	  theme_transport: "oneshot"
//
//	negotiation:
//	  timeout: "5s"
//	  context_turns: 5
//
//	store:
//	  url: ""                   # thread API; empty uses the local database
//
//	logging:
//	  level: "info"
//	  format: "text"
package config
