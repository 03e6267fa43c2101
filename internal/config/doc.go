// Package config handles configuration loading for parley.
//
// # Configuration File
//
// Location:
//
//  1. Path from the PARLEY_CONFIG environment variable
//  2. parley/config.yaml under the user config directory ($XDG_CONFIG_HOME on Linux)
//
// A .toml extension selects TOML; anything else is read as YAML. Keys left out
// keep the values from Default.
//
// # Environment Variables
//
// ${VAR_NAME} references are expanded before decoding:
//
//	auth:
//	  jwt_secret: "${PARLEY_JWT_SECRET}"
//
// PARLEY_DB_PATH overrides database.path.
//
// # Example
//
//	server:
//	  http_addr: ":8080"
//	  shutdown_timeout: "10s"
//
//	database:
//	  driver: sqlite          # sqlite | mongo | memory
//	  path: "./parley.db"
//	  mongo_uri: ""
//	  mongo_database: "parley"
//
//	auth:
//	  jwt_secret: "${PARLEY_JWT_SECRET}"   # at least 32 bytes
//	  require_known_user: false
//
//	notify:
//	  drivers: [broadcast]    # broadcast | redis | asynq
//	  redis_url: ""           # required by redis and asynq
//	  channel_prefix: "parley"
//	  publish_timeout: "3s"
//
//	dedupe:
//	  ttl: "10m"
//	  max_entries: 100000
//
//	logging:
//	  level: "info"           # debug | info | warn | error
//	  format: "text"          # text | json
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
//
// Durations use time.ParseDuration syntax.
package config
