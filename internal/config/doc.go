// Package config handles configuration loading for storechat-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// Empty settings get defaults; Load validates the result.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from STORECHAT_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/storechat/gateway.yaml
//  3. ~/.config/storechat/gateway.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${STORECHAT_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"     # API and websocket
//	  shutdown_timeout: "5s"
//
//	database:
//	  driver: "sqlite"              # sqlite or postgres
//	  path: "/var/lib/storechat/chat.db"
//	  dsn: "${STORECHAT_DATABASE_DSN}"
//
//	auth:
//	  jwt_secret: "${STORECHAT_JWT_SECRET}"  # at least 32 bytes
//
//	tenant:
//	  header: "X-Store-ID"
//
//	hub:
//	  send_buffer: 64
//	  typing_rate: 2
//	  typing_burst: 3
//	  write_timeout: "10s"
//	  ping_interval: "25s"
//	  origin_patterns: ["shop.example.com"]
//
//	bot:
//	  enabled: true
//	  name: "assistant"
//	  greeting: "Thanks for reaching out! We'll reply shortly."
//
//	events:
//	  enabled: false
//	  amqp_url: "${STORECHAT_AMQP_URL}"
//	  exchange: "storechat.events"
//	  publish_timeout: "5s"
//
//	dedupe:
//	  ttl: "10m"
//	  max_size: 10000
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
