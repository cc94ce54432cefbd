// Package config loads and validates switchboard configuration.
//
// Configuration is a single YAML file loaded on top of built-in defaults:
// absent keys keep their baseline values, explicit values win, including
// explicit zeros.
//
// # File Location
//
// Load takes an explicit path. Locate resolves the conventional one:
//
//  1. $SWITCHBOARD_CONFIG, when set
//  2. ./switchboard.yaml
//  3. $XDG_CONFIG_HOME/switchboard/config.yaml
//  4. /etc/switchboard/config.yaml
//
// # Environment Variables
//
// Values may reference environment variables before parsing:
//
//	auth:
//	  jwt_secret: "${SWITCHBOARD_JWT_SECRET}"
//	database:
//	  url: "${DATABASE_URL:-postgres://localhost:5432/switchboard}"
//
// ${VAR} expands to the variable's value (empty when unset);
// ${VAR:-default} falls back to the default when the variable is unset or
// empty.
//
// # Durations
//
// Timeouts and intervals are Go duration strings:
//
//	generator:
//	  timeout: "8s"
//	policy:
//	  idle_timeout: "30m"
//	  sweep_interval: "5m"
//
// Retention is day-based (policy.retention_days) because durations do not
// carry a day unit; zero disables purging.
//
// # Backends
//
// database.driver selects the store: "sqlite" (default, needs path),
// "postgres" (needs url), or "memory" (tests and throwaway runs).
// generator.provider selects the responder: "rules" (default, offline) or
// "gemini" (needs api_key). queue.driver selects the task queue: "memory"
// (default, in-process) or "nats" (needs url).
//
// # Validation
//
// Load validates after parsing and returns the first problem it finds.
// auth.jwt_secret is always required; `switchboard init` writes a
// generated one.
package config
