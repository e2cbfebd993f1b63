// Package config handles configuration loading for coven-coord.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file with environment variable
// expansion. Every value has a per-module default, so an absent file or an
// absent key is never an error.
//
// # Configuration File
//
// Lookup order used by the CLI:
//
//  1. --config flag
//  2. COVEN_COORD_CONFIG environment variable
//  3. <project root>/.coven/config.yaml
//
// Files ending in .toml are decoded with BurntSushi/toml, anything else with
// yaml.v3.
//
// # Environment Variable Expansion
//
//	messaging:
//	  signing_key: "${COVEN_COORD_SIGNING_KEY}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax ("90s", "5m").
//
// # Configuration Sections
//
//	project:
//	  root: "/work/repo"       # default: current directory
//	  state_dir: ".coven"      # relative to root
//	  session_name: "coven"
//
//	discovery:
//	  backend: ""              # "", tmux, process
//	  cli_name: "claude"
//	  exclude_patterns: ["coven-coord"]
//	  stale_after: "5m"
//	  refresh_interval: "30s"
//
//	locks:
//	  stale_timeout: "5m"
//	  refresh_interval: "1m"
//
//	messaging:
//	  max_content_length: 10000
//	  signing_key: ""          # empty: <state_dir>/signing.key
//	  rate_limit:
//	    max_messages: 10
//	    window: "60s"
//	    inactive_after: "1h"
//	  retry:
//	    max_attempts: 3
//	    initial_delay: "500ms"
//	    max_delay: "8s"
//	    jitter: 0.25
//
//	acks:
//	  timeout: "60s"
//	  max_retries: 3
//	  sweep_interval: "10s"
//	  max_cas_attempts: 5
//
//	logging:
//	  level: "info"            # debug, info, warn, error
//	  format: "text"           # text, json
package config
