// Package config loads the paneflow server configuration.
//
// The configuration is a YAML file. Every section is optional and a missing
// file yields Default(). Durations are written as Go duration strings
// ("30s", "5m").
//
//	listen: ":8080"
//	fanout:
//	  heartbeat_interval: 30s
//	  max_failed_sends: 3
//	circuit:
//	  failure_threshold: 5
//	  recovery_timeout: 60s
//	retry:
//	  rate_limit: {max_retries: 5, base_delay: 2s, max_delay: 2m}
//	providers:
//	  echo:
//	    api_key: ${ECHO_API_KEY}
//	    models: [echo-1, echo-2]
//
// Provider API keys may use strict ${VAR} expansion and secretref: references;
// ResolveSecrets replaces them with their values.
package config
