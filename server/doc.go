// Package server exposes the broadcast layer over HTTP and WebSocket.
//
// Routes:
//
//	GET  /ws/{session_id}      subscribe to a session's pane events
//	POST /broadcast            fan a prompt out to several models
//	GET  /providers/health     circuit breaker state per provider
//	GET  /connections/stats    connection table statistics
//	GET  /models               models by provider
//	GET  /healthz /readyz /health
//	GET  /metrics              when a metrics handler is configured
//
// A broadcast answers 202 with the generated pane ids as soon as the request
// is validated; pane events reach the session's subscribers as they stream.
package server
