// Package health reports the health of provider circuits and subscriber
// connections.
//
// A Checker reports one component. ProviderChecker reads the circuit
// breaker of every provider and ConnectionChecker reads the fan-out
// connection table. An Aggregator runs several checkers under one timeout
// and folds their results into an overall Status.
//
// # HTTP Endpoints
//
//	mux := http.NewServeMux()
//	health.RegisterHandlers(mux, agg, "paneflow")
//
// registers /healthz (liveness), /readyz (readiness) and /health (detailed
// JSON).
package health
