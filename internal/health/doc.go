// Package health exposes liveness, readiness and metrics for the process.
//
// The HTTP side is a chi router; /healthz checks the storage engine and
// dials the RESP listener, /readyz follows the lifecycle, and /metrics
// serves the Prometheus registry. When a gRPC address is configured the
// standard grpc.health.v1 service is served as well, flipping to
// NOT_SERVING before the listener closes.
package health
