// Package metrics exposes the process Prometheus registry and the
// pipeline collectors fed by storage, streaming, task queues and the RESP
// server.
package metrics
