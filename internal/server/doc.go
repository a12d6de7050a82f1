// Package server exposes the live classification session over HTTP: session
// start/stop and status, prediction history and reports, model loading,
// Prometheus metrics and a websocket stream of predictions as they complete.
package server
