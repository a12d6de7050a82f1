// Package metrics defines the Prometheus metrics of the live classification
// pipeline, its sessions and the HTTP API.
package metrics
