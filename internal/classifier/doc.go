// Package classifier implements the HTTP client for the audio classification
// service. It uploads WAV clips as multipart form data, loads models, runs
// batch and dataset evaluations, and guards the live path with a circuit
// breaker so an unreachable service fails fast.
package classifier
