// Package source provides the sample producers feeding a listening session.
// A Source delivers mono float32 chunks over a channel; the synthetic variant
// generates a reproducible tone, the microphone variant wraps a capture Device.
package source
