package source

import (
	"errors"
	"fmt"
)

var (
	// ErrPermissionDenied is returned when the environment refuses access to the input device
	ErrPermissionDenied = errors.New("audio input permission denied")

	// ErrDeviceUnavailable is returned when no usable input device exists
	ErrDeviceUnavailable = errors.New("audio input device unavailable")

	// ErrAlreadyStarted is returned by Start on a running source
	ErrAlreadyStarted = errors.New("source already started")
)

// Kind names a source variant in configuration
type Kind string

const (
	KindSynthetic  Kind = "synthetic"
	KindMicrophone Kind = "microphone"
)

// ParseKind validates a configured source name
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindSynthetic, KindMicrophone:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("unknown source %q (want %q or %q)", s, KindSynthetic, KindMicrophone)
	}
}

// Source is a continuous producer of mono samples at a fixed rate.
// Start acquires any underlying resource and returns the chunk channel,
// which is closed after Stop. Stop releases the resource and is idempotent.
type Source interface {
	Start() (<-chan []float32, error)
	Stop() error
	SampleRate() int
}
