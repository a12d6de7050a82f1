package source

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Device is a capture device delivering hardware buffers to a callback.
// Open must return errors wrapping ErrPermissionDenied or ErrDeviceUnavailable
// when access is refused or no device exists. The callback buffer may be
// reused by the device after the callback returns.
type Device interface {
	Open(sampleRate, framesPerBuffer int, callback func(in []float32)) error
	Start() error
	Stop() error
	Close() error
}

// MicrophoneConfig contains microphone source configuration
type MicrophoneConfig struct {
	SampleRate      int
	FramesPerBuffer int
	ChannelBuffer   int    // Chunks buffered between the device callback and the reader
	OnOverrun       func() // Called for every chunk dropped because the reader fell behind
}

// Microphone adapts a callback-driven Device to the Source channel boundary.
// The device holds exclusive access to the input for as long as the source runs.
type Microphone struct {
	device Device
	config MicrophoneConfig
	logger *slog.Logger

	mu      sync.Mutex
	out     chan []float32
	opened  bool
	started bool
	closed  bool

	overruns atomic.Uint64
}

// NewMicrophone creates a microphone source on top of device
func NewMicrophone(device Device, config MicrophoneConfig, logger *slog.Logger) (*Microphone, error) {
	if device == nil {
		return nil, ErrDeviceUnavailable
	}
	if config.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", config.SampleRate)
	}
	if config.FramesPerBuffer <= 0 {
		config.FramesPerBuffer = 4096
	}
	if config.ChannelBuffer <= 0 {
		config.ChannelBuffer = 16
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Microphone{
		device: device,
		config: config,
		logger: logger.With(slog.String("component", "microphone")),
	}, nil
}

// SampleRate returns the capture sample rate
func (m *Microphone) SampleRate() int {
	return m.config.SampleRate
}

// Overruns returns the number of chunks dropped because the reader fell behind
func (m *Microphone) Overruns() uint64 {
	return m.overruns.Load()
}

// Start opens and starts the device. On failure every partially acquired
// handle is released before the error is returned.
func (m *Microphone) Start() (<-chan []float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.opened {
		return nil, ErrAlreadyStarted
	}

	m.out = make(chan []float32, m.config.ChannelBuffer)
	m.closed = false

	if err := m.device.Open(m.config.SampleRate, m.config.FramesPerBuffer, m.deliver); err != nil {
		m.closeOutput()
		return nil, classifyDeviceError("open input device", err)
	}
	m.opened = true

	if err := m.device.Start(); err != nil {
		if closeErr := m.device.Close(); closeErr != nil {
			m.logger.Warn("Failed to close device after start failure", slog.Any("error", closeErr))
		}
		m.opened = false
		m.closeOutput()
		return nil, classifyDeviceError("start input device", err)
	}
	m.started = true

	m.logger.Info("Microphone capture started",
		slog.Int("sample_rate", m.config.SampleRate),
		slog.Int("frames_per_buffer", m.config.FramesPerBuffer))

	return m.out, nil
}

// deliver runs on the device's callback goroutine
func (m *Microphone) deliver(in []float32) {
	if len(in) == 0 {
		return
	}

	chunk := make([]float32, len(in))
	copy(chunk, in)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	select {
	case m.out <- chunk:
	default:
		m.overruns.Add(1)
		if m.config.OnOverrun != nil {
			m.config.OnOverrun()
		}
	}
}

// Stop stops and closes the device, then closes the chunk channel.
// Each release step is attempted even if an earlier one fails.
func (m *Microphone) Stop() error {
	m.mu.Lock()
	started, opened := m.started, m.opened
	m.started, m.opened = false, false
	m.mu.Unlock()

	if !opened {
		return nil
	}

	var errs []error
	if started {
		if err := m.device.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop device: %w", err))
		}
	}
	if err := m.device.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close device: %w", err))
	}

	m.mu.Lock()
	m.closeOutput()
	m.mu.Unlock()

	if overruns := m.overruns.Load(); overruns > 0 {
		m.logger.Warn("Microphone reader fell behind", slog.Uint64("dropped_chunks", overruns))
	}

	return errors.Join(errs...)
}

// closeOutput must be called with mu held
func (m *Microphone) closeOutput() {
	if m.closed {
		return
	}
	m.closed = true
	close(m.out)
}

// classifyDeviceError keeps the source error taxonomy intact: errors that
// already carry it pass through, anything else means the device is unusable.
func classifyDeviceError(op string, err error) error {
	if errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrDeviceUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrDeviceUnavailable, err)
}
