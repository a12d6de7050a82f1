// Package portaudio implements source.Device on the host's default input
// device through PortAudio.
package portaudio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/s0l0l0b0/universal-asc-eval-app/internal/source"
)

// Device captures mono float32 audio from the default input device
type Device struct {
	mu          sync.Mutex
	stream      *portaudio.Stream
	initialized bool
}

// New creates an unopened PortAudio device
func New() *Device {
	return &Device{}
}

// Open initializes PortAudio and opens a mono input stream delivering
// framesPerBuffer samples per callback
func (d *Device) Open(sampleRate, framesPerBuffer int, callback func(in []float32)) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stream != nil {
		return fmt.Errorf("device already open")
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("portaudio.Initialize: %w: %v", source.ErrDeviceUnavailable, err)
	}
	d.initialized = true

	info, err := portaudio.DefaultInputDevice()
	if err != nil || info == nil {
		d.terminate()
		return fmt.Errorf("portaudio.DefaultInputDevice: %w: %v", source.ErrDeviceUnavailable, err)
	}

	params := portaudio.LowLatencyParameters(info, nil)
	params.Input.Channels = 1
	params.SampleRate = float64(sampleRate)
	params.FramesPerBuffer = framesPerBuffer

	stream, err := portaudio.OpenStream(params, callback)
	if err != nil {
		d.terminate()
		return fmt.Errorf("portaudio.OpenStream: %w", mapError(err))
	}

	d.stream = stream
	return nil
}

// Start begins delivering buffers to the callback
func (d *Device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stream == nil {
		return fmt.Errorf("device not open")
	}
	if err := d.stream.Start(); err != nil {
		return fmt.Errorf("stream start: %w", mapError(err))
	}
	return nil
}

// Stop halts the stream; buffers already delivered are not affected
func (d *Device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stream == nil {
		return nil
	}
	return d.stream.Stop()
}

// Close releases the stream and terminates PortAudio
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var err error
	if d.stream != nil {
		err = d.stream.Close()
		d.stream = nil
	}
	if termErr := d.terminate(); termErr != nil {
		err = errors.Join(err, termErr)
	}
	return err
}

// terminate must be called with mu held
func (d *Device) terminate() error {
	if !d.initialized {
		return nil
	}
	d.initialized = false
	return portaudio.Terminate()
}

// mapError translates PortAudio codes into the source error taxonomy.
// Missing or invalid devices are unavailable; any other refusal to open or
// start the input is reported as a permission failure, which is how host APIs
// surface denied microphone access.
func mapError(err error) error {
	switch {
	case errors.Is(err, portaudio.DeviceUnavailable),
		errors.Is(err, portaudio.InvalidDevice),
		errors.Is(err, portaudio.NotInitialized):
		return fmt.Errorf("%w: %v", source.ErrDeviceUnavailable, err)
	default:
		return fmt.Errorf("%w: %v", source.ErrPermissionDenied, err)
	}
}
