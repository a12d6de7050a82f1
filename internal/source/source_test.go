package source

import (
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{"synthetic", KindSynthetic, false},
		{"microphone", KindMicrophone, false},
		{"", "", true},
		{"line-in", "", true},
	}

	for _, tt := range tests {
		got, err := ParseKind(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseKind(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseKind(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSyntheticDeterministic(t *testing.T) {
	config := SyntheticConfig{
		SampleRate:      16000,
		Frequency:       440,
		Amplitude:       0.8,
		Noise:           0.05,
		Seed:            7,
		FramesPerBuffer: 1024,
	}

	a, err := NewSynthetic(config)
	if err != nil {
		t.Fatalf("NewSynthetic failed: %v", err)
	}
	b, _ := NewSynthetic(config)

	for i := 0; i < 5; i++ {
		ca, cb := a.NextChunk(), b.NextChunk()
		if len(ca) != 1024 {
			t.Fatalf("Expected chunk of 1024 samples, got %d", len(ca))
		}
		for j := range ca {
			if math.Float32bits(ca[j]) != math.Float32bits(cb[j]) {
				t.Fatalf("Chunk %d sample %d differs: %v vs %v", i, j, ca[j], cb[j])
			}
		}
	}
}

func TestSyntheticSineValues(t *testing.T) {
	s, err := NewSynthetic(SyntheticConfig{
		SampleRate:      8000,
		Frequency:       1000,
		Amplitude:       1,
		FramesPerBuffer: 8,
	})
	if err != nil {
		t.Fatalf("NewSynthetic failed: %v", err)
	}

	// 1000 Hz at 8000 Hz is one cycle per 8 samples
	chunk := s.NextChunk()
	for i, v := range chunk {
		want := math.Sin(2 * math.Pi * float64(i) / 8)
		if math.Abs(float64(v)-want) > 1e-6 {
			t.Errorf("Sample %d: expected %.6f, got %.6f", i, want, v)
		}
		if v < -1 || v > 1 {
			t.Errorf("Sample %d out of range: %v", i, v)
		}
	}

	// Phase continues across chunks
	next := s.NextChunk()
	if math.Abs(float64(next[0])) > 1e-6 {
		t.Errorf("Expected the second chunk to start a new cycle at 0, got %v", next[0])
	}
}

func TestNewSyntheticInvalid(t *testing.T) {
	if _, err := NewSynthetic(SyntheticConfig{SampleRate: 0}); err == nil {
		t.Error("Expected error for zero sample rate")
	}
	if _, err := NewSynthetic(SyntheticConfig{SampleRate: 16000, Noise: -1}); err == nil {
		t.Error("Expected error for negative noise")
	}
}

func TestSyntheticStartStop(t *testing.T) {
	s, _ := NewSynthetic(SyntheticConfig{SampleRate: 16000, FramesPerBuffer: 512})

	chunks, err := s.Start()
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if _, err := s.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("Expected ErrAlreadyStarted, got %v", err)
	}

	for i := 0; i < 3; i++ {
		select {
		case chunk := <-chunks:
			if len(chunk) != 512 {
				t.Errorf("Expected 512 samples, got %d", len(chunk))
			}
		case <-time.After(time.Second):
			t.Fatal("Timed out waiting for a chunk")
		}
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("Second Stop should be a no-op, got %v", err)
	}

	for range chunks {
	}
}

// fakeDevice records calls and lets tests inject failures and buffers
type fakeDevice struct {
	mu       sync.Mutex
	openErr  error
	startErr error
	stopErr  error
	callback func([]float32)
	opened   bool
	started  bool
	closes   int
	stops    int
}

func (d *fakeDevice) Open(sampleRate, framesPerBuffer int, callback func([]float32)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.openErr != nil {
		return d.openErr
	}
	d.opened = true
	d.callback = callback
	return nil
}

func (d *fakeDevice) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.startErr != nil {
		return d.startErr
	}
	d.started = true
	return nil
}

func (d *fakeDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stops++
	d.started = false
	return d.stopErr
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closes++
	d.opened = false
	return nil
}

func (d *fakeDevice) emit(in []float32) {
	d.mu.Lock()
	cb := d.callback
	d.mu.Unlock()
	cb(in)
}

func TestMicrophoneDelivery(t *testing.T) {
	dev := &fakeDevice{}
	mic, err := NewMicrophone(dev, MicrophoneConfig{SampleRate: 16000, ChannelBuffer: 4}, discardLogger())
	if err != nil {
		t.Fatalf("NewMicrophone failed: %v", err)
	}

	chunks, err := mic.Start()
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	buf := []float32{0.1, 0.2, 0.3}
	dev.emit(buf)
	buf[0] = 9 // device reuses its buffer

	got := <-chunks
	if len(got) != 3 || got[0] != 0.1 {
		t.Errorf("Expected a copy of the device buffer, got %v", got)
	}

	if err := mic.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if dev.stops != 1 || dev.closes != 1 {
		t.Errorf("Expected one stop and one close, got %d and %d", dev.stops, dev.closes)
	}
	if _, ok := <-chunks; ok {
		t.Error("Expected chunk channel to be closed after Stop")
	}

	// Late callbacks after Stop must not panic
	dev.emit([]float32{1})

	if err := mic.Stop(); err != nil {
		t.Errorf("Second Stop should be a no-op, got %v", err)
	}
	if dev.closes != 1 {
		t.Errorf("Second Stop released the device again")
	}
}

func TestMicrophonePermissionDenied(t *testing.T) {
	dev := &fakeDevice{openErr: ErrPermissionDenied}
	mic, _ := NewMicrophone(dev, MicrophoneConfig{SampleRate: 16000}, discardLogger())

	chunks, err := mic.Start()
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("Expected ErrPermissionDenied, got %v", err)
	}
	if chunks != nil {
		t.Error("Expected no channel on failure")
	}
	if dev.opened || dev.started {
		t.Error("Device handle still held after denied start")
	}
}

func TestMicrophoneStartFailureReleasesDevice(t *testing.T) {
	dev := &fakeDevice{startErr: errors.New("host error")}
	mic, _ := NewMicrophone(dev, MicrophoneConfig{SampleRate: 16000}, discardLogger())

	_, err := mic.Start()
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("Expected ErrDeviceUnavailable for unclassified error, got %v", err)
	}
	if dev.closes != 1 || dev.opened {
		t.Errorf("Expected device to be closed after start failure, closes=%d", dev.closes)
	}

	// The source can be retried once the device recovers
	dev.startErr = nil
	if _, err := mic.Start(); err != nil {
		t.Fatalf("Retry Start failed: %v", err)
	}
	mic.Stop()
}

func TestMicrophoneOverrun(t *testing.T) {
	dev := &fakeDevice{}
	var overruns int
	mic, _ := NewMicrophone(dev, MicrophoneConfig{
		SampleRate:    16000,
		ChannelBuffer: 2,
		OnOverrun:     func() { overruns++ },
	}, discardLogger())

	chunks, err := mic.Start()
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		dev.emit([]float32{float32(i)})
	}

	if mic.Overruns() != 3 || overruns != 3 {
		t.Errorf("Expected 3 overruns, got %d (callback %d)", mic.Overruns(), overruns)
	}

	// The oldest buffered chunks are kept in order
	if got := <-chunks; got[0] != 0 {
		t.Errorf("Expected first chunk 0, got %v", got[0])
	}
	if got := <-chunks; got[0] != 1 {
		t.Errorf("Expected second chunk 1, got %v", got[0])
	}

	mic.Stop()
}

func TestMicrophoneStopErrorsStillRelease(t *testing.T) {
	dev := &fakeDevice{stopErr: errors.New("stream stuck")}
	mic, _ := NewMicrophone(dev, MicrophoneConfig{SampleRate: 16000}, discardLogger())

	chunks, err := mic.Start()
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := mic.Stop(); err == nil {
		t.Error("Expected the stop failure to be reported")
	}
	if dev.closes != 1 {
		t.Error("Close must run even when Stop fails")
	}
	if _, ok := <-chunks; ok {
		t.Error("Expected chunk channel to be closed")
	}
}

func TestNewMicrophoneNilDevice(t *testing.T) {
	if _, err := NewMicrophone(nil, MicrophoneConfig{SampleRate: 16000}, nil); !errors.Is(err, ErrDeviceUnavailable) {
		t.Errorf("Expected ErrDeviceUnavailable, got %v", err)
	}
}
