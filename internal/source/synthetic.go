package source

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"
)

// SyntheticConfig describes the generated tone
type SyntheticConfig struct {
	SampleRate      int
	Frequency       float64 // Hz
	Amplitude       float64 // Peak amplitude, 0 < a <= 1
	Phase           float64 // Initial phase in radians
	Noise           float64 // Peak amplitude of additive uniform noise
	Seed            int64   // Noise seed
	FramesPerBuffer int     // Samples per chunk
	Realtime        bool    // Pace chunks at the sample rate
}

// Synthetic generates a deterministic sine wave. Given the same config it
// produces bit-identical chunks, which makes it usable for golden tests and
// machines without audio hardware.
type Synthetic struct {
	config SyntheticConfig
	rng    *rand.Rand
	pos    uint64 // Samples generated so far

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewSynthetic creates a synthetic source
func NewSynthetic(config SyntheticConfig) (*Synthetic, error) {
	if config.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", config.SampleRate)
	}
	if config.Frequency <= 0 {
		config.Frequency = 440
	}
	if config.Amplitude <= 0 || config.Amplitude > 1 {
		config.Amplitude = 0.5
	}
	if config.Noise < 0 {
		return nil, fmt.Errorf("noise must not be negative, got %f", config.Noise)
	}
	if config.FramesPerBuffer <= 0 {
		config.FramesPerBuffer = 4096
	}

	return &Synthetic{
		config: config,
		rng:    rand.New(rand.NewSource(config.Seed)),
	}, nil
}

// SampleRate returns the generated sample rate
func (s *Synthetic) SampleRate() int {
	return s.config.SampleRate
}

// NextChunk generates the next FramesPerBuffer samples
func (s *Synthetic) NextChunk() []float32 {
	chunk := make([]float32, s.config.FramesPerBuffer)
	step := 2 * math.Pi * s.config.Frequency / float64(s.config.SampleRate)

	for i := range chunk {
		v := s.config.Amplitude * math.Sin(s.config.Phase+step*float64(s.pos))
		if s.config.Noise > 0 {
			v += s.config.Noise * (2*s.rng.Float64() - 1)
		}
		chunk[i] = float32(v)
		s.pos++
	}

	return chunk
}

// Start begins generating chunks on a background goroutine
func (s *Synthetic) Start() (<-chan []float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil, ErrAlreadyStarted
	}

	out := make(chan []float32)
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.running = true

	go s.generate(out, s.stop, s.done)

	return out, nil
}

func (s *Synthetic) generate(out chan<- []float32, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer close(out)

	var ticker *time.Ticker
	if s.config.Realtime {
		interval := time.Duration(float64(time.Second) * float64(s.config.FramesPerBuffer) / float64(s.config.SampleRate))
		ticker = time.NewTicker(interval)
		defer ticker.Stop()
	}

	for {
		if ticker != nil {
			select {
			case <-ticker.C:
			case <-stop:
				return
			}
		}

		chunk := s.NextChunk()
		select {
		case out <- chunk:
		case <-stop:
			return
		}
	}
}

// Stop halts generation and closes the chunk channel. Calling Stop on a
// source that is not running is a no-op.
func (s *Synthetic) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stop)
	done := s.done
	s.mu.Unlock()

	<-done
	return nil
}
