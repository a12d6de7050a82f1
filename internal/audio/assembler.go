package audio

import (
	"fmt"
	"sync"
	"time"
)

// Clip is one encoded analysis window ready for classification
type Clip struct {
	ID         string    `json:"id"`
	Seq        uint64    `json:"seq"`         // Window index within the session
	SampleRate int       `json:"sample_rate"` // Rate the window was encoded at
	Data       []byte    `json:"-"`           // WAV container bytes
	CapturedAt time.Time `json:"captured_at"` // When the window completed
}

// Filename returns the multipart filename the clip is uploaded under
func (c *Clip) Filename() string {
	return "live_recording.wav"
}

// Assembler accumulates incoming samples and cuts them into fixed-length
// windows of windowSize samples. Samples are never discarded except by Reset.
type Assembler struct {
	windowSize int
	pending    []float32 // Samples awaiting a full window

	// Statistics
	pushed   uint64 // Total samples ever pushed
	consumed uint64 // Samples handed out inside completed windows
	windows  uint64 // Completed windows
	resets   uint64 // Partial buffers discarded
	dropped  uint64 // Samples discarded by Reset

	mu sync.Mutex
}

// AssemblerStats represents assembler statistics for monitoring
type AssemblerStats struct {
	WindowSize      int    `json:"window_size"`
	PushedSamples   uint64 `json:"pushed_samples"`
	ConsumedSamples uint64 `json:"consumed_samples"`
	PendingSamples  int    `json:"pending_samples"`
	Windows         uint64 `json:"windows"`
	Resets          uint64 `json:"resets"`
	DiscardedTail   uint64 `json:"discarded_samples"`
}

// NewAssembler creates an assembler producing windows of windowSize samples.
// For one-second windows windowSize equals the sample rate.
func NewAssembler(windowSize int) (*Assembler, error) {
	if windowSize <= 0 {
		return nil, fmt.Errorf("window size must be positive, got %d", windowSize)
	}

	return &Assembler{
		windowSize: windowSize,
		pending:    make([]float32, 0, windowSize*2),
	}, nil
}

// WindowSize returns the number of samples per window
func (a *Assembler) WindowSize() int {
	return a.windowSize
}

// Push appends a chunk of samples to the pending buffer. An empty chunk is a no-op.
func (a *Assembler) Push(chunk []float32) {
	if len(chunk) == 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.pending = append(a.pending, chunk...)
	a.pushed += uint64(len(chunk))
}

// Drain removes and returns every complete window in arrival order. The
// remainder (fewer than windowSize samples) stays pending.
func (a *Assembler) Drain() [][]float32 {
	a.mu.Lock()
	defer a.mu.Unlock()

	count := len(a.pending) / a.windowSize
	if count == 0 {
		return nil
	}

	windows := make([][]float32, 0, count)
	for i := 0; i < count; i++ {
		start := i * a.windowSize
		window := make([]float32, a.windowSize)
		copy(window, a.pending[start:start+a.windowSize])
		windows = append(windows, window)
	}

	consumed := count * a.windowSize
	a.consumed += uint64(consumed)
	a.windows += uint64(count)

	// Move the remainder to the front so the backing array does not grow
	// without bound over a long session
	remaining := copy(a.pending, a.pending[consumed:])
	a.pending = a.pending[:remaining]

	return windows
}

// Process pushes a chunk and drains the windows it completed
func (a *Assembler) Process(chunk []float32) [][]float32 {
	a.Push(chunk)
	return a.Drain()
}

// Pending returns the number of samples waiting for a full window
func (a *Assembler) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.pending)
}

// Reset discards the partial trailing buffer. Partial windows are never classified.
func (a *Assembler) Reset() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	discarded := len(a.pending)
	if discarded > 0 {
		a.dropped += uint64(discarded)
		a.resets++
	}
	a.pending = a.pending[:0]

	return discarded
}

// Stats returns current assembler statistics
func (a *Assembler) Stats() AssemblerStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	return AssemblerStats{
		WindowSize:      a.windowSize,
		PushedSamples:   a.pushed,
		ConsumedSamples: a.consumed,
		PendingSamples:  len(a.pending),
		Windows:         a.windows,
		Resets:          a.resets,
		DiscardedTail:   a.dropped,
	}
}
