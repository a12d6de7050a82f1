package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mdobak/go-xerrors"

	"github.com/s0l0l0b0/universal-asc-eval-app/internal/audio"
	"github.com/s0l0l0b0/universal-asc-eval-app/internal/dispatch"
	"github.com/s0l0l0b0/universal-asc-eval-app/internal/history"
	"github.com/s0l0l0b0/universal-asc-eval-app/internal/metrics"
	"github.com/s0l0l0b0/universal-asc-eval-app/internal/source"
)

var (
	// ErrAlreadyActive is returned by Start while a session is acquiring or listening
	ErrAlreadyActive = errors.New("session already active")

	// ErrStoppedDuringStart is returned by Start when Stop was called before the source was acquired
	ErrStoppedDuringStart = errors.New("session stopped during start")

	// ErrSourceEnded is recorded when the source closes its channel on its own
	ErrSourceEnded = errors.New("audio source ended unexpectedly")
)

// State is the lifecycle state of the controller
type State int32

const (
	StateIdle State = iota
	StateAcquiringSource
	StateListening
	StateStopped
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquiringSource:
		return "acquiring_source"
	case StateListening:
		return "listening"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// SourceFactory constructs the configured source for a sample rate
type SourceFactory func(sampleRate int) (source.Source, error)

// Config contains controller configuration
type Config struct {
	RequestTimeout time.Duration // Bound for a single classification request
}

// Controller owns at most one listening session at a time
type Controller struct {
	newSource  SourceFactory
	classifier dispatch.Classifier
	sink       history.Sink
	metrics    *metrics.Metrics
	logger     *slog.Logger
	config     Config

	mu      sync.Mutex
	state   State
	current *session
	lastErr error
}

// session holds everything one listening run owns
type session struct {
	id         string
	sampleRate int
	startedAt  time.Time
	stoppedAt  time.Time

	src        source.Source
	assembler  *audio.Assembler
	dispatcher *dispatch.Dispatcher

	quit          chan struct{}
	done          chan struct{}
	stopAfterFunc func() bool
	stopRequested bool // Stop arrived while acquiring

	seq          uint64 // Owned by the pump
	encodeErrors atomic.Uint64
	sourceEnded  atomic.Bool
}

// SessionInfo is a snapshot of the controller and its current session
type SessionInfo struct {
	State        State                 `json:"state"`
	ID           string                `json:"id,omitempty"`
	SampleRate   int                   `json:"sample_rate,omitempty"`
	StartedAt    *time.Time            `json:"started_at,omitempty"`
	StoppedAt    *time.Time            `json:"stopped_at,omitempty"`
	Assembler    *audio.AssemblerStats `json:"assembler,omitempty"`
	Dispatcher   *dispatch.Stats       `json:"dispatcher,omitempty"`
	EncodeErrors uint64                `json:"encode_errors"`
	LastError    string                `json:"last_error,omitempty"`
}

// NewController creates a controller in the Idle state
func NewController(factory SourceFactory, c dispatch.Classifier, sink history.Sink, m *metrics.Metrics, logger *slog.Logger, config Config) (*Controller, error) {
	if factory == nil {
		return nil, fmt.Errorf("source factory cannot be nil")
	}
	if c == nil {
		return nil, fmt.Errorf("classifier cannot be nil")
	}
	if sink == nil {
		return nil, fmt.Errorf("prediction sink cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	m.SetSessionState(int(StateIdle))

	return &Controller{
		newSource:  factory,
		classifier: c,
		sink:       sink,
		metrics:    m,
		logger:     logger.With(slog.String("component", "session")),
		config:     config,
		state:      StateIdle,
	}, nil
}

// State returns the current lifecycle state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start acquires the source and begins listening at sampleRate. Start is
// allowed from Idle or Stopped. If acquisition fails the controller ends in
// Stopped and the source error is returned. When ctx ends the session is
// stopped automatically.
func (c *Controller) Start(ctx context.Context, sampleRate int) (string, error) {
	if sampleRate <= 0 {
		return "", fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	c.mu.Lock()
	if c.state == StateAcquiringSource || c.state == StateListening {
		c.mu.Unlock()
		return "", ErrAlreadyActive
	}

	s, err := c.newSession(sampleRate)
	if err != nil {
		c.mu.Unlock()
		return "", err
	}

	c.current = s
	c.lastErr = nil
	c.setState(StateAcquiringSource)
	c.mu.Unlock()

	c.logger.Info("Acquiring audio source",
		slog.String("session_id", s.id),
		slog.Int("sample_rate", sampleRate))

	// Acquisition may block on the device; the lock is not held so Stop stays responsive
	src, chunks, err := c.acquire(sampleRate)

	c.mu.Lock()

	if err != nil {
		s.dispatcher.Close()
		s.stoppedAt = time.Now()
		if c.current == s {
			c.lastErr = err
			if c.state == StateAcquiringSource {
				c.setState(StateStopped)
			}
		}
		c.mu.Unlock()

		c.metrics.RecordSessionFailed(failureReason(err))
		c.logger.Error("Failed to start session",
			slog.String("session_id", s.id),
			slog.Any("error", xerrors.New(err)))
		return "", fmt.Errorf("start session: %w", err)
	}

	if s.stopRequested {
		c.mu.Unlock()

		c.releaseSource(s.id, src)
		c.logger.Info("Session stopped before the source was acquired", slog.String("session_id", s.id))
		return "", ErrStoppedDuringStart
	}

	s.src = src
	s.startedAt = time.Now()
	s.quit = make(chan struct{})
	s.done = make(chan struct{})
	s.stopAfterFunc = context.AfterFunc(ctx, func() {
		c.logger.Info("Session context ended, stopping", slog.String("session_id", s.id))
		c.stopSession(s)
	})
	c.setState(StateListening)

	go c.pump(ctx, s, chunks)

	c.mu.Unlock()

	c.metrics.RecordSessionStarted()
	c.logger.Info("Session listening",
		slog.String("session_id", s.id),
		slog.Int("sample_rate", sampleRate))

	return s.id, nil
}

// newSession must be called with mu held
func (c *Controller) newSession(sampleRate int) (*session, error) {
	id := uuid.NewString()

	assembler, err := audio.NewAssembler(sampleRate)
	if err != nil {
		return nil, fmt.Errorf("failed to create assembler: %w", err)
	}

	dispatcher, err := dispatch.New(c.classifier, c.sink, c.metrics, c.logger, dispatch.Config{
		SessionID: id,
		Timeout:   c.config.RequestTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatcher: %w", err)
	}

	return &session{
		id:         id,
		sampleRate: sampleRate,
		assembler:  assembler,
		dispatcher: dispatcher,
	}, nil
}

// acquire builds and starts the source, releasing it if any step fails
func (c *Controller) acquire(sampleRate int) (src source.Source, chunks <-chan []float32, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic while acquiring source: %v", source.ErrDeviceUnavailable, r)
			if src != nil {
				c.releaseSource("", src)
			}
			src, chunks = nil, nil
		}
	}()

	src, err = c.newSource(sampleRate)
	if err != nil {
		return nil, nil, err
	}
	if src == nil {
		return nil, nil, source.ErrDeviceUnavailable
	}

	if src.SampleRate() != sampleRate {
		c.releaseSource("", src)
		return nil, nil, fmt.Errorf("source runs at %d Hz, session needs %d Hz", src.SampleRate(), sampleRate)
	}

	chunks, err = src.Start()
	if err != nil {
		c.releaseSource("", src)
		return nil, nil, err
	}

	return src, chunks, nil
}

func (c *Controller) releaseSource(sessionID string, src source.Source) {
	if err := src.Stop(); err != nil {
		c.logger.Warn("Failed to release audio source",
			slog.String("session_id", sessionID),
			slog.Any("error", xerrors.New(err)))
	}
}

// pump is the session's single audio event sequence
func (c *Controller) pump(ctx context.Context, s *session, chunks <-chan []float32) {
	defer close(s.done)

	for {
		select {
		case <-s.quit:
			return
		case chunk, ok := <-chunks:
			if !ok {
				c.logger.Warn("Audio source closed", slog.String("session_id", s.id))
				s.sourceEnded.Store(true)
				go c.stopSession(s)
				return
			}
			c.processChunk(ctx, s, chunk)
		}
	}
}

// processChunk runs assembler, encoder and dispatcher for one chunk. All work
// is bounded and local except Submit, which never blocks on the network.
func (c *Controller) processChunk(ctx context.Context, s *session, chunk []float32) {
	for _, window := range s.assembler.Process(chunk) {
		c.metrics.RecordWindowAssembled()

		seq := s.seq
		s.seq++

		data, err := audio.EncodeWindow(window, s.sampleRate)
		if err != nil {
			s.encodeErrors.Add(1)
			c.metrics.RecordEncodeError()
			c.logger.Error("Failed to encode window",
				slog.String("session_id", s.id),
				slog.Uint64("seq", seq),
				slog.Any("error", xerrors.New(err)))
			continue
		}
		c.metrics.RecordClipEncoded(len(data))

		s.dispatcher.Submit(ctx, &audio.Clip{
			ID:         uuid.NewString(),
			Seq:        seq,
			SampleRate: s.sampleRate,
			Data:       data,
			CapturedAt: time.Now(),
		})
	}
}

// Stop ends the current session. It is idempotent and never waits for an
// in-flight classification. Release failures are logged, not returned.
func (c *Controller) Stop() {
	c.mu.Lock()
	s := c.current
	c.mu.Unlock()

	if s == nil {
		return
	}
	c.stopSession(s)
}

func (c *Controller) stopSession(s *session) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != s {
		return
	}

	switch c.state {
	case StateIdle, StateStopped:
		return

	case StateAcquiringSource:
		// Start releases the source once acquisition returns
		s.stopRequested = true
		s.dispatcher.Close()
		s.stoppedAt = time.Now()
		c.setState(StateStopped)
		c.logger.Info("Session stop requested during source acquisition", slog.String("session_id", s.id))
		return
	}

	c.logger.Info("Stopping session", slog.String("session_id", s.id))

	c.step(s, "stop accepting chunks", func() error {
		close(s.quit)
		<-s.done
		return nil
	})
	c.step(s, "close dispatcher", func() error {
		s.dispatcher.Close()
		return nil
	})
	c.step(s, "release source", s.src.Stop)
	c.step(s, "discard partial window", func() error {
		discarded := s.assembler.Reset()
		c.metrics.RecordDiscardedSamples(discarded)
		return nil
	})

	if s.stopAfterFunc != nil {
		s.stopAfterFunc()
	}

	if s.sourceEnded.Load() {
		c.lastErr = ErrSourceEnded
	}
	s.stoppedAt = time.Now()
	c.setState(StateStopped)

	duration := s.stoppedAt.Sub(s.startedAt)
	c.metrics.RecordSessionStopped(duration.Seconds())

	stats := s.dispatcher.Stats()
	c.logger.Info("Session stopped",
		slog.String("session_id", s.id),
		slog.Duration("duration", duration),
		slog.Uint64("windows", s.assembler.Stats().Windows),
		slog.Uint64("classified", stats.Succeeded),
		slog.Uint64("dropped", stats.Dropped),
		slog.Uint64("failed", stats.Failed),
		slog.Bool("request_in_flight", stats.InFlight))
}

// step runs one teardown step in isolation; failures and panics are logged
func (c *Controller) step(s *session, name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Panic during session teardown",
				slog.String("session_id", s.id),
				slog.String("step", name),
				slog.Any("panic", r))
		}
	}()

	if err := fn(); err != nil {
		c.logger.Warn("Session teardown step failed",
			slog.String("session_id", s.id),
			slog.String("step", name),
			slog.Any("error", xerrors.New(err)))
	}
}

// setState must be called with mu held
func (c *Controller) setState(state State) {
	c.state = state
	c.metrics.SetSessionState(int(state))
}

// Status returns a snapshot of the controller state
func (c *Controller) Status() SessionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	info := SessionInfo{State: c.state}
	if c.lastErr != nil {
		info.LastError = c.lastErr.Error()
	}

	s := c.current
	if s == nil {
		return info
	}

	info.ID = s.id
	info.SampleRate = s.sampleRate
	if !s.startedAt.IsZero() {
		started := s.startedAt
		info.StartedAt = &started
	}
	if !s.stoppedAt.IsZero() {
		stopped := s.stoppedAt
		info.StoppedAt = &stopped
	}

	assemblerStats := s.assembler.Stats()
	dispatcherStats := s.dispatcher.Stats()
	info.Assembler = &assemblerStats
	info.Dispatcher = &dispatcherStats
	info.EncodeErrors = s.encodeErrors.Load()

	return info
}

// Shutdown stops the session and then waits, bounded by ctx, for an in-flight
// request to finish so the process can exit cleanly. Its result is discarded.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.Stop()

	c.mu.Lock()
	s := c.current
	c.mu.Unlock()

	if s == nil {
		return nil
	}
	return s.dispatcher.Wait(ctx)
}

// failureReason labels start failures for metrics
func failureReason(err error) string {
	switch {
	case errors.Is(err, source.ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, source.ErrDeviceUnavailable):
		return "device_unavailable"
	default:
		return "other"
	}
}
