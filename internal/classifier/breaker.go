package classifier

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without contacting the service while the breaker is open
var ErrCircuitOpen = errors.New("classification service circuit open")

// BreakerState is the operating mode of a Breaker
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

// String returns the state name
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig contains circuit breaker configuration
type BreakerConfig struct {
	MaxFailures  int           // Consecutive failures before opening
	ResetTimeout time.Duration // Time spent open before a probe is allowed
}

// Breaker is a three-state circuit breaker. After MaxFailures consecutive
// failures it rejects calls for ResetTimeout, then lets a single probe through:
// success closes it, failure opens it again.
type Breaker struct {
	maxFailures  int
	resetTimeout time.Duration
	logger       *slog.Logger
	now          func() time.Time

	mu              sync.Mutex
	state           BreakerState
	consecutiveFail int
	lastFailure     time.Time
	probing         bool
	trips           uint64
}

// NewBreaker creates a breaker; zero config fields get defaults
func NewBreaker(config BreakerConfig, logger *slog.Logger) *Breaker {
	if config.MaxFailures <= 0 {
		config.MaxFailures = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Breaker{
		maxFailures:  config.MaxFailures,
		resetTimeout: config.ResetTimeout,
		logger:       logger,
		now:          time.Now,
	}
}

// Execute runs fn if the breaker allows it. Only errors for which
// countsAsFailure returns true move the breaker towards open.
func (b *Breaker) Execute(fn func() error, countsAsFailure func(error) bool) error {
	b.mu.Lock()
	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.lastFailure) < b.resetTimeout {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.state = BreakerHalfOpen
		b.logger.Info("Circuit breaker half-open, probing classification service")
	case BreakerHalfOpen:
		if b.probing {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
	}

	probe := b.state == BreakerHalfOpen
	if probe {
		b.probing = true
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.probing = false
	}

	if err != nil && (countsAsFailure == nil || countsAsFailure(err)) {
		b.recordFailure(probe)
	} else {
		b.recordSuccess(probe)
	}

	return err
}

// recordFailure must be called with mu held
func (b *Breaker) recordFailure(probe bool) {
	b.lastFailure = b.now()
	b.consecutiveFail++

	if probe || b.consecutiveFail >= b.maxFailures {
		if b.state != BreakerOpen {
			b.trips++
			b.logger.Warn("Circuit breaker opened",
				slog.Int("consecutive_failures", b.consecutiveFail),
				slog.Duration("reset_timeout", b.resetTimeout))
		}
		b.state = BreakerOpen
	}
}

// recordSuccess must be called with mu held
func (b *Breaker) recordSuccess(probe bool) {
	if probe {
		b.logger.Info("Circuit breaker closed after successful probe")
	}
	b.state = BreakerClosed
	b.consecutiveFail = 0
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed reports half-open; the transition itself happens on the next call.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen && b.now().Sub(b.lastFailure) >= b.resetTimeout {
		return BreakerHalfOpen
	}
	return b.state
}

// Trips returns how many times the breaker has opened
func (b *Breaker) Trips() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trips
}

// Reset forces the breaker closed
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = BreakerClosed
	b.consecutiveFail = 0
	b.probing = false
}
