package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mdobak/go-xerrors"

	"github.com/s0l0l0b0/universal-asc-eval-app/internal/audio"
	"github.com/s0l0l0b0/universal-asc-eval-app/internal/classifier"
	"github.com/s0l0l0b0/universal-asc-eval-app/internal/history"
	"github.com/s0l0l0b0/universal-asc-eval-app/internal/metrics"
)

// Classifier classifies one encoded clip
type Classifier interface {
	Classify(ctx context.Context, clip *audio.Clip) (*classifier.Prediction, error)
}

// Config contains dispatcher configuration
type Config struct {
	SessionID string
	Timeout   time.Duration // Upper bound for a single classification request
}

// Dispatcher owns the dispatch slot of one session. A request, once issued,
// runs to completion on its own goroutine even if the dispatcher is closed;
// its result is then discarded instead of published.
type Dispatcher struct {
	classifier Classifier
	sink       history.Sink
	metrics    *metrics.Metrics
	logger     *slog.Logger
	config     Config

	busy   atomic.Bool // The dispatch slot
	closed atomic.Bool
	wg     sync.WaitGroup

	// Statistics
	submitted atomic.Uint64
	accepted  atomic.Uint64
	dropped   atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	stale     atomic.Uint64
}

// Stats represents dispatcher statistics for monitoring
type Stats struct {
	Submitted   uint64  `json:"submitted"`
	Accepted    uint64  `json:"accepted"`
	Dropped     uint64  `json:"dropped"`
	Succeeded   uint64  `json:"succeeded"`
	Failed      uint64  `json:"failed"`
	Stale       uint64  `json:"stale"`
	InFlight    bool    `json:"in_flight"`
	FailureRate float64 `json:"failure_rate"`
}

// New creates a dispatcher publishing successful predictions to sink
func New(c Classifier, sink history.Sink, m *metrics.Metrics, logger *slog.Logger, config Config) (*Dispatcher, error) {
	if c == nil {
		return nil, fmt.Errorf("classifier cannot be nil")
	}
	if sink == nil {
		return nil, fmt.Errorf("prediction sink cannot be nil")
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		classifier: c,
		sink:       sink,
		metrics:    m,
		config:     config,
		logger: logger.With(
			slog.String("component", "dispatcher"),
			slog.String("session_id", config.SessionID),
		),
	}, nil
}

// Submit offers a clip for classification. It returns false without issuing
// a request when the slot is occupied or the dispatcher is closed; the clip
// is discarded and never retried.
func (d *Dispatcher) Submit(ctx context.Context, clip *audio.Clip) bool {
	d.submitted.Add(1)

	if d.closed.Load() {
		d.dropped.Add(1)
		return false
	}

	if !d.busy.CompareAndSwap(false, true) {
		d.dropped.Add(1)
		d.metrics.RecordWindowDropped()
		d.logger.Debug("Classification in flight, dropping window",
			slog.Uint64("seq", clip.Seq))
		return false
	}

	d.accepted.Add(1)
	d.wg.Add(1)

	// The request outlives session cancellation; only its own timeout bounds it
	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.config.Timeout)

	go func() {
		defer d.wg.Done()
		defer cancel()
		d.classify(reqCtx, clip)
	}()

	return true
}

func (d *Dispatcher) classify(ctx context.Context, clip *audio.Clip) {
	defer d.busy.Store(false)

	d.metrics.RecordClassificationRequest()
	startTime := time.Now()

	prediction, err := d.classifier.Classify(ctx, clip)
	elapsed := time.Since(startTime)

	if err != nil {
		d.failed.Add(1)
		d.metrics.RecordClassificationFailure(elapsed.Seconds())

		if errors.Is(err, classifier.ErrCircuitOpen) {
			d.logger.Debug("Classification skipped, service circuit open",
				slog.Uint64("seq", clip.Seq))
			return
		}
		err := xerrors.New(err)
		d.logger.Warn("Classification failed",
			slog.Uint64("seq", clip.Seq),
			slog.Duration("elapsed", elapsed),
			slog.Any("error", err))
		return
	}

	// The publish decision is taken here; the sink is called without any
	// lock held so a slow sink never stalls Submit or Close.
	if d.closed.Load() {
		d.stale.Add(1)
		d.metrics.RecordClassificationStale()
		d.logger.Debug("Discarding result of stopped session",
			slog.Uint64("seq", clip.Seq),
			slog.String("predicted_class", prediction.PredictedClass))
		return
	}

	d.succeeded.Add(1)
	d.metrics.RecordClassificationSuccess(elapsed.Seconds())
	d.metrics.RecordPrediction(prediction.PredictedClass, prediction.Confidence)

	record := history.Record{
		SessionID:  d.config.SessionID,
		Seq:        clip.Seq,
		ClipID:     clip.ID,
		CapturedAt: clip.CapturedAt,
		ReceivedAt: time.Now(),
		Latency:    elapsed,
		Prediction: *prediction,
	}
	if err := d.sink.Append(record); err != nil {
		err := xerrors.New(err)
		d.logger.Error("Failed to record prediction",
			slog.Uint64("seq", clip.Seq),
			slog.Any("error", err))
	}

	d.logger.Debug("Prediction published",
		slog.Uint64("seq", clip.Seq),
		slog.String("predicted_class", prediction.PredictedClass),
		slog.Float64("confidence", prediction.Confidence),
		slog.Duration("latency", elapsed))
}

// Close stops publication. It does not wait for an in-flight request or a
// publication in progress; any result arriving afterwards is discarded.
// Close is idempotent.
func (d *Dispatcher) Close() {
	d.closed.Store(true)
}

// Wait blocks until no request is in flight or ctx ends. It is meant for
// process shutdown, never for stopping a session.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InFlight reports whether the dispatch slot is occupied
func (d *Dispatcher) InFlight() bool {
	return d.busy.Load()
}

// Stats returns current dispatcher statistics
func (d *Dispatcher) Stats() Stats {
	accepted := d.accepted.Load()
	failed := d.failed.Load()

	failureRate := float64(0)
	if accepted > 0 {
		failureRate = float64(failed) / float64(accepted)
	}

	return Stats{
		Submitted:   d.submitted.Load(),
		Accepted:    accepted,
		Dropped:     d.dropped.Load(),
		Succeeded:   d.succeeded.Load(),
		Failed:      failed,
		Stale:       d.stale.Load(),
		InFlight:    d.busy.Load(),
		FailureRate: failureRate,
	}
}
