package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/s0l0l0b0/universal-asc-eval-app/internal/audio"
	"github.com/s0l0l0b0/universal-asc-eval-app/internal/classifier"
	"github.com/s0l0l0b0/universal-asc-eval-app/internal/history"
	"github.com/s0l0l0b0/universal-asc-eval-app/internal/metrics"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// gatedClassifier blocks every request until release is closed
type gatedClassifier struct {
	release chan struct{}
	started chan uint64
	err     error

	mu   sync.Mutex
	seen []uint64
}

func newGatedClassifier() *gatedClassifier {
	return &gatedClassifier{
		release: make(chan struct{}),
		started: make(chan uint64, 16),
	}
}

func (g *gatedClassifier) Classify(ctx context.Context, clip *audio.Clip) (*classifier.Prediction, error) {
	g.mu.Lock()
	g.seen = append(g.seen, clip.Seq)
	g.mu.Unlock()

	g.started <- clip.Seq
	<-g.release

	if g.err != nil {
		return nil, g.err
	}
	return &classifier.Prediction{PredictedClass: "park", Confidence: 0.9}, nil
}

func (g *gatedClassifier) requests() []uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]uint64(nil), g.seen...)
}

func newTestDispatcher(t *testing.T, c Classifier, sink history.Sink, m *metrics.Metrics) *Dispatcher {
	t.Helper()
	d, err := New(c, sink, m, discardLogger(), Config{SessionID: "session-1", Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return d
}

func waitIdle(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Wait(ctx); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(nil, history.NewRecorder(0), nil, nil, Config{}); err == nil {
		t.Error("Expected error for nil classifier")
	}
	if _, err := New(newGatedClassifier(), nil, nil, nil, Config{}); err == nil {
		t.Error("Expected error for nil sink")
	}
}

func TestBusySlotDropsClip(t *testing.T) {
	gate := newGatedClassifier()
	recorder := history.NewRecorder(0)
	m := metrics.NewMetrics(prometheus.NewRegistry())
	d := newTestDispatcher(t, gate, recorder, m)

	clipA := &audio.Clip{ID: "a", Seq: 1}
	clipB := &audio.Clip{ID: "b", Seq: 2}

	if !d.Submit(context.Background(), clipA) {
		t.Fatal("Expected clipA to be accepted")
	}
	<-gate.started

	if d.Submit(context.Background(), clipB) {
		t.Fatal("Expected clipB to be dropped while clipA is in flight")
	}

	close(gate.release)
	waitIdle(t, d)

	if got := gate.requests(); len(got) != 1 || got[0] != 1 {
		t.Errorf("Expected a single request for clipA, got %v", got)
	}

	records := recorder.List()
	if len(records) != 1 || records[0].ClipID != "a" {
		t.Fatalf("Expected history with only clipA, got %+v", records)
	}
	if records[0].SessionID != "session-1" || records[0].PredictedClass != "park" {
		t.Errorf("Unexpected record: %+v", records[0])
	}

	stats := d.Stats()
	if stats.Accepted != 1 || stats.Dropped != 1 || stats.Succeeded != 1 || stats.InFlight {
		t.Errorf("Unexpected stats: %+v", stats)
	}
	if got := testutil.ToFloat64(m.WindowsDropped); got != 1 {
		t.Errorf("Expected 1 dropped window metric, got %v", got)
	}
}

func TestSlotReleasedAfterCompletion(t *testing.T) {
	gate := newGatedClassifier()
	close(gate.release)
	recorder := history.NewRecorder(0)
	d := newTestDispatcher(t, gate, recorder, nil)

	for seq := uint64(0); seq < 3; seq++ {
		if !d.Submit(context.Background(), &audio.Clip{Seq: seq}) {
			t.Fatalf("Expected clip %d to be accepted once the slot is free", seq)
		}
		waitIdle(t, d)
	}

	records := recorder.List()
	if len(records) != 3 {
		t.Fatalf("Expected 3 records, got %d", len(records))
	}
	for i, rec := range records {
		if rec.Seq != uint64(i) {
			t.Errorf("Record %d has seq %d, history out of order", i, rec.Seq)
		}
	}
}

type slowClassifier struct {
	delay     time.Duration
	active    atomic.Int32
	maxActive atomic.Int32
	calls     atomic.Int32
}

func (s *slowClassifier) Classify(ctx context.Context, clip *audio.Clip) (*classifier.Prediction, error) {
	s.calls.Add(1)
	n := s.active.Add(1)
	for {
		peak := s.maxActive.Load()
		if n <= peak || s.maxActive.CompareAndSwap(peak, n) {
			break
		}
	}
	time.Sleep(s.delay)
	s.active.Add(-1)
	return &classifier.Prediction{PredictedClass: "street", Confidence: 0.5}, nil
}

func TestBurstNeverExceedsOneInFlight(t *testing.T) {
	slow := &slowClassifier{delay: 5 * time.Millisecond}
	recorder := history.NewRecorder(0)
	d := newTestDispatcher(t, slow, recorder, nil)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				d.Submit(context.Background(), &audio.Clip{Seq: uint64(w*1000 + i)})
				if i%20 == 0 {
					time.Sleep(time.Millisecond)
				}
			}
		}(w)
	}
	wg.Wait()
	waitIdle(t, d)

	if slow.maxActive.Load() != 1 {
		t.Errorf("Expected at most one request in flight, observed %d", slow.maxActive.Load())
	}

	stats := d.Stats()
	if stats.Submitted != 800 {
		t.Errorf("Expected 800 submissions, got %d", stats.Submitted)
	}
	if stats.Accepted+stats.Dropped != stats.Submitted {
		t.Errorf("Accepted %d + dropped %d != submitted %d", stats.Accepted, stats.Dropped, stats.Submitted)
	}
	if uint64(slow.calls.Load()) != stats.Accepted {
		t.Errorf("Issued %d requests for %d accepted clips", slow.calls.Load(), stats.Accepted)
	}
	if stats.Dropped == 0 {
		t.Error("Expected the burst to drop clips")
	}
	if uint64(recorder.Len()) != stats.Succeeded {
		t.Errorf("History has %d records, want %d", recorder.Len(), stats.Succeeded)
	}
}

func TestCloseDiscardsInFlightResult(t *testing.T) {
	gate := newGatedClassifier()
	recorder := history.NewRecorder(0)
	m := metrics.NewMetrics(prometheus.NewRegistry())
	d := newTestDispatcher(t, gate, recorder, m)

	d.Submit(context.Background(), &audio.Clip{Seq: 1})
	<-gate.started

	closed := make(chan struct{})
	go func() {
		d.Close()
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close waited for the in-flight request")
	}

	close(gate.release)
	waitIdle(t, d)

	if recorder.Len() != 0 {
		t.Errorf("Expected no records after Close, got %d", recorder.Len())
	}
	if d.Stats().Stale != 1 {
		t.Errorf("Expected 1 stale result, got %d", d.Stats().Stale)
	}
	if got := testutil.ToFloat64(m.ClassificationStale); got != 1 {
		t.Errorf("Expected stale metric 1, got %v", got)
	}

	if d.Submit(context.Background(), &audio.Clip{Seq: 2}) {
		t.Error("Closed dispatcher accepted a clip")
	}
	d.Close()
}

func TestRequestSurvivesContextCancel(t *testing.T) {
	gate := newGatedClassifier()
	recorder := history.NewRecorder(0)
	d := newTestDispatcher(t, gate, recorder, nil)

	ctx, cancel := context.WithCancel(context.Background())
	d.Submit(ctx, &audio.Clip{Seq: 1})
	<-gate.started
	cancel()

	close(gate.release)
	waitIdle(t, d)

	if recorder.Len() != 1 {
		t.Errorf("Expected the request to complete despite cancellation, got %d records", recorder.Len())
	}
}

func TestFailureIsSwallowed(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"service error", &classifier.HTTPError{StatusCode: 500, Detail: "boom"}},
		{"circuit open", classifier.ErrCircuitOpen},
		{"network", errors.New("connection refused")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate := newGatedClassifier()
			gate.err = tt.err
			close(gate.release)

			recorder := history.NewRecorder(0)
			m := metrics.NewMetrics(prometheus.NewRegistry())
			d := newTestDispatcher(t, gate, recorder, m)

			if !d.Submit(context.Background(), &audio.Clip{Seq: 1}) {
				t.Fatal("Expected clip to be accepted")
			}
			waitIdle(t, d)

			if recorder.Len() != 0 {
				t.Error("Failed classification published a prediction")
			}
			if d.InFlight() {
				t.Error("Slot not released after failure")
			}
			if !d.Submit(context.Background(), &audio.Clip{Seq: 2}) {
				t.Error("Next clip rejected after failure")
			}
			waitIdle(t, d)

			stats := d.Stats()
			if stats.Failed != 2 || stats.FailureRate != 1 {
				t.Errorf("Unexpected stats: %+v", stats)
			}
			if got := testutil.ToFloat64(m.ClassificationFailures); got != 2 {
				t.Errorf("Expected 2 failures recorded, got %v", got)
			}
		})
	}
}

type failingSink struct{}

func (failingSink) Append(history.Record) error { return errors.New("disk full") }

func TestSinkErrorDoesNotBlockSlot(t *testing.T) {
	gate := newGatedClassifier()
	close(gate.release)
	d := newTestDispatcher(t, gate, failingSink{}, nil)

	d.Submit(context.Background(), &audio.Clip{Seq: 1})
	waitIdle(t, d)

	if d.InFlight() {
		t.Error("Slot not released after sink failure")
	}
	if d.Stats().Succeeded != 1 {
		t.Errorf("Expected the classification to count as succeeded")
	}
}

// blockingSink holds every Append until release is closed
type blockingSink struct {
	entered chan struct{}
	release chan struct{}
	appends atomic.Int32
}

func (b *blockingSink) Append(history.Record) error {
	b.appends.Add(1)
	b.entered <- struct{}{}
	<-b.release
	return nil
}

func TestSlowSinkDoesNotBlockSubmitOrClose(t *testing.T) {
	gate := newGatedClassifier()
	close(gate.release)
	sink := &blockingSink{entered: make(chan struct{}, 1), release: make(chan struct{})}
	d := newTestDispatcher(t, gate, sink, nil)

	if !d.Submit(context.Background(), &audio.Clip{Seq: 1}) {
		t.Fatal("Expected first clip to be accepted")
	}
	<-sink.entered

	submitted := make(chan bool, 1)
	go func() { submitted <- d.Submit(context.Background(), &audio.Clip{Seq: 2}) }()

	select {
	case accepted := <-submitted:
		if accepted {
			t.Error("Expected clip to be dropped while the previous result is being published")
		}
	case <-time.After(time.Second):
		t.Fatal("Submit blocked behind sink.Append")
	}

	closed := make(chan struct{})
	go func() {
		d.Close()
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close blocked behind sink.Append")
	}

	close(sink.release)
	waitIdle(t, d)

	if got := sink.appends.Load(); got != 1 {
		t.Errorf("Expected 1 append, got %d", got)
	}
	if d.Submit(context.Background(), &audio.Clip{Seq: 3}) {
		t.Error("Closed dispatcher accepted a clip")
	}
}
