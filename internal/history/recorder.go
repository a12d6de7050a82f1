package history

import (
	"errors"
	"sync"
	"time"

	"github.com/s0l0l0b0/universal-asc-eval-app/internal/classifier"
)

// Record is one published prediction together with where it came from
type Record struct {
	SessionID  string        `json:"session_id"`
	Seq        uint64        `json:"seq"` // Window index within the session
	ClipID     string        `json:"clip_id"`
	CapturedAt time.Time     `json:"captured_at"`
	ReceivedAt time.Time     `json:"received_at"`
	Latency    time.Duration `json:"latency"`

	classifier.Prediction
}

// Sink is an append-only observer of predictions in completion order
type Sink interface {
	Append(record Record) error
}

// Tee appends every record to each sink in turn. A failing sink does not
// prevent the others from receiving the record.
type Tee []Sink

// Append implements Sink
func (t Tee) Append(record Record) error {
	var errs []error
	for _, sink := range t {
		if sink == nil {
			continue
		}
		if err := sink.Append(record); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder is the in-memory prediction history. It is append-only: records
// are never modified or reordered. A positive maxEntries is a retention limit
// on what the recorder keeps for display, List and Session; Total, subscribers
// and any other sink still see every record. Use a SQLiteStore for complete
// long-running history.
type Recorder struct {
	maxEntries int

	mu          sync.RWMutex
	records     []Record
	total       uint64
	subscribers map[int]chan Record
	nextSubID   int
	lagged      uint64 // Records a slow subscriber missed
}

// NewRecorder creates a recorder; maxEntries <= 0 keeps everything
func NewRecorder(maxEntries int) *Recorder {
	return &Recorder{
		maxEntries:  maxEntries,
		subscribers: make(map[int]chan Record),
	}
}

// Append implements Sink
func (r *Recorder) Append(record Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.records = append(r.records, record)
	if r.maxEntries > 0 && len(r.records) > r.maxEntries {
		evict := len(r.records) - r.maxEntries
		r.records = append(r.records[:0], r.records[evict:]...)
	}
	r.total++

	for _, ch := range r.subscribers {
		select {
		case ch <- record:
		default:
			r.lagged++
		}
	}

	return nil
}

// List returns a copy of the retained history, oldest first
func (r *Recorder) List() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Record, len(r.records))
	copy(out, r.records)
	return out
}

// Session returns the retained records of one session, oldest first
func (r *Recorder) Session(sessionID string) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Record
	for _, rec := range r.records {
		if rec.SessionID == sessionID {
			out = append(out, rec)
		}
	}
	return out
}

// Latest returns the most recently appended record
func (r *Recorder) Latest() (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.records) == 0 {
		return Record{}, false
	}
	return r.records[len(r.records)-1], true
}

// Len returns the number of retained records
func (r *Recorder) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Total returns the number of records ever appended
func (r *Recorder) Total() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total
}

// Lagged returns how many deliveries were skipped because a subscriber was full
func (r *Recorder) Lagged() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lagged
}

// Subscribe returns a channel receiving every subsequently appended record
// and a cancel function that unsubscribes and closes the channel. Delivery
// never blocks Append: a full subscriber misses records.
func (r *Recorder) Subscribe(buffer int) (<-chan Record, func()) {
	if buffer <= 0 {
		buffer = 16
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextSubID
	r.nextSubID++
	ch := make(chan Record, buffer)
	r.subscribers[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			delete(r.subscribers, id)
			close(ch)
		})
	}

	return ch, cancel
}
