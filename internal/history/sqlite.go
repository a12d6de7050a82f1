package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver registration
)

const createPredictionsTable = `
CREATE TABLE IF NOT EXISTS predictions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    clip_id TEXT NOT NULL,
    captured_at DATETIME NOT NULL,
    received_at DATETIME NOT NULL,
    latency_ms REAL NOT NULL DEFAULT 0,
    predicted_class TEXT NOT NULL,
    confidence REAL NOT NULL,
    all_class_confidences TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_predictions_session ON predictions(session_id, id);
`

// SQLiteStore persists predictions in an append-only SQLite table
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}

	dbPath := path
	if idx := strings.Index(path, "?"); idx != -1 {
		dbPath = path[:idx]
	}
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("error creating database directory: %w", err)
		}
	}

	dsn := path
	if !strings.Contains(dsn, "_busy_timeout") {
		if strings.Contains(dsn, "?") {
			dsn += "&_busy_timeout=5000"
		} else {
			dsn += "?_busy_timeout=5000"
		}
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("error connecting to SQLite: %w", err)
	}

	if _, err := db.Exec(createPredictionsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("error creating predictions table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Append implements Sink
func (s *SQLiteStore) Append(record Record) error {
	confidences, err := json.Marshal(record.AllClassConfidences)
	if err != nil {
		return fmt.Errorf("error encoding class confidences: %w", err)
	}

	_, err = s.db.Exec(`INSERT INTO predictions
        (session_id, seq, clip_id, captured_at, received_at, latency_ms, predicted_class, confidence, all_class_confidences)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.SessionID,
		int64(record.Seq),
		record.ClipID,
		record.CapturedAt.UTC(),
		record.ReceivedAt.UTC(),
		float64(record.Latency)/float64(time.Millisecond),
		record.PredictedClass,
		record.Confidence,
		string(confidences),
	)
	if err != nil {
		return fmt.Errorf("error storing prediction: %w", err)
	}

	return nil
}

// List returns stored records oldest first. An empty sessionID matches every
// session; limit <= 0 returns all rows.
func (s *SQLiteStore) List(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	query := `SELECT session_id, seq, clip_id, captured_at, received_at, latency_ms,
        predicted_class, confidence, all_class_confidences FROM predictions`
	var args []any

	if sessionID != "" {
		query += " WHERE session_id = ?"
		args = append(args, sessionID)
	}
	query += " ORDER BY id"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying predictions: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec         Record
			seq         int64
			latencyMs   float64
			confidences string
		)
		if err := rows.Scan(&rec.SessionID, &seq, &rec.ClipID, &rec.CapturedAt, &rec.ReceivedAt,
			&latencyMs, &rec.PredictedClass, &rec.Confidence, &confidences); err != nil {
			return nil, fmt.Errorf("error scanning prediction: %w", err)
		}

		rec.Seq = uint64(seq)
		rec.Latency = time.Duration(latencyMs * float64(time.Millisecond))
		if err := json.Unmarshal([]byte(confidences), &rec.AllClassConfidences); err != nil {
			return nil, fmt.Errorf("error decoding class confidences: %w", err)
		}

		records = append(records, rec)
	}

	return records, rows.Err()
}

// Sessions returns the distinct session IDs in first-seen order
func (s *SQLiteStore) Sessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id FROM predictions GROUP BY session_id ORDER BY MIN(id)`)
	if err != nil {
		return nil, fmt.Errorf("error querying sessions: %w", err)
	}
	defer rows.Close()

	var sessions []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("error scanning session: %w", err)
		}
		sessions = append(sessions, id)
	}

	return sessions, rows.Err()
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

var (
	_ Sink = (*SQLiteStore)(nil)
	_ Sink = (*Recorder)(nil)
	_ Sink = Tee(nil)
)

