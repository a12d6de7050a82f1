package history

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"
)

// ClassSummary aggregates the predictions of one class
type ClassSummary struct {
	Class          string  `json:"class"`
	Count          int     `json:"count"`
	Share          float64 `json:"share"`
	MeanConfidence float64 `json:"mean_confidence"`
	MaxConfidence  float64 `json:"max_confidence"`
}

// Summary is the report of a run of predictions
type Summary struct {
	SessionID      string         `json:"session_id,omitempty"`
	Predictions    int            `json:"predictions"`
	FirstAt        time.Time      `json:"first_at,omitempty"`
	LastAt         time.Time      `json:"last_at,omitempty"`
	DominantClass  string         `json:"dominant_class,omitempty"`
	MeanConfidence float64        `json:"mean_confidence"`
	MeanLatency    time.Duration  `json:"mean_latency"`
	Classes        []ClassSummary `json:"classes"`
}

// Summarize builds a report over records. Classes are ordered by count, then
// name; the dominant class is the first of them.
func Summarize(records []Record) Summary {
	summary := Summary{Predictions: len(records), Classes: []ClassSummary{}}
	if len(records) == 0 {
		return summary
	}

	byClass := make(map[string]*ClassSummary)
	var totalConfidence float64
	var totalLatency time.Duration

	for i, rec := range records {
		if i == 0 || rec.ReceivedAt.Before(summary.FirstAt) {
			summary.FirstAt = rec.ReceivedAt
		}
		if rec.ReceivedAt.After(summary.LastAt) {
			summary.LastAt = rec.ReceivedAt
		}

		cs, ok := byClass[rec.PredictedClass]
		if !ok {
			cs = &ClassSummary{Class: rec.PredictedClass}
			byClass[rec.PredictedClass] = cs
		}
		cs.Count++
		cs.MeanConfidence += rec.Confidence
		if rec.Confidence > cs.MaxConfidence {
			cs.MaxConfidence = rec.Confidence
		}

		totalConfidence += rec.Confidence
		totalLatency += rec.Latency
	}

	for _, cs := range byClass {
		cs.MeanConfidence /= float64(cs.Count)
		cs.Share = float64(cs.Count) / float64(len(records))
		summary.Classes = append(summary.Classes, *cs)
	}
	sort.Slice(summary.Classes, func(i, j int) bool {
		if summary.Classes[i].Count != summary.Classes[j].Count {
			return summary.Classes[i].Count > summary.Classes[j].Count
		}
		return summary.Classes[i].Class < summary.Classes[j].Class
	})

	summary.DominantClass = summary.Classes[0].Class
	summary.MeanConfidence = totalConfidence / float64(len(records))
	summary.MeanLatency = totalLatency / time.Duration(len(records))

	sessionID := records[0].SessionID
	for _, rec := range records[1:] {
		if rec.SessionID != sessionID {
			sessionID = ""
			break
		}
	}
	summary.SessionID = sessionID

	return summary
}

var csvHeader = []string{
	"session_id", "seq", "clip_id", "received_at", "latency_ms",
	"predicted_class", "confidence", "all_class_confidences",
}

// WriteCSV writes one row per record. Class confidences are a JSON object in the last column.
func WriteCSV(w io.Writer, records []Record) error {
	cw := csv.NewWriter(w)

	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, rec := range records {
		confidences, err := json.Marshal(rec.AllClassConfidences)
		if err != nil {
			return fmt.Errorf("failed to encode class confidences: %w", err)
		}

		row := []string{
			rec.SessionID,
			strconv.FormatUint(rec.Seq, 10),
			rec.ClipID,
			rec.ReceivedAt.UTC().Format(time.RFC3339Nano),
			strconv.FormatFloat(float64(rec.Latency)/float64(time.Millisecond), 'f', 3, 64),
			rec.PredictedClass,
			strconv.FormatFloat(rec.Confidence, 'f', 6, 64),
			string(confidences),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	cw.Flush()
	return cw.Error()
}

// Report is the JSON export document
type Report struct {
	GeneratedAt time.Time `json:"generated_at"`
	Summary     Summary   `json:"summary"`
	Predictions []Record  `json:"predictions"`
}

// WriteJSON writes the summary and the records as an indented JSON report
func WriteJSON(w io.Writer, records []Record) error {
	if records == nil {
		records = []Record{}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(Report{
		GeneratedAt: time.Now().UTC(),
		Summary:     Summarize(records),
		Predictions: records,
	})
}
