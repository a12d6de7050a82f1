package commands

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/s0l0l0b0/universal-asc-eval-app/internal/audio"
	"github.com/s0l0l0b0/universal-asc-eval-app/internal/classifier"
	"github.com/s0l0l0b0/universal-asc-eval-app/internal/config"
	"github.com/s0l0l0b0/universal-asc-eval-app/internal/history"
	"github.com/s0l0l0b0/universal-asc-eval-app/internal/source"
)

func TestRenderTone(t *testing.T) {
	cfg := source.SyntheticConfig{SampleRate: 8000, Frequency: 440, Amplitude: 0.5}

	data, err := renderTone(cfg, 1500*time.Millisecond)
	if err != nil {
		t.Fatalf("renderTone() error = %v", err)
	}

	info, err := audio.InspectClip(data)
	if err != nil {
		t.Fatalf("InspectClip() error = %v", err)
	}
	if info.SampleRate != 8000 || info.Channels != 1 || info.BitsPerSample != 16 {
		t.Errorf("format = %d Hz, %d ch, %d bit", info.SampleRate, info.Channels, info.BitsPerSample)
	}
	if info.Samples != 12000 || info.Duration != 1500*time.Millisecond {
		t.Errorf("Samples = %d, Duration = %s, want 12000 and 1.5s", info.Samples, info.Duration)
	}

	again, err := renderTone(cfg, 1500*time.Millisecond)
	if err != nil {
		t.Fatalf("renderTone() error = %v", err)
	}
	if !bytes.Equal(data, again) {
		t.Error("rendering the same tone twice produced different bytes")
	}
}

func TestRenderToneInvalid(t *testing.T) {
	cases := []struct {
		name     string
		rate     int
		duration time.Duration
	}{
		{"zero duration", 16000, 0},
		{"zero rate", 0, time.Second},
		{"shorter than a sample", 1000, time.Microsecond},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := renderTone(source.SyntheticConfig{SampleRate: tc.rate}, tc.duration)
			if err == nil {
				t.Error("renderTone() error = nil, want error")
			}
		})
	}
}

func TestNewSourceFactory(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := config.Default()
	cfg.Audio.Source = "synthetic"
	cfg.Audio.FramesPerBuffer = 100

	factory, err := newSourceFactory(cfg, nil, logger)
	if err != nil {
		t.Fatalf("newSourceFactory() error = %v", err)
	}
	src, err := factory(8000)
	if err != nil {
		t.Fatalf("factory() error = %v", err)
	}
	synth, ok := src.(*source.Synthetic)
	if !ok {
		t.Fatalf("factory() = %T, want *source.Synthetic", src)
	}
	if synth.SampleRate() != 8000 {
		t.Errorf("SampleRate() = %d, want 8000", synth.SampleRate())
	}
	if n := len(synth.NextChunk()); n != 100 {
		t.Errorf("chunk length = %d, want 100", n)
	}

	cfg.Audio.Source = "line-in"
	if _, err := newSourceFactory(cfg, nil, logger); err == nil {
		t.Error("newSourceFactory() with unknown source error = nil")
	}
}

func TestExportReport(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	records := []history.Record{
		{
			SessionID:  "s1",
			Seq:        0,
			ClipID:     "c1",
			CapturedAt: now,
			ReceivedAt: now.Add(200 * time.Millisecond),
			Latency:    200 * time.Millisecond,
			Prediction: classifier.Prediction{PredictedClass: "dog", Confidence: 0.9},
		},
	}

	csvPath := filepath.Join(dir, "report.csv")
	if err := exportReport(csvPath, records); err != nil {
		t.Fatalf("exportReport(csv) error = %v", err)
	}
	data, err := os.ReadFile(csvPath)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.Contains(string(data), "dog") {
		t.Errorf("csv report missing prediction:\n%s", data)
	}

	jsonPath := filepath.Join(dir, "report.json")
	if err := exportReport(jsonPath, records); err != nil {
		t.Fatalf("exportReport(json) error = %v", err)
	}
	data, err = os.ReadFile(jsonPath)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !json.Valid(data) {
		t.Errorf("json report is not valid JSON:\n%s", data)
	}

	if err := exportReport(filepath.Join(dir, "report.txt"), records); err == nil {
		t.Error("exportReport(.txt) error = nil, want error")
	}
}

func TestPrintEvaluation(t *testing.T) {
	var result classifier.EvaluationResult
	body := `{
		"overall_accuracy": 0.75,
		"classification_report": {
			"dog": {"precision": 1, "recall": 0.5, "f1-score": 0.667, "support": 2},
			"rain": {"precision": 0.5, "recall": 1, "f1-score": 0.667, "support": 2},
			"macro avg": {"precision": 0.75, "recall": 0.75, "f1-score": 0.667, "support": 4},
			"accuracy": 0.75
		},
		"confusion_matrix": [[1, 1], [0, 2]],
		"dataset_statistics": {"total_files": 4, "files_per_class": {"dog": 2, "rain": 2}}
	}`
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	var out bytes.Buffer
	printEvaluation(&out, &result)

	text := out.String()
	for _, want := range []string{"75.00%", "dog", "rain", "macro avg", "Confusion matrix"} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing %q:\n%s", want, text)
		}
	}
}

func TestPrintBatch(t *testing.T) {
	clip, err := audio.EncodeWindow(make([]float32, 8000), 8000)
	if err != nil {
		t.Fatalf("EncodeWindow() error = %v", err)
	}
	info, err := audio.InspectClip(clip)
	if err != nil {
		t.Fatalf("InspectClip() error = %v", err)
	}

	response := &classifier.BatchResponse{Results: []classifier.BatchResult{
		{Filename: "quiet.wav", Status: "success", Prediction: &classifier.Prediction{PredictedClass: "silence", Confidence: 0.95}},
		{Filename: "notes.mp3", Status: "error", ErrorMessage: "unsupported format"},
	}}

	var out bytes.Buffer
	printBatch(&out, response, map[string]*audio.ClipInfo{"quiet.wav": info})

	text := out.String()
	for _, want := range []string{"1s @ 8000 Hz", "silence", "95.00%", "ERROR  unsupported format", "2 files, 1 failed"} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing %q:\n%s", want, text)
		}
	}
}
