package main

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/s0l0l0b0/universal-asc-eval-app/internal/audio"
	"github.com/s0l0l0b0/universal-asc-eval-app/internal/classifier"
)

// Labels produced by the energy classifier
const (
	labelSilence  = "silence"
	labelLowTone  = "low_tone"
	labelHighTone = "high_tone"
	labelNoise    = "noise"
)

var mockLabels = []string{labelSilence, labelLowTone, labelHighTone, labelNoise}

const maxUploadSize = 64 << 20

type serviceConfig struct {
	Latency    time.Duration
	SampleRate int
	Models     []string // Model files available without an upload
}

type service struct {
	config serviceConfig
	logger *slog.Logger

	mu     sync.RWMutex
	model  *classifier.ModelMetadata
	stored map[string]bool
}

func newService(config serviceConfig, logger *slog.Logger) *service {
	if config.SampleRate <= 0 {
		config.SampleRate = classifier.DefaultSampleRate
	}
	s := &service{config: config, logger: logger, stored: make(map[string]bool)}
	for _, name := range config.Models {
		s.stored[name] = true
	}
	return s
}

// Handler returns the service routes
func (s *service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(classifier.PredictPath, s.handlePredict)
	mux.HandleFunc(classifier.BatchPath, s.handleBatch)
	mux.HandleFunc(classifier.EvaluatePath, s.handleEvaluate)
	mux.HandleFunc(classifier.UploadPath, s.handleUpload)
	mux.HandleFunc(classifier.LoadPath, s.handleLoad)
	mux.HandleFunc(classifier.HealthPath, s.handleHealth)
	return mux
}

func (s *service) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, classifier.HealthStatus{Status: "ok"})
}

func (s *service) handleLoad(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeDetail(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req struct {
		Filename string `json:"filename"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Filename == "" {
		writeDetail(w, http.StatusBadRequest, "filename is required")
		return
	}

	s.mu.RLock()
	stored := s.stored[req.Filename]
	s.mu.RUnlock()
	if !stored {
		writeDetail(w, http.StatusNotFound, fmt.Sprintf("Model file '%s' not found", req.Filename))
		return
	}

	model := &classifier.ModelMetadata{
		ModelTypeAndArchitecture: "EnergyHeuristic (" + strings.TrimSuffix(req.Filename, path.Ext(req.Filename)) + ")",
		NumClasses:               len(mockLabels),
		ClassLabels:              mockLabels,
		SampleRate:               s.config.SampleRate,
		ModelLoadingTimestamp:    time.Now().UTC().Format(time.RFC3339),
	}

	s.mu.Lock()
	s.model = model
	s.mu.Unlock()

	s.logger.Info("Model loaded", slog.String("filename", req.Filename))
	writeJSON(w, http.StatusOK, model)
}

func (s *service) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeDetail(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	data, filename, err := readUpload(r, "file")
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}

	filename = path.Base(filename)
	if !classifier.IsModelFile(filename) {
		writeDetail(w, http.StatusBadRequest, "Invalid file format. Only .pt or .pth files are allowed.")
		return
	}

	s.mu.Lock()
	s.stored[filename] = true
	s.mu.Unlock()

	s.logger.Info("Model uploaded", slog.String("filename", filename), slog.Int("size_bytes", len(data)))
	writeJSON(w, http.StatusOK, classifier.UploadResult{
		Message:  "Model uploaded successfully",
		Filename: filename,
	})
}

func (s *service) handlePredict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeDetail(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !s.loaded() {
		writeDetail(w, http.StatusServiceUnavailable, "No model loaded")
		return
	}

	data, filename, err := readUpload(r, "file")
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}

	s.simulateWork(r)

	prediction, err := classifyWAV(data)
	if err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	s.logger.Debug("Prediction",
		slog.String("filename", filename),
		slog.String("class", prediction.PredictedClass),
		slog.Float64("confidence", prediction.Confidence))
	writeJSON(w, http.StatusOK, prediction)
}

func (s *service) handleBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeDetail(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !s.loaded() {
		writeDetail(w, http.StatusServiceUnavailable, "No model loaded")
		return
	}
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	s.simulateWork(r)

	var response classifier.BatchResponse
	for _, header := range r.MultipartForm.File["files"] {
		result := classifier.BatchResult{Filename: header.Filename}

		data, err := readFileHeader(header.Open)
		if err == nil {
			result.Prediction, err = classifyWAV(data)
		}
		if err != nil {
			result.Status = "error"
			result.ErrorMessage = err.Error()
			result.Prediction = nil
		} else {
			result.Status = "success"
		}
		response.Results = append(response.Results, result)
	}

	writeJSON(w, http.StatusOK, response)
}

func (s *service) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeDetail(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !s.loaded() {
		writeDetail(w, http.StatusServiceUnavailable, "No model loaded")
		return
	}

	data, _, err := readUpload(r, "file")
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}

	s.simulateWork(r)

	result, err := evaluateArchive(data)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *service) loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.model != nil
}

func (s *service) simulateWork(r *http.Request) {
	if s.config.Latency <= 0 {
		return
	}
	select {
	case <-time.After(s.config.Latency):
	case <-r.Context().Done():
	}
}

// classifyWAV labels a clip from its RMS level and zero-crossing rate
func classifyWAV(data []byte) (*classifier.Prediction, error) {
	samples, _, err := audio.DecodeWAV(data)
	if err != nil {
		return nil, fmt.Errorf("invalid audio: %w", err)
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("invalid audio: no samples")
	}

	var sumSquares float64
	crossings := 0
	for i, v := range samples {
		x := float64(v) / 32768
		sumSquares += x * x
		if i > 0 && (samples[i-1] < 0) != (v < 0) {
			crossings++
		}
	}
	rms := math.Sqrt(sumSquares / float64(len(samples)))
	zcr := float64(crossings) / float64(len(samples))

	// Scores are heuristic logits turned into confidences with a softmax
	loud := clamp01(rms / 0.05)
	noisy := clamp01((zcr - 0.3) / 0.15)
	scores := map[string]float64{
		labelSilence:  4 * (1 - clamp01(rms/0.02)),
		labelLowTone:  4 * loud * (1 - clamp01(zcr/0.1)),
		labelHighTone: 4 * loud * clamp01(zcr/0.1) * (1 - noisy),
		labelNoise:    4 * loud * noisy,
	}

	var total float64
	for _, label := range mockLabels {
		total += math.Exp(scores[label])
	}

	prediction := &classifier.Prediction{AllClassConfidences: make(map[string]float64, len(mockLabels))}
	for _, label := range mockLabels {
		c := math.Exp(scores[label]) / total
		prediction.AllClassConfidences[label] = c
		if c > prediction.Confidence {
			prediction.PredictedClass = label
			prediction.Confidence = c
		}
	}
	return prediction, nil
}

func clamp01(x float64) float64 {
	return math.Max(0, math.Min(x, 1))
}

// evaluateArchive classifies every WAV in a zip whose parent folder names the true class
func evaluateArchive(data []byte) (*classifier.EvaluationResult, error) {
	archive, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("invalid zip archive: %w", err)
	}

	type sample struct{ truth, predicted string }
	var samples []sample
	stats := classifier.DatasetStatistics{FilesPerClass: make(map[string]int)}

	for _, f := range archive.File {
		if f.FileInfo().IsDir() || !strings.EqualFold(path.Ext(f.Name), ".wav") {
			continue
		}
		truth := path.Base(path.Dir(f.Name))
		if truth == "." || truth == "/" {
			continue
		}

		clip, err := readFileHeader(f.Open)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.Name, err)
		}
		prediction, err := classifyWAV(clip)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.Name, err)
		}

		samples = append(samples, sample{truth: truth, predicted: prediction.PredictedClass})
		stats.TotalFiles++
		stats.FilesPerClass[truth]++
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("archive contains no labeled .wav files")
	}

	seen := make(map[string]bool)
	var labels []string
	for _, s := range samples {
		for _, l := range []string{s.truth, s.predicted} {
			if !seen[l] {
				seen[l] = true
				labels = append(labels, l)
			}
		}
	}
	sort.Strings(labels)
	index := make(map[string]int, len(labels))
	for i, l := range labels {
		index[l] = i
	}

	matrix := make([][]int, len(labels))
	for i := range matrix {
		matrix[i] = make([]int, len(labels))
	}
	correct := 0
	for _, s := range samples {
		matrix[index[s.truth]][index[s.predicted]]++
		if s.truth == s.predicted {
			correct++
		}
	}

	report := classifier.ClassificationReport{Classes: make(map[string]classifier.ClassMetrics, len(labels)+2)}
	var macro, weighted classifier.ClassMetrics
	for i, label := range labels {
		var predicted, actual int
		for j := range labels {
			predicted += matrix[j][i]
			actual += matrix[i][j]
		}
		m := classifier.ClassMetrics{Support: float64(actual)}
		if predicted > 0 {
			m.Precision = float64(matrix[i][i]) / float64(predicted)
		}
		if actual > 0 {
			m.Recall = float64(matrix[i][i]) / float64(actual)
		}
		if m.Precision+m.Recall > 0 {
			m.F1Score = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
		}
		report.Classes[label] = m

		n := float64(len(labels))
		macro.Precision += m.Precision / n
		macro.Recall += m.Recall / n
		macro.F1Score += m.F1Score / n
		w := m.Support / float64(len(samples))
		weighted.Precision += m.Precision * w
		weighted.Recall += m.Recall * w
		weighted.F1Score += m.F1Score * w
	}
	macro.Support = float64(len(samples))
	weighted.Support = float64(len(samples))
	report.Classes["macro avg"] = macro
	report.Classes["weighted avg"] = weighted

	accuracy := float64(correct) / float64(len(samples))
	report.Accuracy = accuracy

	return &classifier.EvaluationResult{
		OverallAccuracy:      accuracy,
		ClassificationReport: report,
		ConfusionMatrix:      matrix,
		DatasetStatistics:    stats,
	}, nil
}

func readUpload(r *http.Request, field string) ([]byte, string, error) {
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		return nil, "", fmt.Errorf("invalid multipart form")
	}
	file, header, err := r.FormFile(field)
	if err != nil {
		return nil, "", fmt.Errorf("missing %q file", field)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read upload: %w", err)
	}
	return data, header.Filename, nil
}

func readFileHeader[T io.ReadCloser](open func() (T, error)) ([]byte, error) {
	f, err := open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
