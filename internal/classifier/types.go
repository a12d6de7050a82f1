package classifier

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// ErrInvalidPrediction is returned when a response does not describe a usable prediction
var ErrInvalidPrediction = errors.New("invalid prediction")

// Prediction is the result of classifying one clip. Confidences are reported
// as the service returns them and are not assumed to sum to 1.
type Prediction struct {
	PredictedClass      string             `json:"predicted_class"`
	Confidence          float64            `json:"confidence"`
	AllClassConfidences map[string]float64 `json:"all_class_confidences"`
}

// Validate checks the invariants of a prediction decoded from the service
func (p *Prediction) Validate() error {
	if p.PredictedClass == "" {
		return fmt.Errorf("%w: empty predicted class", ErrInvalidPrediction)
	}
	if math.IsNaN(p.Confidence) || p.Confidence < 0 || p.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v outside [0, 1]", ErrInvalidPrediction, p.Confidence)
	}
	for label, c := range p.AllClassConfidences {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return fmt.Errorf("%w: confidence for %q is not finite", ErrInvalidPrediction, label)
		}
	}
	return nil
}

// ModelMetadata describes the model currently loaded by the service
type ModelMetadata struct {
	ModelTypeAndArchitecture string    `json:"model_type_and_architecture"`
	NumClasses               int       `json:"num_classes"`
	ClassLabels              []string  `json:"class_labels"`
	SampleRate               int       `json:"sample_rate,omitempty"`
	NumTrainableParameters   int64     `json:"num_trainable_parameters"`
	ModelLoadingTimestamp    string    `json:"model_loading_timestamp"`
	ConfidenceLevel          float64   `json:"confidence_level"`
	LoadedAt                 time.Time `json:"-"`
}

// DefaultSampleRate is used when the service does not report one
const DefaultSampleRate = 16000

// EffectiveSampleRate returns the model's sample rate, falling back to DefaultSampleRate
func (m *ModelMetadata) EffectiveSampleRate() int {
	if m == nil || m.SampleRate <= 0 {
		return DefaultSampleRate
	}
	return m.SampleRate
}

// ResolveSampleRate picks the capture rate for a session: a positive
// override wins, then the loaded model's rate, then DefaultSampleRate
func ResolveSampleRate(override int, model *ModelMetadata) int {
	if override > 0 {
		return override
	}
	return model.EffectiveSampleRate()
}

// UploadResult is the service's answer to a model upload
type UploadResult struct {
	Message  string `json:"message"`
	Filename string `json:"filename"`
}

// IsModelFile reports whether name has a model file extension the service accepts
func IsModelFile(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".pt") || strings.HasSuffix(lower, ".pth")
}

// BatchFile is one file submitted for batch classification
type BatchFile struct {
	Filename string
	Data     []byte
}

// BatchResult is the outcome for a single file of a batch
type BatchResult struct {
	Filename     string      `json:"filename"`
	Status       string      `json:"status"`
	Prediction   *Prediction `json:"prediction,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
}

// Succeeded reports whether the service classified the file
func (r *BatchResult) Succeeded() bool {
	return r.Status == "success" && r.Prediction != nil
}

// BatchResponse is the response of a batch classification
type BatchResponse struct {
	Results []BatchResult `json:"results"`
}

// ClassMetrics holds per-class precision/recall figures of an evaluation
type ClassMetrics struct {
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1Score   float64 `json:"f1-score"`
	Support   float64 `json:"support"`
}

// ClassificationReport is the per-class report of an evaluation. The service
// mixes class entries, averages ("macro avg", "weighted avg") and a bare
// "accuracy" number in one object.
type ClassificationReport struct {
	Classes  map[string]ClassMetrics `json:"classes"`
	Accuracy float64                 `json:"accuracy"`
}

// UnmarshalJSON splits the service's flat report object
func (r *ClassificationReport) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	r.Classes = make(map[string]ClassMetrics, len(raw))
	for key, value := range raw {
		if key == "accuracy" {
			if err := json.Unmarshal(value, &r.Accuracy); err != nil {
				return fmt.Errorf("accuracy: %w", err)
			}
			continue
		}

		var m ClassMetrics
		if err := json.Unmarshal(value, &m); err != nil {
			return fmt.Errorf("class %q: %w", key, err)
		}
		r.Classes[key] = m
	}
	return nil
}

// MarshalJSON writes the report back in the service's flat layout
func (r ClassificationReport) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(r.Classes)+1)
	for key, m := range r.Classes {
		flat[key] = m
	}
	flat["accuracy"] = r.Accuracy
	return json.Marshal(flat)
}

// Labels returns the class labels of the report in sorted order, excluding averages
func (r *ClassificationReport) Labels() []string {
	labels := make([]string, 0, len(r.Classes))
	for key := range r.Classes {
		if key == "macro avg" || key == "weighted avg" || key == "micro avg" {
			continue
		}
		labels = append(labels, key)
	}
	sort.Strings(labels)
	return labels
}

// DatasetStatistics summarizes the evaluated dataset
type DatasetStatistics struct {
	TotalFiles    int            `json:"total_files"`
	FilesPerClass map[string]int `json:"files_per_class"`
}

// EvaluationResult is the response of a labeled dataset evaluation
type EvaluationResult struct {
	OverallAccuracy      float64              `json:"overall_accuracy"`
	ClassificationReport ClassificationReport `json:"classification_report"`
	ConfusionMatrix      [][]int              `json:"confusion_matrix"`
	DatasetStatistics    DatasetStatistics    `json:"dataset_statistics"`
}

// HealthStatus is the service health response
type HealthStatus struct {
	Status string `json:"status"`
}

// OK reports whether the service declared itself healthy
func (h *HealthStatus) OK() bool {
	return h.Status == "ok"
}
