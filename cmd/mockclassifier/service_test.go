package main

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/s0l0l0b0/universal-asc-eval-app/internal/audio"
	"github.com/s0l0l0b0/universal-asc-eval-app/internal/classifier"
	"github.com/s0l0l0b0/universal-asc-eval-app/internal/source"
)

const testRate = 16000

func newTestService(t *testing.T) *classifier.Client {
	t.Helper()

	svc := newService(serviceConfig{SampleRate: 22050, Models: []string{"energy.pth"}}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	server := httptest.NewServer(svc.Handler())
	t.Cleanup(server.Close)

	client, err := classifier.NewClient(classifier.Config{Endpoint: server.URL}, nil)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func toneWAV(t *testing.T, frequency, amplitude, noise float64) []byte {
	t.Helper()

	synth, err := source.NewSynthetic(source.SyntheticConfig{
		SampleRate:      testRate,
		Frequency:       frequency,
		Amplitude:       amplitude,
		Noise:           noise,
		Seed:            1,
		FramesPerBuffer: testRate,
	})
	if err != nil {
		t.Fatalf("NewSynthetic() error = %v", err)
	}
	data, err := audio.EncodeWindow(synth.NextChunk(), testRate)
	if err != nil {
		t.Fatalf("EncodeWindow() error = %v", err)
	}
	return data
}

func silenceWAV(t *testing.T) []byte {
	t.Helper()
	data, err := audio.EncodeWAV(make([]int16, testRate), testRate)
	if err != nil {
		t.Fatalf("EncodeWAV() error = %v", err)
	}
	return data
}

func TestClassifyWAV(t *testing.T) {
	tests := []struct {
		name string
		data func(t *testing.T) []byte
		want string
	}{
		{"silence", silenceWAV, labelSilence},
		{"low tone", func(t *testing.T) []byte { return toneWAV(t, 100, 0.5, 0) }, labelLowTone},
		{"high tone", func(t *testing.T) []byte { return toneWAV(t, 1000, 0.5, 0) }, labelHighTone},
		{"noise", func(t *testing.T) []byte { return toneWAV(t, 440, 0.01, 0.5) }, labelNoise},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prediction, err := classifyWAV(tt.data(t))
			if err != nil {
				t.Fatalf("classifyWAV() error = %v", err)
			}
			if prediction.PredictedClass != tt.want {
				t.Errorf("PredictedClass = %q, want %q (%v)", prediction.PredictedClass, tt.want, prediction.AllClassConfidences)
			}
			if err := prediction.Validate(); err != nil {
				t.Errorf("Validate() error = %v", err)
			}
			if len(prediction.AllClassConfidences) != len(mockLabels) {
				t.Errorf("got %d confidences, want %d", len(prediction.AllClassConfidences), len(mockLabels))
			}
		})
	}

	if _, err := classifyWAV([]byte("not a wav file")); err == nil {
		t.Error("classifyWAV() with garbage error = nil")
	}
}

func TestPredictRequiresModel(t *testing.T) {
	client := newTestService(t)
	ctx := context.Background()

	_, err := client.ClassifyFile(ctx, "clip.wav", silenceWAV(t))
	var httpErr *classifier.HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("ClassifyFile() before load error = %v, want 503", err)
	}

	if _, err := client.LoadModel(ctx, "missing.bin"); !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusNotFound {
		t.Fatalf("LoadModel(missing.bin) error = %v, want 404", err)
	}

	model, err := client.LoadModel(ctx, "energy.pth")
	if err != nil {
		t.Fatalf("LoadModel() error = %v", err)
	}
	if model.SampleRate != 22050 || model.NumClasses != len(mockLabels) {
		t.Errorf("model = %+v", model)
	}

	prediction, err := client.ClassifyFile(ctx, "clip.wav", silenceWAV(t))
	if err != nil {
		t.Fatalf("ClassifyFile() error = %v", err)
	}
	if prediction.PredictedClass != labelSilence {
		t.Errorf("PredictedClass = %q, want %q", prediction.PredictedClass, labelSilence)
	}
}

func TestUploadThenLoad(t *testing.T) {
	client := newTestService(t)
	ctx := context.Background()

	var httpErr *classifier.HTTPError
	if _, err := client.LoadModel(ctx, "fresh.pt"); !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusNotFound {
		t.Fatalf("LoadModel(fresh.pt) before upload error = %v, want 404", err)
	}

	uploaded, err := client.UploadModel(ctx, "fresh.pt", []byte("weights"))
	if err != nil {
		t.Fatalf("UploadModel() error = %v", err)
	}
	if uploaded.Filename != "fresh.pt" {
		t.Errorf("Filename = %q, want fresh.pt", uploaded.Filename)
	}

	model, err := client.LoadModel(ctx, uploaded.Filename)
	if err != nil {
		t.Fatalf("LoadModel() after upload error = %v", err)
	}
	if model.ModelTypeAndArchitecture != "EnergyHeuristic (fresh)" {
		t.Errorf("ModelTypeAndArchitecture = %q", model.ModelTypeAndArchitecture)
	}
}

func TestUploadRejectsNonModelFile(t *testing.T) {
	svc := newService(serviceConfig{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	server := httptest.NewServer(svc.Handler())
	defer server.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "notes.txt")
	if err != nil {
		t.Fatalf("CreateFormFile() error = %v", err)
	}
	fw.Write([]byte("hello"))
	mw.Close()

	resp, err := http.Post(server.URL+classifier.UploadPath, mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	svc.mu.RLock()
	defer svc.mu.RUnlock()
	if svc.stored["notes.txt"] {
		t.Error("non-model file was stored")
	}
}

func TestBatch(t *testing.T) {
	client := newTestService(t)
	ctx := context.Background()

	if _, err := client.LoadModel(ctx, "energy.pth"); err != nil {
		t.Fatalf("LoadModel() error = %v", err)
	}

	response, err := client.ClassifyBatch(ctx, []classifier.BatchFile{
		{Filename: "quiet.wav", Data: silenceWAV(t)},
		{Filename: "broken.wav", Data: []byte("garbage")},
	})
	if err != nil {
		t.Fatalf("ClassifyBatch() error = %v", err)
	}
	if len(response.Results) != 2 {
		t.Fatalf("got %d results, want 2", len(response.Results))
	}
	if !response.Results[0].Succeeded() || response.Results[0].Prediction.PredictedClass != labelSilence {
		t.Errorf("result[0] = %+v", response.Results[0])
	}
	if response.Results[1].Succeeded() || response.Results[1].ErrorMessage == "" {
		t.Errorf("result[1] = %+v, want error", response.Results[1])
	}
}

func TestEvaluate(t *testing.T) {
	client := newTestService(t)
	ctx := context.Background()

	if _, err := client.LoadModel(ctx, "energy.pth"); err != nil {
		t.Fatalf("LoadModel() error = %v", err)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	files := map[string][]byte{
		"dataset/silence/a.wav":  silenceWAV(t),
		"dataset/low_tone/b.wav": toneWAV(t, 100, 0.5, 0),
		"dataset/low_tone/c.wav": toneWAV(t, 1000, 0.5, 0),
		"dataset/README.txt":     []byte("ignored"),
	}
	for name, data := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if _, err := w.Write(data); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	result, err := client.Evaluate(ctx, "dataset.zip", buf.Bytes())
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}

	if result.DatasetStatistics.TotalFiles != 3 {
		t.Errorf("TotalFiles = %d, want 3", result.DatasetStatistics.TotalFiles)
	}
	if got := result.OverallAccuracy; got < 0.66 || got > 0.67 {
		t.Errorf("OverallAccuracy = %v, want 2/3", got)
	}

	labels := result.ClassificationReport.Labels()
	want := []string{labelHighTone, labelLowTone, labelSilence}
	if len(labels) != len(want) {
		t.Fatalf("Labels() = %v, want %v", labels, want)
	}
	for i := range want {
		if labels[i] != want[i] {
			t.Fatalf("Labels() = %v, want %v", labels, want)
		}
	}

	// Rows are true classes in label order
	wantMatrix := [][]int{{0, 0, 0}, {1, 1, 0}, {0, 0, 1}}
	for i, row := range wantMatrix {
		for j, v := range row {
			if result.ConfusionMatrix[i][j] != v {
				t.Fatalf("ConfusionMatrix = %v, want %v", result.ConfusionMatrix, wantMatrix)
			}
		}
	}

	if m := result.ClassificationReport.Classes[labelLowTone]; m.Recall != 0.5 || m.Precision != 1 {
		t.Errorf("low_tone metrics = %+v", m)
	}

	if _, err := client.Evaluate(ctx, "bad.zip", []byte("not a zip")); err == nil {
		t.Error("Evaluate() with invalid archive error = nil")
	}
}

func TestHealth(t *testing.T) {
	client := newTestService(t)

	status, err := client.Health(context.Background())
	if err != nil {
		t.Fatalf("Health() error = %v", err)
	}
	if !status.OK() {
		t.Errorf("Status = %q, want ok", status.Status)
	}
}
