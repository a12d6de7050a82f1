package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"mime/multipart"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/s0l0l0b0/universal-asc-eval-app/internal/audio"
)

// Service routes relative to the configured endpoint
const (
	PredictPath  = "/api/audio/predict"
	BatchPath    = "/api/audio/batch"
	UploadPath   = "/api/model/upload"
	LoadPath     = "/api/model/load"
	EvaluatePath = "/api/evaluation/run"
	HealthPath   = "/api/health"
)

const userAgent = "ASC-Live-Classifier/1.0"

// Client provides HTTP client functionality for classification API requests
type Client struct {
	config     Config
	httpClient *http.Client
	breaker    *Breaker
	logger     *slog.Logger
	active     atomic.Int64

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	rejected        uint64 // Calls refused by the open breaker
	totalRetries    uint64
	avgResponseTime time.Duration

	model *ModelMetadata // Last model loaded through this client

	mu sync.RWMutex
}

// Config contains classification client configuration
type Config struct {
	Endpoint   string // Base URL of the classification service
	APIKey     string // Optional bearer token
	Timeout    time.Duration
	MaxRetries int // Retries for model, batch and evaluation calls; live predictions never retry
	Breaker    BreakerConfig
}

// HTTPError is a non-2xx response from the service
type HTTPError struct {
	StatusCode int
	Detail     string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.StatusCode, e.Detail)
}

// ClientStats represents client statistics
type ClientStats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	RejectedByOpen  uint64        `json:"rejected_by_breaker"`
	SuccessRate     float64       `json:"success_rate"`
	TotalRetries    uint64        `json:"total_retries"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int64         `json:"active_requests"`
	BreakerState    string        `json:"breaker_state"`
	BreakerTrips    uint64        `json:"breaker_trips"`
}

// NewClient creates a new classification HTTP client
func NewClient(config Config, logger *slog.Logger) (*Client, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}
	if !strings.HasPrefix(config.Endpoint, "http://") && !strings.HasPrefix(config.Endpoint, "https://") {
		return nil, fmt.Errorf("endpoint must be an http(s) URL, got %q", config.Endpoint)
	}
	config.Endpoint = strings.TrimRight(config.Endpoint, "/")

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}

	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "classifier"))

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &Client{
		config:     config,
		httpClient: httpClient,
		breaker:    NewBreaker(config.Breaker, logger),
		logger:     logger,
	}, nil
}

// Endpoint returns the service base URL
func (c *Client) Endpoint() string {
	return c.config.Endpoint
}

// Breaker exposes the client's circuit breaker
func (c *Client) Breaker() *Breaker {
	return c.breaker
}

// Classify uploads one encoded clip for classification. It makes exactly one
// attempt: the live path never retries. After MaxFailures consecutive service
// failures the breaker opens and windows fail fast without a request for
// ResetTimeout; the first window after that probes the service again, so a
// recovered service is picked up at most ResetTimeout late.
func (c *Client) Classify(ctx context.Context, clip *audio.Clip) (*Prediction, error) {
	if clip == nil || len(clip.Data) == 0 {
		return nil, fmt.Errorf("clip has no audio data")
	}
	return c.ClassifyFile(ctx, clip.Filename(), clip.Data)
}

// ClassifyFile uploads an arbitrary audio file for single-file classification
func (c *Client) ClassifyFile(ctx context.Context, filename string, data []byte) (*Prediction, error) {
	var prediction Prediction

	startTime := time.Now()
	c.incrementTotalRequests()

	err := c.breaker.Execute(func() error {
		body, contentType, err := createMultipartRequest(map[string][]BatchFile{
			"file": {{Filename: filename, Data: data}},
		})
		if err != nil {
			return err
		}
		if err := c.doRequest(ctx, http.MethodPost, PredictPath, body, contentType, &prediction); err != nil {
			return err
		}
		return prediction.Validate()
	}, countsAsServiceFailure)

	if err != nil {
		if errors.Is(err, ErrCircuitOpen) {
			c.incrementRejected()
		}
		c.incrementFailedRequests()
		return nil, fmt.Errorf("classification failed: %w", err)
	}

	c.incrementSuccessRequests()
	c.updateAvgResponseTime(time.Since(startTime))
	return &prediction, nil
}

// UploadModel stores a model file on the service and returns the stored
// filename to pass to LoadModel. Only .pt and .pth files are accepted.
func (c *Client) UploadModel(ctx context.Context, filename string, data []byte) (*UploadResult, error) {
	if !IsModelFile(filename) {
		return nil, fmt.Errorf("model file must end in .pt or .pth, got %q", filename)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("model file is empty")
	}

	var result UploadResult
	err := c.withRetry(ctx, "model upload", func() error {
		body, contentType, err := createMultipartRequest(map[string][]BatchFile{
			"file": {{Filename: filename, Data: data}},
		})
		if err != nil {
			return err
		}
		return c.doRequest(ctx, http.MethodPost, UploadPath, body, contentType, &result)
	})
	if err != nil {
		return nil, err
	}
	if result.Filename == "" {
		result.Filename = filename
	}

	c.logger.Info("Model uploaded",
		slog.String("filename", result.Filename),
		slog.Int("size_bytes", len(data)))

	return &result, nil
}

// LoadModel asks the service to load a stored model file and returns its metadata
func (c *Client) LoadModel(ctx context.Context, filename string) (*ModelMetadata, error) {
	if filename == "" {
		return nil, fmt.Errorf("model filename cannot be empty")
	}

	payload, err := json.Marshal(map[string]string{"filename": filename})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	var metadata ModelMetadata
	err = c.withRetry(ctx, "load model", func() error {
		return c.doRequest(ctx, http.MethodPost, LoadPath, bytes.NewReader(payload), "application/json", &metadata)
	})
	if err != nil {
		return nil, err
	}

	metadata.LoadedAt = time.Now()

	c.mu.Lock()
	loaded := metadata
	c.model = &loaded
	c.mu.Unlock()

	c.logger.Info("Model loaded",
		slog.String("model", metadata.ModelTypeAndArchitecture),
		slog.Int("num_classes", metadata.NumClasses),
		slog.Int("sample_rate", metadata.EffectiveSampleRate()))

	return &metadata, nil
}

// Model returns the metadata of the last model loaded through this client, or nil
func (c *Client) Model() *ModelMetadata {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.model == nil {
		return nil
	}
	model := *c.model
	return &model
}

// ClassifyBatch uploads several files in one request. Per-file failures are
// reported in the results rather than as an error.
func (c *Client) ClassifyBatch(ctx context.Context, files []BatchFile) (*BatchResponse, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("no files to classify")
	}

	var response BatchResponse
	err := c.withRetry(ctx, "batch classification", func() error {
		body, contentType, err := createMultipartRequest(map[string][]BatchFile{"files": files})
		if err != nil {
			return err
		}
		return c.doRequest(ctx, http.MethodPost, BatchPath, body, contentType, &response)
	})
	if err != nil {
		return nil, err
	}

	return &response, nil
}

// Evaluate uploads a zipped, labeled dataset and returns the evaluation report
func (c *Client) Evaluate(ctx context.Context, filename string, archive []byte) (*EvaluationResult, error) {
	if len(archive) == 0 {
		return nil, fmt.Errorf("dataset archive is empty")
	}

	var result EvaluationResult
	err := c.withRetry(ctx, "evaluation", func() error {
		body, contentType, err := createMultipartRequest(map[string][]BatchFile{
			"file": {{Filename: filename, Data: archive}},
		})
		if err != nil {
			return err
		}
		return c.doRequest(ctx, http.MethodPost, EvaluatePath, body, contentType, &result)
	})
	if err != nil {
		return nil, err
	}

	return &result, nil
}

// Health queries the service health endpoint
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	var status HealthStatus
	if err := c.doRequest(ctx, http.MethodGet, HealthPath, nil, "", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// withRetry runs fn up to MaxRetries+1 times with exponential backoff
func (c *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.incrementTotalRetries()

			backoffTime := time.Duration(math.Pow(2, float64(attempt-1))) * time.Second
			if backoffTime > 30*time.Second {
				backoffTime = 30 * time.Second
			}

			select {
			case <-time.After(backoffTime):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if !isRetryableError(lastErr) {
			break
		}
	}

	return fmt.Errorf("%s failed: %w", op, lastErr)
}

// doRequest performs a single HTTP request and decodes a JSON response into out
func (c *Client) doRequest(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	c.active.Add(1)
	defer c.active.Add(-1)

	httpReq, err := http.NewRequestWithContext(ctx, method, c.config.Endpoint+path, body)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}

	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{StatusCode: resp.StatusCode, Detail: errorDetail(respBody)}
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response JSON: %w", err)
	}

	return nil
}

// createMultipartRequest creates a multipart/form-data body with one file part
// per entry, repeated under the same field name for batches
func createMultipartRequest(fields map[string][]BatchFile) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	for field, files := range fields {
		for _, f := range files {
			fileWriter, err := writer.CreateFormFile(field, f.Filename)
			if err != nil {
				return nil, "", fmt.Errorf("failed to create form file: %w", err)
			}
			if _, err := fileWriter.Write(f.Data); err != nil {
				return nil, "", fmt.Errorf("failed to write file data: %w", err)
			}
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return &buf, writer.FormDataContentType(), nil
}

// errorDetail extracts the "detail" message of an error body, falling back to the raw text
func errorDetail(body []byte) string {
	var payload struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && len(payload.Detail) > 0 {
		var detail string
		if err := json.Unmarshal(payload.Detail, &detail); err == nil {
			return detail
		}
		return string(payload.Detail)
	}

	text := strings.TrimSpace(string(body))
	if text == "" {
		return "empty response"
	}
	return text
}

// isRetryableError reports whether a failed call may succeed if repeated
func isRetryableError(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500 || httpErr.StatusCode == http.StatusTooManyRequests
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// countsAsServiceFailure decides which live errors trip the breaker. Client
// errors (4xx) say something about the clip, not the health of the service.
func countsAsServiceFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500 || httpErr.StatusCode == http.StatusTooManyRequests
	}
	return true
}

// Statistics methods
func (c *Client) incrementTotalRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
}

func (c *Client) incrementSuccessRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successRequests++
}

func (c *Client) incrementFailedRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedRequests++
}

func (c *Client) incrementRejected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejected++
}

func (c *Client) incrementTotalRetries() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRetries++
}

func (c *Client) updateAvgResponseTime(responseTime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Exponential moving average
	if c.avgResponseTime == 0 {
		c.avgResponseTime = responseTime
	} else {
		c.avgResponseTime = (c.avgResponseTime + responseTime) / 2
	}
}

// Stats returns current client statistics
func (c *Client) Stats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	successRate := float64(0)
	if c.totalRequests > 0 {
		successRate = float64(c.successRequests) / float64(c.totalRequests) * 100
	}

	return ClientStats{
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		RejectedByOpen:  c.rejected,
		SuccessRate:     successRate,
		TotalRetries:    c.totalRetries,
		AvgResponseTime: c.avgResponseTime,
		ActiveRequests:  c.active.Load(),
		BreakerState:    c.breaker.State().String(),
		BreakerTrips:    c.breaker.Trips(),
	}
}

// Close releases idle connections
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
