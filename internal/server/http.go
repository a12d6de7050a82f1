package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/mdobak/go-xerrors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/s0l0l0b0/universal-asc-eval-app/internal/classifier"
	"github.com/s0l0l0b0/universal-asc-eval-app/internal/config"
	"github.com/s0l0l0b0/universal-asc-eval-app/internal/history"
	"github.com/s0l0l0b0/universal-asc-eval-app/internal/metrics"
	"github.com/s0l0l0b0/universal-asc-eval-app/internal/session"
	"github.com/s0l0l0b0/universal-asc-eval-app/internal/source"
)

const (
	healthCheckTimeout = 3 * time.Second
	wsWriteTimeout     = 5 * time.Second
	wsSubscriberBuffer = 64
)

// HTTPServer provides the HTTP API for controlling live sessions and reading
// their predictions
type HTTPServer struct {
	server     *http.Server
	handler    http.Handler
	logger     *slog.Logger
	config     *config.Config
	controller *session.Controller
	client     *classifier.Client
	recorder   *history.Recorder
	store      *history.SQLiteStore // nil without persistence
	metrics    *metrics.Metrics
	gatherer   prometheus.Gatherer

	// Sessions started over HTTP live until the server stops, not until the request ends
	baseCtx    context.Context
	cancelBase context.CancelFunc

	startTime time.Time
}

// Options contains the components the HTTP server exposes
type Options struct {
	Config     *config.Config
	Controller *session.Controller
	Client     *classifier.Client
	Recorder   *history.Recorder
	Store      *history.SQLiteStore
	Metrics    *metrics.Metrics
	Gatherer   prometheus.Gatherer // nil uses the default registry
	Logger     *slog.Logger
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(opts Options) (*HTTPServer, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if opts.Controller == nil {
		return nil, fmt.Errorf("session controller cannot be nil")
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("classifier client cannot be nil")
	}
	if opts.Recorder == nil {
		return nil, fmt.Errorf("recorder cannot be nil")
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	baseCtx, cancel := context.WithCancel(context.Background())

	h := &HTTPServer{
		logger:     opts.Logger.With(slog.String("component", "http")),
		config:     opts.Config,
		controller: opts.Controller,
		client:     opts.Client,
		recorder:   opts.Recorder,
		store:      opts.Store,
		metrics:    opts.Metrics,
		gatherer:   opts.Gatherer,
		baseCtx:    baseCtx,
		cancelBase: cancel,
		startTime:  time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)
	h.handler = mux

	// No write timeout: /ws/predictions holds its connection for the whole session
	h.server = &http.Server{
		Addr:              opts.Config.HTTP.ListenAddress(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return h, nil
}

// Handler returns the routed handler, mainly for tests
func (h *HTTPServer) Handler() http.Handler {
	return h.handler
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))

	// Session control
	mux.HandleFunc("/session", h.withMetrics("/session", h.handleSession))
	mux.HandleFunc("/session/start", h.withMetrics("/session/start", h.handleSessionStart))
	mux.HandleFunc("/session/stop", h.withMetrics("/session/stop", h.handleSessionStop))

	// Predictions and reports
	mux.HandleFunc("/predictions", h.withMetrics("/predictions", h.handlePredictions))
	mux.HandleFunc("/predictions/latest", h.withMetrics("/predictions/latest", h.handleLatestPrediction))
	mux.HandleFunc("/sessions", h.withMetrics("/sessions", h.handleSessions))
	mux.HandleFunc("/report", h.withMetrics("/report", h.handleReport))
	mux.HandleFunc("/report/export", h.withMetrics("/report/export", h.handleReportExport))

	mux.HandleFunc("/model/load", h.withMetrics("/model/load", h.handleModelLoad))

	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	// Live prediction stream; not wrapped so the websocket can hijack the connection
	mux.HandleFunc("/ws/predictions", h.handlePredictionStream)

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	// Root endpoint with API documentation
	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Create a response writer wrapper to capture status code
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := strconv.Itoa(ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// ListenAndServe serves until Stop is called. It returns nil after a clean shutdown.
func (h *HTTPServer) ListenAndServe() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Stop gracefully stops the HTTP server and the live session
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	h.cancelBase()

	var errs []error
	if err := h.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown http server: %w", err))
	}
	if err := h.controller.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown session: %w", err))
	}
	return errors.Join(errs...)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	status := "healthy"
	upstream := map[string]any{
		"endpoint":      h.client.Endpoint(),
		"breaker_state": h.client.Breaker().State().String(),
	}

	health, err := h.client.Health(ctx)
	switch {
	case err != nil:
		status = "degraded"
		upstream["status"] = "unreachable"
		upstream["error"] = err.Error()
	case !health.OK():
		status = "degraded"
		upstream["status"] = health.Status
	default:
		upstream["status"] = health.Status
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]any{
			"name":    "asc-live",
			"version": "1.0.0",
		},
		"components": map[string]any{
			"session":    map[string]any{"state": h.controller.State().String()},
			"classifier": upstream,
		},
	})
}

// handleSession implements the /session endpoint
func (h *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, h.controller.Status())
}

// startRequest is the optional body of POST /session/start
type startRequest struct {
	SampleRate int `json:"sample_rate"`
}

// handleSessionStart implements the /session/start endpoint
func (h *HTTPServer) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req startRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}
	}
	if req.SampleRate < 0 {
		writeError(w, http.StatusBadRequest, "sample_rate must not be negative")
		return
	}

	override := req.SampleRate
	if override == 0 {
		override = h.config.Audio.SampleRate
	}
	sampleRate := classifier.ResolveSampleRate(override, h.client.Model())

	id, err := h.controller.Start(h.baseCtx, sampleRate)
	if err != nil {
		status := startErrorStatus(err)
		if status >= 500 {
			h.logger.Error("Failed to start session", slog.Any("error", xerrors.New(err)))
		}
		writeError(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":  id,
		"sample_rate": sampleRate,
		"state":       h.controller.State(),
	})
}

// startErrorStatus maps session start failures to HTTP status codes
func startErrorStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrAlreadyActive), errors.Is(err, session.ErrStoppedDuringStart):
		return http.StatusConflict
	case errors.Is(err, source.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, source.ErrDeviceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// handleSessionStop implements the /session/stop endpoint
func (h *HTTPServer) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.controller.Stop()
	writeJSON(w, http.StatusOK, h.controller.Status())
}

// handlePredictions implements the /predictions endpoint.
// Query parameters: session, limit, persisted=true to read from SQLite.
func (h *HTTPServer) handlePredictions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	sessionID := query.Get("session")

	limit := 0
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	var records []history.Record
	if query.Get("persisted") == "true" {
		if h.store == nil {
			writeError(w, http.StatusNotImplemented, "prediction persistence is not configured")
			return
		}
		var err error
		records, err = h.store.List(r.Context(), sessionID, limit)
		if err != nil {
			h.logger.Error("Failed to list persisted predictions", slog.Any("error", xerrors.New(err)))
			writeError(w, http.StatusInternalServerError, "failed to read predictions")
			return
		}
	} else {
		records = h.memoryRecords(sessionID)
		if limit > 0 && len(records) > limit {
			records = records[len(records)-limit:]
		}
	}

	if records == nil {
		records = []history.Record{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"count":       len(records),
		"timestamp":   time.Now().UTC(),
		"predictions": records,
	})
}

// memoryRecords returns the in-memory history, optionally for one session
func (h *HTTPServer) memoryRecords(sessionID string) []history.Record {
	if sessionID == "" {
		return h.recorder.List()
	}
	return h.recorder.Session(sessionID)
}

// handleLatestPrediction implements the /predictions/latest endpoint
func (h *HTTPServer) handleLatestPrediction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	record, ok := h.recorder.Latest()
	if !ok {
		writeError(w, http.StatusNotFound, "no predictions yet")
		return
	}

	writeJSON(w, http.StatusOK, record)
}

// handleSessions implements the /sessions endpoint listing persisted sessions
func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if h.store == nil {
		writeError(w, http.StatusNotImplemented, "prediction persistence is not configured")
		return
	}

	sessions, err := h.store.Sessions(r.Context())
	if err != nil {
		h.logger.Error("Failed to list sessions", slog.Any("error", xerrors.New(err)))
		writeError(w, http.StatusInternalServerError, "failed to read sessions")
		return
	}
	if sessions == nil {
		sessions = []string{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// reportRecords selects the records a report covers: the requested session,
// otherwise the current or last session, otherwise everything recorded
func (h *HTTPServer) reportRecords(r *http.Request) (string, []history.Record) {
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		sessionID = h.controller.Status().ID
	}
	if sessionID == "all" || sessionID == "" {
		return "", h.recorder.List()
	}
	return sessionID, h.recorder.Session(sessionID)
}

// handleReport implements the /report endpoint
func (h *HTTPServer) handleReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID, records := h.reportRecords(r)
	summary := history.Summarize(records)
	summary.SessionID = sessionID

	writeJSON(w, http.StatusOK, summary)
}

// handleReportExport implements the /report/export endpoint
func (h *HTTPServer) handleReportExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = "csv"
	}

	sessionID, records := h.reportRecords(r)
	name := "asc_report"
	if sessionID != "" {
		name += "_" + sessionID
	}

	var err error
	switch format {
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name+".csv"))
		err = history.WriteCSV(w, records)
	case "json":
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name+".json"))
		err = history.WriteJSON(w, records)
	default:
		writeError(w, http.StatusBadRequest, "format must be 'csv' or 'json'")
		return
	}

	// Headers are already sent; the failure can only be logged
	if err != nil {
		h.logger.Error("Failed to export report",
			slog.String("format", format),
			slog.Any("error", xerrors.New(err)))
	}
}

// modelLoadRequest is the body of POST /model/load
type modelLoadRequest struct {
	Filename string `json:"filename"`
}

// handleModelLoad implements the /model/load endpoint
func (h *HTTPServer) handleModelLoad(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req modelLoadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Filename == "" {
		writeError(w, http.StatusBadRequest, "request body must be {\"filename\": \"...\"}")
		return
	}

	metadata, err := h.client.LoadModel(r.Context(), req.Filename)
	if err != nil {
		var httpErr *classifier.HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode < 500 {
			writeError(w, httpErr.StatusCode, httpErr.Detail)
			return
		}
		h.logger.Error("Failed to load model",
			slog.String("filename", req.Filename),
			slog.Any("error", xerrors.New(err)))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"model":       metadata,
		"sample_rate": classifier.ResolveSampleRate(h.config.Audio.SampleRate, metadata),
	})
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Return sanitized configuration (remove sensitive data)
	sanitizedConfig := map[string]any{
		"http": map[string]any{
			"address": h.config.HTTP.Address,
			"port":    h.config.HTTP.Port,
		},
		"audio": map[string]any{
			"source":            h.config.Audio.Source,
			"sample_rate":       h.config.Audio.SampleRate,
			"frames_per_buffer": h.config.Audio.FramesPerBuffer,
			"channel_buffer":    h.config.Audio.ChannelBuffer,
		},
		"synthetic": map[string]any{
			"frequency": h.config.Synthetic.Frequency,
			"amplitude": h.config.Synthetic.Amplitude,
			"noise":     h.config.Synthetic.Noise,
			"realtime":  h.config.Synthetic.Realtime,
		},
		"classifier": map[string]any{
			"endpoint":              h.config.Classifier.Endpoint,
			"timeout":               h.config.Classifier.Timeout,
			"max_retries":           h.config.Classifier.MaxRetries,
			"model_file":            h.config.Classifier.ModelFile,
			"breaker_max_failures":  h.config.Classifier.BreakerMaxFailures,
			"breaker_reset_timeout": h.config.Classifier.BreakerResetTimeout,
			// Note: API key is intentionally omitted for security
		},
		"history": map[string]any{
			"max_entries": h.config.History.MaxEntries,
			"persistent":  h.config.History.SQLitePath != "",
		},
		"logging": map[string]any{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	}

	writeJSON(w, http.StatusOK, sanitizedConfig)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := map[string]any{
		"uptime":     time.Since(h.startTime).String(),
		"timestamp":  time.Now().UTC(),
		"session":    h.controller.Status(),
		"classifier": h.client.Stats(),
		"history": map[string]any{
			"retained":         h.recorder.Len(),
			"total":            h.recorder.Total(),
			"subscriber_drops": h.recorder.Lagged(),
		},
	}
	if model := h.client.Model(); model != nil {
		stats["model"] = model
	}

	writeJSON(w, http.StatusOK, stats)
}

// handlePredictionStream implements the /ws/predictions endpoint. Every
// prediction appended after the connection opens is sent as a JSON message.
func (h *HTTPServer) handlePredictionStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.metrics.RecordHTTPError(r.Method, "/ws/predictions", "client_error")
		h.logger.Warn("Websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()

	h.metrics.RecordHTTPRequest(r.Method, "/ws/predictions", strconv.Itoa(http.StatusSwitchingProtocols), 0)

	// Clients only listen; CloseRead handles their control frames and
	// cancels ctx once they go away
	ctx := conn.CloseRead(r.Context())

	records, unsubscribe := h.recorder.Subscribe(wsSubscriberBuffer)
	defer unsubscribe()

	h.logger.Debug("Prediction stream opened", slog.String("remote", r.RemoteAddr))

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-h.baseCtx.Done():
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case record, ok := <-records:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := wsjson.Write(writeCtx, conn, record)
			cancel()
			if err != nil {
				h.logger.Debug("Prediction stream closed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	apiDoc := map[string]any{
		"service": "Live Audio Scene Classification",
		"version": "1.0.0",
		"endpoints": map[string]any{
			"GET /":                   "API documentation",
			"GET /health":             "Service and classifier health",
			"GET /session":            "Current session status",
			"POST /session/start":     "Start listening (optional {\"sample_rate\": N})",
			"POST /session/stop":      "Stop listening",
			"GET /predictions":        "Prediction history (?session=, ?limit=, ?persisted=true)",
			"GET /predictions/latest": "Most recent prediction",
			"GET /sessions":           "Persisted session IDs",
			"GET /report":             "Session summary (?session=, ?session=all)",
			"GET /report/export":      "Download report (?format=csv|json)",
			"POST /model/load":        "Load a model on the classification service",
			"GET /config":             "Service configuration",
			"GET /stats":              "Service statistics",
			"GET /ws/predictions":     "Live prediction stream (websocket)",
			"GET /metrics":            "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	writeJSON(w, http.StatusOK, apiDoc)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
