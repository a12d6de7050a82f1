package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/s0l0l0b0/universal-asc-eval-app/internal/classifier"
	"github.com/s0l0l0b0/universal-asc-eval-app/internal/config"
	"github.com/s0l0l0b0/universal-asc-eval-app/internal/history"
	"github.com/s0l0l0b0/universal-asc-eval-app/internal/metrics"
	"github.com/s0l0l0b0/universal-asc-eval-app/internal/session"
	"github.com/s0l0l0b0/universal-asc-eval-app/internal/source"
	"github.com/s0l0l0b0/universal-asc-eval-app/internal/source/portaudio"
)

// app wires the live pipeline shared by serve and listen
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	client     *classifier.Client
	recorder   *history.Recorder
	store      *history.SQLiteStore // nil without persistence
	controller *session.Controller
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(registry)

	client, err := newClient(cfg, logger)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		metrics:  m,
		client:   client,
		recorder: history.NewRecorder(cfg.History.MaxEntries),
	}

	var sink history.Sink = a.recorder
	if cfg.History.SQLitePath != "" {
		store, err := history.NewSQLiteStore(cfg.History.SQLitePath)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to open prediction store: %w", err)
		}
		a.store = store
		sink = history.Tee{a.recorder, store}
		logger.Info("Prediction persistence enabled", slog.String("path", cfg.History.SQLitePath))
	}

	factory, err := newSourceFactory(cfg, m, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.controller, err = session.NewController(factory, client, sink, m, logger, session.Config{
		RequestTimeout: cfg.Classifier.GetTimeoutDuration(),
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create session controller: %w", err)
	}

	return a, nil
}

// Close releases the client and the prediction store
func (a *app) Close() error {
	var errs []error
	if err := a.client.Close(); err != nil {
		errs = append(errs, err)
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close prediction store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// loadModel loads filename on the service when one is given
func (a *app) loadModel(ctx context.Context, filename string) error {
	if filename == "" {
		return nil
	}
	if _, err := a.client.LoadModel(ctx, filename); err != nil {
		return fmt.Errorf("failed to load model %s: %w", filename, err)
	}
	return nil
}

// sampleRate resolves the capture rate: flag, then config, then the loaded model
func (a *app) sampleRate(override int) int {
	if override <= 0 {
		override = a.cfg.Audio.SampleRate
	}
	return classifier.ResolveSampleRate(override, a.client.Model())
}

func newClient(cfg *config.Config, logger *slog.Logger) (*classifier.Client, error) {
	client, err := classifier.NewClient(classifier.Config{
		Endpoint:   cfg.Classifier.Endpoint,
		APIKey:     cfg.Classifier.APIKey,
		Timeout:    cfg.Classifier.GetTimeoutDuration(),
		MaxRetries: cfg.Classifier.MaxRetries,
		Breaker: classifier.BreakerConfig{
			MaxFailures:  cfg.Classifier.BreakerMaxFailures,
			ResetTimeout: cfg.Classifier.GetBreakerResetTimeout(),
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create classifier client: %w", err)
	}
	return client, nil
}

// newSourceFactory builds a fresh source per session for the configured kind
func newSourceFactory(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (session.SourceFactory, error) {
	kind, err := source.ParseKind(cfg.Audio.Source)
	if err != nil {
		return nil, err
	}

	switch kind {
	case source.KindSynthetic:
		return func(sampleRate int) (source.Source, error) {
			return source.NewSynthetic(source.SyntheticConfig{
				SampleRate:      sampleRate,
				Frequency:       cfg.Synthetic.Frequency,
				Amplitude:       cfg.Synthetic.Amplitude,
				Phase:           cfg.Synthetic.Phase,
				Noise:           cfg.Synthetic.Noise,
				Seed:            cfg.Synthetic.Seed,
				FramesPerBuffer: cfg.Audio.FramesPerBuffer,
				Realtime:        cfg.Synthetic.Realtime,
			})
		}, nil

	default:
		return func(sampleRate int) (source.Source, error) {
			return source.NewMicrophone(portaudio.New(), source.MicrophoneConfig{
				SampleRate:      sampleRate,
				FramesPerBuffer: cfg.Audio.FramesPerBuffer,
				ChannelBuffer:   cfg.Audio.ChannelBuffer,
				OnOverrun:       m.RecordSourceOverrun,
			}, logger)
		}, nil
	}
}
