package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/mdobak/go-xerrors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/s0l0l0b0/universal-asc-eval-app/internal/server"
)

const shutdownTimeout = 10 * time.Second

var (
	serveAutoStart bool
	serveRate      int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Run the HTTP API that starts and stops listening sessions, serves
prediction history and reports, and streams predictions over a websocket.

Examples:
  asclive serve --config configs/config.yaml
  asclive serve --start --rate 16000`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveAutoStart, "start", false, "start a listening session immediately")
	serveCmd.Flags().IntVar(&serveRate, "rate", 0, "sample rate for --start (default from config or model)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.HTTP.Enabled {
		return fmt.Errorf("http is disabled in the configuration; use 'listen' for headless runs")
	}

	logger := initLogger(cfg.Logging)
	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", cfgFile),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.String("source", cfg.Audio.Source),
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.String("classifier_endpoint", cfg.Classifier.Endpoint),
		slog.Int("classifier_timeout", cfg.Classifier.Timeout),
		slog.String("sqlite_path", cfg.History.SQLitePath),
		slog.String("log_level", cfg.Logging.Level),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	// A missing model is not fatal for the API; it can be loaded over HTTP
	if err := a.loadModel(ctx, cfg.Classifier.ModelFile); err != nil {
		logger.Warn("Startup model load failed", slog.Any("error", xerrors.New(err)))
	}

	httpServer, err := server.NewHTTPServer(server.Options{
		Config:     cfg,
		Controller: a.controller,
		Client:     a.client,
		Recorder:   a.recorder,
		Store:      a.store,
		Metrics:    a.metrics,
		Gatherer:   a.registry,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(httpServer.ListenAndServe)

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Starting graceful shutdown...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Stop(shutdownCtx)
	})

	var startErr error
	if serveAutoStart {
		rate := a.sampleRate(serveRate)
		if _, startErr = a.controller.Start(gctx, rate); startErr != nil {
			logger.Error("Failed to start listening session", slog.Any("error", xerrors.New(startErr)))
			stop()
		}
	}

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("http_address", cfg.HTTP.ListenAddress()),
	)

	err = g.Wait()

	status := a.controller.Status()
	logger.Info("Final session statistics",
		slog.String("session_id", status.ID),
		slog.String("state", status.State.String()),
		slog.Int("retained_predictions", a.recorder.Len()),
		slog.Uint64("total_predictions", a.recorder.Total()),
	)
	logger.Info("Service stopped")

	if startErr != nil {
		return startErr
	}
	return err
}
