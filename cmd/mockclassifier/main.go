// Command mockclassifier is a local stand-in for the audio classification
// service. It answers predict, batch, evaluate, model upload, model load and
// health requests with a deterministic energy-based classifier, so the live
// pipeline can run without a model server.
//
// Usage:
//
//	mockclassifier --addr :8000 --latency 200ms
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var (
	addr       string
	latency    time.Duration
	sampleRate int
	models     []string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:          "mockclassifier",
	Short:        "Deterministic stand-in for the audio classification service",
	SilenceUsage: true,
	Args:         cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var level slog.Level
		if err := level.UnmarshalText([]byte(logLevel)); err != nil {
			return fmt.Errorf("invalid log level %q: %w", logLevel, err)
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

		svc := newService(serviceConfig{Latency: latency, SampleRate: sampleRate, Models: models}, logger)
		server := &http.Server{
			Addr:              addr,
			Handler:           svc.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			server.Shutdown(shutdownCtx)
		}()

		logger.Info("Mock classification service starting",
			slog.String("addr", addr),
			slog.Duration("latency", latency),
			slog.Int("sample_rate", sampleRate))

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		logger.Info("Mock classification service stopped")
		return nil
	},
}

func init() {
	rootCmd.Flags().StringVar(&addr, "addr", ":8000", "listen address")
	rootCmd.Flags().DurationVar(&latency, "latency", 200*time.Millisecond, "artificial processing time per request")
	rootCmd.Flags().IntVar(&sampleRate, "sample-rate", 16000, "sample rate reported for loaded models")
	rootCmd.Flags().StringSliceVar(&models, "models", []string{"energy.pth"}, "model files available without an upload")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
