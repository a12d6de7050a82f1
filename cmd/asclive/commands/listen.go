package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mdobak/go-xerrors"
	"github.com/spf13/cobra"

	"github.com/s0l0l0b0/universal-asc-eval-app/internal/history"
	"github.com/s0l0l0b0/universal-asc-eval-app/internal/session"
)

var (
	listenDuration time.Duration
	listenRate     int
	listenModel    string
	listenSource   string
	listenExport   string
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Classify live audio and print predictions",
	Long: `Start a listening session without the HTTP API and print every
prediction as it arrives. The session ends after --duration, on Ctrl-C, or
when the audio source stops.

Examples:
  asclive listen --duration 30s
  asclive listen --source synthetic --model cnn_esc50.pth --json
  asclive listen --export report.csv`,
	RunE: runListen,
}

func init() {
	listenCmd.Flags().DurationVar(&listenDuration, "duration", 0, "stop after this long (0 = until interrupted)")
	listenCmd.Flags().IntVar(&listenRate, "rate", 0, "sample rate (default from config or model)")
	listenCmd.Flags().StringVar(&listenModel, "model", "", "model file to load before listening (overrides config)")
	listenCmd.Flags().StringVar(&listenSource, "source", "", "audio source: synthetic or microphone (overrides config)")
	listenCmd.Flags().StringVar(&listenExport, "export", "", "write the session report to a .csv or .json file")
}

func runListen(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if listenSource != "" {
		cfg.Audio.Source = listenSource
		if err := cfg.Audio.Validate(); err != nil {
			return err
		}
	}

	logger := initLogger(cfg.Logging)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if listenDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, listenDuration)
		defer cancel()
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	model := listenModel
	if model == "" {
		model = cfg.Classifier.ModelFile
	}
	if err := a.loadModel(ctx, model); err != nil {
		return err
	}

	records, unsubscribe := a.recorder.Subscribe(64)
	defer unsubscribe()

	rate := a.sampleRate(listenRate)
	id, err := a.controller.Start(ctx, rate)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if !jsonOutput {
		fmt.Fprintf(out, "Listening (session %s, %d Hz, source %s). Press Ctrl-C to stop.\n", id, rate, cfg.Audio.Source)
	}

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			// The source can end the session on its own
			if a.controller.State() == session.StateStopped {
				break loop
			}
		case rec := <-records:
			if err := printRecord(out, rec); err != nil {
				return err
			}
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.controller.Shutdown(shutdownCtx); err != nil {
		logger.Warn("In-flight classification did not finish", slog.Any("error", xerrors.New(err)))
	}

	sessionRecords := a.recorder.Session(id)
	summary := history.Summarize(sessionRecords)
	summary.SessionID = id

	status := a.controller.Status()
	if status.LastError != "" {
		logger.Warn("Session ended with error", slog.String("error", status.LastError))
	}

	if listenExport != "" {
		if err := exportReport(listenExport, sessionRecords); err != nil {
			return err
		}
	}

	if jsonOutput {
		return printJSON(out, map[string]any{"summary": summary, "session": status})
	}
	printSummary(out, summary, status)
	return nil
}

func printRecord(w io.Writer, rec history.Record) error {
	if jsonOutput {
		return json.NewEncoder(w).Encode(rec)
	}
	_, err := fmt.Fprintf(w, "%s  #%-5d %-24s %6.2f%%  (%s)\n",
		rec.ReceivedAt.Format("15:04:05"),
		rec.Seq,
		rec.PredictedClass,
		rec.Confidence*100,
		rec.Latency.Round(time.Millisecond))
	return err
}

func printSummary(w io.Writer, summary history.Summary, status session.SessionInfo) {
	fmt.Fprintf(w, "\nSession %s: %d predictions", summary.SessionID, summary.Predictions)
	if status.Dispatcher != nil {
		fmt.Fprintf(w, ", %d windows dropped while busy, %d failed",
			status.Dispatcher.Dropped, status.Dispatcher.Failed)
	}
	fmt.Fprintln(w)

	if summary.Predictions == 0 {
		return
	}

	fmt.Fprintf(w, "Dominant class: %s (mean confidence %.2f%%)\n", summary.DominantClass, summary.MeanConfidence*100)
	for _, class := range summary.Classes {
		fmt.Fprintf(w, "  %-24s %5d  %6.2f%%\n", class.Class, class.Count, class.MeanConfidence*100)
	}
}

// exportReport writes records as CSV or JSON depending on the file extension
func exportReport(path string, records []history.Record) error {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".csv" && ext != ".json" {
		return fmt.Errorf("export file must end in .csv or .json, got %q", path)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create report file: %w", err)
	}
	defer f.Close()

	if ext == ".csv" {
		err = history.WriteCSV(f, records)
	} else {
		err = history.WriteJSON(f, records)
	}
	if err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return f.Close()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
