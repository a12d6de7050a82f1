package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/s0l0l0b0/universal-asc-eval-app/internal/config"
)

const (
	serviceName    = "asclive"
	serviceVersion = "1.0.0"
)

var (
	cfgFile     string
	endpointArg string
	logLevelArg string
	jsonOutput  bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "asclive",
	Short: "Live audio scene classification",
	Long: `asclive captures audio, cuts it into one-second windows and sends each
window to an acoustic scene classification service, publishing predictions
as they arrive.

At most one classification request is in flight; windows completed while a
request is pending are dropped so predictions stay close to real time.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Command returns the root cobra command for mounting into a parent CLI.
func Command() *cobra.Command {
	return rootCmd
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (defaults apply when empty)")
	rootCmd.PersistentFlags().StringVar(&endpointArg, "endpoint", "", "classification service base URL (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevelArg, "log-level", "", "log level: debug, info, warn, error (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print results as JSON")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(listenCmd)
	rootCmd.AddCommand(modelCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(evaluateCmd)
	rootCmd.AddCommand(toneCmd)
}

// loadConfig loads the configuration file and applies command line overrides
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	if endpointArg != "" {
		cfg.Classifier.Endpoint = endpointArg
	}
	if logLevelArg != "" {
		cfg.Logging.Level = logLevelArg
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug, // Add source info for debug level
	}

	var output *os.File
	switch cfg.Output {
	case "stdout":
		output = os.Stdout
	case "stderr", "":
		output = os.Stderr
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stderr\n", cfg.Output, err)
			output = os.Stderr
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
