package commands

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/s0l0l0b0/universal-asc-eval-app/internal/audio"
	"github.com/s0l0l0b0/universal-asc-eval-app/internal/classifier"
)

var batchCmd = &cobra.Command{
	Use:   "batch <file>...",
	Short: "Classify audio files in one request",
	Long: `Upload several audio files to the classification service in a single
batch request. Files the service cannot classify are reported per file.

Examples:
  asclive batch recordings/*.wav
  asclive batch park.wav street.wav --json`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		files := make([]classifier.BatchFile, 0, len(args))
		clips := make(map[string]*audio.ClipInfo, len(args))
		for _, path := range args {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", path, err)
			}
			name := filepath.Base(path)
			files = append(files, classifier.BatchFile{Filename: name, Data: data})

			// Other formats are left for the service to judge
			if info, err := audio.InspectClip(data); err == nil {
				clips[name] = info
			}
		}

		client, err := newClient(cfg, initLogger(cfg.Logging))
		if err != nil {
			return err
		}
		defer client.Close()

		response, err := client.ClassifyBatch(cmd.Context(), files)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, response)
		}

		printBatch(out, response, clips)
		return nil
	},
}

func printBatch(w io.Writer, response *classifier.BatchResponse, clips map[string]*audio.ClipInfo) {
	failed := 0
	for _, result := range response.Results {
		clip := "-"
		if info, ok := clips[result.Filename]; ok {
			clip = fmt.Sprintf("%s @ %d Hz", info.Duration.Round(time.Millisecond), info.SampleRate)
		}

		if !result.Succeeded() {
			failed++
			fmt.Fprintf(w, "%-32s %-20s ERROR  %s\n", result.Filename, clip, result.ErrorMessage)
			continue
		}
		fmt.Fprintf(w, "%-32s %-20s %-24s %6.2f%%\n",
			result.Filename, clip, result.Prediction.PredictedClass, result.Prediction.Confidence*100)
	}
	fmt.Fprintf(w, "\n%d files, %d failed\n", len(response.Results), failed)
}
