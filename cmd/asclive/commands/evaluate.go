package commands

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/s0l0l0b0/universal-asc-eval-app/internal/classifier"
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate <dataset.zip>",
	Short: "Evaluate the loaded model on a labeled dataset",
	Long: `Upload a zip archive with one folder per class to the classification
service and print the accuracy, per-class report and confusion matrix.

Examples:
  asclive evaluate esc10_test.zip
  asclive evaluate esc10_test.zip --json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		if !strings.EqualFold(filepath.Ext(path), ".zip") {
			return fmt.Errorf("dataset must be a .zip archive, got %s", path)
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		archive, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read dataset: %w", err)
		}

		client, err := newClient(cfg, initLogger(cfg.Logging))
		if err != nil {
			return err
		}
		defer client.Close()

		result, err := client.Evaluate(cmd.Context(), filepath.Base(path), archive)
		if err != nil {
			return err
		}

		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), result)
		}
		printEvaluation(cmd.OutOrStdout(), result)
		return nil
	},
}

func printEvaluation(w io.Writer, result *classifier.EvaluationResult) {
	fmt.Fprintf(w, "Overall accuracy: %.2f%%\n", result.OverallAccuracy*100)
	fmt.Fprintf(w, "Files evaluated:  %d\n\n", result.DatasetStatistics.TotalFiles)

	labels := result.ClassificationReport.Labels()

	fmt.Fprintf(w, "%-24s %9s %9s %9s %8s\n", "class", "precision", "recall", "f1", "support")
	for _, label := range labels {
		m := result.ClassificationReport.Classes[label]
		fmt.Fprintf(w, "%-24s %9.3f %9.3f %9.3f %8.0f\n", label, m.Precision, m.Recall, m.F1Score, m.Support)
	}
	for _, avg := range []string{"macro avg", "weighted avg"} {
		if m, ok := result.ClassificationReport.Classes[avg]; ok {
			fmt.Fprintf(w, "%-24s %9.3f %9.3f %9.3f %8.0f\n", avg, m.Precision, m.Recall, m.F1Score, m.Support)
		}
	}

	if len(result.ConfusionMatrix) == 0 {
		return
	}

	// Rows are true classes, columns predicted, in label order
	fmt.Fprintln(w, "\nConfusion matrix:")
	for i, row := range result.ConfusionMatrix {
		name := fmt.Sprintf("#%d", i)
		if i < len(labels) {
			name = labels[i]
		}
		cells := make([]string, len(row))
		for j, v := range row {
			cells[j] = fmt.Sprintf("%4d", v)
		}
		fmt.Fprintf(w, "%-24s %s\n", name, strings.Join(cells, " "))
	}
}
