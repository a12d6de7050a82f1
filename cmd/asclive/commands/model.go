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

var modelCmd = &cobra.Command{
	Use:   "model",
	Short: "Classification service model management",
}

var modelLoadCmd = &cobra.Command{
	Use:   "load <filename>",
	Short: "Load a stored model on the classification service",
	Long: `Ask the classification service to load one of its stored model files
and print the model metadata, including the sample rate live sessions will use.

Examples:
  asclive model load cnn_esc50.pth
  asclive model load cnn_esc50.pth --json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client, err := newClient(cfg, initLogger(cfg.Logging))
		if err != nil {
			return err
		}
		defer client.Close()

		metadata, err := client.LoadModel(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), metadata)
		}
		printModel(cmd.OutOrStdout(), metadata, cfg.Audio.SampleRate)
		return nil
	},
}

var uploadAndLoad bool

var modelUploadCmd = &cobra.Command{
	Use:   "upload <file.pth>",
	Short: "Upload a model file to the classification service",
	Long: `Upload a .pt or .pth model file to the classification service's model
store. With --load the stored file is loaded right after the upload.

Examples:
  asclive model upload ./cnn_esc50.pth
  asclive model upload ./cnn_esc50.pth --load`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		if !classifier.IsModelFile(path) {
			return fmt.Errorf("model file must end in .pt or .pth, got %s", path)
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read model file: %w", err)
		}

		client, err := newClient(cfg, initLogger(cfg.Logging))
		if err != nil {
			return err
		}
		defer client.Close()

		uploaded, err := client.UploadModel(cmd.Context(), filepath.Base(path), data)
		if err != nil {
			return err
		}

		var metadata *classifier.ModelMetadata
		if uploadAndLoad {
			metadata, err = client.LoadModel(cmd.Context(), uploaded.Filename)
			if err != nil {
				return err
			}
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, map[string]any{"upload": uploaded, "model": metadata})
		}

		fmt.Fprintf(out, "Uploaded:     %s (%d bytes)\n", uploaded.Filename, len(data))
		if metadata != nil {
			printModel(out, metadata, cfg.Audio.SampleRate)
		}
		return nil
	},
}

var modelHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the classification service health",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client, err := newClient(cfg, initLogger(cfg.Logging))
		if err != nil {
			return err
		}
		defer client.Close()

		status, err := client.Health(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), status)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", client.Endpoint(), status.Status)
		if !status.OK() {
			return fmt.Errorf("classification service reports status %q", status.Status)
		}
		return nil
	},
}

func printModel(w io.Writer, metadata *classifier.ModelMetadata, rateOverride int) {
	fmt.Fprintf(w, "Model:        %s\n", metadata.ModelTypeAndArchitecture)
	fmt.Fprintf(w, "Classes:      %d\n", metadata.NumClasses)
	fmt.Fprintf(w, "Labels:       %s\n", strings.Join(metadata.ClassLabels, ", "))
	fmt.Fprintf(w, "Sample rate:  %d Hz\n", classifier.ResolveSampleRate(rateOverride, metadata))
	fmt.Fprintf(w, "Parameters:   %d\n", metadata.NumTrainableParameters)
}

func init() {
	modelUploadCmd.Flags().BoolVar(&uploadAndLoad, "load", false, "load the model after uploading it")

	modelCmd.AddCommand(modelUploadCmd)
	modelCmd.AddCommand(modelLoadCmd)
	modelCmd.AddCommand(modelHealthCmd)
}
