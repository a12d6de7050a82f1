package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/s0l0l0b0/universal-asc-eval-app/internal/audio"
	"github.com/s0l0l0b0/universal-asc-eval-app/internal/source"
)

var (
	toneOut       string
	toneFrequency float64
	toneAmplitude float64
	toneDuration  time.Duration
	toneRate      int
	toneNoise     float64
	toneSeed      int64
)

var toneCmd = &cobra.Command{
	Use:   "tone",
	Short: "Write a synthetic tone as a WAV file",
	Long: `Render the synthetic source to a mono 16-bit WAV file. The output is
bit-identical for the same flags, so it can be used as a golden clip when
testing a classification service.

Examples:
  asclive tone --out a440.wav
  asclive tone --out noisy.wav --frequency 1000 --noise 0.1 --seed 7 --duration 5s`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if toneOut == "" {
			return fmt.Errorf("--out is required")
		}

		data, err := renderTone(source.SyntheticConfig{
			SampleRate: toneRate,
			Frequency:  toneFrequency,
			Amplitude:  toneAmplitude,
			Noise:      toneNoise,
			Seed:       toneSeed,
		}, toneDuration)
		if err != nil {
			return err
		}

		info, err := audio.InspectClip(data)
		if err != nil {
			return err
		}

		if err := os.WriteFile(toneOut, data, 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", toneOut, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes, %d samples, %s at %d Hz)\n",
			toneOut, len(data), info.Samples, info.Duration, info.SampleRate)
		return nil
	},
}

// renderTone generates duration worth of the synthetic tone and encodes it as WAV
func renderTone(config source.SyntheticConfig, duration time.Duration) ([]byte, error) {
	if duration <= 0 {
		return nil, fmt.Errorf("duration must be positive, got %s", duration)
	}
	if config.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", config.SampleRate)
	}

	total := int(duration.Seconds() * float64(config.SampleRate))
	if total <= 0 {
		return nil, fmt.Errorf("duration %s is shorter than one sample", duration)
	}
	config.FramesPerBuffer = total
	config.Realtime = false

	synth, err := source.NewSynthetic(config)
	if err != nil {
		return nil, err
	}

	chunk := synth.NextChunk()
	samples := make([]int16, len(chunk))
	for i, v := range chunk {
		samples[i] = audio.QuantizeSample(v)
	}
	return audio.EncodeWAV(samples, config.SampleRate)
}

func init() {
	toneCmd.Flags().StringVarP(&toneOut, "out", "o", "", "output WAV file")
	toneCmd.Flags().Float64Var(&toneFrequency, "frequency", 440, "tone frequency in Hz")
	toneCmd.Flags().Float64Var(&toneAmplitude, "amplitude", 0.5, "peak amplitude (0, 1]")
	toneCmd.Flags().DurationVar(&toneDuration, "duration", time.Second, "length of the clip")
	toneCmd.Flags().IntVar(&toneRate, "rate", 16000, "sample rate in Hz")
	toneCmd.Flags().Float64Var(&toneNoise, "noise", 0, "peak amplitude of additive noise")
	toneCmd.Flags().Int64Var(&toneSeed, "seed", 0, "noise seed")
}
