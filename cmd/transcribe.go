package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"speechformer/internal/audio"
	"speechformer/internal/config"
	"speechformer/internal/ffmpeg"
	"speechformer/internal/train"
	"speechformer/internal/vocab"
)

var transcribeCmd = &cobra.Command{
	Use:   "transcribe <audio-file>",
	Short: "Transcribe an audio file with a trained checkpoint",
	Long: `Transcribe featurizes an audio file and greedily decodes it through a
trained checkpoint. Non-wav inputs are converted with ffmpeg when it is
installed.`,
	Args: cobra.ExactArgs(1),
	RunE: runTranscribe,
}

var (
	transcribeCheckpoint string
	transcribeOutput     string
)

func init() {
	defaults := config.Default()

	transcribeCmd.Flags().StringVarP(&transcribeCheckpoint, "checkpoint", "c", defaults.CheckpointPath, "trained checkpoint path")
	transcribeCmd.Flags().StringVarP(&transcribeOutput, "output", "o", "", "write the transcript to a file instead of stdout")

	rootCmd.AddCommand(transcribeCmd)
}

func runTranscribe(cmd *cobra.Command, args []string) error {
	inputPath := args[0]

	absPath, err := filepath.Abs(inputPath)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}
	if _, err := os.Stat(absPath); os.IsNotExist(err) {
		return fmt.Errorf("file not found: %s", inputPath)
	}

	cfg := config.Default()
	cfg.ApplyEnv()
	if cmd.Flags().Changed("checkpoint") {
		cfg.CheckpointPath = transcribeCheckpoint
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m, ckpt, err := train.LoadModel(cfg.CheckpointPath)
	if err != nil {
		return err
	}
	slog.Debug("checkpoint loaded", "run_id", ckpt.RunID, "created_at", ckpt.CreatedAt)

	ffmpeg.LogMediaInfo(ctx, absPath)

	wavPath := absPath
	if ext := strings.ToLower(filepath.Ext(absPath)); ext != ".wav" {
		if !ffmpeg.Available() {
			return fmt.Errorf("input %s is not a wav file and ffmpeg is not installed", inputPath)
		}
		converted, cleanup, err := ffmpeg.ConvertToWAV(ctx, absPath, cfg.SampleRate)
		if err != nil {
			return err
		}
		defer cleanup()
		wavPath = converted
	}

	// The featurizer must reproduce the geometry the model was trained on.
	settings := cfg.SpectrogramSettings
	settings.PadFrames = m.SpecFrames()
	if settings.FFTBins() != m.SpecBins() {
		return fmt.Errorf("checkpoint expects %d frequency bins, configuration yields %d",
			m.SpecBins(), settings.FFTBins())
	}

	feat := audio.NewFeaturizer(settings)
	spec, err := feat.FeaturizeWAV(wavPath, cfg.SampleRate)
	if err != nil {
		return err
	}

	slog.Info("transcribing", "input", filepath.Base(inputPath))
	ids := m.Generate(spec, vocab.StartID, vocab.EndID)

	table := vocab.New(m.Config().MaxTargetLen)
	text := cleanTranscript(table.Decode(ids))

	if transcribeOutput != "" {
		if err := os.WriteFile(transcribeOutput, []byte(text+"\n"), 0o644); err != nil {
			return fmt.Errorf("write transcript: %w", err)
		}
		if !quiet {
			slog.Info("transcript written", "output", transcribeOutput)
		}
		return nil
	}
	fmt.Println(text)
	return nil
}

// cleanTranscript strips the sequence markers and padding from a decoded
// token string, leaving only the transcript characters.
func cleanTranscript(raw string) string {
	raw = strings.TrimPrefix(raw, "<")
	if i := strings.IndexByte(raw, '>'); i >= 0 {
		raw = raw[:i]
	}
	return strings.ReplaceAll(raw, "-", "")
}
