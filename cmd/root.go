package cmd

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	verbose bool
	quiet   bool
)

var rootCmd = &cobra.Command{
	Use:   "speechformer",
	Short: "Train and run a character-level speech transcription transformer",
	Long: `Speechformer trains a sequence-to-sequence transformer that maps audio
spectrograms to character transcriptions on the LJSpeech corpus, and
transcribes audio files with a trained checkpoint.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
		loadDotenv()
	},
}

func setupLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	if quiet {
		level = slog.LevelError
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	slog.SetDefault(slog.New(handler))
}

// loadDotenv pulls a .env file into the process environment when one exists.
func loadDotenv() {
	if err := godotenv.Load(); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return
		}
		slog.Debug("dotenv not loaded", "error", err)
	}
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress non-error output")
}
