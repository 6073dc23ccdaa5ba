package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"speechformer/internal/config"
	"speechformer/internal/corpus"
)

var prepareCmd = &cobra.Command{
	Use:   "prepare",
	Short: "Download and unpack the LJSpeech corpus",
	Long: `Prepare downloads the LJSpeech archive, unpacks it under the data
directory and reports how many usable samples it holds. Train runs the same
steps implicitly when the corpus is missing.`,
	Args: cobra.NoArgs,
	RunE: runPrepare,
}

var (
	prepDataDir   string
	prepCorpusURL string
	prepLimitRate int
	prepForce     bool
)

func init() {
	defaults := config.Default()

	prepareCmd.Flags().StringVar(&prepDataDir, "data-dir", defaults.DataDir, "directory for corpus downloads")
	prepareCmd.Flags().StringVar(&prepCorpusURL, "corpus-url", defaults.CorpusURL, "corpus archive URL")
	prepareCmd.Flags().IntVar(&prepLimitRate, "limit-rate", 0, "download rate limit in bytes/s (0 = unlimited)")
	prepareCmd.Flags().BoolVar(&prepForce, "force", false, "download and extract again even if the corpus exists")

	rootCmd.AddCommand(prepareCmd)
}

func runPrepare(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	cfg.ApplyEnv()
	if cmd.Flags().Changed("data-dir") {
		cfg.DataDir = prepDataDir
	}
	if cmd.Flags().Changed("corpus-url") {
		cfg.CorpusURL = prepCorpusURL
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	samples, err := prepareCorpus(ctx, cfg, prepLimitRate, prepForce)
	if err != nil {
		return err
	}

	layout := corpus.LayoutFor(cfg.DataDir, cfg.CorpusURL)
	slog.Info("corpus ready",
		"samples", len(samples),
		"wav_dir", layout.WavDir,
		"metadata", layout.MetadataPath,
	)
	return nil
}

// prepareCorpus makes sure the corpus is on disk and returns its usable
// samples, downloading and extracting the archive when needed.
func prepareCorpus(ctx context.Context, cfg *config.Config, limitRate int, force bool) ([]corpus.Sample, error) {
	layout := corpus.LayoutFor(cfg.DataDir, cfg.CorpusURL)

	if _, err := os.Stat(layout.MetadataPath); err != nil || force {
		if force {
			if err := os.Remove(layout.ArchivePath); err != nil && !os.IsNotExist(err) {
				return nil, fmt.Errorf("remove stale archive: %w", err)
			}
		}
		if err := corpus.Download(ctx, cfg.CorpusURL, layout.ArchivePath, limitRate); err != nil {
			return nil, err
		}
		if err := corpus.Extract(ctx, layout.ArchivePath, cfg.DataDir); err != nil {
			return nil, err
		}
	}

	texts, err := corpus.LoadMetadata(layout.MetadataPath)
	if err != nil {
		return nil, err
	}
	samples := corpus.BuildSamples(layout.WavDir, texts, cfg.MaxTargetLen)
	if len(samples) == 0 {
		return nil, fmt.Errorf("no usable samples under %s", layout.WavDir)
	}
	return samples, nil
}
