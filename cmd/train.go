package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"speechformer/internal/audio"
	"speechformer/internal/config"
	"speechformer/internal/corpus"
	"speechformer/internal/dataset"
	"speechformer/internal/model"
	"speechformer/internal/train"
	"speechformer/internal/vocab"
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train the transcription model on LJSpeech",
	Long: `Train downloads the corpus when missing, splits it into train and
validation sets, then optimizes the transformer with Adam on a warmup and
decay schedule. A checkpoint is written after every epoch.`,
	Args: cobra.NoArgs,
	RunE: runTrain,
}

var (
	trainDataDir    string
	trainEpochs     int
	trainBatchSize  int
	trainValBatch   int
	trainWorkers    int
	trainCheckpoint string
	trainSeed       int64
	trainLimitRate  int
	trainDisplay    int
	trainShuffle    bool

	// Schedule tuning flags.
	trainInitLR        float64
	trainLRAfterWarmup float64
	trainFinalLR       float64
	trainWarmupEpochs  int
	trainDecayEpochs   int

	// Model dimension flags.
	trainNumHid    int
	trainNumHead   int
	trainNumFF     int
	trainEncLayers int
	trainDecLayers int
)

func init() {
	defaults := config.Default()

	trainCmd.Flags().StringVar(&trainDataDir, "data-dir", defaults.DataDir, "directory for corpus downloads")
	trainCmd.Flags().IntVar(&trainEpochs, "epochs", defaults.Epochs, "training epochs")
	trainCmd.Flags().IntVarP(&trainBatchSize, "batch-size", "b", defaults.BatchSize, "training batch size")
	trainCmd.Flags().IntVar(&trainValBatch, "val-batch-size", defaults.ValBatchSize, "validation batch size")
	trainCmd.Flags().IntVarP(&trainWorkers, "workers", "j", defaults.Workers, "concurrent per-sample workers")
	trainCmd.Flags().StringVar(&trainCheckpoint, "checkpoint", defaults.CheckpointPath, "checkpoint output path")
	trainCmd.Flags().Int64Var(&trainSeed, "seed", defaults.Seed, "weight initialization seed")
	trainCmd.Flags().IntVar(&trainLimitRate, "limit-rate", 0, "download rate limit in bytes/s (0 = unlimited)")
	trainCmd.Flags().IntVar(&trainDisplay, "display-every", defaults.DisplayEvery, "epochs between sample transcriptions (0 disables)")
	trainCmd.Flags().BoolVar(&trainShuffle, "shuffle", false, "shuffle training samples each epoch")

	// Schedule tuning flags.
	trainCmd.Flags().Float64Var(&trainInitLR, "init-lr", defaults.InitLR, "learning rate at epoch 0")
	trainCmd.Flags().Float64Var(&trainLRAfterWarmup, "lr-after-warmup", defaults.LRAfterWarmup, "peak learning rate after warmup")
	trainCmd.Flags().Float64Var(&trainFinalLR, "final-lr", defaults.FinalLR, "learning rate floor after decay")
	trainCmd.Flags().IntVar(&trainWarmupEpochs, "warmup-epochs", defaults.WarmupEpochs, "linear warmup length in epochs")
	trainCmd.Flags().IntVar(&trainDecayEpochs, "decay-epochs", defaults.DecayEpochs, "linear decay length in epochs")

	// Model dimension flags.
	trainCmd.Flags().IntVar(&trainNumHid, "num-hid", defaults.NumHid, "model width")
	trainCmd.Flags().IntVar(&trainNumHead, "num-head", defaults.NumHead, "attention heads")
	trainCmd.Flags().IntVar(&trainNumFF, "num-ff", defaults.NumFeedForward, "feed-forward width")
	trainCmd.Flags().IntVar(&trainEncLayers, "enc-layers", defaults.NumLayersEnc, "encoder layers")
	trainCmd.Flags().IntVar(&trainDecLayers, "dec-layers", defaults.NumLayersDec, "decoder layers")

	rootCmd.AddCommand(trainCmd)
}

func runTrain(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	cfg.ApplyEnv()
	cfg.Epochs = trainEpochs
	cfg.BatchSize = trainBatchSize
	cfg.ValBatchSize = trainValBatch
	cfg.Workers = trainWorkers
	cfg.Seed = trainSeed
	cfg.DisplayEvery = trainDisplay
	cfg.InitLR = trainInitLR
	cfg.LRAfterWarmup = trainLRAfterWarmup
	cfg.FinalLR = trainFinalLR
	cfg.WarmupEpochs = trainWarmupEpochs
	cfg.DecayEpochs = trainDecayEpochs
	cfg.NumHid = trainNumHid
	cfg.NumHead = trainNumHead
	cfg.NumFeedForward = trainNumFF
	cfg.NumLayersEnc = trainEncLayers
	cfg.NumLayersDec = trainDecLayers
	if cmd.Flags().Changed("data-dir") {
		cfg.DataDir = trainDataDir
	}
	if cmd.Flags().Changed("checkpoint") {
		cfg.CheckpointPath = trainCheckpoint
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	samples, err := prepareCorpus(ctx, cfg, trainLimitRate, false)
	if err != nil {
		return err
	}

	trainSamples, valSamples := corpus.Split(samples, cfg.TrainFrac)
	slog.Info("corpus split", "train", len(trainSamples), "val", len(valSamples))
	if len(trainSamples) == 0 || len(valSamples) == 0 {
		return fmt.Errorf("corpus too small to split: %d samples", len(samples))
	}

	table := vocab.New(cfg.MaxTargetLen)
	feat := audio.NewFeaturizer(cfg.SpectrogramSettings)

	trainLoader := dataset.NewLoader(trainSamples, feat, table, cfg.SampleRate, dataset.Options{
		BatchSize: cfg.BatchSize,
		Workers:   cfg.Workers,
		Prefetch:  cfg.Prefetch,
		Shuffle:   trainShuffle,
		Seed:      cfg.Seed,
	})
	valLoader := dataset.NewLoader(valSamples, feat, table, cfg.SampleRate, dataset.Options{
		BatchSize: cfg.ValBatchSize,
		Workers:   cfg.Workers,
		Prefetch:  cfg.Prefetch,
	})

	m := model.New(cfg.ModelSettings, cfg.PadFrames, cfg.FFTBins(), cfg.Seed)
	runID := uuid.NewString()
	slog.Info("model built", "params", m.ParamCount(), "run_id", runID)

	var callbacks []train.Callback
	if cfg.DisplayEvery > 0 {
		batch, err := displayBatch(ctx, valSamples, feat, table, cfg)
		if err != nil {
			return err
		}
		display := train.NewDisplayOutputs(batch, table, m)
		display.Every = cfg.DisplayEvery
		callbacks = append(callbacks, display)
	}

	trainer := train.NewTrainer(m, cfg, runID, callbacks...)
	if err := trainer.Train(ctx, trainLoader, valLoader, cfg.Epochs); err != nil {
		return err
	}

	if !quiet {
		slog.Info("done", "checkpoint", cfg.CheckpointPath)
	}
	return nil
}

// displayBatch featurizes the first validation batch once so the progress
// callback reuses it across epochs.
func displayBatch(ctx context.Context, samples []corpus.Sample, feat *audio.Featurizer, table *vocab.Table, cfg *config.Config) (*dataset.Batch, error) {
	n := cfg.ValBatchSize
	if n > len(samples) {
		n = len(samples)
	}
	loader := dataset.NewLoader(samples[:n], feat, table, cfg.SampleRate, dataset.Options{
		BatchSize: n,
		Workers:   cfg.Workers,
	})
	stream := loader.Stream(ctx)
	batch, ok := stream.Next()
	if !ok {
		return nil, fmt.Errorf("featurize display batch: %w", stream.Err())
	}
	return batch, stream.Err()
}
