// Package train drives the optimization loop: per-sample backpropagation
// fanned out across workers, gradient averaging per batch, Adam updates on a
// warmup and decay schedule, plus checkpointing and epoch callbacks.
package train

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"speechformer/internal/autodiff"
	"speechformer/internal/config"
	"speechformer/internal/dataset"
	"speechformer/internal/model"
	"speechformer/internal/vocab"
)

// Trainer owns one training run over a model.
type Trainer struct {
	model     *model.Transformer
	opt       *Adam
	schedule  *Schedule
	smoothing float64
	workers   int
	seed      int64

	checkpointPath string
	runID          string
	callbacks      []Callback

	// gradPool hands each worker a private gradient accumulator so
	// backpropagation never contends on the shared parameter buffers.
	gradPool chan *autodiff.GradSet
	tapeSeq  atomic.Int64

	step   int
	lastLR float64
}

// NewTrainer wires a Trainer from the experiment configuration. runID tags
// the checkpoints this run writes.
func NewTrainer(m *model.Transformer, cfg *config.Config, runID string, callbacks ...Callback) *Trainer {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	t := &Trainer{
		model:          m,
		opt:            NewAdam(m.Params(), cfg.Beta1, cfg.Beta2, cfg.Epsilon),
		schedule:       NewSchedule(cfg),
		smoothing:      cfg.LabelSmoothing,
		workers:        workers,
		seed:           cfg.Seed,
		checkpointPath: cfg.CheckpointPath,
		runID:          runID,
		callbacks:      callbacks,
		gradPool:       make(chan *autodiff.GradSet, workers),
	}
	for i := 0; i < workers; i++ {
		t.gradPool <- autodiff.NewGradSet(m.Params())
	}
	return t
}

// Step returns the number of optimizer updates applied so far.
func (t *Trainer) Step() int { return t.step }

// Train runs epochs of optimization over train, evaluating on val after each
// epoch. A checkpoint is written per epoch when a path is configured.
func (t *Trainer) Train(ctx context.Context, train, val *dataset.Loader, epochs int) error {
	slog.Info("training started",
		"params", t.model.ParamCount(),
		"train_samples", train.Len(),
		"val_samples", val.Len(),
		"workers", t.workers,
	)

	for epoch := 0; epoch < epochs; epoch++ {
		start := time.Now()
		trainLoss, err := t.runEpoch(ctx, train)
		if err != nil {
			return fmt.Errorf("epoch %d: %w", epoch, err)
		}
		valLoss, err := t.Evaluate(ctx, val)
		if err != nil {
			return fmt.Errorf("epoch %d validation: %w", epoch, err)
		}

		m := Metrics{TrainLoss: trainLoss, ValLoss: valLoss, LearningRate: t.lastLR}
		slog.Info("epoch complete",
			"epoch", epoch,
			"loss", fmt.Sprintf("%.4f", trainLoss),
			"val_loss", fmt.Sprintf("%.4f", valLoss),
			"lr", t.lastLR,
			"took", time.Since(start).Round(time.Second),
		)
		for _, cb := range t.callbacks {
			cb.OnEpochEnd(epoch, m)
		}

		if t.checkpointPath != "" {
			if err := SaveCheckpoint(t.checkpointPath, t.model, t.runID); err != nil {
				return fmt.Errorf("epoch %d: %w", epoch, err)
			}
			slog.Debug("checkpoint written", "path", t.checkpointPath, "epoch", epoch)
		}
	}
	return nil
}

func (t *Trainer) runEpoch(ctx context.Context, loader *dataset.Loader) (float64, error) {
	stream := loader.Stream(ctx)
	var sum float64
	var count int
	for {
		batch, ok := stream.Next()
		if !ok {
			break
		}
		loss, err := t.trainBatch(ctx, batch)
		if err != nil {
			return 0, err
		}
		sum += loss * float64(batch.Size())
		count += batch.Size()
		slog.Debug("step", "step", t.step, "loss", fmt.Sprintf("%.4f", loss))
	}
	if err := stream.Err(); err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, nil
	}
	return sum / float64(count), nil
}

// trainBatch backpropagates every sample of the batch concurrently, folds the
// worker accumulators into the shared gradients, then applies one Adam step
// on the batch-averaged gradient at the scheduled rate.
func (t *Trainer) trainBatch(ctx context.Context, batch *dataset.Batch) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	for _, p := range t.model.Params() {
		p.ZeroGrad()
	}

	var (
		mu  sync.Mutex
		sum float64
	)
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(t.workers)
	for i := range batch.Source {
		i := i
		g.Go(func() error {
			gs := <-t.gradPool
			defer func() { t.gradPool <- gs }()

			tape := autodiff.NewTraining(t.seed + t.tapeSeq.Add(1))
			tape.BindGrads(gs)

			decIn, decTarget, mask := shift(batch.Target[i])
			logits := t.model.Forward(tape, batch.Source[i], decIn)
			loss := tape.CrossEntropy(logits, decTarget, mask, t.smoothing)
			tape.Backward(loss)

			mu.Lock()
			sum += loss.Value.At(0, 0)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	// Drain the pool completely before refilling it so every accumulator
	// is folded exactly once.
	sets := make([]*autodiff.GradSet, 0, t.workers)
	for i := 0; i < t.workers; i++ {
		sets = append(sets, <-t.gradPool)
	}
	for _, gs := range sets {
		gs.AddInto()
		gs.Zero()
		t.gradPool <- gs
	}

	scale := 1 / float64(batch.Size())
	for _, p := range t.model.Params() {
		p.Grad.Scale(scale, p.Grad)
	}

	lr := t.schedule.At(t.step)
	t.opt.Step(lr)
	t.lastLR = lr
	t.step++

	return sum / float64(batch.Size()), nil
}

// Evaluate computes the mean per-sample loss over loader without touching
// gradients or the optimizer.
func (t *Trainer) Evaluate(ctx context.Context, loader *dataset.Loader) (float64, error) {
	stream := loader.Stream(ctx)
	var (
		mu    sync.Mutex
		sum   float64
		count int
	)
	for {
		batch, ok := stream.Next()
		if !ok {
			break
		}
		g, _ := errgroup.WithContext(ctx)
		g.SetLimit(t.workers)
		for i := range batch.Source {
			i := i
			g.Go(func() error {
				tape := autodiff.New()
				decIn, decTarget, mask := shift(batch.Target[i])
				logits := t.model.Forward(tape, batch.Source[i], decIn)
				loss := tape.CrossEntropy(logits, decTarget, mask, t.smoothing)

				mu.Lock()
				sum += loss.Value.At(0, 0)
				count++
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return 0, err
		}
	}
	if err := stream.Err(); err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, nil
	}
	return sum / float64(count), nil
}

// shift splits a vectorized transcript into the decoder input and the
// prediction target, offset by one position. mask marks the non-padding
// target positions that count toward the loss.
func shift(target []int) (decIn, decTarget []int, mask []bool) {
	decIn = target[:len(target)-1]
	decTarget = target[1:]
	mask = make([]bool, len(decTarget))
	for i, id := range decTarget {
		mask[i] = id != vocab.PadID
	}
	return decIn, decTarget, mask
}
