// Package dataset batches corpus samples into model-ready tensors,
// featurizing audio concurrently while preserving sample order.
package dataset

import (
	"context"
	"fmt"
	"math/rand"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"speechformer/internal/audio"
	"speechformer/internal/corpus"
	"speechformer/internal/vocab"
)

// Batch holds one training batch. Source[i] is the spectrogram for the
// i-th sample and Target[i] its vectorized transcript, always the same
// length as the vocabulary table's max length.
type Batch struct {
	Source []*mat.Dense
	Target [][]int
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int { return len(b.Source) }

// Options control how a Loader walks and featurizes the corpus.
type Options struct {
	BatchSize int
	Workers   int  // concurrent featurizations per batch
	Prefetch  int  // batches buffered ahead of the consumer
	Shuffle   bool // reorder samples each Stream call
	Seed      int64
}

// Loader turns corpus samples into batches of spectrograms and token ids.
type Loader struct {
	samples    []corpus.Sample
	featurizer *audio.Featurizer
	table      *vocab.Table
	sampleRate int
	opts       Options
}

// NewLoader builds a Loader over samples. sampleRate is the rate the
// featurizer expects; files at other rates are resampled on load.
func NewLoader(samples []corpus.Sample, f *audio.Featurizer, table *vocab.Table, sampleRate int, opts Options) *Loader {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Prefetch < 0 {
		opts.Prefetch = 0
	}
	return &Loader{
		samples:    samples,
		featurizer: f,
		table:      table,
		sampleRate: sampleRate,
		opts:       opts,
	}
}

// Len returns the number of samples.
func (l *Loader) Len() int { return len(l.samples) }

// Batches returns the number of batches one pass over the samples yields.
func (l *Loader) Batches() int {
	if len(l.samples) == 0 {
		return 0
	}
	return (len(l.samples) + l.opts.BatchSize - 1) / l.opts.BatchSize
}

// Stream starts producing batches in the background and returns a handle
// for consuming them. The final batch may be smaller than BatchSize.
func (l *Loader) Stream(ctx context.Context) *Stream {
	g, ctx := errgroup.WithContext(ctx)
	s := &Stream{ch: make(chan *Batch, l.opts.Prefetch), g: g}

	g.Go(func() error {
		defer close(s.ch)
		order := l.order()
		for start := 0; start < len(order); start += l.opts.BatchSize {
			end := min(start+l.opts.BatchSize, len(order))
			batch, err := l.build(ctx, order[start:end])
			if err != nil {
				return err
			}
			select {
			case s.ch <- batch:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
	return s
}

func (l *Loader) order() []int {
	idx := make([]int, len(l.samples))
	for i := range idx {
		idx[i] = i
	}
	if l.opts.Shuffle {
		rng := rand.New(rand.NewSource(l.opts.Seed))
		rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
	}
	return idx
}

// build featurizes one batch worth of samples. Each worker writes to its
// own slot, so batch order matches the walk order without locking.
func (l *Loader) build(ctx context.Context, idx []int) (*Batch, error) {
	batch := &Batch{
		Source: make([]*mat.Dense, len(idx)),
		Target: make([][]int, len(idx)),
	}

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(l.opts.Workers)
	for slot, i := range idx {
		slot, sample := slot, l.samples[i]
		g.Go(func() error {
			spec, err := l.featurizer.FeaturizeWAV(sample.Path, l.sampleRate)
			if err != nil {
				return fmt.Errorf("featurize %s: %w", sample.ID, err)
			}
			batch.Source[slot] = spec
			batch.Target[slot] = l.table.Vectorize(sample.Text)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return batch, nil
}

// Stream is a consumable sequence of batches produced by Loader.Stream.
type Stream struct {
	ch chan *Batch
	g  *errgroup.Group
}

// Next returns the next batch, or false once the stream is exhausted or
// failed. Check Err after the final Next.
func (s *Stream) Next() (*Batch, bool) {
	b, ok := <-s.ch
	return b, ok
}

// Err blocks until the producer finishes and reports its error, if any.
func (s *Stream) Err() error {
	return s.g.Wait()
}
