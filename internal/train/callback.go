package train

import (
	"fmt"
	"io"
	"os"
	"strings"

	"gonum.org/v1/gonum/mat"

	"speechformer/internal/dataset"
	"speechformer/internal/vocab"
)

// Metrics summarizes one completed epoch.
type Metrics struct {
	TrainLoss    float64
	ValLoss      float64
	LearningRate float64
}

// Callback observes epoch boundaries during training.
type Callback interface {
	OnEpochEnd(epoch int, m Metrics)
}

// Generator produces a token sequence for one spectrogram. A trained
// Transformer satisfies it.
type Generator interface {
	Generate(spec *mat.Dense, startID, endID int) []int
}

// DisplayOutputs prints greedy transcriptions of a held-out batch every few
// epochs, pairing each model prediction with its reference text.
type DisplayOutputs struct {
	// Every sets the epoch cadence. Epoch numbers divisible by it print.
	Every int
	// Out receives the report, os.Stdout unless replaced.
	Out io.Writer

	batch *dataset.Batch
	table *vocab.Table
	gen   Generator
}

// NewDisplayOutputs builds the callback around a fixed batch, printing every
// fifth epoch to standard output.
func NewDisplayOutputs(batch *dataset.Batch, table *vocab.Table, gen Generator) *DisplayOutputs {
	return &DisplayOutputs{Every: 5, Out: os.Stdout, batch: batch, table: table, gen: gen}
}

// OnEpochEnd transcribes the held batch and prints target and prediction
// pairs. Padding is stripped from targets; predictions end after the first
// end marker the model emits.
func (d *DisplayOutputs) OnEpochEnd(epoch int, _ Metrics) {
	if d.Every <= 0 || epoch%d.Every != 0 {
		return
	}
	for i, spec := range d.batch.Source {
		preds := d.gen.Generate(spec, vocab.StartID, vocab.EndID)
		target := strings.ReplaceAll(d.table.Decode(d.batch.Target[i]), "-", "")
		fmt.Fprintf(d.Out, "target:     %s\n", target)
		fmt.Fprintf(d.Out, "prediction: %s\n\n", d.table.Decode(preds))
	}
}
