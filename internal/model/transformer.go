package model

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"speechformer/internal/autodiff"
	"speechformer/internal/config"
)

// Transformer is the sequence-to-sequence transcription model: a conv
// subsampler plus transformer encoder over spectrogram frames, a causal
// transformer decoder over target tokens, and a linear classifier producing
// per-position class logits.
type Transformer struct {
	cfg        config.ModelSettings
	specFrames int
	specBins   int

	speechEmb  *speechEmbedding
	encoder    []*encoderLayer
	tokenEmb   *tokenEmbedding
	decoder    []*decoderLayer
	classifier *dense

	params []*autodiff.Param
}

// New builds a Transformer with freshly initialized weights. specFrames and
// specBins fix the input spectrogram geometry; seed drives initialization.
func New(cfg config.ModelSettings, specFrames, specBins int, seed int64) *Transformer {
	b := newBuilder(seed)
	m := &Transformer{cfg: cfg, specFrames: specFrames, specBins: specBins}

	m.speechEmb = newSpeechEmbedding(b, "speech_emb", specBins, cfg.NumHid, SubsampledLen(specFrames))
	for i := 0; i < cfg.NumLayersEnc; i++ {
		m.encoder = append(m.encoder,
			newEncoderLayer(b, fmt.Sprintf("enc%d", i), cfg.NumHead, cfg.NumHid, cfg.NumFeedForward, cfg.DropoutRate))
	}

	m.tokenEmb = newTokenEmbedding(b, "token_emb", cfg.NumClasses, cfg.MaxTargetLen, cfg.NumHid)
	for i := 0; i < cfg.NumLayersDec; i++ {
		m.decoder = append(m.decoder,
			newDecoderLayer(b, fmt.Sprintf("dec%d", i), cfg.NumHead, cfg.NumHid, cfg.NumFeedForward, cfg.DropoutRate))
	}
	m.classifier = newDense(b, "classifier", cfg.NumHid, cfg.NumClasses)

	m.params = b.params
	return m
}

// SubsampledLen returns the encoder sequence length produced from the given
// number of spectrogram frames by the three stride-2 conv stages.
func SubsampledLen(frames int) int {
	for i := 0; i < 3; i++ {
		frames = (frames + convStride - 1) / convStride
	}
	return frames
}

// Params returns every trainable parameter in construction order.
func (m *Transformer) Params() []*autodiff.Param { return m.params }

// Config returns the dimensions the model was built with.
func (m *Transformer) Config() config.ModelSettings { return m.cfg }

// SpecFrames returns the spectrogram time dimension the model expects.
func (m *Transformer) SpecFrames() int { return m.specFrames }

// SpecBins returns the spectrogram frequency dimension the model expects.
func (m *Transformer) SpecBins() int { return m.specBins }

// ParamCount returns the total number of trainable scalars.
func (m *Transformer) ParamCount() int {
	total := 0
	for _, p := range m.params {
		r, c := p.Value.Dims()
		total += r * c
	}
	return total
}

// Encode runs the conv subsampler and encoder stack over one spectrogram.
func (m *Transformer) Encode(t *autodiff.Tape, spec *mat.Dense) *autodiff.Node {
	x := m.speechEmb.forward(t, t.Constant(spec))
	for _, layer := range m.encoder {
		x = layer.forward(t, x)
	}
	return x
}

// Decode runs the token embedding and decoder stack over target ids against
// the encoded source.
func (m *Transformer) Decode(t *autodiff.Tape, encOut *autodiff.Node, ids []int) *autodiff.Node {
	causal := CausalMask(len(ids))
	y := m.tokenEmb.forward(t, ids)
	for _, layer := range m.decoder {
		y = layer.forward(t, encOut, y, causal)
	}
	return y
}

// Forward returns per-position class logits for teacher-forced decoding of
// ids over spec. Row i predicts the token following ids[i].
func (m *Transformer) Forward(t *autodiff.Tape, spec *mat.Dense, ids []int) *autodiff.Node {
	enc := m.Encode(t, spec)
	dec := m.Decode(t, enc, ids)
	return m.classifier.forward(t, dec)
}

// Generate greedy-decodes a transcript for spec: starting from startID, it
// repeatedly feeds the grown prefix back through the decoder and appends the
// argmax of the last position, stopping after the end token or once
// MaxTargetLen ids exist.
func (m *Transformer) Generate(spec *mat.Dense, startID, endID int) []int {
	encTape := autodiff.New()
	encOut := m.Encode(encTape, spec).Value

	ids := []int{startID}
	for len(ids) < m.cfg.MaxTargetLen {
		t := autodiff.New()
		dec := m.Decode(t, t.Constant(encOut), ids)
		logits := m.classifier.forward(t, dec)

		rows, _ := logits.Value.Dims()
		next := argmaxRow(logits.Value, rows-1)
		ids = append(ids, next)
		if next == endID {
			break
		}
	}
	return ids
}

func argmaxRow(m *mat.Dense, row int) int {
	_, c := m.Dims()
	best, bestV := 0, math.Inf(-1)
	for j := 0; j < c; j++ {
		if v := m.At(row, j); v > bestV {
			best, bestV = j, v
		}
	}
	return best
}
