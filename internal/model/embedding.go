package model

import (
	"speechformer/internal/autodiff"
)

// tokenEmbedding sums a token lookup with a learned position lookup. The
// position range follows the actual input length, so shorter sequences use a
// prefix of the table.
type tokenEmbedding struct {
	tokens    *autodiff.Param
	positions *autodiff.Param
}

func newTokenEmbedding(b *builder, name string, vocab, maxLen, dim int) *tokenEmbedding {
	return &tokenEmbedding{
		tokens:    b.uniform(name+".tokens", vocab, dim, 0.05),
		positions: b.uniform(name+".positions", maxLen, dim, 0.05),
	}
}

func (e *tokenEmbedding) forward(t *autodiff.Tape, ids []int) *autodiff.Node {
	pos := make([]int, len(ids))
	for i := range pos {
		pos[i] = i
	}
	return t.Add(t.Gather(t.Use(e.tokens), ids), t.Gather(t.Use(e.positions), pos))
}

// speechEmbedding subsamples the spectrogram with three strided ReLU
// convolutions, cutting the time axis roughly eightfold.
type speechEmbedding struct {
	conv1 *conv
	conv2 *conv
	conv3 *conv

	// positions is allocated and saved with the model but never enters the
	// forward pass.
	// TODO: add the position lookup to the conv3 output and retrain;
	// checkpoints already carry the table.
	positions *autodiff.Param
}

const (
	convKernelSize = 11
	convStride     = 2
)

func newSpeechEmbedding(b *builder, name string, bins, dim, maxLen int) *speechEmbedding {
	return &speechEmbedding{
		conv1:     newConv(b, name+".conv1", bins, dim, convKernelSize, convStride),
		conv2:     newConv(b, name+".conv2", dim, dim, convKernelSize, convStride),
		conv3:     newConv(b, name+".conv3", dim, dim, convKernelSize, convStride),
		positions: b.uniform(name+".positions", maxLen, dim, 0.05),
	}
}

func (s *speechEmbedding) forward(t *autodiff.Tape, spec *autodiff.Node) *autodiff.Node {
	x := s.conv1.forward(t, spec)
	x = s.conv2.forward(t, x)
	return s.conv3.forward(t, x)
}
