package model

import (
	"gonum.org/v1/gonum/mat"

	"speechformer/internal/autodiff"
)

// encoderLayer is a post-norm transformer block: self-attention and a
// feed-forward sub-block, each followed by dropout, a residual connection
// and layer normalization.
type encoderLayer struct {
	att     *multiHeadAttention
	ffn     *feedForward
	norm1   *layerNorm
	norm2   *layerNorm
	dropout float64
}

func newEncoderLayer(b *builder, name string, numHead, dim, ffDim int, dropout float64) *encoderLayer {
	return &encoderLayer{
		att:     newMultiHeadAttention(b, name+".att", numHead, dim),
		ffn:     newFeedForward(b, name+".ffn", dim, ffDim),
		norm1:   newLayerNorm(b, name+".norm1", dim),
		norm2:   newLayerNorm(b, name+".norm2", dim),
		dropout: dropout,
	}
}

func (e *encoderLayer) forward(t *autodiff.Tape, x *autodiff.Node) *autodiff.Node {
	att := e.att.forward(t, x, x, nil)
	out1 := e.norm1.forward(t, t.Add(x, t.Dropout(att, e.dropout)))

	ffn := e.ffn.forward(t, out1)
	return e.norm2.forward(t, t.Add(out1, t.Dropout(ffn, e.dropout)))
}

// decoderLayer mirrors the encoder block with two attention sub-layers:
// causal self-attention over the target stream, then cross-attention with
// queries from the target and keys/values from the encoder output.
type decoderLayer struct {
	selfAtt  *multiHeadAttention
	crossAtt *multiHeadAttention
	ffn      *feedForward
	norm1    *layerNorm
	norm2    *layerNorm
	norm3    *layerNorm
	dropout  float64
}

func newDecoderLayer(b *builder, name string, numHead, dim, ffDim int, dropout float64) *decoderLayer {
	return &decoderLayer{
		selfAtt:  newMultiHeadAttention(b, name+".self_att", numHead, dim),
		crossAtt: newMultiHeadAttention(b, name+".cross_att", numHead, dim),
		ffn:      newFeedForward(b, name+".ffn", dim, ffDim),
		norm1:    newLayerNorm(b, name+".norm1", dim),
		norm2:    newLayerNorm(b, name+".norm2", dim),
		norm3:    newLayerNorm(b, name+".norm3", dim),
		dropout:  dropout,
	}
}

func (d *decoderLayer) forward(t *autodiff.Tape, encOut, target *autodiff.Node, causal *mat.Dense) *autodiff.Node {
	self := d.selfAtt.forward(t, target, target, causal)
	out1 := d.norm1.forward(t, t.Add(target, t.Dropout(self, d.dropout)))

	cross := d.crossAtt.forward(t, out1, encOut, nil)
	out2 := d.norm2.forward(t, t.Add(out1, t.Dropout(cross, d.dropout)))

	ffn := d.ffn.forward(t, out2)
	return d.norm3.forward(t, t.Add(out2, t.Dropout(ffn, d.dropout)))
}
