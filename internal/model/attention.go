package model

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"speechformer/internal/autodiff"
)

// multiHeadAttention projects queries, keys and values into numHead heads of
// keyDim columns each, attends per head with scaled dot products, and mixes
// the concatenated heads back to the model width. keyDim equals the model
// width, so the inner projection is numHead times wider than the input.
type multiHeadAttention struct {
	numHead int
	keyDim  int

	query *dense
	key   *dense
	value *dense
	out   *dense
}

func newMultiHeadAttention(b *builder, name string, numHead, modelDim int) *multiHeadAttention {
	inner := numHead * modelDim
	return &multiHeadAttention{
		numHead: numHead,
		keyDim:  modelDim,
		query:   newDense(b, name+".query", modelDim, inner),
		key:     newDense(b, name+".key", modelDim, inner),
		value:   newDense(b, name+".value", modelDim, inner),
		out:     newDense(b, name+".out", inner, modelDim),
	}
}

// forward attends queries built from q over keys and values built from kv.
// mask, when non-nil, is added to the attention scores before the softmax.
func (m *multiHeadAttention) forward(t *autodiff.Tape, q, kv *autodiff.Node, mask *mat.Dense) *autodiff.Node {
	qp := m.query.forward(t, q)
	kp := m.key.forward(t, kv)
	vp := m.value.forward(t, kv)

	scale := 1 / math.Sqrt(float64(m.keyDim))
	heads := make([]*autodiff.Node, m.numHead)
	for h := 0; h < m.numHead; h++ {
		from, to := h*m.keyDim, (h+1)*m.keyDim
		qh := t.ColSlice(qp, from, to)
		kh := t.ColSlice(kp, from, to)
		vh := t.ColSlice(vp, from, to)

		scores := t.Scale(scale, t.MulT(qh, kh))
		att := t.Softmax(scores, mask)
		heads[h] = t.MatMul(att, vh)
	}

	return m.out.forward(t, t.ColConcat(heads...))
}

// CausalMask returns an additive attention mask that blocks every position
// from attending past itself.
func CausalMask(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	neg := math.Inf(-1)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			m.Set(i, j, neg)
		}
	}
	return m
}
