package model

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"speechformer/internal/autodiff"
)

const layerNormEps = 1e-6

// builder allocates named parameters and keeps the registry the optimizer
// and checkpoints operate on. Construction order is deterministic.
type builder struct {
	rng    *rand.Rand
	params []*autodiff.Param
}

func newBuilder(seed int64) *builder {
	return &builder{rng: rand.New(rand.NewSource(seed))}
}

func (b *builder) add(name string, m *mat.Dense) *autodiff.Param {
	p := autodiff.NewParam(name, m)
	b.params = append(b.params, p)
	return p
}

// glorot draws from U(-l, l) with l = sqrt(6/(fanIn+fanOut)).
func (b *builder) glorot(name string, r, c int) *autodiff.Param {
	limit := math.Sqrt(6 / float64(r+c))
	m := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			m.Set(i, j, (2*b.rng.Float64()-1)*limit)
		}
	}
	return b.add(name, m)
}

// uniform draws from U(-scale, scale), the embedding-table default.
func (b *builder) uniform(name string, r, c int, scale float64) *autodiff.Param {
	m := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			m.Set(i, j, (2*b.rng.Float64()-1)*scale)
		}
	}
	return b.add(name, m)
}

func (b *builder) zeros(name string, r, c int) *autodiff.Param {
	return b.add(name, mat.NewDense(r, c, nil))
}

func (b *builder) onesRow(name string, c int) *autodiff.Param {
	m := mat.NewDense(1, c, nil)
	for j := 0; j < c; j++ {
		m.Set(0, j, 1)
	}
	return b.add(name, m)
}

// dense is a fully connected layer with bias.
type dense struct {
	w *autodiff.Param
	b *autodiff.Param
}

func newDense(b *builder, name string, in, out int) *dense {
	return &dense{
		w: b.glorot(name+".w", in, out),
		b: b.zeros(name+".b", 1, out),
	}
}

func (d *dense) forward(t *autodiff.Tape, x *autodiff.Node) *autodiff.Node {
	return t.AddRow(t.MatMul(x, t.Use(d.w)), t.Use(d.b))
}

// layerNorm standardizes rows with learned scale and shift.
type layerNorm struct {
	gamma *autodiff.Param
	beta  *autodiff.Param
}

func newLayerNorm(b *builder, name string, dim int) *layerNorm {
	return &layerNorm{
		gamma: b.onesRow(name+".gamma", dim),
		beta:  b.zeros(name+".beta", 1, dim),
	}
}

func (l *layerNorm) forward(t *autodiff.Tape, x *autodiff.Node) *autodiff.Node {
	return t.LayerNorm(x, t.Use(l.gamma), t.Use(l.beta), layerNormEps)
}

// feedForward is the two-layer ReLU block used by both stacks.
type feedForward struct {
	hidden *dense
	out    *dense
}

func newFeedForward(b *builder, name string, dim, hidden int) *feedForward {
	return &feedForward{
		hidden: newDense(b, name+".hidden", dim, hidden),
		out:    newDense(b, name+".out", hidden, dim),
	}
}

func (f *feedForward) forward(t *autodiff.Tape, x *autodiff.Node) *autodiff.Node {
	return f.out.forward(t, t.ReLU(f.hidden.forward(t, x)))
}

// conv is one ReLU conv stage of the spectrogram subsampler.
type conv struct {
	kernel *autodiff.Param
	bias   *autodiff.Param
	size   int
	stride int
}

func newConv(b *builder, name string, in, out, size, stride int) *conv {
	return &conv{
		kernel: b.glorot(name+".kernel", size*in, out),
		bias:   b.zeros(name+".bias", 1, out),
		size:   size,
		stride: stride,
	}
}

func (c *conv) forward(t *autodiff.Tape, x *autodiff.Node) *autodiff.Node {
	return t.ReLU(t.Conv1D(x, t.Use(c.kernel), t.Use(c.bias), c.size, c.stride))
}
