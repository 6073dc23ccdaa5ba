package autodiff

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// MatMul multiplies a (m×k) by b (k×n).
func (t *Tape) MatMul(a, b *Node) *Node {
	var v mat.Dense
	v.Mul(a.Value, b.Value)

	n := &Node{Value: &v}
	n.back = func() {
		g := n.Grad()

		var da mat.Dense
		da.Mul(g, b.Value.T())
		a.Grad().Add(a.Grad(), &da)

		var db mat.Dense
		db.Mul(a.Value.T(), g)
		b.Grad().Add(b.Grad(), &db)
	}
	return t.record(n)
}

// MulT multiplies a (m×k) by the transpose of b (n×k), yielding m×n.
func (t *Tape) MulT(a, b *Node) *Node {
	var v mat.Dense
	v.Mul(a.Value, b.Value.T())

	n := &Node{Value: &v}
	n.back = func() {
		g := n.Grad()

		var da mat.Dense
		da.Mul(g, b.Value)
		a.Grad().Add(a.Grad(), &da)

		var db mat.Dense
		db.Mul(g.T(), a.Value)
		b.Grad().Add(b.Grad(), &db)
	}
	return t.record(n)
}

// Add sums two same-shaped nodes.
func (t *Tape) Add(a, b *Node) *Node {
	var v mat.Dense
	v.Add(a.Value, b.Value)

	n := &Node{Value: &v}
	n.back = func() {
		g := n.Grad()
		a.Grad().Add(a.Grad(), g)
		b.Grad().Add(b.Grad(), g)
	}
	return t.record(n)
}

// AddRow adds a 1×n row vector to every row of a.
func (t *Tape) AddRow(a, row *Node) *Node {
	r, c := a.Value.Dims()
	v := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v.Set(i, j, a.Value.At(i, j)+row.Value.At(0, j))
		}
	}

	n := &Node{Value: v}
	n.back = func() {
		g := n.Grad()
		a.Grad().Add(a.Grad(), g)

		rg := row.Grad()
		for j := 0; j < c; j++ {
			var s float64
			for i := 0; i < r; i++ {
				s += g.At(i, j)
			}
			rg.Set(0, j, rg.At(0, j)+s)
		}
	}
	return t.record(n)
}

// Scale multiplies every entry of a by c.
func (t *Tape) Scale(c float64, a *Node) *Node {
	var v mat.Dense
	v.Scale(c, a.Value)

	n := &Node{Value: &v}
	n.back = func() {
		var da mat.Dense
		da.Scale(c, n.Grad())
		a.Grad().Add(a.Grad(), &da)
	}
	return t.record(n)
}

// ReLU clamps negative entries to zero.
func (t *Tape) ReLU(a *Node) *Node {
	var v mat.Dense
	v.Apply(func(_, _ int, x float64) float64 {
		if x > 0 {
			return x
		}
		return 0
	}, a.Value)

	n := &Node{Value: &v}
	n.back = func() {
		g := n.Grad()
		ag := a.Grad()
		r, c := g.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				if a.Value.At(i, j) > 0 {
					ag.Set(i, j, ag.At(i, j)+g.At(i, j))
				}
			}
		}
	}
	return t.record(n)
}

// Dropout zeroes entries with probability rate and scales survivors by
// 1/(1-rate) so expectations match inference, where it is the identity.
func (t *Tape) Dropout(a *Node, rate float64) *Node {
	if !t.training || rate <= 0 {
		return a
	}

	r, c := a.Value.Dims()
	keep := 1 - rate
	mask := mat.NewDense(r, c, nil)
	v := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if t.rng.Float64() < keep {
				mask.Set(i, j, 1/keep)
				v.Set(i, j, a.Value.At(i, j)/keep)
			}
		}
	}

	n := &Node{Value: v}
	n.back = func() {
		var da mat.Dense
		da.MulElem(n.Grad(), mask)
		a.Grad().Add(a.Grad(), &da)
	}
	return t.record(n)
}

// Softmax applies a row-wise softmax. mask, when non-nil, is added to the
// inputs first; -Inf mask entries drop out of the distribution entirely.
// Every row must keep at least one finite entry.
func (t *Tape) Softmax(a *Node, mask *mat.Dense) *Node {
	r, c := a.Value.Dims()
	v := mat.NewDense(r, c, nil)

	for i := 0; i < r; i++ {
		max := math.Inf(-1)
		for j := 0; j < c; j++ {
			x := a.Value.At(i, j)
			if mask != nil {
				x += mask.At(i, j)
			}
			if x > max {
				max = x
			}
		}
		var sum float64
		for j := 0; j < c; j++ {
			x := a.Value.At(i, j)
			if mask != nil {
				x += mask.At(i, j)
			}
			e := math.Exp(x - max)
			v.Set(i, j, e)
			sum += e
		}
		for j := 0; j < c; j++ {
			v.Set(i, j, v.At(i, j)/sum)
		}
	}

	n := &Node{Value: v}
	n.back = func() {
		g := n.Grad()
		ag := a.Grad()
		for i := 0; i < r; i++ {
			var dot float64
			for j := 0; j < c; j++ {
				dot += g.At(i, j) * v.At(i, j)
			}
			for j := 0; j < c; j++ {
				s := v.At(i, j)
				ag.Set(i, j, ag.At(i, j)+s*(g.At(i, j)-dot))
			}
		}
	}
	return t.record(n)
}

// LayerNorm standardizes each row of x and applies a learned per-column
// scale and shift. gamma and beta are 1×n rows.
func (t *Tape) LayerNorm(x, gamma, beta *Node, eps float64) *Node {
	r, c := x.Value.Dims()
	v := mat.NewDense(r, c, nil)
	xhat := mat.NewDense(r, c, nil)
	invStd := make([]float64, r)

	for i := 0; i < r; i++ {
		var sum float64
		for j := 0; j < c; j++ {
			sum += x.Value.At(i, j)
		}
		mean := sum / float64(c)

		var ss float64
		for j := 0; j < c; j++ {
			d := x.Value.At(i, j) - mean
			ss += d * d
		}
		inv := 1 / math.Sqrt(ss/float64(c)+eps)
		invStd[i] = inv

		for j := 0; j < c; j++ {
			h := (x.Value.At(i, j) - mean) * inv
			xhat.Set(i, j, h)
			v.Set(i, j, h*gamma.Value.At(0, j)+beta.Value.At(0, j))
		}
	}

	n := &Node{Value: v}
	n.back = func() {
		g := n.Grad()
		gg := gamma.Grad()
		bg := beta.Grad()
		xg := x.Grad()

		for i := 0; i < r; i++ {
			var meanDx, meanDxXhat float64
			for j := 0; j < c; j++ {
				dx := g.At(i, j) * gamma.Value.At(0, j)
				meanDx += dx
				meanDxXhat += dx * xhat.At(i, j)
			}
			meanDx /= float64(c)
			meanDxXhat /= float64(c)

			for j := 0; j < c; j++ {
				gg.Set(0, j, gg.At(0, j)+g.At(i, j)*xhat.At(i, j))
				bg.Set(0, j, bg.At(0, j)+g.At(i, j))

				dx := g.At(i, j) * gamma.Value.At(0, j)
				xg.Set(i, j, xg.At(i, j)+invStd[i]*(dx-meanDx-xhat.At(i, j)*meanDxXhat))
			}
		}
	}
	return t.record(n)
}

// Gather selects rows of table by index. Duplicate ids accumulate their
// gradients into the same table row.
func (t *Tape) Gather(table *Node, ids []int) *Node {
	_, c := table.Value.Dims()
	v := mat.NewDense(len(ids), c, nil)
	for i, id := range ids {
		v.SetRow(i, mat.Row(nil, id, table.Value))
	}

	n := &Node{Value: v}
	n.back = func() {
		g := n.Grad()
		tg := table.Grad()
		for i, id := range ids {
			for j := 0; j < c; j++ {
				tg.Set(id, j, tg.At(id, j)+g.At(i, j))
			}
		}
	}
	return t.record(n)
}

// ColSlice takes columns [from, to) of a.
func (t *Tape) ColSlice(a *Node, from, to int) *Node {
	r, _ := a.Value.Dims()
	w := to - from
	v := mat.NewDense(r, w, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < w; j++ {
			v.Set(i, j, a.Value.At(i, from+j))
		}
	}

	n := &Node{Value: v}
	n.back = func() {
		g := n.Grad()
		ag := a.Grad()
		for i := 0; i < r; i++ {
			for j := 0; j < w; j++ {
				ag.Set(i, from+j, ag.At(i, from+j)+g.At(i, j))
			}
		}
	}
	return t.record(n)
}

// ColConcat concatenates nodes with equal row counts along columns.
func (t *Tape) ColConcat(parts ...*Node) *Node {
	r, _ := parts[0].Value.Dims()
	total := 0
	for _, p := range parts {
		_, c := p.Value.Dims()
		total += c
	}

	v := mat.NewDense(r, total, nil)
	off := 0
	for _, p := range parts {
		_, c := p.Value.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				v.Set(i, off+j, p.Value.At(i, j))
			}
		}
		off += c
	}

	n := &Node{Value: v}
	n.back = func() {
		g := n.Grad()
		off := 0
		for _, p := range parts {
			_, c := p.Value.Dims()
			pg := p.Grad()
			for i := 0; i < r; i++ {
				for j := 0; j < c; j++ {
					pg.Set(i, j, pg.At(i, j)+g.At(i, off+j))
				}
			}
			off += c
		}
	}
	return t.record(n)
}

// Conv1D convolves the rows of x (time steps) with SAME padding. kernel is
// laid out (kernelSize*inChannels)×outChannels with tap k, input channel c at
// row k*inChannels+c; bias is 1×outChannels. The output has ceil(T/stride)
// rows.
func (t *Tape) Conv1D(x, kernel, bias *Node, kernelSize, stride int) *Node {
	tIn, cIn := x.Value.Dims()
	_, cOut := kernel.Value.Dims()

	tOut := (tIn + stride - 1) / stride
	padTotal := (tOut-1)*stride + kernelSize - tIn
	if padTotal < 0 {
		padTotal = 0
	}
	padLeft := padTotal / 2

	// im2col: output step ti gathers the window starting at ti*stride-padLeft.
	cols := mat.NewDense(tOut, kernelSize*cIn, nil)
	for ti := 0; ti < tOut; ti++ {
		base := ti*stride - padLeft
		for k := 0; k < kernelSize; k++ {
			src := base + k
			if src < 0 || src >= tIn {
				continue
			}
			for c := 0; c < cIn; c++ {
				cols.Set(ti, k*cIn+c, x.Value.At(src, c))
			}
		}
	}

	v := mat.NewDense(tOut, cOut, nil)
	v.Mul(cols, kernel.Value)
	for i := 0; i < tOut; i++ {
		for j := 0; j < cOut; j++ {
			v.Set(i, j, v.At(i, j)+bias.Value.At(0, j))
		}
	}

	n := &Node{Value: v}
	n.back = func() {
		g := n.Grad()

		var dk mat.Dense
		dk.Mul(cols.T(), g)
		kernel.Grad().Add(kernel.Grad(), &dk)

		bg := bias.Grad()
		for j := 0; j < cOut; j++ {
			var s float64
			for i := 0; i < tOut; i++ {
				s += g.At(i, j)
			}
			bg.Set(0, j, bg.At(0, j)+s)
		}

		var dcols mat.Dense
		dcols.Mul(g, kernel.Value.T())
		xg := x.Grad()
		for ti := 0; ti < tOut; ti++ {
			base := ti*stride - padLeft
			for k := 0; k < kernelSize; k++ {
				src := base + k
				if src < 0 || src >= tIn {
					continue
				}
				for c := 0; c < cIn; c++ {
					xg.Set(src, c, xg.At(src, c)+dcols.At(ti, k*cIn+c))
				}
			}
		}
	}
	return t.record(n)
}
