package train

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"speechformer/internal/autodiff"
)

// Adam applies the Adam update rule with bias correction. Moment buffers are
// allocated once and kept aligned with the params slice.
type Adam struct {
	Beta1   float64
	Beta2   float64
	Epsilon float64

	params []*autodiff.Param
	m      []*mat.Dense
	v      []*mat.Dense
	step   int
}

// NewAdam readies zeroed moment buffers for params.
func NewAdam(params []*autodiff.Param, beta1, beta2, epsilon float64) *Adam {
	a := &Adam{
		Beta1:   beta1,
		Beta2:   beta2,
		Epsilon: epsilon,
		params:  params,
		m:       make([]*mat.Dense, len(params)),
		v:       make([]*mat.Dense, len(params)),
	}
	for i, p := range params {
		r, c := p.Value.Dims()
		a.m[i] = mat.NewDense(r, c, nil)
		a.v[i] = mat.NewDense(r, c, nil)
	}
	return a
}

// Step applies one update at learning rate lr using the gradient currently
// held by each parameter. Gradients are left untouched.
func (a *Adam) Step(lr float64) {
	a.step++
	bc1 := 1 - math.Pow(a.Beta1, float64(a.step))
	bc2 := 1 - math.Pow(a.Beta2, float64(a.step))

	for i, p := range a.params {
		w := p.Value.RawMatrix().Data
		g := p.Grad.RawMatrix().Data
		m := a.m[i].RawMatrix().Data
		v := a.v[i].RawMatrix().Data
		for j := range w {
			m[j] = a.Beta1*m[j] + (1-a.Beta1)*g[j]
			v[j] = a.Beta2*v[j] + (1-a.Beta2)*g[j]*g[j]
			w[j] -= lr * (m[j] / bc1) / (math.Sqrt(v[j]/bc2) + a.Epsilon)
		}
	}
}
