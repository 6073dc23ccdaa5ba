// Package autodiff implements reverse-mode automatic differentiation over
// gonum dense matrices. A Tape records every operation in execution order;
// Backward replays the records in reverse, so every node is visited after
// all of its consumers and gradients accumulate into the leaves. Parameter
// leaves share their gradient buffer with the optimizer's view of the
// parameter, or with a private GradSet when tapes run concurrently.
//
// A Tape is single-use and not safe for concurrent use. Run one tape per
// goroutine.
package autodiff

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Param is a named trainable matrix with its accumulated gradient.
type Param struct {
	Name  string
	Value *mat.Dense
	Grad  *mat.Dense
}

// NewParam allocates a named parameter with a zeroed gradient buffer.
func NewParam(name string, value *mat.Dense) *Param {
	r, c := value.Dims()
	return &Param{Name: name, Value: value, Grad: mat.NewDense(r, c, nil)}
}

// ZeroGrad clears the accumulated gradient.
func (p *Param) ZeroGrad() { p.Grad.Zero() }

// Node is one value in a recorded computation.
type Node struct {
	Value *mat.Dense
	grad  *mat.Dense
	back  func()
}

// Grad returns the accumulated gradient, allocating it on first use.
func (n *Node) Grad() *mat.Dense {
	if n.grad == nil {
		r, c := n.Value.Dims()
		n.grad = mat.NewDense(r, c, nil)
	}
	return n.grad
}

// GradSet holds private gradient buffers for a set of parameters, letting
// concurrent tapes accumulate without racing on the shared Param.Grad.
type GradSet struct {
	bufs map[*Param]*mat.Dense
}

// NewGradSet allocates zeroed buffers shaped like each parameter.
func NewGradSet(params []*Param) *GradSet {
	bufs := make(map[*Param]*mat.Dense, len(params))
	for _, p := range params {
		r, c := p.Value.Dims()
		bufs[p] = mat.NewDense(r, c, nil)
	}
	return &GradSet{bufs: bufs}
}

// AddInto adds every buffer into its parameter's shared Grad.
func (g *GradSet) AddInto() {
	for p, buf := range g.bufs {
		p.Grad.Add(p.Grad, buf)
	}
}

// Zero clears all buffers for reuse.
func (g *GradSet) Zero() {
	for _, buf := range g.bufs {
		buf.Zero()
	}
}

// Tape records the operations of one forward pass.
type Tape struct {
	nodes    []*Node
	leaves   map[*Param]*Node
	grads    *GradSet
	rng      *rand.Rand
	training bool
}

// New returns an inference tape: dropout is the identity and no training-only
// behavior runs.
func New() *Tape {
	return &Tape{leaves: make(map[*Param]*Node)}
}

// NewTraining returns a training tape. The seed drives dropout masks, so a
// fixed seed reproduces a pass exactly.
func NewTraining(seed int64) *Tape {
	return &Tape{
		leaves:   make(map[*Param]*Node),
		rng:      rand.New(rand.NewSource(seed)),
		training: true,
	}
}

// Training reports whether dropout and other train-only behavior is active.
func (t *Tape) Training() bool { return t.training }

// BindGrads routes all parameter gradients of this tape into gs instead of
// the shared Param.Grad buffers. Must be called before the first Use.
func (t *Tape) BindGrads(gs *GradSet) { t.grads = gs }

// Use returns the leaf node for p, creating it on first use. The leaf shares
// the parameter's value, and its gradient buffer is either the bound GradSet
// entry or the parameter's own Grad.
func (t *Tape) Use(p *Param) *Node {
	if n, ok := t.leaves[p]; ok {
		return n
	}
	g := p.Grad
	if t.grads != nil {
		if buf, ok := t.grads.bufs[p]; ok {
			g = buf
		}
	}
	n := &Node{Value: p.Value, grad: g}
	t.leaves[p] = n
	return n
}

// Constant wraps an input the loss is never differentiated against.
func (t *Tape) Constant(m *mat.Dense) *Node {
	return &Node{Value: m}
}

func (t *Tape) record(n *Node) *Node {
	t.nodes = append(t.nodes, n)
	return n
}

// Backward seeds the gradient of root, which must be 1x1, with one and walks
// the recorded operations in reverse.
func (t *Tape) Backward(root *Node) {
	if r, c := root.Value.Dims(); r != 1 || c != 1 {
		panic(fmt.Sprintf("autodiff: Backward root must be 1x1, got %dx%d", r, c))
	}
	root.Grad().Set(0, 0, 1)
	for i := len(t.nodes) - 1; i >= 0; i-- {
		if t.nodes[i].back != nil {
			t.nodes[i].back()
		}
	}
}
