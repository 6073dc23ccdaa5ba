package autodiff

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// CrossEntropy computes categorical cross entropy from logits against target
// class ids, with label smoothing, averaged over the positions where mask is
// true. Masked-out positions contribute nothing to the loss or the gradient.
// The softmax is fused in for numerical stability. Returns a 1×1 node.
func (t *Tape) CrossEntropy(logits *Node, targets []int, mask []bool, smoothing float64) *Node {
	r, c := logits.Value.Dims()

	var count float64
	for _, m := range mask {
		if m {
			count++
		}
	}
	denom := count
	if denom == 0 {
		denom = 1
	}

	on := 1 - smoothing + smoothing/float64(c)
	off := smoothing / float64(c)

	probs := mat.NewDense(r, c, nil)
	var total float64
	for i := 0; i < r; i++ {
		if !mask[i] {
			continue
		}

		max := logits.Value.At(i, 0)
		for j := 1; j < c; j++ {
			if x := logits.Value.At(i, j); x > max {
				max = x
			}
		}
		var sum float64
		for j := 0; j < c; j++ {
			e := math.Exp(logits.Value.At(i, j) - max)
			probs.Set(i, j, e)
			sum += e
		}
		logSum := math.Log(sum)
		for j := 0; j < c; j++ {
			probs.Set(i, j, probs.At(i, j)/sum)

			q := off
			if j == targets[i] {
				q = on
			}
			total -= q * (logits.Value.At(i, j) - max - logSum)
		}
	}

	n := &Node{Value: mat.NewDense(1, 1, []float64{total / denom})}
	n.back = func() {
		seed := n.Grad().At(0, 0)
		lg := logits.Grad()
		for i := 0; i < r; i++ {
			if !mask[i] {
				continue
			}
			for j := 0; j < c; j++ {
				q := off
				if j == targets[i] {
					q = on
				}
				lg.Set(i, j, lg.At(i, j)+seed*(probs.At(i, j)-q)/denom)
			}
		}
	}
	return t.record(n)
}
