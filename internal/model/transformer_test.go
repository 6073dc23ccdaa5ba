package model

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"

	"speechformer/internal/autodiff"
	"speechformer/internal/config"
)

func tinySettings() config.ModelSettings {
	return config.ModelSettings{
		NumHid:         8,
		NumHead:        2,
		NumFeedForward: 16,
		NumLayersEnc:   1,
		NumLayersDec:   1,
		NumClasses:     10,
		MaxTargetLen:   12,
		DropoutRate:    0.1,
	}
}

func randomSpec(seed int64, frames, bins int) *mat.Dense {
	rng := rand.New(rand.NewSource(seed))
	m := mat.NewDense(frames, bins, nil)
	for i := 0; i < frames; i++ {
		for j := 0; j < bins; j++ {
			m.Set(i, j, rng.NormFloat64())
		}
	}
	return m
}

func TestSubsampledLen(t *testing.T) {
	cases := []struct{ in, want int }{
		{2754, 345},
		{100, 13},
		{8, 1},
		{1, 1},
	}
	for _, tc := range cases {
		if got := SubsampledLen(tc.in); got != tc.want {
			t.Errorf("SubsampledLen(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestTransformer_ForwardShapes(t *testing.T) {
	m := New(tinySettings(), 32, 5, 1)

	tape := autodiff.New()
	spec := randomSpec(2, 32, 5)

	enc := m.Encode(tape, spec)
	if r, c := enc.Value.Dims(); r != 4 || c != 8 {
		t.Fatalf("encoder output dims = (%d, %d), want (4, 8)", r, c)
	}

	ids := []int{2, 5, 6, 7, 8, 3, 0, 0, 0, 0, 0}
	logits := m.Forward(tape, spec, ids)
	if r, c := logits.Value.Dims(); r != len(ids) || c != 10 {
		t.Fatalf("logits dims = (%d, %d), want (%d, 10)", r, c, len(ids))
	}
}

func TestTransformer_CausalIndependence(t *testing.T) {
	m := New(tinySettings(), 32, 5, 3)
	spec := randomSpec(4, 32, 5)

	ids := []int{2, 5, 6, 7, 8, 9}
	mutated := append([]int(nil), ids...)
	mutated[5] = 4 // change only the last position

	a := m.Forward(autodiff.New(), spec, ids).Value
	b := m.Forward(autodiff.New(), spec, mutated).Value

	// Positions before the mutation must be bit-identical; the mutated
	// position may change.
	_, c := a.Dims()
	for i := 0; i < 5; i++ {
		for j := 0; j < c; j++ {
			if a.At(i, j) != b.At(i, j) {
				t.Fatalf("logits[%d,%d] changed (%g -> %g) when a later token changed",
					i, j, a.At(i, j), b.At(i, j))
			}
		}
	}

	var moved bool
	for j := 0; j < c; j++ {
		if a.At(5, j) != b.At(5, j) {
			moved = true
		}
	}
	if !moved {
		t.Error("logits at the mutated position did not react to its token")
	}
}

func TestTransformer_GenerateCapsAtMaxLen(t *testing.T) {
	m := New(tinySettings(), 32, 5, 5)
	spec := randomSpec(6, 32, 5)

	// An end id outside the vocabulary never matches, so generation must
	// stop at the length cap.
	ids := m.Generate(spec, 2, -1)
	if len(ids) != m.Config().MaxTargetLen {
		t.Fatalf("generated %d ids, want cap %d", len(ids), m.Config().MaxTargetLen)
	}
	if ids[0] != 2 {
		t.Errorf("ids[0] = %d, want start id 2", ids[0])
	}
	for i, id := range ids {
		if id < 0 || id >= 10 {
			t.Errorf("ids[%d] = %d, outside the class range", i, id)
		}
	}
}

func TestTransformer_GenerateStopsAtEnd(t *testing.T) {
	m := New(tinySettings(), 32, 5, 7)
	// Zero weights make every logit zero, so argmax always picks class 0.
	for _, p := range m.Params() {
		p.Value.Zero()
	}
	spec := randomSpec(8, 32, 5)

	ids := m.Generate(spec, 2, 0)
	if len(ids) != 2 || ids[0] != 2 || ids[1] != 0 {
		t.Fatalf("ids = %v, want [2 0] (stop on first end token)", ids)
	}
}

func TestTransformer_GenerateDeterministic(t *testing.T) {
	m := New(tinySettings(), 32, 5, 9)
	spec := randomSpec(10, 32, 5)

	a := m.Generate(spec, 2, 3)
	b := m.Generate(spec, 2, 3)
	if len(a) != len(b) {
		t.Fatalf("lengths differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("ids[%d] differ: %d vs %d", i, a[i], b[i])
		}
	}
}

func TestTransformer_ParamRegistry(t *testing.T) {
	m := New(tinySettings(), 32, 5, 11)

	if len(m.Params()) == 0 {
		t.Fatal("no parameters registered")
	}
	seen := make(map[string]bool)
	for _, p := range m.Params() {
		if p.Name == "" {
			t.Error("parameter with empty name")
		}
		if seen[p.Name] {
			t.Errorf("duplicate parameter name %q", p.Name)
		}
		seen[p.Name] = true
	}

	if !seen["speech_emb.positions"] {
		t.Error("speech position table missing from the registry")
	}
	if m.ParamCount() <= 0 {
		t.Error("ParamCount not positive")
	}
}

func TestTransformer_TrainingForwardBackward(t *testing.T) {
	m := New(tinySettings(), 32, 5, 13)
	spec := randomSpec(12, 32, 5)

	ids := []int{2, 5, 6, 3, 0, 0}
	decIn := ids[:len(ids)-1]
	decTarget := ids[1:]
	mask := make([]bool, len(decTarget))
	for i, id := range decTarget {
		mask[i] = id != 0
	}

	tape := autodiff.NewTraining(17)
	logits := m.Forward(tape, spec, decIn)
	loss := tape.CrossEntropy(logits, decTarget, mask, 0.1)

	lv := loss.Value.At(0, 0)
	if math.IsNaN(lv) || math.IsInf(lv, 0) || lv <= 0 {
		t.Fatalf("loss = %g, want a positive finite value", lv)
	}

	tape.Backward(loss)

	var touched int
	for _, p := range m.Params() {
		r, c := p.Grad.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				v := p.Grad.At(i, j)
				if math.IsNaN(v) || math.IsInf(v, 0) {
					t.Fatalf("non-finite gradient in %s", p.Name)
				}
				if v != 0 {
					touched++
				}
			}
		}
	}
	if touched == 0 {
		t.Fatal("backward left every gradient at zero")
	}

	// The unused position table must stay at zero gradient.
	for _, p := range m.Params() {
		if p.Name != "speech_emb.positions" {
			continue
		}
		r, c := p.Grad.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				if p.Grad.At(i, j) != 0 {
					t.Error("speech_emb.positions received gradient despite not being wired")
				}
			}
		}
	}
}
