package audio

import (
	"math"
	"testing"
)

func TestResample_SameRateIsNoop(t *testing.T) {
	in := sine(100)
	out, err := Resample(in, 22050, 22050)
	if err != nil {
		t.Fatalf("Resample: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("len = %d, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("sample %d changed: %f != %f", i, out[i], in[i])
		}
	}
}

func TestResample_HalvesRate(t *testing.T) {
	in := sine(4410)
	out, err := Resample(in, 44100, 22050)
	if err != nil {
		t.Fatalf("Resample: %v", err)
	}

	want := len(in) / 2
	if len(out) < want-200 || len(out) > want+200 {
		t.Errorf("len = %d, want about %d", len(out), want)
	}
	for i, v := range out {
		if math.IsNaN(v) || v < -1 || v > 1 {
			t.Fatalf("sample %d = %f, out of range", i, v)
		}
	}
}

func TestResample_InvalidRates(t *testing.T) {
	if _, err := Resample(sine(10), 0, 22050); err == nil {
		t.Error("expected error for zero input rate")
	}
	if _, err := Resample(sine(10), 22050, -1); err == nil {
		t.Error("expected error for negative output rate")
	}
}
