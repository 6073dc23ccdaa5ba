package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/zaf/resample"
)

// Resample converts mono samples from one rate to another. It is a no-op
// when the rates already match.
func Resample(samples []float64, fromRate, toRate int) ([]float64, error) {
	if fromRate == toRate {
		return samples, nil
	}
	if fromRate <= 0 || toRate <= 0 {
		return nil, fmt.Errorf("invalid resample rates: %d -> %d", fromRate, toRate)
	}

	in := make([]byte, 2*len(samples))
	for i, s := range samples {
		v := math.Round(s * 32767)
		if v > 32767 {
			v = 32767
		}
		if v < -32768 {
			v = -32768
		}
		binary.LittleEndian.PutUint16(in[2*i:], uint16(int16(v)))
	}

	var out bytes.Buffer
	res, err := resample.New(&out, float64(fromRate), float64(toRate), 1, resample.I16, resample.HighQ)
	if err != nil {
		return nil, fmt.Errorf("create resampler: %w", err)
	}
	if _, err := res.Write(in); err != nil {
		res.Close()
		return nil, fmt.Errorf("resample write: %w", err)
	}
	if err := res.Close(); err != nil {
		return nil, fmt.Errorf("resample flush: %w", err)
	}

	raw := out.Bytes()
	converted := make([]float64, len(raw)/2)
	for i := range converted {
		converted[i] = float64(int16(binary.LittleEndian.Uint16(raw[2*i:]))) / 32768.0
	}
	return converted, nil
}
