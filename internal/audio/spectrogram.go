package audio

import (
	"fmt"
	"math"
	"math/cmplx"
	"path/filepath"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/mat"

	"speechformer/internal/config"
)

// magnitudePower compresses STFT magnitudes before normalization.
const magnitudePower = 0.5

// Featurizer turns waveforms into fixed-size, per-frame-normalized STFT
// magnitude spectrograms ready for the encoder. Safe for concurrent use.
type Featurizer struct {
	frameLength int
	frameStep   int
	fftLength   int
	padFrames   int
	window      []float64
}

// NewFeaturizer returns a Featurizer for the given spectrogram settings.
func NewFeaturizer(s config.SpectrogramSettings) *Featurizer {
	return &Featurizer{
		frameLength: s.FrameLength,
		frameStep:   s.FrameStep,
		fftLength:   s.FFTLength,
		padFrames:   s.PadFrames,
		window:      periodicHann(s.FrameLength),
	}
}

// Bins returns the number of frequency bins per frame.
func (f *Featurizer) Bins() int { return f.fftLength/2 + 1 }

// Frames returns the fixed time dimension of every spectrogram.
func (f *Featurizer) Frames() int { return f.padFrames }

// Spectrogram computes the spectrogram of mono samples. Only complete
// analysis frames are taken, each multiplied by a periodic Hann window and
// zero-padded to the FFT length. Magnitudes are compressed with a 0.5 power,
// then every frame is standardized across its frequency bins. The time axis
// is zero-padded or truncated to exactly Frames() rows, so the result is
// always Frames() x Bins().
func (f *Featurizer) Spectrogram(samples []float64) *mat.Dense {
	bins := f.Bins()
	out := mat.NewDense(f.padFrames, bins, nil)

	frames := 0
	if len(samples) >= f.frameLength {
		frames = 1 + (len(samples)-f.frameLength)/f.frameStep
	}
	if frames > f.padFrames {
		frames = f.padFrames
	}

	fft := fourier.NewFFT(f.fftLength)
	buf := make([]float64, f.fftLength)
	coeffs := make([]complex128, bins)
	row := make([]float64, bins)

	for t := 0; t < frames; t++ {
		start := t * f.frameStep
		for i := 0; i < f.frameLength; i++ {
			buf[i] = samples[start+i] * f.window[i]
		}
		for i := f.frameLength; i < f.fftLength; i++ {
			buf[i] = 0
		}
		fft.Coefficients(coeffs, buf)
		for i, c := range coeffs {
			row[i] = math.Pow(cmplx.Abs(c), magnitudePower)
		}
		normalizeFrame(row)
		out.SetRow(t, row)
	}
	return out
}

// FeaturizeWAV loads a wav file, resampling to wantRate when the container
// rate differs, and returns its spectrogram.
func (f *Featurizer) FeaturizeWAV(path string, wantRate int) (*mat.Dense, error) {
	w, err := DecodeWAVFile(path)
	if err != nil {
		return nil, err
	}

	samples := w.Samples
	if wantRate > 0 && w.SampleRate != wantRate {
		samples, err = Resample(samples, w.SampleRate, wantRate)
		if err != nil {
			return nil, fmt.Errorf("resample %s: %w", filepath.Base(path), err)
		}
	}
	return f.Spectrogram(samples), nil
}

// normalizeFrame standardizes one frame across its frequency bins. A frame
// with zero variance normalizes to zeros instead of dividing by zero.
func normalizeFrame(row []float64) {
	n := float64(len(row))

	var sum float64
	for _, v := range row {
		sum += v
	}
	mean := sum / n

	var ss float64
	for _, v := range row {
		d := v - mean
		ss += d * d
	}
	std := math.Sqrt(ss / n)
	if std == 0 {
		for i := range row {
			row[i] = 0
		}
		return
	}

	for i := range row {
		row[i] = (row[i] - mean) / std
	}
}

// periodicHann is the DFT-even Hann window used by the STFT.
func periodicHann(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n))
	}
	return w
}
