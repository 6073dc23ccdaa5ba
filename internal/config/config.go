package config

import (
	"os"
	"runtime"

	"github.com/klauspost/cpuid/v2"
)

// SpectrogramSettings holds the STFT featurization parameters.
type SpectrogramSettings struct {
	FrameLength int
	FrameStep   int
	FFTLength   int
	// PadFrames is the fixed time dimension every spectrogram is
	// padded or truncated to before batching.
	PadFrames int
}

// ModelSettings holds the transformer dimensions.
type ModelSettings struct {
	NumHid         int
	NumHead        int
	NumFeedForward int
	NumLayersEnc   int
	NumLayersDec   int
	NumClasses     int
	MaxTargetLen   int
	DropoutRate    float64
}

// Config holds the full experiment configuration.
type Config struct {
	SpectrogramSettings
	ModelSettings

	// Corpus.
	DataDir    string
	CorpusURL  string
	SampleRate int
	TrainFrac  float64

	// Optimization.
	Epochs         int
	BatchSize      int
	ValBatchSize   int
	InitLR         float64
	LRAfterWarmup  float64
	FinalLR        float64
	WarmupEpochs   int
	DecayEpochs    int
	StepsPerEpoch  int
	Beta1          float64
	Beta2          float64
	Epsilon        float64
	LabelSmoothing float64

	// Run mechanics.
	DisplayEvery   int
	Workers        int
	Prefetch       int
	Seed           int64
	CheckpointPath string
}

// Default returns a Config with the hardcoded defaults for training on
// LJSpeech.
func Default() *Config {
	return &Config{
		SpectrogramSettings: SpectrogramSettings{
			FrameLength: 200,
			FrameStep:   80,
			FFTLength:   256,
			PadFrames:   2754,
		},
		ModelSettings: ModelSettings{
			NumHid:         200,
			NumHead:        2,
			NumFeedForward: 400,
			NumLayersEnc:   4,
			NumLayersDec:   1,
			NumClasses:     34,
			MaxTargetLen:   200,
			DropoutRate:    0.1,
		},
		DataDir:    "data",
		CorpusURL:  "https://data.keithito.com/data/speech/LJSpeech-1.1.tar.bz2",
		SampleRate: 22050,
		TrainFrac:  0.99,

		Epochs:         1,
		BatchSize:      64,
		ValBatchSize:   4,
		InitLR:         0.00001,
		LRAfterWarmup:  0.001,
		FinalLR:        0.00001,
		WarmupEpochs:   15,
		DecayEpochs:    85,
		StepsPerEpoch:  203,
		Beta1:          0.9,
		Beta2:          0.999,
		Epsilon:        1e-7,
		LabelSmoothing: 0.1,

		DisplayEvery:   5,
		Workers:        defaultWorkers(),
		Prefetch:       2,
		Seed:           42,
		CheckpointPath: "checkpoints/speechformer.json",
	}
}

// ApplyEnv overrides environment-dependent fields from process env vars.
// Values typically arrive via a .env file loaded at startup.
func (c *Config) ApplyEnv() {
	c.DataDir = getEnv("SPEECHFORMER_DATA_DIR", c.DataDir)
	c.CorpusURL = getEnv("SPEECHFORMER_CORPUS_URL", c.CorpusURL)
	c.CheckpointPath = getEnv("SPEECHFORMER_CHECKPOINT", c.CheckpointPath)
}

// FFTBins returns the number of frequency bins the featurizer emits.
func (s SpectrogramSettings) FFTBins() int {
	return s.FFTLength/2 + 1
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// defaultWorkers sizes compute pools to physical cores. Hyperthreads do not
// help the matrix-heavy training path.
func defaultWorkers() int {
	if n := cpuid.CPU.PhysicalCores; n > 0 {
		return n
	}
	return runtime.NumCPU()
}
