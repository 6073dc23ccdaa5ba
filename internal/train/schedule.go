package train

import (
	"math"

	"speechformer/internal/config"
)

// Schedule produces the learning rate for a global step: linear warmup to
// LRAfterWarmup across the first WarmupEpochs, then linear decay to FinalLR
// across DecayEpochs, clamped there. Steps map to epochs through
// StepsPerEpoch, so the rate is constant within an epoch.
type Schedule struct {
	InitLR        float64
	LRAfterWarmup float64
	FinalLR       float64
	WarmupEpochs  int
	DecayEpochs   int
	StepsPerEpoch int
}

// NewSchedule builds a Schedule from the experiment configuration.
func NewSchedule(cfg *config.Config) *Schedule {
	return &Schedule{
		InitLR:        cfg.InitLR,
		LRAfterWarmup: cfg.LRAfterWarmup,
		FinalLR:       cfg.FinalLR,
		WarmupEpochs:  cfg.WarmupEpochs,
		DecayEpochs:   cfg.DecayEpochs,
		StepsPerEpoch: cfg.StepsPerEpoch,
	}
}

// At returns the learning rate for a zero-based global step.
func (s *Schedule) At(step int) float64 {
	epoch := float64(step / s.StepsPerEpoch)
	warmup := s.InitLR + (s.LRAfterWarmup-s.InitLR)*epoch/float64(s.WarmupEpochs-1)
	decay := math.Max(
		s.FinalLR,
		s.LRAfterWarmup-(epoch-float64(s.WarmupEpochs))*(s.LRAfterWarmup-s.FinalLR)/float64(s.DecayEpochs),
	)
	return math.Min(warmup, decay)
}
