package vad

import (
	"fmt"
	"math"
)

// Default energy scorer parameters for normalized float samples
const (
	DefaultReferenceRMS = 0.05
	DefaultSmoothing    = 0.5
)

// EnergyScorer maps frame RMS energy to a speech probability. It needs no
// model file. The smoothed probability is carried in H[0] of the state so
// the result depends only on the prior state and the frame.
type EnergyScorer struct {
	referenceRMS float64 // RMS mapped to probability 1
	smoothing    float32 // weight of the current frame, 1 disables smoothing
}

var _ Scorer = (*EnergyScorer)(nil)

// NewEnergyScorer creates an energy scorer
func NewEnergyScorer(referenceRMS float64, smoothing float32) (*EnergyScorer, error) {
	if referenceRMS <= 0 {
		return nil, fmt.Errorf("reference RMS must be positive, got %f", referenceRMS)
	}

	if smoothing <= 0 || smoothing > 1 {
		return nil, fmt.Errorf("smoothing must be in (0, 1], got %f", smoothing)
	}

	return &EnergyScorer{referenceRMS: referenceRMS, smoothing: smoothing}, nil
}

// Infer implements Scorer
func (e *EnergyScorer) Infer(samples []float32, sampleRate int, state SpeechState) (float32, SpeechState, error) {
	if len(samples) == 0 {
		return 0, state, fmt.Errorf("%w: empty frame", ErrInvalidFrame)
	}

	probability := float32(math.Min(RMS(samples)/e.referenceRMS, 1))
	probability = e.smoothing*probability + (1-e.smoothing)*state.H[0]

	next := state
	next.H[0] = probability
	next.C[0] = state.C[0] + 1 // frames seen

	return probability, next, nil
}

// RMS returns the root-mean-square level of samples
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}

	var energy float64
	for _, s := range samples {
		energy += float64(s) * float64(s)
	}
	return math.Sqrt(energy / float64(len(samples)))
}
