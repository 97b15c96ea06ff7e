package vad

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// StateSize is the element count of one recurrent tensor (2x1x64)
const StateSize = 2 * 1 * 64

// ErrInvalidFrame is returned when a frame has the wrong shape for the scorer
var ErrInvalidFrame = errors.New("invalid frame")

// SpeechState holds the recurrent tensors carried between scorer calls.
// It is a value: a call returns a new state and never mutates its input.
type SpeechState struct {
	H [StateSize]float32
	C [StateSize]float32
}

// Scorer is the speech probability model
type Scorer interface {
	Infer(samples []float32, sampleRate int, state SpeechState) (float32, SpeechState, error)
}

// Detector turns scorer probabilities into per-frame speech decisions
type Detector struct {
	scorer     Scorer
	threshold  float32
	frameSize  int // 0 accepts any non-empty frame
	sampleRate int

	// Statistics
	totalFrames     uint64
	speechFrames    uint64
	lastProbability float32
	lastProcessed   time.Time

	mu sync.RWMutex
}

// DetectorStats represents detector statistics
type DetectorStats struct {
	TotalFrames      uint64    `json:"total_frames"`
	SpeechFrames     uint64    `json:"speech_frames"`
	SpeechPercentage float64   `json:"speech_percentage"`
	LastProbability  float32   `json:"last_probability"`
	LastProcessed    time.Time `json:"last_processed"`
	Threshold        float32   `json:"threshold"`
	FrameSize        int       `json:"frame_size"`
}

// NewDetector creates a detector around scorer
func NewDetector(scorer Scorer, threshold float64, frameSize, sampleRate int) (*Detector, error) {
	if scorer == nil {
		return nil, fmt.Errorf("scorer cannot be nil")
	}

	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("threshold must be between 0 and 1, got %f", threshold)
	}

	if frameSize < 0 {
		return nil, fmt.Errorf("frame size cannot be negative, got %d", frameSize)
	}

	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	return &Detector{
		scorer:     scorer,
		threshold:  float32(threshold),
		frameSize:  frameSize,
		sampleRate: sampleRate,
	}, nil
}

// Score runs the scorer on one frame. The frame is speech when the model
// output exceeds the threshold. The returned state replaces state as a pair.
func (d *Detector) Score(frame []float32, state SpeechState) (bool, SpeechState, error) {
	if len(frame) == 0 {
		return false, state, fmt.Errorf("%w: empty frame", ErrInvalidFrame)
	}

	if d.frameSize > 0 && len(frame) != d.frameSize {
		return false, state, fmt.Errorf("%w: expected %d samples, got %d", ErrInvalidFrame, d.frameSize, len(frame))
	}

	probability, next, err := d.scorer.Infer(frame, d.sampleRate, state)
	if err != nil {
		return false, state, fmt.Errorf("scorer inference failed: %w", err)
	}

	isSpeech := probability > d.threshold

	d.mu.Lock()
	d.totalFrames++
	if isSpeech {
		d.speechFrames++
	}
	d.lastProbability = probability
	d.lastProcessed = time.Now()
	d.mu.Unlock()

	return isSpeech, next, nil
}

// GetStats returns current detector statistics
func (d *Detector) GetStats() DetectorStats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	speechPercentage := float64(0)
	if d.totalFrames > 0 {
		speechPercentage = float64(d.speechFrames) / float64(d.totalFrames) * 100
	}

	return DetectorStats{
		TotalFrames:      d.totalFrames,
		SpeechFrames:     d.speechFrames,
		SpeechPercentage: speechPercentage,
		LastProbability:  d.lastProbability,
		LastProcessed:    d.lastProcessed,
		Threshold:        d.threshold,
		FrameSize:        d.frameSize,
	}
}
