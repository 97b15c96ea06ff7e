package dispatch

import (
	"time"

	"github.com/google/uuid"
)

// Job is one closed audio segment awaiting transcription. Samples are owned
// by whichever stage holds the Job and are never mutated after creation.
type Job struct {
	ID         uuid.UUID
	Samples    []float32
	Frames     int
	EnqueuedAt time.Time
}

// NewJob stamps a segment with a fresh ID and the current time
func NewJob(samples []float32, frames int) Job {
	return Job{
		ID:         uuid.New(),
		Samples:    samples,
		Frames:     frames,
		EnqueuedAt: time.Now(),
	}
}

// Duration returns the audio length of the job at sampleRate
func (j Job) Duration(sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(len(j.Samples)) * time.Second / time.Duration(sampleRate)
}

// Result is one transcribed text segment
type Result struct {
	JobID uuid.UUID
	Time  time.Time // when the worker began the job
	Text  string
	Start time.Duration // segment offset within the job audio
	End   time.Duration
	Final bool // produced by the end-of-session pass
}
